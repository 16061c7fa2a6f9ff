package message

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/eventbus"
)

// fakeSession is a scriptable discord.Session for dispatch tests.
type fakeSession struct {
	mu sync.Mutex

	channels    []*discordgo.Channel
	channelsErr error
	invites     []*discordgo.Invite

	sendErrs map[string]error
	editErrs map[string]error

	sent    []sentCall
	edits   []*discordgo.MessageEdit
	deleted [][2]string // channel ID, message ID

	dmChannelID string
	dmErr       error

	nextID int
}

type sentCall struct {
	ChannelID string
	Content   string
}

func newFakeSession(channels ...*discordgo.Channel) *fakeSession {
	return &fakeSession{
		channels:    channels,
		sendErrs:    make(map[string]error),
		editErrs:    make(map[string]error),
		dmChannelID: "dm-channel",
	}
}

func (f *fakeSession) Open() error  { return nil }
func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) AddHandler(interface{}) func() { return func() {} }

func (f *fakeSession) BotUser() (*discordgo.User, error) {
	return &discordgo.User{ID: "bot"}, nil
}

func (f *fakeSession) Guilds() []*discordgo.Guild { return nil }

func (f *fakeSession) Guild(guildID string) (*discordgo.Guild, error) {
	return nil, fmt.Errorf("unknown guild %s", guildID)
}

func (f *fakeSession) GuildChannels(_ context.Context, _ string) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelsErr != nil {
		return nil, f.channelsErr
	}
	return append([]*discordgo.Channel(nil), f.channels...), nil
}

func (f *fakeSession) GuildInvites(_ context.Context, _ string) ([]*discordgo.Invite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Invite(nil), f.invites...), nil
}

func (f *fakeSession) UserChannelCreate(_ context.Context, _ string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	return &discordgo.Channel{ID: f.dmChannelID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSession) SendComplex(_ context.Context, channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErrs[channelID]; err != nil {
		return nil, err
	}
	f.nextID++
	f.sent = append(f.sent, sentCall{ChannelID: channelID, Content: data.Content})
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", f.nextID), ChannelID: channelID}, nil
}

func (f *fakeSession) EditComplex(_ context.Context, edit *discordgo.MessageEdit) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.editErrs[edit.Channel]; err != nil {
		return nil, err
	}
	f.edits = append(f.edits, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (f *fakeSession) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, [2]string{channelID, messageID})
	return nil
}

func (f *fakeSession) JoinVoice(string, string) (discord.VoiceConn, error) {
	return nil, fmt.Errorf("voice not supported by fake")
}

func (f *fakeSession) sentTo(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.ChannelID == channelID {
			n++
		}
	}
	return n
}

// fakeGuildParent implements ChannelParent.
type fakeGuildParent struct {
	session discord.Session
	guildID string
}

func (p *fakeGuildParent) Session() discord.Session { return p.session }
func (p *fakeGuildParent) RemoteGuildID() string    { return p.guildID }

// fakeDMParent implements DMParent.
type fakeDMParent struct {
	session     discord.Session
	recipientID string
}

func (p *fakeDMParent) Session() discord.Session { return p.session }
func (p *fakeDMParent) RecipientID() string      { return p.recipientID }

func textChannel(id string) *discordgo.Channel {
	return &discordgo.Channel{ID: id, Name: "chan-" + id, Type: discordgo.ChannelTypeGuildText}
}

func restError(status int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T) *eventbus.EventController {
	t.Helper()
	ctrl := eventbus.NewEventController(testLogger())
	t.Cleanup(ctrl.Stop)
	return ctrl
}

// farFuture keeps scheduled cycles from firing during a test.
const farFuture = time.Hour
