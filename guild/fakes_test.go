package guild

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/message"
)

// fakeSession is a scriptable discord.Session for manager tests.
type fakeSession struct {
	mu sync.Mutex

	guilds   []*discordgo.Guild
	channels map[string][]*discordgo.Channel // guild ID -> channels
	invites  map[string][]*discordgo.Invite  // guild ID -> invites

	sent   []string // channel IDs that received a send
	nextID int
}

func newFakeSession(guilds ...*discordgo.Guild) *fakeSession {
	return &fakeSession{
		guilds:   guilds,
		channels: make(map[string][]*discordgo.Channel),
		invites:  make(map[string][]*discordgo.Invite),
	}
}

func (f *fakeSession) Open() error                           { return nil }
func (f *fakeSession) Close() error                          { return nil }
func (f *fakeSession) AddHandler(interface{}) func()         { return func() {} }
func (f *fakeSession) BotUser() (*discordgo.User, error)     { return &discordgo.User{ID: "bot"}, nil }

func (f *fakeSession) Guilds() []*discordgo.Guild {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Guild(nil), f.guilds...)
}

func (f *fakeSession) Guild(guildID string) (*discordgo.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.guilds {
		if g.ID == guildID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("unknown guild %s", guildID)
}

func (f *fakeSession) GuildChannels(_ context.Context, guildID string) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Channel(nil), f.channels[guildID]...), nil
}

func (f *fakeSession) GuildInvites(_ context.Context, guildID string) ([]*discordgo.Invite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Invite(nil), f.invites[guildID]...), nil
}

func (f *fakeSession) setInviteUses(guildID, code string, uses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.invites[guildID] {
		if inv.Code == code {
			inv.Uses = uses
			return
		}
	}
	f.invites[guildID] = append(f.invites[guildID], &discordgo.Invite{Code: code, Uses: uses})
}

func (f *fakeSession) UserChannelCreate(_ context.Context, recipientID string) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSession) SendComplex(_ context.Context, channelID string, _ *discordgo.MessageSend) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, channelID)
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", f.nextID), ChannelID: channelID}, nil
}

func (f *fakeSession) EditComplex(_ context.Context, edit *discordgo.MessageEdit) (*discordgo.Message, error) {
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (f *fakeSession) DeleteMessage(context.Context, string, string) error { return nil }

func (f *fakeSession) JoinVoice(string, string) (discord.VoiceConn, error) {
	return nil, fmt.Errorf("voice not supported by fake")
}

// memorySink records every saved log for assertions.
type memorySink struct {
	mu      sync.Mutex
	records []logging.Record
}

func (s *memorySink) SaveLog(_ context.Context, r logging.Record) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) waitForRecord(t *testing.T) logging.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.records) > 0 {
			r := s.records[0]
			s.mu.Unlock()
			return r
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no log record arrived")
	return logging.Record{}
}

// fakeParent implements Parent.
type fakeParent struct {
	session discord.Session
	sink    *memorySink
	logger  *slog.Logger
}

func newFakeParent(session discord.Session) *fakeParent {
	return &fakeParent{
		session: session,
		sink:    &memorySink{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (p *fakeParent) Session() discord.Session { return p.session }
func (p *fakeParent) Logger() *slog.Logger     { return p.logger }
func (p *fakeParent) Sink() logging.Sink       { return p.sink }

func newTestController(t *testing.T) *eventbus.EventController {
	t.Helper()
	ctrl := eventbus.NewEventController(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(ctrl.Stop)
	return ctrl
}

// farFuture keeps scheduled cycles from firing during a test.
const farFuture = time.Hour

func testTextMessage(channels ...string) *message.TextMessage {
	return message.NewTextMessage(farFuture, farFuture,
		message.TextData{Content: "hello"}, channels, message.ModeSend, farFuture, message.RemoveNever())
}

func textChannel(id string) *discordgo.Channel {
	return &discordgo.Channel{ID: id, Name: "chan-" + id, Type: discordgo.ChannelTypeGuildText}
}
