package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

//go:generate mockgen -destination=mocks/session_mock.go -package=mocks github.com/herald-labs/discord-herald/discord Session

// Session defines the delivery capability the scheduler core calls through.
// Everything the core needs from the remote API sits behind this interface so
// tests can substitute fakes and mocks.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	BotUser() (*discordgo.User, error)
	Guilds() []*discordgo.Guild
	Guild(guildID string) (*discordgo.Guild, error)
	GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error)
	GuildInvites(ctx context.Context, guildID string) ([]*discordgo.Invite, error)
	UserChannelCreate(ctx context.Context, recipientID string) (*discordgo.Channel, error)
	SendComplex(ctx context.Context, channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	EditComplex(ctx context.Context, edit *discordgo.MessageEdit) (*discordgo.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	JoinVoice(guildID, channelID string) (VoiceConn, error)
}

// DiscordSession implements Session on top of a discordgo session, with an
// outbound rate limiter in front of every REST call so a dense message
// population cannot trip the global limit.
type DiscordSession struct {
	session  *discordgo.Session
	logger   *slog.Logger
	limiter  *rate.Limiter
	channels *ChannelCache
}

// WithChannelCache attaches a channel list cache; nil detaches it.
func (d *DiscordSession) WithChannelCache(cache *ChannelCache) *DiscordSession {
	d.channels = cache
	return d
}

// NewDiscordSession wraps session. The limiter admits restPerSecond calls
// with a small burst; zero disables client-side limiting.
func NewDiscordSession(session *discordgo.Session, logger *slog.Logger, restPerSecond float64) *DiscordSession {
	limit := rate.Inf
	if restPerSecond > 0 {
		limit = rate.Limit(restPerSecond)
	}
	return &DiscordSession{
		session: session,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 5),
	}
}

// NewSession creates a bot session from a raw token. intents zero keeps the
// discordgo default.
func NewSession(token string, intents discordgo.Intent, restPerSecond float64, logger *slog.Logger) (*DiscordSession, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	if intents != 0 {
		session.Identify.Intents = intents
	}
	session.StateEnabled = true
	ds := NewDiscordSession(session, logger, restPerSecond)
	cache, err := NewChannelCache(context.Background(), time.Minute)
	if err != nil {
		return nil, err
	}
	return ds.WithChannelCache(cache), nil
}

// Open opens the websocket connection.
func (d *DiscordSession) Open() error {
	d.logger.Info("opening discord websocket connection")
	return d.session.Open()
}

// Close closes the websocket connection.
func (d *DiscordSession) Close() error {
	d.logger.Info("closing discord websocket connection")
	return d.session.Close()
}

// AddHandler wraps the discordgo AddHandler method.
func (d *DiscordSession) AddHandler(handler interface{}) func() {
	return d.session.AddHandler(handler)
}

// BotUser returns the logged-in user.
func (d *DiscordSession) BotUser() (*discordgo.User, error) {
	if u := d.session.State.User; u != nil {
		return u, nil
	}
	return d.session.User("@me")
}

// Guilds returns the gateway's current guild cache.
func (d *DiscordSession) Guilds() []*discordgo.Guild {
	d.session.State.RLock()
	defer d.session.State.RUnlock()
	guilds := make([]*discordgo.Guild, len(d.session.State.Guilds))
	copy(guilds, d.session.State.Guilds)
	return guilds
}

// Guild resolves a guild, preferring the state cache.
func (d *DiscordSession) Guild(guildID string) (*discordgo.Guild, error) {
	if g, err := d.session.State.Guild(guildID); err == nil {
		return g, nil
	}
	return d.session.Guild(guildID)
}

// GuildChannels lists the guild's channels, serving from the short-TTL
// cache when one is attached.
func (d *DiscordSession) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	if d.channels != nil {
		if cached, ok := d.channels.Get(guildID); ok {
			return cached, nil
		}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	channels, err := d.session.GuildChannels(guildID)
	if err != nil {
		return nil, err
	}
	if d.channels != nil {
		if err := d.channels.Set(guildID, channels); err != nil {
			d.logger.Debug("failed to cache channel list", slog.Any("error", err))
		}
	}
	return channels, nil
}

// GuildInvites lists the guild's invites with their use counts.
func (d *DiscordSession) GuildInvites(ctx context.Context, guildID string) ([]*discordgo.Invite, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return d.session.GuildInvites(guildID)
}

// UserChannelCreate opens (or returns) the DM channel with a user.
func (d *DiscordSession) UserChannelCreate(ctx context.Context, recipientID string) (*discordgo.Channel, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return d.session.UserChannelCreate(recipientID)
}

// SendComplex sends a message to a channel.
func (d *DiscordSession) SendComplex(ctx context.Context, channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return d.session.ChannelMessageSendComplex(channelID, data)
}

// EditComplex edits a previously sent message.
func (d *DiscordSession) EditComplex(ctx context.Context, edit *discordgo.MessageEdit) (*discordgo.Message, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return d.session.ChannelMessageEditComplex(edit)
}

// DeleteMessage removes a previously sent message.
func (d *DiscordSession) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.session.ChannelMessageDelete(channelID, messageID)
}

// JoinVoice connects to a voice channel.
func (d *DiscordSession) JoinVoice(guildID, channelID string) (VoiceConn, error) {
	vc, err := d.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, err
	}
	return &voiceConn{vc: vc}, nil
}
