// Package guild implements the schedulable destination managers: Guild for
// one remote guild, User for one DM recipient, and AutoGuild for a pattern
// matched group of guilds. They own message objects and react to controller
// events; no component reaches into another except down the ownership tree.
package guild

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/events"
	"github.com/herald-labs/discord-herald/logging"
	"github.com/herald-labs/discord-herald/message"
	"github.com/herald-labs/discord-herald/tracking"
)

// Parent is what servers need from their owning account.
type Parent interface {
	Session() discord.Session
	Logger() *slog.Logger
	Sink() logging.Sink
}

// Server is the capability surface accounts manage their children through.
type Server interface {
	tracking.Describable
	Initialize(parent Parent, ctrl *eventbus.EventController) error
	Close()
}

// Guild schedules messages into one remote guild.
type Guild struct {
	tracking.ID

	guildID     string
	logEnabled  bool
	removeAt    time.Time // zero means never
	removeIn    time.Duration

	mu       sync.Mutex
	messages []message.Message

	parent       Parent
	ctrl         *eventbus.EventController
	logger       *slog.Logger
	section      *eventbus.Section
	name         string
	removalTimer *eventbus.Timer
	listeners    []*eventbus.Listener
	initialized  bool
}

// GuildOptions are the Update overrides for a Guild.
type GuildOptions struct {
	Messages []message.Message
	Logging  *bool
	RemoveAt *time.Time
}

// New creates a detached guild manager for the remote guild with the given
// snowflake ID. removeIn zero means the guild is never removed on a deadline.
func New(guildID string, msgs []message.Message, logEnabled bool, removeIn time.Duration) *Guild {
	return &Guild{
		ID:         tracking.NewID(),
		guildID:    guildID,
		logEnabled: logEnabled,
		removeIn:   removeIn,
		messages:   append([]message.Message(nil), msgs...),
		section:    eventbus.NewSection(),
	}
}

// NewMatched creates a guild manager for an already resolved remote guild;
// used by AutoGuild when materializing matches.
func NewMatched(guildID, name string, msgs []message.Message, logEnabled bool) *Guild {
	g := New(guildID, msgs, logEnabled, 0)
	g.name = name
	return g
}

// RemoteGuildID implements message.ChannelParent.
func (g *Guild) RemoteGuildID() string { return g.guildID }

// Session implements message.ChannelParent.
func (g *Guild) Session() discord.Session { return g.parent.Session() }

// Name returns the resolved remote guild name (empty before Initialize).
func (g *Guild) Name() string {
	g.section.Lock()
	defer g.section.Unlock()
	return g.name
}

// Messages returns a copy of the current message set.
func (g *Guild) Messages() []message.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]message.Message(nil), g.messages...)
}

// Initialize resolves the remote guild, arms the removal deadline and brings
// every owned message online. A message that fails to initialize is dropped
// with a warning rather than failing the guild.
func (g *Guild) Initialize(parent Parent, ctrl *eventbus.EventController) error {
	g.section.Lock()
	defer g.section.Unlock()
	return g.initLocked(parent, ctrl)
}

// initLocked does the Initialize work. The caller holds the section, which
// the listeners registered here also take, so initialization never
// interleaves with a dispatched callback.
func (g *Guild) initLocked(parent Parent, ctrl *eventbus.EventController) error {
	g.parent = parent
	g.ctrl = ctrl
	g.logger = parent.Logger().With(slog.String("guild_id", g.guildID))

	if g.name == "" {
		remote, err := parent.Session().Guild(g.guildID)
		if err != nil {
			return fmt.Errorf("unable to resolve guild %s: %w", g.guildID, err)
		}
		g.name = remote.Name
	}

	if g.removeIn > 0 {
		g.removeAt = time.Now().Add(g.removeIn)
	}
	if !g.removeAt.IsZero() {
		g.removalTimer = ctrl.CallAt(g.removeAt, func() {
			g.ctrl.Emit(events.ServerRemoved, Server(g))
		})
	}

	g.listeners = append(g.listeners,
		ctrl.AddListener(events.MessageReady, g.onMessageReady, g.ownsMessage),
		ctrl.AddListener(events.MessageRemoved, g.onMessageRemoved, g.ownsMessage),
		ctrl.AddListener(events.ServerUpdate, g.onUpdate, func(payload any) bool {
			req, ok := payload.(events.UpdateRequest)
			return ok && req.Target == Server(g)
		}),
	)

	g.initMessages()
	g.initialized = true
	return nil
}

// initMessages brings the owned messages online, dropping the ones that
// fail. Duplicate identities are rejected at AddMessage time, so the set is
// unique here by construction.
func (g *Guild) initMessages() {
	g.mu.Lock()
	msgs := append([]message.Message(nil), g.messages...)
	g.mu.Unlock()

	var kept []message.Message
	for _, m := range msgs {
		if err := g.initMessage(m); err != nil {
			g.logger.Warn("dropping message that failed to initialize",
				slog.String("message_id", m.TrackingID().String()),
				slog.Any("error", err))
			continue
		}
		kept = append(kept, m)
	}
	g.mu.Lock()
	g.messages = kept
	g.mu.Unlock()
}

func (g *Guild) initMessage(m message.Message) error {
	switch msg := m.(type) {
	case *message.TextMessage:
		return msg.Initialize(g, g.ctrl, g.logger)
	case *message.VoiceMessage:
		return msg.Initialize(g, g.ctrl, g.logger)
	default:
		return fmt.Errorf("guild cannot schedule message type %T", m)
	}
}

// AddMessage registers a message. The guild's message set never holds two
// messages with the same identity.
func (g *Guild) AddMessage(m message.Message) error {
	g.section.Lock()
	defer g.section.Unlock()

	g.mu.Lock()
	for _, existing := range g.messages {
		if existing.TrackingID() == m.TrackingID() {
			g.mu.Unlock()
			return fmt.Errorf("message %s already added", m.TrackingID())
		}
	}
	g.messages = append(g.messages, m)
	g.mu.Unlock()

	if !g.initialized {
		return nil
	}
	if err := g.initMessage(m); err != nil {
		g.detach(m)
		return err
	}
	return nil
}

// RemoveMessage closes and detaches a message. Unknown messages are a no-op.
func (g *Guild) RemoveMessage(m message.Message) {
	if g.detach(m) {
		m.Close()
	}
}

// removeByOrigin detaches and closes the message cloned from the given
// template line, if any. Used by AutoGuild fan-out.
func (g *Guild) removeByOrigin(tmpl message.Message) {
	g.mu.Lock()
	var found message.Message
	for i, existing := range g.messages {
		if existing.Origin() == tmpl.Origin() {
			found = existing
			g.messages = append(g.messages[:i], g.messages[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	if found != nil {
		found.Close()
	}
}

func (g *Guild) detach(m message.Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.messages {
		if existing.TrackingID() == m.TrackingID() {
			g.messages = append(g.messages[:i], g.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Guild) ownsMessage(payload any) bool {
	m, ok := payload.(message.Message)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.messages {
		if existing == m {
			return true
		}
	}
	return false
}

// onMessageReady runs the send cycle off the dispatch goroutine so a slow
// delivery never stalls other listeners; the message's own section keeps the
// cycle exclusive against update and close. The owner state the cycle needs
// is snapshotted here, under the section, rather than read from the goroutine.
func (g *Guild) onMessageReady(_ context.Context, payload any) error {
	m := payload.(message.Message)
	g.section.Lock()
	if !g.initialized {
		g.section.Unlock()
		return nil
	}
	sink := g.parent.Sink()
	logger := g.logger
	logCtx := g.logContext()
	logEnabled := g.logEnabled
	g.section.Unlock()
	go runSend(m, sink, logger, logCtx, logEnabled)
	return nil
}

// runSend executes one send cycle and forwards a non-empty report to the
// sink when the owner has logging enabled. Shared by Guild and User.
func runSend(m message.Message, sink logging.Sink, logger *slog.Logger, logCtx logging.GuildContext, logEnabled bool) {
	report, err := m.Send(context.Background())
	if err != nil {
		logger.Error("send cycle failed", slog.Any("error", err))
	}
	if report.Empty() || !logEnabled {
		return
	}
	if err := sink.SaveLog(context.Background(), logging.Record{
		Guild:   logCtx,
		Message: report,
	}); err != nil {
		logger.Error("failed to save send log", slog.Any("error", err))
	}
}

func (g *Guild) onMessageRemoved(_ context.Context, payload any) error {
	m := payload.(message.Message)
	g.section.Lock()
	if !g.initialized {
		g.section.Unlock()
		return nil
	}
	g.logger.Debug("message spent, removing",
		slog.String("message_id", m.TrackingID().String()))
	g.section.Unlock()
	g.RemoveMessage(m)
	return nil
}

// Update atomically reconfigures the guild through the controller.
func (g *Guild) Update(opts *GuildOptions) error {
	g.section.Lock()
	if !g.initialized {
		g.apply(opts)
		g.section.Unlock()
		return nil
	}
	ctrl := g.ctrl
	g.section.Unlock()
	return ctrl.Emit(events.ServerUpdate, events.UpdateRequest{Target: Server(g), Overrides: opts}).Wait()
}

func (g *Guild) onUpdate(_ context.Context, payload any) error {
	req := payload.(events.UpdateRequest)
	opts, ok := req.Overrides.(*GuildOptions)
	if !ok {
		return fmt.Errorf("guild update: unexpected overrides type %T", req.Overrides)
	}

	g.section.Lock()
	defer g.section.Unlock()

	type snapshot struct {
		messages   []message.Message
		logEnabled bool
		removeAt   time.Time
	}
	prev := snapshot{g.Messages(), g.logEnabled, g.removeAt}
	parent, ctrl := g.parent, g.ctrl
	g.closeLocked()
	g.apply(opts)
	if err := g.initLocked(parent, ctrl); err != nil {
		g.mu.Lock()
		g.messages = prev.messages
		g.mu.Unlock()
		g.logEnabled, g.removeAt = prev.logEnabled, prev.removeAt
		if rbErr := g.initLocked(parent, ctrl); rbErr != nil {
			return fmt.Errorf("update failed and rollback failed (%v): %w", rbErr, err)
		}
		return fmt.Errorf("update failed, previous configuration restored: %w", err)
	}
	return nil
}

func (g *Guild) apply(opts *GuildOptions) {
	if opts == nil {
		return
	}
	if opts.Messages != nil {
		g.mu.Lock()
		g.messages = append([]message.Message(nil), opts.Messages...)
		g.mu.Unlock()
	}
	if opts.Logging != nil {
		g.logEnabled = *opts.Logging
	}
	if opts.RemoveAt != nil {
		g.removeAt = *opts.RemoveAt
	}
}

// Close cascades teardown: removal timer first, then listeners, then owned
// messages, so no further event can reach a partially closed guild.
func (g *Guild) Close() {
	g.section.Lock()
	defer g.section.Unlock()
	g.closeLocked()
}

func (g *Guild) closeLocked() {
	if !g.initialized {
		return
	}
	g.initialized = false

	if g.removalTimer != nil {
		g.removalTimer.Cancel()
		g.removalTimer = nil
	}
	for _, l := range g.listeners {
		g.ctrl.RemoveListener(l)
	}
	g.listeners = nil

	for _, m := range g.Messages() {
		m.Close()
	}
}

func (g *Guild) logContext() logging.GuildContext {
	return logging.GuildContext{ID: g.guildID, Name: g.name, Type: "GUILD"}
}

// Describe returns the semi-serialized form for the control plane.
func (g *Guild) Describe() tracking.Ref {
	g.section.Lock()
	defer g.section.Unlock()
	msgs := g.Messages()
	refs := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if d, ok := m.(tracking.Describable); ok {
			refs = append(refs, d.Describe())
		}
	}
	return tracking.Ref{
		Type: "Guild",
		ID:   g.TrackingID().String(),
		Parameters: map[string]any{
			"guild_id": g.guildID,
			"logging":  g.logEnabled,
			"messages": refs,
		},
	}
}
