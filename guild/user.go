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

// User schedules direct messages to one recipient. It mirrors Guild but its
// children are DirectMessages and its remote destination is a DM channel.
type User struct {
	tracking.ID

	userID     string
	logEnabled bool
	removeAt   time.Time
	removeIn   time.Duration

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

// UserOptions are the Update overrides for a User.
type UserOptions struct {
	Messages []message.Message
	Logging  *bool
	RemoveAt *time.Time
}

// NewUser creates a detached DM manager for the given recipient snowflake.
func NewUser(userID string, msgs []message.Message, logEnabled bool, removeIn time.Duration) *User {
	return &User{
		ID:         tracking.NewID(),
		userID:     userID,
		logEnabled: logEnabled,
		removeIn:   removeIn,
		messages:   append([]message.Message(nil), msgs...),
		section:    eventbus.NewSection(),
	}
}

// RecipientID implements message.DMParent.
func (u *User) RecipientID() string { return u.userID }

// Session implements message.DMParent.
func (u *User) Session() discord.Session { return u.parent.Session() }

// Messages returns a copy of the current message set.
func (u *User) Messages() []message.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]message.Message(nil), u.messages...)
}

// Initialize arms the removal deadline and brings the owned direct messages
// online. A message whose DM channel cannot be opened is dropped with a
// warning; the recipient may simply have DMs closed.
func (u *User) Initialize(parent Parent, ctrl *eventbus.EventController) error {
	u.section.Lock()
	defer u.section.Unlock()
	return u.initLocked(parent, ctrl)
}

func (u *User) initLocked(parent Parent, ctrl *eventbus.EventController) error {
	u.parent = parent
	u.ctrl = ctrl
	u.logger = parent.Logger().With(slog.String("user_id", u.userID))

	if u.removeIn > 0 {
		u.removeAt = time.Now().Add(u.removeIn)
	}
	if !u.removeAt.IsZero() {
		u.removalTimer = ctrl.CallAt(u.removeAt, func() {
			u.ctrl.Emit(events.ServerRemoved, Server(u))
		})
	}

	u.listeners = append(u.listeners,
		ctrl.AddListener(events.MessageReady, u.onMessageReady, u.ownsMessage),
		ctrl.AddListener(events.MessageRemoved, u.onMessageRemoved, u.ownsMessage),
		ctrl.AddListener(events.ServerUpdate, u.onUpdate, func(payload any) bool {
			req, ok := payload.(events.UpdateRequest)
			return ok && req.Target == Server(u)
		}),
	)

	u.mu.Lock()
	msgs := append([]message.Message(nil), u.messages...)
	u.mu.Unlock()

	var kept []message.Message
	for _, m := range msgs {
		if err := u.initMessage(m); err != nil {
			u.logger.Warn("dropping direct message that failed to initialize",
				slog.String("message_id", m.TrackingID().String()),
				slog.Any("error", err))
			continue
		}
		kept = append(kept, m)
	}
	u.mu.Lock()
	u.messages = kept
	u.mu.Unlock()

	u.initialized = true
	return nil
}

func (u *User) initMessage(m message.Message) error {
	dm, ok := m.(*message.DirectMessage)
	if !ok {
		return fmt.Errorf("user cannot schedule message type %T", m)
	}
	return dm.Initialize(u, u.ctrl, u.logger)
}

// AddMessage registers a direct message, rejecting duplicate identities.
func (u *User) AddMessage(m message.Message) error {
	u.section.Lock()
	defer u.section.Unlock()

	u.mu.Lock()
	for _, existing := range u.messages {
		if existing.TrackingID() == m.TrackingID() {
			u.mu.Unlock()
			return fmt.Errorf("message %s already added", m.TrackingID())
		}
	}
	u.messages = append(u.messages, m)
	u.mu.Unlock()

	if !u.initialized {
		return nil
	}
	if err := u.initMessage(m); err != nil {
		u.detach(m)
		return err
	}
	return nil
}

// RemoveMessage closes and detaches a message. Unknown messages are a no-op.
func (u *User) RemoveMessage(m message.Message) {
	if u.detach(m) {
		m.Close()
	}
}

func (u *User) detach(m message.Message) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, existing := range u.messages {
		if existing.TrackingID() == m.TrackingID() {
			u.messages = append(u.messages[:i], u.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (u *User) ownsMessage(payload any) bool {
	m, ok := payload.(message.Message)
	if !ok {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.messages {
		if existing == m {
			return true
		}
	}
	return false
}

func (u *User) onMessageReady(_ context.Context, payload any) error {
	m := payload.(message.Message)
	u.section.Lock()
	if !u.initialized {
		u.section.Unlock()
		return nil
	}
	sink := u.parent.Sink()
	logger := u.logger
	logCtx := logging.GuildContext{ID: u.userID, Name: u.name, Type: "USER"}
	logEnabled := u.logEnabled
	u.section.Unlock()
	go runSend(m, sink, logger, logCtx, logEnabled)
	return nil
}

func (u *User) onMessageRemoved(_ context.Context, payload any) error {
	m := payload.(message.Message)
	u.section.Lock()
	if !u.initialized {
		u.section.Unlock()
		return nil
	}
	u.section.Unlock()
	u.RemoveMessage(m)
	return nil
}

// Update atomically reconfigures the user through the controller.
func (u *User) Update(opts *UserOptions) error {
	u.section.Lock()
	if !u.initialized {
		u.apply(opts)
		u.section.Unlock()
		return nil
	}
	ctrl := u.ctrl
	u.section.Unlock()
	return ctrl.Emit(events.ServerUpdate, events.UpdateRequest{Target: Server(u), Overrides: opts}).Wait()
}

func (u *User) onUpdate(_ context.Context, payload any) error {
	req := payload.(events.UpdateRequest)
	opts, ok := req.Overrides.(*UserOptions)
	if !ok {
		return fmt.Errorf("user update: unexpected overrides type %T", req.Overrides)
	}

	u.section.Lock()
	defer u.section.Unlock()

	prevMessages := u.Messages()
	prevLogging, prevRemoveAt := u.logEnabled, u.removeAt
	parent, ctrl := u.parent, u.ctrl
	u.closeLocked()
	u.apply(opts)
	if err := u.initLocked(parent, ctrl); err != nil {
		u.mu.Lock()
		u.messages = prevMessages
		u.mu.Unlock()
		u.logEnabled, u.removeAt = prevLogging, prevRemoveAt
		if rbErr := u.initLocked(parent, ctrl); rbErr != nil {
			return fmt.Errorf("update failed and rollback failed (%v): %w", rbErr, err)
		}
		return fmt.Errorf("update failed, previous configuration restored: %w", err)
	}
	return nil
}

func (u *User) apply(opts *UserOptions) {
	if opts == nil {
		return
	}
	if opts.Messages != nil {
		u.mu.Lock()
		u.messages = append([]message.Message(nil), opts.Messages...)
		u.mu.Unlock()
	}
	if opts.Logging != nil {
		u.logEnabled = *opts.Logging
	}
	if opts.RemoveAt != nil {
		u.removeAt = *opts.RemoveAt
	}
}

// Close cascades teardown in the same order as Guild.Close.
func (u *User) Close() {
	u.section.Lock()
	defer u.section.Unlock()
	u.closeLocked()
}

func (u *User) closeLocked() {
	if !u.initialized {
		return
	}
	u.initialized = false

	if u.removalTimer != nil {
		u.removalTimer.Cancel()
		u.removalTimer = nil
	}
	for _, l := range u.listeners {
		u.ctrl.RemoveListener(l)
	}
	u.listeners = nil

	for _, m := range u.Messages() {
		m.Close()
	}
}

// Describe returns the semi-serialized form for the control plane.
func (u *User) Describe() tracking.Ref {
	u.section.Lock()
	defer u.section.Unlock()
	msgs := u.Messages()
	refs := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if d, ok := m.(tracking.Describable); ok {
			refs = append(refs, d.Describe())
		}
	}
	return tracking.Ref{
		Type: "User",
		ID:   u.TrackingID().String(),
		Parameters: map[string]any{
			"user_id":  u.userID,
			"logging":  u.logEnabled,
			"messages": refs,
		},
	}
}
