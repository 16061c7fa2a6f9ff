// Package message implements the schedulable message variants and their
// dispatch pipeline. A message is created detached, becomes schedulable once
// attached to a guild or user and initialized, and signals its own removal
// through the event controller when its remove-after policy is satisfied.
package message

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/herald-labs/discord-herald/discord"
	"github.com/herald-labs/discord-herald/eventbus"
	"github.com/herald-labs/discord-herald/events"
	"github.com/herald-labs/discord-herald/tracking"
)

// Mode defines how a cycle delivers relative to previous cycles.
type Mode string

const (
	// ModeSend sends a new message every cycle.
	ModeSend Mode = "send"
	// ModeEdit edits the previously sent message, sending fresh only where
	// none exists yet.
	ModeEdit Mode = "edit"
	// ModeClearSend deletes the previous send first, then sends fresh.
	ModeClearSend Mode = "clear-send"
)

type removeKind int

const (
	removeNever removeKind = iota
	removeCount
	removeIn
	removeAt
)

// RemoveAfter is a message's remaining-lifetime policy.
type RemoveAfter struct {
	kind  removeKind
	count int
	in    time.Duration
	at    time.Time
}

// RemoveNever keeps the message scheduled until its owner removes it.
func RemoveNever() RemoveAfter { return RemoveAfter{kind: removeNever} }

// RemoveAfterCount removes the message once n send cycles completed.
func RemoveAfterCount(n int) RemoveAfter { return RemoveAfter{kind: removeCount, count: n} }

// RemoveAfterDuration removes the message d after initialization.
func RemoveAfterDuration(d time.Duration) RemoveAfter { return RemoveAfter{kind: removeIn, in: d} }

// RemoveAt removes the message at the absolute time t.
func RemoveAt(t time.Time) RemoveAfter { return RemoveAfter{kind: removeAt, at: t} }

// arm converts relative policies to absolute deadlines.
func (r *RemoveAfter) arm(now time.Time) {
	if r.kind == removeIn {
		r.kind = removeAt
		r.at = now.Add(r.in)
	}
}

// onSent advances count-based policies by one completed cycle.
func (r *RemoveAfter) onSent() {
	if r.kind == removeCount {
		r.count--
	}
}

// satisfied reports whether the policy says the message is spent.
func (r *RemoveAfter) satisfied(now time.Time) bool {
	switch r.kind {
	case removeCount:
		return r.count <= 0
	case removeAt:
		return !now.Before(r.at)
	default:
		return false
	}
}

// Message is the capability surface guilds and users schedule against.
type Message interface {
	tracking.Object

	// Origin identifies the template line a message descends from: a clone
	// shares its source's origin while keeping its own tracking ID.
	Origin() uuid.UUID

	// Send runs one dispatch cycle and returns its report (nil when there
	// was nothing to deliver).
	Send(ctx context.Context) (*Report, error)

	// Clone returns a detached structural copy with a fresh tracking ID.
	Clone() Message

	// Close cancels the message's timer and detaches it from the
	// controller. Safe to call twice.
	Close()
}

// Base carries the state shared by every message variant.
type Base struct {
	tracking.ID
	origin uuid.UUID

	startPeriod time.Duration
	endPeriod   time.Duration
	startIn     time.Duration
	payload     any
	removeAfter RemoveAfter

	ctrl        *eventbus.EventController
	logger      *slog.Logger
	section     *eventbus.Section
	timer       *eventbus.Timer
	self        Message
	initialized bool
	removing    bool
}

func newBase(startPeriod, endPeriod, startIn time.Duration, payload any, removeAfter RemoveAfter) Base {
	id := tracking.NewID()
	return Base{
		ID:          id,
		origin:      id.TrackingID(),
		startPeriod: startPeriod,
		endPeriod:   endPeriod,
		startIn:     startIn,
		payload:     payload,
		removeAfter: removeAfter,
		section:     eventbus.NewSection(),
	}
}

// Origin returns the template-line identity shared across clones.
func (b *Base) Origin() uuid.UUID { return b.origin }

// Initialized reports whether the message is currently schedulable.
func (b *Base) Initialized() bool { return b.initialized }

// NextDelay picks the next send delay uniformly from [startPeriod,
// endPeriod); equal bounds give a fixed period.
func (b *Base) NextDelay() time.Duration {
	if b.endPeriod <= b.startPeriod {
		return b.startPeriod
	}
	return b.startPeriod + time.Duration(rand.Int63n(int64(b.endPeriod-b.startPeriod)))
}

// initBase wires the message to the controller and arms the first cycle.
// self is the concrete variant so emissions carry the right object.
func (b *Base) initBase(self Message, ctrl *eventbus.EventController, logger *slog.Logger) {
	b.self = self
	b.ctrl = ctrl
	b.logger = logger
	b.initialized = true
	b.removing = false
	b.removeAfter.arm(time.Now())
	b.scheduleAfter(b.startIn)
}

func (b *Base) scheduleAfter(d time.Duration) {
	self := b.self
	ctrl := b.ctrl
	b.timer = ctrl.CallAfter(d, func() {
		ctrl.Emit(events.MessageReady, self)
	})
}

// finishCycle advances the remove-after policy and either re-arms the period
// timer or signals removal through the controller. hadDestinations is false
// when the message has no reachable destination left, which also spends it.
func (b *Base) finishCycle(sent bool, hadDestinations bool) {
	if !b.initialized || b.removing {
		return
	}
	if sent {
		b.removeAfter.onSent()
	}
	if b.removeAfter.satisfied(time.Now()) || !hadDestinations {
		b.removing = true
		b.ctrl.Emit(events.MessageRemoved, b.self)
		return
	}
	b.scheduleAfter(b.NextDelay())
}

// stretchPeriod raises the period window so the next delay clears at least
// penalty, used when a destination reports rate limiting.
func (b *Base) stretchPeriod(penalty time.Duration) {
	if b.startPeriod >= penalty {
		return
	}
	shift := penalty - b.startPeriod
	b.startPeriod += shift
	b.endPeriod += shift
	b.logger.Warn("rate limited, stretching send period",
		slog.Duration("start_period", b.startPeriod),
		slog.Duration("end_period", b.endPeriod))
}

// closeBase cancels the timer, awaiting an in-flight firing, and detaches
// the message. Idempotent.
func (b *Base) closeBase() {
	if !b.initialized {
		return
	}
	b.initialized = false
	if b.timer != nil {
		b.timer.Cancel()
		b.timer = nil
	}
	b.ctrl = nil
	b.self = nil
}

// cloneBase copies construction state with a fresh tracking ID but the same
// origin, leaving runtime state behind.
func (b *Base) cloneBase() Base {
	return Base{
		ID:          tracking.NewID(),
		origin:      b.origin,
		startPeriod: b.startPeriod,
		endPeriod:   b.endPeriod,
		startIn:     b.startIn,
		payload:     clonePayload(b.payload),
		removeAfter: b.removeAfter,
		section:     eventbus.NewSection(),
	}
}

// ChannelParent is what channel-bound messages need from their owner.
type ChannelParent interface {
	Session() discord.Session
	RemoteGuildID() string
}

// DMParent is what direct messages need from their owner.
type DMParent interface {
	Session() discord.Session
	RecipientID() string
}
