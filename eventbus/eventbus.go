// Package eventbus implements the in-process publish/subscribe controller the
// scheduler core runs on. All listener callbacks and timer callbacks execute
// on a single dispatch goroutine, so core state is only ever mutated from one
// logical thread; emitters hand work to that goroutine and may optionally
// await its completion through the returned Emission.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/herald-labs/discord-herald/events"
)

// ErrClosed is reported by emissions scheduled after Stop.
var ErrClosed = errors.New("eventbus: controller closed")

// Predicate gates a listener on the event payload. It must be pure: it runs
// on the dispatch goroutine for every matching emission.
type Predicate func(payload any) bool

// Callback consumes an event payload. An error return is collected on the
// Emission and logged; it never reaches other listeners.
type Callback func(ctx context.Context, payload any) error

// Listener is the registration handle returned by AddListener and accepted
// by RemoveListener.
type Listener struct {
	event     events.ID
	callback  Callback
	predicate Predicate
}

// Emission is the join handle returned by Emit.
type Emission struct {
	done chan struct{}
	errs []error
}

// Done is closed once every matching listener has run.
func (e *Emission) Done() <-chan struct{} { return e.done }

// Wait blocks until all matching listeners have completed and returns their
// joined errors. Callers that do not care about completion simply drop the
// Emission.
func (e *Emission) Wait() error {
	<-e.done
	return errors.Join(e.errs...)
}

type task struct {
	event    events.ID
	payload  any
	emission *Emission
	fn       func() // timer callbacks; set instead of event/emission
}

// EventController is the single-loop dispatcher. Listener registration order
// is dispatch order for a given event ID; no ordering holds across IDs.
type EventController struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[events.ID][]*Listener
	queue     []*task
	closed    bool

	wake     chan struct{}
	loopDone chan struct{}
}

// NewEventController creates a controller and starts its dispatch goroutine.
func NewEventController(logger *slog.Logger) *EventController {
	c := &EventController{
		logger:    logger,
		listeners: make(map[events.ID][]*Listener),
		wake:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
	}
	go c.loop()
	return c
}

// AddListener registers callback for id, optionally gated by predicate
// (nil means always fire). Safe to call from inside a callback; the
// registration takes effect for the next emission, not the in-flight one.
func (c *EventController) AddListener(id events.ID, callback Callback, predicate Predicate) *Listener {
	l := &Listener{event: id, callback: callback, predicate: predicate}
	c.mu.Lock()
	c.listeners[id] = append(c.listeners[id], l)
	c.mu.Unlock()
	return l
}

// RemoveListener unregisters a listener handle. Unknown handles are a no-op,
// so owners can remove unconditionally during teardown.
func (c *EventController) RemoveListener(l *Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	regs := c.listeners[l.event]
	for i, reg := range regs {
		if reg == l {
			c.listeners[l.event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
}

// Emit schedules dispatch of payload to every listener registered for id and
// returns immediately. The emitter may Wait on the returned Emission to know
// when all matching listeners have completed.
func (c *EventController) Emit(id events.ID, payload any) *Emission {
	em := &Emission{done: make(chan struct{})}
	t := &task{event: id, payload: payload, emission: em}
	if !c.post(t) {
		em.errs = append(em.errs, ErrClosed)
		close(em.done)
	}
	return em
}

// post enqueues a task for the dispatch goroutine. Returns false once the
// controller is closed.
func (c *EventController) post(t *task) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, t)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop drains the pending queue and terminates the dispatch goroutine.
// Emissions scheduled after Stop complete immediately with ErrClosed.
func (c *EventController) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.loopDone
		return
	}
	c.closed = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.loopDone
}

func (c *EventController) loop() {
	defer close(c.loopDone)
	for {
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		closed := c.closed
		c.mu.Unlock()

		for _, t := range queue {
			c.run(t)
		}

		if closed {
			// One final drain: timers may have posted between the
			// snapshot above and the closed flag being observed.
			c.mu.Lock()
			rest := c.queue
			c.queue = nil
			c.mu.Unlock()
			for _, t := range rest {
				c.run(t)
			}
			return
		}

		if len(queue) == 0 {
			<-c.wake
		}
	}
}

// run executes one task on the dispatch goroutine. The listener set is
// snapshotted per emission, so callbacks adding or removing listeners cannot
// corrupt the in-flight dispatch.
func (c *EventController) run(t *task) {
	if t.fn != nil {
		c.invoke(func(context.Context, any) error { t.fn(); return nil }, "timer", nil)
		return
	}

	c.mu.Lock()
	snapshot := make([]*Listener, len(c.listeners[t.event]))
	copy(snapshot, c.listeners[t.event])
	c.mu.Unlock()

	for _, l := range snapshot {
		if l.predicate != nil && !l.predicate(t.payload) {
			continue
		}
		if err := c.invoke(l.callback, string(t.event), t.payload); err != nil {
			t.emission.errs = append(t.emission.errs, err)
		}
	}
	close(t.emission.done)
}

// invoke runs a single callback, converting panics into errors so one
// misbehaving observer can never take down the dispatch loop.
func (c *EventController) invoke(cb Callback, origin string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
		if err != nil {
			c.logger.Error("listener failed",
				slog.String("event", origin),
				slog.Any("error", err))
		}
	}()
	return cb(context.Background(), payload)
}
