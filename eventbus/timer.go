package eventbus

import (
	"sync"
	"time"
)

// Timer is a cancelable one-shot schedule whose callback runs on the
// controller's dispatch goroutine.
type Timer struct {
	ctrl *EventController
	fn   func()

	mu       sync.Mutex
	timer    *time.Timer
	canceled bool
	running  bool

	done      chan struct{}
	closeOnce sync.Once
}

// CallAfter schedules fn to run on the dispatch goroutine after d.
func (c *EventController) CallAfter(d time.Duration, fn func()) *Timer {
	t := &Timer{ctrl: c, fn: fn, done: make(chan struct{})}
	t.timer = time.AfterFunc(d, t.fire)
	return t
}

// CallAt schedules fn to run on the dispatch goroutine at the absolute time
// when. Times in the past fire immediately.
func (c *EventController) CallAt(when time.Time, fn func()) *Timer {
	return c.CallAfter(time.Until(when), fn)
}

// fire runs off the time.AfterFunc goroutine and hands execution to the
// dispatch loop.
func (t *Timer) fire() {
	if !t.ctrl.post(&task{fn: t.execute}) {
		// Controller already stopped; the callback will never run but
		// cancellation waiters must still be released.
		t.finish()
	}
}

// execute runs on the dispatch goroutine.
func (t *Timer) execute() {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		t.finish()
		return
	}
	t.running = true
	t.mu.Unlock()

	defer t.finish()
	t.fn()
}

// Cancel prevents the callback from running if it has not started and blocks
// until the timer is fully settled: after Cancel returns, the callback is
// either finished or guaranteed never to run. A callback racing its own
// cancellation must re-check its relevance itself (e.g. "was I closed?"),
// which every core callback does by serializing through its owner's
// exclusive section.
func (t *Timer) Cancel() {
	t.mu.Lock()
	t.canceled = true
	t.timer.Stop()
	running := t.running
	t.mu.Unlock()

	if running {
		// In flight on the dispatch goroutine; wait for it to land.
		// Never reached from the dispatch goroutine itself (the loop
		// cannot run a callback and cancel it at the same time).
		<-t.done
		return
	}
	t.finish()
}

// Done is closed once the timer is settled (fired-and-finished or canceled).
func (t *Timer) Done() <-chan struct{} { return t.done }

func (t *Timer) finish() {
	t.closeOnce.Do(func() { close(t.done) })
}
