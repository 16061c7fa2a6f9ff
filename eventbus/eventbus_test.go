package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/herald-labs/discord-herald/events"
)

func newTestController(t *testing.T) *EventController {
	t.Helper()
	c := NewEventController(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(c.Stop)
	return c
}

func TestEmitDispatchesInRegistrationOrder(t *testing.T) {
	c := newTestController(t)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.AddListener(events.MessageReady, func(context.Context, any) error {
			order = append(order, i)
			return nil
		}, nil)
	}

	if err := c.Emit(events.MessageReady, nil).Wait(); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("dispatch order = %v, want [1 2 3]", order)
	}
}

func TestPredicateGatesListener(t *testing.T) {
	c := newTestController(t)

	var fired, skipped atomic.Int32
	c.AddListener(events.GuildJoin, func(_ context.Context, payload any) error {
		fired.Add(1)
		return nil
	}, func(payload any) bool { return payload.(string) == "match" })
	c.AddListener(events.GuildJoin, func(context.Context, any) error {
		skipped.Add(1)
		return nil
	}, func(payload any) bool { return false })

	c.Emit(events.GuildJoin, "match").Wait()
	c.Emit(events.GuildJoin, "other").Wait()

	if got := fired.Load(); got != 1 {
		t.Errorf("gated listener fired %d times, want 1", got)
	}
	if got := skipped.Load(); got != 0 {
		t.Errorf("always-false listener fired %d times, want 0", got)
	}
}

func TestListenerFailureIsIsolated(t *testing.T) {
	c := newTestController(t)

	sentinel := errors.New("boom")
	var after atomic.Bool
	c.AddListener(events.MessageReady, func(context.Context, any) error {
		return sentinel
	}, nil)
	c.AddListener(events.MessageReady, func(context.Context, any) error {
		panic("listener panic")
	}, nil)
	c.AddListener(events.MessageReady, func(context.Context, any) error {
		after.Store(true)
		return nil
	}, nil)

	err := c.Emit(events.MessageReady, nil).Wait()
	if !errors.Is(err, sentinel) {
		t.Errorf("Wait() = %v, want wrapped sentinel", err)
	}
	if !after.Load() {
		t.Error("listener after the failing ones did not run")
	}
}

func TestListenerMutationDuringDispatch(t *testing.T) {
	c := newTestController(t)

	var removed *Listener
	var removedRan, addedRan atomic.Bool
	c.AddListener(events.MessageReady, func(context.Context, any) error {
		c.RemoveListener(removed)
		c.AddListener(events.MessageReady, func(context.Context, any) error {
			addedRan.Store(true)
			return nil
		}, nil)
		return nil
	}, nil)
	removed = c.AddListener(events.MessageReady, func(context.Context, any) error {
		removedRan.Store(true)
		return nil
	}, nil)

	c.Emit(events.MessageReady, nil).Wait()

	// Snapshot semantics: the in-flight dispatch still sees the removed
	// listener and does not see the added one.
	if !removedRan.Load() {
		t.Error("listener removed mid-dispatch was skipped in the same emission")
	}
	if addedRan.Load() {
		t.Error("listener added mid-dispatch ran in the same emission")
	}

	removedRan.Store(false)
	c.Emit(events.MessageReady, nil).Wait()
	if removedRan.Load() {
		t.Error("removed listener still fired on the next emission")
	}
	if !addedRan.Load() {
		t.Error("added listener did not fire on the next emission")
	}
}

func TestEmitDoesNotBlockEmitter(t *testing.T) {
	c := newTestController(t)

	release := make(chan struct{})
	c.AddListener(events.MessageReady, func(context.Context, any) error {
		<-release
		return nil
	}, nil)

	done := make(chan struct{})
	go func() {
		c.Emit(events.MessageReady, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow listener")
	}
	close(release)
}

func TestEmitAfterStop(t *testing.T) {
	c := NewEventController(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Stop()

	if err := c.Emit(events.MessageReady, nil).Wait(); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait() after Stop = %v, want ErrClosed", err)
	}
}

func TestRemoveUnknownListenerIsNoOp(t *testing.T) {
	c := newTestController(t)
	c.RemoveListener(nil)
	c.RemoveListener(&Listener{event: events.MessageReady})
}
