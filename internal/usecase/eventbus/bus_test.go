package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chorus/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventSpecialistRegistered {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	bus.Publish(context.Background(), newEvent(domain.EventRouteDispatched))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1 before unsub, got %d", got.Load())
	}

	// Re-create bus since Close was called
	bus = newTestBus()
	unsub2 := bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	_ = unsub // original unsub for old bus

	unsub2()
	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected still 1 after unsub, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics
	bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	// Second subscriber should still fire
	bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	// After close, new publishes should be no-ops
	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	// Wait a bit to see if spurious delivery happens
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}

func TestSynchronousDispatchRunsInline(t *testing.T) {
	bus := New(slog.Default(), WithSynchronousDispatch())
	defer bus.Close()

	var got int
	bus.Subscribe(domain.EventSpecialistRegistered, func(_ context.Context, _ domain.Event) {
		got++
	})
	bus.Publish(context.Background(), newEvent(domain.EventSpecialistRegistered))
	if got != 1 {
		t.Fatalf("handler should have run before Publish returned, got %d", got)
	}
}

func TestWaitKeepsBusOpen(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got atomic.Int32
	bus.Subscribe(domain.EventRouteDispatched, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	bus.Publish(context.Background(), newEvent(domain.EventRouteDispatched))
	bus.Wait()
	bus.Publish(context.Background(), newEvent(domain.EventRouteDispatched))
	bus.Wait()
	if got.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got.Load())
	}
}

func TestEmitMarshalsPayload(t *testing.T) {
	bus := New(slog.Default(), WithSynchronousDispatch())
	defer bus.Close()

	var got domain.Event
	bus.SubscribeAll(func(_ context.Context, e domain.Event) { got = e })

	Emit(context.Background(), bus, domain.EventSpecialistStatusChanged, "apollo-ai",
		map[string]string{"from": "unknown", "to": "healthy"})

	if got.SpecialistID != "apollo-ai" {
		t.Errorf("SpecialistID = %q", got.SpecialistID)
	}
	if string(got.Payload) != `{"from":"unknown","to":"healthy"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	// nil bus is a no-op
	Emit(context.Background(), nil, domain.EventSpecialistRegistered, "x", nil)
}
