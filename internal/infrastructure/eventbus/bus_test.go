package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe(string(entity.EventThought), func(ctx context.Context, ev entity.Event) {
		received.Add(1)
	})

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), entity.NewEvent(entity.EventThought, "s1", nil))
	}

	// Wait for async dispatch
	time.Sleep(50 * time.Millisecond)

	if got := received.Load(); got != 3 {
		t.Errorf("expected 3 events received, got %d", got)
	}
}

func TestInMemoryBus_WildcardSubscriber(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe(Wildcard, func(ctx context.Context, ev entity.Event) {
		received.Add(1)
	})

	bus.Publish(context.Background(), entity.NewEvent(entity.EventThought, "s1", nil))
	bus.Publish(context.Background(), entity.NewEvent(entity.EventToolStarted, "s1", nil))
	bus.Publish(context.Background(), entity.NewEvent(entity.EventComplete, "s1", nil))

	time.Sleep(50 * time.Millisecond)

	if got := received.Load(); got != 3 {
		t.Errorf("wildcard should receive all events, got %d", got)
	}
}

func TestInMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	var count1, count2 atomic.Int32
	bus.Subscribe(string(entity.EventToolResult), func(ctx context.Context, ev entity.Event) {
		count1.Add(1)
	})
	bus.Subscribe(string(entity.EventToolResult), func(ctx context.Context, ev entity.Event) {
		count2.Add(1)
	})

	bus.Publish(context.Background(), entity.NewEvent(entity.EventToolResult, "s1", nil))
	time.Sleep(50 * time.Millisecond)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("both subscribers should receive: %d, %d", count1.Load(), count2.Load())
	}
}

func TestInMemoryBus_NoSubscriber(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	// Should not panic
	bus.Publish(context.Background(), entity.NewEvent(entity.EventError, "s1", nil))
	time.Sleep(20 * time.Millisecond)
}

func TestInMemoryBus_ClosePreventsPublish(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	bus.Close()

	// Should not panic after close
	bus.Publish(context.Background(), entity.NewEvent(entity.EventThought, "s1", nil))
}

func TestInMemoryBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	var safeReceived atomic.Int32

	bus.Subscribe(string(entity.EventThought), func(ctx context.Context, ev entity.Event) {
		panic("handler crash")
	})
	bus.Subscribe(string(entity.EventThought), func(ctx context.Context, ev entity.Event) {
		safeReceived.Add(1)
	})

	bus.Publish(context.Background(), entity.NewEvent(entity.EventThought, "s1", nil))
	time.Sleep(50 * time.Millisecond)

	if safeReceived.Load() != 1 {
		t.Errorf("safe handler should still run after panic, got %d", safeReceived.Load())
	}
}

func TestInMemoryBus_ConcurrentPublish(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 1000)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe(string(entity.EventStateUpdated), func(ctx context.Context, ev entity.Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), entity.NewEvent(entity.EventStateUpdated, "s1", nil))
		}()
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	if got := received.Load(); got != 100 {
		t.Errorf("expected 100 concurrent events, got %d", got)
	}
}

func TestInMemoryBus_EventDataDelivered(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	var got entity.Event
	done := make(chan struct{})
	bus.Subscribe(string(entity.EventAskUser), func(ctx context.Context, ev entity.Event) {
		got = ev
		close(done)
	})

	bus.Publish(context.Background(), entity.NewEvent(entity.EventAskUser, "sess_123", map[string]any{
		"question":   "Proceed with deployment?",
		"answer_key": "approval:shell",
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	if got.SessionID != "sess_123" || got.Data["answer_key"] != "approval:shell" {
		t.Errorf("event content wrong: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}
}

func TestInMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe(string(entity.EventComplete), func(ctx context.Context, ev entity.Event) {
		received.Add(1)
	})
	bus.Unsubscribe(string(entity.EventComplete))

	bus.Publish(context.Background(), entity.NewEvent(entity.EventComplete, "s1", nil))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("unsubscribed handler still ran %d times", received.Load())
	}
}
