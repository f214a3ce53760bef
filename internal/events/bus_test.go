package events

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(context.Background(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := bus.Publish(context.Background(), Event{Type: TypeContainerAction, Data: map[string]string{"status": "started_and_running"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != TypeContainerAction {
			t.Fatalf("unexpected type %s", evt.Type)
		}
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Fatalf("expected id and timestamp to be filled: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	bus := NewBus(context.Background(), Options{Buffer: 1})
	ch, unsubscribe, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		bus.Emit(context.Background(), TypeContainerStatus, i)
	}
	if got := len(ch); got != 1 {
		t.Fatalf("expected backlog of 1, got %d", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()

	bus := NewBus(context.Background(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	unsubscribe()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	deadline := time.Now().Add(time.Second)
	for bus.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestNilBusIsNoop(t *testing.T) {
	t.Parallel()

	var bus *Bus
	if err := bus.Publish(context.Background(), Event{Type: "x"}); err != nil {
		t.Fatalf("nil bus Publish: %v", err)
	}
	bus.Emit(context.Background(), "x", nil)
}
