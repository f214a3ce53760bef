// Package events fans lifecycle events out to SSE clients, optionally
// mirrored across processes through Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/redis/go-redis/v9"
)

// Event types emitted by the manager.
const (
	TypeContainerAction = "container.action"
	TypeContainerStatus = "container.status"
	TypeDataUpdated     = "data.updated"
	TypeDataDeleted     = "data.deleted"
	TypeImageBuild      = "image.build"
	TypeJobLog          = "job.log"
	// Job state changes are published as "job.<status>".
	TypeJobPrefix = "job."
)

// Event represents a domain event emitted by the control plane.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	// Origin identifies the publishing process so Redis echoes are skipped.
	Origin string `json:"origin,omitempty"`
}

// Bus multiplexes events to connected clients (local + Redis backed).
type Bus struct {
	client redis.UniversalClient
	ch     string
	origin string
	buffer int

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// Options configure the bus.
type Options struct {
	Client  redis.UniversalClient
	Channel string
	// Buffer is the per-subscriber backlog before events are dropped.
	Buffer int
}

// NewBus creates a new event bus. With a Redis client the bus also relays
// events published by other processes until ctx is cancelled.
func NewBus(ctx context.Context, opts Options) *Bus {
	channel := opts.Channel
	if channel == "" {
		channel = "bot-manager-events"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	bus := &Bus{
		client:      opts.Client,
		ch:          channel,
		origin:      uuid.NewString(),
		buffer:      buffer,
		subscribers: make(map[chan Event]struct{}),
	}
	if bus.client != nil {
		go bus.observeRedis(ctx)
	}
	return bus
}

// Publish broadcasts an event to all subscribers and Redis.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b == nil {
		return nil
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Origin = b.origin

	b.broadcast(evt)

	if b.client != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := b.client.Publish(ctx, b.ch, payload).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
	}
	return nil
}

// Emit publishes and logs failures instead of returning them.
func (b *Bus) Emit(ctx context.Context, eventType string, data interface{}) {
	if b == nil {
		return
	}
	if err := b.Publish(ctx, Event{Type: eventType, Data: data}); err != nil {
		logutil.Warn("event_publish_failed", map[string]interface{}{"type": eventType, "error": err.Error()})
	}
}

// Subscribe registers a subscriber and returns a channel plus a cancel func.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

// Subscribers returns the number of connected subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			logutil.Warn("event_dropped", map[string]interface{}{"id": evt.ID, "type": evt.Type, "reason": "subscriber backlog"})
		}
	}
}

func (b *Bus) observeRedis(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.ch)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logutil.Warn("event_subscriber_error", map[string]interface{}{"channel": b.ch, "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			logutil.Warn("event_invalid_payload", map[string]interface{}{"error": err.Error()})
			continue
		}
		if evt.Origin == b.origin {
			continue
		}
		b.broadcast(evt)
	}
}
