// Package queue moves lifecycle jobs from the API server to workers over a
// Redis Stream consumer group.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/redis/go-redis/v9"
)

// JobMessage wraps the payload pushed through Redis.
type JobMessage struct {
	JobID   string       `json:"jobId"`
	Request jobs.Request `json:"request"`
}

// Producer publishes jobs onto a Redis Stream.
type Producer struct {
	client redis.UniversalClient
	stream string
}

// NewProducer constructs a producer for the provided stream.
func NewProducer(client redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = "bot-manager:jobs"
	}
	return &Producer{client: client, stream: stream}
}

// Enqueue pushes a job request to the stream.
func (p *Producer) Enqueue(ctx context.Context, jobID string, req jobs.Request) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("queue producer not configured")
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	data, err := json.Marshal(JobMessage{JobID: jobID, Request: req})
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": data,
		},
	}).Err()
}

// Consumer pulls jobs from a Redis Stream consumer group.
type Consumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	name     string
	blockDur time.Duration
}

// NewConsumer creates a consumer bound to a stream + group.
func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = "bot-manager:jobs"
	}
	if group == "" {
		group = "bot-workers"
	}
	if name == "" {
		name = uuid.NewString()
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		name:     name,
		blockDur: 5 * time.Second,
	}
}

// EnsureGroup ensures the consumer group exists.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("queue consumer not configured")
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Next fetches the next message from the stream, blocking up to the block
// duration. A nil message with no error means nothing arrived.
func (c *Consumer) Next(ctx context.Context) (*JobMessage, string, error) {
	if c == nil || c.client == nil {
		return nil, "", fmt.Errorf("queue consumer not configured")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.blockDur,
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			msgPayload, err := decode(msg)
			return msgPayload, msg.ID, err
		}
	}
	return nil, "", nil
}

func decode(msg redis.XMessage) (*JobMessage, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", msg.ID)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s data is %T", msg.ID, raw)
	}
	var payload JobMessage
	if err := json.Unmarshal([]byte(str), &payload); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	return &payload, nil
}

// Ack confirms processing of a message.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if c == nil || c.client == nil || id == "" {
		return nil
	}
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}
