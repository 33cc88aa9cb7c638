package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-loom/internal/taskerrors"
	"github.com/ahrav/go-loom/pkg/events"
)

const (
	// subscribeBlock bounds each XREAD so subscribers notice context
	// cancellation promptly.
	subscribeBlock = 2 * time.Second

	// eventField is the single stream entry field holding the JSON
	// envelope.
	eventField = "event"
)

// Redis implements Bus on one Redis stream per run
// (<prefix>:events:<run_id>). The stream is the durable record: a resumed
// planner replays it from the beginning before following the tail.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewRedis creates a Redis-backed event bus.
func NewRedis(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) *Redis {
	if keyPrefix == "" {
		keyPrefix = "loom"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "bus"),
	}
}

func (b *Redis) streamKey(runID string) string {
	return b.keyPrefix + ":events:" + runID
}

// Publish appends the envelope to its run's event stream.
func (b *Redis) Publish(ctx context.Context, env events.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(env.RunID),
		Values: map[string]any{eventField: string(raw)},
	}).Err(); err != nil {
		return &taskerrors.TransientError{Component: "bus", Err: err}
	}
	return nil
}

// Subscribe replays the run's event stream from the beginning, then follows
// new entries until ctx is cancelled.
func (b *Redis) Subscribe(ctx context.Context, runID string) (<-chan events.Envelope, func() error) {
	out := make(chan events.Envelope)
	var subErr error

	go func() {
		defer close(out)

		lastID := "0"
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.streamKey(runID), lastID},
				Count:   64,
				Block:   subscribeBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue // Block elapsed with no new events.
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				subErr = &taskerrors.TransientError{Component: "bus", Err: err}
				return
			}

			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID

					raw, ok := msg.Values[eventField].(string)
					if !ok {
						b.logger.Warn("event entry missing payload field", "message_id", msg.ID)
						continue
					}
					var env events.Envelope
					if err := json.Unmarshal([]byte(raw), &env); err != nil {
						b.logger.Warn("undecodable event entry", "message_id", msg.ID, "error", err)
						continue
					}

					select {
					case out <- env:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, func() error { return subErr }
}
