package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// Redis implements Router on Redis Streams. Each task type gets its own
// stream (<prefix>:tasks:<type>) with one consumer group per worker pool;
// lease expiry is XAUTOCLAIM with min-idle equal to the lease timeout, and
// terminal messages land on <prefix>:dead:<type>.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger

	// groups tracks streams whose consumer group already exists,
	// keyed by stream+group, to skip repeated XGROUP CREATE calls.
	groups sync.Map
}

// NewRedis creates a Redis Streams router.
func NewRedis(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: componentLogger(logger, "redis"),
	}
}

// taskStream returns the queue stream key for a task type.
func (r *Redis) taskStream(t domain.TaskType) string {
	return r.cfg.KeyPrefix + ":tasks:" + string(t)
}

// deadStream returns the dead-letter stream key for a task type.
func (r *Redis) deadStream(t domain.TaskType) string {
	return r.cfg.KeyPrefix + ":dead:" + string(t)
}

// Enqueue appends the envelope to its task type's stream. First-attempt
// envelopes get Attempt=1 and an enqueue timestamp if the caller left them
// unset.
func (r *Redis) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if env.Attempt == 0 {
		env.Attempt = 1
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.taskStream(env.TaskType),
		Values: env.StreamFields(),
	}).Err()
	if err != nil {
		return &taskerrors.TransientError{Component: "router", Err: err}
	}

	r.logger.Debug("task enqueued",
		"run_id", env.RunID, "task_key", env.TaskKey.String(),
		"task_type", env.TaskType.String(), "attempt", env.Attempt)
	return nil
}

// Claim reclaims one expired lease if any exists, otherwise block-reads a
// new message across the given task types. Returns (nil, nil) when the
// bounded block elapses with no work.
func (r *Redis) Claim(ctx context.Context, group, consumer string, types []domain.TaskType) (*Delivery, error) {
	if len(types) == 0 {
		return nil, errors.New("claim: no task types declared")
	}

	for _, t := range types {
		if err := r.ensureGroup(ctx, r.taskStream(t), group); err != nil {
			return nil, err
		}
	}

	// Expired leases first: a crashed worker's task should not starve
	// behind a deep backlog of fresh messages.
	for _, t := range types {
		d, err := r.reclaimExpired(ctx, t, group, consumer)
		if err != nil || d != nil {
			return d, err
		}
	}

	return r.readNew(ctx, group, consumer, types)
}

// reclaimExpired uses XAUTOCLAIM to take over one message whose lease has
// lapsed. Undecodable messages are dead-lettered inline and the scan
// continues; messages past the attempt budget come back as Exhausted
// deliveries for the claimer to terminate.
func (r *Redis) reclaimExpired(ctx context.Context, t domain.TaskType, group, consumer string) (*Delivery, error) {
	stream := r.taskStream(t)
	start := "0-0"

	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  r.cfg.LeaseTimeout,
			Start:    start,
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, &taskerrors.TransientError{Component: "router", Err: err}
		}
		if len(msgs) == 0 {
			return nil, nil
		}

		msg := msgs[0]
		d, ok, err := r.deliveryFromMessage(ctx, stream, group, consumer, msg)
		if err != nil {
			return nil, err
		}
		if ok {
			r.logger.Info("reclaimed expired lease",
				"task_key", d.Env.TaskKey.String(), "attempt", d.Env.Attempt, "message_id", msg.ID)
			return d, nil
		}

		// Message was dead-lettered; keep scanning from the cursor.
		start = next
	}
}

// readNew block-reads the next fresh message across the task type streams.
func (r *Redis) readNew(ctx context.Context, group, consumer string, types []domain.TaskType) (*Delivery, error) {
	streams := make([]string, 0, len(types)*2)
	for _, t := range types {
		streams = append(streams, r.taskStream(t))
	}
	for range types {
		streams = append(streams, ">")
	}

	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    1,
		Block:    r.cfg.ClaimBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Bounded block elapsed with no work.
	}
	if err != nil {
		return nil, &taskerrors.TransientError{Component: "router", Err: err}
	}

	for _, s := range res {
		for _, msg := range s.Messages {
			d, ok, derr := r.deliveryFromMessage(ctx, s.Stream, group, consumer, msg)
			if derr != nil {
				return nil, derr
			}
			if ok {
				return d, nil
			}
		}
	}
	return nil, nil
}

// deliveryFromMessage decodes a claimed message into a Delivery. Poison
// messages (undecodable) and messages past the attempt budget are
// dead-lettered here; ok=false means the message was consumed terminally.
func (r *Redis) deliveryFromMessage(ctx context.Context, stream, group, consumer string, msg redis.XMessage) (*Delivery, bool, error) {
	env, err := envelope.FromStreamFields(msg.Values)
	if err != nil {
		r.logger.Error("poison message on queue", "stream", stream, "message_id", msg.ID, "error", err)
		if dlErr := r.deadLetterRaw(ctx, stream, group, msg.ID, msg.Values, "undecodable envelope: "+err.Error()); dlErr != nil {
			return nil, false, dlErr
		}
		return nil, false, nil
	}

	// Fold lease-expiry redeliveries into the attempt count. The envelope
	// field only advances on explicit nacks; XPENDING's delivery counter
	// covers crashes.
	retries, err := r.deliveryCount(ctx, stream, group, msg.ID)
	if err != nil {
		return nil, false, err
	}
	if retries > 1 {
		env.Attempt += retries - 1
	}

	exhausted := env.Attempt > r.cfg.MaxAttempts
	if exhausted {
		r.logger.Warn("attempt budget exhausted on claim",
			"task_key", env.TaskKey.String(), "attempt", env.Attempt, "max", r.cfg.MaxAttempts)
	}

	return &Delivery{
		Env:        env,
		LeaseToken: uuid.NewString(),
		Exhausted:  exhausted,
		stream:     stream,
		id:         msg.ID,
		group:      group,
		consumer:   consumer,
	}, true, nil
}

// deliveryCount fetches XPENDING's per-message delivery counter.
func (r *Redis) deliveryCount(ctx context.Context, stream, group, id string) (int, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, &taskerrors.TransientError{Component: "router", Err: err}
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return int(pending[0].RetryCount), nil
}

// Ack acknowledges the delivery; the message stays in the stream for audit
// but is never redelivered.
func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := r.client.XAck(ctx, d.stream, d.group, d.id).Err(); err != nil {
		return &taskerrors.TransientError{Component: "router", Err: err}
	}
	return nil
}

// Nack returns the message for redelivery by acknowledging the current
// delivery and re-appending the envelope with an incremented attempt, in one
// transaction. Exhausted messages are dead-lettered instead.
func (r *Redis) Nack(ctx context.Context, d *Delivery, reason string) (bool, error) {
	if d.Env.Attempt >= r.cfg.MaxAttempts {
		if err := r.DeadLetter(ctx, d, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	requeued := *d.Env
	requeued.Attempt = d.Env.Attempt + 1

	pipe := r.client.TxPipeline()
	pipe.XAck(ctx, d.stream, d.group, d.id)
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: d.stream, Values: requeued.StreamFields()})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, &taskerrors.TransientError{Component: "router", Err: err}
	}

	r.logger.Info("task returned for redelivery",
		"task_key", d.Env.TaskKey.String(), "next_attempt", requeued.Attempt, "reason", reason)
	return false, nil
}

// DeadLetter terminally parks the delivery on the dead-letter stream.
func (r *Redis) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return r.deadLetterRaw(ctx, d.stream, d.group, d.id, d.Env.StreamFields(), reason)
}

// deadLetterRaw acknowledges a message and copies its fields to the
// dead-letter stream with failure metadata, in one transaction.
func (r *Redis) deadLetterRaw(ctx context.Context, stream, group, id string, values map[string]any, reason string) error {
	dead := strings.Replace(stream, ":tasks:", ":dead:", 1)

	fields := make(map[string]any, len(values)+2)
	for k, v := range values {
		fields[k] = v
	}
	fields["reason"] = reason
	fields["dead_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.TxPipeline()
	pipe.XAck(ctx, stream, group, id)
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: dead, Values: fields})
	if _, err := pipe.Exec(ctx); err != nil {
		return &taskerrors.TransientError{Component: "router", Err: err}
	}

	r.logger.Warn("task dead-lettered", "stream", dead, "reason", reason, "message_id", id)
	return nil
}

// ensureGroup creates the consumer group (and stream) once per process.
func (r *Redis) ensureGroup(ctx context.Context, stream, group string) error {
	cacheKey := stream + "|" + group
	if _, ok := r.groups.Load(cacheKey); ok {
		return nil
	}

	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &taskerrors.TransientError{Component: "router", Err: err}
	}
	r.groups.Store(cacheKey, struct{}{})
	return nil
}
