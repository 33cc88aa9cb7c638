package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

const resolutionField = "resolution"

// Redis implements Log on Redis: a stream per run
// (<prefix>:manifest:<run_id>) holds the replayable append-only record, and
// a companion hash (…:idx) indexes resolutions by task key for O(1) worker
// lookups. Both are written in one transaction so the log and the index
// never disagree.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewRedis creates a Redis-backed manifest log.
func NewRedis(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) *Redis {
	if keyPrefix == "" {
		keyPrefix = "loom"
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    componentLogger(logger, "redis"),
	}
}

func (r *Redis) streamKey(runID string) string { return r.keyPrefix + ":manifest:" + runID }
func (r *Redis) indexKey(runID string) string  { return r.keyPrefix + ":manifest:" + runID + ":idx" }
func (r *Redis) statusKey(runID string) string { return r.keyPrefix + ":run:" + runID + ":status" }

// Append records the resolution in the stream and the index atomically.
// HSETNX keeps the first resolution for a key authoritative; a redelivered
// worker recording the same key again appends an echo to the stream but
// cannot overwrite the index.
func (r *Redis) Append(ctx context.Context, runID string, res domain.Resolution) error {
	if res.RecordedAt.IsZero() {
		res.RecordedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(runID),
		Values: map[string]any{resolutionField: string(raw)},
	})
	pipe.HSetNX(ctx, r.indexKey(runID), res.TaskKey, string(raw))
	if _, err := pipe.Exec(ctx); err != nil {
		return &taskerrors.TransientError{Component: "manifest", Err: err}
	}
	return nil
}

// Lookup fetches one task key's resolution from the index.
func (r *Redis) Lookup(ctx context.Context, runID string, key envelope.TaskKey) (domain.Resolution, bool, error) {
	raw, err := r.client.HGet(ctx, r.indexKey(runID), key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Resolution{}, false, nil
	}
	if err != nil {
		return domain.Resolution{}, false, &taskerrors.TransientError{Component: "manifest", Err: err}
	}

	var res domain.Resolution
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return domain.Resolution{}, false, &taskerrors.IntegrityError{
			Subject: "manifest index " + runID + "/" + key.String(),
			Detail:  "undecodable resolution: " + err.Error(),
		}
	}
	return res, true, nil
}

// Replay returns the run's full resolution log in append order. A corrupt
// entry aborts the replay; a manifest that disagrees with itself has no
// safe interpretation.
func (r *Redis) Replay(ctx context.Context, runID string) ([]domain.Resolution, error) {
	msgs, err := r.client.XRange(ctx, r.streamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, &taskerrors.TransientError{Component: "manifest", Err: err}
	}

	out := make([]domain.Resolution, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[resolutionField].(string)
		if !ok {
			return nil, &taskerrors.IntegrityError{
				Subject: "manifest entry " + runID + "/" + msg.ID,
				Detail:  "missing resolution field",
			}
		}
		var res domain.Resolution
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, &taskerrors.IntegrityError{
				Subject: "manifest entry " + runID + "/" + msg.ID,
				Detail:  "undecodable resolution: " + err.Error(),
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// SetStatus persists the run status flag.
func (r *Redis) SetStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if err := r.client.Set(ctx, r.statusKey(runID), string(status), 0).Err(); err != nil {
		return &taskerrors.TransientError{Component: "manifest", Err: err}
	}
	r.logger.Info("run status set", "run_id", runID, "status", string(status))
	return nil
}

// Status reads the run status flag; unknown runs report RunActive.
func (r *Redis) Status(ctx context.Context, runID string) (domain.RunStatus, error) {
	raw, err := r.client.Get(ctx, r.statusKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.RunActive, nil
	}
	if err != nil {
		return "", &taskerrors.TransientError{Component: "manifest", Err: err}
	}
	return domain.RunStatus(raw), nil
}
