package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
	"github.com/ahrav/go-loom/internal/store"
)

// ResolveState is the outcome of a cache consultation for a task key.
type ResolveState int

const (
	// Absent means no resolution exists; the task must be dispatched.
	Absent ResolveState = iota

	// Pending means the task is dispatched and awaiting completion.
	Pending

	// Resolved means the manifest records a terminal resolution and, for
	// successes, the output artifact is still retrievable.
	Resolved
)

// String returns the state name used in logs.
func (s ResolveState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Resumer is the resume/cache manager. It loads a run's full manifest into
// memory before the planner computes its frontier, so normal dispatch pays
// no network round-trip per task, and answers Resolve from that index.
//
// Resume is best-effort against the artifact store, not assumed consistent:
// a resolution whose artifact is no longer retrievable (external data loss)
// resolves Absent, forcing recomputation rather than crashing.
type Resumer struct {
	log    Log
	blobs  store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	runID   string
	index   map[envelope.TaskKey]domain.Resolution
	pending map[envelope.TaskKey]struct{}
}

// NewResumer creates a resume manager over a manifest log and artifact
// store.
func NewResumer(log Log, blobs store.Store, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		log:     log,
		blobs:   blobs,
		logger:  logger.With("component", "resumer"),
		index:   make(map[envelope.TaskKey]domain.Resolution),
		pending: make(map[envelope.TaskKey]struct{}),
	}
}

// Load replays the run's manifest into the in-memory index, verifying that
// each successful resolution's artifact is still retrievable. Missing
// artifacts drop the entry (with a warning) so the task recomputes.
func (r *Resumer) Load(ctx context.Context, runID string) error {
	resolutions, err := r.log.Replay(ctx, runID)
	if err != nil {
		return fmt.Errorf("load manifest for %s: %w", runID, err)
	}

	index := make(map[envelope.TaskKey]domain.Resolution, len(resolutions))
	for _, res := range resolutions {
		key := envelope.TaskKey(res.TaskKey)
		if _, seen := index[key]; seen {
			continue // First write wins; duplicates are redelivery echoes.
		}

		if !res.Failed {
			exists, existsErr := r.blobs.Exists(ctx, res.Output)
			if existsErr != nil {
				return fmt.Errorf("verify artifact %s: %w", res.Output, existsErr)
			}
			if !exists {
				r.logger.Warn("manifest entry references missing artifact, forcing recomputation",
					"run_id", runID, "task_key", res.TaskKey, "output", res.Output.String())
				continue
			}
		}
		index[key] = res
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID = runID
	r.index = index
	r.pending = make(map[envelope.TaskKey]struct{})

	r.logger.Info("manifest loaded", "run_id", runID,
		"entries", len(resolutions), "resolved", len(index))
	return nil
}

// Resolve consults the in-memory index for a task key.
func (r *Resumer) Resolve(key envelope.TaskKey) (domain.Resolution, ResolveState) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if res, ok := r.index[key]; ok {
		return res, Resolved
	}
	if _, ok := r.pending[key]; ok {
		return domain.Resolution{}, Pending
	}
	return domain.Resolution{}, Absent
}

// MarkPending records that a task key has been dispatched.
func (r *Resumer) MarkPending(key envelope.TaskKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[key] = struct{}{}
}

// Record appends a terminal resolution to the durable log and folds it into
// the index. The append happens first: a crash between the two leaves the
// durable state ahead of the in-memory view, which the next Load repairs.
func (r *Resumer) Record(ctx context.Context, res domain.Resolution) error {
	if err := res.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	runID := r.runID
	r.mu.RUnlock()
	if runID == "" {
		return errors.New("resumer: Record before Load")
	}

	if err := r.log.Append(ctx, runID, res); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := envelope.TaskKey(res.TaskKey)
	delete(r.pending, key)
	if _, seen := r.index[key]; !seen {
		r.index[key] = res
	}
	return nil
}

// Observe folds a resolution recorded elsewhere (by a worker) into the
// index without re-appending it. Duplicate observations are no-ops.
func (r *Resumer) Observe(res domain.Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := envelope.TaskKey(res.TaskKey)
	delete(r.pending, key)
	if _, seen := r.index[key]; !seen {
		r.index[key] = res
	}
}

// ResolvedCount reports the number of indexed resolutions.
func (r *Resumer) ResolvedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}
