// Package manifest persists the durable record that makes resume possible:
// an append-only log, per run, of every task key's terminal resolution and
// the cost charged for it. Replaying the log rebuilds the resume index
// exactly; the log is the single source of truth consulted by Resolve.
package manifest

import (
	"context"
	"log/slog"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
)

// Log is the manifest storage contract. Append is atomic with respect to
// Lookup: a resolution is either fully recorded and visible or not recorded
// at all. Appending the same task key twice is tolerated (redelivered work
// resolves identically); replays preserve first-write order.
type Log interface {
	// Append records a terminal resolution for a task key in the run.
	Append(ctx context.Context, runID string, res domain.Resolution) error

	// Lookup fetches a single task key's resolution without replaying
	// the log. Used by workers to detect redelivered already-completed
	// work.
	Lookup(ctx context.Context, runID string, key envelope.TaskKey) (domain.Resolution, bool, error)

	// Replay returns every resolution recorded for the run, in append
	// order. Corrupt entries are integrity errors, never skipped.
	Replay(ctx context.Context, runID string) ([]domain.Resolution, error)

	// SetStatus persists the run's status flag. The cancelled status
	// doubles as the run-level cancel signal checked by workers.
	SetStatus(ctx context.Context, runID string, status domain.RunStatus) error

	// Status reads the run's status flag. Runs never seen before report
	// RunActive.
	Status(ctx context.Context, runID string) (domain.RunStatus, error)
}

// componentLogger scopes a logger to a manifest implementation.
func componentLogger(logger *slog.Logger, impl string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "manifest", "impl", impl)
}
