// Package bus carries run lifecycle events between workers and the planner.
// Each run has its own append-only event stream; the planner is the single
// subscriber and replays from the beginning on resume, so completion events
// survive planner restarts the same way the manifest does.
package bus

import (
	"context"

	"github.com/ahrav/go-loom/pkg/events"
)

// Bus publishes and subscribes run-scoped event envelopes.
//
// Subscribe delivers every event for the run from the start of its stream,
// then follows new events until the context is cancelled. Delivery is
// at-least-once; consumers deduplicate on the envelope idempotency key.
type Bus interface {
	// Publish appends an event to its run's stream.
	Publish(ctx context.Context, env events.Envelope) error

	// Subscribe streams a run's events into the returned channel. The
	// channel closes when ctx is cancelled or the subscription fails;
	// the error func reports why after close.
	Subscribe(ctx context.Context, runID string) (<-chan events.Envelope, func() error)
}
