// Package events defines the generic event envelope for run lifecycle
// notifications: a container wrapping event payloads with consistent
// metadata for routing, idempotency, and correlation. The planner's
// completion subscription and any external observers consume the same
// envelopes.
package events

import (
	"encoding/json"
	"time"
)

// Envelope wraps event payloads with consistent metadata for reliable
// processing. A generic container for any event payload while keeping
// standard fields for routing, idempotency, and correlation.
type Envelope struct {
	// ID uniquely identifies this event instance.
	// Generated as a UUID per emission.
	ID string `json:"id"`

	// Type identifies the event for routing and processing.
	// Examples: "TaskCompleted", "TaskFailed", "RunHalted".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "worker" or
	// "planner".
	Source string `json:"source"`

	// Version enables schema evolution. Starts at 1.
	Version int `json:"version"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey deduplicates redeliveries. For task events this is
	// the task key, which is already deterministic; consumers treat a
	// repeated key for the same Type as a no-op.
	IdempotencyKey string `json:"idempotency_key"`

	// RunID identifies the run the event belongs to.
	RunID string `json:"run_id"`

	// Payload contains the event-specific data as JSON.
	// Schema varies by Type and Version.
	Payload json.RawMessage `json:"payload"`
}
