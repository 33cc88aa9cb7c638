package domain

import (
	"fmt"
	"time"
)

const defaultCeilingMilliCents = 500 * MilliCentsPerCent // $5.00

// SpendLimits bounds cumulative paid-call spend for a run. The ceiling covers
// settled spend plus in-flight reservations, so concurrent workers cannot
// jointly overshoot it.
type SpendLimits struct {
	// CeilingMilliCents is the hard spend ceiling. A reservation that
	// would push spent + in-flight past it is denied.
	CeilingMilliCents MilliCents `json:"ceiling_milli_cents" yaml:"ceiling_milli_cents" mapstructure:"ceiling_milli_cents" validate:"min=0"`
}

// DefaultSpendLimits returns a conservative $5.00 ceiling.
// Callers launching real experiments are expected to set their own.
func DefaultSpendLimits() SpendLimits {
	return SpendLimits{CeilingMilliCents: defaultCeilingMilliCents}
}

// Validate checks the limits against structural constraints.
func (s *SpendLimits) Validate() error { return validate.Struct(s) }

// CeilingError indicates a reservation was denied because it would exceed
// the run's spend ceiling. It is a deliberate halt signal, not a task
// failure: the run stops cleanly and can be resumed with a higher ceiling.
type CeilingError struct {
	// RunID is the run whose ceiling was reached.
	RunID string

	// Ceiling is the configured limit.
	Ceiling MilliCents

	// Spent is settled spend at denial time.
	Spent MilliCents

	// InFlight is the sum of outstanding reservations at denial time.
	InFlight MilliCents

	// Requested is the estimate that was denied.
	Requested MilliCents
}

// Error returns a formatted description of the denial.
func (e *CeilingError) Error() string {
	return fmt.Sprintf("cost ceiling reached for run %s: ceiling=%s spent=%s in_flight=%s requested=%s",
		e.RunID, e.Ceiling, e.Spent, e.InFlight, e.Requested)
}

// Resolution records the terminal outcome of one task key inside a run
// manifest. The manifest is an append-only log of resolutions; replaying it
// rebuilds the resume index exactly.
type Resolution struct {
	// TaskKey is the deterministic identity of the resolved task.
	TaskKey string `json:"task_key" validate:"required"`

	// Output is the artifact digest produced by the task.
	// Zero when Failed is true.
	Output Digest `json:"output,omitempty"`

	// Failed marks a terminal failure. Failed resolutions are replayed on
	// resume so exhausted tasks are not retried indefinitely across runs.
	Failed bool `json:"failed,omitempty"`

	// Cost is the settled spend charged for the task. Zero for cache
	// hits, unpaid tasks, and failures nacked before the paid call.
	Cost MilliCents `json:"cost,omitempty"`

	// RecordedAt is when the resolution was appended to the manifest.
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// Validate checks the resolution for structural problems. A successful
// resolution must carry an output digest; a failed one must not.
func (r *Resolution) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if !r.Failed && r.Output.IsZero() {
		return fmt.Errorf("resolution for %s: %w", r.TaskKey, ErrInvalidDigest)
	}
	return nil
}
