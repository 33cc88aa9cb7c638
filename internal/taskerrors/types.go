// Package taskerrors defines the error taxonomy for the orchestration core
// and the classification helpers that turn arbitrary errors into retry
// decisions. Every retryable-vs-terminal judgment in the router, store, and
// worker flows through this package so the policy lives in one place.
package taskerrors

import (
	"errors"
	"fmt"
)

// Kind categorizes core failures for retry classification.
// Kinds determine whether operations are retried, surfaced as terminal task
// failures, or abort the run outright.
type Kind string

const (
	// KindTransient indicates store or queue unavailability. Retried with
	// backoff by the component that hit it; never surfaced as a task
	// failure.
	KindTransient Kind = "transient"

	// KindExecution indicates a worker-side failure performing its task.
	// Retried up to the redelivery bound, then terminal failed.
	KindExecution Kind = "execution"

	// KindIntegrity indicates a digest mismatch or corrupted manifest
	// entry. Fatal: aborts the run, never silently tolerated.
	KindIntegrity Kind = "integrity"

	// KindCeiling indicates the cost guard denied dispatch. A deliberate
	// halt with its own run status, not an error to retry.
	KindCeiling Kind = "ceiling"

	// KindUnknown indicates an unclassified error. Treated as terminal
	// to avoid retry loops on surprises.
	KindUnknown Kind = "unknown"
)

// Common sentinel errors for consistent handling across components.
var (
	// ErrStoreUnavailable indicates the artifact store backend is down or
	// unreachable.
	ErrStoreUnavailable = errors.New("artifact store unavailable")

	// ErrQueueUnavailable indicates the task queue is down or unreachable.
	ErrQueueUnavailable = errors.New("task queue unavailable")

	// ErrArtifactNotFound indicates a digest with no stored content.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrLeaseLost indicates a delivery whose lease expired before
	// acknowledgment; the message is owned by another worker now.
	ErrLeaseLost = errors.New("delivery lease lost")

	// ErrRunCancelled indicates a run-level cancel flag was observed.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrNoExecutor indicates a claimed envelope whose task type no
	// registered executor handles.
	ErrNoExecutor = errors.New("no executor for task type")
)

// TransientError wraps a store or queue failure that should be retried with
// backoff by the encountering component.
type TransientError struct {
	// Component identifies what failed ("store", "router", "manifest").
	Component string

	// Err is the underlying failure.
	Err error
}

// Error returns the formatted transient failure.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Component, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Err }

// ExecutionError wraps a worker-side task failure. Terminal determines
// whether the redelivery budget should be consumed at all: a malformed
// input fails the same way every attempt.
type ExecutionError struct {
	// TaskKey identifies the failing task.
	TaskKey string

	// TaskType is the capability that failed.
	TaskType string

	// Terminal marks deterministic failures that no redelivery can fix.
	Terminal bool

	// Err is the underlying failure.
	Err error
}

// Error returns the formatted execution failure.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s) execution failed: %v", e.TaskKey, e.TaskType, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *ExecutionError) Unwrap() error { return e.Err }

// IntegrityError indicates stored state that disagrees with itself: a digest
// mismatch after a write, or a manifest entry that cannot be decoded. There
// is no safe default recovery; the run aborts.
type IntegrityError struct {
	// Subject describes the corrupted object (digest, manifest entry ID).
	Subject string

	// Detail describes the disagreement.
	Detail string
}

// Error returns the formatted integrity violation.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error on %s: %s", e.Subject, e.Detail)
}
