package taskerrors

import (
	"context"
	"errors"

	"github.com/ahrav/go-loom/internal/domain"
)

// Classify maps an error to its Kind. Wrapped errors are examined with
// errors.As/Is so components can wrap freely with %w.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return KindIntegrity
	}

	var ceiling *domain.CeilingError
	if errors.As(err, &ceiling) {
		return KindCeiling
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return KindTransient
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrQueueUnavailable) {
		return KindTransient
	}

	var exec *ExecutionError
	if errors.As(err, &exec) {
		return KindExecution
	}

	return KindUnknown
}

// IsRetryable reports whether the component that hit the error should retry
// locally with backoff. Context cancellation is never retryable: the caller
// is shutting down or gave up.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) == KindTransient
}

// IsTerminalExecution reports whether a task failure is deterministic and
// should skip the remaining redelivery budget.
func IsTerminalExecution(err error) bool {
	var exec *ExecutionError
	if errors.As(err, &exec) {
		return exec.Terminal
	}
	return false
}

// IsIntegrity reports whether the error is a fatal integrity violation.
func IsIntegrity(err error) bool {
	var integrity *IntegrityError
	return errors.As(err, &integrity)
}

// IsCeiling reports whether the error is a cost guard denial.
func IsCeiling(err error) bool {
	var ceiling *domain.CeilingError
	return errors.As(err, &ceiling)
}
