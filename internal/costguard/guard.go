// Package costguard enforces the hard spending ceiling across a fleet of
// workers making paid external calls. Admission is an atomically
// checked-and-incremented reservation: spend already settled plus all
// in-flight reservations can never exceed the ceiling, regardless of how
// many workers race for the last dollar.
package costguard

import (
	"context"
	"log/slog"

	"github.com/ahrav/go-loom/internal/domain"
)

// Reservation is a granted admission for one paid call. It must be settled
// with the actual cost after the call, or released if the call never
// happened. Settle and Release are idempotent per token.
type Reservation struct {
	// RunID is the run whose ledger holds the reservation.
	RunID string

	// Token uniquely identifies the reservation in the in-flight set.
	Token string

	// Estimate is the amount reserved.
	Estimate domain.MilliCents
}

// Granted reports whether the reservation holds an admission.
// Zero-estimate tasks get token-less grants that settle to nothing.
func (r Reservation) Granted() bool { return r.Token != "" || r.Estimate == 0 }

// Guard is the spend ledger contract.
//
// Reserve is denied, with *domain.CeilingError, once
// spent + in-flight >= ceiling or the estimate would push past it. The
// check-and-increment is a single atomic operation against the backing
// store; two workers passing a stale check and jointly overshooting is
// impossible by construction. A run with no ceiling configured denies all
// paid work (fail closed).
type Guard interface {
	// SetCeiling configures the run's spend ceiling. Called once at
	// submit; raising it later un-halts a ceiling-halted run on resume.
	SetCeiling(ctx context.Context, runID string, ceiling domain.MilliCents) error

	// Reserve admits one paid call for the estimated amount.
	Reserve(ctx context.Context, runID string, estimate domain.MilliCents) (Reservation, error)

	// Settle trues up a reservation against the actual charged cost,
	// moving it from in-flight to spent.
	Settle(ctx context.Context, r Reservation, actual domain.MilliCents) error

	// Release abandons a reservation without charging anything.
	// Used when the paid call was never issued.
	Release(ctx context.Context, r Reservation) error

	// Spent reports the run's settled spend.
	Spent(ctx context.Context, runID string) (domain.MilliCents, error)
}

// componentLogger scopes a logger to a guard implementation.
func componentLogger(logger *slog.Logger, impl string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "costguard", "impl", impl)
}
