package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ahrav/go-loom/internal/taskerrors"
)

// RetryPolicy controls how a retrying gateway spaces its attempts.
type RetryPolicy struct {
	// MaxAttempts bounds invocations including the first one.
	MaxAttempts int

	// InitialInterval is the backoff before the second attempt.
	InitialInterval time.Duration

	// MaxInterval caps the exponential growth.
	MaxInterval time.Duration

	// Multiplier scales the interval between consecutive attempts.
	Multiplier float64

	// Jitter randomizes each wait to full jitter when set.
	Jitter bool
}

// DefaultRetryPolicy returns the policy used by the bundled worker command.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// RetryAfterProvider lets provider errors carry explicit backoff guidance.
// When an invocation error implements it and reports a positive duration,
// that duration replaces the computed backoff for the next attempt.
type RetryAfterProvider interface {
	RetryAfter() time.Duration
}

var errRetriesExhausted = errors.New("gateway retries exhausted")

// retrying wraps a Gateway with bounded retries on transient provider
// failures. Non-retryable errors pass through on the first occurrence so
// deterministic failures reach the worker's terminal handling untouched.
type retrying struct {
	next   Gateway
	policy RetryPolicy
	logger *slog.Logger

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry decorates gw with the given retry policy. A zero or negative
// MaxAttempts falls back to the default policy's bound.
func WithRetry(gw Gateway, policy RetryPolicy, logger *slog.Logger) Gateway {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Millisecond
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 1.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{
		next:   gw,
		policy: policy,
		logger: logger.With("component", "gateway_retry"),
		sleep:  sleepCtx,
	}
}

// Invoke runs the wrapped gateway, retrying transient failures with
// exponential backoff and full jitter until the attempt budget runs out.
func (r *retrying) Invoke(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		resp, err := r.next.Invoke(ctx, req)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("invocation succeeded after retry",
					"model", req.Model, "attempt", attempt)
			}
			return resp, nil
		}
		if !taskerrors.IsRetryable(err) {
			return Response{}, err
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}
		backoff := r.backoff(attempt, err)
		r.logger.Debug("retrying invocation",
			"model", req.Model, "attempt", attempt, "backoff", backoff, "error", err)
		if err := r.sleep(ctx, backoff); err != nil {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("%w after %d attempts: %w",
		errRetriesExhausted, r.policy.MaxAttempts, lastErr)
}

// backoff computes the wait before the next attempt. Provider guidance
// takes precedence over the exponential schedule.
func (r *retrying) backoff(attempt int, err error) time.Duration {
	var provider RetryAfterProvider
	if errors.As(err, &provider) {
		if after := provider.RetryAfter(); after > 0 {
			return after
		}
	}

	interval := r.policy.InitialInterval
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * r.policy.Multiplier)
		if r.policy.MaxInterval > 0 && interval > r.policy.MaxInterval {
			interval = r.policy.MaxInterval
			break
		}
	}
	if r.policy.Jitter {
		// Full jitter: uniform in [0, interval].
		return time.Duration(rand.Int64N(int64(interval) + 1))
	}
	return interval
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
