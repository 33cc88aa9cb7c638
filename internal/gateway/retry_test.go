package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-loom/internal/taskerrors"
)

// flakyGateway fails with errs in order, then succeeds.
type flakyGateway struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *flakyGateway) Invoke(_ context.Context, _ Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return Response{}, err
	}
	return Response{Output: []byte("ok")}, nil
}

func (f *flakyGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type backpressureError struct{ after time.Duration }

func (e *backpressureError) Error() string { return "slow down" }

func (e *backpressureError) RetryAfter() time.Duration { return e.after }

func (e *backpressureError) Unwrap() error {
	return &taskerrors.TransientError{Component: "gateway", Err: errors.New("backpressure")}
}

func newTestRetrying(t *testing.T, gw Gateway, policy RetryPolicy) (*retrying, *[]time.Duration) {
	t.Helper()
	r, ok := WithRetry(gw, policy, nil).(*retrying)
	require.True(t, ok)
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return r, &waits
}

func transientErr(msg string) error {
	return &taskerrors.TransientError{Component: "gateway", Err: errors.New(msg)}
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	gw := &flakyGateway{errs: []error{transientErr("blip"), transientErr("blip")}}
	r, waits := newTestRetrying(t, gw, RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	})

	resp, err := r.Invoke(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp.Output)
	assert.Equal(t, 3, gw.callCount())
	// Deterministic schedule without jitter: 10ms then 20ms.
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *waits)
}

func TestWithRetry_ExhaustsAttemptBudget(t *testing.T) {
	gw := &flakyGateway{errs: []error{
		transientErr("a"), transientErr("b"), transientErr("c"), transientErr("d"),
	}}
	r, _ := newTestRetrying(t, gw, RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 1.0})

	_, err := r.Invoke(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errRetriesExhausted)
	assert.Equal(t, 3, gw.callCount())
	// The last underlying error survives wrapping.
	assert.Contains(t, err.Error(), "c")
}

func TestWithRetry_NonRetryablePassesThrough(t *testing.T) {
	terminal := &taskerrors.ExecutionError{TaskKey: "k", TaskType: "llm", Terminal: true, Err: errors.New("bad prompt")}
	gw := &flakyGateway{errs: []error{terminal}}
	r, waits := newTestRetrying(t, gw, DefaultRetryPolicy())

	_, err := r.Invoke(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.True(t, taskerrors.IsTerminalExecution(err))
	assert.Equal(t, 1, gw.callCount(), "deterministic failures must not burn retries")
	assert.Empty(t, *waits)
}

func TestWithRetry_HonorsRetryAfterGuidance(t *testing.T) {
	gw := &flakyGateway{errs: []error{&backpressureError{after: 750 * time.Millisecond}}}
	r, waits := newTestRetrying(t, gw, RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, Multiplier: 1.0})

	_, err := r.Invoke(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	require.Len(t, *waits, 1)
	assert.Equal(t, 750*time.Millisecond, (*waits)[0])
}

func TestWithRetry_ContextCancellationStopsRetrying(t *testing.T) {
	gw := &flakyGateway{errs: []error{transientErr("blip"), transientErr("blip")}}
	r, ok := WithRetry(gw, RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, Multiplier: 1.0}, nil).(*retrying)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := r.Invoke(ctx, Request{Model: "m"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, gw.callCount())
}

func TestWithRetry_JitterStaysWithinInterval(t *testing.T) {
	r, ok := WithRetry(&flakyGateway{}, RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}, nil).(*retrying)
	require.True(t, ok)

	for range 100 {
		d := r.backoff(2, transientErr("blip"))
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
