package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-loom/internal/bus"
	"github.com/ahrav/go-loom/internal/costguard"
	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
	"github.com/ahrav/go-loom/internal/manifest"
	"github.com/ahrav/go-loom/internal/router"
	"github.com/ahrav/go-loom/internal/store"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// stubExecutor is a scriptable executor for harness tests.
type stubExecutor struct {
	mu       sync.Mutex
	types    []domain.TaskType
	estimate domain.MilliCents
	cost     domain.MilliCents
	output   []byte
	execErr  error
	calls    int
}

func (s *stubExecutor) TaskTypes() []domain.TaskType { return s.types }

func (s *stubExecutor) Estimate(Job) (domain.MilliCents, error) { return s.estimate, nil }

func (s *stubExecutor) Execute(_ context.Context, job Job) (Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.execErr != nil {
		return Result{}, s.execErr
	}
	out := s.output
	if out == nil {
		out = append([]byte("processed:"), job.Env.Params...)
	}
	return Result{Output: out, Cost: s.cost}, nil
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// harness bundles the in-memory backends around one agent.
type harness struct {
	agent  *Agent
	queue  *router.Memory
	blobs  *store.Memory
	log    *manifest.Memory
	guard  *costguard.Memory
	events *bus.Memory
	exec   *stubExecutor
}

func newHarness(t *testing.T, exec *stubExecutor) *harness {
	t.Helper()
	h := &harness{
		queue: router.NewMemory(router.Config{
			LeaseTimeout: time.Minute,
			MaxAttempts:  3,
			ClaimBlock:   50 * time.Millisecond,
		}),
		blobs:  store.NewMemory(),
		log:    manifest.NewMemory(),
		guard:  costguard.NewMemory(),
		events: bus.NewMemory(),
		exec:   exec,
	}
	h.agent = NewAgent(
		Config{Group: "g", WorkerID: "w", Concurrency: 1},
		h.queue, h.blobs, h.log, h.guard, h.events, nil,
	)
	require.NoError(t, h.agent.Register(exec))
	return h
}

// dispatch enqueues a task and claims its delivery.
func (h *harness) dispatch(t *testing.T, runID, seed string) *router.Delivery {
	t.Helper()
	ctx := context.Background()

	inputs := []domain.Digest{}
	params := []byte(seed)
	key, err := envelope.BuildTaskKey("llm", inputs, params)
	require.NoError(t, err)

	require.NoError(t, h.queue.Enqueue(ctx, &envelope.Envelope{
		RunID:    runID,
		TaskKey:  key,
		TaskType: "llm",
		Params:   params,
	}))

	d, err := h.queue.Claim(ctx, "g", "w-0", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func TestAgent_SuccessPath(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}, estimate: 100, cost: 80}
	h := newHarness(t, exec)
	ctx := context.Background()
	require.NoError(t, h.guard.SetCeiling(ctx, "run-1", 1000))

	d := h.dispatch(t, "run-1", "payload")
	require.NoError(t, h.agent.process(ctx, d))

	// Resolution recorded with the stored artifact's digest.
	res, found, err := h.log.Lookup(ctx, "run-1", d.Env.TaskKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, res.Failed)
	assert.Equal(t, domain.MilliCents(80), res.Cost)

	data, err := h.blobs.Get(ctx, res.Output)
	require.NoError(t, err)
	assert.Equal(t, []byte("processed:payload"), data)

	// Reservation settled at actual cost.
	spent, err := h.guard.Spent(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(80), spent)

	// Completion event emitted; queue drained.
	evts := h.events.Events("run-1")
	require.Len(t, evts, 1)
	assert.Equal(t, string(domain.EventTaskCompleted), evts[0].Type)
	assert.Equal(t, string(d.Env.TaskKey), evts[0].IdempotencyKey)
	assert.Equal(t, 0, h.queue.QueueDepth("llm"))
}

func TestAgent_UnpaidTaskSkipsLedger(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}, estimate: 0}
	h := newHarness(t, exec)
	ctx := context.Background()
	// No ceiling configured: unpaid work must still run.

	d := h.dispatch(t, "run-1", "free")
	require.NoError(t, h.agent.process(ctx, d))

	_, found, err := h.log.Lookup(ctx, "run-1", d.Env.TaskKey)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAgent_RedeliveryHitsCache(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}, estimate: 100, cost: 100}
	h := newHarness(t, exec)
	ctx := context.Background()
	require.NoError(t, h.guard.SetCeiling(ctx, "run-1", 1000))

	d := h.dispatch(t, "run-1", "once")
	require.NoError(t, h.agent.process(ctx, d))
	require.Equal(t, 1, exec.callCount())

	// The same envelope arrives again (lease expiry on another replica).
	d2 := h.dispatch(t, "run-1", "once")
	require.NoError(t, h.agent.process(ctx, d2))

	assert.Equal(t, 1, exec.callCount(), "redelivered resolved work must not re-execute")
	spent, err := h.guard.Spent(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(100), spent, "redelivery must not re-charge")
	assert.Equal(t, 1, h.log.EntryCount("run-1"), "redelivery must not re-append")
}

func TestAgent_TerminalErrorDeadLetters(t *testing.T) {
	exec := &stubExecutor{
		types: []domain.TaskType{"llm"},
		execErr: &taskerrors.ExecutionError{
			TaskKey: "k", TaskType: "llm", Terminal: true,
			Err: errors.New("malformed input"),
		},
	}
	h := newHarness(t, exec)
	ctx := context.Background()

	d := h.dispatch(t, "run-1", "bad")
	require.NoError(t, h.agent.process(ctx, d))

	res, found, err := h.log.Lookup(ctx, "run-1", d.Env.TaskKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Failed)

	dead := h.queue.DeadLetters("llm")
	require.Len(t, dead, 1)

	evts := h.events.Events("run-1")
	require.Len(t, evts, 1)
	assert.Equal(t, string(domain.EventTaskFailed), evts[0].Type)
	assert.Equal(t, 1, exec.callCount(), "terminal failures must not burn redeliveries")
}

func TestAgent_TransientErrorNacksUntilExhausted(t *testing.T) {
	exec := &stubExecutor{
		types:   []domain.TaskType{"llm"},
		execErr: errors.New("flaky dependency"),
	}
	h := newHarness(t, exec)
	ctx := context.Background()

	d := h.dispatch(t, "run-1", "flaky")
	key := d.Env.TaskKey

	// Attempts 1 and 2 nack and requeue; attempt 3 exhausts.
	require.NoError(t, h.agent.process(ctx, d))
	for attempt := 2; attempt <= 3; attempt++ {
		d, err := h.queue.Claim(ctx, "g", "w-0", []domain.TaskType{"llm"})
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, attempt, d.Env.Attempt)
		require.NoError(t, h.agent.process(ctx, d))
	}

	assert.Equal(t, 3, exec.callCount())
	res, found, err := h.log.Lookup(ctx, "run-1", key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Failed)
	require.Len(t, h.queue.DeadLetters("llm"), 1)
}

func TestAgent_CeilingDenialHaltsRun(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}, estimate: 2000}
	h := newHarness(t, exec)
	ctx := context.Background()
	require.NoError(t, h.guard.SetCeiling(ctx, "run-1", 1000))

	d := h.dispatch(t, "run-1", "expensive")
	require.NoError(t, h.agent.process(ctx, d))

	assert.Equal(t, 0, exec.callCount(), "denied work must not execute")

	status, err := h.log.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunHalted, status)

	evts := h.events.Events("run-1")
	require.Len(t, evts, 1)
	assert.Equal(t, string(domain.EventRunHalted), evts[0].Type)

	// Parked, not failed: resume with a higher ceiling re-runs it fresh.
	_, found, err := h.log.Lookup(ctx, "run-1", d.Env.TaskKey)
	require.NoError(t, err)
	assert.False(t, found)
	require.Len(t, h.queue.DeadLetters("llm"), 1)
}

func TestAgent_CancelledRunParksTasks(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}}
	h := newHarness(t, exec)
	ctx := context.Background()
	require.NoError(t, h.log.SetStatus(ctx, "run-1", domain.RunCancelled))

	d := h.dispatch(t, "run-1", "late")
	require.NoError(t, h.agent.process(ctx, d))

	assert.Equal(t, 0, exec.callCount())
	dead := h.queue.DeadLetters("llm")
	require.Len(t, dead, 1)
	assert.Equal(t, "run cancelled", dead[0].Reason)
}

func TestAgent_ExhaustedDeliveryRecordsFailure(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}}
	h := newHarness(t, exec)
	ctx := context.Background()

	d := h.dispatch(t, "run-1", "crashloop")
	d.Exhausted = true

	require.NoError(t, h.agent.process(ctx, d))

	res, found, err := h.log.Lookup(ctx, "run-1", d.Env.TaskKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Failed)
	assert.Equal(t, 0, exec.callCount())
	require.Len(t, h.queue.DeadLetters("llm"), 1)
}

func TestAgent_MissingInputFailsTerminally(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}}
	h := newHarness(t, exec)
	ctx := context.Background()

	missing := domain.ComputeDigest([]byte("never stored"))
	key, err := envelope.BuildTaskKey("llm", []domain.Digest{missing}, nil)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, &envelope.Envelope{
		RunID:        "run-1",
		TaskKey:      key,
		TaskType:     "llm",
		InputDigests: []domain.Digest{missing},
	}))
	d, err := h.queue.Claim(ctx, "g", "w-0", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, h.agent.process(ctx, d))

	res, found, err := h.log.Lookup(ctx, "run-1", key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Failed)
	assert.Equal(t, 0, exec.callCount())
}

func TestAgent_CorruptInputAbortsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blobs, err := store.NewFS(root, nil)
	require.NoError(t, err)

	ref, err := blobs.Put(ctx, []byte("clean input"))
	require.NoError(t, err)

	// Tamper with the blob in place so its bytes no longer match the digest.
	hex := ref.Digest.String()
	require.NoError(t, os.WriteFile(filepath.Join(root, hex[:2], hex), []byte("tampered"), 0o644))

	exec := &stubExecutor{types: []domain.TaskType{"llm"}}
	queue := router.NewMemory(router.Config{
		LeaseTimeout: time.Minute,
		MaxAttempts:  3,
		ClaimBlock:   50 * time.Millisecond,
	})
	log := manifest.NewMemory()
	agent := NewAgent(
		Config{Group: "g", WorkerID: "w", Concurrency: 1},
		queue, blobs, log, costguard.NewMemory(), bus.NewMemory(), nil,
	)
	require.NoError(t, agent.Register(exec))

	key, err := envelope.BuildTaskKey("llm", []domain.Digest{ref.Digest}, nil)
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(ctx, &envelope.Envelope{
		RunID:        "run-1",
		TaskKey:      key,
		TaskType:     "llm",
		InputDigests: []domain.Digest{ref.Digest},
	}))
	d, err := queue.Claim(ctx, "g", "w-0", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, agent.process(ctx, d))

	// Corruption is terminal on the first delivery: failed resolution,
	// dead-lettered, nothing requeued for another attempt.
	res, found, err := log.Lookup(ctx, "run-1", key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Failed)
	assert.Equal(t, 0, exec.callCount())
	assert.Equal(t, 0, queue.QueueDepth("llm"))

	dead := queue.DeadLetters("llm")
	require.Len(t, dead, 1)
	assert.Equal(t, 1, dead[0].Env.Attempt)
}

// mismatchStore fails every write the way a backend does when the read-back
// digest disagrees with the content digest.
type mismatchStore struct {
	*store.Memory
}

func (s *mismatchStore) Put(context.Context, []byte) (domain.ArtifactRef, error) {
	return domain.ArtifactRef{}, &taskerrors.IntegrityError{
		Subject: "output",
		Detail:  "digest mismatch after write",
	}
}

func TestAgent_OutputIntegrityViolationAbortsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	exec := &stubExecutor{types: []domain.TaskType{"llm"}, estimate: 100, cost: 100}
	queue := router.NewMemory(router.Config{
		LeaseTimeout: time.Minute,
		MaxAttempts:  3,
		ClaimBlock:   50 * time.Millisecond,
	})
	log := manifest.NewMemory()
	guard := costguard.NewMemory()
	agent := NewAgent(
		Config{Group: "g", WorkerID: "w", Concurrency: 1},
		queue, &mismatchStore{store.NewMemory()}, log, guard, bus.NewMemory(), nil,
	)
	require.NoError(t, agent.Register(exec))
	require.NoError(t, guard.SetCeiling(ctx, "run-1", 1000))

	key, err := envelope.BuildTaskKey("llm", nil, []byte("doomed"))
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(ctx, &envelope.Envelope{
		RunID:    "run-1",
		TaskKey:  key,
		TaskType: "llm",
		Params:   []byte("doomed"),
	}))
	d, err := queue.Claim(ctx, "g", "w-0", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, agent.process(ctx, d))

	res, found, err := log.Lookup(ctx, "run-1", key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, res.Failed)
	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 0, queue.QueueDepth("llm"), "integrity failures must not requeue")
	require.Len(t, queue.DeadLetters("llm"), 1)

	// The reservation was released, not charged.
	spent, err := guard.Spent(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MilliCents(0), spent)
}

func TestAgent_RegisterRejectsDuplicates(t *testing.T) {
	exec := &stubExecutor{types: []domain.TaskType{"llm"}}
	h := newHarness(t, exec)
	require.Error(t, h.agent.Register(&stubExecutor{types: []domain.TaskType{"llm"}}))
}
