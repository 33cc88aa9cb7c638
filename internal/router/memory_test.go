package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
)

func testConfig() Config {
	return Config{
		KeyPrefix:    "test",
		LeaseTimeout: time.Minute,
		MaxAttempts:  3,
		ClaimBlock:   50 * time.Millisecond,
	}
}

func testEnvelope(t *testing.T, taskType domain.TaskType, seed string) *envelope.Envelope {
	t.Helper()
	inputs := []domain.Digest{domain.ComputeDigest([]byte(seed))}
	key, err := envelope.BuildTaskKey(taskType, inputs, []byte(seed))
	require.NoError(t, err)
	return &envelope.Envelope{
		RunID:        "run-1",
		TaskKey:      key,
		TaskType:     taskType,
		InputDigests: inputs,
	}
}

func TestMemory_EnqueueClaimAck(t *testing.T) {
	r := NewMemory(testConfig())
	env := testEnvelope(t, "llm", "a")
	require.NoError(t, r.Enqueue(context.Background(), env))

	d, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, env.TaskKey, d.Env.TaskKey)
	assert.Equal(t, 1, d.Env.Attempt)
	assert.False(t, d.Exhausted)

	require.NoError(t, r.Ack(context.Background(), d))

	// Nothing left to deliver.
	d, err = r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemory_FIFOPerTaskType(t *testing.T) {
	r := NewMemory(testConfig())
	first := testEnvelope(t, "llm", "first")
	second := testEnvelope(t, "llm", "second")
	require.NoError(t, r.Enqueue(context.Background(), first))
	require.NoError(t, r.Enqueue(context.Background(), second))

	d1, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, first.TaskKey, d1.Env.TaskKey)

	d2, err := r.Claim(context.Background(), "g", "c2", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, second.TaskKey, d2.Env.TaskKey)
}

func TestMemory_ClaimFiltersTaskTypes(t *testing.T) {
	r := NewMemory(testConfig())
	require.NoError(t, r.Enqueue(context.Background(), testEnvelope(t, "embed", "x")))

	d, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	assert.Nil(t, d, "claim must not deliver undeclared task types")

	d, err = r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm", "embed"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.TaskType("embed"), d.Env.TaskType)
}

func TestMemory_NackIncrementsAttempt(t *testing.T) {
	r := NewMemory(testConfig())
	require.NoError(t, r.Enqueue(context.Background(), testEnvelope(t, "llm", "retry")))

	d, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)

	exhausted, err := r.Nack(context.Background(), d, "transient failure")
	require.NoError(t, err)
	assert.False(t, exhausted)

	d, err = r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Env.Attempt)
}

func TestMemory_NackExhaustsToDeadLetter(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	r := NewMemory(cfg)
	env := testEnvelope(t, "llm", "doomed")
	require.NoError(t, r.Enqueue(context.Background(), env))

	var exhausted bool
	for i := 0; i < cfg.MaxAttempts; i++ {
		d, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
		require.NoError(t, err)
		require.NotNil(t, d)
		exhausted, err = r.Nack(context.Background(), d, "still failing")
		require.NoError(t, err)
	}
	assert.True(t, exhausted, "final nack must report exhaustion")

	dead := r.DeadLetters("llm")
	require.Len(t, dead, 1)
	assert.Equal(t, env.TaskKey, dead[0].Env.TaskKey)
	assert.Equal(t, "still failing", dead[0].Reason)
	assert.Equal(t, 0, r.QueueDepth("llm"))
}

func TestMemory_LeaseExpiryRedelivers(t *testing.T) {
	r := NewMemory(testConfig())
	require.NoError(t, r.Enqueue(context.Background(), testEnvelope(t, "llm", "crash")))

	now := time.Now()
	r.SetClock(func() time.Time { return now })

	d1, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d1)

	// The holder crashes; its lease lapses.
	now = now.Add(2 * time.Minute)

	d2, err := r.Claim(context.Background(), "g", "c2", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, d1.Env.TaskKey, d2.Env.TaskKey)
	assert.Equal(t, 2, d2.Env.Attempt, "crash redelivery counts as an attempt")
	assert.NotEqual(t, d1.LeaseToken, d2.LeaseToken)

	// The stale holder's ack is ignored; the new holder's ack stands.
	require.NoError(t, r.Ack(context.Background(), d1))
	require.NoError(t, r.Ack(context.Background(), d2))

	d3, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	assert.Nil(t, d3)
}

func TestMemory_RepeatedExpiryMarksExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	r := NewMemory(cfg)
	require.NoError(t, r.Enqueue(context.Background(), testEnvelope(t, "llm", "always-crashing")))

	now := time.Now()
	r.SetClock(func() time.Time { return now })

	var d *Delivery
	var err error
	for i := 0; i < cfg.MaxAttempts+1; i++ {
		d, err = r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
		require.NoError(t, err)
		require.NotNil(t, d)
		now = now.Add(2 * time.Minute)
	}

	assert.True(t, d.Exhausted, "delivery past the attempt budget must be flagged")
	require.NoError(t, r.DeadLetter(context.Background(), d, "attempts exhausted"))
	assert.Len(t, r.DeadLetters("llm"), 1)
}

func TestMemory_DeadLetterBypassesBudget(t *testing.T) {
	r := NewMemory(testConfig())
	require.NoError(t, r.Enqueue(context.Background(), testEnvelope(t, "llm", "cancelled")))

	d, err := r.Claim(context.Background(), "g", "c1", []domain.TaskType{"llm"})
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, r.DeadLetter(context.Background(), d, "run cancelled"))
	dead := r.DeadLetters("llm")
	require.Len(t, dead, 1)
	assert.Equal(t, "run cancelled", dead[0].Reason)
}

func TestMemory_ClaimHonorsContext(t *testing.T) {
	r := NewMemory(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Claim(ctx, "g", "c1", []domain.TaskType{"llm"})
	require.ErrorIs(t, err, context.Canceled)
}
