package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-loom/internal/domain"
)

func validEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key, err := BuildTaskKey("llm", nil, []byte("params"))
	require.NoError(t, err)
	return &Envelope{
		RunID:   "run-1",
		TaskKey: key,
		TaskType: "llm",
		InputDigests: []domain.Digest{
			domain.ComputeDigest([]byte("alpha")),
			domain.ComputeDigest([]byte("beta")),
		},
		Params:     []byte(`{"model":"scripted-small"}`),
		Attempt:    2,
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestEnvelope_StreamRoundTrip(t *testing.T) {
	env := validEnvelope(t)

	decoded, err := FromStreamFields(env.StreamFields())
	require.NoError(t, err)

	assert.Equal(t, env.RunID, decoded.RunID)
	assert.Equal(t, env.TaskKey, decoded.TaskKey)
	assert.Equal(t, env.TaskType, decoded.TaskType)
	assert.Equal(t, env.InputDigests, decoded.InputDigests)
	assert.Equal(t, env.Params, decoded.Params)
	assert.Equal(t, env.Attempt, decoded.Attempt)
	assert.True(t, env.EnqueuedAt.Equal(decoded.EnqueuedAt))
}

func TestEnvelope_StreamRoundTripMinimal(t *testing.T) {
	env := validEnvelope(t)
	env.InputDigests = nil
	env.Params = nil
	env.EnqueuedAt = time.Time{}

	decoded, err := FromStreamFields(env.StreamFields())
	require.NoError(t, err)
	assert.Empty(t, decoded.InputDigests)
	assert.Nil(t, decoded.Params)
	assert.True(t, decoded.EnqueuedAt.IsZero())
}

func TestFromStreamFields_MalformedFields(t *testing.T) {
	base := validEnvelope(t).StreamFields()

	corrupt := func(mutate func(map[string]any)) map[string]any {
		fields := make(map[string]any, len(base))
		for k, v := range base {
			fields[k] = v
		}
		mutate(fields)
		return fields
	}

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing run_id", corrupt(func(f map[string]any) { delete(f, "run_id") })},
		{"empty run_id", corrupt(func(f map[string]any) { f["run_id"] = "" })},
		{"short task_key", corrupt(func(f map[string]any) { f["task_key"] = "abc123" })},
		{"non-hex task_key", corrupt(func(f map[string]any) {
			f["task_key"] = "zz" + string(f["task_key"].(string))[2:]
		})},
		{"truncated digest list", corrupt(func(f map[string]any) {
			f["input_hashes"] = f["input_hashes"].(string)[:10]
		})},
		{"trailing comma in digest list", corrupt(func(f map[string]any) {
			f["input_hashes"] = f["input_hashes"].(string) + ","
		})},
		{"bad params encoding", corrupt(func(f map[string]any) { f["params"] = "%%%not-base64%%%" })},
		{"non-numeric attempt", corrupt(func(f map[string]any) { f["attempt"] = "many" })},
		{"non-numeric enqueued_at", corrupt(func(f map[string]any) { f["enqueued_at"] = "yesterday" })},
		{"non-string field", corrupt(func(f map[string]any) { f["run_id"] = 42 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromStreamFields(tt.fields)
			require.ErrorIs(t, err, ErrMalformedField)
		})
	}
}

func TestEnvelope_UnknownFieldsIgnored(t *testing.T) {
	fields := validEnvelope(t).StreamFields()
	fields["reason"] = "redelivered"
	fields["dead_at"] = "2026-01-01T00:00:00Z"

	_, err := FromStreamFields(fields)
	require.NoError(t, err)
}
