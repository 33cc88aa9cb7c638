package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-loom/internal/domain"
)

// Envelope field validation errors.
var (
	ErrTaskTypeRequired = errors.New("task type is required")
	ErrTaskKeyRequired  = errors.New("task key is required")
	ErrRunIDRequired    = errors.New("run id is required")
	ErrMalformedField   = errors.New("malformed envelope field")
)

// Stream entry field names. These are the wire contract for queue messages;
// workers in other languages interoperate by reading and writing these keys.
const (
	fieldRunID    = "run_id"
	fieldTaskKey  = "task_key"
	fieldTaskType = "task_type"
	fieldInputs   = "input_hashes"
	fieldParams   = "params"
	fieldAttempt  = "attempt"
	fieldEnqueued = "enqueued_at"
)

// validate is the package-level validator for envelope structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is one unit of work on the router. Everything a worker needs to
// execute the task is carried in the envelope or addressable through the
// artifact store by the digests it lists; workers hold no other state.
type Envelope struct {
	// RunID names the run the task belongs to.
	RunID string `json:"run_id" validate:"required"`

	// TaskKey is the deterministic cache identity of the task.
	TaskKey TaskKey `json:"task_key" validate:"required,len=64,hexadecimal"`

	// TaskType selects the worker capability required.
	TaskType domain.TaskType `json:"task_type" validate:"required"`

	// InputDigests are the task's input artifacts, in key order.
	InputDigests []domain.Digest `json:"input_hashes"`

	// Params is the opaque task-type-specific parameter blob.
	// Included in the task key; never interpreted by the core.
	Params []byte `json:"params,omitempty"`

	// Attempt counts deliveries, starting at 1 on first delivery.
	// Incremented by the router on redelivery.
	Attempt int `json:"attempt" validate:"min=0"`

	// EnqueuedAt records when the envelope was first enqueued.
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
}

// Validate checks the envelope against the wire contract.
func (e *Envelope) Validate() error { return validate.Struct(e) }

// StreamFields encodes the envelope as a flat string map suitable for a
// Redis stream entry. Input digests join on ","; params are base64 so
// arbitrary bytes survive the string transport.
func (e *Envelope) StreamFields() map[string]any {
	fields := map[string]any{
		fieldRunID:    e.RunID,
		fieldTaskKey:  string(e.TaskKey),
		fieldTaskType: string(e.TaskType),
		fieldInputs:   joinDigests(e.InputDigests),
		fieldParams:   base64.StdEncoding.EncodeToString(e.Params),
		fieldAttempt:  strconv.Itoa(e.Attempt),
	}
	if !e.EnqueuedAt.IsZero() {
		fields[fieldEnqueued] = strconv.FormatInt(e.EnqueuedAt.UnixMilli(), 10)
	}
	return fields
}

// FromStreamFields decodes a stream entry's value map back into an envelope.
// Unknown fields are ignored for forward compatibility; malformed known
// fields are errors, not silent zero values.
func FromStreamFields(values map[string]any) (*Envelope, error) {
	env := &Envelope{}

	var err error
	if env.RunID, err = stringField(values, fieldRunID); err != nil {
		return nil, err
	}

	key, err := stringField(values, fieldTaskKey)
	if err != nil {
		return nil, err
	}
	env.TaskKey = TaskKey(key)

	taskType, err := stringField(values, fieldTaskType)
	if err != nil {
		return nil, err
	}
	env.TaskType = domain.TaskType(taskType)

	inputs, err := stringField(values, fieldInputs)
	if err != nil {
		return nil, err
	}
	if env.InputDigests, err = splitDigests(inputs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedField, fieldInputs, err)
	}

	params, err := stringField(values, fieldParams)
	if err != nil {
		return nil, err
	}
	if env.Params, err = base64.StdEncoding.DecodeString(params); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedField, fieldParams, err)
	}
	if len(env.Params) == 0 {
		env.Params = nil
	}

	attempt, err := stringField(values, fieldAttempt)
	if err != nil {
		return nil, err
	}
	if env.Attempt, err = strconv.Atoi(attempt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedField, fieldAttempt, err)
	}

	if raw, ok := values[fieldEnqueued]; ok {
		ms, convErr := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
		if convErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedField, fieldEnqueued, convErr)
		}
		env.EnqueuedAt = time.UnixMilli(ms).UTC()
	}

	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}
	return env, nil
}

// stringField extracts a required string-typed field from a stream value map.
func stringField(values map[string]any, name string) (string, error) {
	raw, ok := values[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedField, name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has type %T", ErrMalformedField, name, raw)
	}
	return s, nil
}

// joinDigests renders an ordered digest list as a comma-joined hex string.
func joinDigests(digests []domain.Digest) string {
	if len(digests) == 0 {
		return ""
	}
	out := make([]byte, 0, len(digests)*(2*domain.DigestSize+1))
	for i, d := range digests {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, d.String()...)
	}
	return string(out)
}

// splitDigests parses a comma-joined hex digest list, preserving order.
func splitDigests(s string) ([]domain.Digest, error) {
	if s == "" {
		return nil, nil
	}
	const encoded = 2 * domain.DigestSize
	parts := make([]string, 0, (len(s)+1)/(encoded+1))
	for start := 0; start < len(s); start += encoded + 1 {
		end := start + encoded
		if end > len(s) {
			return nil, fmt.Errorf("truncated digest list")
		}
		parts = append(parts, s[start:end])
		if end < len(s) {
			if s[end] != ',' {
				return nil, fmt.Errorf("expected ',' at offset %d", end)
			}
			// A separator must introduce another digest.
			if end+1 == len(s) {
				return nil, fmt.Errorf("trailing ',' in digest list")
			}
		}
	}
	return domain.ParseDigests(parts)
}
