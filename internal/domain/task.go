package domain

import "time"

// TaskType names the worker capability a task requires. Types are opaque to
// the router and planner; a worker declares the set of types it executes and
// only claims matching deliveries.
type TaskType string

// String returns the task type as a plain string.
func (t TaskType) String() string { return string(t) }

// TaskStatus represents the lifecycle of a task on the queue.
// Status transfers with queue ownership: a task is owned exclusively by the
// worker holding its delivery lease and returns to the router on
// acknowledgment, failure, or lease expiry.
type TaskStatus string

const (
	// TaskPending indicates the task is enqueued and unclaimed.
	TaskPending TaskStatus = "pending"

	// TaskClaimed indicates a worker holds the delivery lease.
	TaskClaimed TaskStatus = "claimed"

	// TaskDone indicates the task completed and its output artifact
	// is recorded in the run manifest.
	TaskDone TaskStatus = "done"

	// TaskFailed indicates the task exhausted its redelivery budget
	// or failed deterministically.
	TaskFailed TaskStatus = "failed"
)

// TaskSpec declares one task inside a run specification. Names are local to
// the run; identity on the queue is the derived task key, which is computed
// only once every dependency output is known.
type TaskSpec struct {
	// Name is the task's label within the run spec, used for dependency
	// edges. Not part of the task key.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Type selects the worker capability required to execute the task.
	Type TaskType `json:"type" yaml:"type" validate:"required"`

	// Inputs are seed artifact digests known at submission time.
	// Outputs of tasks named in Needs are appended, in Needs order,
	// when the task becomes ready.
	Inputs []Digest `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Params is an opaque, task-type-specific byte blob. It participates
	// in the task key and is never interpreted by the core.
	Params []byte `json:"params,omitempty" yaml:"params,omitempty"`

	// Needs lists run-local names of tasks whose outputs this task
	// consumes. Order is significant: it fixes input ordering and
	// therefore the task key.
	Needs []string `json:"needs,omitempty" yaml:"needs,omitempty"`

	// EstimatedCost is the reservation requested from the cost guard
	// before the paid call. Zero means the task performs no paid work.
	EstimatedCost MilliCents `json:"estimated_cost,omitempty" yaml:"estimated_cost,omitempty" validate:"min=0"`

	// MaxDuration is the expected upper bound on execution time.
	// The router's lease timeout must exceed it with margin.
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`

	// BestEffort marks the task as skippable: if a dependency fails, the
	// task is marked skipped instead of blocking forever.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
}

// Validate checks the task spec against structural constraints.
func (t *TaskSpec) Validate() error { return validate.Struct(t) }
