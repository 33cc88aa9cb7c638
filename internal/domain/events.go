package domain

// EventType identifies a task lifecycle event for routing and processing.
// Typed constants enable exhaustive switches in event consumers.
type EventType string

const (
	// EventTaskCompleted is emitted when a worker records a successful
	// resolution for a task key. One event per completion.
	EventTaskCompleted EventType = "TaskCompleted"

	// EventTaskFailed is emitted when a task reaches terminal failure
	// (redelivery budget exhausted or deterministic error).
	EventTaskFailed EventType = "TaskFailed"

	// EventRunHalted is emitted when the cost guard denies a reservation
	// and the run stops dispatching paid work.
	EventRunHalted EventType = "RunHalted"
)

// TaskCompletedPayload carries the data for TaskCompleted events.
// The planner unlocks dependents keyed by TaskKey; arrival order carries no
// meaning and must not be used to infer readiness.
type TaskCompletedPayload struct {
	// TaskKey identifies the resolved task.
	TaskKey string `json:"task_key" validate:"required"`

	// TaskType is the capability that executed the task.
	TaskType TaskType `json:"task_type" validate:"required"`

	// Output is the digest of the artifact the task produced.
	Output Digest `json:"output"`

	// Cost is the settled spend for the task, zero for cache hits.
	Cost MilliCents `json:"cost"`

	// CacheHit marks completions satisfied from the manifest without
	// dispatching work.
	CacheHit bool `json:"cache_hit,omitempty"`

	// WorkerID identifies the worker that acknowledged the task.
	WorkerID string `json:"worker_id,omitempty"`

	// Attempt is the delivery attempt that succeeded.
	Attempt int `json:"attempt,omitempty"`
}

// TaskFailedPayload carries the data for TaskFailed events.
type TaskFailedPayload struct {
	// TaskKey identifies the failed task.
	TaskKey string `json:"task_key" validate:"required"`

	// TaskType is the capability that attempted the task.
	TaskType TaskType `json:"task_type" validate:"required"`

	// Reason is a human-readable failure description.
	Reason string `json:"reason"`

	// Attempts is the number of deliveries consumed before giving up.
	Attempts int `json:"attempts"`
}

// RunHaltedPayload carries the data for RunHalted events.
type RunHaltedPayload struct {
	// RunID is the halted run.
	RunID string `json:"run_id" validate:"required"`

	// Status is the terminal run status (halted or cancelled).
	Status RunStatus `json:"status" validate:"required"`

	// Reason describes the halt (e.g. the ceiling denial).
	Reason string `json:"reason"`
}
