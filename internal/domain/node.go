package domain

// NodeState is the planner-side state of one task node in a run's DAG.
// The planner is the only component that sees these states; the router,
// store, manifest, and cost guard are each ignorant of the graph.
type NodeState uint8

const (
	// NodeBlocked indicates unmet dependencies.
	NodeBlocked NodeState = iota

	// NodeReady indicates all dependencies resolved and the node not yet
	// satisfied by the manifest.
	NodeReady

	// NodeDispatched indicates the node's envelope is on the queue and
	// the planner is awaiting its completion event.
	NodeDispatched

	// NodeDone is terminal success.
	NodeDone

	// NodeFailed is terminal failure. Dependents stay blocked forever
	// unless declared best-effort.
	NodeFailed

	// NodeSkipped marks a best-effort node whose dependency failed.
	NodeSkipped
)

// String returns the state name used in logs and events.
func (s NodeState) String() string {
	switch s {
	case NodeBlocked:
		return "blocked"
	case NodeReady:
		return "ready"
	case NodeDispatched:
		return "dispatched"
	case NodeDone:
		return "done"
	case NodeFailed:
		return "failed"
	case NodeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is a resting state for the node.
func (s NodeState) Terminal() bool {
	return s == NodeDone || s == NodeFailed || s == NodeSkipped
}
