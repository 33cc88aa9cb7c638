package domain

import (
	"errors"
	"fmt"
)

// Run-specific errors.
var (
	// ErrUnknownDependency indicates a Needs entry naming no task in the run.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle indicates the declared edges do not form a DAG.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrDuplicateTaskName indicates two tasks sharing a run-local name.
	ErrDuplicateTaskName = errors.New("duplicate task name")
)

// RunStatus is the terminal disposition of a run, persisted alongside the
// manifest so a resumed process can distinguish a clean drain from a halt.
type RunStatus string

const (
	// RunActive indicates the run is dispatching or awaiting completions.
	RunActive RunStatus = "active"

	// RunDone indicates every node reached done or skipped.
	RunDone RunStatus = "done"

	// RunFailed indicates at least one non-best-effort node failed.
	RunFailed RunStatus = "failed"

	// RunHalted indicates the cost guard denied a reservation; the run
	// stopped cleanly and is resumable after raising the ceiling.
	RunHalted RunStatus = "halted"

	// RunCancelled indicates a run-level cancel was requested.
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a resting state.
func (s RunStatus) Terminal() bool { return s != RunActive }

// RunSpec describes one experiment instance: a named DAG of tasks plus the
// spend ceiling that bounds its paid calls. The spec is pure data; the
// planner derives the graph, task keys, and dispatch order from it.
type RunSpec struct {
	// RunID names the run. Resubmitting the same RunID with unchanged
	// inputs resumes the run rather than repeating it.
	RunID string `json:"run_id" yaml:"run_id" validate:"required"`

	// Tasks is the ordered list of task declarations.
	Tasks []TaskSpec `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`

	// Limits bounds cumulative paid-call spend for the run.
	Limits SpendLimits `json:"limits" yaml:"limits"`
}

// Validate checks structural validity: struct constraints, unique names,
// resolvable dependency edges, and acyclicity.
func (r *RunSpec) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}

	byName := make(map[string]*TaskSpec, len(r.Tasks))
	for i := range r.Tasks {
		t := &r.Tasks[i]
		if _, dup := byName[t.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTaskName, t.Name)
		}
		byName[t.Name] = t
	}

	for i := range r.Tasks {
		for _, dep := range r.Tasks[i].Needs {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("task %q: %w: %q", r.Tasks[i].Name, ErrUnknownDependency, dep)
			}
		}
	}

	return r.checkAcyclic(byName)
}

// checkAcyclic rejects specs whose Needs edges contain a cycle.
// Iterative three-color DFS; recursion depth is attacker-controlled otherwise.
func (r *RunSpec) checkAcyclic(byName map[string]*TaskSpec) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(r.Tasks))

	for i := range r.Tasks {
		start := r.Tasks[i].Name
		if color[start] != white {
			continue
		}
		stack := []string{start}
		for len(stack) > 0 {
			name := stack[len(stack)-1]
			switch color[name] {
			case white:
				color[name] = gray
				for _, dep := range byName[name].Needs {
					switch color[dep] {
					case gray:
						return fmt.Errorf("%w involving %q", ErrDependencyCycle, dep)
					case white:
						stack = append(stack, dep)
					}
				}
			case gray:
				color[name] = black
				stack = stack[:len(stack)-1]
			default:
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// Task returns the spec for a run-local task name, or nil if absent.
func (r *RunSpec) Task(name string) *TaskSpec {
	for i := range r.Tasks {
		if r.Tasks[i].Name == name {
			return &r.Tasks[i]
		}
	}
	return nil
}
