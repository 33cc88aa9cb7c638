// Package planner turns a run specification into dispatched work. It derives
// the dependency graph, filters the frontier through the resume index,
// enqueues ready tasks, and advances the graph on completion events. The
// planner holds the only view of the DAG; workers see individual envelopes
// and nothing else.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-loom/internal/bus"
	"github.com/ahrav/go-loom/internal/costguard"
	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
	"github.com/ahrav/go-loom/internal/manifest"
	"github.com/ahrav/go-loom/internal/router"
	"github.com/ahrav/go-loom/pkg/events"
)

// node is the planner-side state of one task in the graph.
type node struct {
	spec  *domain.TaskSpec
	state domain.NodeState

	// doomed marks a node permanently blocked by an upstream failure.
	// Distinct from NodeFailed: a doomed node never ran.
	doomed bool

	// key is the derived cache identity. Computed lazily when the node
	// becomes ready, because dependent keys include upstream outputs.
	key envelope.TaskKey

	// output is the artifact digest once the node is done.
	output domain.Digest

	// unmet counts dependencies not yet done.
	unmet int

	dependents []string
}

// Planner drives one run from spec to terminal status.
type Planner struct {
	queue   router.Router
	resumer *manifest.Resumer
	log     manifest.Log
	guard   costguard.Guard
	events  bus.Bus
	logger  *slog.Logger

	runID string
	nodes map[string]*node

	// byKey maps a task key to every node it satisfies. Two nodes with
	// identical type, inputs, and params share a key and resolve together.
	byKey map[envelope.TaskKey][]string
}

// New creates a planner over the orchestration backends.
func New(
	queue router.Router,
	resumer *manifest.Resumer,
	log manifest.Log,
	guard costguard.Guard,
	eventBus bus.Bus,
	logger *slog.Logger,
) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		queue:   queue,
		resumer: resumer,
		log:     log,
		guard:   guard,
		events:  eventBus,
		logger:  logger.With("component", "planner"),
	}
}

// Run executes the spec to a terminal status. Submitting a RunID whose
// manifest already holds resolutions resumes the run: resolved tasks are
// satisfied from the manifest and only unresolved work is dispatched.
func (p *Planner) Run(ctx context.Context, spec *domain.RunSpec) (domain.RunStatus, error) {
	if err := spec.Validate(); err != nil {
		return domain.RunFailed, fmt.Errorf("invalid run spec: %w", err)
	}

	limits := spec.Limits
	if limits.CeilingMilliCents == 0 {
		limits = domain.DefaultSpendLimits()
	}
	if err := p.guard.SetCeiling(ctx, spec.RunID, limits.CeilingMilliCents); err != nil {
		return domain.RunFailed, fmt.Errorf("set ceiling: %w", err)
	}

	// Marking the run active is what un-halts a ceiling-halted run on
	// resume, alongside whatever ceiling the caller raised.
	if err := p.log.SetStatus(ctx, spec.RunID, domain.RunActive); err != nil {
		return domain.RunFailed, fmt.Errorf("set run status: %w", err)
	}

	if err := p.resumer.Load(ctx, spec.RunID); err != nil {
		return domain.RunFailed, err
	}

	p.buildGraph(spec)
	p.logger.Info("run starting", "run_id", spec.RunID,
		"tasks", len(p.nodes), "cached", p.resumer.ResolvedCount(),
		"ceiling", limits.CeilingMilliCents.String())

	// Subscribe before the first dispatch so no completion can slip
	// between enqueue and subscription. Replay-from-start makes this
	// forgiving, but there is no reason to rely on it.
	eventCh, subErr := p.events.Subscribe(ctx, spec.RunID)

	status, done, err := p.advance(ctx)
	if err == errCancelled {
		if setErr := p.log.SetStatus(ctx, spec.RunID, domain.RunCancelled); setErr != nil {
			p.logger.Warn("record cancelled status failed", "error", setErr)
		}
		return domain.RunCancelled, nil
	}
	if err != nil || done {
		return status, err
	}

	for {
		select {
		case env, ok := <-eventCh:
			if !ok {
				if err := subErr(); err != nil && ctx.Err() == nil {
					return domain.RunFailed, fmt.Errorf("event subscription lost: %w", err)
				}
				return domain.RunFailed, ctx.Err()
			}
			status, done, err := p.handleEvent(ctx, env)
			if err != nil || done {
				return status, err
			}
		case <-ctx.Done():
			return domain.RunFailed, ctx.Err()
		}
	}
}

// buildGraph materializes nodes and dependency edges from the spec.
func (p *Planner) buildGraph(spec *domain.RunSpec) {
	p.runID = spec.RunID
	p.nodes = make(map[string]*node, len(spec.Tasks))
	p.byKey = make(map[envelope.TaskKey][]string)

	for i := range spec.Tasks {
		t := &spec.Tasks[i]
		p.nodes[t.Name] = &node{spec: t, state: domain.NodeBlocked, unmet: len(t.Needs)}
	}
	for name, n := range p.nodes {
		for _, dep := range n.spec.Needs {
			p.nodes[dep].dependents = append(p.nodes[dep].dependents, name)
		}
	}
}

// advance promotes unblocked nodes to ready and dispatches or cache-resolves
// them, looping until the frontier is quiet. Returns done=true with the
// terminal status when every node has settled.
func (p *Planner) advance(ctx context.Context) (domain.RunStatus, bool, error) {
	for {
		progressed := false
		for name, n := range p.nodes {
			if n.state != domain.NodeBlocked || n.doomed || n.unmet > 0 {
				continue
			}
			n.state = domain.NodeReady
			if err := p.settleReady(ctx, name, n); err != nil {
				return domain.RunFailed, false, err
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	status, done := p.terminalStatus()
	if done {
		if err := p.log.SetStatus(ctx, p.runID, status); err != nil {
			return status, true, fmt.Errorf("record terminal status: %w", err)
		}
		p.logger.Info("run finished", "run_id", p.runID, "status", status)
	}
	return status, done, nil
}

// settleReady derives a ready node's task key, consults the resume index,
// and either satisfies it from cache or dispatches it.
func (p *Planner) settleReady(ctx context.Context, name string, n *node) error {
	inputs, err := p.resolveInputs(n)
	if err != nil {
		return err
	}

	key, err := envelope.BuildTaskKey(n.spec.Type, inputs, n.spec.Params)
	if err != nil {
		return fmt.Errorf("task %q: %w", name, err)
	}
	n.key = key
	p.byKey[key] = append(p.byKey[key], name)

	res, state := p.resumer.Resolve(key)
	switch state {
	case manifest.Resolved:
		if res.Failed {
			p.logger.Info("task failed in manifest, not retrying",
				"task", name, "task_key", key.String())
			p.failNode(name)
			return nil
		}
		p.logger.Info("task satisfied from cache",
			"task", name, "task_key", key.String(), "output", res.Output.String())
		p.completeNode(name, res.Output)
		return nil

	case manifest.Pending:
		// A sibling node with the same key already dispatched this work.
		n.state = domain.NodeDispatched
		return nil
	}

	// Cancel is checked at dispatch, never mid-wait: tasks already on the
	// queue drain via the workers' own status check.
	status, err := p.log.Status(ctx, p.runID)
	if err != nil {
		return fmt.Errorf("check run status: %w", err)
	}
	if status == domain.RunCancelled {
		return errCancelled
	}

	env := &envelope.Envelope{
		RunID:        p.runID,
		TaskKey:      key,
		TaskType:     n.spec.Type,
		InputDigests: inputs,
		Params:       n.spec.Params,
	}
	if err := p.queue.Enqueue(ctx, env); err != nil {
		return fmt.Errorf("dispatch %q: %w", name, err)
	}
	p.resumer.MarkPending(key)
	n.state = domain.NodeDispatched
	p.logger.Info("task dispatched",
		"task", name, "task_key", key.String(), "task_type", n.spec.Type.String())
	return nil
}

// resolveInputs assembles a node's full input list: seed digests from the
// spec followed by each dependency's output, in Needs order.
func (p *Planner) resolveInputs(n *node) ([]domain.Digest, error) {
	inputs := make([]domain.Digest, 0, len(n.spec.Inputs)+len(n.spec.Needs))
	inputs = append(inputs, n.spec.Inputs...)
	for _, dep := range n.spec.Needs {
		d := p.nodes[dep]
		if d.state != domain.NodeDone {
			return nil, fmt.Errorf("task %q ready with unresolved dependency %q", n.spec.Name, dep)
		}
		inputs = append(inputs, d.output)
	}
	return inputs, nil
}

// completeNode marks a node done and releases its dependents.
func (p *Planner) completeNode(name string, output domain.Digest) {
	n := p.nodes[name]
	if n.state.Terminal() {
		return
	}
	n.state = domain.NodeDone
	n.output = output
	for _, dep := range n.dependents {
		p.nodes[dep].unmet--
	}
}

// failNode marks a node failed and dooms its dependents: best-effort
// dependents are skipped, the rest stay blocked forever. A skipped node
// produces no output, so the doom propagates through it the same way.
func (p *Planner) failNode(name string) {
	n := p.nodes[name]
	if n.state.Terminal() {
		return
	}
	n.state = domain.NodeFailed
	p.doomDependents(name)
}

func (p *Planner) doomDependents(name string) {
	for _, depName := range p.nodes[name].dependents {
		dep := p.nodes[depName]
		if dep.state.Terminal() || dep.doomed {
			continue
		}
		if dep.spec.BestEffort {
			dep.state = domain.NodeSkipped
			p.logger.Info("best-effort task skipped", "task", depName, "failed_dependency", name)
		} else {
			dep.doomed = true
			p.logger.Warn("task permanently blocked", "task", depName, "failed_dependency", name)
		}
		p.doomDependents(depName)
	}
}

// terminalStatus reports whether the graph has settled and into what.
// A node is settled when terminal or doomed; a run with any failed or
// doomed node finishes failed.
func (p *Planner) terminalStatus() (domain.RunStatus, bool) {
	anyFailed := false
	for _, n := range p.nodes {
		if n.doomed {
			anyFailed = true
			continue
		}
		if !n.state.Terminal() {
			return domain.RunActive, false
		}
		if n.state == domain.NodeFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		return domain.RunFailed, true
	}
	return domain.RunDone, true
}

// errCancelled is an internal signal: dispatch observed the cancel flag.
var errCancelled = fmt.Errorf("run cancelled")

// handleEvent folds one bus event into the graph and advances it.
func (p *Planner) handleEvent(ctx context.Context, env events.Envelope) (domain.RunStatus, bool, error) {
	switch domain.EventType(env.Type) {
	case domain.EventTaskCompleted:
		var payload domain.TaskCompletedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			p.logger.Error("undecodable completion event", "event_id", env.ID, "error", err)
			return domain.RunActive, false, nil
		}
		p.resumer.Observe(domain.Resolution{
			TaskKey:    payload.TaskKey,
			Output:     payload.Output,
			Cost:       payload.Cost,
			RecordedAt: env.Timestamp,
		})
		for _, name := range p.byKey[envelope.TaskKey(payload.TaskKey)] {
			p.completeNode(name, payload.Output)
		}

	case domain.EventTaskFailed:
		var payload domain.TaskFailedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			p.logger.Error("undecodable failure event", "event_id", env.ID, "error", err)
			return domain.RunActive, false, nil
		}
		p.resumer.Observe(domain.Resolution{
			TaskKey:    payload.TaskKey,
			Failed:     true,
			RecordedAt: env.Timestamp,
		})
		for _, name := range p.byKey[envelope.TaskKey(payload.TaskKey)] {
			p.logger.Warn("task failed", "task", name,
				"task_key", payload.TaskKey, "reason", payload.Reason, "attempts", payload.Attempts)
			p.failNode(name)
		}

	case domain.EventRunHalted:
		// The stream replays from the start on resume, so a halt event
		// may predate this incarnation. The worker flags the run status
		// before publishing; a halt with any other current status is
		// stale.
		status, err := p.log.Status(ctx, p.runID)
		if err != nil {
			return domain.RunFailed, false, fmt.Errorf("check run status: %w", err)
		}
		if status != domain.RunHalted {
			p.logger.Debug("ignoring stale halt event", "event_id", env.ID)
			return domain.RunActive, false, nil
		}
		var payload domain.RunHaltedPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			p.logger.Warn("run halted", "run_id", p.runID, "reason", payload.Reason)
		}
		// Stop dispatching and surface the halt. Queued tasks drain
		// through the workers' status check.
		return domain.RunHalted, true, nil

	default:
		p.logger.Debug("ignoring event", "type", env.Type, "event_id", env.ID)
		return domain.RunActive, false, nil
	}

	status, done, err := p.advance(ctx)
	if err == errCancelled {
		if setErr := p.log.SetStatus(ctx, p.runID, domain.RunCancelled); setErr != nil {
			p.logger.Warn("record cancelled status failed", "error", setErr)
		}
		return domain.RunCancelled, true, nil
	}
	return status, done, err
}

// Cancel flags a run cancelled. The planner stops dispatching at its next
// frontier pass and workers park queued tasks on the dead-letter queue.
func Cancel(ctx context.Context, log manifest.Log, runID string) error {
	return log.SetStatus(ctx, runID, domain.RunCancelled)
}

// Summary reports a run's terminal accounting for CLI output.
type Summary struct {
	RunID     string            `json:"run_id"`
	Status    domain.RunStatus  `json:"status"`
	Spent     domain.MilliCents `json:"spent"`
	Resolved  int               `json:"resolved"`
	Tasks     int               `json:"tasks"`
	Completed time.Time         `json:"completed"`
}

// Summarize collects the run's final accounting.
func (p *Planner) Summarize(ctx context.Context, status domain.RunStatus) (Summary, error) {
	spent, err := p.guard.Spent(ctx, p.runID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		RunID:     p.runID,
		Status:    status,
		Spent:     spent,
		Resolved:  p.resumer.ResolvedCount(),
		Tasks:     len(p.nodes),
		Completed: time.Now().UTC(),
	}, nil
}
