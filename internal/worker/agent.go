package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-loom/internal/bus"
	"github.com/ahrav/go-loom/internal/costguard"
	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
	"github.com/ahrav/go-loom/internal/manifest"
	"github.com/ahrav/go-loom/internal/router"
	"github.com/ahrav/go-loom/internal/store"
	"github.com/ahrav/go-loom/internal/taskerrors"
	"github.com/ahrav/go-loom/pkg/events"
)

// Config controls one worker process.
type Config struct {
	// Group is the consumer group shared by every worker competing for
	// the same task types.
	Group string

	// WorkerID names this process within the group. Defaults to
	// "<hostname>-<uuid>" so restarted workers never collide.
	WorkerID string

	// Concurrency is the number of parallel claim loops.
	Concurrency int
}

// withDefaults fills zero fields with usable values.
func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "loom-workers"
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		c.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Agent is the worker harness: a registry of executors plus the claim loop
// that drives them through the queue, store, manifest, and cost guard.
type Agent struct {
	cfg    Config
	queue  router.Router
	blobs  store.Store
	log    manifest.Log
	guard  costguard.Guard
	events bus.Bus
	logger *slog.Logger

	executors map[domain.TaskType]Executor
	types     []domain.TaskType
}

// NewAgent creates a worker agent. Executors are added with Register
// before Run.
func NewAgent(
	cfg Config,
	queue router.Router,
	blobs store.Store,
	log manifest.Log,
	guard costguard.Guard,
	eventBus bus.Bus,
	logger *slog.Logger,
) *Agent {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:       cfg,
		queue:     queue,
		blobs:     blobs,
		log:       log,
		guard:     guard,
		events:    eventBus,
		logger:    logger.With("component", "worker", "worker_id", cfg.WorkerID),
		executors: make(map[domain.TaskType]Executor),
	}
}

// Register adds an executor for every task type it declares. Registering
// two executors for the same type is a programming error.
func (a *Agent) Register(exec Executor) error {
	for _, t := range exec.TaskTypes() {
		if _, dup := a.executors[t]; dup {
			return fmt.Errorf("duplicate executor for task type %q", t)
		}
		a.executors[t] = exec
		a.types = append(a.types, t)
	}
	return nil
}

// Run claims and processes tasks until ctx is cancelled. It returns nil on
// clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	if len(a.types) == 0 {
		return taskerrors.ErrNoExecutor
	}
	a.logger.Info("worker starting",
		"group", a.cfg.Group, "concurrency", a.cfg.Concurrency, "task_types", len(a.types))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", a.cfg.WorkerID, i)
		g.Go(func() error { return a.claimLoop(ctx, consumer) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// claimLoop is one consumer's claim-process cycle.
func (a *Agent) claimLoop(ctx context.Context, consumer string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d, err := a.queue.Claim(ctx, a.cfg.Group, consumer, a.types)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("claim failed, backing off", "consumer", consumer, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if d == nil {
			continue
		}

		if err := a.process(ctx, d); err != nil {
			// Processing errors are already routed to nack or dead-letter;
			// reaching here means the routing itself failed. The lease will
			// expire and the message will be redelivered.
			a.logger.Error("delivery handling failed, abandoning lease",
				"task_key", d.Env.TaskKey, "message_id", d.MessageID(), "error", err)
		}
	}
}

// process drives one delivery to ack, nack, or dead-letter.
func (a *Agent) process(ctx context.Context, d *router.Delivery) error {
	env := d.Env
	logger := a.logger.With(
		"run_id", env.RunID, "task_key", env.TaskKey, "task_type", env.TaskType, "attempt", env.Attempt)

	status, err := a.log.Status(ctx, env.RunID)
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	switch status {
	case domain.RunCancelled:
		logger.Info("run cancelled, parking task")
		return a.queue.DeadLetter(ctx, d, "run cancelled")
	case domain.RunHalted:
		logger.Info("run halted, parking task")
		return a.queue.DeadLetter(ctx, d, "run halted")
	}

	if d.Exhausted {
		logger.Warn("attempt budget exhausted, recording terminal failure")
		return a.failTerminal(ctx, d, "delivery attempts exhausted", logger)
	}

	// Redelivered work that already resolved is acknowledged without
	// executing or charging anything again.
	if res, found, err := a.log.Lookup(ctx, env.RunID, env.TaskKey); err != nil {
		return fmt.Errorf("manifest lookup: %w", err)
	} else if found {
		logger.Info("task already resolved, acking redelivery", "failed", res.Failed)
		if err := a.publishResolution(ctx, env, res); err != nil {
			logger.Warn("republish of resolved task event failed", "error", err)
		}
		return a.queue.Ack(ctx, d)
	}

	exec, ok := a.executors[env.TaskType]
	if !ok {
		// Claim filters on registered types, so this indicates a
		// misconfigured deployment rather than a bad task.
		logger.Error("no executor registered for claimed type")
		_, err := a.queue.Nack(ctx, d, taskerrors.ErrNoExecutor.Error())
		return err
	}

	job, err := a.loadJob(ctx, d)
	if err != nil {
		// A missing input cannot appear on redelivery, and a corrupt one
		// stays corrupt. Neither warrants another attempt.
		if errors.Is(err, taskerrors.ErrArtifactNotFound) || taskerrors.IsIntegrity(err) {
			return a.failTerminal(ctx, d, err.Error(), logger)
		}
		return a.nack(ctx, d, err, logger)
	}

	estimate, err := exec.Estimate(job)
	if err != nil {
		return a.failTerminal(ctx, d, fmt.Sprintf("estimate: %v", err), logger)
	}

	var reservation costguard.Reservation
	if estimate > 0 {
		reservation, err = a.guard.Reserve(ctx, env.RunID, estimate)
		if err != nil {
			if taskerrors.IsCeiling(err) {
				return a.haltRun(ctx, d, err, logger)
			}
			return a.nack(ctx, d, err, logger)
		}
	}

	result, err := exec.Execute(ctx, job)
	if err != nil {
		if relErr := a.guard.Release(ctx, reservation); relErr != nil {
			logger.Warn("reservation release failed", "error", relErr)
		}
		if taskerrors.IsTerminalExecution(err) {
			return a.failTerminal(ctx, d, err.Error(), logger)
		}
		return a.nack(ctx, d, err, logger)
	}

	ref, err := a.blobs.Put(ctx, result.Output)
	if err != nil {
		if relErr := a.guard.Release(ctx, reservation); relErr != nil {
			logger.Warn("reservation release failed", "error", relErr)
		}
		if taskerrors.IsIntegrity(err) {
			logger.Error("storage integrity violation on output write", "error", err)
			return a.failTerminal(ctx, d, err.Error(), logger)
		}
		return a.nack(ctx, d, err, logger)
	}

	res := domain.Resolution{
		TaskKey:    string(env.TaskKey),
		Output:     ref.Digest,
		Cost:       result.Cost,
		RecordedAt: time.Now().UTC(),
	}
	if err := a.log.Append(ctx, env.RunID, res); err != nil {
		// The artifact is stored but the resolution is not durable yet.
		// Redelivery re-executes; the idempotent Put makes that safe.
		if relErr := a.guard.Release(ctx, reservation); relErr != nil {
			logger.Warn("reservation release failed", "error", relErr)
		}
		return a.nack(ctx, d, err, logger)
	}

	if err := a.guard.Settle(ctx, reservation, result.Cost); err != nil {
		// The reservation stays in-flight, which constrains the ceiling
		// further rather than loosening it. Log and move on.
		logger.Warn("settle failed, reservation left in-flight", "error", err)
	}

	if err := a.publishResolution(ctx, env, res); err != nil {
		// The planner depends on this event. Nack so the redelivery takes
		// the cache path above and publishes again without re-executing.
		logger.Warn("completion event publish failed", "error", err)
		return a.nack(ctx, d, err, logger)
	}

	logger.Info("task completed", "output", ref.Digest, "cost", res.Cost.String())
	return a.queue.Ack(ctx, d)
}

// loadJob fetches the envelope's input artifacts in digest order.
func (a *Agent) loadJob(ctx context.Context, d *router.Delivery) (Job, error) {
	inputs := make([][]byte, len(d.Env.InputDigests))
	for i, digest := range d.Env.InputDigests {
		data, err := a.blobs.Get(ctx, digest)
		if err != nil {
			return Job{}, fmt.Errorf("input %s: %w", digest, err)
		}
		inputs[i] = data
	}
	return Job{Env: d.Env, Inputs: inputs}, nil
}

// nack returns the delivery for redelivery; when the attempt budget is
// exhausted the router dead-letters it and we record the terminal failure.
func (a *Agent) nack(ctx context.Context, d *router.Delivery, cause error, logger *slog.Logger) error {
	exhausted, err := a.queue.Nack(ctx, d, cause.Error())
	if err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	if exhausted {
		logger.Warn("attempt budget exhausted on nack, recording terminal failure", "cause", cause)
		return a.recordFailure(ctx, d, cause.Error(), logger)
	}
	logger.Info("task nacked for redelivery", "cause", cause)
	return nil
}

// failTerminal parks the delivery and records its terminal failure.
func (a *Agent) failTerminal(ctx context.Context, d *router.Delivery, reason string, logger *slog.Logger) error {
	if err := a.recordFailure(ctx, d, reason, logger); err != nil {
		return err
	}
	return a.queue.DeadLetter(ctx, d, reason)
}

// recordFailure appends a failed resolution and emits TaskFailed. The
// manifest index is first-write-wins, so a racing success is never
// overwritten.
func (a *Agent) recordFailure(ctx context.Context, d *router.Delivery, reason string, logger *slog.Logger) error {
	env := d.Env
	res := domain.Resolution{
		TaskKey:    string(env.TaskKey),
		Failed:     true,
		RecordedAt: time.Now().UTC(),
	}
	if err := a.log.Append(ctx, env.RunID, res); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	payload := domain.TaskFailedPayload{
		TaskKey:  string(env.TaskKey),
		TaskType: env.TaskType,
		Reason:   reason,
		Attempts: env.Attempt,
	}
	if err := a.emit(ctx, env.RunID, domain.EventTaskFailed, string(env.TaskKey), payload); err != nil {
		logger.Warn("failure event publish failed", "error", err)
	}
	return nil
}

// haltRun reacts to a ceiling denial: flag the run halted, emit RunHalted,
// and park the delivery without consuming its attempt budget. Resume with
// a higher ceiling re-enqueues the task fresh.
func (a *Agent) haltRun(ctx context.Context, d *router.Delivery, cause error, logger *slog.Logger) error {
	env := d.Env
	logger.Warn("cost ceiling reached, halting run", "cause", cause)

	if err := a.log.SetStatus(ctx, env.RunID, domain.RunHalted); err != nil {
		return fmt.Errorf("set halted status: %w", err)
	}

	payload := domain.RunHaltedPayload{
		RunID:  env.RunID,
		Status: domain.RunHalted,
		Reason: cause.Error(),
	}
	if err := a.emit(ctx, env.RunID, domain.EventRunHalted, env.RunID, payload); err != nil {
		logger.Warn("halt event publish failed", "error", err)
	}

	return a.queue.DeadLetter(ctx, d, "cost ceiling reached")
}

// publishResolution emits the terminal event matching a recorded
// resolution. Deduplication is the subscriber's job, keyed on the task key.
func (a *Agent) publishResolution(ctx context.Context, env *envelope.Envelope, res domain.Resolution) error {
	if res.Failed {
		payload := domain.TaskFailedPayload{
			TaskKey:  res.TaskKey,
			TaskType: env.TaskType,
			Reason:   "recorded terminal failure",
			Attempts: env.Attempt,
		}
		return a.emit(ctx, env.RunID, domain.EventTaskFailed, res.TaskKey, payload)
	}
	payload := domain.TaskCompletedPayload{
		TaskKey:  res.TaskKey,
		TaskType: env.TaskType,
		Output:   res.Output,
		Cost:     res.Cost,
		WorkerID: a.cfg.WorkerID,
		Attempt:  env.Attempt,
	}
	return a.emit(ctx, env.RunID, domain.EventTaskCompleted, res.TaskKey, payload)
}

// emit publishes one event envelope on the run's stream.
func (a *Agent) emit(ctx context.Context, runID string, eventType domain.EventType, idempotencyKey string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return a.events.Publish(ctx, events.Envelope{
		ID:             uuid.NewString(),
		Type:           string(eventType),
		Source:         "worker",
		Version:        1,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
		RunID:          runID,
		Payload:        raw,
	})
}
