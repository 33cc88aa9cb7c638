package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-loom/internal/bus"
	"github.com/ahrav/go-loom/internal/costguard"
	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/manifest"
	"github.com/ahrav/go-loom/internal/planner"
	"github.com/ahrav/go-loom/internal/router"
)

// newRunCmd submits a run spec and drives it to a terminal status.
func newRunCmd(a *app) *cobra.Command {
	var ceilingCents int64

	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Submit a run and wait for it to finish",
		Long: `Submit a run specification and drive it to a terminal status.

Resubmitting a run ID whose manifest already holds resolutions resumes the
run: resolved tasks are satisfied from the manifest and only unresolved work
is dispatched. Exit code 0 means done, 1 failed or cancelled, 2 halted at
the cost ceiling.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.executeRun(cmd, args[0], ceilingCents)
		},
	}
	cmd.Flags().Int64Var(&ceilingCents, "cost-ceiling-cents", 0,
		"override the run's spend ceiling, in cents (0 = spec or config value)")
	return cmd
}

// newResumeCmd is run with resume-first documentation; the manifest makes
// the two operations identical.
func newResumeCmd(a *app) *cobra.Command {
	var ceilingCents int64

	cmd := &cobra.Command{
		Use:   "resume <spec.yaml>",
		Short: "Resume a previously halted, failed, or interrupted run",
		Long: `Resume a run from its manifest. Completed tasks are satisfied from the
recorded resolutions; only unresolved work is dispatched. Raise the ceiling
with --cost-ceiling-cents to resume past a cost halt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.executeRun(cmd, args[0], ceilingCents)
		},
	}
	cmd.Flags().Int64Var(&ceilingCents, "cost-ceiling-cents", 0,
		"override the run's spend ceiling, in cents (0 = spec or config value)")
	return cmd
}

// executeRun loads the spec, wires the planner, and maps the terminal
// status onto the process exit code.
func (a *app) executeRun(cmd *cobra.Command, specPath string, ceilingCents int64) error {
	spec, err := loadRunSpec(specPath)
	if err != nil {
		return err
	}
	if ceilingCents > 0 {
		spec.Limits.CeilingMilliCents = domain.MilliCents(ceilingCents) * domain.MilliCentsPerCent
	}
	if spec.Limits.CeilingMilliCents == 0 {
		spec.Limits = a.cfg.Limits
	}

	blobs, err := a.blobStore()
	if err != nil {
		return err
	}

	rdb := a.redisClient()
	defer rdb.Close()

	log := manifest.NewRedis(rdb, a.cfg.KeyPrefix, a.logger)
	p := planner.New(
		router.NewRedis(rdb, router.Config{
			KeyPrefix:    a.cfg.KeyPrefix,
			LeaseTimeout: a.cfg.Router.LeaseTimeout,
			MaxAttempts:  a.cfg.Router.MaxAttempts,
			ClaimBlock:   a.cfg.Router.ClaimBlock,
		}, a.logger),
		manifest.NewResumer(log, blobs, a.logger),
		log,
		costguard.NewRedis(rdb, a.cfg.KeyPrefix, a.logger),
		bus.NewRedis(rdb, a.cfg.KeyPrefix, a.logger),
		a.logger,
	)

	status, err := p.Run(cmd.Context(), spec)
	if err != nil {
		return err
	}

	summary, err := p.Summarize(cmd.Context(), status)
	if err != nil {
		a.logger.Warn("summary unavailable", "error", err)
		summary = planner.Summary{RunID: spec.RunID, Status: status}
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	switch status {
	case domain.RunDone:
		return nil
	case domain.RunHalted:
		return &exitError{code: exitHalted, msg: "run halted at cost ceiling"}
	default:
		return &exitError{code: exitFailed, msg: "run finished " + string(status)}
	}
}

// newCancelCmd flags a run cancelled.
func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Long: `Flag a run cancelled. The planner stops dispatching at its next frontier
pass; queued tasks drain to the dead-letter queue when workers observe the
flag. Already-claimed tasks finish their current attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := a.redisClient()
			defer rdb.Close()
			log := manifest.NewRedis(rdb, a.cfg.KeyPrefix, a.logger)
			if err := planner.Cancel(cmd.Context(), log, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "run", args[0], "cancelled")
			return nil
		},
	}
}

// loadRunSpec parses and validates a YAML run specification.
func loadRunSpec(path string) (*domain.RunSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	var spec domain.RunSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}
	return &spec, nil
}
