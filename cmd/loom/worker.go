package main

import (
	"github.com/spf13/cobra"

	"github.com/ahrav/go-loom/internal/bus"
	"github.com/ahrav/go-loom/internal/costguard"
	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/gateway"
	"github.com/ahrav/go-loom/internal/manifest"
	"github.com/ahrav/go-loom/internal/router"
	"github.com/ahrav/go-loom/internal/worker"
)

// newWorkerCmd hosts a worker pool until interrupted.
func newWorkerCmd(a *app) *cobra.Command {
	var taskTypes []string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool claiming tasks from the queue",
		Long: `Run a stateless worker pool. Workers claim envelopes for the declared
task types, fetch inputs from the artifact store, execute inside a cost
reservation, and record resolutions in the run manifest. Kill the process
at any point; unacknowledged work is redelivered after its lease expires.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			blobs, err := a.blobStore()
			if err != nil {
				return err
			}

			rdb := a.redisClient()
			defer rdb.Close()

			agent := worker.NewAgent(
				worker.Config{
					Group:       a.cfg.Worker.Group,
					Concurrency: a.cfg.Worker.Concurrency,
				},
				router.NewRedis(rdb, router.Config{
					KeyPrefix:    a.cfg.KeyPrefix,
					LeaseTimeout: a.cfg.Router.LeaseTimeout,
					MaxAttempts:  a.cfg.Router.MaxAttempts,
					ClaimBlock:   a.cfg.Router.ClaimBlock,
				}, a.logger),
				blobs,
				manifest.NewRedis(rdb, a.cfg.KeyPrefix, a.logger),
				costguard.NewRedis(rdb, a.cfg.KeyPrefix, a.logger),
				bus.NewRedis(rdb, a.cfg.KeyPrefix, a.logger),
				a.logger,
			)

			types := make([]domain.TaskType, 0, len(taskTypes))
			for _, t := range taskTypes {
				types = append(types, domain.TaskType(t))
			}

			// The scripted gateway is the only one bundled with the CLI;
			// production deployments register their own executors through
			// the worker package.
			prices := gateway.DefaultPriceTable()
			gw := gateway.WithRetry(gateway.NewScripted(prices), gateway.DefaultRetryPolicy(), a.logger)
			if err := agent.Register(worker.NewLLMExecutor(gw, prices, types...)); err != nil {
				return err
			}

			return agent.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&taskTypes, "task-types", []string{"llm"},
		"task types this worker pool executes")
	return cmd
}
