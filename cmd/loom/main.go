// Command loom is the pipeline orchestrator CLI: submit and resume runs,
// cancel them, serve the artifact store, and host worker pools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ahrav/go-loom/internal/configuration"
	"github.com/ahrav/go-loom/internal/store"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Exit codes for the run and resume commands.
const (
	exitDone   = 0
	exitFailed = 1
	exitHalted = 2
)

// app carries the shared wiring every command builds on.
type app struct {
	cfg    configuration.Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Durable pipeline orchestrator for paid, resumable task graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configuration.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newCancelCmd(a),
		newWorkerCmd(a),
		newStoreCmd(a),
		newPutCmd(a),
		newVersionCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		if ec, ok := err.(*exitError); ok {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, ec.msg)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitFailed)
	}
}

// exitError carries a specific process exit code out of a cobra command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// newLogger builds the process slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// redisClient connects to the shared Redis instance.
func (a *app) redisClient() redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
}

// blobStore builds the artifact store handle for this process: a remote
// client when a base URL is configured, the local backend otherwise.
func (a *app) blobStore() (store.Store, error) {
	if a.cfg.Store.BaseURL != "" {
		return store.NewClient(a.cfg.Store.BaseURL, nil, store.DefaultRetryPolicy(), a.logger), nil
	}
	return a.localStore()
}

// localStore builds the configured local store backend.
func (a *app) localStore() (store.Store, error) {
	switch a.cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.NewFS(a.cfg.Store.Root, a.logger)
	}
}
