package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-loom/internal/store"
)

// newStoreCmd serves the artifact store over HTTP.
func newStoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Serve the artifact store over HTTP",
		Long: `Serve the configured artifact store backend over the HTTP API consumed
by remote planners and workers (PUT /artifacts, GET /artifacts/{hash},
HEAD /artifacts/{hash}).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := a.localStore()
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              a.cfg.Store.ListenAddr,
				Handler:           store.NewServer(backend, a.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.logger.Info("artifact store serving", "addr", a.cfg.Store.ListenAddr,
				"backend", a.cfg.Store.Backend)

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
		},
	}
}

// newPutCmd uploads files to the artifact store and prints their digests,
// for seeding run spec inputs.
func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>...",
		Short: "Upload files to the artifact store and print their digests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blobs, err := a.blobStore()
			if err != nil {
				return err
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				ref, err := blobs.Put(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("store %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", ref.Digest, path)
			}
			return nil
		},
	}
}
