// Package store provides content-addressable artifact storage: put bytes,
// get a digest; get bytes by digest. The store has no knowledge of content
// type: binary in, binary out. Identical bytes always resolve to the same
// digest, so deduplication is a property of the addressing scheme rather
// than a policy any implementation has to enforce.
package store

import (
	"context"
	"log/slog"

	"github.com/ahrav/go-loom/internal/domain"
)

// Store is the artifact store contract shared by the planner, workers, and
// the resume manager.
//
// Put is idempotent: storing identical bytes twice returns the same digest
// and performs no duplicate write. Get never returns partial or wrong bytes;
// backends that cannot satisfy a read fail with a retryable error, and a
// digest mismatch after a read or write is a fatal integrity error.
type Store interface {
	// Put stores content and returns its reference. The returned digest
	// is computed over the raw bytes with SHA-256.
	Put(ctx context.Context, data []byte) (domain.ArtifactRef, error)

	// Get retrieves content by digest. Returns
	// taskerrors.ErrArtifactNotFound when no such content exists.
	Get(ctx context.Context, digest domain.Digest) ([]byte, error)

	// Exists checks content presence without retrieval.
	Exists(ctx context.Context, digest domain.Digest) (bool, error)
}

// componentLogger returns a logger scoped to a store implementation,
// falling back to the process default when nil.
func componentLogger(logger *slog.Logger, impl string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "store", "impl", impl)
}
