package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// shardPrefixLen is the number of hex characters used as the shard
	// directory name, bounding per-directory entry counts.
	shardPrefixLen = 2
)

// FS is a filesystem-backed content-addressed store. Content for digest
// "abcd..." lives at <root>/ab/abcd...; writes go through a temp file and
// an atomic rename so a crash mid-write never leaves a partial artifact
// under its final name.
type FS struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFS creates a filesystem store rooted at dir, creating it if needed.
func NewFS(dir string, logger *slog.Logger) (*FS, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FS{
		root:   dir,
		logger: componentLogger(logger, "fs"),
		now:    time.Now,
	}, nil
}

// Put stores content keyed by its digest. An existing artifact for the same
// digest short-circuits the write; concurrent writers of identical bytes
// race harmlessly because both rename byte-identical files into place.
func (s *FS) Put(ctx context.Context, data []byte) (domain.ArtifactRef, error) {
	digest := domain.ComputeDigest(data)
	path := s.pathFor(digest)

	if info, err := os.Stat(path); err == nil {
		return domain.ArtifactRef{
			Digest:   digest,
			Size:     info.Size(),
			StoredAt: info.ModTime().UTC(),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return domain.ArtifactRef{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return domain.ArtifactRef{}, &taskerrors.TransientError{Component: "store", Err: err}
	}

	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return domain.ArtifactRef{}, &taskerrors.TransientError{Component: "store", Err: err}
	}

	// Verify before rename: a torn write must never become addressable.
	written, err := os.ReadFile(tmp)
	if err == nil && domain.ComputeDigest(written) != digest {
		_ = os.Remove(tmp)
		return domain.ArtifactRef{}, &taskerrors.IntegrityError{
			Subject: digest.String(),
			Detail:  "digest mismatch after write",
		}
	}
	if err != nil {
		_ = os.Remove(tmp)
		return domain.ArtifactRef{}, &taskerrors.TransientError{Component: "store", Err: err}
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return domain.ArtifactRef{}, &taskerrors.TransientError{Component: "store", Err: err}
	}

	s.logger.Debug("artifact stored", "digest", digest.String(), "size", len(data))
	return domain.ArtifactRef{
		Digest:   digest,
		Size:     int64(len(data)),
		StoredAt: s.now().UTC(),
	}, nil
}

// Get retrieves content by digest and verifies it on the way out.
// A corrupt blob is an integrity error, not a cache miss.
func (s *FS) Get(ctx context.Context, digest domain.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.pathFor(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, taskerrors.ErrArtifactNotFound
	}
	if err != nil {
		return nil, &taskerrors.TransientError{Component: "store", Err: err}
	}

	if domain.ComputeDigest(data) != digest {
		return nil, &taskerrors.IntegrityError{
			Subject: digest.String(),
			Detail:  "stored bytes do not match digest",
		}
	}
	return data, nil
}

// Exists checks presence without reading content.
func (s *FS) Exists(ctx context.Context, digest domain.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.pathFor(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &taskerrors.TransientError{Component: "store", Err: err}
	}
	return true, nil
}

// pathFor maps a digest to its sharded on-disk location.
func (s *FS) pathFor(digest domain.Digest) string {
	hex := digest.String()
	return filepath.Join(s.root, hex[:shardPrefixLen], hex)
}
