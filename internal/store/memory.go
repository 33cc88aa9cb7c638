package store

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// Memory provides in-memory content-addressed storage for development and
// tests. Production deployments use the filesystem store, optionally fronted
// by the HTTP server for cross-machine access.
type Memory struct {
	mu      sync.RWMutex
	blobs   map[domain.Digest][]byte
	refs    map[domain.Digest]domain.ArtifactRef
	now     func() time.Time
	putOnce map[domain.Digest]int // write counts, for idempotency assertions in tests
}

// NewMemory creates an empty in-memory artifact store.
func NewMemory() *Memory {
	return &Memory{
		blobs:   make(map[domain.Digest][]byte),
		refs:    make(map[domain.Digest]domain.ArtifactRef),
		now:     time.Now,
		putOnce: make(map[domain.Digest]int),
	}
}

// Put stores content keyed by its digest. Re-putting identical bytes is a
// no-op that returns the original reference.
func (m *Memory) Put(_ context.Context, data []byte) (domain.ArtifactRef, error) {
	digest := domain.ComputeDigest(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ref, ok := m.refs[digest]; ok {
		return ref, nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	ref := domain.ArtifactRef{
		Digest:   digest,
		Size:     int64(len(data)),
		StoredAt: m.now().UTC(),
	}
	m.blobs[digest] = stored
	m.refs[digest] = ref
	m.putOnce[digest]++
	return ref, nil
}

// Get retrieves content by digest, returning a defensive copy.
func (m *Memory) Get(_ context.Context, digest domain.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[digest]
	if !ok {
		return nil, taskerrors.ErrArtifactNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Exists checks presence without retrieval.
func (m *Memory) Exists(_ context.Context, digest domain.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[digest]
	return ok, nil
}

// WriteCount reports how many distinct writes a digest received.
// Test hook for the put-idempotency property; always 0 or 1.
func (m *Memory) WriteCount(digest domain.Digest) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.putOnce[digest]
}

// Len reports the number of stored artifacts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
