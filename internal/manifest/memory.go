package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
)

// Memory implements Log in process memory, mirroring the Redis semantics:
// append-order replay, first-write-wins index, and a status flag. Backs
// planner and worker tests and single-process development runs.
type Memory struct {
	mu       sync.RWMutex
	logs     map[string][]domain.Resolution
	indexes  map[string]map[envelope.TaskKey]domain.Resolution
	statuses map[string]domain.RunStatus
}

// NewMemory creates an in-memory manifest log.
func NewMemory() *Memory {
	return &Memory{
		logs:     make(map[string][]domain.Resolution),
		indexes:  make(map[string]map[envelope.TaskKey]domain.Resolution),
		statuses: make(map[string]domain.RunStatus),
	}
}

// Append records the resolution in the log and, first-write-wins, the index.
func (m *Memory) Append(_ context.Context, runID string, res domain.Resolution) error {
	if res.RecordedAt.IsZero() {
		res.RecordedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[runID] = append(m.logs[runID], res)

	idx, ok := m.indexes[runID]
	if !ok {
		idx = make(map[envelope.TaskKey]domain.Resolution)
		m.indexes[runID] = idx
	}
	key := envelope.TaskKey(res.TaskKey)
	if _, seen := idx[key]; !seen {
		idx[key] = res
	}
	return nil
}

// Lookup fetches one task key's resolution from the index.
func (m *Memory) Lookup(_ context.Context, runID string, key envelope.TaskKey) (domain.Resolution, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.indexes[runID][key]
	return res, ok, nil
}

// Replay returns the run's resolutions in append order.
func (m *Memory) Replay(_ context.Context, runID string) ([]domain.Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Resolution, len(m.logs[runID]))
	copy(out, m.logs[runID])
	return out, nil
}

// SetStatus persists the run status flag.
func (m *Memory) SetStatus(_ context.Context, runID string, status domain.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[runID] = status
	return nil
}

// Status reads the run status flag; unknown runs report RunActive.
func (m *Memory) Status(_ context.Context, runID string) (domain.RunStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.statuses[runID]; ok {
		return status, nil
	}
	return domain.RunActive, nil
}

// EntryCount reports the number of log entries for a run. Test hook.
func (m *Memory) EntryCount(runID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs[runID])
}
