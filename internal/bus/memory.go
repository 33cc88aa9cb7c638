package bus

import (
	"context"
	"sync"

	"github.com/ahrav/go-loom/pkg/events"
)

// Memory implements Bus in process memory with the same replay-then-follow
// semantics as the Redis implementation: each subscriber walks the run's
// append-only log with its own cursor, so no event is ever dropped on a
// slow consumer. Backs planner and worker tests and single-process
// development runs.
type Memory struct {
	mu   sync.Mutex
	cond *sync.Cond
	logs map[string][]events.Envelope
}

// NewMemory creates an in-memory event bus.
func NewMemory() *Memory {
	m := &Memory{logs: make(map[string][]events.Envelope)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish appends the event to the run's log and wakes subscribers.
func (m *Memory) Publish(_ context.Context, env events.Envelope) error {
	m.mu.Lock()
	m.logs[env.RunID] = append(m.logs[env.RunID], env)
	m.mu.Unlock()
	m.cond.Broadcast()
	return nil
}

// Subscribe replays the run's log from the beginning, then follows new
// events until ctx is cancelled.
func (m *Memory) Subscribe(ctx context.Context, runID string) (<-chan events.Envelope, func() error) {
	out := make(chan events.Envelope)

	// Wake the cursor goroutine out of cond.Wait when ctx ends.
	go func() {
		<-ctx.Done()
		m.cond.Broadcast()
	}()

	go func() {
		defer close(out)

		cursor := 0
		for {
			m.mu.Lock()
			for cursor >= len(m.logs[runID]) && ctx.Err() == nil {
				m.cond.Wait()
			}
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			env := m.logs[runID][cursor]
			cursor++
			m.mu.Unlock()

			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() error { return nil }
}

// Events returns a copy of a run's event log. Test hook.
func (m *Memory) Events(runID string) []events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Envelope, len(m.logs[runID]))
	copy(out, m.logs[runID])
	return out
}
