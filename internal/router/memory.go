package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
)

// DeadEntry is one terminally parked message on an in-memory dead-letter
// queue, exposed for tests and inspection tooling.
type DeadEntry struct {
	Env    *envelope.Envelope
	Reason string
	DeadAt time.Time
}

// pendingEntry tracks a claimed message awaiting acknowledgment.
type pendingEntry struct {
	env      *envelope.Envelope
	id       string
	deadline time.Time
	token    string
}

// Memory implements Router in process memory with the same semantics as the
// Redis implementation: FIFO per task type, leases, bounded attempts, and
// dead-lettering. It backs planner and worker tests and single-process
// development runs. The clock is injectable so lease expiry is testable
// without sleeping.
type Memory struct {
	mu     sync.Mutex
	cfg    Config
	queues map[domain.TaskType][]*envelope.Envelope
	// pending is keyed by message ID; entries whose deadline passed are
	// eligible for reclaim by any consumer in the (single, implicit)
	// group.
	pending map[string]*pendingEntry
	dead    map[domain.TaskType][]DeadEntry
	nextID  int
	now     func() time.Time
}

// NewMemory creates an in-memory router.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		queues:  make(map[domain.TaskType][]*envelope.Envelope),
		pending: make(map[string]*pendingEntry),
		dead:    make(map[domain.TaskType][]DeadEntry),
		now:     time.Now,
	}
}

// SetClock replaces the router's clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Enqueue appends the envelope to its task type's queue.
func (m *Memory) Enqueue(_ context.Context, env *envelope.Envelope) error {
	if env.Attempt == 0 {
		env.Attempt = 1
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *env
	m.queues[env.TaskType] = append(m.queues[env.TaskType], &clone)
	return nil
}

// Claim returns the next available envelope for the given types, reclaiming
// expired leases first. Polls in short slices up to Config.ClaimBlock so
// context cancellation is honored promptly.
func (m *Memory) Claim(ctx context.Context, _, _ string, types []domain.TaskType) (*Delivery, error) {
	const pollSlice = 10 * time.Millisecond

	deadline := time.Now().Add(m.cfg.ClaimBlock)
	for {
		if d := m.tryClaim(types); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollSlice):
		}
	}
}

// tryClaim attempts a single non-blocking claim.
func (m *Memory) tryClaim(types []domain.TaskType) *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[domain.TaskType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	// Expired leases first, mirroring the Redis claim order.
	for id, p := range m.pending {
		if !wanted[p.env.TaskType] || m.now().Before(p.deadline) {
			continue
		}
		p.env.Attempt++
		p.deadline = m.now().Add(m.cfg.LeaseTimeout)
		p.token = uuid.NewString()
		return m.deliveryFor(p, id)
	}

	for _, t := range types {
		q := m.queues[t]
		if len(q) == 0 {
			continue
		}
		env := q[0]
		m.queues[t] = q[1:]

		m.nextID++
		id := uuid.NewString()
		p := &pendingEntry{
			env:      env,
			id:       id,
			deadline: m.now().Add(m.cfg.LeaseTimeout),
			token:    uuid.NewString(),
		}
		m.pending[id] = p
		return m.deliveryFor(p, id)
	}
	return nil
}

// deliveryFor builds the caller-facing delivery for a pending entry.
// Callers hold m.mu.
func (m *Memory) deliveryFor(p *pendingEntry, id string) *Delivery {
	clone := *p.env
	return &Delivery{
		Env:        &clone,
		LeaseToken: p.token,
		Exhausted:  p.env.Attempt > m.cfg.MaxAttempts,
		id:         id,
	}
}

// Ack acknowledges the delivery if its lease is still current.
func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[d.id]
	if !ok || p.token != d.LeaseToken {
		return nil // Stale holder; the message moved on without us.
	}
	delete(m.pending, d.id)
	return nil
}

// Nack requeues the message with an incremented attempt, or dead-letters it
// when the attempt budget is spent.
func (m *Memory) Nack(_ context.Context, d *Delivery, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[d.id]
	if !ok || p.token != d.LeaseToken {
		return false, nil
	}
	delete(m.pending, d.id)

	if p.env.Attempt >= m.cfg.MaxAttempts {
		m.deadLocked(p.env, reason)
		return true, nil
	}

	requeued := *p.env
	requeued.Attempt++
	m.queues[requeued.TaskType] = append(m.queues[requeued.TaskType], &requeued)
	return false, nil
}

// DeadLetter terminally parks the delivery.
func (m *Memory) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[d.id]
	if !ok || p.token != d.LeaseToken {
		return nil
	}
	delete(m.pending, d.id)
	m.deadLocked(p.env, reason)
	return nil
}

// deadLocked appends to the dead-letter queue. Callers hold m.mu.
func (m *Memory) deadLocked(env *envelope.Envelope, reason string) {
	clone := *env
	m.dead[env.TaskType] = append(m.dead[env.TaskType], DeadEntry{
		Env:    &clone,
		Reason: reason,
		DeadAt: m.now().UTC(),
	})
}

// DeadLetters returns the dead-letter entries for a task type. Test hook.
func (m *Memory) DeadLetters(t domain.TaskType) []DeadEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadEntry, len(m.dead[t]))
	copy(out, m.dead[t])
	return out
}

// QueueDepth reports unclaimed messages for a task type. Test hook.
func (m *Memory) QueueDepth(t domain.TaskType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[t])
}
