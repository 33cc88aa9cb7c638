package costguard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/go-loom/internal/domain"
)

// ledger is one run's in-memory spend state.
type ledger struct {
	ceiling    domain.MilliCents
	hasCeiling bool
	spent      domain.MilliCents
	inflight   map[string]domain.MilliCents
}

// Memory implements Guard in process memory with the same admission rule as
// the Redis implementation, including fail-closed behavior for runs with no
// ceiling. A single mutex serializes the check-and-increment, which is the
// whole point of the contract.
type Memory struct {
	mu      sync.Mutex
	ledgers map[string]*ledger
}

// NewMemory creates an in-memory cost guard.
func NewMemory() *Memory {
	return &Memory{ledgers: make(map[string]*ledger)}
}

func (g *Memory) ledgerFor(runID string) *ledger {
	l, ok := g.ledgers[runID]
	if !ok {
		l = &ledger{inflight: make(map[string]domain.MilliCents)}
		g.ledgers[runID] = l
	}
	return l
}

// SetCeiling configures the run's ceiling.
func (g *Memory) SetCeiling(_ context.Context, runID string, ceiling domain.MilliCents) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := g.ledgerFor(runID)
	l.ceiling = ceiling
	l.hasCeiling = true
	return nil
}

// Reserve admits one paid call within the ceiling.
func (g *Memory) Reserve(_ context.Context, runID string, estimate domain.MilliCents) (Reservation, error) {
	if estimate < 0 {
		return Reservation{}, fmt.Errorf("negative estimate %d", estimate)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.ledgerFor(runID)

	var inflight domain.MilliCents
	for _, amount := range l.inflight {
		inflight += amount
	}

	denied := !l.hasCeiling ||
		l.spent+inflight >= l.ceiling ||
		l.spent+inflight+estimate > l.ceiling
	if denied {
		ceiling := l.ceiling
		if !l.hasCeiling {
			ceiling = -1
		}
		return Reservation{}, &domain.CeilingError{
			RunID:     runID,
			Ceiling:   ceiling,
			Spent:     l.spent,
			InFlight:  inflight,
			Requested: estimate,
		}
	}

	token := uuid.NewString()
	l.inflight[token] = estimate
	return Reservation{RunID: runID, Token: token, Estimate: estimate}, nil
}

// Settle trues up the reservation against the actual cost. Unknown tokens
// are no-ops so double-settle cannot double-charge.
func (g *Memory) Settle(_ context.Context, r Reservation, actual domain.MilliCents) error {
	if r.Token == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.ledgerFor(r.RunID)
	if _, held := l.inflight[r.Token]; !held {
		return nil
	}
	delete(l.inflight, r.Token)
	l.spent += actual
	return nil
}

// Release abandons the reservation without charging.
func (g *Memory) Release(_ context.Context, r Reservation) error {
	if r.Token == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ledgerFor(r.RunID).inflight, r.Token)
	return nil
}

// Spent reports settled spend for the run.
func (g *Memory) Spent(_ context.Context, runID string) (domain.MilliCents, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledgerFor(runID).spent, nil
}
