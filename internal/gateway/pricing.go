package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ahrav/go-loom/internal/domain"
)

// ModelPricing is the per-token rate card for one model, in milli-cents
// per 1K tokens. Rates are integers end to end so estimates and settles
// stay exact.
type ModelPricing struct {
	// InputPerMilleMC is the prompt rate in milli-cents per 1000 tokens.
	InputPerMilleMC int64

	// OutputPerMilleMC is the completion rate in milli-cents per 1000 tokens.
	OutputPerMilleMC int64
}

// PriceTable maps model identifiers to rates. Lookups are case-insensitive
// on the model name. Safe for concurrent use.
type PriceTable struct {
	mu    sync.RWMutex
	rates map[string]ModelPricing
}

// NewPriceTable creates a price table seeded with the given rates.
func NewPriceTable(rates map[string]ModelPricing) *PriceTable {
	t := &PriceTable{rates: make(map[string]ModelPricing, len(rates))}
	for model, p := range rates {
		t.rates[strings.ToLower(model)] = p
	}
	return t
}

// DefaultPriceTable returns a table covering the models local development
// runs exercise. Production deployments load rates from configuration.
func DefaultPriceTable() *PriceTable {
	return NewPriceTable(map[string]ModelPricing{
		"scripted-small": {InputPerMilleMC: 25, OutputPerMilleMC: 125},
		"scripted-large": {InputPerMilleMC: 300, OutputPerMilleMC: 1500},
	})
}

// Set registers or replaces the rate for a model.
func (t *PriceTable) Set(model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[strings.ToLower(model)] = p
}

// Lookup returns the rate for a model.
func (t *PriceTable) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.rates[strings.ToLower(model)]
	return p, ok
}

// Estimate computes the worst-case cost of a request: the full prompt plus
// a completion at the MaxTokens cap. Reservations carved from this bound
// can only settle downward. Unknown models are an error so unpriced work
// never slips past the ledger with a zero estimate.
func (t *PriceTable) Estimate(req Request) (domain.MilliCents, error) {
	p, ok := t.Lookup(req.Model)
	if !ok {
		return 0, fmt.Errorf("no pricing for model %q", req.Model)
	}
	promptTokens := estimateTokens(len(req.Prompt))
	cost := tokenCost(promptTokens, p.InputPerMilleMC) + tokenCost(req.MaxTokens, p.OutputPerMilleMC)
	return cost, nil
}

// Charge computes the actual cost of a completed call from reported usage.
func (t *PriceTable) Charge(model string, usage Usage) (domain.MilliCents, error) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, fmt.Errorf("no pricing for model %q", model)
	}
	return tokenCost(usage.PromptTokens, p.InputPerMilleMC) +
		tokenCost(usage.CompletionTokens, p.OutputPerMilleMC), nil
}

// estimateTokens approximates token count from byte length. Four bytes per
// token is the usual planning heuristic; rounding is upward so estimates
// bound actuals.
func estimateTokens(byteLen int) int64 {
	return (int64(byteLen) + 3) / 4
}

// tokenCost charges tokens at a per-1K rate, rounding up to the next
// milli-cent so fractional tokens never bill as free.
func tokenCost(tokens, perMilleMC int64) domain.MilliCents {
	if tokens <= 0 || perMilleMC <= 0 {
		return 0
	}
	return domain.MilliCents((tokens*perMilleMC + 999) / 1000)
}
