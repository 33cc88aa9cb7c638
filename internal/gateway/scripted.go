package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Scripted is a deterministic in-process gateway for development runs and
// tests. The same prompt always yields the same output, which keeps cached
// resumes byte-stable, and every call bills real milli-cents through the
// price table so ceiling behavior is exercised without a provider account.
type Scripted struct {
	prices *PriceTable

	// Latency is added per call to make lease and timeout paths observable.
	Latency time.Duration
}

// NewScripted creates a scripted gateway billing against the given table.
func NewScripted(prices *PriceTable) *Scripted {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	return &Scripted{prices: prices}
}

// Invoke produces a deterministic completion for the prompt.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Response, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	digest := sha256.Sum256(req.Prompt)
	body := map[string]string{
		"model":  req.Model,
		"prompt": hex.EncodeToString(digest[:8]),
		"result": "scripted completion for " + hex.EncodeToString(digest[:8]),
	}
	output, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encode scripted output: %w", err)
	}

	usage := Usage{
		PromptTokens:     estimateTokens(len(req.Prompt)),
		CompletionTokens: estimateTokens(len(output)),
	}
	if req.MaxTokens > 0 && usage.CompletionTokens > req.MaxTokens {
		usage.CompletionTokens = req.MaxTokens
	}

	cost, err := s.prices.Charge(req.Model, usage)
	if err != nil {
		return Response{}, err
	}
	return Response{Output: output, Usage: usage, Cost: cost}, nil
}
