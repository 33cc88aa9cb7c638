package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-loom/internal/domain"
)

func TestPriceTable_EstimateBoundsCharge(t *testing.T) {
	prices := DefaultPriceTable()
	req := Request{
		Model:     "scripted-small",
		Prompt:    []byte("summarize the attached corpus in three sentences"),
		MaxTokens: 500,
	}

	estimate, err := prices.Estimate(req)
	require.NoError(t, err)
	assert.Greater(t, int64(estimate), int64(0))

	gw := NewScripted(prices)
	resp, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)

	assert.LessOrEqual(t, resp.Cost, estimate,
		"actual charge must never exceed the reservation estimate")
}

func TestPriceTable_UnknownModel(t *testing.T) {
	prices := DefaultPriceTable()

	_, err := prices.Estimate(Request{Model: "unpriced-model", MaxTokens: 10})
	require.Error(t, err)

	_, err = prices.Charge("unpriced-model", Usage{PromptTokens: 1})
	require.Error(t, err)
}

func TestPriceTable_CaseInsensitive(t *testing.T) {
	prices := DefaultPriceTable()
	lower, ok := prices.Lookup("scripted-small")
	require.True(t, ok)
	upper, ok := prices.Lookup("SCRIPTED-Small")
	require.True(t, ok)
	assert.Equal(t, lower, upper)
}

func TestPriceTable_ChargeMath(t *testing.T) {
	prices := NewPriceTable(map[string]ModelPricing{
		"m": {InputPerMilleMC: 1000, OutputPerMilleMC: 2000},
	})

	tests := []struct {
		name  string
		usage Usage
		want  domain.MilliCents
	}{
		{"exact thousands", Usage{PromptTokens: 1000, CompletionTokens: 1000}, 3000},
		{"rounds up", Usage{PromptTokens: 1, CompletionTokens: 0}, 1},
		{"zero usage", Usage{}, 0},
		{"completion only", Usage{CompletionTokens: 500}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := prices.Charge("m", tt.usage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScripted_Deterministic(t *testing.T) {
	gw := NewScripted(DefaultPriceTable())
	req := Request{Model: "scripted-small", Prompt: []byte("same prompt"), MaxTokens: 100}

	first, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)
	second, err := gw.Invoke(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Output, second.Output, "identical prompts must produce identical output")
	assert.Equal(t, first.Cost, second.Cost)
}

func TestScripted_HonorsCancellation(t *testing.T) {
	gw := NewScripted(DefaultPriceTable())
	gw.Latency = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Invoke(ctx, Request{Model: "scripted-small", Prompt: []byte("x")})
	require.ErrorIs(t, err, context.Canceled)
}
