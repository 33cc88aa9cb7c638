// Package gateway defines the model gateway boundary: the paid external
// call the orchestration core tracks cost against but never performs
// itself. Prompt construction, response content, and provider routing all
// live behind the Gateway interface; the core sees opaque bytes in, opaque
// bytes out, and a settled cost.
package gateway

import (
	"context"

	"github.com/ahrav/go-loom/internal/domain"
)

// Request is one model invocation. Prompt bytes are opaque to the core;
// the gateway deployment decides how they map onto provider APIs.
type Request struct {
	// Model selects the priced model to invoke.
	Model string `json:"model" validate:"required"`

	// Prompt is the rendered prompt content.
	Prompt []byte `json:"prompt"`

	// MaxTokens caps the completion length and bounds the cost estimate.
	MaxTokens int64 `json:"max_tokens" validate:"min=0"`
}

// Usage is the normalized token accounting for one invocation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response is the result of one model invocation, including the actual
// charged cost the worker settles against its reservation.
type Response struct {
	// Output is the raw completion bytes. Never parsed by the core.
	Output []byte `json:"output"`

	// Usage is the provider-reported token accounting.
	Usage Usage `json:"usage"`

	// Cost is the actual charge for the call in milli-cents.
	Cost domain.MilliCents `json:"cost"`
}

// Gateway performs the paid external call.
//
// Implementations are expected to be safe for concurrent use; one gateway
// handle is shared by every executor goroutine in a worker process.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}
