package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/gateway"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// llmParams is the parameter schema for gateway-backed task types. The
// params blob is opaque to the core; this executor owns its shape.
type llmParams struct {
	// Model selects the priced model.
	Model string `json:"model"`

	// MaxTokens caps the completion and bounds the estimate.
	MaxTokens int64 `json:"max_tokens"`

	// Prompt is the instruction text prepended to the input artifacts.
	Prompt string `json:"prompt"`
}

// LLMExecutor runs paid model calls through a Gateway. The prompt is the
// params prompt text followed by each input artifact in digest order, so
// identical inputs always produce identical prompts and the task key
// remains an honest cache identity.
type LLMExecutor struct {
	gw     gateway.Gateway
	prices *gateway.PriceTable
	types  []domain.TaskType
}

// NewLLMExecutor creates an executor handling the given task types against
// one gateway and price table.
func NewLLMExecutor(gw gateway.Gateway, prices *gateway.PriceTable, types ...domain.TaskType) *LLMExecutor {
	if len(types) == 0 {
		types = []domain.TaskType{"llm"}
	}
	return &LLMExecutor{gw: gw, prices: prices, types: types}
}

// TaskTypes lists the handled task types.
func (e *LLMExecutor) TaskTypes() []domain.TaskType { return e.types }

// Estimate bounds the job's cost from its prompt size and token cap.
func (e *LLMExecutor) Estimate(job Job) (domain.MilliCents, error) {
	req, err := e.buildRequest(job)
	if err != nil {
		return 0, err
	}
	cost, err := e.prices.Estimate(req)
	if err != nil {
		return 0, &taskerrors.ExecutionError{
			TaskKey:  string(job.Env.TaskKey),
			TaskType: string(job.Env.TaskType),
			Terminal: true,
			Err:      err,
		}
	}
	return cost, nil
}

// Execute invokes the gateway and returns its output and actual cost.
func (e *LLMExecutor) Execute(ctx context.Context, job Job) (Result, error) {
	req, err := e.buildRequest(job)
	if err != nil {
		return Result{}, err
	}

	resp, err := e.gw.Invoke(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("gateway invoke: %w", err)
	}
	return Result{Output: resp.Output, Cost: resp.Cost}, nil
}

// buildRequest assembles the gateway request from params and inputs.
// Malformed params are terminal: retrying cannot fix them.
func (e *LLMExecutor) buildRequest(job Job) (gateway.Request, error) {
	var params llmParams
	if err := json.Unmarshal(job.Env.Params, &params); err != nil {
		return gateway.Request{}, &taskerrors.ExecutionError{
			TaskKey:  string(job.Env.TaskKey),
			TaskType: string(job.Env.TaskType),
			Terminal: true,
			Err:      fmt.Errorf("decode params: %w", err),
		}
	}
	if params.Model == "" {
		return gateway.Request{}, &taskerrors.ExecutionError{
			TaskKey:  string(job.Env.TaskKey),
			TaskType: string(job.Env.TaskType),
			Terminal: true,
			Err:      fmt.Errorf("params missing model"),
		}
	}

	var prompt bytes.Buffer
	prompt.WriteString(params.Prompt)
	for _, input := range job.Inputs {
		prompt.WriteByte('\n')
		prompt.Write(input)
	}

	return gateway.Request{
		Model:     params.Model,
		Prompt:    prompt.Bytes(),
		MaxTokens: params.MaxTokens,
	}, nil
}
