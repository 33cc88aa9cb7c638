// Package worker implements the stateless worker harness: claim an
// envelope, fetch its inputs from the artifact store, run the registered
// executor inside a cost reservation, persist the output, record the
// resolution, and acknowledge. Workers keep no local state between tasks;
// everything they need arrives in the envelope or is addressable by digest.
package worker

import (
	"context"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
)

// Job is one executable unit handed to an executor: the claimed envelope
// plus its input artifacts, fetched in envelope digest order.
type Job struct {
	// Env is the claimed task envelope.
	Env *envelope.Envelope

	// Inputs holds the content of Env.InputDigests, index-aligned.
	Inputs [][]byte
}

// Result is the outcome of a successful execution.
type Result struct {
	// Output is the artifact content to store. Its digest becomes the
	// task's resolution.
	Output []byte

	// Cost is the actual paid spend for the execution, zero for unpaid
	// task types. Settled against the reservation carved before Execute.
	Cost domain.MilliCents
}

// Executor runs one family of task types.
//
// Estimate is consulted before Execute to carve a cost reservation; a zero
// estimate marks the job unpaid and skips the ledger entirely. Execute
// must be deterministic enough that re-running a redelivered job is
// acceptable, and must honor ctx cancellation.
type Executor interface {
	// TaskTypes lists the task types this executor handles.
	TaskTypes() []domain.TaskType

	// Estimate bounds the job's paid cost in milli-cents. An error here
	// is terminal: the job's parameters cannot be priced.
	Estimate(job Job) (domain.MilliCents, error)

	// Execute runs the job and returns its output and actual cost.
	Execute(ctx context.Context, job Job) (Result, error)
}
