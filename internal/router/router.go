// Package router provides the durable, replayable task queue connecting the
// planner to worker pools. Delivery is at-least-once: a claimed but
// unacknowledged message is redelivered after its lease expires. The router
// performs no deduplication and embeds no business logic; exactly-once
// effect is achieved one layer up, where deterministic task keys make
// redundant re-execution harmless.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/envelope"
)

// Config controls queue behavior shared by all router implementations.
type Config struct {
	// KeyPrefix namespaces every queue key, e.g. "loom".
	KeyPrefix string

	// LeaseTimeout is how long a claimed message stays owned before
	// becoming eligible for redelivery. Must exceed the longest declared
	// task duration with margin.
	LeaseTimeout time.Duration

	// MaxAttempts bounds deliveries per message. A message nacked or
	// lease-expired past this bound goes to the dead-letter queue
	// instead of being redelivered forever.
	MaxAttempts int

	// ClaimBlock is the bounded wait inside a single Claim call. Short
	// enough that workers notice shutdown promptly.
	ClaimBlock time.Duration
}

// DefaultConfig returns queue settings suitable for tasks measured in
// seconds to low minutes.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "loom",
		LeaseTimeout: 5 * time.Minute,
		MaxAttempts:  3,
		ClaimBlock:   2 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.ClaimBlock <= 0 {
		c.ClaimBlock = def.ClaimBlock
	}
	return c
}

// Delivery is one claimed message: the decoded envelope plus the transport
// coordinates needed to acknowledge it. The holder owns the task until Ack,
// Nack, DeadLetter, or lease expiry.
type Delivery struct {
	// Env is the decoded task envelope. Env.Attempt reflects the
	// effective delivery attempt, including lease-expiry redeliveries.
	Env *envelope.Envelope

	// LeaseToken identifies this specific claim. Redelivery mints a new
	// token, so a stale holder's acknowledgments can be recognized.
	LeaseToken string

	// Exhausted marks a delivery whose attempt budget is already spent
	// (crash redeliveries count too). The holder must not execute it;
	// it is delivered once more only so the terminal failure can be
	// recorded and the message dead-lettered.
	Exhausted bool

	// Transport coordinates, opaque to callers.
	stream   string
	id       string
	group    string
	consumer string
}

// MessageID returns the transport message ID, for logs.
func (d *Delivery) MessageID() string { return d.id }

// Router is the queue contract. Claim blocks up to Config.ClaimBlock and
// returns (nil, nil) when no work is available, letting callers loop with
// their own shutdown checks.
//
// FIFO enqueue order is preserved per task type for delivery, but concurrent
// workers acknowledge in arbitrary order; consumers must key off task
// identity, never off arrival order.
type Router interface {
	// Enqueue appends an envelope to its task type's queue.
	Enqueue(ctx context.Context, env *envelope.Envelope) error

	// Claim delivers the next available envelope for any of the given
	// task types to the named consumer within the group. Expired leases
	// are reclaimed before new messages are read.
	Claim(ctx context.Context, group, consumer string, types []domain.TaskType) (*Delivery, error)

	// Ack acknowledges successful processing; ownership returns to the
	// router and the message is never redelivered.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the message for redelivery with its attempt count
	// incremented. When the attempt budget is exhausted the message is
	// dead-lettered instead; exhausted reports which happened so the
	// caller can record a terminal failure.
	Nack(ctx context.Context, d *Delivery, reason string) (exhausted bool, err error)

	// DeadLetter terminally parks the message with a reason, bypassing
	// any remaining attempt budget. Used for deterministic failures and
	// cancelled runs.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
}

// componentLogger scopes a logger to a router implementation.
func componentLogger(logger *slog.Logger, impl string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "router", "impl", impl)
}
