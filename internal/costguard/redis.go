package costguard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-loom/internal/domain"
	"github.com/ahrav/go-loom/internal/taskerrors"
)

// reserveScript atomically checks the ceiling and records an in-flight
// reservation. The whole admission decision happens server-side in one
// round trip; there is no client-side read-modify-write to race.
//
// KEYS[1] = spent counter (integer milli-cents)
// KEYS[2] = in-flight hash (reservation token -> reserved milli-cents)
// KEYS[3] = ceiling key (integer milli-cents; absent = fail closed)
// ARGV[1] = estimate in milli-cents
// ARGV[2] = reservation token
//
// Returns {granted, spent, inflight, ceiling} with granted 1 or 0.
var reserveScript = redis.NewScript(`
	local ceiling = redis.call('GET', KEYS[3])
	if ceiling == false then
		-- No ceiling configured: deny all paid work.
		return {0, 0, 0, -1}
	end
	ceiling = tonumber(ceiling)

	local spent = tonumber(redis.call('GET', KEYS[1]) or '0')

	local inflight = 0
	local reserved = redis.call('HVALS', KEYS[2])
	for i = 1, #reserved do
		inflight = inflight + tonumber(reserved[i])
	end

	local estimate = tonumber(ARGV[1])
	if spent + inflight >= ceiling or spent + inflight + estimate > ceiling then
		return {0, spent, inflight, ceiling}
	end

	redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
	return {1, spent, inflight, ceiling}
`)

// settleScript moves a reservation from in-flight to spent, charging the
// actual cost. Missing tokens are no-ops, which makes double-settle from a
// redelivered worker harmless.
//
// KEYS[1] = spent counter
// KEYS[2] = in-flight hash
// ARGV[1] = reservation token
// ARGV[2] = actual cost in milli-cents
//
// Returns 1 when the reservation was settled, 0 when the token was unknown.
var settleScript = redis.NewScript(`
	local reserved = redis.call('HGET', KEYS[2], ARGV[1])
	if reserved == false then
		return 0
	end
	redis.call('HDEL', KEYS[2], ARGV[1])
	redis.call('INCRBY', KEYS[1], ARGV[2])
	return 1
`)

// Redis implements Guard against a shared Redis instance, so one ledger
// covers every worker process in the fleet.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewRedis creates a Redis-backed cost guard.
func NewRedis(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) *Redis {
	if keyPrefix == "" {
		keyPrefix = "loom"
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    componentLogger(logger, "redis"),
	}
}

func (g *Redis) spentKey(runID string) string    { return g.keyPrefix + ":ledger:" + runID + ":spent" }
func (g *Redis) inflightKey(runID string) string { return g.keyPrefix + ":ledger:" + runID + ":inflight" }
func (g *Redis) ceilingKey(runID string) string  { return g.keyPrefix + ":ledger:" + runID + ":ceiling" }

// SetCeiling configures the run's ceiling.
func (g *Redis) SetCeiling(ctx context.Context, runID string, ceiling domain.MilliCents) error {
	if err := g.client.Set(ctx, g.ceilingKey(runID), int64(ceiling), 0).Err(); err != nil {
		return &taskerrors.TransientError{Component: "costguard", Err: err}
	}
	return nil
}

// Reserve admits one paid call within the ceiling.
func (g *Redis) Reserve(ctx context.Context, runID string, estimate domain.MilliCents) (Reservation, error) {
	if estimate < 0 {
		return Reservation{}, fmt.Errorf("negative estimate %d", estimate)
	}

	token := uuid.NewString()
	keys := []string{g.spentKey(runID), g.inflightKey(runID), g.ceilingKey(runID)}

	result, err := reserveScript.Run(ctx, g.client, keys, int64(estimate), token).Result()
	if err != nil {
		return Reservation{}, &taskerrors.TransientError{Component: "costguard", Err: err}
	}

	granted, spent, inflight, ceiling, err := parseReserveResult(result)
	if err != nil {
		return Reservation{}, err
	}
	if !granted {
		return Reservation{}, &domain.CeilingError{
			RunID:     runID,
			Ceiling:   ceiling,
			Spent:     spent,
			InFlight:  inflight,
			Requested: estimate,
		}
	}

	g.logger.Debug("reservation granted",
		"run_id", runID, "estimate", int64(estimate), "spent", int64(spent), "in_flight", int64(inflight))
	return Reservation{RunID: runID, Token: token, Estimate: estimate}, nil
}

// Settle trues up the reservation against the actual cost.
func (g *Redis) Settle(ctx context.Context, r Reservation, actual domain.MilliCents) error {
	if r.Token == "" {
		return nil
	}
	keys := []string{g.spentKey(r.RunID), g.inflightKey(r.RunID)}
	settled, err := settleScript.Run(ctx, g.client, keys, r.Token, int64(actual)).Int64()
	if err != nil {
		return &taskerrors.TransientError{Component: "costguard", Err: err}
	}
	if settled == 0 {
		g.logger.Debug("settle on unknown reservation ignored", "run_id", r.RunID, "token", r.Token)
	}
	return nil
}

// Release abandons the reservation without charging.
func (g *Redis) Release(ctx context.Context, r Reservation) error {
	if r.Token == "" {
		return nil
	}
	if err := g.client.HDel(ctx, g.inflightKey(r.RunID), r.Token).Err(); err != nil {
		return &taskerrors.TransientError{Component: "costguard", Err: err}
	}
	return nil
}

// Spent reports settled spend for the run.
func (g *Redis) Spent(ctx context.Context, runID string) (domain.MilliCents, error) {
	raw, err := g.client.Get(ctx, g.spentKey(runID)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, &taskerrors.TransientError{Component: "costguard", Err: err}
	}
	n, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		return 0, &taskerrors.IntegrityError{Subject: g.spentKey(runID), Detail: "non-integer spent counter"}
	}
	return domain.MilliCents(n), nil
}

// parseReserveResult decodes the reserve script's {granted, spent,
// inflight, ceiling} reply. Script replies that do not match the contract
// are integrity errors, not silent denials.
func parseReserveResult(result any) (granted bool, spent, inflight, ceiling domain.MilliCents, err error) {
	slice, ok := result.([]any)
	if !ok || len(slice) != 4 {
		return false, 0, 0, 0, &taskerrors.IntegrityError{
			Subject: "costguard reserve script",
			Detail:  fmt.Sprintf("unexpected reply shape %T", result),
		}
	}

	nums := make([]int64, 4)
	for i, v := range slice {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, 0, &taskerrors.IntegrityError{
				Subject: "costguard reserve script",
				Detail:  fmt.Sprintf("non-integer reply element %T", v),
			}
		}
		nums[i] = n
	}
	return nums[0] == 1, domain.MilliCents(nums[1]), domain.MilliCents(nums[2]), domain.MilliCents(nums[3]), nil
}
