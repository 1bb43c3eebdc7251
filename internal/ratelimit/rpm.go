// Package ratelimit implements the sliding-window rate limiter of spec.md
// §4.2: an atomic check-and-increment against a shared Redis sorted set,
// used for both per-principal RPM and TPM buckets.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// slidingWindowScript is an atomic Lua script implementing the sliding
// window rate limiter over a sorted set. Kept from the original single-RPM
// limiter — the window/limit/increment arguments are now parameterized
// instead of hardcoded to one request per call.
//
// KEYS[1] = redis key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size (nanoseconds)
// ARGV[3] = limit
// ARGV[4] = increment (number of units this call admits, e.g. token count)
// Returns: {allowed (0/1), count after admission}
var slidingWindowScript = redis.NewScript(`
		local key       = KEYS[1]
		local now       = tonumber(ARGV[1])
		local window    = tonumber(ARGV[2])
		local limit     = tonumber(ARGV[3])
		local increment = tonumber(ARGV[4])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		local count = redis.call('ZCARD', key)

		if count + increment > limit then
			return {0, count}
		end

		for i = 1, increment do
			local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000000)) .. '-' .. tostring(i)
			redis.call('ZADD', key, now, member)
		end
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, count + increment}
`)

const window = time.Minute

// Result is the outcome of a Check call, carrying everything needed to
// render the x-ratelimit-* response headers of spec.md §4.2.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetSec  int
}

// Limiter checks and records usage against RPM/TPM sliding windows.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter builds a Limiter backed by rdb. rdb may be nil, in which case
// every call fails open (graceful degradation with no Redis configured).
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Identifier builds the stable "{scope}:{kind}:{principal_id}" shape of
// spec.md §4.2, e.g. Identifier("rpm", "key", id).
func Identifier(scope, kind, principalID string) string {
	return fmt.Sprintf("%s:%s:%s", scope, kind, principalID)
}

// Check implements the core contract: check(id, limit, window_s, increment).
// Fail-open: if Redis is unreachable, returns Allowed=true with zeroed
// headers fields — callers are responsible for logging the degradation.
func (l *Limiter) Check(ctx context.Context, id string, limit, increment int) (Result, error) {
	if l.rdb == nil || limit <= 0 {
		if limit <= 0 {
			return Result{Allowed: true}, nil
		}
		return Result{Allowed: true}, nil
	}

	key := "ratelimit:" + id
	now := time.Now().UnixNano()

	raw, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key}, now, window.Nanoseconds(), limit, increment,
	).Result()
	if err != nil {
		return Result{Allowed: true}, nil
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{Allowed: true}, nil
	}
	allowed := toInt64(vals[0]) == 1
	count := int(toInt64(vals[1]))

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetSec:  int(window.Seconds()),
	}, nil
}

// CheckOrReject wraps Check for the pre-request path: it raises a
// *apierr.GatewayError with Kind=rate_limited (retry_after=reset_s) on
// denial instead of returning a boolean.
func (l *Limiter) CheckOrReject(ctx context.Context, id string, limit, increment int) (Result, error) {
	res, err := l.Check(ctx, id, limit, increment)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, apierr.New(apierr.KindRateLimited, "rate limit exceeded", map[string]any{
			"limit":       res.Limit,
			"retry_after": res.ResetSec,
		})
	}
	return res, nil
}

// RecordUsage unconditionally adds tokenCount units to the TPM bucket for
// id, per spec.md §4.2's post-request wrapper. It never rejects — there is
// no limit argument because usage has already happened; this only updates
// the running count so the *next* request's check sees it.
func (l *Limiter) RecordUsage(ctx context.Context, id string, tokenCount int) error {
	if l.rdb == nil || tokenCount <= 0 {
		return nil
	}
	key := "ratelimit:" + id
	now := time.Now().UnixNano()
	// increment with an effectively unlimited limit: we only want the
	// sorted-set bookkeeping side effect, never a rejection.
	_, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key}, now, window.Nanoseconds(), 1<<31, tokenCount,
	).Result()
	if err != nil {
		return nil // fail-open, same as Check.
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
