package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewLimiter(rdb)
	ctx := context.Background()
	id := ratelimit.Identifier("rpm", "key", "test-principal")

	for i := 0; i < limit; i++ {
		res, err := limiter.Check(ctx, id, limit, 1)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewLimiter(rdb)
	ctx := context.Background()
	id := ratelimit.Identifier("rpm", "key", "test-principal")

	for i := 0; i < limit; i++ {
		res, err := limiter.Check(ctx, id, limit, 1)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	res, err := limiter.Check(ctx, id, limit, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining clamped at 0, got %d", res.Remaining)
	}
}

func TestLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // Close Redis before making any calls — limiter must allow requests.

	limiter := ratelimit.NewLimiter(rdb)
	ctx := context.Background()
	id := ratelimit.Identifier("rpm", "key", "test-principal")

	res, err := limiter.Check(ctx, id, 5, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}

func TestLimiter_CheckOrReject_RaisesRateLimited(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewLimiter(rdb)
	ctx := context.Background()
	id := ratelimit.Identifier("tpm", "key", "test-principal")

	if _, err := limiter.CheckOrReject(ctx, id, 1, 1); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}

	_, err := limiter.CheckOrReject(ctx, id, 1, 1)
	if err == nil {
		t.Fatal("expected rate_limited error on second call")
	}
	gwErr, ok := err.(*apierr.GatewayError)
	if !ok {
		t.Fatalf("expected *apierr.GatewayError, got %T", err)
	}
	if gwErr.Kind != apierr.KindRateLimited {
		t.Errorf("expected KindRateLimited, got %v", gwErr.Kind)
	}
	if _, ok := gwErr.Details["retry_after"]; !ok {
		t.Error("expected retry_after in details")
	}
}
