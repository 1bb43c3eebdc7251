package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/costledger"
	"github.com/nulpointcorp/llm-gateway/internal/guardrail"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/requestlog"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// maxGuardrailInputLen bounds the summed message content length the
// pre-request guardrail stage accepts before rejecting as too long.
const maxGuardrailInputLen = 200_000

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; startup fails here when the map is empty.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys:      a.cfg.AllowClientAPIKeys,
		CircuitBreakerThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
		CircuitBreakerCooldown:  a.cfg.CircuitBreaker.HalfOpenTimeout,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewLimiter(a.rdb), a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — ClickHouse when configured, otherwise request
	// metadata is still written via slog (see gateway.go logRequest).
	if len(a.cfg.RequestLog.Addr) > 0 {
		rl, err := requestlog.Open(a.baseCtx, requestlog.Config{
			Addr:     a.cfg.RequestLog.Addr,
			Database: a.cfg.RequestLog.Database,
			Username: a.cfg.RequestLog.Username,
			Password: a.cfg.RequestLog.Password,
		}, a.log)
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		a.reqLog = rl
		a.log.Info("request log enabled", slog.String("backend", "clickhouse"))
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// initOrchestration builds the DB-backed pipeline (auth, guardrails, two-tier
// cache, deployment routing, cost ledger, durable request log) and switches
// the gateway onto it. A no-op when DATABASE_URL is unset — the gateway then
// keeps serving the simpler provider-map failover path.
func (a *App) initOrchestration(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		return nil
	}

	st, err := store.NewPGStore(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	a.store = st

	resolver := auth.NewResolver(st, a.cfg.Crypto.MasterSecret)
	guardrails := guardrail.NewEngine(st, maxGuardrailInputLen)
	br := breaker.New(st)

	re := router.New(st, br, pricing.Default())
	switch a.cfg.Router.Strategy {
	case "weighted_round_robin":
		re = re.WithStrategy(router.WeightedRoundRobinStrategy{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))})
	case "cost":
		re = re.WithStrategy(router.CostStrategy{})
	case "latency":
		re = re.WithStrategy(router.LatencyStrategy{})
	default:
		re = re.WithStrategy(router.PriorityStrategy{})
	}

	ledger := costledger.New(st, pricing.Default())

	var excl *npCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		excl, err = npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
	}

	var exact npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		exact = npCache.NewExactCacheFromClient(a.rdb)
	case "memory":
		exact = a.memCache
	}

	var semantic *npCache.SemanticCache
	if embProv, ok := a.provs[a.cfg.Embedding.Provider]; ok {
		if embedder, ok := embProv.(providers.EmbeddingProvider); ok {
			emb := npCache.NewProviderEmbedder(embedder, a.cfg.Embedding.Model, "")
			semantic = npCache.NewSemanticCache(st, emb)
		}
	}

	var cacheMgr *npCache.Manager
	if exact != nil {
		cacheMgr = npCache.NewManager(exact, semantic, st, excl)
		if a.cfg.Cache.TTL > 0 {
			cacheMgr = cacheMgr.WithTTL(a.cfg.Cache.TTL)
		}
	}

	a.gw.SetOrchestration(&proxy.Orchestration{
		Store:      st,
		Auth:       resolver,
		Guardrails: guardrails,
		CacheMgr:   cacheMgr,
		Router:     re,
		Breaker:    br,
		CostLedger: ledger,
		RequestLog: a.reqLog,
	})

	a.log.Info("orchestration enabled",
		slog.String("router_strategy", a.cfg.Router.Strategy),
		slog.Bool("semantic_cache", semantic != nil),
	)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
