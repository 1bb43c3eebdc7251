package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract consumed by every core component.
// The pgx-backed implementation (Postgres) and the in-memory test double
// (memstore.go) both satisfy it.
type Store interface {
	// Principals (C1).
	GetPrincipalByKeyHash(ctx context.Context, keyHash string) (*Principal, error)
	AddSpend(ctx context.Context, principalID uuid.UUID, deltaUSD string) error

	// Deployments (C5, C6).
	ListActiveDeployments(ctx context.Context, model string) ([]*Deployment, error)
	RecordDeploymentSuccess(ctx context.Context, deploymentID uuid.UUID) error
	RecordDeploymentFailure(ctx context.Context, deploymentID uuid.UUID, threshold int, cooldownSeconds int) error

	// Cache entries (C4).
	GetExactCacheEntry(ctx context.Context, model, promptHash string) (*CacheEntry, error)
	FindSimilarCacheEntries(ctx context.Context, model string, limit int) ([]*CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error
	TouchCacheEntry(ctx context.Context, id uuid.UUID, costSavedUSD string) error
	ClearCache(ctx context.Context, model string) (int64, error)
	CacheStats(ctx context.Context) (CacheStatsRow, error)

	// Guardrail rules (C3).
	ListActiveGuardrailRules(ctx context.Context, stage GuardrailStage) ([]*GuardrailRule, error)

	// Request log (C10).
	AppendRequestLog(ctx context.Context, entry *RequestLog) error

	// Audit events.
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error

	// Ping reports whether the store is reachable, for readiness checks.
	Ping(ctx context.Context) error

	Close()
}

// CacheStatsRow mirrors spec.md §4.4's stats() payload.
type CacheStatsRow struct {
	TotalEntries       int64
	ActiveEntries      int64
	ExpiredEntries     int64
	TotalHits          int64
	TotalCostSavedUSD  string
}
