package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

// PGStore is the Postgres-backed Store implementation. Connection lifecycle
// is owned by the caller — Close releases the pool, mirroring the teacher's
// app.Close reverse-init-order pattern.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to url and verifies connectivity with a ping, the same
// pattern internal/app/app.go uses for Redis.
func NewPGStore(ctx context.Context, url string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// Ping verifies the pool can still reach Postgres.
func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PGStore) GetPrincipalByKeyHash(ctx context.Context, keyHash string) (*Principal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, key_hash, key_prefix, name, model_allow, budget_usd, spend_usd,
		       rate_limit_rpm, rate_limit_tpm, active, expires_at, created_at
		FROM principals WHERE key_hash = $1`, keyHash)

	var p Principal
	var budget *decimal.Decimal
	if err := row.Scan(&p.ID, &p.KeyHash, &p.KeyPrefix, &p.Name, &p.ModelAllow, &budget,
		&p.SpendUSD, &p.RateLimitRPM, &p.RateLimitTPM, &p.Active, &p.ExpiresAt, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get principal: %w", err)
	}
	p.BudgetUSD = budget
	return &p, nil
}

func (s *PGStore) AddSpend(ctx context.Context, principalID uuid.UUID, deltaUSD string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE principals SET spend_usd = spend_usd + $2 WHERE id = $1`, principalID, deltaUSD)
	if err != nil {
		return fmt.Errorf("store: add spend: %w", err)
	}
	return nil
}

func (s *PGStore) ListActiveDeployments(ctx context.Context, model string) ([]*Deployment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, provider, model_name, base_url, encrypted_credential, priority,
		       weight, active, healthy, consecutive_failures, cooldown_until,
		       rate_limit_rpm, rate_limit_tpm
		FROM deployments WHERE model_name = $1 AND active = true ORDER BY priority ASC`, model)
	if err != nil {
		return nil, fmt.Errorf("store: list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.ID, &d.Name, &d.Provider, &d.ModelName, &d.BaseURL,
			&d.EncryptedCredential, &d.Priority, &d.Weight, &d.Active, &d.Healthy,
			&d.ConsecutiveFailures, &d.CooldownUntil, &d.RateLimitRPM, &d.RateLimitTPM); err != nil {
			return nil, fmt.Errorf("store: scan deployment: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RecordDeploymentSuccess resets failure state (spec.md §4.5: "Any success in
// HALF_OPEN → CLOSED" / "A success in CLOSED resets consecutive_failures").
func (s *PGStore) RecordDeploymentSuccess(ctx context.Context, deploymentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployments
		SET consecutive_failures = 0, healthy = true, cooldown_until = NULL
		WHERE id = $1 AND (consecutive_failures > 0 OR healthy = false)`, deploymentID)
	if err != nil {
		return fmt.Errorf("store: record success: %w", err)
	}
	return nil
}

// RecordDeploymentFailure implements the two failure transitions of spec.md
// §4.5 in one statement: CLOSED→OPEN at threshold, and exponential backoff
// doubling when already unhealthy (HALF_OPEN retry failed).
func (s *PGStore) RecordDeploymentFailure(ctx context.Context, deploymentID uuid.UUID, threshold int, cooldownSeconds int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployments SET
			consecutive_failures = consecutive_failures + 1,
			healthy = CASE
				WHEN healthy = false THEN false
				WHEN consecutive_failures + 1 >= $2 THEN false
				ELSE healthy
			END,
			cooldown_until = CASE
				WHEN healthy = false THEN now() + ($3 * 2) * interval '1 second'
				WHEN consecutive_failures + 1 >= $2 THEN now() + $3 * interval '1 second'
				ELSE cooldown_until
			END
		WHERE id = $1`, deploymentID, threshold, cooldownSeconds)
	if err != nil {
		return fmt.Errorf("store: record failure: %w", err)
	}
	return nil
}

func (s *PGStore) GetExactCacheEntry(ctx context.Context, model, promptHash string) (*CacheEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, prompt_hash, embedding, model, prompt_text, response_payload,
		       prompt_tokens, completion_tokens, hit_count, cost_saved_usd, created_at, expires_at
		FROM cache_entries
		WHERE model = $1 AND prompt_hash = $2 AND expires_at > now()`, model, promptHash)
	return scanCacheEntry(row)
}

// FindSimilarCacheEntries returns Tier-2 candidates for a model, narrowed by
// expiry in SQL; cosine ranking itself happens in Go (internal/cache) so no
// pgvector SQL operator syntax is required at the query layer.
func (s *PGStore) FindSimilarCacheEntries(ctx context.Context, model string, limit int) ([]*CacheEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, prompt_hash, embedding, model, prompt_text, response_payload,
		       prompt_tokens, completion_tokens, hit_count, cost_saved_usd, created_at, expires_at
		FROM cache_entries WHERE model = $1 AND expires_at > now() LIMIT $2`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("store: find similar: %w", err)
	}
	defer rows.Close()

	var out []*CacheEntry
	for rows.Next() {
		e, err := scanCacheEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	vec := pgvector.NewVector(entry.Embedding)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries
			(id, prompt_hash, embedding, model, prompt_text, response_payload,
			 prompt_tokens, completion_tokens, hit_count, cost_saved_usd, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (model, prompt_hash) DO UPDATE SET
			response_payload = EXCLUDED.response_payload,
			expires_at = EXCLUDED.expires_at`,
		entry.ID, entry.PromptHash, vec, entry.Model, entry.PromptText, entry.ResponsePayload,
		entry.PromptTokens, entry.CompletionTokens, entry.HitCount, entry.CostSavedUSD,
		entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: put cache entry: %w", err)
	}
	return nil
}

func (s *PGStore) TouchCacheEntry(ctx context.Context, id uuid.UUID, costSavedUSD string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cache_entries SET hit_count = hit_count + 1, cost_saved_usd = cost_saved_usd + $2
		WHERE id = $1`, id, costSavedUSD)
	if err != nil {
		return fmt.Errorf("store: touch cache entry: %w", err)
	}
	return nil
}

func (s *PGStore) ClearCache(ctx context.Context, model string) (int64, error) {
	var tag interface{ RowsAffected() int64 }
	var err error
	if model == "" {
		ct, e := s.pool.Exec(ctx, `DELETE FROM cache_entries`)
		tag, err = ct, e
	} else {
		ct, e := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE model = $1`, model)
		tag, err = ct, e
	}
	if err != nil {
		return 0, fmt.Errorf("store: clear cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) CacheStats(ctx context.Context) (CacheStatsRow, error) {
	var out CacheStatsRow
	row := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE expires_at > now()),
		       count(*) FILTER (WHERE expires_at <= now()),
		       coalesce(sum(hit_count), 0),
		       coalesce(sum(cost_saved_usd), 0)::text
		FROM cache_entries`)
	if err := row.Scan(&out.TotalEntries, &out.ActiveEntries, &out.ExpiredEntries,
		&out.TotalHits, &out.TotalCostSavedUSD); err != nil {
		return out, fmt.Errorf("store: cache stats: %w", err)
	}
	out.ExpiredEntries = out.TotalEntries - out.ActiveEntries
	return out, nil
}

func (s *PGStore) ListActiveGuardrailRules(ctx context.Context, stage GuardrailStage) ([]*GuardrailRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, type, stage, action, config, priority, active
		FROM guardrail_rules
		WHERE active = true AND (stage = $1 OR stage = 'both')
		ORDER BY priority ASC`, stage)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var out []*GuardrailRule
	for rows.Next() {
		var r GuardrailRule
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Stage, &r.Action, &r.Config, &r.Priority, &r.Active); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendRequestLog(ctx context.Context, entry *RequestLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_logs
			(request_id, principal_id, deployment_id, model, provider, prompt_tokens,
			 completion_tokens, cost_usd, latency_ms, http_status, cached, metadata,
			 error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		entry.RequestID, entry.PrincipalID, entry.DeploymentID, entry.Model, entry.Provider,
		entry.PromptTokens, entry.CompletionTokens, entry.CostUSD, entry.LatencyMS,
		entry.HTTPStatus, entry.Cached, entry.Metadata, entry.ErrorMessage, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append request log: %w", err)
	}
	return nil
}

func (s *PGStore) AppendAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, actor, action, target, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		event.ID, event.Actor, event.Action, event.Target, event.Details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}
	return nil
}

// rowScanner abstracts over pgx.Row / pgx.Rows for the shared cache-entry scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row pgx.Row) (*CacheEntry, error) {
	e, err := scanCacheEntryRows(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func scanCacheEntryRows(row rowScanner) (*CacheEntry, error) {
	var e CacheEntry
	var vec pgvector.Vector
	if err := row.Scan(&e.ID, &e.PromptHash, &vec, &e.Model, &e.PromptText, &e.ResponsePayload,
		&e.PromptTokens, &e.CompletionTokens, &e.HitCount, &e.CostSavedUSD, &e.CreatedAt, &e.ExpiresAt); err != nil {
		return nil, fmt.Errorf("store: scan cache entry: %w", err)
	}
	e.Embedding = vec.Slice()
	return &e, nil
}
