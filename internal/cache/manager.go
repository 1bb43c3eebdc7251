package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// ComputeHash is the Tier-1 exact-match key: sha256(model + "::" + prompt).
func ComputeHash(promptText, model string) string {
	sum := sha256.Sum256([]byte(model + "::" + promptText))
	return hex.EncodeToString(sum[:])
}

// Hit describes a cache hit regardless of which tier served it.
type Hit struct {
	Payload    []byte
	Tier       string // "exact" or "semantic"
	EntryID    string
	CostSaved  decimal.Decimal
}

// Manager combines the Tier-1 exact cache with the Tier-2 semantic cache,
// per spec.md §4.4: an exact hit always wins; a semantic hit is promoted
// into Tier 1 so the next identical request skips the embedding call.
type Manager struct {
	exact    Cache
	semantic *SemanticCache
	store    store.Store
	excl     *ExclusionList
	ttl      time.Duration
}

func NewManager(exact Cache, semantic *SemanticCache, s store.Store, excl *ExclusionList) *Manager {
	return &Manager{exact: exact, semantic: semantic, store: s, excl: excl, ttl: defaultCacheTTL}
}

func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// Lookup tries Tier 1 then Tier 2. Returns (nil, false) when the model is
// cache-excluded or on a full miss across both tiers.
func (m *Manager) Lookup(ctx context.Context, model string, messages []providers.Message) (*Hit, bool) {
	if m.excl.Matches(model) {
		return nil, false
	}

	promptText := NormalizePromptForEmbedding(messages)
	hash := ComputeHash(promptText, model)

	if data, ok := m.exact.Get(ctx, hash); ok {
		return &Hit{Payload: data, Tier: "exact"}, true
	}

	if m.semantic == nil {
		return nil, false
	}

	entry, ok := m.semantic.Lookup(ctx, model, promptText)
	if !ok {
		return nil, false
	}

	// Promote into Tier 1 so the next identical prompt skips both the
	// embedding call and the candidate scan.
	_ = m.exact.Set(ctx, hash, entry.ResponsePayload, m.ttl)

	return &Hit{Payload: entry.ResponsePayload, Tier: "semantic", EntryID: entry.ID.String(), CostSaved: entry.CostSavedUSD}, true
}

// Store writes a response into both tiers. payload must already be the
// serialized OpenAI-compatible response body.
func (m *Manager) Store(ctx context.Context, model string, messages []providers.Message, payload []byte, promptTokens, completionTokens int) error {
	if m.excl.Matches(model) {
		return nil
	}

	promptText := NormalizePromptForEmbedding(messages)
	hash := ComputeHash(promptText, model)

	if err := m.exact.Set(ctx, hash, payload, m.ttl); err != nil {
		return err
	}

	if m.semantic != nil {
		_ = m.semantic.Store(ctx, hash, model, promptText, payload, promptTokens, completionTokens)
	}
	return nil
}

// Clear removes Tier-2 cached entries for model (or every model if model is
// empty) and returns the number removed. Tier-1 entries are not removed:
// they stay until their own TTL expires, since Tier 1 holds no per-model
// index.
func (m *Manager) Clear(ctx context.Context, model string) (int64, error) {
	return m.store.ClearCache(ctx, model)
}

// Stats returns Tier-2 aggregate statistics (spec.md §4.4 stats()).
func (m *Manager) Stats(ctx context.Context) (store.CacheStatsRow, error) {
	return m.store.CacheStats(ctx)
}

// RecordCostSaved increments a semantic-hit entry's hit count and
// cost-saved total by the cost the orchestrator computed for the request
// the cache hit avoided. Called once per semantic hit, after the cost
// ledger prices the would-have-been completion.
func (m *Manager) RecordCostSaved(ctx context.Context, entryID string, amountUSD decimal.Decimal) error {
	id, err := uuid.Parse(entryID)
	if err != nil {
		return err
	}
	return m.store.TouchCacheEntry(ctx, id, amountUSD.StringFixed(8))
}

// MarshalPayload is a convenience used by callers that need to cache a Go
// value (rather than raw provider bytes) under the same key scheme.
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
