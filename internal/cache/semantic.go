package cache

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const (
	defaultSemanticThreshold = 0.95
	defaultCacheTTL          = time.Hour
)

// SemanticCache is the Tier-2, pgvector-backed similarity cache (spec.md
// §4.4). Candidates are narrowed to the requested model in SQL; cosine
// ranking happens here so the store layer stays free of pgvector SQL
// operator syntax.
type SemanticCache struct {
	store     store.Store
	embedder  Embedder
	threshold float64
	ttl       time.Duration
	candidateLimit int
}

func NewSemanticCache(s store.Store, embedder Embedder) *SemanticCache {
	return &SemanticCache{
		store:          s,
		embedder:       embedder,
		threshold:      defaultSemanticThreshold,
		ttl:            defaultCacheTTL,
		candidateLimit: 200,
	}
}

func (c *SemanticCache) WithThreshold(t float64) *SemanticCache {
	c.threshold = t
	return c
}

func (c *SemanticCache) WithTTL(ttl time.Duration) *SemanticCache {
	c.ttl = ttl
	return c
}

// Lookup embeds promptText and searches active entries for the given model
// for the nearest neighbor above the similarity threshold. Returns
// (nil, false) on a miss or on any embedding/store error — semantic lookup
// is best-effort and must never fail the request.
func (c *SemanticCache) Lookup(ctx context.Context, model, promptText string) (*store.CacheEntry, bool) {
	if promptText == "" {
		return nil, false
	}

	vec, err := c.embedder.Embed(ctx, promptText)
	if err != nil {
		slog.WarnContext(ctx, "cache_semantic_embed_error", slog.String("error", err.Error()))
		return nil, false
	}

	candidates, err := c.store.FindSimilarCacheEntries(ctx, model, c.candidateLimit)
	if err != nil {
		slog.WarnContext(ctx, "cache_semantic_query_error", slog.String("error", err.Error()))
		return nil, false
	}

	var best *store.CacheEntry
	bestSim := -1.0
	for _, entry := range candidates {
		sim := cosineSimilarity(vec, entry.Embedding)
		if sim > bestSim {
			bestSim = sim
			best = entry
		}
	}

	if best == nil || bestSim < c.threshold {
		return nil, false
	}

	slog.DebugContext(ctx, "cache_semantic_hit",
		slog.String("model", model),
		slog.Float64("similarity", bestSim),
		slog.String("entry_id", best.ID.String()),
	)
	return best, true
}

// Store writes a new Tier-2 entry with its embedding. promptHash must match
// the Tier-1 exact key so a later exact lookup and a semantic promotion
// (see Manager) resolve to the same row.
func (c *SemanticCache) Store(ctx context.Context, promptHash, model, promptText string, payload []byte, promptTokens, completionTokens int) error {
	vec, err := c.embedder.Embed(ctx, promptText)
	if err != nil {
		return nil // best-effort: a failed embed just skips Tier 2, exact cache still works
	}

	entry := &store.CacheEntry{
		ID:               uuid.New(),
		PromptHash:       promptHash,
		Embedding:        vec,
		Model:            model,
		PromptText:       promptText,
		ResponsePayload:  payload,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(c.ttl),
	}
	return c.store.PutCacheEntry(ctx, entry)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
