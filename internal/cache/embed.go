package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// EmbeddingDim is the vector width stored by the semantic cache
// (matches the migrations/0001_init.up.sql vector(384) column).
const EmbeddingDim = 384

// Embedder turns normalized prompt text into a fixed-width vector for
// semantic-cache lookups.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProviderEmbedder adapts a providers.EmbeddingProvider (the OpenAI adapter,
// in practice) into an Embedder, truncating to EmbeddingDim via the
// embeddings API's native dimensions parameter.
type ProviderEmbedder struct {
	provider providers.EmbeddingProvider
	model    string
	apiKey   string
}

func NewProviderEmbedder(p providers.EmbeddingProvider, model, apiKey string) *ProviderEmbedder {
	return &ProviderEmbedder{provider: p, model: model, apiKey: apiKey}
}

func (e *ProviderEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.provider.Embed(ctx, &providers.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: EmbeddingDim,
		APIKey:     e.apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("cache: embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// NormalizePromptForEmbedding flattens a chat message list into the single
// string that gets embedded and hashed, matching the original cache
// normalization: system messages are skipped (they're static per
// deployment and would otherwise split an identical conversation into
// different cache keys).
func NormalizePromptForEmbedding(messages []providers.Message) string {
	var parts []string
	for _, m := range messages {
		if strings.EqualFold(m.Role, "system") {
			continue
		}
		parts = append(parts, m.Role+": "+m.Content)
	}
	return strings.Join(parts, "\n")
}
