// Package costledger turns token counts into USD spend, applies it against
// a principal's running total, and prices cache hits without recording them
// (spec.md §4.10).
package costledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Ledger computes and persists the cost of a completion.
type Ledger struct {
	store   store.Store
	pricing *pricing.Table
}

func New(s store.Store, p *pricing.Table) *Ledger {
	return &Ledger{store: s, pricing: p}
}

// Charge computes the USD cost of promptTokens/completionTokens against
// model's pricing row and adds it to principalID's running spend. It
// returns the computed cost so the caller can attach it to the request log
// row without recomputing it.
func (l *Ledger) Charge(ctx context.Context, principalID uuid.UUID, model string, promptTokens, completionTokens int) (decimal.Decimal, error) {
	cost := l.pricing.Calculate(model, promptTokens, completionTokens)
	if cost.IsZero() {
		return cost, nil
	}
	if err := l.store.AddSpend(ctx, principalID, cost.StringFixed(8)); err != nil {
		return cost, fmt.Errorf("costledger: add spend: %w", err)
	}
	return cost, nil
}

// Calculate returns the USD cost without recording it, for a cache hit's
// "what would this have cost" accounting (spec.md §4.4's cost_saved_usd).
func (l *Ledger) Calculate(model string, promptTokens, completionTokens int) decimal.Decimal {
	return l.pricing.Calculate(model, promptTokens, completionTokens)
}
