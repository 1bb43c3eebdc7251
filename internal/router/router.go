// Package router selects the ordered chain of deployments a completion
// request should be attempted against (spec.md §4.6). It fetches the
// candidate deployments for a model, filters out ones the circuit breaker
// has open, ranks the survivors with a pluggable Strategy, and truncates
// the result to the configured retry budget.
package router

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Engine routes a model name to an ordered slice of deployments to try.
type Engine struct {
	store   store.Store
	breaker *breaker.Breaker
	pricing *pricing.Table
	strat   Strategy
}

// New builds an Engine using the priority strategy by default, the same
// default spec.md §4.6 names.
func New(s store.Store, b *breaker.Breaker, p *pricing.Table) *Engine {
	return &Engine{store: s, breaker: b, pricing: p, strat: PriorityStrategy{}}
}

// WithStrategy overrides the ranking strategy (e.g. for a "strategy"
// field set on the model's routing config).
func (e *Engine) WithStrategy(s Strategy) *Engine {
	e.strat = s
	return e
}

// StrategyName reports the active ranking strategy's name, for metrics.
func (e *Engine) StrategyName() string {
	if e.strat == nil {
		return PriorityStrategy{}.Name()
	}
	return e.strat.Name()
}

// Route returns the ordered chain of deployments to attempt for model,
// capped at maxRetries+1 entries (the initial attempt plus up to
// maxRetries retries). It returns a *apierr.GatewayError with
// Kind=no_healthy_deployment in both failure modes spec.md §4.6 names:
// no deployments configured for the model, and every configured
// deployment's circuit breaker is open.
func (e *Engine) Route(ctx context.Context, model string, maxRetries int) ([]*store.Deployment, error) {
	all, err := e.store.ListActiveDeployments(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("router: list deployments: %w", err)
	}
	if len(all) == 0 {
		return nil, apierr.New(apierr.KindNoHealthyDeployment,
			fmt.Sprintf("model %q is not registered", model), nil)
	}

	available := make([]*store.Deployment, 0, len(all))
	for _, dep := range all {
		if e.breaker.Allow(dep) {
			available = append(available, dep)
		}
	}
	if len(available) == 0 {
		return nil, apierr.New(apierr.KindNoHealthyDeployment,
			fmt.Sprintf("all deployments for model %q are in cooldown", model), nil)
	}

	strat := e.strat
	if strat == nil {
		strat = PriorityStrategy{}
	}
	ranked := strat.Rank(available, e.pricing)

	chain := ranked
	if limit := maxRetries + 1; limit > 0 && limit < len(chain) {
		chain = chain[:limit]
	}
	return chain, nil
}
