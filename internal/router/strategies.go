package router

import (
	"math/rand"
	"sort"

	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Strategy ranks a set of available deployments, most-preferred first.
// Rank must not mutate its input slice.
type Strategy interface {
	Rank(available []*store.Deployment, prices *pricing.Table) []*store.Deployment
	Name() string
}

// PriorityStrategy orders deployments by ascending Priority, the default
// named in spec.md §4.6.
type PriorityStrategy struct{}

func (PriorityStrategy) Rank(available []*store.Deployment, _ *pricing.Table) []*store.Deployment {
	out := cloneSlice(available)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (PriorityStrategy) Name() string { return "priority" }

// WeightedRoundRobinStrategy orders deployments by a weighted random draw
// without replacement: each remaining deployment's Weight is its share of
// the draw, so higher-weighted deployments tend to sort earlier but are not
// guaranteed to.
type WeightedRoundRobinStrategy struct {
	// Rand is used for the weighted draw; nil uses the package-level source.
	Rand *rand.Rand
}

func (w WeightedRoundRobinStrategy) Rank(available []*store.Deployment, _ *pricing.Table) []*store.Deployment {
	pool := cloneSlice(available)
	out := make([]*store.Deployment, 0, len(pool))
	r := w.Rand

	for len(pool) > 0 {
		total := 0
		for _, d := range pool {
			total += weightOf(d)
		}
		var pick int
		if total <= 0 {
			pick = 0
		} else {
			var n int
			if r != nil {
				n = r.Intn(total)
			} else {
				n = rand.Intn(total)
			}
			cum := 0
			for i, d := range pool {
				cum += weightOf(d)
				if n < cum {
					pick = i
					break
				}
			}
		}
		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return out
}

func (WeightedRoundRobinStrategy) Name() string { return "weighted_round_robin" }

func weightOf(d *store.Deployment) int {
	if d.Weight <= 0 {
		return 1
	}
	return d.Weight
}

// CostStrategy orders deployments by ascending output-cost-per-million-
// tokens, per the model's pricing row. Deployments whose model has no
// pricing entry sort last, since spec.md §4.6 only says to rank by known
// cost and is silent on unknowns.
type CostStrategy struct{}

func (CostStrategy) Rank(available []*store.Deployment, prices *pricing.Table) []*store.Deployment {
	out := cloneSlice(available)
	sort.SliceStable(out, func(i, j int) bool {
		ci, oki := prices.OutputCostPerMillion(out[i].ModelName)
		cj, okj := prices.OutputCostPerMillion(out[j].ModelName)
		if oki != okj {
			return oki // known price sorts before unknown
		}
		if !oki && !okj {
			return false
		}
		return ci.Cmp(cj) < 0
	})
	return out
}

func (CostStrategy) Name() string { return "cost" }

// LatencyStrategy would rank by observed p50 latency, but no latency
// telemetry is collected yet, so it degrades to PriorityStrategy as
// spec.md §4.6 allows.
type LatencyStrategy struct{}

func (LatencyStrategy) Rank(available []*store.Deployment, prices *pricing.Table) []*store.Deployment {
	return PriorityStrategy{}.Rank(available, prices)
}

func (LatencyStrategy) Name() string { return "latency" }

func cloneSlice(in []*store.Deployment) []*store.Deployment {
	out := make([]*store.Deployment, len(in))
	copy(out, in)
	return out
}
