package proxy

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// staticDeploymentStore backs internal/router.Engine and internal/breaker.Breaker
// for gateways with no database configured. There is no admin-managed
// deployment table to read, so ListActiveDeployments synthesizes one
// deployment per configured provider on first use — the same primary +
// providers.DefaultFallbackOrder chain the provider-map failover path used
// before it was unified onto the shared router/breaker pipeline — and keeps
// serving that same row on every later call so circuit state accumulates
// across requests instead of resetting per call.
//
// Embedding store.MemStore gives it RecordDeploymentSuccess/Failure and
// AppendRequestLog for free; only deployment listing is overridden.
type staticDeploymentStore struct {
	*store.MemStore

	configured map[string]struct{}

	mu  sync.Mutex
	ids map[string]uuid.UUID // provider name -> stable deployment ID
}

func newStaticDeploymentStore(provs map[string]providers.Provider) *staticDeploymentStore {
	configured := make(map[string]struct{}, len(provs))
	for name := range provs {
		configured[name] = struct{}{}
	}
	return &staticDeploymentStore{
		MemStore:   store.NewMemStore(),
		configured: configured,
		ids:        make(map[string]uuid.UUID),
	}
}

// rowFor returns the stable deployment row for provider, registering it with
// a deterministic ID the first time it's seen.
func (s *staticDeploymentStore) rowFor(ctx context.Context, provider, model string, priority int) *store.Deployment {
	s.mu.Lock()
	id, ok := s.ids[provider]
	if !ok {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("static-deployment:"+provider))
		s.ids[provider] = id
		s.MemStore.AddDeployment(&store.Deployment{
			ID:       id,
			Name:     provider,
			Provider: provider,
			Active:   true,
			Healthy:  true,
			Weight:   1,
		})
	}
	s.mu.Unlock()

	dep, err := s.MemStore.GetDeployment(ctx, id)
	if err != nil {
		// Registration above cannot fail in MemStore; fall back to a fresh
		// row so routing still works even if that invariant ever breaks.
		dep = &store.Deployment{ID: id, Name: provider, Provider: provider, Active: true, Healthy: true, Weight: 1}
	}
	dep.ModelName = model
	dep.Priority = priority
	return dep
}

// ListActiveDeployments returns the candidate chain for model: its resolved
// primary provider first, then providers.DefaultFallbackOrder, deduped and
// restricted to configured providers.
func (s *staticDeploymentStore) ListActiveDeployments(ctx context.Context, model string) ([]*store.Deployment, error) {
	primary := resolveProvider(model)
	seen := map[string]bool{}
	names := make([]string, 0, len(providers.DefaultFallbackOrder)+1)
	for _, name := range append([]string{primary}, providers.DefaultFallbackOrder...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := s.configured[name]; ok {
			names = append(names, name)
		}
	}

	out := make([]*store.Deployment, len(names))
	for i, name := range names {
		out[i] = s.rowFor(ctx, name, model, i)
	}
	return out, nil
}
