package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemStore is an in-memory Store used by tests, in the same hand-written-fake
// style as gateway_test.go's stubCache/okProvider — no mocking framework.
type MemStore struct {
	mu sync.Mutex

	principals  map[uuid.UUID]*Principal
	byHash      map[string]uuid.UUID
	deployments map[uuid.UUID]*Deployment
	cache       map[uuid.UUID]*CacheEntry
	rules       map[uuid.UUID]*GuardrailRule
	logs        []*RequestLog
	audits      []*AuditEvent
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		principals:  make(map[uuid.UUID]*Principal),
		byHash:      make(map[string]uuid.UUID),
		deployments: make(map[uuid.UUID]*Deployment),
		cache:       make(map[uuid.UUID]*CacheEntry),
		rules:       make(map[uuid.UUID]*GuardrailRule),
	}
}

func (s *MemStore) Close() {}

// Ping always succeeds: there's no network connection to lose.
func (s *MemStore) Ping(_ context.Context) error { return nil }

// AddPrincipal seeds a principal for tests.
func (s *MemStore) AddPrincipal(p *Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
	s.byHash[p.KeyHash] = p.ID
}

// AddDeployment seeds a deployment for tests.
func (s *MemStore) AddDeployment(d *Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d
}

// AddGuardrailRule seeds a guardrail rule for tests.
func (s *MemStore) AddGuardrailRule(r *GuardrailRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

// RequestLogs returns a snapshot of every appended log row (test introspection).
func (s *MemStore) RequestLogs() []*RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

func (s *MemStore) GetPrincipalByKeyHash(_ context.Context, keyHash string) (*Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	p := *s.principals[id]
	return &p, nil
}

func (s *MemStore) AddSpend(_ context.Context, principalID uuid.UUID, deltaUSD string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return ErrNotFound
	}
	delta, err := decimal.NewFromString(deltaUSD)
	if err != nil {
		return err
	}
	p.SpendUSD = p.SpendUSD.Add(delta)
	return nil
}

// GetDeployment returns a snapshot of one deployment by ID (test introspection).
func (s *MemStore) GetDeployment(_ context.Context, id uuid.UUID) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) ListActiveDeployments(_ context.Context, model string) ([]*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Deployment
	for _, d := range s.deployments {
		if d.ModelName == model && d.Active {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *MemStore) RecordDeploymentSuccess(_ context.Context, deploymentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return ErrNotFound
	}
	d.ConsecutiveFailures = 0
	d.Healthy = true
	d.CooldownUntil = nil
	return nil
}

func (s *MemStore) RecordDeploymentFailure(_ context.Context, deploymentID uuid.UUID, threshold, cooldownSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return ErrNotFound
	}
	d.ConsecutiveFailures++
	now := time.Now()
	switch {
	case !d.Healthy:
		until := now.Add(time.Duration(cooldownSeconds*2) * time.Second)
		d.CooldownUntil = &until
	case d.ConsecutiveFailures >= threshold:
		d.Healthy = false
		until := now.Add(time.Duration(cooldownSeconds) * time.Second)
		d.CooldownUntil = &until
	}
	return nil
}

func (s *MemStore) GetExactCacheEntry(_ context.Context, model, promptHash string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.cache {
		if e.Model == model && e.PromptHash == promptHash && e.ExpiresAt.After(now) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) FindSimilarCacheEntries(_ context.Context, model string, limit int) ([]*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*CacheEntry
	for _, e := range s.cache {
		if e.Model == model && e.ExpiresAt.After(now) {
			cp := *e
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) PutCacheEntry(_ context.Context, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.cache[entry.ID] = &cp
	return nil
}

func (s *MemStore) TouchCacheEntry(_ context.Context, id uuid.UUID, costSavedUSD string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	if !ok {
		return ErrNotFound
	}
	delta, err := decimal.NewFromString(costSavedUSD)
	if err != nil {
		return err
	}
	e.HitCount++
	e.CostSavedUSD = e.CostSavedUSD.Add(delta)
	return nil
}

func (s *MemStore) ClearCache(_ context.Context, model string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.cache {
		if model == "" || e.Model == model {
			delete(s.cache, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) CacheStats(_ context.Context) (CacheStatsRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out CacheStatsRow
	savings := decimal.Zero
	for _, e := range s.cache {
		out.TotalEntries++
		if e.ExpiresAt.After(now) {
			out.ActiveEntries++
		} else {
			out.ExpiredEntries++
		}
		out.TotalHits += int64(e.HitCount)
		savings = savings.Add(e.CostSavedUSD)
	}
	out.TotalCostSavedUSD = savings.StringFixed(8)
	return out, nil
}

func (s *MemStore) ListActiveGuardrailRules(_ context.Context, stage GuardrailStage) ([]*GuardrailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*GuardrailRule
	for _, r := range s.rules {
		if r.Active && (r.Stage == stage || r.Stage == StageBoth) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *MemStore) AppendRequestLog(_ context.Context, entry *RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemStore) AppendAuditEvent(_ context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.audits = append(s.audits, &cp)
	return nil
}
