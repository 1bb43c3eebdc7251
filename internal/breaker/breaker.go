// Package breaker decides whether a deployment may receive the next
// request, per spec.md §4.5. State (consecutive_failures, cooldown_until,
// healthy) is DB-backed on store.Deployment, not cached in-process: spec.md
// §9 is explicit that transitions must stay consistent across worker
// processes, and a local cache that doesn't solve invalidation is worse
// than no cache. Every call takes the deployment snapshot the router just
// fetched and mutates the store directly.
package breaker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// State mirrors the three circuit states of spec.md §4.5.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultThreshold is the consecutive-failure count that opens the
	// breaker (spec.md §4.5 default).
	DefaultThreshold = 3
	// DefaultCooldown is the base cooldown after tripping; a failed
	// HALF_OPEN probe doubles it (spec.md §4.5).
	DefaultCooldown = 60 * time.Second
)

// Breaker evaluates and mutates per-deployment circuit state.
type Breaker struct {
	store           store.Store
	threshold       int
	cooldownSeconds int
}

func New(s store.Store) *Breaker {
	return &Breaker{store: s, threshold: DefaultThreshold, cooldownSeconds: int(DefaultCooldown.Seconds())}
}

func (b *Breaker) WithThreshold(n int) *Breaker {
	b.threshold = n
	return b
}

func (b *Breaker) WithCooldown(d time.Duration) *Breaker {
	b.cooldownSeconds = int(d.Seconds())
	return b
}

// StateOf derives the circuit state from dep's store-loaded fields
// (spec.md §4.5): CLOSED iff healthy; OPEN iff unhealthy and still
// cooling down; HALF_OPEN iff unhealthy and the cooldown has elapsed.
func StateOf(dep *store.Deployment) State {
	if dep.Healthy {
		return Closed
	}
	if dep.CooldownUntil != nil && time.Now().Before(*dep.CooldownUntil) {
		return Open
	}
	return HalfOpen
}

// Allow reports whether dep may receive the next request: CLOSED and
// HALF_OPEN both allow traffic (HALF_OPEN allows exactly the recovery
// probe the router sends it), OPEN does not.
func (b *Breaker) Allow(dep *store.Deployment) bool {
	return StateOf(dep) != Open
}

// RecordSuccess resets the breaker to CLOSED. A success in HALF_OPEN or
// CLOSED both reset consecutive_failures and clear cooldown_until
// (spec.md §4.5).
func (b *Breaker) RecordSuccess(ctx context.Context, deploymentID uuid.UUID) error {
	return b.store.RecordDeploymentSuccess(ctx, deploymentID)
}

// RecordFailure increments the consecutive-failure counter. The store
// applies the threshold/doubling transitions atomically: CLOSED → OPEN at
// threshold with the base cooldown, and a HALF_OPEN failure doubles the
// cooldown instead of resetting it to the base value.
func (b *Breaker) RecordFailure(ctx context.Context, dep *store.Deployment) error {
	return b.store.RecordDeploymentFailure(ctx, dep.ID, b.threshold, b.cooldownSeconds)
}
