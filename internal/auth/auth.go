// Package auth resolves a bearer API key to a principal (spec.md §4.1).
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Kind enumerates the auth failure modes of spec.md §4.1. Each maps to a
// distinct wire error via pkg/apierr.
type Kind int

const (
	// OK is not a failure — included for exhaustiveness in switches.
	OK Kind = iota
	MissingCredentials
	InvalidCredentials
	ExpiredCredentials
)

// Error wraps an auth failure with its Kind.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(k Kind, msg string) *Error { return &Error{Kind: k, msg: msg} }

// masterPrincipalID is fixed so every master-secret request is attributed
// consistently in logs and spend tracking. The master principal carries no
// budget or rate limits, and the orchestrator skips its RPM check for it.
var masterPrincipalID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Resolver authenticates bearer tokens against the configured master secret
// or, failing that, the principal store.
type Resolver struct {
	store        store.Store
	masterSecret string
}

// NewResolver builds a Resolver. masterSecret may be empty to disable the
// ambient-admin shortcut entirely.
func NewResolver(s store.Store, masterSecret string) *Resolver {
	return &Resolver{store: s, masterSecret: masterSecret}
}

// Resolve extracts the bearer token from an Authorization header value and
// resolves it to a principal. The master principal returned for the master
// secret has unlimited quotas (nil budget/rate limits, empty allow-list).
func (r *Resolver) Resolve(ctx context.Context, authHeader string) (*store.Principal, error) {
	raw := strings.TrimSpace(authHeader)
	if raw == "" {
		return nil, newError(MissingCredentials, "missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return nil, newError(InvalidCredentials, "malformed authorization header")
	}
	token := strings.TrimSpace(raw[len(prefix):])
	if token == "" {
		return nil, newError(MissingCredentials, "missing bearer token")
	}

	if r.masterSecret != "" && token == r.masterSecret {
		return &store.Principal{
			ID:     masterPrincipalID,
			Name:   "master",
			Active: true,
		}, nil
	}

	hash := crypto.HashAPIKey(token)
	p, err := r.store.GetPrincipalByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(InvalidCredentials, "invalid api key")
		}
		return nil, err
	}
	if !p.Active {
		return nil, newError(InvalidCredentials, "api key is inactive")
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now()) {
		return nil, newError(ExpiredCredentials, "api key has expired")
	}
	return p, nil
}

// IsMaster reports whether p is the ambient admin principal.
func IsMaster(p *store.Principal) bool {
	return p != nil && p.ID == masterPrincipalID
}
