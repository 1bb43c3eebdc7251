// Package store is the relational persistence layer for principals,
// deployments, cache entries, guardrail rules, prompts, request logs, and
// audit events (spec.md §6 "Persisted state").
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Principal is a bearer API key and the quotas attached to it.
type Principal struct {
	ID            uuid.UUID
	KeyHash       string
	KeyPrefix     string
	Name          string
	ModelAllow    []string // empty means no restriction
	BudgetUSD     *decimal.Decimal
	SpendUSD      decimal.Decimal
	RateLimitRPM  *int
	RateLimitTPM  *int
	Active        bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// AllowsModel reports whether the principal's allow-list permits model.
// An empty allow-list means every model is permitted.
func (p *Principal) AllowsModel(model string) bool {
	if len(p.ModelAllow) == 0 {
		return true
	}
	for _, m := range p.ModelAllow {
		if m == model {
			return true
		}
	}
	return false
}

// OverBudget reports whether spend has reached or exceeded the budget limit.
func (p *Principal) OverBudget() bool {
	if p.BudgetUSD == nil {
		return false
	}
	return p.SpendUSD.Cmp(*p.BudgetUSD) >= 0
}

// Deployment is a configured way to reach one model on one provider.
type Deployment struct {
	ID                 uuid.UUID
	Name               string
	Provider           string
	ModelName          string
	BaseURL            string
	EncryptedCredential string
	Priority           int
	Weight             int
	Active             bool
	Healthy            bool
	ConsecutiveFailures int
	CooldownUntil      *time.Time
	RateLimitRPM       *int
	RateLimitTPM       *int
}

// CacheEntry is a single cached prompt/response pair (spec.md §3).
type CacheEntry struct {
	ID                uuid.UUID
	PromptHash        string
	Embedding         []float32 // 384-dim
	Model             string
	PromptText        string
	ResponsePayload   []byte // serialized JSON response
	PromptTokens      int
	CompletionTokens  int
	HitCount          int
	CostSavedUSD      decimal.Decimal
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// GuardrailRuleType enumerates supported custom-rule kinds.
type GuardrailRuleType string

const (
	RuleTypePII          GuardrailRuleType = "pii"
	RuleTypeInjection    GuardrailRuleType = "injection"
	RuleTypeContentFilter GuardrailRuleType = "content_filter"
	RuleTypeRegex        GuardrailRuleType = "regex"
	RuleTypeWordList     GuardrailRuleType = "word_list"
	RuleTypeMaxTokens    GuardrailRuleType = "max_tokens"
)

// GuardrailStage enumerates when a rule runs.
type GuardrailStage string

const (
	StagePre  GuardrailStage = "pre"
	StagePost GuardrailStage = "post"
	StageBoth GuardrailStage = "both"
)

// GuardrailAction enumerates what a rule does on a match.
type GuardrailAction string

const (
	ActionBlock  GuardrailAction = "block"
	ActionRedact GuardrailAction = "redact"
	ActionWarn   GuardrailAction = "warn"
	ActionLog    GuardrailAction = "log"
)

// GuardrailRule is a named, DB-backed guardrail configuration. Config is kept
// as raw JSON rather than unmarshaled into a per-type struct: rule types
// disagree on shape (pattern vs words vs model+max_tokens) and evaluators
// pull out only the handful of fields their type needs.
type GuardrailRule struct {
	ID       uuid.UUID
	Name     string
	Type     GuardrailRuleType
	Stage    GuardrailStage
	Action   GuardrailAction
	Config   json.RawMessage
	Priority int
	Active   bool
}

// PromptTemplate is an operator-defined prompt template (rendering is out of
// core scope per spec.md §1; only storage lives here).
type PromptTemplate struct {
	ID       uuid.UUID
	Name     string
	Template string
	Active   bool
}

// RequestLog is an append-only record of one completed request.
type RequestLog struct {
	RequestID        string
	PrincipalID      *uuid.UUID
	DeploymentID     *uuid.UUID
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	CostUSD          decimal.Decimal
	LatencyMS        int64
	HTTPStatus       int
	Cached           bool
	Metadata         map[string]any
	ErrorMessage     string
	CreatedAt        time.Time
}

// AuditEvent records an administrative mutation (key created, deployment
// updated, rule toggled, ...).
type AuditEvent struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	Target    string
	Details   map[string]any
	CreatedAt time.Time
}
