// Package guardrail runs pre- and post-request content checks (spec.md
// §4.3): PII, prompt-injection, content-filter, and custom DB-defined rules.
package guardrail

import (
	"context"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Message mirrors providers.Message to avoid an import cycle; the caller
// converts once at the orchestrator boundary.
type Message struct {
	Role    string
	Content string
}

// Violation is one rule match.
type Violation struct {
	Rule    string
	Type    store.GuardrailRuleType
	Stage   store.GuardrailStage
	Action  store.GuardrailAction
	Details map[string]any
}

// Result is the outcome of running a stage over a set of messages.
type Result struct {
	Violations []Violation
	// Messages is the (possibly redacted) message set to use downstream.
	Messages []Message
	Blocked  bool
}

// Checker is implemented by every built-in and custom-rule check.
type Checker interface {
	// Check scans messages and returns any violations. Checkers must not
	// scan system-role messages (spec.md §4.3: "trusted configuration, not
	// user input").
	Check(ctx context.Context, messages []Message) ([]Violation, []Message)
}

// Engine runs the ordered pre/post pipelines of spec.md §4.3.
type Engine struct {
	store      store.Store
	pii        *PIIChecker
	injection  *InjectionChecker
	content    *ContentFilterChecker
	maxInputLen int
}

// NewEngine builds an Engine with the built-in checkers and a default max
// input length (sum of message content string lengths).
func NewEngine(s store.Store, maxInputLen int) *Engine {
	return &Engine{
		store:       s,
		pii:         NewPIIChecker(),
		injection:   NewInjectionChecker(0.70),
		content:     NewContentFilterChecker(),
		maxInputLen: maxInputLen,
	}
}

// RunPre executes the pre-request order of spec.md §4.3: length check, PII,
// injection, content filter, then active pre/both custom DB rules ordered by
// priority — stopping at the first blocking violation.
func (e *Engine) RunPre(ctx context.Context, messages []Message) (Result, error) {
	res := Result{Messages: messages}

	if n := totalLen(messages); e.maxInputLen > 0 && n > e.maxInputLen {
		res.Violations = append(res.Violations, Violation{
			Rule: "input_length", Type: store.RuleTypeMaxTokens, Stage: store.StagePre,
			Action: store.ActionBlock,
			Details: map[string]any{"length": n, "max": e.maxInputLen},
		})
		res.Blocked = true
		return res, nil
	}

	steps := []Checker{e.pii, e.injection, e.content}
	for _, c := range steps {
		violations, redacted := c.Check(ctx, res.Messages)
		res.Messages = redacted
		res.Violations = append(res.Violations, violations...)
		if anyBlocking(violations) {
			res.Blocked = true
			return res, nil
		}
	}

	rules, err := e.store.ListActiveGuardrailRules(ctx, store.StagePre)
	if err != nil {
		return res, err
	}
	for _, rule := range rules {
		violations, redacted := EvaluateCustomRule(rule, res.Messages)
		res.Messages = redacted
		res.Violations = append(res.Violations, violations...)
		if anyBlocking(violations) {
			res.Blocked = true
			return res, nil
		}
	}
	return res, nil
}

// RunPost executes the post-response order of spec.md §4.3: content filter
// and active post/both custom rules, over the assembled assistant text.
// Post-response guardrails are best-effort: a block does not retract an
// already-sent response (spec.md §9 open-question decision). RunPost only
// reports the violations and the Blocked flag to its caller.
func (e *Engine) RunPost(ctx context.Context, assistantText string) (Result, error) {
	msgs := []Message{{Role: "assistant", Content: assistantText}}
	res := Result{Messages: msgs}

	violations, _ := e.content.Check(ctx, msgs)
	res.Violations = append(res.Violations, violations...)
	if anyBlocking(violations) {
		res.Blocked = true
	}

	rules, err := e.store.ListActiveGuardrailRules(ctx, store.StagePost)
	if err != nil {
		return res, err
	}
	for _, rule := range rules {
		v, _ := EvaluateCustomRule(rule, msgs)
		res.Violations = append(res.Violations, v...)
		if anyBlocking(v) {
			res.Blocked = true
		}
	}
	return res, nil
}

func anyBlocking(vs []Violation) bool {
	for _, v := range vs {
		if v.Action == store.ActionBlock {
			return true
		}
	}
	return false
}

func totalLen(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// isSystem reports whether a message's role is the trusted "system" role,
// which every checker skips per spec.md §4.3.
func isSystem(role string) bool {
	return strings.EqualFold(role, "system")
}
