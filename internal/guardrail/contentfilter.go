package guardrail

import (
	"context"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Severity enumerates content-filter severities.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type contentPhrase struct {
	Category string
	Phrase   string
	Severity Severity
}

// Built-in category blocklists. Operator-defined words/regexes are added via
// custom DB rules (store.RuleTypeWordList / store.RuleTypeRegex), not here.
var defaultBlocklist = []contentPhrase{
	{"violence", "kill everyone", SeverityHigh},
	{"violence", "how to make a bomb", SeverityHigh},
	{"harmful", "how to synthesize", SeverityHigh},
	{"harmful", "self-harm instructions", SeverityHigh},
	{"harassment", "go kill yourself", SeverityHigh},
	{"profanity", "mild insult", SeverityLow},
}

// ContentFilterChecker matches fixed category phrases. High-severity hits
// block (in both RunPre and RunPost); everything else warns (spec.md §4.3).
type ContentFilterChecker struct {
	phrases []contentPhrase
}

func NewContentFilterChecker() *ContentFilterChecker {
	return &ContentFilterChecker{phrases: defaultBlocklist}
}

func (c *ContentFilterChecker) Check(_ context.Context, messages []Message) ([]Violation, []Message) {
	var violations []Violation
	for _, m := range messages {
		if isSystem(m.Role) {
			continue
		}
		lower := strings.ToLower(m.Content)
		for _, p := range c.phrases {
			if strings.Contains(lower, p.Phrase) {
				action := store.ActionWarn
				if p.Severity == SeverityHigh {
					action = store.ActionBlock
				}
				violations = append(violations, Violation{
					Rule: "content_filter", Type: store.RuleTypeContentFilter, Stage: store.StagePre,
					Action:  action,
					Details: map[string]any{"category": p.Category, "severity": string(p.Severity)},
				})
			}
		}
	}
	return violations, messages
}
