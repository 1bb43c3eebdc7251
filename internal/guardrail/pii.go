package guardrail

import (
	"context"
	"regexp"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// piiPattern is one named PII detector.
type piiPattern struct {
	Type    string
	Pattern *regexp.Regexp
	// Validate, if set, filters out regex matches that aren't structurally
	// valid (e.g. Luhn check for credit cards) to suppress false positives.
	Validate func(match string) bool
}

var piiPatterns = []piiPattern{
	{Type: "EMAIL", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{Type: "PHONE", Pattern: regexp.MustCompile(`\+?[1-9]\d{1,14}|\(\d{3}\)\s?\d{3}[\-.\s]?\d{4}|\d{3}[\-.\s]\d{3}[\-.\s]\d{4}`)},
	{Type: "SSN", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Type: "CREDIT_CARD", Pattern: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), Validate: luhnValid},
	{Type: "IPV4", Pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	{Type: "AWS_KEY", Pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{Type: "OPENAI_KEY", Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
}

// luhnValid implements the Luhn checksum to suppress false-positive
// credit-card matches (spec.md §4.3: "with Luhn validation to suppress
// false positives").
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 12 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// PIIChecker detects and redacts PII per spec.md §4.3. Redaction is
// idempotent: re-running Check over already-redacted text finds no further
// matches because "[TYPE_REDACTED]" tokens don't match any pattern.
type PIIChecker struct{}

func NewPIIChecker() *PIIChecker { return &PIIChecker{} }

func (c *PIIChecker) Check(_ context.Context, messages []Message) ([]Violation, []Message) {
	var matchedTypes []string
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if isSystem(m.Role) {
			continue
		}
		redacted := m.Content
		for _, p := range piiPatterns {
			redacted = p.Pattern.ReplaceAllStringFunc(redacted, func(match string) string {
				if p.Validate != nil && !p.Validate(match) {
					return match
				}
				matchedTypes = append(matchedTypes, p.Type)
				return "[" + p.Type + "_REDACTED]"
			})
		}
		out[i].Content = redacted
	}

	if len(matchedTypes) == 0 {
		return nil, messages
	}
	return []Violation{{
		Rule: "pii_detection", Type: store.RuleTypePII, Stage: store.StagePre,
		Action:  store.ActionRedact,
		Details: map[string]any{"types": matchedTypes},
	}}, out
}
