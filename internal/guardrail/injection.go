package guardrail

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

type injectionPattern struct {
	Pattern *regexp.Regexp
	Score   float64
}

// regex patterns for override phrasing, role impersonation, system-prompt
// extraction, delimiter injection, and jailbreak markers (spec.md §4.3 (a)).
var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore (all|any|the) (previous|prior|above) (instructions|prompts?)`), 0.95},
	{regexp.MustCompile(`(?i)disregard (all|any|the) (previous|prior|above)`), 0.9},
	{regexp.MustCompile(`(?i)you are now (a|an|in) .*(mode|jailbreak|dan)`), 0.85},
	{regexp.MustCompile(`(?i)pretend (you are|to be) (an? )?(unrestricted|uncensored|different)`), 0.8},
	{regexp.MustCompile(`(?i)reveal (your|the) (system|hidden) prompt`), 0.9},
	{regexp.MustCompile(`(?i)(print|show|output) (your|the) (system|initial) (prompt|instructions)`), 0.85},
	{regexp.MustCompile(`(?i)act as (if you|though you) (are|were)`), 0.6},
	{regexp.MustCompile(`(?i)bypass (your|the|all) (safety|content|restriction)`), 0.85},
	{regexp.MustCompile(`(?i)\boverride\b.*\b(system|instructions|rules)\b`), 0.8},
}

// structural markers — delimiter injection (spec.md §4.3 (c)).
var structuralPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)###\s*system\s*:`), 0.75},
	{regexp.MustCompile(`(?i)<system>`), 0.75},
	{regexp.MustCompile(`(?i)\[INST\]`), 0.6},
	{regexp.MustCompile(`(?i)<\|im_start\|>`), 0.7},
}

var base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{16,}={0,2}`)

var evasionKeywords = []string{"ignore", "override", "bypass", "disregard", "jailbreak"}

// InjectionChecker scores messages for prompt-injection likelihood
// (spec.md §4.3 (a)-(c)). System-role messages are never scanned.
type InjectionChecker struct {
	threshold float64
}

func NewInjectionChecker(threshold float64) *InjectionChecker {
	return &InjectionChecker{threshold: threshold}
}

func (c *InjectionChecker) Check(_ context.Context, messages []Message) ([]Violation, []Message) {
	maxScore := 0.0
	var matched []string

	for _, m := range messages {
		if isSystem(m.Role) {
			continue
		}
		score, labels := c.scoreText(m.Content)
		if score > maxScore {
			maxScore = score
		}
		matched = append(matched, labels...)
	}

	if maxScore < c.threshold {
		return nil, messages
	}
	return []Violation{{
		Rule: "injection_detection", Type: store.RuleTypeInjection, Stage: store.StagePre,
		Action: store.ActionBlock,
		Details: map[string]any{
			"score":   maxScore,
			"matches": matched,
		},
	}}, messages
}

func (c *InjectionChecker) scoreText(text string) (float64, []string) {
	maxScore := 0.0
	var labels []string

	for _, p := range injectionPatterns {
		if p.Pattern.MatchString(text) {
			labels = append(labels, p.Pattern.String())
			if p.Score > maxScore {
				maxScore = p.Score
			}
		}
	}
	for _, p := range structuralPatterns {
		if p.Pattern.MatchString(text) {
			labels = append(labels, "structural:"+p.Pattern.String())
			if p.Score > maxScore {
				maxScore = p.Score
			}
		}
	}

	// Encoding-evasion: decode base64-looking substrings and re-scan for
	// keywords (spec.md §4.3 (b)).
	for _, candidate := range base64Candidate.FindAllString(text, -1) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		lower := strings.ToLower(string(decoded))
		for _, kw := range evasionKeywords {
			if strings.Contains(lower, kw) {
				labels = append(labels, "encoded:"+kw)
				if 0.8 > maxScore {
					maxScore = 0.8
				}
			}
		}
	}

	// Homoglyph risk: Latin and Cyrillic letters both present in the text.
	if hasMixedScript(text) {
		labels = append(labels, "homoglyph_risk")
		if 0.5 > maxScore {
			maxScore = 0.5
		}
	}

	return maxScore, labels
}

func hasMixedScript(text string) bool {
	hasLatin, hasCyrillic := false, false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Latin, r):
			hasLatin = true
		case unicode.Is(unicode.Cyrillic, r):
			hasCyrillic = true
		}
		if hasLatin && hasCyrillic {
			return true
		}
	}
	return false
}
