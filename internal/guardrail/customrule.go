package guardrail

import (
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// EvaluateCustomRule dispatches on rule.Type, matching the original's
// evaluator shape (config.pattern / config.words / config.model +
// config.max_tokens).
func EvaluateCustomRule(rule *store.GuardrailRule, messages []Message) ([]Violation, []Message) {
	switch rule.Type {
	case store.RuleTypeRegex:
		return evalRegexRule(rule, messages)
	case store.RuleTypeWordList:
		return evalWordListRule(rule, messages)
	case store.RuleTypeMaxTokens:
		return evalMaxTokensRule(rule, messages)
	default:
		return nil, messages
	}
}

func evalRegexRule(rule *store.GuardrailRule, messages []Message) ([]Violation, []Message) {
	pattern := gjson.GetBytes(rule.Config, "pattern").String()
	if pattern == "" {
		return nil, messages
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, messages
	}
	for _, m := range messages {
		if isSystem(m.Role) {
			continue
		}
		if re.MatchString(m.Content) {
			return []Violation{{
				Rule: rule.Name, Type: rule.Type, Stage: rule.Stage, Action: rule.Action,
				Details: map[string]any{"pattern": pattern},
			}}, messages
		}
	}
	return nil, messages
}

func evalWordListRule(rule *store.GuardrailRule, messages []Message) ([]Violation, []Message) {
	var words []string
	for _, w := range gjson.GetBytes(rule.Config, "words").Array() {
		if s := w.String(); s != "" {
			words = append(words, strings.ToLower(s))
		}
	}
	if len(words) == 0 {
		return nil, messages
	}
	for _, m := range messages {
		if isSystem(m.Role) {
			continue
		}
		lower := strings.ToLower(m.Content)
		for _, w := range words {
			if strings.Contains(lower, w) {
				return []Violation{{
					Rule: rule.Name, Type: rule.Type, Stage: rule.Stage, Action: rule.Action,
					Details: map[string]any{"word": w},
				}}, messages
			}
		}
	}
	return nil, messages
}

func evalMaxTokensRule(rule *store.GuardrailRule, messages []Message) ([]Violation, []Message) {
	model := gjson.GetBytes(rule.Config, "model").String()
	maxTokens := int(gjson.GetBytes(rule.Config, "max_tokens").Int())
	if maxTokens <= 0 {
		return nil, messages
	}

	var text strings.Builder
	for _, m := range messages {
		text.WriteString(m.Content)
		text.WriteByte('\n')
	}

	count := CountTokens(model, text.String())
	if count <= maxTokens {
		return nil, messages
	}
	return []Violation{{
		Rule: rule.Name, Type: rule.Type, Stage: rule.Stage, Action: rule.Action,
		Details: map[string]any{"tokens": count, "max_tokens": maxTokens},
	}}, messages
}

// CountTokens tokenizes text with model's native tiktoken encoder, falling
// back to cl100k_base (the generic GPT-3.5/4-era encoding) when the model is
// unknown, per spec.md §4.3's max_tokens rule.
func CountTokens(model, text string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// No encoder available at all — approximate at 4 chars/token,
			// the same heuristic the teacher's SSE writer already uses for
			// post-stream completion-token estimation.
			return len(text) / 4
		}
	}
	return len(enc.Encode(text, nil, nil))
}
