package anthropic

import (
	"encoding/base64"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// dataURIImage is a decoded "data:<media-type>;base64,<data>" image source.
type dataURIImage struct {
	MediaType string
	Data      string
}

// parseDataURI splits a data: URI into the media type and base64 payload.
// ok is false for anything else (http(s) URLs aren't supported by the
// Messages API as inline image sources).
func parseDataURI(uri string) (img dataURIImage, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return dataURIImage{}, false
	}
	rest := uri[len(prefix):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return dataURIImage{}, false
	}
	meta, data := rest[:comma], rest[comma+1:]
	mediaType, encoding, found := strings.Cut(meta, ";")
	if !found || encoding != "base64" {
		return dataURIImage{}, false
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return dataURIImage{}, false
	}
	return dataURIImage{MediaType: mediaType, Data: data}, true
}

// mapStopReason normalizes Anthropic's stop_reason vocabulary onto the
// gateway's provider-agnostic finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishToolCalls
	default:
		return reason
	}
}

// mergeConsecutive folds consecutive same-role messages into a single
// message with concatenated content blocks, as the Messages API requires
// strict user/assistant alternation.
func mergeConsecutive(msgs []anthropic.MessageParam) []anthropic.MessageParam {
	if len(msgs) == 0 {
		return msgs
	}
	merged := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content = append(merged[n-1].Content, m.Content...)
			continue
		}
		merged = append(merged, m)
	}
	return merged
}
