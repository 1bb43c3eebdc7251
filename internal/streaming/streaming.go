// Package streaming forwards a provider's chunk sequence to the client as
// Server-Sent Events while maintaining the accumulator spec.md §4.8 names:
// prompt/completion token counts, the finish reason, how many chunks were
// forwarded, and the assembled text (for a local-tokenizer fallback and for
// the request log).
//
// Grounded on internal/proxy/gateway.go's writeSSE closure, lifted into a
// standalone type so both the orchestrator and any future admin tooling can
// reuse it, and extended with the pre/post-first-chunk failure split §4.8
// requires: a failure before any chunk is forwarded is retried against the
// next deployment by the caller; a failure after the first chunk cannot be
// retried mid-stream, so it is rendered as an inline error chunk instead.
// Providers signal a mid-stream failure as a StreamChunk with
// FinishReason "error" (see internal/providers/openai's handleStreaming),
// not a separate error channel.
package streaming

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const errorFinishReason = "error"

// Accumulator tracks the state of one in-flight SSE stream.
type Accumulator struct {
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	ChunksSent       int
	AssembledText    strings.Builder
}

// EstimatedCompletionTokens returns CompletionTokens if the provider
// reported it, otherwise a ~4-characters-per-token estimate of the
// assembled text (spec.md §4.8's "local tokenizer" fallback).
func (a *Accumulator) EstimatedCompletionTokens() int {
	if a.CompletionTokens > 0 {
		return a.CompletionTokens
	}
	n := a.AssembledText.Len() / 4
	if n == 0 && a.AssembledText.Len() > 0 {
		n = 1
	}
	return n
}

// ErrNoChunksForwarded signals that the stream failed before any content
// reached the client, so the caller may retry against the next deployment
// in the chain instead of terminating the response.
var ErrNoChunksForwarded = errors.New("streaming: upstream failed before any chunk was forwarded")

// Forward drains chunks from stream, writing one SSE `data: <json>\n\n`
// line per content chunk to w, then `data: [DONE]\n\n`.
//
// If the very first chunk received reports FinishReason "error", Forward
// writes nothing and returns ErrNoChunksForwarded, so the caller can retry
// the next deployment. Once at least one content chunk has been forwarded,
// a later error chunk is rendered as an inline SSE error event instead,
// since the response can no longer be retried mid-stream; Forward still
// terminates the stream with [DONE] in that case.
func (a *Accumulator) Forward(w *bufio.Writer, stream <-chan providers.StreamChunk) error {
	for chunk := range stream {
		if chunk.FinishReason == errorFinishReason {
			if a.ChunksSent == 0 {
				return ErrNoChunksForwarded
			}
			writeErrorChunk(w, chunk.Content)
			return writeDone(w)
		}

		a.AssembledText.WriteString(chunk.Content)
		if chunk.FinishReason != "" {
			a.FinishReason = chunk.FinishReason
		}

		if err := writeChunk(w, chunk); err != nil {
			return fmt.Errorf("streaming: write chunk: %w", err)
		}
		a.ChunksSent++
	}

	return writeDone(w)
}

func writeChunk(w *bufio.Writer, chunk providers.StreamChunk) error {
	delta := map[string]any{
		"id":      "chatcmpl-stream",
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"choices": []map[string]any{
			{
				"index": 0,
				"delta": map[string]string{"content": chunk.Content},
				"finish_reason": func() any {
					if chunk.FinishReason != "" {
						return chunk.FinishReason
					}
					return nil
				}(),
			},
		},
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// writeErrorChunk renders a mid-stream failure as an inline SSE error
// event, matching the OpenAI-compatible error envelope shape pkg/apierr
// uses for non-streaming errors.
func writeErrorChunk(w *bufio.Writer, message string) {
	body := map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "provider_error",
			"code":    "stream_interrupted",
		},
	}
	data, _ := json.Marshal(body)
	fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
	w.Flush()                           //nolint:errcheck
}

func writeDone(w *bufio.Writer) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
