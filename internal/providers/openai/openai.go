package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	params, err := p.buildChatCompletionParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return p.handleStreaming(ctx, params, opts...)
	}
	return p.handleResponse(ctx, params, opts...)
}

func (p *Provider) buildChatCompletionParams(req *providers.ProxyRequest) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openaiSDK.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			var schema map[string]any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return params, fmt.Errorf("tool %q: invalid parameters schema: %w", t.Name, err)
				}
			}
			tools[i] = openaiSDK.ChatCompletionToolParam{
				Function: openaiSDK.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openaiSDK.String(t.Description),
					Parameters:  schema,
				},
			}
		}
		params.Tools = tools
	}

	switch req.ToolChoice {
	case "":
	case "auto", "none", "required":
		params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openaiSDK.String(req.ToolChoice),
		}
	default:
		params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openaiSDK.ChatCompletionNamedToolChoiceParam{
				Function: openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolChoice},
			},
		}
	}

	return params, nil
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	var toolCalls []providers.ToolCall
	finishReason := providers.FinishStop
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		content = choice.Message.Content
		finishReason = mapFinishReason(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}

	return &providers.ProxyResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func mapFinishReason(r string) string {
	switch r {
	case "", "stop":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	case "tool_calls", "function_call":
		return providers.FinishToolCalls
	case "content_filter":
		return providers.FinishContentFilter
	default:
		return r
	}
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ProxyResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		type toolCallAccum struct {
			id, name, args string
		}
		toolCalls := map[int64]*toolCallAccum{}
		order := []int64{}

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				ch <- providers.StreamChunk{
					Usage: &providers.Usage{
						InputTokens:  int(chunk.Usage.PromptTokens),
						OutputTokens: int(chunk.Usage.CompletionTokens),
					},
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]

			for _, d := range c.Delta.ToolCalls {
				acc, ok := toolCalls[d.Index]
				if !ok {
					acc = &toolCallAccum{}
					toolCalls[d.Index] = acc
					order = append(order, d.Index)
				}
				if d.ID != "" {
					acc.id = d.ID
				}
				if d.Function.Name != "" {
					acc.name = d.Function.Name
				}
				acc.args += d.Function.Arguments
			}

			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{Content: c.Delta.Content}
			}

			if c.FinishReason != "" {
				var calls []providers.ToolCall
				for _, idx := range order {
					acc := toolCalls[idx]
					calls = append(calls, providers.ToolCall{ID: acc.id, Name: acc.name, Arguments: acc.args})
				}
				ch <- providers.StreamChunk{
					ToolCalls:    calls,
					FinishReason: mapFinishReason(c.FinishReason),
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}
	if req.Dimensions > 0 {
		params.Dimensions = openaiSDK.Int(int64(req.Dimensions))
	}

	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
	}, nil
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {

		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(m.Role) {
	case "tool":
		return openaiSDK.ToolMessage(m.Content, m.ToolCallID)
	case "developer":
		return openaiSDK.DeveloperMessage(m.Content)
	case "system":
		return openaiSDK.SystemMessage(m.Content)
	case "assistant":
		if len(m.ToolCalls) > 0 {
			calls := make([]openaiSDK.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				calls[i] = openaiSDK.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openaiSDK.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			asst := openaiSDK.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				asst.Content = openaiSDK.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openaiSDK.String(m.Content),
				}
			}
			return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &asst}
		}
		return openaiSDK.AssistantMessage(m.Content)
	case "user":
		fallthrough
	default:
		if len(m.Blocks) == 0 {
			return openaiSDK.UserMessage(m.Content)
		}
		parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case "image":
				parts = append(parts, openaiSDK.ChatCompletionContentPartUnionParam{
					OfImageURL: &openaiSDK.ChatCompletionContentPartImageParam{
						ImageURL: openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: b.ImageURL},
					},
				})
			default:
				if b.Text != "" {
					parts = append(parts, openaiSDK.ChatCompletionContentPartUnionParam{
						OfText: &openaiSDK.ChatCompletionContentPartTextParam{Text: b.Text},
					})
				}
			}
		}
		return openaiSDK.UserMessage(parts)
	}
}
