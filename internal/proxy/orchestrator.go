package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	npcache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/costledger"
	"github.com/nulpointcorp/llm-gateway/internal/guardrail"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/requestlog"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/streaming"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// Orchestration bundles the DB-backed subsystems that upgrade the gateway
// from the simple provider-map failover path to the full pipeline: auth,
// budgets, guardrails, the two-tier cache, deployment routing with circuit
// breaking, cost accounting, and the durable request log. Auth, Router,
// Breaker and CostLedger are always used once an Orchestration is set;
// Guardrails, CacheMgr and RequestLog may be nil, and the steps that use
// them are then skipped.
type Orchestration struct {
	Store      store.Store
	Auth       *auth.Resolver
	Guardrails *guardrail.Engine
	CacheMgr   *npcache.Manager
	Router     *router.Engine
	Breaker    *breaker.Breaker
	CostLedger *costledger.Ledger
	RequestLog *requestlog.Writer
}

// SetOrchestration switches the gateway onto the DB-backed dispatch path for
// every subsequent /v1/chat/completions and /v1/completions request. Pass
// nil to revert to the simple provider-map path (used by tests and by
// deployments with no database configured).
func (g *Gateway) SetOrchestration(o *Orchestration) {
	g.orch = o
}

// dispatchChatOrchestrated implements the fixed request pipeline:
//
//  1. resolve the bearer token to a principal and enforce its model
//     allow-list and budget
//  2. RPM check against the principal's sliding window
//  3. pre-request guardrails
//  4. cache lookup (skipped for streaming)
//  5. deployment routing with per-deployment circuit breaking and failover
//  6. post-response guardrails (best-effort for streaming)
//  7. cost calculation and spend update
//  8. TPM usage recording
//  9. cache population
//  10. async request log entry
//
// Streaming requests skip steps 4 and 9 and perform 6-8 and 10 once the
// stream has drained.
func (g *Gateway) dispatchChatOrchestrated(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	// Every non-streaming exit path below must pair this with
	// decInFlightIfNotStreaming(false). Streaming finalises its own
	// in-flight accounting once the stream drains (see finishStreaming).

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.decInFlightIfNotStreaming(false)
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		g.decInFlightIfNotStreaming(false)
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 1. Auth — resolve the principal and enforce its allow-list/budget.
	principal, err := g.orch.Auth.Resolve(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.decInFlightIfNotStreaming(false)
		writeAuthError(ctx, err)
		return
	}
	if !principal.AllowsModel(req.Model) {
		g.decInFlightIfNotStreaming(false)
		apierr.WriteGatewayError(ctx, apierr.New(apierr.KindAccessDenied,
			fmt.Sprintf("model %q is not permitted for this key", req.Model), nil))
		return
	}
	if principal.OverBudget() {
		g.decInFlightIfNotStreaming(false)
		apierr.WriteGatewayError(ctx, apierr.New(apierr.KindBudgetExceeded,
			"monthly budget exhausted", nil))
		return
	}

	// 2. RPM check (skipped for the master principal).
	if g.rpmLimiter != nil && !auth.IsMaster(principal) {
		rpmLimit := g.rpmLimit
		if principal.RateLimitRPM != nil {
			rpmLimit = *principal.RateLimitRPM
		}
		id := ratelimit.Identifier("rpm", "principal", principal.ID.String())
		if _, err := g.rpmLimiter.CheckOrReject(ctx, id, rpmLimit, 1); err != nil {
			g.decInFlightIfNotStreaming(false)
			if gerr, ok := err.(*apierr.GatewayError); ok {
				apierr.WriteGatewayError(ctx, gerr)
				return
			}
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 3. Pre-request guardrails.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		text, blocks := parseInboundContent(m.Content)
		msgs[i] = providers.Message{
			Role:       m.Role,
			Content:    text,
			Blocks:     blocks,
			ToolCalls:  toProviderToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
	}
	if g.orch.Guardrails != nil {
		gmsgs := toGuardrailMessages(msgs)
		pre, err := g.orch.Guardrails.RunPre(ctx, gmsgs)
		if err != nil {
			g.decInFlightIfNotStreaming(false)
			apierr.WriteGatewayError(ctx, apierr.New(apierr.KindInternalError, "guardrail check failed", nil))
			return
		}
		if g.metrics != nil {
			if len(pre.Violations) == 0 {
				g.metrics.RecordGuardrailCheck("pre", "none", "ok")
			}
			for _, v := range pre.Violations {
				result := "flagged"
				if pre.Blocked {
					result = "blocked"
				}
				g.metrics.RecordGuardrailCheck("pre", v.Rule, result)
			}
		}
		if pre.Blocked {
			g.decInFlightIfNotStreaming(false)
			apierr.WriteGatewayError(ctx, apierr.New(apierr.KindValidationError,
				"request blocked by guardrails", map[string]any{"violations": violationRules(pre.Violations)}))
			return
		}
		msgs = fromGuardrailMessages(pre.Messages)
	}

	var tools []providers.ToolDefinition
	if len(req.Tools) > 0 {
		tools = make([]providers.ToolDefinition, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = providers.ToolDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			}
		}
	}

	clientKey, clientKeyID := g.extractClientAPIKey(ctx)
	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
		ToolChoice:  req.ToolChoice,
		RequestID:   reqID,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
	}

	// 4. Cache lookup — non-streaming only.
	if !req.Stream && g.orch.CacheMgr != nil {
		if hit, ok := g.orch.CacheMgr.Lookup(ctx, req.Model, msgs); ok {
			g.decInFlightIfNotStreaming(false)
			if g.metrics != nil {
				g.metrics.RecordCacheTierHit(hit.Tier)
			}
			promptTokens, completionTokens := extractCachedUsage(hit.Payload)
			if hit.Tier == "semantic" && hit.EntryID != "" {
				cost := g.orch.CostLedger.Calculate(req.Model, promptTokens, completionTokens)
				_ = g.orch.CacheMgr.RecordCostSaved(ctx, hit.EntryID, cost)
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.Response.Header.Set("X-Cache-Tier", hit.Tier)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(hit.Payload)
			g.emitRequestLog(reqID, &principal.ID, nil, req.Model, "cache", promptTokens, completionTokens,
				time.Since(start), fasthttp.StatusOK, true, "")
			return
		}
	}

	// 5. Deployment routing with failover.
	deployments, err := g.orch.Router.Route(ctx, req.Model, g.maxRetries)
	if g.metrics != nil {
		g.metrics.RecordRouterStrategy(g.orch.Router.StrategyName())
	}
	if err != nil {
		g.decInFlightIfNotStreaming(false)
		if gerr, ok := err.(*apierr.GatewayError); ok {
			apierr.WriteGatewayError(ctx, gerr)
			return
		}
		apierr.WriteGatewayError(ctx, apierr.New(apierr.KindInternalError, err.Error(), nil))
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, dep, err := g.routeWithDeployments(provCtx, proxyReq, deployments, route, g.orch.Breaker)
	if err != nil {
		g.decInFlightIfNotStreaming(false)
		g.log.ErrorContext(ctx, "orchestrated_provider_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		g.emitRequestLog(reqID, &principal.ID, nil, req.Model, "", 0, 0,
			time.Since(start), fasthttp.StatusBadGateway, false, err.Error())
		return
	}

	if req.Stream && resp.Stream != nil {
		g.finishStreaming(ctx, start, route, req.Model, dep, principal, resp)
		return
	}

	g.decInFlightIfNotStreaming(false)
	g.finishNonStreaming(ctx, start, req.Model, dep, principal, msgs, resp, reqID)
}

// routeWithDeployments walks the router's ranked deployment chain, skipping
// providers that are not configured and recording breaker outcomes. A
// non-retryable provider error stops the chain immediately; shared by both
// the DB-backed orchestrated path and the simple provider-map path, each
// passing its own breaker.
func (g *Gateway) routeWithDeployments(
	ctx context.Context,
	req *providers.ProxyRequest,
	deployments []*store.Deployment,
	route string,
	br *breaker.Breaker,
) (*providers.ProxyResponse, *store.Deployment, error) {
	var lastErr error
	for _, dep := range deployments {
		prov, ok := g.providers[dep.Provider]
		if !ok {
			continue
		}
		depReq := *req
		depReq.Model = dep.ModelName

		start := time.Now()
		resp, err := prov.Request(ctx, &depReq)
		dur := time.Since(start)
		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(dep.Provider, route, "success", dur)
			}
			_ = br.RecordSuccess(ctx, dep.ID)
			return resp, dep, nil
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(dep.Provider, route, reason, dur)
			g.metrics.RecordError(dep.Provider, reason)
		}
		_ = br.RecordFailure(ctx, dep)
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no deployments available")
	}
	return nil, nil, fmt.Errorf("orchestrator: all deployments failed: %w", lastErr)
}

// finishNonStreaming runs steps 6-10 for a completed non-streaming response.
func (g *Gateway) finishNonStreaming(
	ctx *fasthttp.RequestCtx,
	start time.Time,
	model string,
	dep *store.Deployment,
	principal *store.Principal,
	msgs []providers.Message,
	resp *providers.ProxyResponse,
	reqID string,
) {
	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = providers.FinishStop
	}
	if g.orch.Guardrails != nil {
		post, err := g.orch.Guardrails.RunPost(ctx, resp.Content)
		if err == nil && post.Blocked {
			finishReason = providers.FinishContentFilter
		}
	}

	var content *string
	if len(resp.ToolCalls) == 0 || resp.Content != "" {
		content = &resp.Content
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index: 0,
				Message: outboundMessage{
					Role:      "assistant",
					Content:   content,
					ToolCalls: toOutboundToolCalls(resp.ToolCalls),
				},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 7. Cost calculation and spend update.
	cost, err := g.orch.CostLedger.Charge(ctx, principal.ID, model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if err != nil {
		g.log.WarnContext(ctx, "cost_ledger_error", slog.String("error", err.Error()))
	} else if g.metrics != nil {
		usd, _ := cost.Float64()
		g.metrics.AddLedgerSpend(model, usd)
	}

	// 8. TPM usage recording.
	if g.rpmLimiter != nil {
		tpmLimit := 0
		if principal.RateLimitTPM != nil {
			tpmLimit = *principal.RateLimitTPM
		}
		if tpmLimit > 0 {
			id := ratelimit.Identifier("tpm", "principal", principal.ID.String())
			_ = g.rpmLimiter.RecordUsage(ctx, id, resp.Usage.InputTokens+resp.Usage.OutputTokens)
		}
	}

	// 9. Cache population.
	if g.orch.CacheMgr != nil {
		_ = g.orch.CacheMgr.Store(ctx, model, msgs, body, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	var depID *uuid.UUID
	if dep != nil {
		depID = &dep.ID
	}
	// 10. Async request log.
	g.emitRequestLog(reqID, &principal.ID, depID, resp.Model, dep.Provider,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false, "")

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.log.DebugContext(ctx, "orchestrated_response_ok",
		slog.String("request_id", reqID),
		slog.String("model", resp.Model),
		slog.String("cost_usd", cost.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// finishStreaming forwards the provider stream as SSE using the accumulator,
// then performs the post-response steps once it drains. Guardrails-post is
// best-effort: a block cannot retract bytes already sent to the client.
func (g *Gateway) finishStreaming(
	ctx *fasthttp.RequestCtx,
	start time.Time,
	route string,
	model string,
	dep *store.Deployment,
	principal *store.Principal,
	resp *providers.ProxyResponse,
) {
	reqID, _ := ctx.UserValue("request_id").(string)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		acc := &streaming.Accumulator{}
		_ = acc.Forward(w, resp.Stream)

		completionTokens := acc.EstimatedCompletionTokens()
		if g.orch.Guardrails != nil {
			_, _ = g.orch.Guardrails.RunPost(context.Background(), acc.AssembledText.String())
		}

		bgCtx := context.Background()
		cost, err := g.orch.CostLedger.Charge(bgCtx, principal.ID, model, 0, completionTokens)
		if err != nil {
			g.log.Warn("cost_ledger_error", slog.String("error", err.Error()))
		} else if g.metrics != nil {
			usd, _ := cost.Float64()
			g.metrics.AddLedgerSpend(model, usd)
		}

		if g.rpmLimiter != nil && principal.RateLimitTPM != nil && *principal.RateLimitTPM > 0 {
			id := ratelimit.Identifier("tpm", "principal", principal.ID.String())
			_ = g.rpmLimiter.RecordUsage(bgCtx, id, completionTokens)
		}

		var depID *uuid.UUID
		if dep != nil {
			depID = &dep.ID
		}
		g.emitRequestLog(reqID, &principal.ID, depID, model, dep.Provider,
			0, completionTokens, time.Since(start), fasthttp.StatusOK, false, "")

		if g.metrics != nil {
			dur := time.Since(start)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, 0, -1)
			g.metrics.RecordRequest(dep.Provider, fasthttp.StatusOK, dur.Milliseconds())
			g.metrics.ObserveGatewayRequest(dep.Provider, route, "bypass", dur)
			g.metrics.AddTokens(dep.Provider, route, 0, completionTokens, false)
		}
	})
}

// decInFlightIfNotStreaming balances the IncInFlight call made at the top of
// dispatchChatOrchestrated for every exit path except the streaming one
// (which finalises its own in-flight accounting once the body stream drains).
func (g *Gateway) decInFlightIfNotStreaming(isStreaming bool) {
	if g.metrics == nil || isStreaming {
		return
	}
	g.metrics.DecInFlight()
}

// emitRequestLog writes to both the durable store log and, when configured,
// the high-volume ClickHouse sink. Both are fire-and-forget from the
// handler's perspective.
func (g *Gateway) emitRequestLog(
	requestID string,
	principalID, deploymentID *uuid.UUID,
	model, provider string,
	promptTokens, completionTokens int,
	latency time.Duration,
	status int,
	cached bool,
	errMsg string,
) {
	entry := store.RequestLog{
		RequestID:        requestID,
		PrincipalID:      principalID,
		DeploymentID:     deploymentID,
		Model:            model,
		Provider:         provider,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        latency.Milliseconds(),
		HTTPStatus:       status,
		Cached:           cached,
		ErrorMessage:     errMsg,
		CreatedAt:        time.Now(),
	}
	if g.orch.CostLedger != nil {
		entry.CostUSD = g.orch.CostLedger.Calculate(model, promptTokens, completionTokens)
	}

	if g.orch.RequestLog != nil {
		g.orch.RequestLog.Log(entry)
	}
	if g.orch.Store != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = g.orch.Store.AppendRequestLog(bgCtx, &entry)
		}()
	}
}

// writeAuthError maps an *auth.Error Kind to the wire error taxonomy.
func writeAuthError(ctx *fasthttp.RequestCtx, err error) {
	aerr, ok := err.(*auth.Error)
	if !ok {
		apierr.WriteGatewayError(ctx, apierr.New(apierr.KindInternalError, err.Error(), nil))
		return
	}
	switch aerr.Kind {
	case auth.ExpiredCredentials:
		apierr.WriteGatewayError(ctx, apierr.New(apierr.KindInvalidCredentials, "api key has expired", nil))
	default:
		apierr.WriteGatewayError(ctx, apierr.New(apierr.KindInvalidCredentials, aerr.Error(), nil))
	}
}

func toGuardrailMessages(msgs []providers.Message) []guardrail.Message {
	out := make([]guardrail.Message, len(msgs))
	for i, m := range msgs {
		out[i] = guardrail.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func fromGuardrailMessages(msgs []guardrail.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// extractCachedUsage best-effort parses the prompt/completion token counts
// out of a cached OpenAI-compatible response body, for cost-saved accounting
// on cache hits (mirrors the simple path's best-effort usage extraction).
func extractCachedUsage(payload []byte) (promptTokens, completionTokens int) {
	var cu struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &cu); err != nil {
		return 0, 0
	}
	return cu.Usage.PromptTokens, cu.Usage.CompletionTokens
}

func violationRules(vs []guardrail.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v.Action == store.ActionBlock {
			out = append(out, v.Rule)
		}
	}
	return out
}
