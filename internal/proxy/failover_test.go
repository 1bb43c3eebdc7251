package proxy

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
)

func TestStaticDeploymentStore_PrimaryFirst(t *testing.T) {
	s := newStaticDeploymentStore(map[string]providers.Provider{
		"anthropic": okProvider("anthropic"), "openai": okProvider("openai"),
	})
	deps, err := s.ListActiveDeployments(context.Background(), "claude-3-opus")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps) == 0 || deps[0].Provider != "anthropic" {
		t.Errorf("expected anthropic first, got %+v", deps)
	}
}

func TestStaticDeploymentStore_NoDuplicates(t *testing.T) {
	s := newStaticDeploymentStore(map[string]providers.Provider{
		"openai": okProvider("openai"), "anthropic": okProvider("anthropic"),
		"gemini": okProvider("gemini"), "mistral": okProvider("mistral"),
	})
	for _, model := range []string{"gpt-4o", "claude-3-opus", "gemini-pro", "mistral-large"} {
		t.Run(model, func(t *testing.T) {
			deps, err := s.ListActiveDeployments(context.Background(), model)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			seen := make(map[string]bool)
			for _, d := range deps {
				if seen[d.Provider] {
					t.Errorf("duplicate candidate: %s", d.Provider)
				}
				seen[d.Provider] = true
			}
		})
	}
}

func TestStaticDeploymentStore_RestrictedToConfiguredProviders(t *testing.T) {
	s := newStaticDeploymentStore(map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	deps, err := s.ListActiveDeployments(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, d := range deps {
		if d.Provider != "openai" {
			t.Errorf("unconfigured provider %q should not appear in the chain", d.Provider)
		}
	}
}

func TestStaticDeploymentStore_PersistsBreakerStateAcrossCalls(t *testing.T) {
	s := newStaticDeploymentStore(map[string]providers.Provider{"openai": okProvider("openai")})
	br := breaker.New(s)
	re := router.New(s, br, pricing.Default())
	ctx := context.Background()

	first, err := re.Route(ctx, "gpt-4o", 1)
	if err != nil || len(first) == 0 {
		t.Fatalf("unexpected: deps=%v err=%v", first, err)
	}
	for i := 0; i < breakerTripThreshold; i++ {
		if err := br.RecordFailure(ctx, first[0]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// ListActiveDeployments itself doesn't filter by breaker state — the
	// router applies that filter — so the same row is still returned...
	listed, err := s.ListActiveDeployments(ctx, "gpt-4o")
	if err != nil || len(listed) == 0 {
		t.Fatalf("unexpected: deps=%v err=%v", listed, err)
	}

	// ...but routing through the breaker now excludes it.
	if _, err := re.Route(ctx, "gpt-4o", 1); err == nil {
		t.Error("expected the tripped deployment's only route to be excluded by the breaker")
	}
}

func TestIsRetryable_5xxErrors(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504} {
		t.Run(fmt.Sprintf("status_%d", code), func(t *testing.T) {
			err := &providerError{status: code, msg: "server error"}
			if !isRetryable(err) {
				t.Errorf("status %d should be retryable", code)
			}
		})
	}
}

func TestIsRetryable_4xxErrors(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404, 422} {
		t.Run(fmt.Sprintf("status_%d", code), func(t *testing.T) {
			err := &providerError{status: code, msg: "client error"}
			if isRetryable(err) {
				t.Errorf("status %d should NOT be retryable", code)
			}
		})
	}
}

func TestIsRetryable_429(t *testing.T) {
	err := &providerError{status: 429, msg: "rate limited"}
	if isRetryable(err) {
		t.Error("429 should NOT be retryable (it's a client-level rate limit)")
	}
}

func TestIsRetryable_Timeout(t *testing.T) {
	if !isRetryable(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded should be retryable")
	}
}

func TestIsRetryable_GenericError(t *testing.T) {
	err := fmt.Errorf("connection refused")
	if !isRetryable(err) {
		t.Error("generic errors should be treated as retryable")
	}
}

func TestClassifyError_Timeout(t *testing.T) {
	if got := classifyError(context.DeadlineExceeded); got != "timeout" {
		t.Errorf("expected 'timeout', got %q", got)
	}
}

func TestClassifyError_HTTPStatus(t *testing.T) {
	err := &providerError{status: 503, msg: "unavailable"}
	if got := classifyError(err); got != "http_503" {
		t.Errorf("expected 'http_503', got %q", got)
	}
}

func TestClassifyError_Unknown(t *testing.T) {
	err := fmt.Errorf("some error")
	if got := classifyError(err); got != "unknown" {
		t.Errorf("expected 'unknown', got %q", got)
	}
}

func TestRouteWithDeployments_PrimarySuccess(t *testing.T) {
	var callCount int32
	primary := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return &providers.ProxyResponse{ID: "ok", Model: req.Model, Content: "response"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": primary}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-primary",
	}

	deployments, err := gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, dep, err := gw.routeWithDeployments(context.Background(), req, deployments, "chat_completions", gw.simpleBreaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dep.Provider != "openai" {
		t.Errorf("expected provider=openai, got %s", dep.Provider)
	}
	if resp.Content != "response" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("primary should be called exactly once, got %d", callCount)
	}
}

func TestRouteWithDeployments_FallbackOnFailure(t *testing.T) {
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 500, msg: "internal error"}
		},
	}
	fallback := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{ID: "fallback", Model: req.Model, Content: "from anthropic"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": failing, "anthropic": fallback,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-fallback",
	}

	deployments, err := gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, dep, err := gw.routeWithDeployments(context.Background(), req, deployments, "chat_completions", gw.simpleBreaker)
	if err != nil {
		t.Fatalf("expected successful failover, got: %v", err)
	}
	if dep.Provider != "anthropic" {
		t.Errorf("expected provider=anthropic, got %s", dep.Provider)
	}
	if resp.Content != "from anthropic" {
		t.Errorf("unexpected content: %s", resp.Content)
	}
}

func TestRouteWithDeployments_AllProvidersFail(t *testing.T) {
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 500, msg: "down"}
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": failing}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-allfail",
	}

	deployments, err := gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = gw.routeWithDeployments(context.Background(), req, deployments, "chat_completions", gw.simpleBreaker)
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
}

func TestRouteWithDeployments_NonRetryableStopsImmediately(t *testing.T) {
	var callCount int32
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return nil, &providerError{status: 401, msg: "unauthorized"}
		},
	}
	shouldNotBeCalled := &funcProvider{
		name: "anthropic",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return &providers.ProxyResponse{ID: "x", Model: "x", Content: "x"}, nil
		},
	}

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": failing, "anthropic": shouldNotBeCalled,
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-nonretry",
	}

	deployments, err := gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = gw.routeWithDeployments(context.Background(), req, deployments, "chat_completions", gw.simpleBreaker)
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("expected exactly 1 call (no failover for 4xx), got %d", callCount)
	}
}

func TestRouteWithDeployments_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": &funcProvider{
			name: "openai",
			requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
				return nil, &providerError{status: 500, msg: "down"}
			},
		},
		"anthropic": okProvider("anthropic"),
	}, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-cb-skip",
	}

	// Trip the circuit breaker for openai by recording enough consecutive
	// failures directly against its synthesized deployment row.
	deployments, err := gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < breakerTripThreshold; i++ {
		if err := gw.simpleBreaker.RecordFailure(context.Background(), deployments[0]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	deployments, err = gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, dep, err := gw.routeWithDeployments(context.Background(), req, deployments, "chat_completions", gw.simpleBreaker)
	if err != nil {
		t.Fatalf("should fallback past open circuit: %v", err)
	}
	if dep.Provider != "anthropic" {
		t.Errorf("expected anthropic (openai breaker open), got %s", dep.Provider)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
}

// breakerTripThreshold matches breaker.DefaultThreshold (3).
const breakerTripThreshold = 3

func TestRouteWithDeployments_MaxRetriesRespected(t *testing.T) {
	var callCount int32
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&callCount, 1)
			return nil, &providerError{status: 500, msg: "down"}
		},
	}
	provs := map[string]providers.Provider{
		"openai":    failing,
		"anthropic": &funcProvider{name: "anthropic", requestFn: failing.requestFn},
		"gemini":    &funcProvider{name: "gemini", requestFn: failing.requestFn},
		"mistral":   &funcProvider{name: "mistral", requestFn: failing.requestFn},
	}
	gw := NewGateway(context.Background(), provs, nil)

	req := &providers.ProxyRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		RequestID: "mock-maxretries",
	}

	deployments, err := gw.simpleRouter.Route(context.Background(), req.Model, gw.maxRetries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, err = gw.routeWithDeployments(context.Background(), req, deployments, "chat_completions", gw.simpleBreaker)
	if err == nil {
		t.Fatal("expected error")
	}
	if int(atomic.LoadInt32(&callCount)) > providers.MaxRetries+1 {
		t.Errorf("should not exceed MaxRetries+1=%d attempts, got %d calls", providers.MaxRetries+1, callCount)
	}
}
