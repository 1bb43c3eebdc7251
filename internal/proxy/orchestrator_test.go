package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/costledger"
	"github.com/nulpointcorp/llm-gateway/internal/crypto"
	"github.com/nulpointcorp/llm-gateway/internal/guardrail"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/router"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// seedPrincipal creates and stores a principal for the given raw bearer token,
// returning the principal so the caller can tweak fields before use.
func seedPrincipal(st *store.MemStore, token string) *store.Principal {
	p := &store.Principal{
		ID:      uuid.New(),
		KeyHash: crypto.HashAPIKey(token),
		Name:    "test-principal",
		Active:  true,
	}
	st.AddPrincipal(p)
	return p
}

func seedDeployment(st *store.MemStore, provider, model string) *store.Deployment {
	d := &store.Deployment{
		ID:        uuid.New(),
		Name:      provider + "-" + model,
		Provider:  provider,
		ModelName: model,
		Priority:  1,
		Weight:    1,
		Active:    true,
		Healthy:   true,
	}
	st.AddDeployment(d)
	return d
}

// buildOrchestratedGateway wires a Gateway directly onto the given store and
// provider map, bypassing app/init.go's config-driven assembly.
func buildOrchestratedGateway(st *store.MemStore, provs map[string]providers.Provider) *Gateway {
	gw := NewGateway(context.Background(), provs, nil)
	gw.SetOrchestration(&Orchestration{
		Store:      st,
		Auth:       auth.NewResolver(st, ""),
		Guardrails: guardrail.NewEngine(st, 200_000),
		Router:     router.New(st, breaker.New(st), pricing.Default()),
		Breaker:    breaker.New(st),
		CostLedger: costledger.New(st, pricing.Default()),
	})
	return gw
}

func doPostAuth(t *testing.T, client *http.Client, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, readerFromBytes(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestDispatchChatOrchestrated_Success(t *testing.T) {
	st := store.NewMemStore()
	seedPrincipal(st, "sk-good")
	seedDeployment(st, "openai", "gpt-4o")

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-good",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content == "" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Errorf("expected X-Cache=MISS, got %q", resp.Header.Get("X-Cache"))
	}

	logs := st.RequestLogs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 request log entry, got %d", len(logs))
	}
	if logs[0].PromptTokens != 10 || logs[0].CompletionTokens != 5 {
		t.Errorf("unexpected token accounting: %+v", logs[0])
	}
}

func TestDispatchChatOrchestrated_MissingAuth(t *testing.T) {
	st := store.NewMemStore()
	seedDeployment(st, "openai", "gpt-4o")

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDispatchChatOrchestrated_InvalidKey(t *testing.T) {
	st := store.NewMemStore()
	seedPrincipal(st, "sk-good")
	seedDeployment(st, "openai", "gpt-4o")

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-wrong",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDispatchChatOrchestrated_ModelNotAllowed(t *testing.T) {
	st := store.NewMemStore()
	p := seedPrincipal(st, "sk-good")
	p.ModelAllow = []string{"gpt-3.5-turbo"}
	seedDeployment(st, "openai", "gpt-4o")

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-good",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestDispatchChatOrchestrated_BudgetExceeded(t *testing.T) {
	st := store.NewMemStore()
	p := seedPrincipal(st, "sk-good")
	budget := decimal.NewFromInt(1)
	p.BudgetUSD = &budget
	p.SpendUSD = decimal.NewFromInt(1)
	seedDeployment(st, "openai", "gpt-4o")

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-good",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
}

func TestDispatchChatOrchestrated_NoHealthyDeployment(t *testing.T) {
	st := store.NewMemStore()
	seedPrincipal(st, "sk-good")
	// No deployment seeded for this model.

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-good",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestDispatchChatOrchestrated_GuardrailBlocksOversizedInput(t *testing.T) {
	st := store.NewMemStore()
	seedPrincipal(st, "sk-good")
	seedDeployment(st, "openai", "gpt-4o")

	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)
	gw.SetOrchestration(&Orchestration{
		Store:      st,
		Auth:       auth.NewResolver(st, ""),
		Guardrails: guardrail.NewEngine(st, 4), // tiny limit, guaranteed to trip
		Router:     router.New(st, breaker.New(st), pricing.Default()),
		Breaker:    breaker.New(st),
		CostLedger: costledger.New(st, pricing.Default()),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-good",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"this message is far longer than four characters"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDispatchChatOrchestrated_Failover(t *testing.T) {
	st := store.NewMemStore()
	seedPrincipal(st, "sk-good")
	bad := seedDeployment(st, "bad", "gpt-4o")
	bad.Priority = 0
	good := seedDeployment(st, "openai", "gpt-4o")
	good.Priority = 1

	gw := buildOrchestratedGateway(st, map[string]providers.Provider{
		"bad": &funcProvider{
			name: "bad",
			requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
				return nil, &failoverErr{}
			},
		},
		"openai": okProvider("openai"),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPostAuth(t, client, "/v1/chat/completions", "sk-good",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after failover, got %d: %s", resp.StatusCode, body)
	}

	badDep, err := st.GetDeployment(context.Background(), bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if badDep.ConsecutiveFailures == 0 {
		t.Error("expected the failing deployment's failure count to be recorded")
	}
}

// failoverErr is a retryable error (by classifyError/isRetryable's default
// treatment of errors with no recognized sentinel) used to exercise
// routeWithDeployments' chain-walking behavior.
type failoverErr struct{}

func (e *failoverErr) Error() string { return "upstream unavailable" }
