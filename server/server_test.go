package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/chat"
	"github.com/hrygo/clawgate/gateway"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/session"
)

// echoEngine replies immediately with a fixed text and records its inputs.
type echoEngine struct {
	reply string

	mu     sync.Mutex
	inputs []string
}

func (e *echoEngine) Run(ctx context.Context, req *agent.Request) (<-chan agent.Event, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, req.Input)
	e.mu.Unlock()

	events := make(chan agent.Event, 8)
	go func() {
		defer close(events)
		events <- agent.Event{Type: agent.EventAgentStart}
		events <- agent.Event{Type: agent.EventMessageUpdate, Text: e.reply}
		events <- agent.Event{Type: agent.EventMessageEnd}
		events <- agent.Event{Type: agent.EventAgentEnd}
	}()
	return events, nil
}

func (e *echoEngine) lastInput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inputs) == 0 {
		return ""
	}
	return e.inputs[len(e.inputs)-1]
}

func testServer(t *testing.T, mutate func(*config.Config)) (*Server, *echoEngine) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Webhook.Token = "hook-secret"
	cfg.Webhook.Mappings = []*config.WebhookMapping{
		{
			Name:            "ci",
			Match:           config.WebhookMatch{Path: "/ci"},
			Action:          "agent",
			MessageTemplate: "Build {{status}} on {{repo}}",
		},
		{
			Name:            "deploy",
			Action:          "agent",
			SessionKey:      "deploy-{{env}}",
			MessageTemplate: "Deploy of {{env}} (session {{SessionId}}, new={{IsNewSession}})",
		},
	}
	require.NoError(t, cfg.Validate())
	if mutate != nil {
		mutate(cfg)
	}
	cfgFn := func() *config.Config { return cfg }

	sessions, err := session.NewManager(&cfg.Session, nil)
	require.NoError(t, err)
	engine := &echoEngine{reply: "done"}
	dispatcher := gateway.NewDispatcher(chat.NewRouter(), &cfg.Delivery)
	coord := gateway.NewCoordinator(context.Background(), cfgFn, engine, sessions, dispatcher)
	heartbeats := gateway.NewHeartbeatScheduler(cfgFn, coord, dispatcher)

	return New(cfgFn, coord, sessions, heartbeats, NewTransformRegistry()), engine
}

func doRequest(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHooksRequireToken(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/wake", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodPost, "/hooks/wake", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodPost, "/hooks/wake", "hook-secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHooksTokenAlternativeCarriers(t *testing.T) {
	s, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/hooks/wake", nil)
	req.Header.Set("X-Gateway-Token", "hook-secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/hooks/wake?token=hook-secret", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHooksNoTokenConfiguredClosesSurface(t *testing.T) {
	s, _ := testServer(t, func(cfg *config.Config) { cfg.Webhook.Token = "" })

	rec := doRequest(s, http.MethodPost, "/hooks/wake", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHooksOversizedBody(t *testing.T) {
	s, _ := testServer(t, func(cfg *config.Config) { cfg.Webhook.MaxBodyBytes = 64 })

	big := `{"message":"` + strings.Repeat("x", 200) + `"}`
	rec := doRequest(s, http.MethodPost, "/hooks/agent", "hook-secret", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHooksMalformedJSON(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/agent", "hook-secret", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHooksAgentWait(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/agent", "hook-secret",
		`{"message":"ping","sessionKey":"hooks","wait":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp["text"])
}

func TestHooksAgentRequiresMessage(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/agent", "hook-secret", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHooksMappingByName(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/ci", "hook-secret",
		`{"status":"failed","repo":"clawgate"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp["text"])
}

func TestHooksMappingDerivedTemplateVariables(t *testing.T) {
	s, engine := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/deploy", "hook-secret", `{"env":"prod"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	message := engine.lastInput()
	assert.Contains(t, message, "Deploy of prod")
	assert.Contains(t, message, "session deploy-prod", "sessionKey template resolves and binds {{SessionId}}")
	assert.Contains(t, message, "new=true")

	// A second event may land while the first run is still winding down and
	// queue (202); either way it reaches the engine with the derived flags.
	rec = doRequest(s, http.MethodPost, "/hooks/deploy", "hook-secret", `{"env":"prod"}`)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return strings.Contains(engine.lastInput(), "new=false")
	}, 2*time.Second, 10*time.Millisecond, "same key resolves to the existing session")
}

func TestHooksUnknownMapping(t *testing.T) {
	s, _ := testServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/hooks/nope", "hook-secret", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzOpen(t *testing.T) {
	s, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health endpoint needs no token")
}
