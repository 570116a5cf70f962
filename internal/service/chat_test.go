package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dial-proxy-go/internal/client"
	"dial-proxy-go/internal/config"
	"dial-proxy-go/internal/metrics"
	"dial-proxy-go/internal/model"
	"dial-proxy-go/internal/pipeline"
	"dial-proxy-go/internal/tokens"
)

// newTestService builds a ChatService with one deployment "chat" pointing at endpoint.
func newTestService(t *testing.T, endpoint, apiKey string, steps []string, m *metrics.Metrics) *ChatService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			APIKey:          apiKey,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Deployments: map[string]config.DeploymentConfig{
			"chat": {
				Endpoint:      endpoint,
				UpstreamModel: "gpt-4o-2024-08-06",
				Defaults:      map[string]any{"temperature": 0.2},
				Pipeline:      steps,
			},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chains, err := pipeline.NewChains(cfg, pipeline.NewRegistry(tokens.NewCounter()), logger)
	if err != nil {
		t.Fatalf("NewChains: %v", err)
	}
	svc, err := NewChatService(client.NewUpstreamClient(cfg, logger, m), cfg, chains, m, logger)
	if err != nil {
		t.Fatalf("NewChatService: %v", err)
	}
	return svc
}

func chatRequest(deployment, body string) *model.ChatRequest {
	return &model.ChatRequest{
		Ctx:        context.Background(),
		RequestID:  "req-1",
		Deployment: deployment,
		Header:     http.Header{},
		Body:       strings.NewReader(body),
	}
}

func TestForward_RunsPipelineAndSendsRewrittenBody(t *testing.T) {
	var got map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.Header.Get("Api-Key") != "test-key" {
			t.Errorf("Api-Key = %q, want %q", r.Header.Get("Api-Key"), "test-key")
		}
		if r.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("X-Request-Id = %q, want %q", r.Header.Get("X-Request-Id"), "req-1")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode upstream body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	m := metrics.New()
	svc := newTestService(t, upstream.URL, "test-key", nil, m)

	ex, err := svc.Forward(chatRequest("chat", `{"model":"x","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = ex.Response.Body.Close() }()

	if !ex.Context.IsStreamingRequest() {
		t.Error("IsStreamingRequest() = false, want true")
	}
	if ex.Context.PromptTokens() <= 0 {
		t.Errorf("PromptTokens() = %d, want > 0", ex.Context.PromptTokens())
	}
	if got["model"] != "gpt-4o-2024-08-06" {
		t.Errorf("upstream model = %v, want override", got["model"])
	}
	if got["temperature"] != 0.2 {
		t.Errorf("upstream temperature = %v, want default 0.2", got["temperature"])
	}
	if ex.Response.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", ex.Response.Header.Get("Content-Type"))
	}

	assertCounter(t, m, "dial_proxy_pipeline_runs_total", map[string]string{"deployment": "chat", "outcome": "completed"})
	assertCounter(t, m, "dial_proxy_relay_mode_total", map[string]string{"mode": "streamed"})
}

func TestForward_PipelineAbortSkipsUpstream(t *testing.T) {
	called := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	m := metrics.New()
	svc := newTestService(t, upstream.URL, "test-key", nil, m)

	_, err := svc.Forward(chatRequest("chat", `{"model":"x","stream":true}`))
	if err == nil {
		t.Fatal("Forward() expected error, got nil")
	}
	if !errors.Is(err, ErrPipelineAborted) {
		t.Errorf("error = %v, want ErrPipelineAborted", err)
	}
	var se *pipeline.StepError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *pipeline.StepError in chain", err)
	}
	if se.Step != pipeline.StepValidateMessages {
		t.Errorf("Step = %q, want %q", se.Step, pipeline.StepValidateMessages)
	}
	if called {
		t.Error("upstream was called after the pipeline aborted")
	}

	assertCounter(t, m, "dial_proxy_pipeline_runs_total", map[string]string{"deployment": "chat", "outcome": "aborted"})
	assertCounter(t, m, "dial_proxy_pipeline_step_failures_total", map[string]string{"step": "validate_messages"})
}

func TestForward_UnknownDeployment(t *testing.T) {
	svc := newTestService(t, "https://example.com/chat", "test-key", nil, nil)

	_, err := svc.Forward(chatRequest("missing", `{}`))
	if !errors.Is(err, ErrUnknownDeployment) {
		t.Errorf("Forward() error = %v, want ErrUnknownDeployment", err)
	}
}

func TestForward_MalformedBody(t *testing.T) {
	svc := newTestService(t, "https://example.com/chat", "test-key", nil, nil)

	for _, body := range []string{`{"model":`, `[1]`, ``} {
		_, err := svc.Forward(chatRequest("chat", body))
		if !errors.Is(err, ErrMalformedBody) {
			t.Errorf("Forward(%q) error = %v, want ErrMalformedBody", body, err)
		}
	}
}

func TestForward_MissingAPIKey(t *testing.T) {
	svc := newTestService(t, "https://example.com/chat", "", nil, nil)

	_, err := svc.Forward(chatRequest("chat", `{"messages":[{"role":"user","content":"hi"}]}`))
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("Forward() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestForward_FiltersResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		w.Header().Set("X-Internal-Debug", "secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "test-key", []string{pipeline.StepCollectRequestData}, nil)

	ex, err := svc.Forward(chatRequest("chat", `{"model":"x"}`))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = ex.Response.Body.Close() }()

	if ex.Context.IsStreamingRequest() {
		t.Error("IsStreamingRequest() = true for request without stream")
	}
	if ex.Response.Header.Get("Set-Cookie") != "" {
		t.Errorf("Set-Cookie should be stripped, got %q", ex.Response.Header.Get("Set-Cookie"))
	}
	if ex.Response.Header.Get("X-Internal-Debug") != "" {
		t.Errorf("X-Internal-Debug should be stripped, got %q", ex.Response.Header.Get("X-Internal-Debug"))
	}
}

func TestBuildRequestHeaders(t *testing.T) {
	s := &ChatService{}
	src := http.Header{
		"Accept":          {"text/event-stream"},
		"Content-Type":    {"text/plain"},
		"Authorization":   {"Bearer secret"},
		"Connection":      {"keep-alive"},
		"X-Dial-Trace":    {"abc123"},
		"X-Custom-Header": {"should-be-dropped"},
		"Api-Key":         {"client-key"},
		"X-Forwarded-For": {"1.2.3.4, 5.6.7.8"},
	}

	dst := s.buildRequestHeaders(src, "resolved-key", "req-9")

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"Accept forwarded", "Accept", "text/event-stream"},
		{"X-Dial-Trace forwarded", "X-Dial-Trace", "abc123"},
		{"Content-Type forced", "Content-Type", "application/json"},
		{"Api-Key replaced", "Api-Key", "resolved-key"},
		{"User-Agent injected", "User-Agent", userAgent},
		{"X-Request-Id injected", "X-Request-Id", "req-9"},
		{"Authorization stripped", "Authorization", ""},
		{"Connection stripped", "Connection", ""},
		{"X-Custom-Header stripped", "X-Custom-Header", ""},
		{"X-Forwarded-For stripped", "X-Forwarded-For", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dst.Get(tt.key); got != tt.want {
				t.Errorf("header %q = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	s := &ChatService{}
	src := http.Header{
		"Content-Type":           {"application/json"},
		"Content-Length":         {"42"},
		"Transfer-Encoding":      {"chunked"},
		"Set-Cookie":             {"session=abc"},
		"Retry-After":            {"3"},
		"X-Content-Type-Options": {"nosniff"},
		"Date":                   {"Mon, 01 Jan 2025 00:00:00 GMT"},
	}

	dst := s.filterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", "Content-Type", 1},
		{"Content-Length forwarded", "Content-Length", 1},
		{"Date forwarded", "Date", 1},
		{"Retry-After forwarded", "Retry-After", 1},
		{"Set-Cookie stripped", "Set-Cookie", 0},
		{"X-Content-Type-Options stripped", "X-Content-Type-Options", 0},
		{"Transfer-Encoding stripped (hop-by-hop)", "Transfer-Encoding", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	tests := []struct {
		name          string
		deploymentKey string
		configKey     string
		headerKey     string
		want          string
	}{
		{"deployment key first", "dep-key", "config-key", "header-key", "dep-key"},
		{"config key next", "", "config-key", "header-key", "config-key"},
		{"falls back to Api-Key header", "", "", "header-key", "header-key"},
		{"empty when none set", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &ChatService{
				cfg: &config.Config{Upstream: config.UpstreamConfig{APIKey: tt.configKey}},
			}
			h := http.Header{}
			if tt.headerKey != "" {
				h.Set("Api-Key", tt.headerKey)
			}
			got := s.resolveAPIKey(config.DeploymentConfig{APIKey: tt.deploymentKey}, h)
			if got != tt.want {
				t.Errorf("resolveAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewChatService_Allowlist(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chains := pipeline.Chains{"chat": pipeline.NewChain()}

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{AllowedHosts: []string{"Example.openai.azure.com"}},
		Deployments: map[string]config.DeploymentConfig{
			"chat": {Endpoint: "https://example.openai.azure.com/openai/deployments/chat/chat/completions"},
		},
	}
	if _, err := NewChatService(nil, cfg, chains, nil, logger); err != nil {
		t.Fatalf("NewChatService() error = %v for allowed host", err)
	}

	cfg.Deployments["chat"] = config.DeploymentConfig{Endpoint: "https://evil.com/chat"}
	if _, err := NewChatService(nil, cfg, chains, nil, logger); err == nil {
		t.Fatal("NewChatService() expected error for disallowed host, got nil")
	}
}

func TestNewChatService_MissingChain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Deployments: map[string]config.DeploymentConfig{"chat": {Endpoint: "https://example.com/chat"}},
	}
	if _, err := NewChatService(nil, cfg, pipeline.Chains{}, nil, logger); err == nil {
		t.Fatal("NewChatService() expected error for deployment without chain, got nil")
	}
}

// assertCounter fails the test unless the named counter has a sample with all labels.
func assertCounter(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			got := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
				}
			}
			if match && metric.GetCounter().GetValue() > 0 {
				return
			}
		}
	}
	t.Errorf("expected %s with labels %v", name, labels)
}
