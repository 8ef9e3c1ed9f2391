package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/auth"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/config"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

const testPolicy = `
apiVersion: capgate.io/v1
kind: RolePolicy
metadata:
  name: admin-test
spec:
  role: READ
  tools:
    allow: [search, read]
    ask: [deploy]
    deny: [delete_*]
  bash:
    deny: ["*"]
  filesystem:
    allow: ["read:/srv/**"]
  network:
    deny: ["**"]
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *policy.Store {
	t.Helper()
	doc, err := policy.Load([]byte(testPolicy))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	store := policy.NewStore(doc, policy.WithLogger(quietLogger()))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("store.Load() error = %v", err)
	}
	return store
}

func newTestHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	if opts.Policy == nil {
		opts.Policy = newTestStore(t)
	}
	opts.Logger = quietLogger()
	return NewHandler(opts)
}

func validate(t *testing.T, h *Handler, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, req)
	return rec
}

func TestHandleValidate(t *testing.T) {
	h := newTestHandler(t, Options{})

	tests := []struct {
		name     string
		req      ValidationRequest
		decision policy.Verdict
		code     engine.Code
	}{
		{"allowed tool", ValidationRequest{Tool: "search"}, policy.VerdictAllow, ""},
		{"normalized name", ValidationRequest{Tool: "Search"}, policy.VerdictAllow, ""},
		{"denied tool", ValidationRequest{Tool: "delete_repo"}, policy.VerdictDeny, engine.CodeToolDenied},
		{"unlisted tool", ValidationRequest{Tool: "unknown"}, policy.VerdictDeny, engine.CodeToolDenied},
		{"ask is reported, not resolved", ValidationRequest{Tool: "deploy"}, policy.VerdictAsk, ""},
		{"bash", ValidationRequest{Tool: "bash", Arguments: map[string]any{"command": "ls"}}, policy.VerdictDeny, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			rec := validate(t, h, string(body), nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			var resp ValidationResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if resp.Decision != tt.decision {
				t.Errorf("Decision = %s, want %s (%s)", resp.Decision, tt.decision, resp.Reason)
			}
			if tt.code != "" && resp.Code != tt.code {
				t.Errorf("Code = %s, want %s", resp.Code, tt.code)
			}
			if resp.PolicyHash == "" {
				t.Error("PolicyHash should identify the snapshot")
			}
		})
	}

	if got := h.Metrics().GetRequestsTotal(); got != int64(len(tests)) {
		t.Errorf("GetRequestsTotal() = %d, want %d", got, len(tests))
	}
	if len(h.Metrics().GetDecisionsTotal()) != 0 {
		t.Error("dry-run validation must not count as relay decisions")
	}
}

func TestHandleValidateErrors(t *testing.T) {
	h := newTestHandler(t, Options{})

	tests := []struct {
		name   string
		method string
		body   string
		status int
		code   string
	}{
		{"method not allowed", http.MethodGet, "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"invalid json", http.MethodPost, "{not json", http.StatusBadRequest, "invalid_request"},
		{"missing tool", http.MethodPost, `{"arguments":{}}`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/validate", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()
			h.HandleValidate(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if resp.Error != tt.code {
				t.Errorf("Error = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

func TestHandleValidateRequiresAuth(t *testing.T) {
	authn, err := auth.New(auth.Config{Mode: auth.ModeToken, Token: "admin-token"}, policy.RoleRead)
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	h := newTestHandler(t, Options{Authenticator: authn})

	if rec := validate(t, h, `{"tool":"search"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}
	header := http.Header{"Authorization": []string{"Bearer admin-token"}}
	if rec := validate(t, h, `{"tool":"search"}`, header); rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}
}

type fakeStore struct {
	state policy.State
}

func (f fakeStore) Snapshot() *policy.Snapshot { return nil }
func (f fakeStore) State() policy.State        { return f.state }
func (f fakeStore) Ready() bool                { return false }

func TestHandleValidatePolicyNotReady(t *testing.T) {
	h := newTestHandler(t, Options{Policy: fakeStore{state: policy.StateFailed}})
	if rec := validate(t, h, `{"tool":"search"}`, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		store  PolicyStore
		status int
		health string
		state  string
	}{
		{"ready", nil, http.StatusOK, "healthy", "Ready"},
		{"failed", fakeStore{state: policy.StateFailed}, http.StatusServiceUnavailable, "unhealthy", "Failed"},
		{"fetching", fakeStore{state: policy.StateSubPolicyFetch}, http.StatusServiceUnavailable, "unhealthy", "SubPolicyFetch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, Options{Policy: tt.store, Upstream: "unix:///run/exec.sock", Transport: "websocket"})
			rec := httptest.NewRecorder()
			h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if resp.Status != tt.health || resp.PolicyState != tt.state {
				t.Errorf("health = %+v", resp)
			}
			if resp.Upstream != "unix:///run/exec.sock" || resp.Transport != "websocket" {
				t.Errorf("upstream = %q transport = %q", resp.Upstream, resp.Transport)
			}
			if tt.status == http.StatusOK && (resp.Role != policy.RoleRead || resp.PolicyHash == "" || resp.Overlay != policy.OverlayNone) {
				t.Errorf("ready health should report the snapshot: %+v", resp)
			}
		})
	}
}

func TestHandlePolicy(t *testing.T) {
	h := newTestHandler(t, Options{})
	rec := httptest.NewRecorder()
	h.HandlePolicy(rec, httptest.NewRequest(http.MethodGet, "/policy", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "/srv/") || strings.Contains(body, "filesystem") {
		t.Errorf("policy summary leaks filesystem rules: %s", body)
	}
	var resp PolicyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Name != "admin-test" || len(resp.Tools.Allow) != 2 || len(resp.Tools.Deny) != 1 {
		t.Errorf("policy = %+v", resp)
	}
	if len(resp.Tools.Ask) != 0 {
		t.Errorf("Tools.Ask = %v, want omitted", resp.Tools.Ask)
	}
}

func TestHandleMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, Options{})
	handlers := map[string]http.HandlerFunc{
		"health":  h.HandleHealth,
		"policy":  h.HandlePolicy,
		"metrics": h.HandleMetrics,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			fn(rec, httptest.NewRequest(http.MethodPost, "/"+name, nil))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", rec.Code)
			}
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	m := NewMetrics()
	m.ObserveDecision(engine.Decision{Verdict: policy.VerdictDeny, Code: engine.CodeBashDenied})
	h := newTestHandler(t, Options{Metrics: m})

	rec := httptest.NewRecorder()
	h.HandleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `code="BASH_DENIED"`) {
		t.Errorf("metrics body missing observed decision:\n%s", rec.Body)
	}
}

func TestServerStartStop(t *testing.T) {
	h := newTestHandler(t, Options{})
	cfg := config.AdminConfig{Enabled: true, Listen: "127.0.0.1:0"}
	srv, err := New(cfg, h, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServerStartBindFailure(t *testing.T) {
	h := newTestHandler(t, Options{})
	first, err := New(config.AdminConfig{Enabled: true, Listen: "127.0.0.1:0"}, h, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop(context.Background())

	second, err := New(config.AdminConfig{Enabled: true, Listen: first.Addr().String()}, h, quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := second.Start(); err == nil {
		second.Stop(context.Background())
		t.Fatal("Start() on a bound address should fail")
	}
}

func TestServerDisabled(t *testing.T) {
	srv, err := New(config.AdminConfig{}, newTestHandler(t, Options{}), quietLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.Addr() != nil {
		t.Error("disabled server should not bind")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(config.AdminConfig{}, nil, nil); err == nil {
		t.Error("New() accepted a nil handler")
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig(config.TLSConfig{Cert: "c.pem", Key: "k.pem"})
	if err != nil {
		t.Fatalf("buildTLSConfig() error = %v", err)
	}
	if cfg.ClientCAs != nil {
		t.Error("ClientCAs should be unset without mTLS")
	}

	_, err = buildTLSConfig(config.TLSConfig{RequireClientCert: true, ClientCA: "/nonexistent/ca.pem"})
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("buildTLSConfig() should fail on a missing client CA")
	}
}
