package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/auth"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// PolicyStore is the view of the policy lifecycle the admin endpoints need.
type PolicyStore interface {
	Snapshot() *policy.Snapshot
	State() policy.State
	Ready() bool
}

// Authenticator verifies admin callers.
type Authenticator interface {
	Authenticate(*http.Request) (auth.Identity, error)
}

// Options configure a Handler.
type Options struct {
	Policy PolicyStore
	Engine *engine.Engine

	// Metrics defaults to a fresh collector.
	Metrics *Metrics

	// Upstream and Transport are reported by the health endpoint.
	Upstream  string
	Transport string

	// Authenticator guards the validation endpoint when set.
	Authenticator Authenticator

	Logger *slog.Logger
}

// ValidationRequest is the request body for the validation endpoint.
type ValidationRequest struct {
	// Tool is the name of the tool to validate
	Tool string `json:"tool"`

	// Category overrides the category derived from Tool.
	Category policy.Category `json:"category,omitempty"`

	// Arguments are the tool arguments
	Arguments map[string]any `json:"arguments"`
}

// ValidationResponse is the response body for the validation endpoint.
type ValidationResponse struct {
	// Decision is ALLOW, DENY, or ASK.
	Decision policy.Verdict `json:"decision"`

	Code        engine.Code     `json:"code,omitempty"`
	Category    policy.Category `json:"category"`
	Tool        string          `json:"tool,omitempty"`
	MatchedRule string          `json:"matched_rule,omitempty"`
	Reason      string          `json:"reason"`
	Canonical   string          `json:"canonical,omitempty"`
	Ambiguity   []string        `json:"ambiguity,omitempty"`

	// PolicyHash identifies the snapshot the decision was made against.
	PolicyHash string `json:"policy_hash"`
}

// ErrorResponse is an error response body.
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// Message is a human-readable error description
	Message string `json:"message,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	// Status is "healthy" or "unhealthy"
	Status string `json:"status"`

	Role        policy.Role `json:"role,omitempty"`
	PolicyState string      `json:"policy_state"`
	PolicyHash  string      `json:"policy_hash,omitempty"`
	Overlay     string      `json:"overlay,omitempty"`
	Upstream    string      `json:"upstream,omitempty"`
	Transport   string      `json:"transport,omitempty"`

	// UptimeSeconds is the server uptime
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// PolicyResponse summarizes the effective tool rules. Command, filesystem,
// and network patterns are not exposed.
type PolicyResponse struct {
	Name  string         `json:"name"`
	Role  policy.Role    `json:"role"`
	Hash  string         `json:"hash"`
	Tools policy.RuleSet `json:"tools"`
}

// Handler handles HTTP requests for the admin listener.
type Handler struct {
	opts      Options
	engine    *engine.Engine
	metrics   *Metrics
	logger    *slog.Logger
	startTime time.Time
}

// NewHandler creates a new HTTP handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		opts:      opts,
		engine:    opts.Engine,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		startTime: time.Now(),
	}
	if h.engine == nil {
		h.engine = engine.New()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Metrics returns the collector behind the metrics endpoint.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// HandleValidate evaluates a tool call against the current snapshot without
// forwarding it or asking anyone. Ask is reported as is.
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	h.metrics.IncrementRequests()

	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is allowed")
		return
	}

	if h.opts.Authenticator != nil {
		if _, err := h.opts.Authenticator.Authenticate(r); err != nil {
			h.logger.Warn("validation request rejected", "remote", r.RemoteAddr, "error", err)
			h.sendError(w, http.StatusUnauthorized, "unauthorized", "Valid credentials are required")
			return
		}
	}

	var req ValidationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Tool == "" && req.Category == "" {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Missing required field: tool")
		return
	}

	snap := h.snapshot()
	if snap == nil {
		h.sendError(w, http.StatusServiceUnavailable, "policy_not_ready", "Policy is not loaded")
		return
	}

	d := h.engine.Decide(snap, engine.Invocation{
		Tool:      req.Tool,
		Category:  req.Category,
		Arguments: req.Arguments,
	})
	h.sendJSON(w, http.StatusOK, ValidationResponse{
		Decision:    d.Verdict,
		Code:        d.Code,
		Category:    d.Category,
		Tool:        d.Tool,
		MatchedRule: d.MatchedRule,
		Reason:      d.Reason,
		Canonical:   d.Canonical,
		Ambiguity:   d.Ambiguity,
		PolicyHash:  snap.Hash(),
	})
}

// HandleHealth handles GET requests to the health endpoint. It reports 503
// until the policy store is Ready.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	resp := HealthResponse{
		Status:        "unhealthy",
		PolicyState:   policy.StateUnloaded.String(),
		Upstream:      h.opts.Upstream,
		Transport:     h.opts.Transport,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	status := http.StatusServiceUnavailable
	if h.opts.Policy != nil {
		resp.PolicyState = h.opts.Policy.State().String()
		if snap := h.opts.Policy.Snapshot(); snap != nil {
			resp.Role = snap.Role()
			resp.PolicyHash = snap.Hash()
			resp.Overlay = snap.Overlay()
		}
		if h.opts.Policy.Ready() {
			resp.Status = "healthy"
			status = http.StatusOK
		}
	}

	h.sendJSON(w, status, resp)
}

// HandlePolicy handles GET requests to the policy summary endpoint.
func (h *Handler) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}
	snap := h.snapshot()
	if snap == nil {
		h.sendError(w, http.StatusServiceUnavailable, "policy_not_ready", "Policy is not loaded")
		return
	}

	doc := snap.Document()
	h.sendJSON(w, http.StatusOK, PolicyResponse{
		Name: snap.Name(),
		Role: snap.Role(),
		Hash: snap.Hash(),
		Tools: policy.RuleSet{
			Allow: doc.Spec.Tools.Allow,
			Deny:  doc.Spec.Tools.Deny,
		},
	})
}

// HandleMetrics handles GET requests to the metrics endpoint.
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is allowed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.metrics.Prometheus()))
}

func (h *Handler) snapshot() *policy.Snapshot {
	if h.opts.Policy == nil {
		return nil
	}
	return h.opts.Policy.Snapshot()
}

// sendJSON sends a JSON response.
func (h *Handler) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, errorCode, message string) {
	h.sendJSON(w, status, ErrorResponse{Error: errorCode, Message: message})
}
