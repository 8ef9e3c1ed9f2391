package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/auth"
)

// DefaultReadLimit bounds one WebSocket message.
const DefaultReadLimit = 4 << 20

// Authenticator checks agent credentials before the upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// Upstream is the execution layer endpoint: ws://, wss:// or
	// unix:///path/to.sock (optionally ?path=/ws for the HTTP path).
	Upstream string

	OriginPatterns []string
	ReadLimit      int64
	WriteTimeout   time.Duration
}

// WebSocketServer accepts agent connections and relays each one to its own
// execution-layer connection.
type WebSocketServer struct {
	cfg    WebSocketConfig
	deps   Deps
	authn  Authenticator
	up     *upstreamEndpoint
	logger *slog.Logger
}

// NewWebSocketServer validates the upstream endpoint. A nil authn accepts
// every caller.
func NewWebSocketServer(cfg WebSocketConfig, deps Deps, authn Authenticator) (*WebSocketServer, error) {
	deps = deps.withDefaults()
	up, err := parseUpstream(cfg.Upstream)
	if err != nil {
		return nil, err
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	s := &WebSocketServer{
		cfg:    cfg,
		deps:   deps,
		authn:  authn,
		up:     up,
		logger: deps.Logger,
	}
	if up.loopback {
		s.logger.Warn("execution layer is reachable over loopback TCP; anything in the same network namespace can bypass the proxy",
			"upstream", cfg.Upstream)
	}
	return s, nil
}

// Upstream returns the configured execution-layer endpoint.
func (s *WebSocketServer) Upstream() string { return s.cfg.Upstream }

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	logger := s.logger.With("conn", id, "remote", r.RemoteAddr)

	if s.authn != nil {
		if _, err := s.authn.Authenticate(r); err != nil {
			logger.Warn("agent rejected", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	agent, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	agent.SetReadLimit(s.cfg.ReadLimit)

	ctx := r.Context()
	up, _, err := websocket.Dial(ctx, s.up.url, &websocket.DialOptions{HTTPClient: s.up.client})
	if err != nil {
		logger.Error("execution layer unreachable", "upstream", s.cfg.Upstream, "error", err)
		agent.Close(websocket.StatusTryAgainLater, "execution layer unavailable")
		return
	}
	up.SetReadLimit(s.cfg.ReadLimit)

	rt := NewRouter(id, "websocket", s.deps,
		&wsConn{c: agent, writeTimeout: s.cfg.WriteTimeout},
		&wsConn{c: up, writeTimeout: s.cfg.WriteTimeout})
	rt.Authenticated()
	if err := rt.Serve(ctx); err != nil {
		logger.Warn("relay ended with error", "error", err)
	}
}

type upstreamEndpoint struct {
	url      string
	client   *http.Client
	loopback bool
}

func parseUpstream(raw string) (*upstreamEndpoint, error) {
	if raw == "" {
		return nil, fmt.Errorf("upstream endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream %q: %w", raw, err)
	}
	switch u.Scheme {
	case "unix":
		sock := u.Path
		if sock == "" {
			return nil, fmt.Errorf("upstream %q: missing socket path", raw)
		}
		path := u.Query().Get("path")
		if path == "" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		var d net.Dialer
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return d.DialContext(ctx, "unix", sock)
			},
		}
		return &upstreamEndpoint{url: "ws://localhost" + path, client: &http.Client{Transport: transport}}, nil
	case "ws", "wss":
		return &upstreamEndpoint{url: raw, loopback: isLoopbackHost(u.Hostname())}, nil
	}
	return nil, fmt.Errorf("upstream %q: scheme must be ws, wss or unix", raw)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
