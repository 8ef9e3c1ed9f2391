// Package egress mediates network access from inside the sandbox.
//
// Roles with network permissions run their tools with HTTP_PROXY and
// HTTPS_PROXY pointed at a Proxy. Every request is decided against the
// network rule set before a byte leaves the host:
//
//   - Plain HTTP requests are keyed "<method>:<scheme>://<host><path>", so a
//     POST to an endpoint allowed only for GET is refused.
//   - CONNECT tunnels carry TLS, where the method is unobservable; they are
//     keyed "tunnel:<host>:<port>" and need an explicit rule.
//
// Denials are HTTP 403 with a JSON body and an X-Capgate-Denial header.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/audit"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/ui"
)

// DenialHeader carries the denial code on refused requests.
const DenialHeader = "X-Capgate-Denial"

// MediationError reports a permitted request that could not be carried out.
type MediationError struct {
	Target string
	Err    error
}

func (e *MediationError) Error() string {
	return fmt.Sprintf("egress to %s failed: %v", e.Target, e.Err)
}

func (e *MediationError) Unwrap() error { return e.Err }

// Denial is the JSON body of a refused request.
type Denial struct {
	Code     engine.Code `json:"code"`
	Reason   string      `json:"reason"`
	Category string      `json:"category"`
	Rule     string      `json:"rule,omitempty"`
}

// SnapshotSource supplies the current policy snapshot.
type SnapshotSource interface {
	Snapshot() *policy.Snapshot
}

// Auditor accepts audit records.
type Auditor interface {
	Emit(*audit.Record) bool
}

// Observer counts decisions.
type Observer interface {
	ObserveDecision(engine.Decision)
}

// Proxy is an HTTP forward proxy that enforces the network rule set.
type Proxy struct {
	policy   SnapshotSource
	engine   *engine.Engine
	approver ui.Approver
	auditor  Auditor
	observer Observer
	logger   *slog.Logger

	transport   http.RoundTripper
	dialTimeout time.Duration
	forward     *httputil.ReverseProxy
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithApprover sets the channel that resolves Ask decisions.
func WithApprover(a ui.Approver) Option {
	return func(p *Proxy) { p.approver = a }
}

// WithAuditor sets the audit destination.
func WithAuditor(a Auditor) Option {
	return func(p *Proxy) { p.auditor = a }
}

// WithObserver sets the decision counter.
func WithObserver(o Observer) Option {
	return func(p *Proxy) { p.observer = o }
}

// WithLogger sets the proxy logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithTransport sets the round tripper used for allowed requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.transport = rt }
}

// WithDialTimeout bounds the upstream dial of CONNECT tunnels.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.dialTimeout = d }
}

// New returns a Proxy deciding with eng against the snapshots src publishes.
func New(src SnapshotSource, eng *engine.Engine, opts ...Option) *Proxy {
	p := &Proxy{
		policy:      src,
		engine:      eng,
		approver:    ui.None{},
		logger:      slog.Default(),
		dialTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// The proxy must not itself be proxied through the environment.
		t.Proxy = nil
		p.transport = t
	}
	p.forward = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			u := *pr.In.URL
			pr.Out.URL = &u
			pr.Out.Host = u.Host
			pr.Out.Header.Del("Proxy-Authorization")
			pr.Out.Header.Del("Proxy-Connection")
		},
		Transport:    p.transport,
		ErrorHandler: p.forwardError,
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.serveConnect(w, r)
		return
	}
	if !r.URL.IsAbs() || r.URL.Host == "" {
		http.Error(w, "capgate egress: absolute-form request required", http.StatusBadRequest)
		return
	}

	d := p.engine.DecideRequest(p.policy.Snapshot(), r.Method, r.URL)
	d = p.resolveAsk(r.Context(), d, r.Method, r.URL.Redacted())
	p.record(r.Method, r.URL.Redacted(), d)
	if !d.Allowed() {
		writeDenial(w, d)
		return
	}
	p.forward.ServeHTTP(w, r)
}

func (p *Proxy) serveConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	d := p.engine.DecideTunnel(p.policy.Snapshot(), target)
	d = p.resolveAsk(r.Context(), d, http.MethodConnect, target)
	p.record(http.MethodConnect, target, d)
	if !d.Allowed() {
		writeDenial(w, d)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		p.mediationFailed(w, http.MethodConnect, target, errors.New("connection cannot be hijacked"))
		return
	}
	dialer := net.Dialer{Timeout: p.dialTimeout}
	upstream, err := dialer.DialContext(r.Context(), "tcp", target)
	if err != nil {
		p.mediationFailed(w, http.MethodConnect, target, err)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		p.logger.Error("egress hijack failed", "target", target, "error", err)
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	// Bytes the client sent after the CONNECT line are already buffered.
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Reader.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}
	tunnel(client, upstream)
}

// tunnel copies in both directions until either side closes.
func tunnel(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	pipe := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go pipe(a, b)
	go pipe(b, a)
	wg.Wait()
	a.Close()
	b.Close()
}

func (p *Proxy) resolveAsk(ctx context.Context, d engine.Decision, method, target string) engine.Decision {
	if d.Verdict != policy.VerdictAsk {
		return d
	}
	approval := p.approver.Approve(ctx, d, map[string]any{"method": method, "target": target})
	return engine.ResolveAsk(d, approval)
}

func (p *Proxy) forwardError(w http.ResponseWriter, r *http.Request, err error) {
	p.mediationFailed(w, r.Method, r.URL.Redacted(), err)
}

func (p *Proxy) mediationFailed(w http.ResponseWriter, method, target string, err error) {
	merr := &MediationError{Target: target, Err: err}
	p.logger.Warn("egress mediation failed", "method", method, "error", merr)
	d := engine.Decision{
		Verdict:  policy.VerdictDeny,
		Code:     engine.CodeNetworkMediation,
		Category: policy.CategoryNetwork,
		Tool:     "egress",
		Reason:   merr.Error(),
	}
	p.record(method, target, d)
	writeJSON(w, http.StatusBadGateway, d)
}

func (p *Proxy) record(method, target string, d engine.Decision) {
	if p.observer != nil {
		p.observer.ObserveDecision(d)
	}
	if p.auditor == nil {
		return
	}
	src := audit.Source{Transport: "egress"}
	if snap := p.policy.Snapshot(); snap != nil {
		src.Role = snap.Role()
		src.PolicyHash = snap.Hash()
	}
	p.auditor.Emit(audit.EgressRecord(src, method, target, d))
}

func writeDenial(w http.ResponseWriter, d engine.Decision) {
	status := http.StatusForbidden
	if d.Code == engine.CodePolicyNotReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, d)
}

func writeJSON(w http.ResponseWriter, status int, d engine.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(DenialHeader, string(d.Code))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Denial{
		Code:     d.Code,
		Reason:   d.Reason,
		Category: string(d.Category),
		Rule:     d.MatchedRule,
	})
}
