// Package relay sits between an agent and its execution layer.
//
// A Router owns one agent connection and one execution-layer connection.
// Frames from the agent are processed strictly in order: each is decoded,
// every tool call it carries is decided, the decision is audited, and only
// then is the frame forwarded or answered with a denial. Frames from the
// execution layer are redacted and passed back.
//
// Transports (WebSocket, stdio) only move frames; every decision is made here.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/audit"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/protocol"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/ui"
)

// Conn moves whole frames.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// SnapshotSource supplies the current policy snapshot.
type SnapshotSource interface {
	Snapshot() *policy.Snapshot
}

// Auditor accepts audit records.
type Auditor interface {
	Emit(*audit.Record) bool
}

// Observer counts decisions and connections.
type Observer interface {
	ObserveDecision(engine.Decision)
	ObserveConnection(delta int)
}

// Deps are shared by every Router of a process.
type Deps struct {
	Policy   SnapshotSource
	Engine   *engine.Engine
	Approver ui.Approver
	Auditor  Auditor
	Scanner  *dlp.Scanner
	Observer Observer
	Logger   *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Engine == nil {
		d.Engine = engine.New()
	}
	if d.Approver == nil {
		d.Approver = ui.None{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// State is the lifecycle of a connection.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateAuthenticated:
		return "Authenticated"
	case StateRelaying:
		return "Relaying"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrNotAuthenticated is returned by Serve on a connection that skipped
// authentication.
var ErrNotAuthenticated = errors.New("connection is not authenticated")

// Router relays one agent connection.
type Router struct {
	id        string
	transport string
	deps      Deps
	logger    *slog.Logger

	agent    Conn
	upstream Conn

	state atomic.Int32

	limiter   *rate.Limiter
	limitHash string

	// agentMu serializes writes to the agent: denials from the inbound loop
	// and responses from the downstream loop share the connection.
	agentMu sync.Mutex
}

// NewRouter creates a Router in the Connected state.
func NewRouter(id, transport string, deps Deps, agent, upstream Conn) *Router {
	deps = deps.withDefaults()
	return &Router{
		id:        id,
		transport: transport,
		deps:      deps,
		logger:    deps.Logger.With("conn", id, "transport", transport),
		agent:     agent,
		upstream:  upstream,
	}
}

// State returns the lifecycle state.
func (r *Router) State() State { return State(r.state.Load()) }

// Authenticated moves a Connected router to Authenticated.
func (r *Router) Authenticated() {
	r.state.CompareAndSwap(int32(StateConnected), int32(StateAuthenticated))
}

// Serve relays until either side closes or ctx is cancelled. Closing
// cancels the decision in progress; audit records already emitted stay
// queued.
func (r *Router) Serve(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateAuthenticated), int32(StateRelaying)) {
		return ErrNotAuthenticated
	}
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveConnection(1)
		defer r.deps.Observer.ObserveConnection(-1)
	}
	r.logger.Info("relay started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- r.inbound(ctx) }()
	go func() { errc <- r.downstream(ctx) }()

	err := <-errc
	cancel()
	r.state.Store(int32(StateClosed))
	_ = r.agent.Close()
	_ = r.upstream.Close()
	<-errc

	if errors.Is(err, context.Canceled) || isClosed(err) {
		err = nil
	}
	r.logger.Info("relay closed", "error", err)
	return err
}

func (r *Router) inbound(ctx context.Context) error {
	for {
		frame, err := r.agent.ReadFrame(ctx)
		if err != nil {
			return err
		}
		forward, reply := r.route(ctx, frame)
		if reply != nil {
			if err := r.writeAgent(ctx, reply); err != nil {
				return err
			}
		}
		if !forward {
			continue
		}
		if err := r.upstream.WriteFrame(ctx, frame); err != nil {
			r.logger.Error("execution layer write failed", "error", err)
			if reply := r.upstreamFailure(frame); reply != nil {
				_ = r.writeAgent(ctx, reply)
			}
			return fmt.Errorf("upstream write: %w", err)
		}
	}
}

func (r *Router) downstream(ctx context.Context) error {
	for {
		frame, err := r.upstream.ReadFrame(ctx)
		if err != nil {
			return err
		}
		out, events := r.deps.Scanner.RedactFrame(frame)
		for _, ev := range events {
			r.logger.Warn("redacted execution-layer output", "rule", ev.Rule, "matches", ev.Matches)
			r.emit(audit.RedactionRecord(r.source(r.deps.Policy.Snapshot()), ev))
		}
		if err := r.writeAgent(ctx, out); err != nil {
			return err
		}
	}
}

func (r *Router) writeAgent(ctx context.Context, frame []byte) error {
	r.agentMu.Lock()
	defer r.agentMu.Unlock()
	return r.agent.WriteFrame(ctx, frame)
}

// route decides one inbound frame. It returns whether to forward the frame
// and the reply, if any, to send back to the agent.
func (r *Router) route(ctx context.Context, data []byte) (bool, []byte) {
	snap := r.deps.Policy.Snapshot()

	f, err := protocol.Extract(data)
	if err != nil {
		d := engine.Decision{Verdict: policy.VerdictDeny, Code: engine.CodeMalformedRequest, Category: policy.CategoryTool, Reason: err.Error()}
		r.record(snap, "", engine.Invocation{}, d, "")
		return false, marshal(protocol.NewParseError(nil, err.Error()))
	}

	switch f.Kind {
	case protocol.KindPassthrough:
		return true, nil
	case protocol.KindMethod:
		return r.routeMethod(snap, f)
	}

	if d, ok := r.gate(snap, f); !ok {
		r.logger.Warn("frame refused", "kind", f.Kind.String(), "code", d.Code)
		decisions := make([]engine.Decision, len(f.Invocations))
		for i, inv := range f.Invocations {
			decisions[i] = d
			decisions[i].Tool = inv.Tool
			r.record(snap, f.Method, inv, decisions[i], "")
		}
		return false, r.reply(f, decisions)
	}

	decisions := make([]engine.Decision, len(f.Invocations))
	allowed := true
	for i, inv := range f.Invocations {
		decisions[i] = r.decide(ctx, snap, f.Method, inv)
		if !decisions[i].Allowed() {
			allowed = false
		}
	}
	if allowed {
		return true, nil
	}
	return false, r.reply(f, decisions)
}

// gate applies checks that come before per-call decisions: readiness, the
// method rule set, and the connection rate limit.
func (r *Router) gate(snap *policy.Snapshot, f *protocol.Frame) (engine.Decision, bool) {
	d := engine.Decision{Verdict: policy.VerdictDeny, Category: policy.CategoryTool}
	if snap == nil {
		d.Code = engine.CodePolicyNotReady
		d.Reason = "policy is not loaded"
		return d, false
	}
	if f.Kind == protocol.KindToolCall {
		if m := snap.EvaluateMethod(f.Method); m.Verdict != policy.VerdictAllow {
			d.Code = engine.CodeMethodDenied
			d.Reason = fmt.Sprintf("method %q not allowed by policy", f.Method)
			return d, false
		}
	}
	if !r.allowRate(snap, len(f.Invocations)) {
		d.Code = engine.CodeRateLimited
		d.Reason = "tool call rate limit exceeded"
		return d, false
	}
	return d, true
}

func (r *Router) routeMethod(snap *policy.Snapshot, f *protocol.Frame) (bool, []byte) {
	d := engine.Decision{Verdict: policy.VerdictDeny, Category: policy.CategoryTool}
	switch {
	case snap == nil:
		d.Code = engine.CodePolicyNotReady
		d.Reason = "policy is not loaded"
	default:
		m := snap.EvaluateMethod(f.Method)
		if m.Verdict == policy.VerdictAllow {
			d.Verdict = policy.VerdictAllow
			d.MatchedRule = m.Pattern
			d.Reason = fmt.Sprintf("method %q allowed by policy", f.Method)
			r.record(snap, f.Method, engine.Invocation{ID: string(f.ID)}, d, "")
			return true, nil
		}
		d.Code = engine.CodeMethodDenied
		d.MatchedRule = m.Pattern
		d.Reason = fmt.Sprintf("method %q not allowed by policy", f.Method)
	}
	r.logger.Warn("method blocked", "method", f.Method, "code", d.Code)
	r.record(snap, f.Method, engine.Invocation{ID: string(f.ID)}, d, "")
	req := protocol.Request{ID: f.ID}
	if req.IsNotification() {
		return false, nil
	}
	return false, marshal(protocol.NewDenial(f.ID, d))
}

// decide evaluates one invocation through to its final verdict: Ask is
// resolved and filesystem tokens are revalidated right before forwarding.
func (r *Router) decide(ctx context.Context, snap *policy.Snapshot, method string, inv engine.Invocation) engine.Decision {
	d := r.deps.Engine.Decide(snap, inv)

	approval := ""
	if d.Verdict == policy.VerdictAsk {
		a := r.deps.Approver.Approve(ctx, d, inv.Arguments)
		approval = a.String()
		d = engine.ResolveAsk(d, a)
	}

	if d.Allowed() {
		for _, tok := range d.Paths {
			if err := tok.Revalidate(); err != nil {
				d.Verdict = policy.VerdictDeny
				d.Code = engine.CodePathResolution
				d.Reason = fmt.Sprintf("path changed after the decision: %v", err)
				d.Paths = nil
				break
			}
		}
	}

	if d.Allowed() {
		r.logger.Debug("tool call allowed", "tool", d.Tool, "category", d.Category)
	} else {
		r.logger.Info("tool call denied", "tool", d.Tool, "code", d.Code, "rule", d.MatchedRule)
	}
	r.record(snap, method, inv, d, approval)
	return d
}

func (r *Router) allowRate(snap *policy.Snapshot, n int) bool {
	limit, burst := snap.RateLimit()
	if limit == rate.Inf {
		return true
	}
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(limit, burst)
		r.limitHash = snap.Hash()
	} else if r.limitHash != snap.Hash() {
		r.limiter.SetLimit(limit)
		r.limiter.SetBurst(burst)
		r.limitHash = snap.Hash()
	}
	if n < 1 {
		n = 1
	}
	return r.limiter.AllowN(time.Now(), n)
}

// reply answers a frame that will not be forwarded, in its own framing.
func (r *Router) reply(f *protocol.Frame, decisions []engine.Decision) []byte {
	if f.Kind == protocol.KindToolUse {
		return marshal(protocol.NewViolationMessage(f.BlockIDs, decisions))
	}
	for _, d := range decisions {
		if !d.Allowed() {
			return marshal(protocol.NewDenial(f.ID, d))
		}
	}
	return nil
}

// upstreamFailure builds the reply for a frame the execution layer did not
// receive.
func (r *Router) upstreamFailure(frame []byte) []byte {
	f, err := protocol.Extract(frame)
	if err != nil || f.Kind != protocol.KindToolCall {
		return nil
	}
	d := engine.Decision{
		Verdict:  policy.VerdictDeny,
		Code:     engine.CodeUpstreamUnavailable,
		Category: policy.CategoryTool,
		Reason:   "execution layer unavailable",
	}
	return marshal(protocol.NewDenial(f.ID, d))
}

func (r *Router) record(snap *policy.Snapshot, method string, inv engine.Invocation, d engine.Decision, approval string) {
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveDecision(d)
	}
	rec := audit.DecisionRecord(r.source(snap), method, inv, d)
	rec.Approval = approval
	r.emit(rec)
}

func (r *Router) emit(rec *audit.Record) {
	if r.deps.Auditor == nil {
		return
	}
	if !r.deps.Auditor.Emit(rec) {
		r.logger.Warn("audit record not queued", "id", rec.ID)
	}
}

func (r *Router) source(snap *policy.Snapshot) audit.Source {
	src := audit.Source{Connection: r.id, Transport: r.transport}
	if snap != nil {
		src.Role = snap.Role()
		src.PolicyHash = snap.Hash()
	}
	return src
}

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only fixed protocol types reach here.
		panic(fmt.Sprintf("relay: marshal %T: %v", v, err))
	}
	return data
}

// isJSONFrame reports whether a line from the execution layer is a message
// rather than log output.
func isJSONFrame(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
