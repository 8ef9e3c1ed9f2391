// Package engine turns a tool invocation and a policy snapshot into a
// Decision.
//
// Decide is pure with respect to shared state: it reads the snapshot it is
// given and nothing else mutable, so any number of connections may call it
// concurrently. The filesystem is consulted only to canonicalize paths and
// resolve executables.
package engine

import (
	"fmt"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/pathguard"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/shell"
)

// Code is a stable, machine-readable denial code.
type Code string

const (
	CodeToolDenied          Code = "TOOL_DENIED"
	CodeBashDenied          Code = "BASH_DENIED"
	CodeBashAmbiguous       Code = "BASH_AMBIGUOUS"
	CodeBashIndirection     Code = "BASH_INDIRECTION"
	CodeInterpreterDenied   Code = "INTERPRETER_DENIED"
	CodeFSDenied            Code = "FS_DENIED"
	CodePathResolution      Code = "PATH_RESOLUTION_FAILED"
	CodeNetworkDenied       Code = "NETWORK_DENIED"
	CodeNetworkMediation    Code = "NETWORK_MEDIATION_FAILED"
	CodeAskUnattended       Code = "ASK_UNATTENDED"
	CodeAskRejected         Code = "ASK_REJECTED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeMalformedRequest    Code = "MALFORMED_REQUEST"
	CodePolicyNotReady      Code = "POLICY_NOT_READY"
	CodeMethodDenied        Code = "METHOD_DENIED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
)

// Invocation is one tool call extracted from the wire.
type Invocation struct {
	// ID correlates the call with its response.
	ID string `json:"id,omitempty"`

	// Tool is the tool name as the agent sent it.
	Tool string `json:"tool"`

	// Category selects the validator. Empty derives it from Tool.
	Category policy.Category `json:"category,omitempty"`

	// Arguments holds the decoded tool input.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// stringArg returns the first non-empty string argument among names.
func (inv Invocation) stringArg(names ...string) (string, bool) {
	for _, n := range names {
		if s, ok := inv.Arguments[n].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Decision is the outcome of evaluating one invocation.
type Decision struct {
	Verdict     policy.Verdict  `json:"verdict"`
	Code        Code            `json:"code,omitempty"`
	Category    policy.Category `json:"category"`
	Tool        string          `json:"tool,omitempty"`
	MatchedRule string          `json:"matched_rule,omitempty"`
	Reason      string          `json:"reason"`

	// Canonical is the resolved path a filesystem decision was made on.
	Canonical string `json:"canonical,omitempty"`

	// Traversal records ".." or /proc/self in a path argument.
	Traversal bool `json:"traversal,omitempty"`

	// Ambiguity lists why the command classifier could not resolve a
	// command line.
	Ambiguity []string `json:"ambiguity,omitempty"`

	// Paths are the tokens to revalidate right before the call is forwarded.
	Paths []*pathguard.Token `json:"-"`
}

// Allowed reports whether the call may be forwarded.
func (d Decision) Allowed() bool { return d.Verdict == policy.VerdictAllow }

func (d Decision) deny(code Code, reason string) Decision {
	d.Verdict = policy.VerdictDeny
	d.Code = code
	d.Reason = reason
	return d
}

// Engine evaluates invocations. It holds no per-request state.
type Engine struct {
	classifier *shell.Classifier
	paths      *pathguard.Resolver
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier sets the command classifier used for bash invocations.
func WithClassifier(c *shell.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithPathResolver sets the resolver for filesystem arguments.
func WithPathResolver(r *pathguard.Resolver) Option {
	return func(e *Engine) { e.paths = r }
}

// New returns an Engine. Without options it classifies against the default
// PATH and resolves relative paths against "/workspace".
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.classifier == nil {
		e.classifier = shell.NewClassifier(nil)
	}
	if e.paths == nil {
		e.paths = pathguard.NewResolver("/workspace")
	}
	return e
}

// Decide evaluates inv against snap. The category validator runs first and
// the tool rule set second; the most restrictive verdict wins, and on a tie
// the category validator's explanation is kept.
func (e *Engine) Decide(snap *policy.Snapshot, inv Invocation) Decision {
	if snap == nil {
		return Decision{Category: inv.Category, Tool: inv.Tool}.deny(CodePolicyNotReady, "policy is not loaded")
	}

	tool := policy.NormalizeName(inv.Tool)
	cat := inv.Category
	if cat == "" {
		cat = CategoryFor(tool)
	}
	if tool == "" {
		tool = defaultTool(cat)
	}
	if tool == "" {
		return Decision{Category: cat}.deny(CodeMalformedRequest, "invocation has no tool name")
	}
	inv.Tool = tool
	inv.Category = cat

	v, ok := e.validatorFor(cat)
	if !ok {
		return Decision{Category: cat, Tool: tool}.deny(CodeMalformedRequest, fmt.Sprintf("unknown category %q", cat))
	}
	d := v.validate(snap, inv)
	if cat != policy.CategoryTool {
		if t := (toolValidator{}).validate(snap, inv); t.Verdict.MoreRestrictive(d.Verdict) {
			t.Traversal = d.Traversal
			t.Canonical = d.Canonical
			t.Paths = d.Paths
			d = t
		}
	}
	d.Tool = tool
	if d.Verdict == policy.VerdictDeny {
		d.Paths = nil
	}
	return d
}

// Approval is the answer from a human-in-the-loop channel.
type Approval int

const (
	// Unattended means no channel was available to ask.
	Unattended Approval = iota
	Approved
	Rejected
)

func (a Approval) String() string {
	switch a {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	}
	return "unattended"
}

// ResolveAsk settles an Ask decision. Without a human to answer, Ask
// resolves to Deny, never to Allow.
func ResolveAsk(d Decision, a Approval) Decision {
	if d.Verdict != policy.VerdictAsk {
		return d
	}
	switch a {
	case Approved:
		d.Verdict = policy.VerdictAllow
		d.Reason += " (approved by operator)"
		return d
	case Rejected:
		d.Paths = nil
		return d.deny(CodeAskRejected, d.Reason+" (rejected by operator)")
	}
	d.Paths = nil
	return d.deny(CodeAskUnattended, d.Reason+" (requires approval and no approval channel is configured)")
}
