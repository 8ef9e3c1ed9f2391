package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/pathguard"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/shell"
)

// validator is implemented by the fixed set of per-category checks below.
type validator interface {
	validate(snap *policy.Snapshot, inv Invocation) Decision
}

func (e *Engine) validatorFor(cat policy.Category) (validator, bool) {
	switch cat {
	case policy.CategoryTool:
		return toolValidator{}, true
	case policy.CategoryBash:
		return bashValidator{classifier: e.classifier, paths: e.paths}, true
	case policy.CategoryFilesystemRead, policy.CategoryFilesystemWrite:
		return fsValidator{paths: e.paths}, true
	case policy.CategoryNetwork:
		return networkValidator{}, true
	}
	return nil, false
}

// toolValidator matches the tool name against the tools rule set.
type toolValidator struct{}

func (toolValidator) validate(snap *policy.Snapshot, inv Invocation) Decision {
	d := Decision{Category: policy.CategoryTool, Tool: inv.Tool}
	m := snap.Evaluate(policy.CategoryTool, []string{inv.Tool}, nil)
	d.MatchedRule = m.Pattern
	switch m.Verdict {
	case policy.VerdictAllow:
		d.Verdict = policy.VerdictAllow
		d.Reason = fmt.Sprintf("tool %q allowed", inv.Tool)
	case policy.VerdictAsk:
		d.Verdict = policy.VerdictAsk
		d.Reason = fmt.Sprintf("tool %q requires approval", inv.Tool)
	default:
		d = d.deny(CodeToolDenied, denyReason("tool "+quote(inv.Tool), m))
	}
	return d
}

// bashValidator classifies a command line and checks every executable it
// would run, plus the paths and destinations it names.
type bashValidator struct {
	classifier *shell.Classifier
	paths      *pathguard.Resolver
}

func (v bashValidator) validate(snap *policy.Snapshot, inv Invocation) Decision {
	d := Decision{Category: policy.CategoryBash, Tool: inv.Tool}
	command, ok := inv.stringArg("command", "cmd", "script")
	if !ok {
		return d.deny(CodeMalformedRequest, "bash invocation has no command argument")
	}
	res := v.classifier.Classify(policy.NormalizeCommand(command))
	d.Ambiguity = res.Reasons
	role := snap.Role()

	if len(res.Interpreters) > 0 {
		return d.deny(CodeInterpreterDenied,
			fmt.Sprintf("interpreter %s runs arbitrary code and cannot be filtered by command", strings.Join(res.Interpreters, ", ")))
	}
	if res.Indirect && !role.LeastRestrictive() {
		return d.deny(CodeBashIndirection, "command name is taken from a variable")
	}
	if res.Verdict == shell.Ambiguous && !role.LeastRestrictive() {
		return d.deny(CodeBashAmbiguous, "command cannot be resolved statically: "+strings.Join(res.Reasons, "; "))
	}
	if len(res.Commands) == 0 && res.Verdict == shell.Resolved {
		return d.deny(CodeBashDenied, "command line runs no executable")
	}

	d.Verdict = policy.VerdictAllow
	for _, c := range res.Commands {
		m := snap.Evaluate(policy.CategoryBash, c.Candidates(), c.DenyKeys())
		// A wrapper is judged by what it runs unless a rule names it.
		if c.Wrapper && m.Tier == policy.TierDefault {
			continue
		}
		switch m.Verdict {
		case policy.VerdictDeny:
			d.MatchedRule = m.Pattern
			return d.deny(CodeBashDenied, denyReason("command "+quote(c.String()), m))
		case policy.VerdictAsk:
			if d.Verdict == policy.VerdictAllow {
				d.Verdict = policy.VerdictAsk
				d.MatchedRule = m.Pattern
				d.Reason = fmt.Sprintf("command %q requires approval", c.String())
			}
		}
	}

	for _, p := range res.Paths {
		tok, err := v.paths.Resolve(p.Path)
		if err != nil {
			continue
		}
		d.Traversal = d.Traversal || tok.Traversal
		for _, access := range accessesFor(p.Access) {
			keys, denyOnly := tok.Keys(access)
			m := snap.Evaluate(categoryForAccess(access), keys, denyOnly)
			if m.Tier == policy.TierDeny {
				d.MatchedRule = m.Pattern
				d.Canonical = tok.Canonical
				return d.deny(CodeFSDenied, fmt.Sprintf("command touches %s, denied by rule %q", tok.Canonical, m.Pattern))
			}
		}
	}

	for _, h := range res.Network {
		for _, u := range h.URLs {
			m := snap.Evaluate(policy.CategoryNetwork, []string{NetworkKey(h.Method, u)}, []string{ConnectKey(u)})
			if m.Verdict == policy.VerdictDeny {
				d.MatchedRule = m.Pattern
				return d.deny(CodeNetworkDenied, denyReason(fmt.Sprintf("%s %s via %s", h.Method, redact(u), h.Tool), m))
			}
		}
	}

	if res.Verdict == shell.Ambiguous {
		d.Verdict = policy.VerdictAsk
		d.Code = ""
		d.Reason = "command cannot be resolved statically: " + strings.Join(res.Reasons, "; ")
		return d
	}
	if d.Verdict == policy.VerdictAllow {
		d.Reason = "every command allowed"
	}
	return d
}

func accessesFor(a shell.Access) []string {
	switch a {
	case shell.AccessRead:
		return []string{"read"}
	case shell.AccessWrite:
		return []string{"write"}
	}
	return []string{"read", "write"}
}

func categoryForAccess(access string) policy.Category {
	if access == "write" {
		return policy.CategoryFilesystemWrite
	}
	return policy.CategoryFilesystemRead
}

// fsValidator canonicalizes the path argument and matches the resolved
// target, never the literal spelling alone.
type fsValidator struct {
	paths *pathguard.Resolver
}

func (v fsValidator) validate(snap *policy.Snapshot, inv Invocation) Decision {
	d := Decision{Category: inv.Category, Tool: inv.Tool}
	path, ok := inv.stringArg("file_path", "path", "notebook_path", "pattern")
	if !ok {
		if inv.Category != policy.CategoryFilesystemRead {
			return d.deny(CodeMalformedRequest, "filesystem invocation has no path argument")
		}
		// Listing and search tools default to the workspace root.
		path = "."
	}

	tok, err := v.paths.Resolve(path)
	if err != nil {
		return d.deny(CodePathResolution, err.Error())
	}
	d.Canonical = tok.Canonical
	d.Traversal = tok.Traversal

	access := "read"
	if inv.Category == policy.CategoryFilesystemWrite {
		access = "write"
	}
	keys, denyOnly := tok.Keys(access)
	m := snap.Evaluate(inv.Category, keys, denyOnly)
	d.MatchedRule = m.Pattern
	switch m.Verdict {
	case policy.VerdictAllow:
		d.Verdict = policy.VerdictAllow
		d.Reason = fmt.Sprintf("%s %s allowed", access, tok.Canonical)
		d.Paths = []*pathguard.Token{tok}
	case policy.VerdictAsk:
		d.Verdict = policy.VerdictAsk
		d.Reason = fmt.Sprintf("%s %s requires approval", access, tok.Canonical)
		d.Paths = []*pathguard.Token{tok}
	default:
		d = d.deny(CodeFSDenied, denyReason(access+" "+tok.Canonical, m))
	}
	return d
}

// networkValidator checks a structured fetch by method and destination.
type networkValidator struct{}

func (networkValidator) validate(snap *policy.Snapshot, inv Invocation) Decision {
	d := Decision{Category: policy.CategoryNetwork, Tool: inv.Tool}
	raw, ok := inv.stringArg("url", "uri", "endpoint")
	if !ok {
		return d.deny(CodeMalformedRequest, "network invocation has no url argument")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return d.deny(CodeMalformedRequest, fmt.Sprintf("invalid url %q", raw))
	}
	method, _ := inv.stringArg("method")
	if method == "" {
		method = "GET"
	}
	return decideNetwork(snap, d, method, u)
}

func decideNetwork(snap *policy.Snapshot, d Decision, method string, u *url.URL) Decision {
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return d.deny(CodeNetworkDenied, fmt.Sprintf("scheme %q is not mediated", u.Scheme))
	}
	m := snap.Evaluate(policy.CategoryNetwork, []string{NetworkKey(method, u)}, []string{ConnectKey(u)})
	d.MatchedRule = m.Pattern
	target := strings.ToUpper(method) + " " + redact(u)
	switch m.Verdict {
	case policy.VerdictAllow:
		d.Verdict = policy.VerdictAllow
		d.Reason = target + " allowed"
	case policy.VerdictAsk:
		d.Verdict = policy.VerdictAsk
		d.Reason = target + " requires approval"
	default:
		d = d.deny(CodeNetworkDenied, denyReason(target, m))
	}
	return d
}

// DecideRequest evaluates an HTTP request observed at the egress point. Only
// the network rule set applies; the tool that caused it is unknown.
func (e *Engine) DecideRequest(snap *policy.Snapshot, method string, u *url.URL) Decision {
	d := Decision{Category: policy.CategoryNetwork, Tool: "egress"}
	if snap == nil {
		return d.deny(CodePolicyNotReady, "policy is not loaded")
	}
	return decideNetwork(snap, d, method, u)
}

// DecideTunnel evaluates a CONNECT to hostport. The method inside the tunnel
// is unobservable, so only an explicit tunnel rule allows it.
func (e *Engine) DecideTunnel(snap *policy.Snapshot, hostport string) Decision {
	d := Decision{Category: policy.CategoryNetwork, Tool: "egress"}
	if snap == nil {
		return d.deny(CodePolicyNotReady, "policy is not loaded")
	}
	m := snap.Evaluate(policy.CategoryNetwork, []string{TunnelKey(hostport)}, nil)
	d.MatchedRule = m.Pattern
	switch m.Verdict {
	case policy.VerdictAllow:
		d.Verdict = policy.VerdictAllow
		d.Reason = "tunnel to " + hostport + " allowed"
	case policy.VerdictAsk:
		d.Verdict = policy.VerdictAsk
		d.Reason = "tunnel to " + hostport + " requires approval"
	default:
		d = d.deny(CodeNetworkDenied, denyReason("tunnel to "+hostport, m))
	}
	return d
}

func denyReason(subject string, m policy.Match) string {
	if m.Tier == policy.TierDeny {
		return fmt.Sprintf("%s denied by rule %q", subject, m.Pattern)
	}
	return subject + " not allowed by policy"
}

func quote(s string) string { return fmt.Sprintf("%q", s) }
