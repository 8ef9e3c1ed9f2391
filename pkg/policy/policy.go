// Package policy implements the capgate role policy model: YAML policy
// documents, glob rule sets, signed sub-policy overlays and the atomically
// swapped snapshot that the decision engine reads.
//
// A policy document looks like:
//
//	apiVersion: capgate.io/v1
//	kind: RolePolicy
//	metadata:
//	  name: write-default
//	spec:
//	  role: WRITE
//	  tools:
//	    allow: [read, glob, grep, write, edit]
//	    deny: [bash]
//	  filesystem:
//	    allow: ["read:/workspace/**", "write:/workspace/**"]
//	    deny: ["read:/etc/shadow"]
//	  sub_policy:
//	    url: https://policies.internal/write.yaml
//	    public_key: <base64 ed25519 public key>
//	    mandatory: true
//
// Every category is evaluated deny, then allow, then ask, and falls back to
// deny when nothing matches.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIVersion is the only accepted policy document version.
const APIVersion = "capgate.io/v1"

// Kind is the only accepted policy document kind.
const Kind = "RolePolicy"

// Role is a named permission tier.
type Role string

const (
	RoleRead     Role = "READ"
	RoleWrite    Role = "WRITE"
	RoleLocal    Role = "LOCAL"
	RolePoke     Role = "POKE"
	RoleProbe    Role = "PROBE"
	RoleAgent    Role = "AGENT"
	RoleOperator Role = "OPERATOR"
)

// Roles returns every role ordered from most to least restrictive.
func Roles() []Role {
	return []Role{RoleRead, RoleWrite, RoleLocal, RolePoke, RoleProbe, RoleAgent, RoleOperator}
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Rank returns the position of the role in the restriction order, or -1.
func (r Role) Rank() int {
	for i, known := range Roles() {
		if r == known {
			return i
		}
	}
	return -1
}

// LeastRestrictive reports whether r is the top tier.
func (r Role) LeastRestrictive() bool {
	return r == RoleOperator
}

// Verdict is the outcome of evaluating a request against a rule set.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictDeny  Verdict = "DENY"
	VerdictAsk   Verdict = "ASK"
)

// restriction orders verdicts so the most restrictive one can be picked.
func (v Verdict) restriction() int {
	switch v {
	case VerdictAllow:
		return 0
	case VerdictAsk:
		return 1
	default:
		return 2
	}
}

// MoreRestrictive reports whether v is strictly more restrictive than other.
func (v Verdict) MoreRestrictive(other Verdict) bool {
	return v.restriction() > other.restriction()
}

// Category selects which rule set a request is evaluated against.
type Category string

const (
	CategoryTool            Category = "tool"
	CategoryBash            Category = "bash"
	CategoryFilesystemRead  Category = "filesystem_read"
	CategoryFilesystemWrite Category = "filesystem_write"
	CategoryNetwork         Category = "network"
)

// RuleSet holds glob patterns for one resource category.
type RuleSet struct {
	Deny  []string `yaml:"deny,omitempty" json:"deny"`
	Allow []string `yaml:"allow,omitempty" json:"allow"`
	Ask   []string `yaml:"ask,omitempty" json:"ask"`
}

// IsEmpty reports whether the rule set has no patterns at all.
func (rs RuleSet) IsEmpty() bool {
	return len(rs.Deny) == 0 && len(rs.Allow) == 0 && len(rs.Ask) == 0
}

// Document is a parsed policy file.
type Document struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       Spec     `yaml:"spec"`
}

// Metadata identifies a policy document.
type Metadata struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
	Owner   string `yaml:"owner,omitempty"`
}

// Spec holds the rules of a policy document.
type Spec struct {
	Role Role `yaml:"role"`

	// Tools matches normalized tool names.
	Tools RuleSet `yaml:"tools"`

	// Bash matches command candidates such as "rm -rf /" and "rm:-rf /".
	Bash RuleSet `yaml:"bash"`

	// Filesystem matches "read:<path>" and "write:<path>" keys built from
	// canonical paths.
	Filesystem RuleSet `yaml:"filesystem"`

	// Network matches "<method>:<scheme>://<host><path>" keys observed at
	// the egress proxy, and "tunnel:<host>:<port>" for CONNECT.
	Network RuleSet `yaml:"network"`

	// Methods gates non tool-call JSON-RPC methods. Empty means
	// DefaultAllowedMethods.
	Methods RuleSet `yaml:"methods,omitempty"`

	// RateLimit caps tool calls per connection, e.g. "60/minute".
	RateLimit string `yaml:"rate_limit,omitempty"`

	SubPolicy *SubPolicySource `yaml:"sub_policy,omitempty"`
}

// SubPolicySource points at a signed deny-additive overlay.
type SubPolicySource struct {
	// URL must be https.
	URL string `yaml:"url"`

	// SignatureURL defaults to URL + ".sig".
	SignatureURL string `yaml:"signature_url,omitempty"`

	// PublicKey is the base64 ed25519 key the overlay must be signed with.
	PublicKey string `yaml:"public_key"`

	// Mandatory makes fetch or verification failure fatal.
	Mandatory bool `yaml:"mandatory"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
	Retries int           `yaml:"retries,omitempty"`
}

const (
	defaultSubPolicyTimeout = 10 * time.Second
	defaultSubPolicyRetries = 2
	maxSubPolicyRetries     = 5
)

// GetSignatureURL returns the detached signature location.
func (s *SubPolicySource) GetSignatureURL() string {
	if s.SignatureURL != "" {
		return s.SignatureURL
	}
	return s.URL + ".sig"
}

// GetTimeout returns the per-attempt fetch timeout.
func (s *SubPolicySource) GetTimeout() time.Duration {
	if s.Timeout <= 0 {
		return defaultSubPolicyTimeout
	}
	return s.Timeout
}

// GetRetries returns the bounded retry count.
func (s *SubPolicySource) GetRetries() int {
	switch {
	case s.Retries < 0:
		return 0
	case s.Retries == 0:
		return defaultSubPolicyRetries
	case s.Retries > maxSubPolicyRetries:
		return maxSubPolicyRetries
	}
	return s.Retries
}

// DefaultAllowedMethods are the JSON-RPC methods permitted when a policy does
// not list its own. resources/* and prompts/* are excluded because they reach
// data without passing through tool rules.
var DefaultAllowedMethods = []string{
	"initialize",
	"initialized",
	"ping",
	"tools/call",
	"tools/list",
	"notifications/initialized",
	"notifications/progress",
	"notifications/cancelled",
	"cancelled",
}

// LoadError reports a policy document that cannot be used.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("policy load failure (%s): %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load parses and validates a policy document.
func Load(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadFile reads and parses a policy document from disk.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	doc, err := Load(data)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	return doc, nil
}

// Validate checks required fields and that every pattern compiles.
func (d *Document) Validate() error {
	if d.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion %q, expected %s", d.APIVersion, APIVersion)
	}
	if d.Kind != Kind {
		return fmt.Errorf("unexpected kind %q, expected %s", d.Kind, Kind)
	}
	role, err := ParseRole(string(d.Spec.Role))
	if err != nil {
		return err
	}
	d.Spec.Role = role

	if d.Spec.RateLimit != "" {
		if _, _, err := ParseRateLimit(d.Spec.RateLimit); err != nil {
			return err
		}
	}

	if sp := d.Spec.SubPolicy; sp != nil {
		if err := validateSubPolicySource(sp); err != nil {
			return err
		}
	}

	for name, rs := range d.ruleSets() {
		if _, err := compileRuleSet(rs, matchModeFor(name)); err != nil {
			return fmt.Errorf("invalid %s rules: %w", name, err)
		}
	}
	return nil
}

func validateSubPolicySource(sp *SubPolicySource) error {
	if !strings.HasPrefix(sp.URL, "https://") {
		return fmt.Errorf("sub_policy.url must use https: %q", sp.URL)
	}
	if !strings.HasPrefix(sp.GetSignatureURL(), "https://") {
		return fmt.Errorf("sub_policy.signature_url must use https: %q", sp.GetSignatureURL())
	}
	if _, err := ParsePublicKey(sp.PublicKey); err != nil {
		return fmt.Errorf("sub_policy.public_key: %w", err)
	}
	return nil
}

// ruleSets returns the document's rule sets keyed by section name.
func (d *Document) ruleSets() map[string]RuleSet {
	return map[string]RuleSet{
		"tools":      d.Spec.Tools,
		"bash":       d.Spec.Bash,
		"filesystem": d.Spec.Filesystem,
		"network":    d.Spec.Network,
		"methods":    d.Spec.Methods,
	}
}

// Marshal renders the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := *d
	out.Spec.Tools = d.Spec.Tools.clone()
	out.Spec.Bash = d.Spec.Bash.clone()
	out.Spec.Filesystem = d.Spec.Filesystem.clone()
	out.Spec.Network = d.Spec.Network.clone()
	out.Spec.Methods = d.Spec.Methods.clone()
	if d.Spec.SubPolicy != nil {
		sp := *d.Spec.SubPolicy
		out.Spec.SubPolicy = &sp
	}
	return &out
}

func (rs RuleSet) clone() RuleSet {
	return RuleSet{
		Deny:  append([]string(nil), rs.Deny...),
		Allow: append([]string(nil), rs.Allow...),
		Ask:   append([]string(nil), rs.Ask...),
	}
}
