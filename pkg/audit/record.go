// Package audit records every decision capgate makes.
//
// Records are built on the request path, handed to an Emitter without
// blocking, and delivered to a Sink by a background worker. Sinks must live
// outside anything the agent can write: a file on a host mount, or a NATS
// JetStream subject. stdout is never a sink; with the stdio transport it
// carries JSON-RPC frames.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// Direction indicates the flow direction of the intercepted message.
type Direction string

const (
	// DirectionUpstream is agent → execution layer.
	DirectionUpstream Direction = "upstream"
	// DirectionDownstream is execution layer → agent.
	DirectionDownstream Direction = "downstream"
	// DirectionEgress is a request from the sandbox to the network.
	DirectionEgress Direction = "egress"
)

// Event names the kind of record.
type Event string

const (
	EventDecision  Event = "decision"
	EventRedaction Event = "dlp_redacted"
)

// Source identifies where a record came from.
type Source struct {
	Role       policy.Role
	PolicyHash string
	Connection string
	Transport  string
}

// Record is one audit entry. It is serialized as a single JSON line.
//
// Example:
//
//	{
//	  "id": "7d0f7c52-8a43-4a1e-9f0e-0b0f3b9d3b1e",
//	  "timestamp": "2025-01-20T10:30:45.123Z",
//	  "event": "decision",
//	  "direction": "upstream",
//	  "role": "WRITE",
//	  "connection": "c-12",
//	  "method": "tools/call",
//	  "tool": "bash",
//	  "category": "bash",
//	  "args": {"command": "R=rm; $R -rf /"},
//	  "decision": "DENY",
//	  "code": "BASH_INDIRECTION",
//	  "reason": "command position uses a variable"
//	}
type Record struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Event      Event       `json:"event"`
	Direction  Direction   `json:"direction"`
	Role       policy.Role `json:"role"`
	PolicyHash string      `json:"policy_hash,omitempty"`
	Connection string      `json:"connection,omitempty"`
	Transport  string      `json:"transport,omitempty"`

	Method    string          `json:"method,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Category  policy.Category `json:"category,omitempty"`
	Args      map[string]any  `json:"args,omitempty"`

	Decision  policy.Verdict `json:"decision,omitempty"`
	Code      engine.Code    `json:"code,omitempty"`
	Rule      string         `json:"rule,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Canonical string         `json:"canonical,omitempty"`
	Traversal bool           `json:"traversal,omitempty"`
	Ambiguity []string       `json:"ambiguity,omitempty"`
	Approval  string         `json:"approval,omitempty"`

	DLPRule    string `json:"dlp_rule,omitempty"`
	DLPMatches int    `json:"dlp_match_count,omitempty"`
}

func newRecord(src Source, ev Event, dir Direction) *Record {
	return &Record{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Event:      ev,
		Direction:  dir,
		Role:       src.Role,
		PolicyHash: src.PolicyHash,
		Connection: src.Connection,
		Transport:  src.Transport,
	}
}

// DecisionRecord describes the decision taken on one invocation. Arguments
// are copied as given; the Emitter redacts them before they are queued.
func DecisionRecord(src Source, method string, inv engine.Invocation, d engine.Decision) *Record {
	r := newRecord(src, EventDecision, DirectionUpstream)
	r.Method = method
	r.RequestID = inv.ID
	r.Tool = inv.Tool
	if d.Tool != "" {
		r.Tool = d.Tool
	}
	r.Category = d.Category
	r.Args = inv.Arguments
	r.Decision = d.Verdict
	r.Code = d.Code
	r.Rule = d.MatchedRule
	r.Reason = d.Reason
	r.Canonical = d.Canonical
	r.Traversal = d.Traversal
	r.Ambiguity = d.Ambiguity
	return r
}

// EgressRecord describes a decision taken by the egress proxy.
func EgressRecord(src Source, method, target string, d engine.Decision) *Record {
	r := newRecord(src, EventDecision, DirectionEgress)
	r.Method = method
	r.Tool = d.Tool
	r.Category = d.Category
	r.Args = map[string]any{"target": target}
	r.Decision = d.Verdict
	r.Code = d.Code
	r.Rule = d.MatchedRule
	r.Reason = d.Reason
	return r
}

// RedactionRecord reports a DLP rule that fired on an execution-layer
// response.
func RedactionRecord(src Source, ev dlp.Event) *Record {
	r := newRecord(src, EventRedaction, DirectionDownstream)
	r.DLPRule = ev.Rule
	r.DLPMatches = ev.Matches
	return r
}
