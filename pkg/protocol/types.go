// Package protocol defines the wire messages capgate intercepts.
//
// Two framings carry tool calls. MCP clients send JSON-RPC 2.0 "tools/call"
// requests:
//
//	{"jsonrpc": "2.0", "id": 1, "method": "tools/call",
//	 "params": {"name": "read", "arguments": {"file_path": "src/main.go"}}}
//
// Agent gateways send assistant turns whose content blocks include tool_use
// entries:
//
//	{"type": "message", "content": [
//	  {"type": "tool_use", "id": "t1", "name": "bash", "input": {"command": "ls"}}]}
//
// Denials are answered in the framing of the request.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
)

// MethodToolsCall is the JSON-RPC method that invokes a tool.
const MethodToolsCall = "tools/call"

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`

	// ID correlates the response. Notifications have none.
	ID json.RawMessage `json:"id,omitempty"`

	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
//
// capgate uses the implementation-defined range:
//   - -32001: denied by policy
//   - -32002: rate limited
//   - -32003: unauthorized
//   - -32004: approval rejected
//   - -32005: approval unavailable
//   - -32006: method not allowed
//   - -32007: policy not ready
//   - -32008: execution layer unavailable
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

const (
	ErrCodeParse            = -32700
	ErrCodeInvalidRequest   = -32600
	ErrCodeForbidden        = -32001
	ErrCodeRateLimited      = -32002
	ErrCodeUnauthorized     = -32003
	ErrCodeAskRejected      = -32004
	ErrCodeAskUnattended    = -32005
	ErrCodeMethodNotAllowed = -32006
	ErrCodePolicyNotReady   = -32007
	ErrCodeUpstream         = -32008
)

// rpcError maps a denial code onto a JSON-RPC error code and message.
func rpcError(code engine.Code) (int, string) {
	switch code {
	case engine.CodeRateLimited:
		return ErrCodeRateLimited, "Rate limit exceeded"
	case engine.CodeUnauthorized:
		return ErrCodeUnauthorized, "Unauthorized"
	case engine.CodeAskRejected:
		return ErrCodeAskRejected, "Approval rejected"
	case engine.CodeAskUnattended:
		return ErrCodeAskUnattended, "Approval required"
	case engine.CodeMethodDenied:
		return ErrCodeMethodNotAllowed, "Method not allowed"
	case engine.CodePolicyNotReady:
		return ErrCodePolicyNotReady, "Policy not ready"
	case engine.CodeUpstreamUnavailable:
		return ErrCodeUpstream, "Execution layer unavailable"
	case engine.CodeMalformedRequest:
		return ErrCodeInvalidRequest, "Invalid request"
	}
	return ErrCodeForbidden, "Forbidden"
}

// DenialData is the data member of every capgate error response. It names
// the category and rule that matched and nothing else about the policy.
type DenialData struct {
	Code     engine.Code `json:"code"`
	Tool     string      `json:"tool,omitempty"`
	Category string      `json:"category,omitempty"`
	Rule     string      `json:"rule,omitempty"`
	Reason   string      `json:"reason"`
}

func denialData(d engine.Decision) DenialData {
	return DenialData{
		Code:     d.Code,
		Tool:     d.Tool,
		Category: string(d.Category),
		Rule:     d.MatchedRule,
		Reason:   d.Reason,
	}
}

// NewDenial builds the JSON-RPC error response for a denied call.
func NewDenial(requestID json.RawMessage, d engine.Decision) *Response {
	code, msg := rpcError(d.Code)
	return &Response{
		JSONRPC: "2.0",
		ID:      requestID,
		Error:   &Error{Code: code, Message: msg, Data: denialData(d)},
	}
}

// NewParseError reports a frame that is not valid JSON-RPC.
func NewParseError(requestID json.RawMessage, detail string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      requestID,
		Error: &Error{
			Code:    ErrCodeParse,
			Message: "Parse error",
			Data:    DenialData{Code: engine.CodeMalformedRequest, Reason: detail},
		},
	}
}

// IsToolCall reports a tools/call request. The comparison ignores case so
// "Tools/Call" cannot slip past as an unchecked method.
func (r *Request) IsToolCall() bool {
	return strings.EqualFold(strings.TrimSpace(r.Method), MethodToolsCall)
}

// IsNotification reports a request without an id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// ContentBlock is one entry of a tool_use framed message.
type ContentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Violation describes one denied tool_use block.
type Violation struct {
	ID       string      `json:"id,omitempty"`
	Tool     string      `json:"tool"`
	Decision string      `json:"decision"`
	Code     engine.Code `json:"code"`
	Reason   string      `json:"reason"`
}

// ViolationMessage answers a tool_use framed message that was not forwarded.
type ViolationMessage struct {
	Type       string      `json:"type"`
	Violations []Violation `json:"violations"`
}

// NewViolationMessage lists the denied calls of a tool_use message. ids are
// the content block ids, aligned with decisions; allowed decisions are
// skipped because the message as a whole is held back.
func NewViolationMessage(ids []string, decisions []engine.Decision) *ViolationMessage {
	msg := &ViolationMessage{Type: "policy_violation", Violations: []Violation{}}
	for i, d := range decisions {
		if d.Allowed() {
			continue
		}
		v := Violation{
			Tool:     d.Tool,
			Decision: string(d.Verdict),
			Code:     d.Code,
			Reason:   d.Reason,
		}
		if i < len(ids) {
			v.ID = ids[i]
		}
		msg.Violations = append(msg.Violations, v)
	}
	return msg
}
