package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
)

// ErrMalformed is returned for frames that cannot be shown to be free of
// tool calls. They are never forwarded.
var ErrMalformed = errors.New("malformed frame")

// Kind classifies an inbound frame.
type Kind int

const (
	// KindPassthrough carries no request: responses, chat text, events.
	KindPassthrough Kind = iota

	// KindMethod is a JSON-RPC request other than tools/call.
	KindMethod

	// KindToolCall is a JSON-RPC tools/call request.
	KindToolCall

	// KindToolUse is a message with tool_use content blocks.
	KindToolUse
)

func (k Kind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindToolCall:
		return MethodToolsCall
	case KindToolUse:
		return "tool_use"
	}
	return "passthrough"
}

// Frame is the policy-relevant view of one inbound message.
type Frame struct {
	Kind Kind

	// ID is the JSON-RPC id, echoed in denials.
	ID json.RawMessage

	// Method is the JSON-RPC method, if any.
	Method string

	// Invocations are the tool calls the frame carries, in order.
	Invocations []engine.Invocation

	// BlockIDs are the tool_use block ids, aligned with Invocations.
	BlockIDs []string
}

// envelope holds the members capgate reads from either framing. Frames are
// checked with exactKeys first, so the case-insensitive matching of
// encoding/json cannot pick a member the execution layer would not.
type envelope struct {
	Method  json.RawMessage `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params"`
	Content json.RawMessage `json:"content"`
}

// Members that decide what a frame asks for, per object level.
var (
	envelopeKeys = []string{"jsonrpc", "id", "method", "params", "content"}
	paramsKeys   = []string{"name", "arguments"}
	blockKeys    = []string{"type", "id", "name", "input"}
)

// Extract decodes data and returns the tool calls it carries. A frame that is
// not a JSON object fails with ErrMalformed: a batch or unparseable text could
// hide a call the upstream would still execute. So does a frame another
// decoder could read differently: duplicate keys anywhere, or a case variant
// of a member capgate reads.
func Extract(data []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &Frame{Kind: KindPassthrough}, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	if err := checkDuplicateKeys(trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := exactKeys(trimmed, envelopeKeys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(env.Method) > 0 {
		method, err := decodeString(env.Method)
		if err != nil {
			return nil, fmt.Errorf("%w: method: %v", ErrMalformed, err)
		}
		return extractRPC(Request{ID: env.ID, Method: method, Params: env.Params})
	}
	if len(env.Content) > 0 && env.Content[0] == '[' {
		return extractToolUse(env.Content)
	}
	return &Frame{Kind: KindPassthrough}, nil
}

func extractRPC(req Request) (*Frame, error) {
	f := &Frame{Kind: KindMethod, ID: req.ID, Method: req.Method}
	if !req.IsToolCall() {
		return f, nil
	}
	f.Kind = KindToolCall

	if err := exactKeys(req.Params, paramsKeys); err != nil {
		return nil, fmt.Errorf("%w: tools/call params: %v", ErrMalformed, err)
	}
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, fmt.Errorf("%w: tools/call params: %v", ErrMalformed, err)
	}
	args, err := decodeArguments(params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%w: tools/call arguments: %v", ErrMalformed, err)
	}
	f.Invocations = []engine.Invocation{{
		ID:        string(req.ID),
		Tool:      params.Name,
		Arguments: args,
	}}
	return f, nil
}

func extractToolUse(content json.RawMessage) (*Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrMalformed, err)
	}
	f := &Frame{Kind: KindPassthrough}
	for i, r := range raw {
		if err := exactKeys(r, blockKeys); err != nil {
			return nil, fmt.Errorf("%w: content[%d]: %v", ErrMalformed, i, err)
		}
		var b ContentBlock
		if err := json.Unmarshal(r, &b); err != nil {
			return nil, fmt.Errorf("%w: content[%d]: %v", ErrMalformed, i, err)
		}
		// A lenient consumer may accept other spellings of the type.
		if !strings.EqualFold(strings.TrimSpace(b.Type), "tool_use") {
			continue
		}
		args, err := decodeArguments(b.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: tool_use %s input: %v", ErrMalformed, b.ID, err)
		}
		f.Kind = KindToolUse
		f.Invocations = append(f.Invocations, engine.Invocation{ID: b.ID, Tool: b.Name, Arguments: args})
		f.BlockIDs = append(f.BlockIDs, b.ID)
	}
	return f, nil
}

// decodeArguments accepts an object or nothing. Argument names that differ
// only in case are refused: tools decoding with encoding/json would read
// either one.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	seen := make(map[string]string, len(args))
	for key := range args {
		folded := foldKey(key)
		if other, ok := seen[folded]; ok {
			return nil, fmt.Errorf("arguments %q and %q differ only in case", other, key)
		}
		seen[folded] = key
	}
	return args, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", errors.New("null")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
