package engine

import (
	"net"
	"net/url"
	"strings"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// NetworkKey is the rule key for an HTTP request:
// "<method>:<scheme>://<host[:port]><path>", lower case except the path.
// Query and userinfo are not part of the key.
func NetworkKey(method string, u *url.URL) string {
	return strings.ToLower(method) + ":" + origin(u) + keyPath(u)
}

// ConnectKey is the method-agnostic spelling "connect:<scheme>://<host><path>".
// It is only ever consulted for deny rules.
func ConnectKey(u *url.URL) string {
	return "connect:" + origin(u) + keyPath(u)
}

// TunnelKey is the rule key for a CONNECT tunnel: "tunnel:<host>:<port>".
func TunnelKey(hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "tunnel:" + strings.ToLower(hostport)
	}
	return "tunnel:" + strings.ToLower(host) + ":" + port
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func keyPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

// redact renders u without userinfo or query for reasons and audit.
func redact(u *url.URL) string {
	return origin(u) + keyPath(u)
}

var toolCategories = map[string]policy.Category{
	"bash":            policy.CategoryBash,
	"shell":           policy.CategoryBash,
	"exec":            policy.CategoryBash,
	"run_command":     policy.CategoryBash,
	"execute_command": policy.CategoryBash,
	"read":            policy.CategoryFilesystemRead,
	"read_file":       policy.CategoryFilesystemRead,
	"view":            policy.CategoryFilesystemRead,
	"glob":            policy.CategoryFilesystemRead,
	"grep":            policy.CategoryFilesystemRead,
	"ls":              policy.CategoryFilesystemRead,
	"list_directory":  policy.CategoryFilesystemRead,
	"write":           policy.CategoryFilesystemWrite,
	"write_file":      policy.CategoryFilesystemWrite,
	"edit":            policy.CategoryFilesystemWrite,
	"edit_file":       policy.CategoryFilesystemWrite,
	"multi_edit":      policy.CategoryFilesystemWrite,
	"multiedit":       policy.CategoryFilesystemWrite,
	"create_file":     policy.CategoryFilesystemWrite,
	"delete_file":     policy.CategoryFilesystemWrite,
	"notebook_edit":   policy.CategoryFilesystemWrite,
	"web_fetch":       policy.CategoryNetwork,
	"webfetch":        policy.CategoryNetwork,
	"fetch":           policy.CategoryNetwork,
	"http_request":    policy.CategoryNetwork,
}

// CategoryFor maps a normalized tool name to the validator that checks its
// arguments. Unknown tools are checked by name only.
func CategoryFor(tool string) policy.Category {
	if c, ok := toolCategories[tool]; ok {
		return c
	}
	return policy.CategoryTool
}

func defaultTool(cat policy.Category) string {
	switch cat {
	case policy.CategoryBash:
		return "bash"
	case policy.CategoryFilesystemRead:
		return "read"
	case policy.CategoryFilesystemWrite:
		return "write"
	case policy.CategoryNetwork:
		return "web_fetch"
	}
	return ""
}
