package engine

import (
	"net/url"
	"testing"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

func TestNetworkKey(t *testing.T) {
	tests := []struct {
		method  string
		raw     string
		key     string
		connect string
	}{
		{"GET", "https://Example.COM/a/b?q=1", "get:https://example.com/a/b", "connect:https://example.com/a/b"},
		{"post", "http://x", "post:http://x/", "connect:http://x/"},
		{"PUT", "http://user:pw@host:8080/p", "put:http://host:8080/p", "connect:http://host:8080/p"},
		{"DELETE", "https://x/a%2Fb", "delete:https://x/a%2Fb", "connect:https://x/a%2Fb"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			if got := NetworkKey(tt.method, u); got != tt.key {
				t.Errorf("NetworkKey() = %q, want %q", got, tt.key)
			}
			if got := ConnectKey(u); got != tt.connect {
				t.Errorf("ConnectKey() = %q, want %q", got, tt.connect)
			}
		})
	}
}

func TestTunnelKey(t *testing.T) {
	tests := []struct {
		hostport string
		expected string
	}{
		{"API.example.com:443", "tunnel:api.example.com:443"},
		{"[::1]:8443", "tunnel:::1:8443"},
		{"noport", "tunnel:noport"},
	}
	for _, tt := range tests {
		if got := TunnelKey(tt.hostport); got != tt.expected {
			t.Errorf("TunnelKey(%q) = %q, want %q", tt.hostport, got, tt.expected)
		}
	}
}

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		tool     string
		expected policy.Category
	}{
		{"bash", policy.CategoryBash},
		{"read", policy.CategoryFilesystemRead},
		{"grep", policy.CategoryFilesystemRead},
		{"edit", policy.CategoryFilesystemWrite},
		{"notebook_edit", policy.CategoryFilesystemWrite},
		{"web_fetch", policy.CategoryNetwork},
		{"todo_write", policy.CategoryTool},
		{"", policy.CategoryTool},
	}
	for _, tt := range tests {
		if got := CategoryFor(tt.tool); got != tt.expected {
			t.Errorf("CategoryFor(%q) = %q, want %q", tt.tool, got, tt.expected)
		}
	}
}
