package relay

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/auth"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// echoUpstream is an execution layer that sends every frame back.
func echoUpstream(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("upstream Accept() error = %v", err)
			return
		}
		defer c.CloseNow()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	})
}

func wsDeps(t *testing.T) (Deps, *fixture) {
	t.Helper()
	f := newFixture(t, "")
	return f.router.deps, f
}

func dialAgent(t *testing.T, ctx context.Context, url string, header http.Header) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func exchange(t *testing.T, ctx context.Context, c *websocket.Conn, frame []byte) []byte {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return data
}

func TestWebSocketRelay(t *testing.T) {
	up := httptest.NewServer(echoUpstream(t))
	defer up.Close()

	deps, f := wsDeps(t)
	authn, err := auth.New(auth.Config{Mode: auth.ModeToken, Token: "s3cret"}, policy.RoleWrite)
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	srv, err := NewWebSocketServer(WebSocketConfig{Upstream: "ws" + strings.TrimPrefix(up.URL, "http")}, deps, authn)
	if err != nil {
		t.Fatalf("NewWebSocketServer() error = %v", err)
	}
	proxy := httptest.NewServer(srv)
	defer proxy.Close()
	proxyURL := "ws" + strings.TrimPrefix(proxy.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("unauthenticated", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, proxyURL, nil)
		if err == nil {
			t.Fatal("Dial() succeeded without a token")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("response = %v, want 401", resp)
		}
	})

	t.Run("authenticated", func(t *testing.T) {
		c := dialAgent(t, ctx, proxyURL, http.Header{"Authorization": []string{"Bearer s3cret"}})

		allowed := toolCall(1, "read", map[string]any{"file_path": "src/a.go"})
		if got := exchange(t, ctx, c, allowed); string(got) != string(allowed) {
			t.Errorf("echo = %s, want %s", got, allowed)
		}

		got := exchange(t, ctx, c, toolCall(2, "read", map[string]any{"file_path": "secret/key"}))
		if d := decodeDenial(t, got); d.Error.Data.Code != engine.CodeFSDenied {
			t.Errorf("code = %s", d.Error.Data.Code)
		}
	})

	t.Run("query token", func(t *testing.T) {
		c := dialAgent(t, ctx, proxyURL+"?token=s3cret", nil)
		allowed := toolCall(3, "read", map[string]any{"file_path": "src/b.go"})
		if got := exchange(t, ctx, c, allowed); string(got) != string(allowed) {
			t.Errorf("echo = %s", got)
		}
	})

	if n := len(f.auditor.all()); n != 3 {
		t.Errorf("audit records = %d, want 3", n)
	}
}

func TestWebSocketUnixUpstream(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "exec.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	up := httptest.NewUnstartedServer(echoUpstream(t))
	up.Listener = ln
	up.Start()
	defer up.Close()

	deps, _ := wsDeps(t)
	srv, err := NewWebSocketServer(WebSocketConfig{Upstream: "unix://" + sock + "?path=/mcp"}, deps, nil)
	if err != nil {
		t.Fatalf("NewWebSocketServer() error = %v", err)
	}
	proxy := httptest.NewServer(srv)
	defer proxy.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := dialAgent(t, ctx, "ws"+strings.TrimPrefix(proxy.URL, "http"), nil)
	frame := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if got := exchange(t, ctx, c, frame); string(got) != string(frame) {
		t.Errorf("echo = %s", got)
	}
}

func TestWebSocketUpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	deps, _ := wsDeps(t)
	srv, err := NewWebSocketServer(WebSocketConfig{Upstream: "ws://" + addr}, deps, nil)
	if err != nil {
		t.Fatalf("NewWebSocketServer() error = %v", err)
	}
	proxy := httptest.NewServer(srv)
	defer proxy.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := dialAgent(t, ctx, "ws"+strings.TrimPrefix(proxy.URL, "http"), nil)
	_, _, err = c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("Read() error = %v, want close status TryAgainLater", err)
	}
}

func TestParseUpstream(t *testing.T) {
	tests := []struct {
		raw      string
		url      string
		loopback bool
		wantErr  bool
	}{
		{raw: "ws://127.0.0.1:9000/mcp", url: "ws://127.0.0.1:9000/mcp", loopback: true},
		{raw: "ws://localhost:9000", url: "ws://localhost:9000", loopback: true},
		{raw: "wss://exec.internal/mcp", url: "wss://exec.internal/mcp"},
		{raw: "unix:///run/exec.sock", url: "ws://localhost/"},
		{raw: "unix:///run/exec.sock?path=mcp", url: "ws://localhost/mcp"},
		{raw: "http://exec.internal", wantErr: true},
		{raw: "unix://", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			up, err := parseUpstream(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseUpstream() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if up.url != tt.url || up.loopback != tt.loopback {
				t.Errorf("parseUpstream() = %+v", up)
			}
		})
	}
}

func TestStdioRelay(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	deps, f := wsDeps(t)

	agentIn, toProxy := io.Pipe()
	fromProxy, agentOut := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The banner line is log output and must not reach the agent.
	s, err := StartStdio(ctx, StdioConfig{Command: []string{"sh", "-c", "echo starting; exec cat"}, Stderr: io.Discard}, deps, agentIn, agentOut)
	if err != nil {
		t.Fatalf("StartStdio() error = %v", err)
	}
	exit := make(chan int, 1)
	go func() { exit <- s.Run(ctx) }()

	out := bufio.NewReader(fromProxy)
	readLine := func() string {
		t.Helper()
		line, err := out.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v", err)
		}
		return strings.TrimSpace(line)
	}

	allowed := toolCall(1, "read", map[string]any{"file_path": "src/a.go"})
	io.WriteString(toProxy, string(allowed)+"\n")
	if got := readLine(); got != string(allowed) {
		t.Errorf("echo = %q, want %q", got, allowed)
	}

	io.WriteString(toProxy, string(toolCall(2, "bash", map[string]any{"command": "cat /etc/passwd"}))+"\n")
	if d := decodeDenial(t, []byte(readLine())); d.Error.Data.Code != engine.CodeBashDenied {
		t.Errorf("code = %s", d.Error.Data.Code)
	}

	toProxy.Close()
	select {
	case code := <-exit:
		if code != 0 {
			t.Errorf("Run() = %d, want 0", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after the agent closed stdin")
	}
	if s.Router().State() != StateClosed {
		t.Errorf("State() = %s", s.Router().State())
	}
	if n := len(f.auditor.all()); n != 2 {
		t.Errorf("audit records = %d, want 2", n)
	}
}

func TestStartStdioEmptyCommand(t *testing.T) {
	if _, err := StartStdio(context.Background(), StdioConfig{}, Deps{}, strings.NewReader(""), io.Discard); err == nil {
		t.Error("StartStdio() accepted an empty command")
	}
}
