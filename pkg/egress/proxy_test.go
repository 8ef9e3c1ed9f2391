package egress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/audit"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

type staticSource struct{ snap *policy.Snapshot }

func (s staticSource) Snapshot() *policy.Snapshot { return s.snap }

type recordingAuditor struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (a *recordingAuditor) Emit(r *audit.Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return true
}

func (a *recordingAuditor) last(t *testing.T) *audit.Record {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.records) == 0 {
		t.Fatal("no audit records")
	}
	return a.records[len(a.records)-1]
}

type fixedApprover engine.Approval

func (f fixedApprover) Approve(context.Context, engine.Decision, map[string]any) engine.Approval {
	return engine.Approval(f)
}

const pokePolicy = `
apiVersion: capgate.io/v1
kind: RolePolicy
metadata:
  name: egress-test
spec:
  role: POKE
  network:
    allow: ["get:**", "head:**", %s]
    ask: ["put:**"]
    deny: ["*:*://*/admin/**"]
`

func snapshot(t *testing.T, extra string) *policy.Snapshot {
	t.Helper()
	if extra == "" {
		extra = `"head:http://unused.invalid/"`
	}
	doc, err := policy.Load([]byte(fmt.Sprintf(pokePolicy, extra)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap, err := policy.Compile(doc)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return snap
}

// proxyClient returns a client that sends everything through p.
func proxyClient(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
}

func upstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	hits := new(atomic.Int64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Errorf("Proxy-Authorization forwarded upstream")
		}
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func decodeDenial(t *testing.T, resp *http.Response) Denial {
	t.Helper()
	var d Denial
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("denial body: %v", err)
	}
	return d
}

// TestPostDeniedForGetOnlyRole covers the case where the shell classifier
// cannot see the method: whatever the tool, a POST leaves through the proxy
// and is refused there.
func TestPostDeniedForGetOnlyRole(t *testing.T) {
	up, hits := upstream(t)
	aud := &recordingAuditor{}
	p := New(staticSource{snapshot(t, "")}, engine.New(), WithAuditor(aud))
	client := proxyClient(t, p)

	resp, err := client.Post(up.URL+"/upload", "text/plain", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := resp.Header.Get(DenialHeader); got != string(engine.CodeNetworkDenied) {
		t.Errorf("%s = %q", DenialHeader, got)
	}
	if d := decodeDenial(t, resp); d.Code != engine.CodeNetworkDenied || d.Category != "network" {
		t.Errorf("denial = %+v", d)
	}
	if hits.Load() != 0 {
		t.Errorf("upstream saw %d requests, want 0", hits.Load())
	}

	rec := aud.last(t)
	if rec.Direction != audit.DirectionEgress || rec.Decision != policy.VerdictDeny || rec.Method != "POST" {
		t.Errorf("audit record = %+v", rec)
	}
	if rec.Role != policy.RolePoke {
		t.Errorf("audit role = %q", rec.Role)
	}
}

func TestForwardAllowed(t *testing.T) {
	up, hits := upstream(t)
	client := proxyClient(t, New(staticSource{snapshot(t, "")}, engine.New()))

	req, _ := http.NewRequest(http.MethodGet, up.URL+"/docs?page=2", nil)
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "GET /docs" {
		t.Errorf("response = %d %q", resp.StatusCode, body)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestDenyRulesAndAsk(t *testing.T) {
	up, _ := upstream(t)
	tests := []struct {
		name     string
		method   string
		path     string
		approver fixedApprover
		status   int
		code     engine.Code
	}{
		{name: "deny beats allow", method: http.MethodGet, path: "/admin/users", status: 403, code: engine.CodeNetworkDenied},
		{name: "ask unattended", method: http.MethodPut, path: "/x", approver: fixedApprover(engine.Unattended), status: 403, code: engine.CodeAskUnattended},
		{name: "ask rejected", method: http.MethodPut, path: "/x", approver: fixedApprover(engine.Rejected), status: 403, code: engine.CodeAskRejected},
		{name: "ask approved", method: http.MethodPut, path: "/x", approver: fixedApprover(engine.Approved), status: 200},
		{name: "delete denied", method: http.MethodDelete, path: "/x", status: 403, code: engine.CodeNetworkDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(staticSource{snapshot(t, "")}, engine.New(), WithApprover(tt.approver))
			req, _ := http.NewRequest(tt.method, up.URL+tt.path, nil)
			resp, err := proxyClient(t, p).Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.code != "" {
				if got := decodeDenial(t, resp).Code; got != tt.code {
					t.Errorf("code = %s, want %s", got, tt.code)
				}
			}
		})
	}
}

func TestPolicyNotReady(t *testing.T) {
	up, _ := upstream(t)
	resp, err := proxyClient(t, New(staticSource{}, engine.New())).Get(up.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMediationFailure(t *testing.T) {
	// Reserve a port, then close it so the dial fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	aud := &recordingAuditor{}
	client := proxyClient(t, New(staticSource{snapshot(t, "")}, engine.New(), WithAuditor(aud)))
	resp, err := client.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if d := decodeDenial(t, resp); d.Code != engine.CodeNetworkMediation {
		t.Errorf("code = %s", d.Code)
	}
	if rec := aud.last(t); rec.Code != engine.CodeNetworkMediation {
		t.Errorf("audit code = %s", rec.Code)
	}
}

func TestRejectsOriginFormRequests(t *testing.T) {
	srv := httptest.NewServer(New(staticSource{snapshot(t, "")}, engine.New()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/direct")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectTunnel(t *testing.T) {
	tlsUp := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer tlsUp.Close()
	host := strings.TrimPrefix(tlsUp.URL, "https://")

	t.Run("allowed by tunnel rule", func(t *testing.T) {
		p := New(staticSource{snapshot(t, `"tunnel:127.0.0.1:*"`)}, engine.New())
		srv := httptest.NewServer(p)
		defer srv.Close()
		proxyURL, _ := url.Parse(srv.URL)

		transport := tlsUp.Client().Transport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		resp, err := (&http.Client{Transport: transport}).Get(tlsUp.URL)
		if err != nil {
			t.Fatalf("Get() through tunnel error = %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "secure" {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("denied without tunnel rule", func(t *testing.T) {
		// get:** does not grant a tunnel: the method inside TLS is unknown.
		p := New(staticSource{snapshot(t, "")}, engine.New())
		srv := httptest.NewServer(p)
		defer srv.Close()

		conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()
		fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", host, host)
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			t.Fatalf("ReadResponse() error = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
		if resp.Header.Get(DenialHeader) != string(engine.CodeNetworkDenied) {
			t.Errorf("%s = %q", DenialHeader, resp.Header.Get(DenialHeader))
		}
	})
}

func TestMediationErrorUnwrap(t *testing.T) {
	inner := io.ErrUnexpectedEOF
	err := &MediationError{Target: "http://x/", Err: inner}
	if !strings.Contains(err.Error(), "http://x/") {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Unwrap() != inner {
		t.Error("Unwrap() lost the cause")
	}
}
