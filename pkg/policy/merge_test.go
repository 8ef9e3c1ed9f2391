package policy

import (
	"strings"
	"testing"
)

func mustLoad(t *testing.T, y string) *Document {
	t.Helper()
	doc, err := Load([]byte(y))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return doc
}

const mergeBase = `
apiVersion: capgate.io/v1
kind: RolePolicy
metadata:
  name: base
  version: "3"
spec:
  role: OPERATOR
  rate_limit: 60/minute
  tools:
    allow: [read, write, bash]
  bash:
    allow: ["ls:*", "curl:*"]
    ask: ["rm:*"]
  filesystem:
    allow: ["read:/workspace/**", "write:/workspace/**"]
    deny: ["read:/etc/shadow"]
  network:
    allow: ["get:**"]
`

func TestMergeDenyWins(t *testing.T) {
	base := mustLoad(t, mergeBase)
	sub := mustLoad(t, `
apiVersion: capgate.io/v1
kind: RolePolicy
metadata:
  name: overlay
  version: "7"
spec:
  role: OPERATOR
  tools:
    deny: [bash]
`)
	merged, report, err := Merge(base, sub)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	snap, err := Compile(merged)
	if err != nil {
		t.Fatal(err)
	}
	if m := snap.Evaluate(CategoryTool, []string{"bash"}, nil); m.Verdict != VerdictDeny {
		t.Errorf("bash after merge = %s, want DENY", m.Verdict)
	}
	if m := snap.Evaluate(CategoryTool, []string{"read"}, nil); m.Verdict != VerdictAllow {
		t.Errorf("read after merge = %s, want ALLOW", m.Verdict)
	}
	if report.AddedDenies != 1 || len(report.RemovedGrants) != 1 || report.RemovedGrants[0] != "bash" {
		t.Errorf("report = %+v", report)
	}
	if merged.Metadata.Version != "3+7" {
		t.Errorf("version = %q, want 3+7", merged.Metadata.Version)
	}
	// Inputs are untouched.
	if len(base.Spec.Tools.Deny) != 0 || len(base.Spec.Tools.Allow) != 3 {
		t.Errorf("base mutated: %+v", base.Spec.Tools)
	}
}

func TestMergeNeverWidens(t *testing.T) {
	base := mustLoad(t, mergeBase)
	sub := mustLoad(t, `
apiVersion: capgate.io/v1
kind: RolePolicy
spec:
  role: OPERATOR
  rate_limit: 1000/minute
  tools:
    allow: ["*"]
  bash:
    allow: ["sudo:*"]
    ask: ["dd:*"]
  filesystem:
    allow: ["write:/**"]
    deny: ["*:/workspace/secrets/**"]
  network:
    allow: ["*:**"]
    deny: ["get:**"]
`)
	merged, report, err := Merge(base, sub)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	baseSnap, _ := Compile(base)
	snap, err := Compile(merged)
	if err != nil {
		t.Fatal(err)
	}

	probes := []struct {
		cat Category
		key string
	}{
		{CategoryTool, "edit"},
		{CategoryTool, "read"},
		{CategoryBash, "sudo:ls"},
		{CategoryBash, "dd:if=/dev/zero"},
		{CategoryBash, "ls:-la"},
		{CategoryBash, "rm:-rf /tmp/x"},
		{CategoryFilesystemWrite, "write:/etc/passwd"},
		{CategoryFilesystemRead, "read:/workspace/secrets/key"},
		{CategoryFilesystemRead, "read:/workspace/main.go"},
		{CategoryNetwork, "get:https://example.com/"},
		{CategoryNetwork, "post:https://example.com/"},
	}
	for _, p := range probes {
		before := baseSnap.Evaluate(p.cat, []string{p.key}, nil).Verdict
		after := snap.Evaluate(p.cat, []string{p.key}, nil).Verdict
		if before.MoreRestrictive(after) {
			t.Errorf("%s %q widened from %s to %s", p.cat, p.key, before, after)
		}
	}

	if m := snap.Evaluate(CategoryNetwork, []string{"get:https://example.com/"}, nil); m.Verdict != VerdictDeny {
		t.Errorf("overlay deny of get:** not applied: %s", m.Verdict)
	}
	if len(report.IgnoredGrants) != 5 {
		t.Errorf("ignored grants = %v, want 5 entries", report.IgnoredGrants)
	}
	if merged.Spec.RateLimit != "60/minute" {
		t.Errorf("rate limit = %q, overlay must not loosen it", merged.Spec.RateLimit)
	}
}

func TestMergeRevokesCoveredPatterns(t *testing.T) {
	base := mustLoad(t, mergeBase)
	sub := mustLoad(t, `
apiVersion: capgate.io/v1
kind: RolePolicy
spec:
  role: OPERATOR
  rate_limit: 10/minute
  bash:
    deny: ["rm:*", "curl:*"]
  filesystem:
    deny: ["write:**"]
`)
	merged, _, err := Merge(base, sub)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Spec.Bash.Ask) != 0 {
		t.Errorf("ask list = %v, rm:* should be revoked", merged.Spec.Bash.Ask)
	}
	if got := strings.Join(merged.Spec.Bash.Allow, ","); got != "ls:*" {
		t.Errorf("bash allow = %q, want ls:*", got)
	}
	if got := strings.Join(merged.Spec.Filesystem.Allow, ","); got != "read:/workspace/**" {
		t.Errorf("filesystem allow = %q", got)
	}
	if merged.Spec.RateLimit != "10/minute" {
		t.Errorf("rate limit = %q, want the stricter 10/minute", merged.Spec.RateLimit)
	}
}

func TestMergeMethods(t *testing.T) {
	base := mustLoad(t, mergeBase)
	sub := mustLoad(t, `
apiVersion: capgate.io/v1
kind: RolePolicy
spec:
  role: OPERATOR
  methods:
    deny: [tools/list]
`)
	merged, _, err := Merge(base, sub)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := Compile(merged)
	if err != nil {
		t.Fatal(err)
	}
	if m := snap.EvaluateMethod("tools/list"); m.Verdict != VerdictDeny {
		t.Errorf("tools/list = %s, want DENY", m.Verdict)
	}
	if m := snap.EvaluateMethod("tools/call"); m.Verdict != VerdictAllow {
		t.Errorf("tools/call = %s, want ALLOW", m.Verdict)
	}
}

func TestMergeRejects(t *testing.T) {
	base := mustLoad(t, mergeBase)
	tests := []struct {
		name string
		sub  string
	}{
		{
			name: "role mismatch",
			sub:  "apiVersion: capgate.io/v1\nkind: RolePolicy\nspec:\n  role: READ\n",
		},
		{
			name: "chained overlay",
			sub: `apiVersion: capgate.io/v1
kind: RolePolicy
spec:
  role: OPERATOR
  sub_policy:
    url: https://example.com/p.yaml
    public_key: 11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo=
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Merge(base, mustLoad(t, tt.sub)); err == nil {
				t.Error("Merge() should fail")
			}
		})
	}
	if _, _, err := Merge(nil, base); err == nil {
		t.Error("Merge(nil, ...) should fail")
	}
}
