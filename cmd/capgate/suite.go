package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/pathguard"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/protocol"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/shell"
)

// TestSuite is a YAML file of expected decisions for a policy.
type TestSuite struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Role or Policy selects the policy for cases that do not carry their
	// own. Policy is inline RolePolicy YAML.
	Role   string `yaml:"role"`
	Policy string `yaml:"policy"`

	// Workspace anchors relative path arguments. Relative values are taken
	// from the suite file's directory.
	Workspace string `yaml:"workspace"`

	Tests []TestCase `yaml:"tests"`
}

type TestCase struct {
	ID          string       `yaml:"id"`
	Description string       `yaml:"description"`
	Role        string       `yaml:"role"`
	Policy      string       `yaml:"policy"`
	Input       TestInput    `yaml:"input"`
	Expected    TestExpected `yaml:"expected"`
}

type TestInput struct {
	Method    string         `yaml:"method"`
	Tool      string         `yaml:"tool"`
	Category  string         `yaml:"category"`
	Arguments map[string]any `yaml:"arguments"`

	// Type "response" runs Content through the redaction scanner instead.
	Type    string `yaml:"type"`
	Content string `yaml:"content"`
}

type TestExpected struct {
	Decision string `yaml:"decision"`
	Code     string `yaml:"code"`
	Redacted *bool  `yaml:"redacted"`
	Output   string `yaml:"output"`
}

type TestResult struct {
	ID      string
	Passed  bool
	Message string
}

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test PATH...",
		Short: "Run policy test suites",
		Long: `Run YAML test suites of expected decisions. PATH is a suite file or a
directory of *.yaml suites. Exit status is 1 if any case fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTest,
	}
	cmd.Flags().BoolP("verbose", "v", false, "Print descriptions of passing cases")
	return cmd
}

func runTest(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	out := cmd.OutOrStdout()

	var files []string
	for _, arg := range args {
		found, err := suiteFiles(arg)
		if err != nil {
			return err
		}
		files = append(files, found...)
	}

	total, passed := 0, 0
	for _, file := range files {
		results := runTestSuite(file)
		fmt.Fprintf(out, "\n%s\n", file)
		for _, res := range results {
			total++
			if res.Passed {
				passed++
				if verbose {
					fmt.Fprintf(out, "  ✓ %s: %s\n", res.ID, res.Message)
				} else {
					fmt.Fprintf(out, "  ✓ %s\n", res.ID)
				}
			} else {
				fmt.Fprintf(out, "  ✗ %s: %s\n", res.ID, res.Message)
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d/%d passed\n", passed, total)
	if passed != total {
		return exitCode(1)
	}
	return nil
}

func suiteFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	return files, nil
}

func runTestSuite(path string) []TestResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return []TestResult{{ID: "LOAD", Message: fmt.Sprintf("Failed to read file: %v", err)}}
	}
	var suite TestSuite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return []TestResult{{ID: "PARSE", Message: fmt.Sprintf("Failed to parse YAML: %v", err)}}
	}

	workspace := suite.Workspace
	if workspace != "" && !filepath.IsAbs(workspace) {
		workspace = filepath.Join(filepath.Dir(path), workspace)
	}
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	eng := engine.New(
		engine.WithClassifier(shell.NewClassifier(shell.NewResolver(""))),
		engine.WithPathResolver(pathguard.NewResolver(workspace)),
	)

	results := make([]TestResult, 0, len(suite.Tests))
	for _, tc := range suite.Tests {
		if tc.Role == "" && tc.Policy == "" {
			tc.Role, tc.Policy = suite.Role, suite.Policy
		}
		results = append(results, runTestCase(eng, tc))
	}
	return results
}

func runTestCase(eng *engine.Engine, tc TestCase) TestResult {
	fail := func(format string, args ...any) TestResult {
		return TestResult{ID: tc.ID, Message: fmt.Sprintf(format, args...)}
	}

	if tc.Input.Type == "response" {
		return runRedactionCase(tc)
	}

	snap, err := caseSnapshot(tc)
	if err != nil {
		return fail("Failed to load policy: %v", err)
	}

	var d engine.Decision
	method := tc.Input.Method
	if method == "" {
		method = protocol.MethodToolsCall
	}
	if m := snap.EvaluateMethod(method); m.Verdict != policy.VerdictAllow {
		d = engine.Decision{Verdict: policy.VerdictDeny, Code: engine.CodeMethodDenied}
	} else if method == protocol.MethodToolsCall {
		d = eng.Decide(snap, engine.Invocation{
			Tool:      tc.Input.Tool,
			Category:  policy.Category(tc.Input.Category),
			Arguments: tc.Input.Arguments,
		})
	} else {
		d = engine.Decision{Verdict: policy.VerdictAllow}
	}

	if want := strings.ToUpper(tc.Expected.Decision); want != string(d.Verdict) {
		return fail("Expected decision %s, got %s (%s)", want, d.Verdict, d.Reason)
	}
	if tc.Expected.Code != "" && tc.Expected.Code != string(d.Code) {
		return fail("Expected code %s, got %s", tc.Expected.Code, d.Code)
	}
	return TestResult{ID: tc.ID, Passed: true, Message: tc.Description}
}

func caseSnapshot(tc TestCase) (*policy.Snapshot, error) {
	if tc.Policy != "" {
		doc, err := policy.Load([]byte(tc.Policy))
		if err != nil {
			return nil, err
		}
		return policy.Compile(doc)
	}
	return compileOffline(tc.Role, "")
}

func runRedactionCase(tc TestCase) TestResult {
	scanner, err := dlp.NewScanner(dlp.Config{Enabled: true, DetectEncoding: true, Patterns: dlp.DefaultPatterns()})
	if err != nil {
		return TestResult{ID: tc.ID, Message: fmt.Sprintf("Failed to create scanner: %v", err)}
	}
	output, _ := scanner.Redact(tc.Input.Content)

	redacted := output != tc.Input.Content
	if tc.Expected.Redacted != nil && *tc.Expected.Redacted != redacted {
		return TestResult{ID: tc.ID, Message: fmt.Sprintf("Expected redacted %v, got %v", *tc.Expected.Redacted, redacted)}
	}
	if tc.Expected.Output != "" && tc.Expected.Output != output {
		return TestResult{ID: tc.ID, Message: fmt.Sprintf("Expected output %q, got %q", tc.Expected.Output, output)}
	}
	return TestResult{ID: tc.ID, Passed: true, Message: tc.Description}
}
