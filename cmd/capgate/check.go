package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/pathguard"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/shell"
)

// Exit statuses of the check command.
const (
	checkAllow = 0
	checkDeny  = 2
	checkAsk   = 3
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide a single tool call offline",
		Long: `Evaluate one tool call against a role policy without relaying it and
print the decision as JSON. Exit status is 0 for allow, 2 for deny and 3 for
ask. Overlays are not fetched.`,
		Example: `  capgate check --role WRITE --tool bash --args '{"command":"git status"}'
  capgate check --policy ./write.yaml --tool write --args '{"file_path":"src/main.go"}'`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
	cmd.Flags().String("role", "", "Role whose built-in policy is used")
	cmd.Flags().String("policy", "", "Policy file (overrides --role)")
	cmd.Flags().String("tool", "", "Tool name")
	cmd.Flags().String("category", "", "Category override (tool|bash|filesystem_read|filesystem_write|network)")
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().String("workspace", "", "Workspace root for relative paths (default: current directory)")
	cmd.Flags().String("exec-path", "", "PATH used to resolve commands (default: $PATH)")
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	roleFlag, _ := cmd.Flags().GetString("role")
	policyFile, _ := cmd.Flags().GetString("policy")
	tool, _ := cmd.Flags().GetString("tool")
	category, _ := cmd.Flags().GetString("category")
	rawArgs, _ := cmd.Flags().GetString("args")
	workspace, _ := cmd.Flags().GetString("workspace")
	execPath, _ := cmd.Flags().GetString("exec-path")

	if tool == "" && category == "" {
		return fmt.Errorf("--tool is required")
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	snap, err := compileOffline(roleFlag, policyFile)
	if err != nil {
		return err
	}
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return err
		}
	}

	eng := engine.New(
		engine.WithClassifier(shell.NewClassifier(shell.NewResolver(execPath))),
		engine.WithPathResolver(pathguard.NewResolver(workspace)),
	)
	d := eng.Decide(snap, engine.Invocation{Tool: tool, Category: policy.Category(category), Arguments: args})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}

	switch d.Verdict {
	case policy.VerdictAllow:
		return nil
	case policy.VerdictAsk:
		return exitCode(checkAsk)
	}
	return exitCode(checkDeny)
}

// compileOffline builds a snapshot from a policy file or a role's built-in
// document, without fetching its overlay.
func compileOffline(role, file string) (*policy.Snapshot, error) {
	doc, err := offlineDocument(role, file)
	if err != nil {
		return nil, err
	}
	return policy.Compile(doc)
}

func offlineDocument(role, file string) (*policy.Document, error) {
	if file != "" {
		return policy.LoadFile(file)
	}
	if role == "" {
		return nil, fmt.Errorf("--role or --policy is required")
	}
	r, err := policy.ParseRole(role)
	if err != nil {
		return nil, err
	}
	return policy.DefaultDocument(r)
}
