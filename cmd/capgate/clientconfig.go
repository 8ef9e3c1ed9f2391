package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/config"
)

func newClientConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client-config",
		Short: "Print an MCP client entry that runs the gateway over stdio",
		Long: `Print a JSON snippet for an MCP client settings file (for example
~/.cursor/mcp.json) that starts "capgate serve" with --config. The
configuration should use the stdio transport.`,
		Args: cobra.NoArgs,
		RunE: runClientConfig,
	}
	cmd.Flags().String("name", "capgate", "Server name in the mcpServers map")
	return cmd
}

func runClientConfig(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	if configPath == "" {
		return errors.New("--config is required")
	}
	stderr := cmd.ErrOrStderr()

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}
	cfgPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	switch {
	case err != nil:
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	case cfg.Proxy.Transport != config.TransportStdio:
		fmt.Fprintf(stderr, "Warning: %s uses transport %q; MCP clients expect %q\n", cfgPath, cfg.Proxy.Transport, config.TransportStdio)
	}

	entry := map[string]any{
		"mcpServers": map[string]any{
			name: map[string]any{
				"command": execPath,
				"args":    []string{"serve", "--config", cfgPath},
			},
		},
	}
	output, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to generate JSON: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	fmt.Fprintln(stderr, "")
	fmt.Fprintln(stderr, "Add the above JSON to your MCP client's settings (e.g. ~/.cursor/mcp.json)")
	fmt.Fprintln(stderr, "and restart the client to route its tool calls through capgate.")
	return nil
}
