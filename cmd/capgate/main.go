// capgate - capability gateway for agent tool calls
//
// capgate sits between an AI agent and the layer that executes its tool
// calls. Every call is checked against the role policy before it is
// forwarded; denials go back to the agent as structured errors and every
// decision is audited outside the agent's reach.
//
//	┌─────────────┐     ┌──────────────────┐     ┌─────────────────┐
//	│    Agent    │────▶│     capgate      │────▶│ Execution layer │
//	│             │◀────│  Decision engine │◀────│  (WS / stdio)   │
//	└─────────────┘     └──────────────────┘     └─────────────────┘
//	                             │
//	                     audit (file / NATS)
//
// Usage:
//
//	# Run the gateway
//	capgate serve --config /etc/capgate/capgate.yaml
//
//	# Ask what the policy would do with a call
//	capgate check --role WRITE --tool bash --args '{"command":"rm -rf /"}'
//
//	# Sign an overlay for distribution
//	capgate policy sign --key overlay.key overlay.yaml > overlay.yaml.sig
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// exitCode ends the process with a specific status and no error message.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

var (
	configPath        string
	logLevelOverride  string
	logFormatOverride string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capgate",
		Short: "capgate - capability gateway for agent tool calls",
		Long: `capgate enforces a role policy on every tool call an agent makes.
Calls are forwarded to the execution layer only when the policy allows them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogger(cmd.ErrOrStderr(), "", "", logLevelOverride, logFormatOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to capgate.yaml")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&logFormatOverride, "log-format", "", "Override log format (text|json)")

	cmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newPolicyCmd(),
		newRolesCmd(),
		newTestCmd(),
		newClientConfigCmd(),
	)
	return cmd
}

// configureLogger installs the process-wide slog handler. Logs always go to
// w (stderr): stdout may be carrying JSON-RPC frames.
func configureLogger(w io.Writer, level, format, overrideLevel, overrideFormat string) error {
	lvl, err := parseLogLevel(level, overrideLevel)
	if err != nil {
		return err
	}
	if strings.TrimSpace(overrideFormat) != "" {
		format = overrideFormat
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLogLevel(configLevel, override string) (slog.Level, error) {
	level := strings.TrimSpace(configLevel)
	if strings.TrimSpace(override) != "" {
		level = override
	}
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	var code exitCode
	switch {
	case err == nil:
		return 0
	case errors.As(err, &code):
		return int(code)
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}
