package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
)

// DefaultShutdownGrace is how long a stdio execution layer gets to exit after
// its stdin closes, and again after SIGTERM.
const DefaultShutdownGrace = 5 * time.Second

// StdioConfig configures the stdio transport.
type StdioConfig struct {
	// Command starts the execution layer, e.g. an MCP server. It is not run
	// through a shell.
	Command []string
	Env     []string
	Dir     string

	// Stderr receives the subprocess stderr after redaction. Defaults to
	// os.Stderr.
	Stderr io.Writer

	ShutdownGrace time.Duration
}

// Stdio wraps an execution layer started as a subprocess. The agent speaks
// newline-delimited JSON on agentIn/agentOut; the subprocess speaks the same
// on its stdin/stdout. Nothing but frames is written to agentOut.
type Stdio struct {
	cmd    *exec.Cmd
	router *Router
	grace  time.Duration
	logger *slog.Logger
}

// StartStdio starts the subprocess and prepares the relay. The agent side is
// the process that spawned capgate, so the connection counts as
// authenticated.
func StartStdio(ctx context.Context, cfg StdioConfig, deps Deps, agentIn io.Reader, agentOut io.Writer) (*Stdio, error) {
	deps = deps.withDefaults()
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("empty execution layer command")
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	logger := deps.Logger.With("transport", "stdio")

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = cfg.ShutdownGrace
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.Stderr = dlp.NewFilteredWriter(cfg.Stderr, deps.Scanner, logger)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting execution layer: %w", err)
	}
	logger.Info("execution layer started", "pid", cmd.Process.Pid, "command", cfg.Command[0])

	upstream := newLineConn(stdout, stdin, stdin)
	upstream.jsonOnly = true
	upstream.logger = logger

	rt := NewRouter(uuid.NewString(), "stdio", deps, newLineConn(agentIn, agentOut, nil), upstream)
	rt.Authenticated()

	return &Stdio{cmd: cmd, router: rt, grace: cfg.ShutdownGrace, logger: logger}, nil
}

// Router returns the relay for this subprocess.
func (s *Stdio) Router() *Router { return s.router }

// Run relays until the agent or the subprocess goes away, then waits for the
// subprocess. It returns the subprocess exit code.
func (s *Stdio) Run(ctx context.Context) int {
	if err := s.router.Serve(ctx); err != nil {
		s.logger.Warn("relay ended with error", "error", err)
	}

	// Serve closed the subprocess stdin; most servers exit on EOF.
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(s.grace):
		s.Shutdown()
		select {
		case err = <-done:
		case <-time.After(s.grace):
			s.logger.Warn("execution layer ignored SIGTERM, killing", "pid", s.cmd.Process.Pid)
			_ = s.cmd.Process.Kill()
			err = <-done
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		s.logger.Error("execution layer error", "error", err)
		return 1
	}
	return 0
}

// Shutdown asks the subprocess to terminate. Signals reach the direct child
// only; wrap container targets with `docker run --init`.
func (s *Stdio) Shutdown() {
	if s.cmd.Process != nil {
		s.logger.Info("terminating execution layer", "pid", s.cmd.Process.Pid)
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
}
