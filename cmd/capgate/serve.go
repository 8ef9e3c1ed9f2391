package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/audit"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/auth"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/config"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/egress"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/engine"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/pathguard"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/relay"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/server"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/shell"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/ui"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Load the configuration and the role policy, then relay agent tool calls
to the execution layer. The policy must reach Ready before any listener opens;
a policy that cannot be loaded or a mandatory overlay that cannot be verified
ends the process with status 1. A policy that allows any network access
also needs egress.enabled.

SIGHUP reloads the policy. SIGINT and SIGTERM shut down.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := configureLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format, logLevelOverride, logFormatOverride); err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go g.reloadOn(ctx, hup)

	return g.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// gateway holds the long-lived components of a serve process.
type gateway struct {
	cfg     *config.Config
	role    policy.Role
	logger  *slog.Logger
	store   *policy.Store
	emitter *audit.Emitter
	metrics *server.Metrics
	deps    relay.Deps
	authn   *auth.Authenticator

	admin   *server.Server
	servers []*http.Server
}

// newGateway builds every component. The policy store is loaded first so
// nothing is opened for a policy that cannot be enforced.
func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	role := policy.Role(cfg.Role)
	g := &gateway{cfg: cfg, role: role, logger: logger}

	base, err := loadBaseDocument(cfg.Policy.File, role)
	if err != nil {
		return nil, err
	}
	base.Spec.RateLimit = policy.StricterRateLimit(base.Spec.RateLimit, cfg.RateLimit)

	g.store = policy.NewStore(base, policy.WithLogger(logger))
	if err := g.store.Load(ctx); err != nil {
		logger.Error("policy failed to load, refusing to start", "role", role, "state", g.store.State(), "error", err)
		return nil, fmt.Errorf("policy load: %w", err)
	}
	if g.store.Snapshot().GrantsNetwork() && !cfg.Egress.Enabled {
		return nil, &config.ConfigError{
			Field:   "egress.enabled",
			Message: fmt.Sprintf("role %s grants network access, which is only mediated by the egress proxy", role),
		}
	}

	scanner, err := dlp.NewScanner(cfg.DLP)
	if err != nil {
		return nil, fmt.Errorf("dlp: %w", err)
	}

	sink, err := openSink(ctx, cfg.Audit, role)
	if err != nil {
		return nil, err
	}
	g.emitter = audit.NewEmitter(sink, cfg.Audit.EmitterConfig(), scanner, logger)
	g.metrics = server.NewMetrics()
	g.metrics.SetAuditStats(g.emitter)

	eng := engine.New(
		engine.WithClassifier(shell.NewClassifier(shell.NewResolver(cfg.Workspace.ExecPath))),
		engine.WithPathResolver(pathguard.NewResolver(cfg.Workspace.Root)),
	)
	approver, err := ui.New(cfg.Ask, logger)
	if err != nil {
		g.close()
		return nil, err
	}
	g.authn, err = auth.New(cfg.Proxy.Auth, role)
	if err != nil {
		g.close()
		return nil, fmt.Errorf("proxy auth: %w", err)
	}

	g.deps = relay.Deps{
		Policy:   g.store,
		Engine:   eng,
		Approver: approver,
		Auditor:  g.emitter,
		Scanner:  scanner,
		Observer: g.metrics,
		Logger:   logger,
	}
	return g, nil
}

func loadBaseDocument(path string, role policy.Role) (*policy.Document, error) {
	if path == "" {
		return policy.DefaultDocument(role)
	}
	doc, err := policy.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if doc.Spec.Role != role {
		return nil, fmt.Errorf("policy %s is for role %s, configured role is %s", path, doc.Spec.Role, role)
	}
	return doc, nil
}

func openSink(ctx context.Context, cfg config.AuditConfig, role policy.Role) (audit.Sink, error) {
	var sinks audit.MultiSink
	if cfg.File != "" {
		fs, err := audit.NewFileSink(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("audit file: %w", err)
		}
		sinks = append(sinks, fs)
	}
	if cfg.NATS.Enabled {
		ns, err := audit.DialNATS(ctx, cfg.NATS.NATSConfig, role)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("audit nats: %w", err)
		}
		sinks = append(sinks, ns)
	}
	switch len(sinks) {
	case 0:
		return nil, errors.New("no audit sink configured")
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// run opens the listeners and blocks until ctx ends or the stdio execution
// layer exits.
func (g *gateway) run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	upstream := g.cfg.Proxy.Upstream
	if g.cfg.Proxy.Transport == config.TransportStdio {
		upstream = fmt.Sprint(g.cfg.Proxy.Command)
	}

	if g.cfg.Egress.Enabled {
		proxy := egress.New(g.store, g.deps.Engine,
			egress.WithApprover(g.deps.Approver),
			egress.WithAuditor(g.emitter),
			egress.WithObserver(g.metrics),
			egress.WithLogger(g.logger.With("component", "egress")),
			egress.WithDialTimeout(g.cfg.Egress.DialTimeout),
		)
		if err := g.listen(ctx, "egress", g.cfg.Egress.Listen, proxy); err != nil {
			return err
		}
	}

	if g.cfg.Admin.Enabled {
		opts := server.Options{
			Policy:    g.store,
			Engine:    g.deps.Engine,
			Metrics:   g.metrics,
			Upstream:  upstream,
			Transport: g.cfg.Proxy.Transport,
			Logger:    g.logger,
		}
		if g.authn.Mode() != auth.ModeNone {
			opts.Authenticator = g.authn
		}
		admin, err := server.New(g.cfg.Admin, server.NewHandler(opts), g.logger)
		if err != nil {
			return err
		}
		if err := admin.Start(); err != nil {
			return err
		}
		g.admin = admin
	}

	if g.cfg.Proxy.Transport == config.TransportStdio {
		return g.runStdio(ctx, stdin, stdout, stderr)
	}
	return g.runWebSocket(ctx)
}

func (g *gateway) runWebSocket(ctx context.Context) error {
	ws, err := relay.NewWebSocketServer(relay.WebSocketConfig{
		Upstream:       g.cfg.Proxy.Upstream,
		OriginPatterns: g.cfg.Proxy.OriginPatterns,
		ReadLimit:      g.cfg.Proxy.ReadLimit,
		WriteTimeout:   g.cfg.Proxy.WriteTimeout,
	}, g.deps, g.authn)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(g.cfg.Proxy.Path, ws)
	if err := g.listen(ctx, "relay", g.cfg.Proxy.Listen, mux); err != nil {
		return err
	}
	g.logger.Info("gateway ready",
		"role", g.role, "listen", g.cfg.Proxy.Listen, "path", g.cfg.Proxy.Path, "upstream", ws.Upstream())

	<-ctx.Done()
	g.logger.Info("shutting down")
	return nil
}

func (g *gateway) runStdio(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	s, err := relay.StartStdio(ctx, relay.StdioConfig{
		Command: g.cfg.Proxy.Command,
		Stderr:  stderr,
	}, g.deps, stdin, stdout)
	if err != nil {
		return err
	}
	g.logger.Info("gateway ready", "role", g.role, "transport", config.TransportStdio, "command", g.cfg.Proxy.Command)

	if code := s.Run(ctx); code != 0 {
		return exitCode(code)
	}
	return nil
}

// listen binds addr before returning so a bind failure stops the process.
// Connections inherit ctx and end with it.
func (g *gateway) listen(ctx context.Context, name, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}
	g.servers = append(g.servers, srv)
	g.logger.Info("listening", "component", name, "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", "component", name, "error", err)
		}
	}()
	return nil
}

// reloadOn rebuilds the policy snapshot on every signal from hup. A failed
// reload keeps the previous snapshot.
func (g *gateway) reloadOn(ctx context.Context, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			g.logger.Info("reloading policy")
			if err := g.store.Reload(ctx); err != nil {
				g.logger.Error("policy reload failed", "error", err)
				continue
			}
			if snap := g.store.Snapshot(); snap != nil {
				g.logger.Info("policy active", "hash", snap.Hash(), "overlay", snap.Overlay())
			}
		}
	}
}

// close stops the listeners and drains the audit queue.
func (g *gateway) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range g.servers {
		if err := srv.Shutdown(ctx); err != nil {
			g.logger.Warn("server shutdown", "error", err)
		}
	}
	if g.admin != nil {
		if err := g.admin.Stop(ctx); err != nil {
			g.logger.Warn("admin shutdown", "error", err)
		}
	}
	if g.emitter != nil {
		if err := g.emitter.Close(ctx); err != nil {
			g.logger.Warn("audit drain incomplete", "error", err)
		}
		stats := g.emitter.Stats()
		g.logger.Info("audit closed", "delivered", stats.Delivered, "dropped", stats.Dropped, "sink_errors", stats.SinkErrors)
	}
}
