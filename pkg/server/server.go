package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/config"
)

// Server is the admin HTTP listener.
type Server struct {
	config     config.AdminConfig
	httpServer *http.Server
	handler    *Handler
	logger     *slog.Logger
	addr       net.Addr
}

// New creates the admin server. The configuration is expected to have
// passed config.Validate.
func New(cfg config.AdminConfig, handler *Handler, logger *slog.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin")

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.GetValidatePath(), handler.HandleValidate)
	mux.HandleFunc(cfg.GetHealthPath(), handler.HandleHealth)
	mux.HandleFunc(cfg.GetPolicyPath(), handler.HandlePolicy)
	mux.HandleFunc(cfg.GetMetricsPath(), handler.HandleMetrics)

	httpServer := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.HasTLS() {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		handler:    handler,
		logger:     logger,
	}, nil
}

// buildTLSConfig creates a TLS configuration from the config.
func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.RequireClientCert && cfg.ClientCA != "" {
		caCert, err := os.ReadFile(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

// Start binds the listen address and serves in the background. A bind
// failure is returned to the caller.
func (s *Server) Start() error {
	if !s.config.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.GetListen())
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.config.GetListen(), err)
	}
	s.addr = ln.Addr()

	s.logger.Info("admin server started",
		"addr", s.addr.String(),
		"tls", s.config.HasTLS(),
		"validate", s.config.GetValidatePath(),
		"health", s.config.GetHealthPath(),
		"policy", s.config.GetPolicyPath(),
		"metrics", s.config.GetMetricsPath(),
	)

	go func() {
		var err error
		if s.config.HasTLS() {
			err = s.httpServer.ServeTLS(ln, s.config.TLS.Cert, s.config.TLS.Key)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.config.Enabled || s.addr == nil {
		return nil
	}

	s.logger.Info("stopping admin server")
	return s.httpServer.Shutdown(ctx)
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.handler.Metrics()
}
