package config

import (
	"net"
	"strings"
)

// AdminConfig configures the admin HTTP listener (health, policy, metrics,
// validation).
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Listen is "<host>:<port>" or ":<port>". Default: "127.0.0.1:9443".
	Listen string `mapstructure:"listen"`

	// TLS is required when Listen is not a loopback address.
	TLS TLSConfig `mapstructure:"tls"`

	Endpoints EndpointsConfig `mapstructure:"endpoints"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	// Cert is the path to the TLS certificate file (PEM format)
	Cert string `mapstructure:"cert"`

	// Key is the path to the TLS private key file (PEM format)
	Key string `mapstructure:"key"`

	// ClientCA is the path to the CA certificate for client verification (mTLS)
	ClientCA string `mapstructure:"client_ca"`

	// RequireClientCert enables mTLS (mutual TLS)
	RequireClientCert bool `mapstructure:"require_client_cert"`
}

// EndpointsConfig holds custom endpoint paths.
type EndpointsConfig struct {
	Validate string `mapstructure:"validate"`
	Health   string `mapstructure:"health"`
	Policy   string `mapstructure:"policy"`
	Metrics  string `mapstructure:"metrics"`
}

const defaultAdminListen = "127.0.0.1:9443"

// GetListen returns the listen address.
func (c *AdminConfig) GetListen() string {
	if c == nil || c.Listen == "" {
		return defaultAdminListen
	}
	return c.Listen
}

// GetValidatePath returns the dry-run validation endpoint path.
func (c *AdminConfig) GetValidatePath() string {
	if c == nil || c.Endpoints.Validate == "" {
		return "/v1/validate"
	}
	return c.Endpoints.Validate
}

// GetHealthPath returns the health check endpoint path.
func (c *AdminConfig) GetHealthPath() string {
	if c == nil || c.Endpoints.Health == "" {
		return "/health"
	}
	return c.Endpoints.Health
}

// GetPolicyPath returns the policy summary endpoint path.
func (c *AdminConfig) GetPolicyPath() string {
	if c == nil || c.Endpoints.Policy == "" {
		return "/policy"
	}
	return c.Endpoints.Policy
}

// GetMetricsPath returns the metrics endpoint path.
func (c *AdminConfig) GetMetricsPath() string {
	if c == nil || c.Endpoints.Metrics == "" {
		return "/metrics"
	}
	return c.Endpoints.Metrics
}

// IsLocalhost reports whether the listen address is loopback only.
func (c *AdminConfig) IsLocalhost() bool {
	return isLoopbackAddr(c.GetListen())
}

// RequiresTLS returns true if TLS is required (non-localhost).
func (c *AdminConfig) RequiresTLS() bool {
	return c.Enabled && !c.IsLocalhost()
}

// HasTLS returns true if TLS is configured.
func (c *AdminConfig) HasTLS() bool {
	return c.TLS.Cert != "" && c.TLS.Key != ""
}

func (c *AdminConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RequiresTLS() && !c.HasTLS() {
		return &ConfigError{Field: "admin.tls", Message: "TLS is required when listen address is not localhost"}
	}
	if c.TLS.RequireClientCert && c.TLS.ClientCA == "" {
		return &ConfigError{Field: "admin.tls.client_ca", Message: "client CA is required for mTLS"}
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
