// Package config loads the capgate process configuration.
//
// Settings come from a YAML file (--config, or capgate.yaml in the working
// directory or /etc/capgate), overridden by CAPGATE_* environment variables:
// CAPGATE_PROXY_UPSTREAM sets proxy.upstream. Policy documents are separate
// files; this package only says where to find them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/audit"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/auth"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/dlp"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/ui"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAPGATE"

// Transports.
const (
	TransportWebSocket = "websocket"
	TransportStdio     = "stdio"
)

// Config is the root configuration.
type Config struct {
	// Role is the capability role this process enforces.
	Role string `mapstructure:"role"`

	Policy    PolicyConfig    `mapstructure:"policy"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Egress    EgressConfig    `mapstructure:"egress"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Ask       ui.Config       `mapstructure:"ask"`

	// RateLimit tightens the policy rate limit ("N/minute"); it never
	// loosens it.
	RateLimit string `mapstructure:"rate_limit"`

	Log LogConfig  `mapstructure:"log"`
	DLP dlp.Config `mapstructure:"dlp"`
}

// PolicyConfig locates the base policy document.
type PolicyConfig struct {
	// File is a RolePolicy YAML file. Empty uses the built-in default for
	// the role.
	File string `mapstructure:"file"`
}

// WorkspaceConfig describes the agent's filesystem view.
type WorkspaceConfig struct {
	// Root anchors relative path arguments.
	Root string `mapstructure:"root"`

	// ExecPath is the PATH used to resolve command names. Empty uses the
	// process PATH.
	ExecPath string `mapstructure:"exec_path"`
}

// ProxyConfig configures the agent-facing relay.
type ProxyConfig struct {
	Transport string `mapstructure:"transport"`

	// Listen and Path serve the WebSocket transport.
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`

	// Upstream is the execution layer endpoint for the WebSocket transport.
	Upstream string `mapstructure:"upstream"`

	// Command starts the execution layer for the stdio transport.
	Command []string `mapstructure:"command"`

	OriginPatterns []string      `mapstructure:"origin_patterns"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`

	Auth auth.Config `mapstructure:"auth"`
}

// EgressConfig configures the network mediator.
type EgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Listen      string        `mapstructure:"listen"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// AuditConfig configures where audit records go.
type AuditConfig struct {
	// File is a JSONL path outside the agent's filesystem view.
	File string `mapstructure:"file"`

	NATS NATSConfig `mapstructure:"nats"`

	QueueSize    int           `mapstructure:"queue_size"`
	Retries      int           `mapstructure:"retries"`
	Backoff      time.Duration `mapstructure:"backoff"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NATSConfig enables the JetStream audit sink.
type NATSConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	audit.NATSConfig `mapstructure:",squash"`
}

// EmitterConfig returns the emitter settings.
func (a AuditConfig) EmitterConfig() audit.EmitterConfig {
	return audit.EmitterConfig{
		QueueSize:    a.QueueSize,
		Retries:      a.Retries,
		Backoff:      a.Backoff,
		WriteTimeout: a.WriteTimeout,
	}
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a configuration with defaults filled in. It does not
// validate: a role and an audit sink still have to be chosen.
func DefaultConfig() *Config {
	emitter := audit.DefaultEmitterConfig()
	return &Config{
		Workspace: WorkspaceConfig{Root: "/workspace"},
		Proxy: ProxyConfig{
			Transport:    TransportWebSocket,
			Listen:       "0.0.0.0:8700",
			Path:         "/ws",
			ReadLimit:    4 << 20,
			WriteTimeout: 10 * time.Second,
			Auth:         auth.Config{Mode: auth.ModeNone, Leeway: 30 * time.Second},
		},
		Egress: EgressConfig{
			Listen:      "0.0.0.0:8701",
			DialTimeout: 10 * time.Second,
		},
		Audit: AuditConfig{
			NATS: NATSConfig{
				NATSConfig: audit.NATSConfig{URL: "nats://127.0.0.1:4222", Stream: audit.DefaultStream},
			},
			QueueSize:    emitter.QueueSize,
			Retries:      emitter.Retries,
			Backoff:      emitter.Backoff,
			WriteTimeout: emitter.WriteTimeout,
		},
		Admin: AdminConfig{
			Listen: defaultAdminListen,
			Endpoints: EndpointsConfig{
				Validate: "/v1/validate",
				Health:   "/health",
				Policy:   "/policy",
				Metrics:  "/metrics",
			},
		},
		Ask: ui.Config{
			Channel:             ui.ChannelNone,
			Timeout:             ui.DefaultTimeout,
			MaxPromptsPerMinute: ui.DefaultMaxPromptsPerMinute,
			CooldownDuration:    ui.DefaultCooldownDuration,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		DLP: dlp.Config{Enabled: true, Patterns: dlp.DefaultPatterns()},
	}
}

// Load reads path (or the default search locations when path is empty),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, cfg); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("capgate")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/capgate")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key of cfg with v, so AutomaticEnv can
// override keys the config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	var m map[string]any
	if err := mapstructure.Decode(*cfg, &m); err != nil {
		return fmt.Errorf("flattening defaults: %w", err)
	}
	for key, val := range flatten("", m) {
		v.SetDefault(key, val)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration and normalizes case-insensitive values.
func (c *Config) Validate() error {
	role, err := policy.ParseRole(c.Role)
	if err != nil {
		return &ConfigError{Field: "role", Message: err.Error()}
	}
	c.Role = string(role)

	if err := c.validateProxy(); err != nil {
		return err
	}

	if c.Egress.Enabled && c.Egress.Listen == "" {
		return &ConfigError{Field: "egress.listen", Message: "listen address is required when egress is enabled"}
	}

	if c.Audit.File == "" && !c.Audit.NATS.Enabled {
		return &ConfigError{Field: "audit", Message: "an audit sink is required: set audit.file or enable audit.nats"}
	}
	if c.Audit.NATS.Enabled && c.Audit.NATS.URL == "" {
		return &ConfigError{Field: "audit.nats.url", Message: "NATS URL is required"}
	}
	if c.Audit.QueueSize < 0 || c.Audit.Retries < 0 {
		return &ConfigError{Field: "audit", Message: "queue_size and retries must not be negative"}
	}

	if err := c.Admin.validate(); err != nil {
		return err
	}

	c.Ask.Channel = strings.ToLower(strings.TrimSpace(c.Ask.Channel))
	switch c.Ask.Channel {
	case "":
		c.Ask.Channel = ui.ChannelNone
	case ui.ChannelNone, ui.ChannelDialog:
	default:
		return &ConfigError{Field: "ask.channel", Message: fmt.Sprintf("must be none or dialog, got %q", c.Ask.Channel)}
	}

	if _, _, err := policy.ParseRateLimit(c.RateLimit); err != nil {
		return &ConfigError{Field: "rate_limit", Message: err.Error()}
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch level {
	case "":
		level = "info"
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "log.level", Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", c.Log.Level)}
	}
	c.Log.Level = level

	format := strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch format {
	case "":
		format = "text"
	case "text", "json":
	default:
		return &ConfigError{Field: "log.format", Message: fmt.Sprintf("must be text or json, got %q", c.Log.Format)}
	}
	c.Log.Format = format

	return nil
}

func (c *Config) validateProxy() error {
	p := &c.Proxy
	p.Transport = strings.ToLower(strings.TrimSpace(p.Transport))
	switch p.Transport {
	case TransportWebSocket:
		if p.Listen == "" {
			return &ConfigError{Field: "proxy.listen", Message: "listen address is required"}
		}
		if p.Upstream == "" {
			return &ConfigError{Field: "proxy.upstream", Message: "execution layer endpoint is required"}
		}
	case TransportStdio:
		if len(p.Command) == 0 {
			return &ConfigError{Field: "proxy.command", Message: "execution layer command is required"}
		}
		if p.Auth.Mode != "" && p.Auth.Mode != auth.ModeNone {
			return &ConfigError{Field: "proxy.auth.mode", Message: "the stdio transport carries no credentials; use none"}
		}
	default:
		return &ConfigError{Field: "proxy.transport", Message: fmt.Sprintf("must be websocket or stdio, got %q", p.Transport)}
	}
	return nil
}
