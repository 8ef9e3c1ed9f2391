package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// SubjectPrefix prefixes every audit subject; the role is appended.
const SubjectPrefix = "capgate.audit"

// DefaultStream is the JetStream stream capgate creates for audit subjects.
const DefaultStream = "CAPGATE_AUDIT"

// NATSConfig holds the configuration for the NATS sink.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Name   string `mapstructure:"name"`
	Token  string `mapstructure:"token"`
	Stream string `mapstructure:"stream"`

	// MaxAge bounds retention on the stream capgate creates.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// publisher is the subset of jetstream.JetStream the sink uses.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes records to JetStream and waits for the server ack, so a
// record counts as delivered only once it is stored.
type NATSSink struct {
	conn    *nats.Conn
	js      publisher
	subject string
}

// Subject returns the audit subject for role.
func Subject(role policy.Role) string {
	return SubjectPrefix + "." + strings.ToLower(string(role))
}

// DialNATS connects to cfg.URL and ensures a stream covering the audit
// subjects exists. An unreachable server is not an error: the connection
// keeps retrying in the background, the stream is ensured once it is up, and
// writes fail with ErrSinkUnavailable until then.
func DialNATS(ctx context.Context, cfg NATSConfig, role policy.Role) (*NATSSink, error) {
	name := cfg.Name
	if name == "" {
		name = "capgate-" + strings.ToLower(string(role))
	}
	stream := streamConfig(cfg)
	opts := []nats.Option{
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("audit nats connected", "url", nc.ConnectedUrl())
			go ensureStreamAsync(nc, stream)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("audit nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("audit nats reconnected", "url", nc.ConnectedUrl())
			go ensureStreamAsync(nc, stream)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	if !nc.IsConnected() {
		slog.Warn("audit nats unreachable, retrying in the background", "url", cfg.URL, "stream", stream.Name)
		return &NATSSink{conn: nc, js: js, subject: Subject(role)}, nil
	}
	if err := ensureStream(ctx, js, stream); err != nil {
		nc.Close()
		return nil, err
	}
	slog.Info("audit nats ready", "url", cfg.URL, "stream", stream.Name, "subject", Subject(role))
	return &NATSSink{conn: nc, js: js, subject: Subject(role)}, nil
}

func streamConfig(cfg NATSConfig) jetstream.StreamConfig {
	name := cfg.Stream
	if name == "" {
		name = DefaultStream
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	}
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) error {
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
	}
	return nil
}

// ensureStreamAsync runs from connection callbacks, which must not block.
func ensureStreamAsync(nc *nats.Conn, cfg jetstream.StreamConfig) {
	js, err := jetstream.New(nc)
	if err != nil {
		slog.Warn("audit nats stream not ensured", "stream", cfg.Name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ensureStream(ctx, js, cfg); err != nil {
		slog.Warn("audit nats stream not ensured", "stream", cfg.Name, "error", err)
	}
}

// Write publishes record and waits for the JetStream ack.
func (s *NATSSink) Write(ctx context.Context, record []byte) error {
	if s.conn != nil && s.conn.IsClosed() {
		return ErrSinkUnavailable
	}
	if _, err := s.js.Publish(ctx, s.subject, record); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrSinkUnavailable, s.subject, err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	var err error
	if s.conn.IsConnected() {
		err = s.conn.Flush()
	}
	s.conn.Close()
	return err
}
