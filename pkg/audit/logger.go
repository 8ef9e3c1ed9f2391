package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ErrSinkUnavailable is returned by a sink that cannot accept records.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// Sink receives serialized records. Write must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, record []byte) error
	Close() error
}

// FileSink appends records as JSON lines through a slog JSON handler.
//
// CRITICAL: FileSink never writes to stdout. The stdio transport reserves
// stdout for JSON-RPC frames.
type FileSink struct {
	slogger *slog.Logger
	file    *os.File
	mu      sync.Mutex
	closed  bool
}

// NewFileSink opens path in append mode, creating it if needed.
//
// Returns error if:
//   - path is empty
//   - path points to stdout ("/dev/stdout" or similar)
//   - the file cannot be opened
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit file path is empty")
	}

	// CRITICAL SAFETY CHECK: stdout is reserved for JSON-RPC transport
	if isStdoutPath(path) {
		return nil, fmt.Errorf("audit sink MUST NOT write to stdout (path: %s); stdout is reserved for JSON-RPC transport", path)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %q: %w", path, err)
	}
	return &FileSink{slogger: newRecordLogger(file), file: file}, nil
}

func newRecordLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		// The record carries its own timestamp.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
				return slog.Attr{}
			}
			return a
		},
	})
	return slog.New(handler)
}

// isStdoutPath checks if the given path would write to stdout.
func isStdoutPath(path string) bool {
	stdoutPaths := []string{
		"/dev/stdout",
		"/dev/fd/1",
		"/proc/self/fd/1",
	}
	for _, p := range stdoutPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Write appends one line: {"msg":"audit","record":{...}}.
func (s *FileSink) Write(ctx context.Context, record []byte) error {
	if !json.Valid(record) {
		return fmt.Errorf("audit record is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkUnavailable
	}
	s.slogger.LogAttrs(ctx, slog.LevelInfo, "audit", slog.Any("record", json.RawMessage(record)))
	return nil
}

// Sync flushes the file to disk.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.file.Sync()
}

// Close closes the audit file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// MultiSink writes every record to each sink in order. A record counts as
// delivered only when every sink accepted it.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, record []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
