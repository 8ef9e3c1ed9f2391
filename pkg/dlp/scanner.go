// Package dlp redacts secrets from what capgate records and relays.
//
// Tool arguments are redacted before they enter an audit record, and
// execution-layer responses are redacted before they reach the agent. Each
// match is replaced with "[REDACTED:<rule>]".
//
// With DetectEncoding set, base64 and hex runs are decoded and checked too,
// so an encoded key is redacted as a whole.
package dlp

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// Pattern is one named secret detector.
type Pattern struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Regex string `mapstructure:"regex" yaml:"regex"`
}

// Config configures a Scanner.
type Config struct {
	Enabled        bool      `mapstructure:"enabled" yaml:"enabled"`
	DetectEncoding bool      `mapstructure:"detect_encoding" yaml:"detect_encoding"`
	Patterns       []Pattern `mapstructure:"patterns" yaml:"patterns"`
}

// DefaultPatterns cover credentials that commonly leak through tool output.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "AWS Access Key", Regex: `\b(AKIA|ASIA)[0-9A-Z]{16}\b`},
		{Name: "GitHub Token", Regex: `\bgh[pousr]_[A-Za-z0-9]{36,}\b`},
		{Name: "Slack Token", Regex: `\bxox[abposr]-[A-Za-z0-9-]{10,}\b`},
		{Name: "Private Key", Regex: `-----BEGIN [A-Z ]*PRIVATE KEY-----`},
		{Name: "Bearer Token", Regex: `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`},
		{Name: "Anthropic Key", Regex: `\bsk-ant-[A-Za-z0-9_-]{20,}\b`},
	}
}

// Event records how often one rule matched.
type Event struct {
	Rule    string
	Matches int
}

// Scanner is immutable after NewScanner and safe for concurrent use. A nil
// Scanner redacts nothing.
type Scanner struct {
	patterns       []compiledPattern
	detectEncoding bool
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// NewScanner compiles cfg. It returns nil when DLP is disabled.
func NewScanner(cfg Config) (*Scanner, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}

	s := &Scanner{detectEncoding: cfg.DetectEncoding}
	for _, p := range patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("dlp pattern missing name")
		}
		if p.Regex == "" {
			return nil, fmt.Errorf("dlp pattern %q missing regex", p.Name)
		}
		if err := policy.ValidateRegexComplexity(p.Regex); err != nil {
			return nil, fmt.Errorf("dlp pattern %q: %w", p.Name, err)
		}
		re, err := policy.SafeCompile(p.Regex, 0)
		if err != nil {
			return nil, fmt.Errorf("dlp pattern %q: %w", p.Name, err)
		}
		s.patterns = append(s.patterns, compiledPattern{name: p.Name, re: re})
	}
	return s, nil
}

// Enabled reports whether the scanner has anything to look for.
func (s *Scanner) Enabled() bool {
	return s != nil && len(s.patterns) > 0
}

// Rules returns the configured rule names.
func (s *Scanner) Rules() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		names[i] = p.name
	}
	return names
}

// Redact replaces every match in input.
func (s *Scanner) Redact(input string) (string, []Event) {
	if !s.Enabled() {
		return input, nil
	}

	var events []Event
	out := input
	for _, p := range s.patterns {
		if n := len(p.re.FindAllStringIndex(out, -1)); n > 0 {
			events = append(events, Event{Rule: p.name, Matches: n})
			out = p.re.ReplaceAllLiteralString(out, "[REDACTED:"+p.name+"]")
		}
	}

	if s.detectEncoding {
		for _, seg := range encodedSegments(out) {
			if !strings.Contains(out, seg.raw) {
				continue
			}
			for _, p := range s.patterns {
				if p.re.MatchString(seg.decoded) {
					events = append(events, Event{Rule: p.name + " (encoded)", Matches: 1})
					out = strings.Replace(out, seg.raw, "[REDACTED:"+p.name+":encoded]", 1)
					break
				}
			}
		}
	}
	return out, events
}

// RedactValue walks decoded JSON and redacts every string, returning a copy.
func (s *Scanner) RedactValue(v any) (any, []Event) {
	if !s.Enabled() {
		return v, nil
	}
	var events []Event
	return s.redactValue(v, &events), events
}

func (s *Scanner) redactValue(v any, events *[]Event) any {
	switch val := v.(type) {
	case string:
		out, ev := s.Redact(val)
		*events = append(*events, ev...)
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.redactValue(item, events)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.redactValue(item, events)
		}
		return out
	}
	return v
}

// RedactArguments returns a redacted copy of tool arguments.
func (s *Scanner) RedactArguments(args map[string]any) (map[string]any, []Event) {
	if !s.Enabled() || args == nil {
		return args, nil
	}
	out, events := s.RedactValue(args)
	return out.(map[string]any), events
}

// RedactFrame redacts an execution-layer message. JSON is decoded and every
// string value redacted so the framing survives; anything else is redacted
// as text. The input is returned unchanged when nothing matched.
func (s *Scanner) RedactFrame(frame []byte) ([]byte, []Event) {
	if !s.Enabled() {
		return frame, nil
	}
	var v any
	if err := json.Unmarshal(frame, &v); err != nil {
		out, events := s.Redact(string(frame))
		if len(events) == 0 {
			return frame, nil
		}
		return []byte(out), events
	}
	redacted, events := s.RedactValue(v)
	if len(events) == 0 {
		return frame, nil
	}
	out, err := json.Marshal(redacted)
	if err != nil {
		return frame, nil
	}
	return out, events
}

// encodedSegment is a substring that decoded to printable text.
type encodedSegment struct {
	raw     string
	decoded string
}

var (
	base64Run    = regexp.MustCompile(`[A-Za-z0-9+/]{16,}={0,2}`)
	base64URLRun = regexp.MustCompile(`[A-Za-z0-9_-]{16,}={0,2}`)
	hexPrefixed  = regexp.MustCompile(`0[xX][0-9A-Fa-f]{8,}`)
	hexRun       = regexp.MustCompile(`[0-9A-Fa-f]{32,}`)
)

// encodedSegments finds hex runs first: every hex run is also a valid base64
// alphabet run but decodes to garbage as base64.
func encodedSegments(input string) []encodedSegment {
	var segs []encodedSegment
	seen := make(map[string]bool)
	scan := func(re *regexp.Regexp, decode func(string) (string, bool)) {
		for _, raw := range re.FindAllString(input, -1) {
			if seen[raw] {
				continue
			}
			if decoded, ok := decode(raw); ok && len(decoded) >= 4 && printable(decoded) {
				seen[raw] = true
				segs = append(segs, encodedSegment{raw: raw, decoded: decoded})
			}
		}
	}
	scan(hexPrefixed, decodeHex)
	scan(hexRun, decodeHex)
	scan(base64Run, decodeBase64)
	scan(base64URLRun, decodeBase64)
	return segs
}

func decodeBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

func decodeHex(s string) (string, bool) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return "", false
	}
	return string(b), true
}

// printable requires 80% printable runes so random bytes are ignored.
func printable(s string) bool {
	total, ok := 0, 0
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			ok++
		}
	}
	return total > 0 && ok*5 >= total*4
}

// FilteredWriter redacts everything written through it. capgate wraps the
// stdio upstream's stderr with it.
type FilteredWriter struct {
	dest    io.Writer
	scanner *Scanner
	logger  *slog.Logger
}

// NewFilteredWriter wraps dest. A nil scanner passes writes through.
func NewFilteredWriter(dest io.Writer, scanner *Scanner, logger *slog.Logger) *FilteredWriter {
	return &FilteredWriter{dest: dest, scanner: scanner, logger: logger}
}

func (fw *FilteredWriter) Write(p []byte) (int, error) {
	if !fw.scanner.Enabled() {
		return fw.dest.Write(p)
	}
	out, events := fw.scanner.Redact(string(p))
	if fw.logger != nil {
		for _, ev := range events {
			fw.logger.Warn("redacted upstream stderr", "rule", ev.Rule, "matches", ev.Matches)
		}
	}
	if _, err := io.WriteString(fw.dest, out); err != nil {
		return 0, err
	}
	return len(p), nil
}
