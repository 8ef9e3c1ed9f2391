package policy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxSubPolicySize caps the fetched overlay and its signature.
const maxSubPolicySize = 1 << 20

// ErrSubPolicyVerification marks every failure to obtain a trustworthy
// overlay: transport errors, bad signatures, role mismatches.
var ErrSubPolicyVerification = errors.New("sub-policy verification failure")

// VerificationError wraps the cause of an overlay failure.
type VerificationError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("sub-policy %s: %v (after %d attempt(s))", e.URL, e.Err, e.Attempts)
}

func (e *VerificationError) Unwrap() []error {
	return []error{ErrSubPolicyVerification, e.Err}
}

// errBadSignature is not retried.
var errBadSignature = errors.New("signature does not verify against the configured public key")

// ParsePublicKey decodes a base64 (standard or URL alphabet) ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeBase64(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("public key is not base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifySignature checks a detached signature over payload. sig may be the raw
// 64 bytes or their base64 encoding.
func VerifySignature(pub ed25519.PublicKey, payload, sig []byte) error {
	raw := sig
	if len(raw) != ed25519.SignatureSize {
		decoded, err := decodeBase64(string(bytes.TrimSpace(sig)))
		if err != nil {
			return fmt.Errorf("signature is neither raw nor base64: %w", err)
		}
		raw = decoded
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("signature has %d bytes, want %d", len(raw), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, payload, raw) {
		return errBadSignature
	}
	return nil
}

// SignPayload returns the base64 signature for payload. Used by the CLI to
// produce overlay .sig files.
func SignPayload(priv ed25519.PrivateKey, payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

// Fetcher retrieves and verifies signed overlays.
type Fetcher struct {
	// Client performs the requests; nil means a client with TLS 1.2+ and no
	// redirects to plain http.
	Client *http.Client

	// Backoff is the delay unit between attempts; attempt n waits n*Backoff.
	Backoff time.Duration

	Logger *slog.Logger
}

// NewFetcher returns a Fetcher with defaults.
func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		Client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if req.URL.Scheme != "https" {
					return fmt.Errorf("refusing redirect to %s", req.URL.Scheme)
				}
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		Backoff: 250 * time.Millisecond,
		Logger:  logger,
	}
}

// Fetch downloads the overlay and its signature, verifies the signature with
// the key from the base document, and parses the payload. Transport failures
// are retried up to src.GetRetries() times; a bad signature is not.
func (f *Fetcher) Fetch(ctx context.Context, src *SubPolicySource) (*Document, []byte, error) {
	if src == nil {
		return nil, nil, fmt.Errorf("no sub-policy source")
	}
	if err := validateSubPolicySource(src); err != nil {
		return nil, nil, &VerificationError{URL: src.URL, Err: err}
	}
	pub, _ := ParsePublicKey(src.PublicKey)

	attempts := src.GetRetries() + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := f.fetchVerified(ctx, src, pub)
		if err == nil {
			doc, err := Load(payload)
			if err != nil {
				return nil, nil, &VerificationError{URL: src.URL, Attempts: attempt, Err: err}
			}
			return doc, payload, nil
		}
		lastErr = err
		if errors.Is(err, errBadSignature) || ctx.Err() != nil {
			return nil, nil, &VerificationError{URL: src.URL, Attempts: attempt, Err: err}
		}
		f.logger().Warn("sub-policy fetch attempt failed",
			"url", src.URL, "attempt", attempt, "max_attempts", attempts, "error", err)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, nil, &VerificationError{URL: src.URL, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * f.Backoff):
			}
		}
	}
	return nil, nil, &VerificationError{URL: src.URL, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) fetchVerified(ctx context.Context, src *SubPolicySource, pub ed25519.PublicKey) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, src.GetTimeout())
	defer cancel()

	payload, err := f.get(ctx, src.URL)
	if err != nil {
		return nil, err
	}
	sig, err := f.get(ctx, src.GetSignatureURL())
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if err := VerifySignature(pub, payload, sig); err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("refusing non-https url %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSubPolicySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxSubPolicySize {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", url, maxSubPolicySize)
	}
	return body, nil
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
