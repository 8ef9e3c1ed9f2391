// Package auth authenticates agents connecting to the proxy.
//
// Three modes are supported:
//
//   - none: every caller is accepted (the sandbox network is the boundary)
//   - token: a shared secret, compared in constant time
//   - jwt: a signed token (HS256 with a shared secret, or EdDSA with an
//     ed25519 public key) whose optional "role" claim must name the role
//     this proxy enforces
//
// Credentials are read from "Authorization: Bearer <credential>" or, for
// WebSocket clients that cannot set headers, the "token" query parameter.
package auth

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ArangoGutierrez/agent-identity-protocol/implementations/capgate/pkg/policy"
)

// Mode selects how callers are authenticated.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeToken Mode = "token"
	ModeJWT   Mode = "jwt"
)

// ErrUnauthorized is returned for a missing or invalid credential.
var ErrUnauthorized = errors.New("unauthorized")

// Config configures an Authenticator.
type Config struct {
	Mode Mode `mapstructure:"mode"`

	// Token is the shared secret for token mode. TokenFile, if set, is read
	// instead so the secret stays out of the config file.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`

	// JWTSecret enables HS256 in jwt mode.
	JWTSecret string `mapstructure:"jwt_secret"`

	// JWTPublicKey is a base64 ed25519 public key; it enables EdDSA.
	JWTPublicKey string `mapstructure:"jwt_public_key"`

	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration `mapstructure:"leeway"`
}

// Claims are the JWT claims capgate reads.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity describes an authenticated caller.
type Identity struct {
	Mode    Mode
	Subject string
}

// Authenticator verifies caller credentials. It is immutable and safe for
// concurrent use.
type Authenticator struct {
	mode     Mode
	role     policy.Role
	token    []byte
	secret   []byte
	pub      ed25519.PublicKey
	issuer   string
	audience string
	leeway   time.Duration
}

// New builds an Authenticator for a proxy enforcing role.
func New(cfg Config, role policy.Role) (*Authenticator, error) {
	a := &Authenticator{
		mode:     cfg.Mode,
		role:     role,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
	}
	switch cfg.Mode {
	case "", ModeNone:
		a.mode = ModeNone
	case ModeToken:
		tok := cfg.Token
		if cfg.TokenFile != "" {
			data, err := os.ReadFile(cfg.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("reading token file: %w", err)
			}
			tok = strings.TrimSpace(string(data))
		}
		if tok == "" {
			return nil, fmt.Errorf("auth mode token requires a token")
		}
		a.token = []byte(tok)
	case ModeJWT:
		if cfg.JWTSecret == "" && cfg.JWTPublicKey == "" {
			return nil, fmt.Errorf("auth mode jwt requires jwt_secret or jwt_public_key")
		}
		if cfg.JWTSecret != "" {
			a.secret = []byte(cfg.JWTSecret)
		}
		if cfg.JWTPublicKey != "" {
			pub, err := policy.ParsePublicKey(cfg.JWTPublicKey)
			if err != nil {
				return nil, fmt.Errorf("jwt_public_key: %w", err)
			}
			a.pub = pub
		}
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	return a, nil
}

// Mode returns the configured mode.
func (a *Authenticator) Mode() Mode { return a.mode }

// Credential extracts the caller credential from r.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, cred, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(cred)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the credential carried by r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	return a.Verify(Credential(r))
}

// Verify checks a raw credential.
func (a *Authenticator) Verify(credential string) (Identity, error) {
	switch a.mode {
	case ModeNone:
		return Identity{Mode: ModeNone}, nil
	case ModeToken:
		if credential == "" || subtle.ConstantTimeCompare([]byte(credential), a.token) != 1 {
			return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
		}
		return Identity{Mode: ModeToken}, nil
	case ModeJWT:
		return a.verifyJWT(credential)
	}
	return Identity{}, ErrUnauthorized
}

func (a *Authenticator) verifyJWT(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	var methods []string
	if a.secret != nil {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if a.pub != nil {
		methods = append(methods, jwt.SigningMethodEdDSA.Alg())
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.secret, nil
		case *jwt.SigningMethodEd25519:
			return a.pub, nil
		}
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims.Role != "" {
		role, err := policy.ParseRole(claims.Role)
		if err != nil || role != a.role {
			return Identity{}, fmt.Errorf("%w: token role %q does not match proxy role %s", ErrUnauthorized, claims.Role, a.role)
		}
	}
	return Identity{Mode: ModeJWT, Subject: claims.Subject}, nil
}
