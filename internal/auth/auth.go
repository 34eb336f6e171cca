package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified identity behind a client connection.
type Identity struct {
	UserID string // sub claim
	Name   string // name claim, optional
}

// Provider validates the credentials presented with an upgrade request.
type Provider interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Config holds the verification settings.
type Config struct {
	Enabled       bool   // when false every connection is admitted
	SigningMethod string // HS256 or RS256, defaults to HS256
	Secret        string // shared secret for HS256
	PublicKeyFile string // PEM file holding the RSA public key for RS256
	Issuer        string // expected iss claim, empty disables the check
}

// NewProvider builds a Provider from the config. Disabled auth yields a
// provider that admits everyone.
func NewProvider(cfg Config) (Provider, error) {
	if !cfg.Enabled {
		return &NoOpProvider{}, nil
	}
	return NewJWT(cfg)
}

// NoOpProvider admits every request without inspecting credentials.
// Use this when authentication is disabled (e.g. local development).
type NoOpProvider struct{}

// Authenticate always succeeds with an empty identity.
func (p *NoOpProvider) Authenticate(*http.Request) (Identity, error) {
	return Identity{}, nil
}

// JWT verifies bearer tokens signed with HS256 or RS256.
type JWT struct {
	method    jwt.SigningMethod
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
}

// NewJWT creates a verifier for the configured signing method.
func NewJWT(cfg Config) (*JWT, error) {
	p := &JWT{issuer: cfg.Issuer}

	switch cfg.SigningMethod {
	case "", "HS256":
		if cfg.Secret == "" {
			return nil, errors.New("auth: secret required for HS256")
		}
		p.method = jwt.SigningMethodHS256
		p.secret = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, errors.New("auth: public key file required for RS256")
		}
		raw, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: reading public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing public key: %w", err)
		}
		p.method = jwt.SigningMethodRS256
		p.publicKey = key
	default:
		return nil, fmt.Errorf("auth: unsupported signing method %q", cfg.SigningMethod)
	}

	return p, nil
}

// Authenticate extracts the token from the request and verifies it.
func (p *JWT) Authenticate(r *http.Request) (Identity, error) {
	return p.Verify(TokenFromRequest(r))
}

// Verify checks the signature and registered claims and returns the
// identity carried in the token.
func (p *JWT) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if t.Method != p.method {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		if p.method == jwt.SigningMethodRS256 {
			return p.publicKey, nil
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	if p.issuer != "" && c.Issuer != p.issuer {
		return Identity{}, fmt.Errorf("%w: issuer %q not accepted", ErrInvalidToken, c.Issuer)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return Identity{UserID: c.Subject, Name: c.Name}, nil
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenFromRequest extracts the bearer token from a request. Browsers
// cannot attach headers to a WebSocket upgrade, so the token query
// parameter takes precedence over the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
