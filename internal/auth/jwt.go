// Package auth turns bearer tokens into access principals.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/runway/internal/access"
	"github.com/rendis/runway/pkg/schema"
)

// Config holds the shared HS256 secret and token policy.
type Config struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

const defaultTTL = 24 * time.Hour

// Claims are the token claims. Subject carries the principal id.
type Claims struct {
	OrganizationID string `json:"org,omitempty"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// Principal converts the claims.
func (c *Claims) Principal() *access.Principal {
	return &access.Principal{ID: c.Subject, OrganizationID: c.OrganizationID, Role: c.Role}
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a Verifier. An empty secret is rejected.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

// Verify parses token and returns its principal. Every failure is
// UNAUTHENTICATED.
func (v *Verifier) Verify(token string) (*access.Principal, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return nil, schema.NewError(schema.ErrCodeUnauthenticated, msg).WithCause(err)
	}
	if claims.Subject == "" {
		return nil, schema.NewError(schema.ErrCodeUnauthenticated, "token has no subject")
	}
	if !access.ValidRole(claims.Role) {
		return nil, schema.NewErrorf(schema.ErrCodeUnauthenticated, "token has unknown role %q", claims.Role)
	}
	return claims.Principal(), nil
}

// Issuer mints tokens. It backs the token command and tests.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for p. ttl of zero uses the configured default.
func (i *Issuer) Issue(p access.Principal, ttl time.Duration) (string, error) {
	if p.ID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "principal id is required")
	}
	if !access.ValidRole(p.Role) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown role %q", p.Role)
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := i.now()
	claims := Claims{
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
