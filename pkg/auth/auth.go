// Package auth validates the JWT tokens deployments use to gate room
// creation. The focus only verifies; issuing tokens is the deployment's
// business. HMAC is the only accepted signing family, everything else is an
// immediate rejection.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Config is the jwt section of the focus configuration. An empty AppID
// disables verification entirely.
type Config struct {
	AppID  string `yaml:"appId"`
	Secret string `yaml:"secret"`
	Domain string `yaml:"domain"`
}

// Enabled reports whether token verification is configured.
func (c Config) Enabled() bool {
	return c.AppID != ""
}

// Claims is the token payload the focus understands: which room the bearer
// may create or join, scoped to the configured domain.
type Claims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// TokenVerifier is the narrow interface admission control consumes.
type TokenVerifier interface {
	// Verify checks the token and returns its claims. The room claim "*"
	// grants access to every room.
	Verify(token string) (*Claims, error)
}

var (
	ErrNotConfigured = errors.New("token verification is not configured")
	ErrWrongAudience = errors.New("token was issued for a different service")
)

// Verifier validates HMAC-signed tokens against the configured secret.
type Verifier struct {
	config Config
}

func NewVerifier(config Config) *Verifier {
	return &Verifier{config: config}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	if !v.config.Enabled() {
		return nil, ErrNotConfigured
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(v.config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	if !v.acceptsIssuer(claims.Issuer) {
		return nil, ErrWrongAudience
	}
	if v.config.Domain != "" && !claims.VerifyAudience(v.config.Domain, false) && !v.subMatches(claims) {
		return nil, ErrWrongAudience
	}
	return claims, nil
}

// AllowsRoom reports whether the claims admit the given room node. The "*"
// claim is the wildcard deployments use for service accounts.
func (c *Claims) AllowsRoom(room string) bool {
	return c.Room == "*" || strings.EqualFold(c.Room, room)
}

func (v *Verifier) acceptsIssuer(issuer string) bool {
	return issuer == "" || strings.EqualFold(issuer, v.config.AppID)
}

func (v *Verifier) subMatches(claims *Claims) bool {
	return strings.EqualFold(claims.Subject, v.config.Domain) || claims.Subject == "*"
}
