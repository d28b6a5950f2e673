// Package auth resolves the client identity for a relay connection from the
// JWT presented at handshake time.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/logging"
)

// ErrInvalidToken is returned when a presented token cannot be parsed, lacks
// an issuer, or fails signature verification.
var ErrInvalidToken = errors.New("invalid auth token")

// Authenticator extracts a client identity from an upgrade request. Without
// a verification key the token is decoded but not verified, matching relay
// deployments where the identity is informational. With a key, a bad
// signature rejects the handshake.
type Authenticator struct {
	logger    *slog.Logger
	verifyKey any
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithVerificationKey enables signature verification against the given
// public key.
func WithVerificationKey(key any) Option {
	return func(a *Authenticator) { a.verifyKey = key }
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(logger *slog.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{logger: logging.Component(logger, "auth")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Identify returns the client identity for an upgrade request. A token is
// taken from the Authorization header (Bearer scheme) or the auth query
// parameter; its issuer claim becomes the identity. A request without a
// token gets a random anonymous identity.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	token := extractToken(r)
	if token == "" {
		return id.Hex32(), nil
	}

	claims, err := a.parseClaims(token)
	if err != nil {
		return "", err
	}
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return "", fmt.Errorf("%w: missing issuer claim", ErrInvalidToken)
	}
	return issuer, nil
}

func (a *Authenticator) parseClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	if a.verifyKey == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return claims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.verifyKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("auth")
}
