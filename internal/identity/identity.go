// Package identity resolves the participant identity of an incoming
// signaling connection.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduease/call-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Resolver produces a participant id for an upgrade request. An empty id
// with a nil error means the connection is unbound: the participant id is
// taken from the client's first join instead.
type Resolver interface {
	Resolve(r *http.Request) (participantID string, err error)
}

func NewResolver(cfg config.Config) (Resolver, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AnonymousResolver{}, nil
	case config.AuthModeJWT:
		return JWTResolver{Secret: []byte(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AnonymousResolver accepts every connection and leaves it unbound, so the
// participant id is whatever the client claims in its join. Suitable for dev
// and for deployments that authenticate at an outer layer.
type AnonymousResolver struct{}

func (AnonymousResolver) Resolve(*http.Request) (string, error) {
	return "", nil
}

// JWTResolver verifies an HS256 bearer token and uses its user_id claim as
// the participant id. The token is taken from the Authorization header or,
// because browser WebSocket clients cannot set headers, from the ?token
// query parameter.
type JWTResolver struct {
	Secret []byte
}

func (v JWTResolver) Resolve(r *http.Request) (string, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return "", ErrMissingCredentials
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}

	userID, ok := claims["user_id"].(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return "", ErrInvalidCredentials
	}
	return userID, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw, found := strings.CutPrefix(h, "Bearer "); found {
			return strings.TrimSpace(raw)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
