// Package auth checks the credential a client presents when opening a relay
// websocket.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ferd36/maths-chat/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is what a verified credential grants. An empty Room means the
// holder may join any room.
type Identity struct {
	Subject string
	Room    string
}

// MayJoin reports whether the identity allows joining room.
func (id Identity) MayJoin(room string) bool {
	return id.Room == "" || id.Room == room
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

// NewVerifier returns nil for AuthModeNone.
func NewVerifier(cfg config.Relay) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest reads the credential for mode from the query string
// (apiKey or token), falling back to an Authorization: Bearer header.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	q := r.URL.Query()
	var v string
	switch mode {
	case config.AuthModeAPIKey:
		v = q.Get("apiKey")
	case config.AuthModeJWT:
		v = q.Get("token")
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if v == "" {
		v = bearerToken(r.Header.Get("Authorization"))
	}
	if v == "" {
		return "", ErrMissingCredentials
	}
	return v, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
