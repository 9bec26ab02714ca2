// Package turnrest mints short-lived TURN credentials that a coturn server
// configured with use-auth-secret accepts.
//
//	username   = <unix expiry>:<prefix>:<session id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ferd36/maths-chat/internal/config"
)

var (
	ErrNoSecret   = errors.New("turnrest: shared secret is required")
	ErrBadTTL     = errors.New("turnrest: ttl must be positive")
	ErrBadPrefix  = errors.New("turnrest: username prefix must be non-empty and contain no ':'")
	ErrBadSession = errors.New("turnrest: session id must be non-empty and contain no ':'")
)

// Credentials is one TURN username/password pair and the instant it expires.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

type Option func(*Generator)

// WithNow replaces the wall clock used for expiry.
func WithNow(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSessionIDs replaces the random session id source.
func WithSessionIDs(newID func() string) Option {
	return func(g *Generator) { g.newID = newID }
}

func NewGenerator(cfg config.TURNREST, opts ...Option) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	if cfg.TTLSeconds <= 0 {
		return nil, ErrBadTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrBadPrefix
	}
	g := &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
		prefix: cfg.UsernamePrefix,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrBadSession
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + sessionID
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// GenerateRandom mints credentials under a fresh session id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newID())
}

// Sign returns the coturn password for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
