package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ferd36/maths-chat/internal/auth"
	"github.com/ferd36/maths-chat/internal/clock"
	"github.com/ferd36/maths-chat/internal/config"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/origin"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/ratelimit"
)

const (
	wsWriteWait           = 5 * time.Second
	brokerTimeout         = 5 * time.Second
	defaultSendQueueBytes = 256 * 1024
)

// Hub serves GET /ws. Each websocket may hold one room membership at a
// time.
type Hub struct {
	cfg      config.Relay
	broker   Broker
	verifier auth.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    clock.Clock

	connects *ratelimit.KeyedLimiter
	upgrader websocket.Upgrader
	newID    func() string
}

func NewHub(cfg config.Relay, broker Broker, m *metrics.Metrics, logger *slog.Logger) (*Hub, error) {
	if broker == nil {
		return nil, errors.New("relay: nil broker")
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultPingInterval
	}
	if cfg.IdleTimeout <= cfg.PingInterval {
		cfg.IdleTimeout = cfg.PingInterval + config.DefaultIdleTimeout - config.DefaultPingInterval
	}
	h := &Hub{
		cfg:      cfg,
		broker:   broker,
		verifier: verifier,
		metrics:  m,
		logger:   logger.With("component", "relay"),
		clock:    clock.Real(),
		newID:    uuid.NewString,
	}
	h.connects = ratelimit.NewKeyedLimiter(h.clock, ratelimit.KeyedConfig{
		PerSecond: cfg.ConnectsPerSecondIP,
		Burst:     cfg.ConnectsPerSecondIP,
	})
	h.upgrader.CheckOrigin = h.checkOrigin
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	return origin.Allowed(r, h.cfg.AllowedOrigins)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.connects.Allow(clientIP(r)) {
		h.metrics.Inc(metrics.DropReasonRateLimited)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	var identity auth.Identity
	var authErr error
	if h.verifier != nil {
		var cred string
		cred, authErr = auth.CredentialFromRequest(h.cfg.AuthMode, r)
		if authErr == nil {
			identity, authErr = h.verifier.Verify(cred)
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(h, ws, identity, h.newID())
	if authErr != nil {
		h.metrics.Inc(metrics.RelayAuthFailures)
		h.logger.Info("rejecting relay connection", "remote_addr", r.RemoteAddr, "err", authErr)
		c.rejectAndClose(websocket.ClosePolicyViolation, protocol.ErrorUnauthorized)
		return
	}

	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	c.logger.Debug("relay connection opened", "remote_addr", r.RemoteAddr)
	c.serve()
	c.logger.Debug("relay connection closed")
}

func (h *Hub) limits() ratelimit.ConnLimits {
	return ratelimit.ConnLimits{MessagesPerSecond: h.cfg.MessagesPerSecond}
}

func (h *Hub) brokerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), brokerTimeout)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
