package chat

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ferd36/maths-chat/internal/clock"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

const (
	DefaultAckTimeout           = 5 * time.Second
	DefaultTypingIdle           = 2 * time.Second
	DefaultRemoteTypingExpiry   = 3 * time.Second
	DefaultKeepaliveInterval    = 30 * time.Second
	DefaultLivenessGrace        = 10 * time.Second
	DefaultRenegotiationTimeout = 15 * time.Second
	DefaultEventBuffer          = 256

	inboxSize = 256

	// maxRetryable bounds how many Failed messages stay available to Retry.
	maxRetryable = 128
)

// Signaling is the relay connection as the orchestrator uses it.
type Signaling interface {
	Send(env protocol.SignalingEnvelope) error
	Close() error
}

// Transport is the direct peer connection as the orchestrator uses it.
// Negotiation calls are asynchronous and complete through events.
type Transport interface {
	CreateOffer(iceRestart bool)
	CreateAnswer()
	ApplyRemoteDescription(p protocol.SignalingPayload)
	AddRemoteCandidate(p protocol.SignalingPayload)
	Send(b []byte) bool
	Close() error
}

// SignalingFactory opens a relay connection for cfg. The connection must
// deliver its events through emit, in order.
type SignalingFactory func(cfg ConnectionConfig, emit func(signaling.Event)) (Signaling, error)

// TransportFactory creates a transport session for role. The session must
// deliver its events through emit, in order.
type TransportFactory func(role webrtcpeer.Role, emit func(webrtcpeer.Event)) (Transport, error)

type Options struct {
	Signaling SignalingFactory
	Transport TransportFactory

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// NewID mints message ids. Defaults to random UUIDs.
	NewID func() string

	AckTimeout           time.Duration
	TypingIdle           time.Duration
	RemoteTypingExpiry   time.Duration
	KeepaliveInterval    time.Duration
	LivenessGrace        time.Duration
	RenegotiationTimeout time.Duration

	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = DefaultTypingIdle
	}
	if o.RemoteTypingExpiry <= 0 {
		o.RemoteTypingExpiry = DefaultRemoteTypingExpiry
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.LivenessGrace <= 0 {
		o.LivenessGrace = DefaultLivenessGrace
	}
	if o.RenegotiationTimeout <= 0 {
		o.RenegotiationTimeout = DefaultRenegotiationTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}
