package chat

import (
	"log/slog"
	"time"

	"github.com/ferd36/maths-chat/internal/clock"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

type recoveryStage uint8

const (
	recoveryNone recoveryStage = iota
	// recoveryRestart keeps the relay connection and renegotiates ICE on
	// the existing transport.
	recoveryRestart
	// recoveryFull rebuilds both the relay connection and the transport.
	recoveryFull
)

type timerKind uint8

const (
	timerAck timerKind = iota + 1
	timerTypingIdle
	timerRemoteTyping
	timerKeepalive
	timerLiveness
	timerRenegotiation
)

type timerKey struct {
	kind timerKind
	id   string
}

type armedTimer struct {
	t   *clock.Timer
	seq uint64
}

type pendingAck struct {
	msg    ChatMessage
	sentAt time.Time
}

// session is everything tied to one Connect call. It is only touched from
// the orchestrator loop.
type session struct {
	epoch  uint64
	cfg    ConnectionConfig
	logger *slog.Logger

	requested Role
	role      webrtcpeer.Role
	resolved  bool

	sig    Signaling
	sigGen uint64
	tr     Transport
	trGen  uint64

	remoteApplied bool
	candidates    []protocol.SignalingPayload
	negotiated    bool

	outbox   []ChatMessage
	awaiting map[string]*pendingAck
	received map[string]struct{}

	localTyping  bool
	remoteTyping bool

	lastSentAt    time.Time
	lastTrafficAt time.Time

	stage  recoveryStage
	timers map[timerKey]*armedTimer
}

func newSession(epoch uint64, cfg ConnectionConfig, role Role, logger *slog.Logger) *session {
	return &session{
		epoch:     epoch,
		cfg:       cfg,
		logger:    logger.With("room", cfg.RoomCode, "epoch", epoch),
		requested: role,
		awaiting:  make(map[string]*pendingAck),
		received:  make(map[string]struct{}),
		timers:    make(map[timerKey]*armedTimer),
	}
}

// resolveRole fixes the transport role. Once resolved it never changes for
// the rest of the session, including across full reconnects.
func (s *session) resolveRole(r Role) {
	if s.resolved {
		return
	}
	s.resolved = true
	if r == RoleInitiator {
		s.role = webrtcpeer.RoleInitiator
	} else {
		s.role = webrtcpeer.RoleResponder
	}
	s.logger = s.logger.With("role", s.role.String())
}

func (s *session) initiator() bool {
	return s.resolved && s.role == webrtcpeer.RoleInitiator
}

func (o *Orchestrator) arm(s *session, key timerKey, d time.Duration) {
	o.disarm(s, key)
	o.timerSeq++
	seq, epoch := o.timerSeq, s.epoch
	t := o.clk.AfterFunc(d, func() {
		o.post(timerFired{epoch: epoch, key: key, seq: seq})
	})
	s.timers[key] = &armedTimer{t: t, seq: seq}
}

func (o *Orchestrator) disarm(s *session, key timerKey) {
	if armed, ok := s.timers[key]; ok {
		armed.t.Stop()
		delete(s.timers, key)
	}
}

func (s *session) armed(key timerKey) bool {
	_, ok := s.timers[key]
	return ok
}

func (s *session) stopTimers() {
	for key, armed := range s.timers {
		armed.t.Stop()
		delete(s.timers, key)
	}
}

func (o *Orchestrator) handleTimer(s *session, key timerKey) {
	switch key.kind {
	case timerAck:
		o.ackTimedOut(s, key.id)
	case timerTypingIdle:
		o.typingIdle(s)
	case timerRemoteTyping:
		o.setRemoteTyping(s, false)
	case timerKeepalive:
		o.keepaliveTick(s)
	case timerLiveness:
		o.livenessExpired(s)
	case timerRenegotiation:
		o.renegotiationTimedOut(s)
	}
}
