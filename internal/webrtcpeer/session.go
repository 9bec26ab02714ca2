package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/queue"
)

var ErrSessionClosed = errors.New("webrtcpeer: session closed")

const (
	maxPendingEvents = 4096
	maxPendingOps    = 64
)

type SessionConfig struct {
	Role       Role
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// Session owns one PeerConnection for one side of a chat. Negotiation calls
// run on a private worker in call order and report back through events;
// events are delivered to emit in the order they were produced, from a
// single goroutine.
type Session struct {
	pc     *webrtc.PeerConnection
	role   Role
	logger *slog.Logger
	emit   func(Event)

	events *queue.FIFO[Event]
	ops    chan func()
	done   chan struct{}
	close  sync.Once

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	pcConnected bool
	dcOpen      bool
	reported    State
	closed      bool

	// Local candidates gathered while a local description is being set are
	// held back so they are never relayed ahead of it.
	descPending bool
	candBuf     []protocol.SignalingPayload
}

// NewSession builds the peer connection for role. An initiator creates the
// chat channel up front; a responder waits for the remote one.
func NewSession(api *webrtc.API, cfg SessionConfig, emit func(Event)) (*Session, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{
		pc:     pc,
		role:   cfg.Role,
		logger: logger.With("component", "transport", "role", cfg.Role.String()),
		emit:   emit,
		events: queue.New[Event](maxPendingEvents, nil),
		ops:    make(chan func(), maxPendingOps),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)

	switch cfg.Role {
	case RoleInitiator:
		dc, err := createChatDataChannel(pc)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create chat datachannel: %w", err)
		}
		s.attachDataChannel(dc)
	case RoleResponder:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if err := validateChatDataChannel(dc); err != nil {
				s.logger.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
				_ = dc.Close()
				return
			}
			s.attachDataChannel(dc)
		})
	default:
		_ = pc.Close()
		return nil, fmt.Errorf("invalid role %d", cfg.Role)
	}

	go s.pumpEvents()
	go s.runOps()
	return s, nil
}

func (s *Session) Role() Role { return s.role }

// CreateOffer produces and applies a local offer. With iceRestart the
// offer carries fresh ICE credentials so a lost path can be re-established
// on the existing session.
func (s *Session) CreateOffer(iceRestart bool) {
	s.submit(func() {
		s.beginLocalDescription()
		offer, err := s.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
		if err != nil {
			s.failNegotiation(fmt.Errorf("create offer: %w", err))
			return
		}
		s.finishLocalDescription(offer, protocol.KindOffer)
	})
}

func (s *Session) CreateAnswer() {
	s.submit(func() {
		s.beginLocalDescription()
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.failNegotiation(fmt.Errorf("create answer: %w", err))
			return
		}
		s.finishLocalDescription(answer, protocol.KindAnswer)
	})
}

func (s *Session) ApplyRemoteDescription(p protocol.SignalingPayload) {
	s.submit(func() {
		var t webrtc.SDPType
		switch p.Kind {
		case protocol.KindOffer:
			t = webrtc.SDPTypeOffer
		case protocol.KindAnswer:
			t = webrtc.SDPTypeAnswer
		default:
			s.failNegotiation(fmt.Errorf("apply remote description: unsupported kind %q", p.Kind))
			return
		}
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: p.SDP}); err != nil {
			s.failNegotiation(fmt.Errorf("set remote %s: %w", p.Kind, err))
			return
		}
		s.push(Event{Kind: EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: p.Kind}})
	})
}

// AddRemoteCandidate applies a remote candidate. Failures are logged and
// otherwise ignored.
func (s *Session) AddRemoteCandidate(p protocol.SignalingPayload) {
	s.submit(func() {
		init := webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}
		if err := s.pc.AddICECandidate(init); err != nil {
			s.logger.Warn("failed to add remote ice candidate", "err", err)
		}
	})
}

// Send writes one text frame on the chat channel. It reports false when the
// channel is not open or the write fails; it never blocks on the network.
func (s *Session) Send(b []byte) bool {
	s.mu.Lock()
	dc := s.dc
	open := s.dcOpen && !s.closed
	s.mu.Unlock()

	if !open || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	if err := dc.SendText(string(b)); err != nil {
		s.logger.Debug("datachannel send failed", "err", err)
		return false
	}
	return true
}

// Close tears the session down. It is safe to call more than once and from
// any goroutine; no events are delivered after it returns.
func (s *Session) Close() error {
	var err error
	s.close.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.candBuf = nil
		s.mu.Unlock()

		close(s.done)
		s.events.Close()
		err = s.pc.Close()
	})
	return err
}

func (s *Session) submit(op func()) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ops <- op:
	case <-s.done:
	}
}

func (s *Session) runOps() {
	for {
		select {
		case op := <-s.ops:
			select {
			case <-s.done:
				return
			default:
			}
			op()
		case <-s.done:
			return
		}
	}
}

func (s *Session) pumpEvents() {
	for {
		ev, ok := s.events.Dequeue()
		if !ok {
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.emit(ev)
	}
}

func (s *Session) push(ev Event) {
	if !s.events.Enqueue(ev) {
		s.logger.Warn("dropping transport event", "kind", ev.Kind.String())
	}
}

func (s *Session) failNegotiation(err error) {
	s.mu.Lock()
	s.descPending = false
	buffered := s.candBuf
	s.candBuf = nil
	s.mu.Unlock()

	s.push(Event{Kind: EventNegotiationFailed, Err: err})
	for _, c := range buffered {
		s.push(Event{Kind: EventLocalCandidateReady, Payload: c})
	}
}

func (s *Session) beginLocalDescription() {
	s.mu.Lock()
	s.descPending = true
	s.mu.Unlock()
}

func (s *Session) finishLocalDescription(desc webrtc.SessionDescription, kind protocol.PayloadKind) {
	if err := s.pc.SetLocalDescription(desc); err != nil {
		s.failNegotiation(fmt.Errorf("set local %s: %w", kind, err))
		return
	}

	// Flush under the lock so no new candidate can slip in between the
	// description and the buffered ones.
	s.mu.Lock()
	s.push(Event{Kind: EventLocalDescriptionReady, Payload: protocol.SignalingPayload{Kind: kind, SDP: desc.SDP}})
	for _, c := range s.candBuf {
		s.push(Event{Kind: EventLocalCandidateReady, Payload: c})
	}
	s.candBuf = nil
	s.descPending = false
	s.mu.Unlock()
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	p := protocol.SignalingPayload{
		Kind:          protocol.KindCandidate,
		Candidate:     init.Candidate,
		SDPMLineIndex: init.SDPMLineIndex,
		SDPMid:        init.SDPMid,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.descPending {
		s.candBuf = append(s.candBuf, p)
		return
	}
	s.push(Event{Kind: EventLocalCandidateReady, Payload: p})
}

func (s *Session) attachDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.mu.Lock()
		s.dcOpen = true
		s.reportLocked()
		s.mu.Unlock()
	})
	dc.OnClose(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dcOpen = false
		if s.closed {
			return
		}
		// The channel cannot come back without a new negotiation.
		s.setReportedLocked(StateFailed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		s.push(Event{Kind: EventMessageReceived, Data: data})
	})
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.logger.Debug("peer connection state", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnecting:
		if s.reported == StateNew {
			s.setReportedLocked(StateConnecting)
		}
	case webrtc.PeerConnectionStateConnected:
		s.pcConnected = true
		s.reportLocked()
	case webrtc.PeerConnectionStateDisconnected:
		s.pcConnected = false
		s.setReportedLocked(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		s.pcConnected = false
		s.setReportedLocked(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		s.pcConnected = false
		s.setReportedLocked(StateClosed)
	}
}

func (s *Session) reportLocked() {
	if s.pcConnected && s.dcOpen {
		s.setReportedLocked(StateConnected)
	}
}

func (s *Session) setReportedLocked(state State) {
	if s.reported == state {
		return
	}
	s.reported = state
	s.push(Event{Kind: EventStateChanged, State: state})
}
