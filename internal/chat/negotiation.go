package chat

import (
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

func (o *Orchestrator) handleSignaling(s *session, ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventRoomReady:
		s.logger.Info("joined room", "peers", ev.Peers)
		if !s.resolved {
			if ev.Peers <= 1 {
				s.resolveRole(RoleInitiator)
			} else {
				s.resolveRole(RoleResponder)
			}
			if s.tr == nil {
				if err := o.openTransport(s); err != nil {
					o.failAttempt(s, err)
					return
				}
			}
		}
		if s.initiator() && ev.Peers >= 2 {
			o.offer(s, false)
		}

	case signaling.EventPeerJoined:
		s.logger.Info("peer joined room")
		if s.negotiated {
			// The peer came back with a fresh transport; ours is useless to it.
			o.rebuildTransport(s)
			return
		}
		if s.initiator() {
			o.offer(s, false)
		}

	case signaling.EventPeerLeft:
		s.logger.Info("peer left room")
		o.setRemoteTyping(s, false)

	case signaling.EventPayloadReceived:
		o.handlePayload(s, ev.Payload)

	case signaling.EventError:
		o.metrics.Inc(metrics.SignalingErrors)
		s.logger.Warn("signaling error", "err", ev.Err)
		o.publishError(&SignalingError{Err: ev.Err})

	case signaling.EventClosed:
		s.sig = nil
		switch {
		case o.state == StateConnecting:
			o.failAttempt(s, nil)
		case o.state == StateConnected:
			// The direct channel does not need the relay once it is up.
			s.logger.Warn("relay connection closed while connected")
		case s.stage == recoveryRestart:
			o.escalate(s)
		case s.stage == recoveryFull:
			o.failAttempt(s, ErrRecoveryFailed)
		}
	}
}

func (o *Orchestrator) handlePayload(s *session, p protocol.SignalingPayload) {
	if p.Kind == protocol.KindCandidate {
		if s.tr != nil && s.remoteApplied {
			s.tr.AddRemoteCandidate(p)
			return
		}
		s.candidates = append(s.candidates, p)
		o.metrics.Inc(metrics.CandidatesBuffered)
		return
	}

	if !s.resolved && p.Kind == protocol.KindOffer {
		s.resolveRole(RoleResponder)
		if err := o.openTransport(s); err != nil {
			o.failAttempt(s, err)
			return
		}
	}
	switch {
	case p.Kind == protocol.KindOffer && s.initiator(),
		p.Kind == protocol.KindAnswer && !s.initiator():
		s.logger.Warn("ignoring description for the wrong role", "kind", string(p.Kind))
		return
	case s.tr == nil:
		s.logger.Warn("ignoring description without a transport", "kind", string(p.Kind))
		return
	}
	s.remoteApplied = false
	s.tr.ApplyRemoteDescription(p)
}

func (o *Orchestrator) handleTransport(s *session, ev webrtcpeer.Event) {
	switch ev.Kind {
	case webrtcpeer.EventLocalDescriptionReady, webrtcpeer.EventLocalCandidateReady:
		o.relay(s, ev.Payload)

	case webrtcpeer.EventRemoteDescriptionApplied:
		s.remoteApplied = true
		s.negotiated = true
		buffered := s.candidates
		s.candidates = nil
		for _, c := range buffered {
			s.tr.AddRemoteCandidate(c)
		}
		if ev.Payload.Kind == protocol.KindOffer {
			s.tr.CreateAnswer()
		}

	case webrtcpeer.EventNegotiationFailed:
		o.metrics.Inc(metrics.NegotiationFailures)
		s.logger.Warn("negotiation failed", "err", ev.Err)
		o.publishError(&NegotiationError{Err: ev.Err})
		o.transportLost(s, true)

	case webrtcpeer.EventMessageReceived:
		o.handleWire(s, ev.Data)

	case webrtcpeer.EventStateChanged:
		s.logger.Debug("transport state changed", "state", ev.State.String())
		switch ev.State {
		case webrtcpeer.StateConnected:
			if o.state == StateConnecting || o.state == StateReconnecting {
				o.connected(s)
			}
		case webrtcpeer.StateDisconnected:
			o.setRemoteTyping(s, false)
			o.transportLost(s, false)
		case webrtcpeer.StateFailed, webrtcpeer.StateClosed:
			o.setRemoteTyping(s, false)
			o.transportLost(s, true)
		}
	}
}

// transportLost routes a transport failure into recovery. fatal is set
// when the transport gave up rather than stalled.
func (o *Orchestrator) transportLost(s *session, fatal bool) {
	switch o.state {
	case StateConnected:
		o.beginRecovery(s)
	case StateConnecting:
		if fatal {
			o.setState(StateReconnecting)
			o.metrics.Inc(metrics.ReconnectAttempts)
			o.escalate(s)
		}
	case StateReconnecting:
		if !fatal {
			return
		}
		if s.stage == recoveryRestart {
			o.escalate(s)
		} else {
			o.failAttempt(s, ErrRecoveryFailed)
		}
	}
}

func (o *Orchestrator) relay(s *session, p protocol.SignalingPayload) {
	if s.sig == nil {
		s.logger.Warn("dropping local payload without a relay connection", "kind", string(p.Kind))
		return
	}
	if err := s.sig.Send(protocol.Relay(s.cfg.RoomCode, p)); err != nil {
		o.metrics.Inc(metrics.SignalingErrors)
		s.logger.Warn("relay send failed", "kind", string(p.Kind), "err", err)
	}
}

func (o *Orchestrator) offer(s *session, iceRestart bool) {
	if s.tr == nil {
		return
	}
	s.remoteApplied = false
	s.tr.CreateOffer(iceRestart)
}

func (o *Orchestrator) rebuildTransport(s *session) {
	o.closeTransport(s)
	if err := o.openTransport(s); err != nil {
		o.failAttempt(s, err)
		return
	}
	if o.state == StateConnected {
		o.setState(StateReconnecting)
		o.metrics.Inc(metrics.ReconnectAttempts)
		o.stopLiveness(s)
		s.stage = recoveryFull
		o.arm(s, timerKey{kind: timerRenegotiation}, o.opts.RenegotiationTimeout)
	}
	if s.initiator() {
		o.offer(s, false)
	}
}

func (o *Orchestrator) connected(s *session) {
	s.stage = recoveryNone
	o.disarm(s, timerKey{kind: timerRenegotiation})
	o.setState(StateConnected)

	now := o.clk.Now()
	s.lastTrafficAt = now
	s.lastSentAt = now
	o.flushOutbox(s)
	o.startLiveness(s)
}

// beginRecovery enters Reconnecting with an ICE restart on the existing
// relay connection.
func (o *Orchestrator) beginRecovery(s *session) {
	o.setState(StateReconnecting)
	o.metrics.Inc(metrics.ReconnectAttempts)
	o.stopLiveness(s)
	o.setRemoteTyping(s, false)

	if s.sig == nil || s.tr == nil {
		o.escalate(s)
		return
	}
	s.stage = recoveryRestart
	o.arm(s, timerKey{kind: timerRenegotiation}, o.opts.RenegotiationTimeout)
	if s.initiator() {
		o.offer(s, true)
	}
}

// escalate replaces both adapters and starts negotiation from scratch.
func (o *Orchestrator) escalate(s *session) {
	o.metrics.Inc(metrics.ReconnectEscalated)
	s.logger.Info("reopening relay connection")
	s.stage = recoveryFull

	if s.sig != nil {
		_ = s.sig.Close()
		s.sig = nil
	}
	o.closeTransport(s)
	s.remoteApplied = false
	s.candidates = nil
	s.negotiated = false

	if err := o.openSignaling(s); err != nil {
		o.failAttempt(s, err)
		return
	}
	if s.resolved {
		if err := o.openTransport(s); err != nil {
			o.failAttempt(s, err)
			return
		}
	}
	o.arm(s, timerKey{kind: timerRenegotiation}, o.opts.RenegotiationTimeout)
}

func (o *Orchestrator) renegotiationTimedOut(s *session) {
	if o.state != StateReconnecting {
		return
	}
	if s.stage == recoveryRestart {
		s.logger.Warn("ice restart timed out")
		o.escalate(s)
		return
	}
	o.failAttempt(s, ErrRecoveryFailed)
}

// failAttempt ends the session in Disconnected. A nil err publishes no
// error event.
func (o *Orchestrator) failAttempt(s *session, err error) {
	if err != nil {
		s.logger.Warn("connection attempt failed", "err", err)
		o.publishError(err)
	}
	o.endSession(s)
	o.setState(StateDisconnected)
}
