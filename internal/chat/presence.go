package chat

import (
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
)

func (o *Orchestrator) notifyTyping() {
	s := o.sess
	if s == nil || o.state != StateConnected {
		return
	}
	if !s.localTyping && o.sendEnvelope(s, protocol.NewTyping(true)) {
		s.localTyping = true
	}
	if s.localTyping {
		o.arm(s, timerKey{kind: timerTypingIdle}, o.opts.TypingIdle)
	}
}

func (o *Orchestrator) typingIdle(s *session) {
	if !s.localTyping {
		return
	}
	s.localTyping = false
	o.sendEnvelope(s, protocol.NewTyping(false))
}

// endLocalTyping closes the typing burst without telling the peer; a chat
// message clears the indicator on the other side.
func (o *Orchestrator) endLocalTyping(s *session) {
	s.localTyping = false
	o.disarm(s, timerKey{kind: timerTypingIdle})
}

func (o *Orchestrator) setRemoteTyping(s *session, typing bool) {
	if typing {
		o.arm(s, timerKey{kind: timerRemoteTyping}, o.opts.RemoteTypingExpiry)
	} else {
		o.disarm(s, timerKey{kind: timerRemoteTyping})
	}
	if s.remoteTyping == typing {
		return
	}
	s.remoteTyping = typing
	o.publish(Event{Kind: EventPeerTyping, Epoch: s.epoch, PeerTyping: typing})
}

// startLiveness (re)arms both keepalive timers from the last observed
// traffic.
func (o *Orchestrator) startLiveness(s *session) {
	o.arm(s, timerKey{kind: timerLiveness}, o.opts.KeepaliveInterval+o.opts.LivenessGrace)
	if !s.armed(timerKey{kind: timerKeepalive}) {
		o.arm(s, timerKey{kind: timerKeepalive}, o.opts.KeepaliveInterval)
	}
}

func (o *Orchestrator) stopLiveness(s *session) {
	o.disarm(s, timerKey{kind: timerLiveness})
	o.disarm(s, timerKey{kind: timerKeepalive})
}

func (o *Orchestrator) keepaliveTick(s *session) {
	if o.state != StateConnected {
		return
	}
	idle := o.clk.Now().Sub(s.lastSentAt)
	if idle >= o.opts.KeepaliveInterval {
		o.sendEnvelope(s, protocol.NewPing())
		idle = 0
	}
	o.arm(s, timerKey{kind: timerKeepalive}, o.opts.KeepaliveInterval-idle)
}

func (o *Orchestrator) livenessExpired(s *session) {
	if o.state != StateConnected {
		return
	}
	o.metrics.Inc(metrics.LivenessFailures)
	s.logger.Warn("peer silent past keepalive window", "last_traffic", s.lastTrafficAt)
	o.publishError(ErrLiveness)
	o.beginRecovery(s)
}
