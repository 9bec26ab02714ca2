package chat

import (
	"errors"
	"slices"

	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
)

func (o *Orchestrator) sendMessage(text string) (ChatMessage, error) {
	s := o.sess
	if s == nil {
		return ChatMessage{}, ErrNoSession
	}
	o.endLocalTyping(s)

	msg := ChatMessage{
		ID:        o.opts.NewID(),
		SenderID:  SenderSelf,
		Text:      text,
		CreatedAt: o.clk.Now(),
		Status:    StatusSending,
	}
	o.publishMessage(msg)

	// Queued messages go first so the peer sees them in the order typed.
	o.flushOutbox(s)
	if o.state == StateConnected && len(s.outbox) == 0 && s.tr != nil {
		return o.transmit(s, msg), nil
	}
	s.outbox = append(s.outbox, msg)
	o.metrics.Inc(metrics.MessagesQueued)
	return msg, nil
}

func (o *Orchestrator) retry(id string) (ChatMessage, error) {
	prev, ok := o.failed[id]
	if !ok {
		if s := o.sess; s != nil && s.tracks(id) {
			return ChatMessage{}, ErrNotRetryable
		}
		return ChatMessage{}, ErrUnknownMsg
	}
	msg, err := o.sendMessage(prev.Text)
	if err != nil {
		return ChatMessage{}, err
	}
	o.forgetFailed(id)
	return msg, nil
}

// transmit hands msg to the transport. The result is Sent with an ack
// timer running, or Failed.
func (o *Orchestrator) transmit(s *session, msg ChatMessage) ChatMessage {
	b, err := protocol.NewMessage(msg.ID, msg.Text, msg.CreatedAt).Marshal()
	if err != nil {
		return o.failMessage(msg, err)
	}
	if !s.tr.Send(b) {
		return o.failMessage(msg, ErrTransportSend)
	}
	now := o.clk.Now()
	s.lastSentAt = now
	msg.Status = StatusSent
	s.awaiting[msg.ID] = &pendingAck{msg: msg, sentAt: now}
	o.arm(s, timerKey{kind: timerAck, id: msg.ID}, o.opts.AckTimeout)
	o.metrics.Inc(metrics.MessagesSent)
	o.publishMessage(msg)
	return msg
}

// flushOutbox sends queued messages in order. A refused message is marked
// Failed and the flush moves on, so the outbox is empty while Connected.
func (o *Orchestrator) flushOutbox(s *session) {
	for len(s.outbox) > 0 && o.state == StateConnected && s.tr != nil {
		msg := s.outbox[0]
		s.outbox = s.outbox[1:]
		o.transmit(s, msg)
	}
}

func (o *Orchestrator) failMessage(msg ChatMessage, cause error) ChatMessage {
	msg.Status = StatusFailed
	o.rememberFailed(msg)
	o.metrics.Inc(metrics.MessagesFailed)
	o.logger.Info("message failed", "id", msg.ID, "err", cause)
	o.publishMessage(msg)
	return msg
}

// rememberFailed keeps msg available to Retry, evicting the oldest entry
// once maxRetryable are held.
func (o *Orchestrator) rememberFailed(msg ChatMessage) {
	if _, ok := o.failed[msg.ID]; !ok {
		o.failedOrder = append(o.failedOrder, msg.ID)
	}
	o.failed[msg.ID] = msg
	for len(o.failedOrder) > maxRetryable {
		delete(o.failed, o.failedOrder[0])
		o.failedOrder = o.failedOrder[1:]
	}
}

func (o *Orchestrator) forgetFailed(id string) {
	delete(o.failed, id)
	if i := slices.Index(o.failedOrder, id); i >= 0 {
		o.failedOrder = slices.Delete(o.failedOrder, i, i+1)
	}
}

func (o *Orchestrator) ackReceived(s *session, id string) {
	pending, ok := s.awaiting[id]
	if !ok {
		o.metrics.Inc(metrics.AcksLate)
		s.logger.Debug("ignoring ack with no pending message", "id", id)
		return
	}
	delete(s.awaiting, id)
	o.disarm(s, timerKey{kind: timerAck, id: id})

	o.metrics.ObserveAckLatency(o.clk.Now().Sub(pending.sentAt))
	o.metrics.Inc(metrics.MessagesDelivered)
	msg := pending.msg
	msg.Status = StatusDelivered
	o.publishMessage(msg)
}

func (o *Orchestrator) ackTimedOut(s *session, id string) {
	pending, ok := s.awaiting[id]
	if !ok {
		return
	}
	delete(s.awaiting, id)
	o.failMessage(pending.msg, ErrAckTimeout)
}

func (o *Orchestrator) handleWire(s *session, data []byte) {
	s.lastTrafficAt = o.clk.Now()
	if o.state == StateConnected {
		o.startLiveness(s)
	}

	env, err := protocol.ParseWireEnvelope(data)
	if errors.Is(err, protocol.ErrUnknownEnvelope) {
		o.metrics.Inc(metrics.EnvelopesUnknown)
		s.logger.Debug("ignoring unknown envelope", "err", err)
		return
	}
	if err != nil {
		o.metrics.Inc(metrics.EnvelopesMalformed)
		s.logger.Warn("dropping malformed envelope", "err", err)
		return
	}

	switch env.Type {
	case protocol.TypeMessage:
		body := env.Message
		o.sendEnvelope(s, protocol.NewAck(body.ID))
		o.setRemoteTyping(s, false)
		if _, dup := s.received[body.ID]; dup {
			return
		}
		s.received[body.ID] = struct{}{}
		o.metrics.Inc(metrics.MessagesReceived)
		o.publishMessage(ChatMessage{
			ID:        body.ID,
			SenderID:  SenderPeer,
			Text:      body.Text,
			CreatedAt: body.Timestamp,
			Status:    StatusDelivered,
		})
	case protocol.TypeAck:
		o.ackReceived(s, env.Ack.ID)
	case protocol.TypeTyping:
		o.setRemoteTyping(s, env.Typing.IsTyping)
	case protocol.TypePing:
	}
}

// sendEnvelope writes a control envelope. Failures are not reported; the
// transport state events cover a dead channel.
func (o *Orchestrator) sendEnvelope(s *session, env protocol.WireEnvelope) bool {
	if s.tr == nil {
		return false
	}
	b, err := env.Marshal()
	if err != nil {
		s.logger.Warn("encoding envelope", "type", string(env.Type), "err", err)
		return false
	}
	if !s.tr.Send(b) {
		return false
	}
	s.lastSentAt = o.clk.Now()
	return true
}

func (s *session) tracks(id string) bool {
	if _, ok := s.awaiting[id]; ok {
		return true
	}
	for _, m := range s.outbox {
		if m.ID == id {
			return true
		}
	}
	return false
}
