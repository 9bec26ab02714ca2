package chat

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

func TestInitiatorOffersOncePeerArrives(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleInitiator)

	if got := h.tr().role; got != webrtcpeer.RoleInitiator {
		t.Fatalf("transport role=%v, want initiator", got)
	}
	h.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 1})
	if calls := h.tr().callLog(); len(calls) != 0 {
		t.Fatalf("calls=%v before the peer joined, want none", calls)
	}

	h.signal(signaling.Event{Kind: signaling.EventPeerJoined})
	if got := h.tr().lastCall(); got != "offer" {
		t.Fatalf("last call=%q, want offer", got)
	}

	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventLocalDescriptionReady, Payload: offerPayload})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventLocalCandidateReady, Payload: candidate("c1")})
	relayed := h.sig().relayed()
	if len(relayed) != 2 || relayed[0].Kind != protocol.KindOffer || relayed[1].Candidate != "c1" {
		t.Fatalf("relayed=%+v, want offer then c1", relayed)
	}

	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: answerPayload})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: protocol.KindAnswer}})
	h.transport(transportState(webrtcpeer.StateConnected))

	if want := []string{"offer", "apply:answer"}; !reflect.DeepEqual(h.tr().callLog(), want) {
		t.Fatalf("calls=%v, want %v", h.tr().callLog(), want)
	}
	if got, want := states(h.drain()), []State{StateConnecting, StateConnected}; !reflect.DeepEqual(got, want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
}

func TestInitiatorOffersWhenRoomAlreadyHasPeer(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleInitiator)
	h.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 2})
	if got := h.tr().lastCall(); got != "offer" {
		t.Fatalf("last call=%q, want offer", got)
	}
}

func TestResponderAnswersOfferAndDrainsCandidatesInOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleResponder)
	h.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 2})
	if calls := h.tr().callLog(); len(calls) != 0 {
		t.Fatalf("responder calls=%v, want none before an offer", calls)
	}

	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: candidate("c1")})
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: candidate("c2")})
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: offerPayload})
	if want := []string{"apply:offer"}; !reflect.DeepEqual(h.tr().callLog(), want) {
		t.Fatalf("calls=%v, want %v", h.tr().callLog(), want)
	}

	// Still pending: a candidate arriving now must wait too.
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: candidate("c3")})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: protocol.KindOffer}})
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: candidate("c4")})

	want := []string{"apply:offer", "candidate:c1", "candidate:c2", "candidate:c3", "answer", "candidate:c4"}
	if got := h.tr().callLog(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls=%v, want %v", got, want)
	}
	if got := h.metrics.Get(metrics.CandidatesBuffered); got != 3 {
		t.Fatalf("buffered=%d, want 3", got)
	}

	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventLocalDescriptionReady, Payload: answerPayload})
	if relayed := h.sig().relayed(); len(relayed) != 1 || relayed[0].Kind != protocol.KindAnswer {
		t.Fatalf("relayed=%+v, want one answer", relayed)
	}
}

func TestDescriptionForWrongRoleIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleResponder)
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: answerPayload})
	if calls := h.tr().callLog(); len(calls) != 0 {
		t.Fatalf("responder applied an answer: %v", calls)
	}

	h2 := newHarness(t)
	h2.connect(RoleInitiator)
	h2.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: offerPayload})
	if calls := h2.tr().callLog(); len(calls) != 0 {
		t.Fatalf("initiator applied an offer: %v", calls)
	}
	if st := h2.sync(); st != StateConnecting {
		t.Fatalf("state=%v, want %v", st, StateConnecting)
	}
}

func TestAutoRoleFollowsRoomOccupancy(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleAuto)
	if _, trs := h.counts(); trs != 0 {
		t.Fatalf("transports=%d before the room was joined, want 0", trs)
	}
	h.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 1})
	if got := h.tr().role; got != webrtcpeer.RoleInitiator {
		t.Fatalf("first member role=%v, want initiator", got)
	}
	h.signal(signaling.Event{Kind: signaling.EventPeerJoined})
	if got := h.tr().lastCall(); got != "offer" {
		t.Fatalf("last call=%q, want offer", got)
	}

	h2 := newHarness(t)
	h2.connect(RoleAuto)
	h2.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 2})
	if got := h2.tr().role; got != webrtcpeer.RoleResponder {
		t.Fatalf("second member role=%v, want responder", got)
	}
	if calls := h2.tr().callLog(); len(calls) != 0 {
		t.Fatalf("responder calls=%v, want none", calls)
	}
}

func TestAckMarksMessageDelivered(t *testing.T) {
	h := newHarness(t)
	h.establish()

	msg, err := h.o.SendMessage("hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != StatusSent || msg.SenderID != SenderSelf {
		t.Fatalf("msg=%+v, want sent by self", msg)
	}
	sent := h.tr().envelopes(t, protocol.TypeMessage)
	if len(sent) != 1 || sent[0].Message.ID != msg.ID || sent[0].Message.Text != "hello" {
		t.Fatalf("frames=%+v, want one hello", sent)
	}

	h.advance(4 * time.Second)
	h.receive(protocol.NewAck(msg.ID))
	h.advance(5 * time.Second)

	var statuses []MessageStatus
	for _, m := range messages(h.drain()) {
		if m.ID == msg.ID {
			statuses = append(statuses, m.Status)
		}
	}
	if want := []MessageStatus{StatusSending, StatusSent, StatusDelivered}; !reflect.DeepEqual(statuses, want) {
		t.Fatalf("statuses=%v, want %v", statuses, want)
	}
	if got := h.metrics.Get(metrics.MessagesFailed); got != 0 {
		t.Fatalf("failed=%d, want 0", got)
	}
}

func TestMissingAckFailsMessageWithoutResend(t *testing.T) {
	h := newHarness(t)
	h.establish()

	msg, err := h.o.SendMessage("hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	h.drain()
	h.advance(5 * time.Second)

	got := messages(h.drain())
	if len(got) != 1 || got[0].ID != msg.ID || got[0].Status != StatusFailed {
		t.Fatalf("messages=%+v, want %s failed", got, msg.ID)
	}

	h.receive(protocol.NewAck(msg.ID))
	if late := messages(h.drain()); len(late) != 0 {
		t.Fatalf("late ack changed messages: %+v", late)
	}
	if n := h.metrics.Get(metrics.AcksLate); n != 1 {
		t.Fatalf("late acks=%d, want 1", n)
	}
	if frames := h.tr().envelopes(t, protocol.TypeMessage); len(frames) != 1 {
		t.Fatalf("message frames=%d, want 1", len(frames))
	}
}

func TestRefusedSendFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.establish()
	h.tr().setRefuse(true)

	msg, err := h.o.SendMessage("hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != StatusFailed {
		t.Fatalf("status=%v, want %v", msg.Status, StatusFailed)
	}
	h.drain()
	h.advance(5 * time.Second)
	if extra := messages(h.drain()); len(extra) != 0 {
		t.Fatalf("failed message changed again: %+v", extra)
	}
	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v, want %v", st, StateConnected)
	}
}

func TestIncomingMessageIsAckedAndPublished(t *testing.T) {
	h := newHarness(t)
	h.establish()

	at := time.UnixMilli(1_700_000_000_123)
	h.receive(protocol.NewMessage("p1", "hi there", at))
	h.receive(protocol.NewMessage("p1", "hi there", at))

	acks := h.tr().envelopes(t, protocol.TypeAck)
	if len(acks) != 2 || acks[0].Ack.ID != "p1" {
		t.Fatalf("acks=%+v, want p1 acked on every copy", acks)
	}
	got := messages(h.drain())
	if len(got) != 1 {
		t.Fatalf("messages=%+v, want one", got)
	}
	m := got[0]
	if m.ID != "p1" || m.SenderID != SenderPeer || m.Status != StatusDelivered || m.Text != "hi there" || !m.CreatedAt.Equal(at) {
		t.Fatalf("message=%+v", m)
	}
}

func TestUnknownEnvelopeIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.establish()

	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventMessageReceived, Data: []byte(`{"type":"reaction","emoji":"+1"}`)})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventMessageReceived, Data: []byte(`not json`)})

	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v, want %v", st, StateConnected)
	}
	if n := h.metrics.Get(metrics.EnvelopesUnknown); n != 1 {
		t.Fatalf("unknown=%d, want 1", n)
	}
	if n := h.metrics.Get(metrics.EnvelopesMalformed); n != 1 {
		t.Fatalf("malformed=%d, want 1", n)
	}
}

func TestMessagesQueueUntilConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleInitiator)

	first, _ := h.o.SendMessage("one")
	second, _ := h.o.SendMessage("two")
	if first.Status != StatusSending || second.Status != StatusSending {
		t.Fatalf("statuses=%v,%v, want sending", first.Status, second.Status)
	}
	if frames := h.tr().envelopes(t, ""); len(frames) != 0 {
		t.Fatalf("frames=%d before connecting, want 0", len(frames))
	}

	h.negotiate()
	var ids []string
	for _, env := range h.tr().envelopes(t, protocol.TypeMessage) {
		ids = append(ids, env.Message.ID)
	}
	if want := []string{first.ID, second.ID}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("sent=%v, want %v", ids, want)
	}
}

func TestRefusedFlushDoesNotStrandLaterMessages(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleInitiator)

	first, _ := h.o.SendMessage("one")
	second, _ := h.o.SendMessage("two")
	h.tr().setRefuse(true)
	h.negotiate()

	final := map[string]MessageStatus{}
	for _, m := range messages(h.drain()) {
		final[m.ID] = m.Status
	}
	if final[first.ID] != StatusFailed || final[second.ID] != StatusFailed {
		t.Fatalf("queued statuses=%v, want both failed", final)
	}

	h.tr().setRefuse(false)
	third, err := h.o.SendMessage("three")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if third.Status != StatusSent {
		t.Fatalf("third status=%v, want %v", third.Status, StatusSent)
	}
	var ids []string
	for _, env := range h.tr().envelopes(t, protocol.TypeMessage) {
		ids = append(ids, env.Message.ID)
	}
	if want := []string{third.ID}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("sent=%v, want %v", ids, want)
	}
	if _, err := h.o.Retry(first.ID); err != nil {
		t.Fatalf("Retry of a refused queued message: %v", err)
	}
}

func TestReconnectRestartsIceWithoutReopeningRelay(t *testing.T) {
	h := newHarness(t)
	h.establish()
	sig := h.sig()

	first, _ := h.o.SendMessage("one")
	h.transport(transportState(webrtcpeer.StateDisconnected))
	if st := h.sync(); st != StateReconnecting {
		t.Fatalf("state=%v, want %v", st, StateReconnecting)
	}
	if got := h.tr().lastCall(); got != "offer:restart" {
		t.Fatalf("last call=%q, want offer:restart", got)
	}
	if sigs, trs := h.counts(); sigs != 1 || trs != 1 || sig.isClosed() {
		t.Fatalf("sigs=%d trs=%d closed=%v, want the original adapters", sigs, trs, sig.isClosed())
	}

	second, _ := h.o.SendMessage("two")
	third, _ := h.o.SendMessage("three")

	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventLocalDescriptionReady, Payload: offerPayload})
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: answerPayload})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: protocol.KindAnswer}})
	h.transport(transportState(webrtcpeer.StateConnected))
	fourth, _ := h.o.SendMessage("four")

	var ids []string
	for _, env := range h.tr().envelopes(t, protocol.TypeMessage) {
		ids = append(ids, env.Message.ID)
	}
	if want := []string{first.ID, second.ID, third.ID, fourth.ID}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("sent=%v, want %v", ids, want)
	}
	if got, want := states(h.drain()), []State{StateReconnecting, StateConnected}; !reflect.DeepEqual(got, want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
}

func TestResponderWaitsForRestartOffer(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleResponder)
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: offerPayload})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: protocol.KindOffer}})
	h.transport(transportState(webrtcpeer.StateConnected))

	h.transport(transportState(webrtcpeer.StateFailed))
	if st := h.sync(); st != StateReconnecting {
		t.Fatalf("state=%v, want %v", st, StateReconnecting)
	}
	if got := h.tr().lastCall(); got != "answer" {
		t.Fatalf("responder acted on its own: last call=%q", got)
	}

	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: offerPayload})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: protocol.KindOffer}})
	if got := h.tr().lastCall(); got != "answer" {
		t.Fatalf("last call=%q, want answer", got)
	}
	h.transport(transportState(webrtcpeer.StateConnected))
	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v, want %v", st, StateConnected)
	}
}

func TestRestartTimeoutEscalatesThenGivesUp(t *testing.T) {
	h := newHarness(t)
	h.establish()
	oldSig, oldTr := h.sig(), h.tr()

	h.transport(transportState(webrtcpeer.StateDisconnected))
	h.advance(DefaultRenegotiationTimeout)

	if sigs, trs := h.counts(); sigs != 2 || trs != 2 {
		t.Fatalf("sigs=%d trs=%d, want fresh adapters", sigs, trs)
	}
	if !oldSig.isClosed() || !oldTr.isClosed() {
		t.Fatalf("old adapters left open: sig=%v tr=%v", oldSig.isClosed(), oldTr.isClosed())
	}
	if got := h.tr().role; got != webrtcpeer.RoleInitiator {
		t.Fatalf("rebuilt role=%v, want initiator", got)
	}
	if st := h.sync(); st != StateReconnecting {
		t.Fatalf("state=%v, want %v", st, StateReconnecting)
	}
	if n := h.metrics.Get(metrics.ReconnectEscalated); n != 1 {
		t.Fatalf("escalations=%d, want 1", n)
	}

	// Events from the replaced adapters no longer count.
	oldSig.emit(signaling.Event{Kind: signaling.EventClosed})
	oldTr.emit(transportState(webrtcpeer.StateConnected))
	if st := h.sync(); st != StateReconnecting {
		t.Fatalf("stale events moved state to %v", st)
	}

	h.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 2})
	if got := h.tr().lastCall(); got != "offer" {
		t.Fatalf("last call=%q, want a fresh offer", got)
	}

	h.advance(DefaultRenegotiationTimeout)
	if st := h.sync(); st != StateDisconnected {
		t.Fatalf("state=%v, want %v", st, StateDisconnected)
	}
	if !hasError(h.drain(), ErrRecoveryFailed) {
		t.Fatalf("missing recovery failure event")
	}
	if !h.sig().isClosed() || !h.tr().isClosed() {
		t.Fatalf("adapters left open after giving up")
	}
}

func TestNegotiationFailureDuringRestartEscalates(t *testing.T) {
	h := newHarness(t)
	h.establish()
	h.transport(transportState(webrtcpeer.StateDisconnected))

	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventNegotiationFailed, Err: errors.New("bad sdp")})
	if sigs, _ := h.counts(); sigs != 2 {
		t.Fatalf("sigs=%d, want relay reopened", sigs)
	}
	var negErr *NegotiationError
	found := false
	for _, err := range errorsOf(h.drain()) {
		if errors.As(err, &negErr) {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing negotiation error event")
	}

	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventNegotiationFailed, Err: errors.New("bad sdp again")})
	if st := h.sync(); st != StateDisconnected {
		t.Fatalf("state=%v, want %v", st, StateDisconnected)
	}
}

func TestPeerRejoinRebuildsTransport(t *testing.T) {
	h := newHarness(t)
	h.establish()
	old := h.tr()

	h.signal(signaling.Event{Kind: signaling.EventPeerJoined})
	if _, trs := h.counts(); trs != 2 || !old.isClosed() {
		t.Fatalf("trs=%d old closed=%v, want a rebuilt transport", trs, old.isClosed())
	}
	if got := h.tr().lastCall(); got != "offer" {
		t.Fatalf("last call=%q, want offer", got)
	}
	if st := h.sync(); st != StateReconnecting {
		t.Fatalf("state=%v, want %v", st, StateReconnecting)
	}

	h.transport(transportState(webrtcpeer.StateConnected))
	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v, want %v", st, StateConnected)
	}
}

func TestRoomFullSurfacesSignalingErrorAndStaysConnecting(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleAuto)
	h.signal(signaling.Event{Kind: signaling.EventError, Err: &signaling.RelayError{Message: protocol.ErrorRoomFull}})

	errs := errorsOf(h.drain())
	if len(errs) != 1 {
		t.Fatalf("errors=%v, want one", errs)
	}
	var sigErr *SignalingError
	if !errors.As(errs[0], &sigErr) || !errors.Is(errs[0], signaling.ErrRoomFull) {
		t.Fatalf("err=%v, want a room-full signaling error", errs[0])
	}
	if st := h.sync(); st != StateConnecting {
		t.Fatalf("state=%v, want %v", st, StateConnecting)
	}
}

func TestRelayLossWhileConnectingEndsAttempt(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleInitiator)
	h.signal(signaling.Event{Kind: signaling.EventClosed})

	if st := h.sync(); st != StateDisconnected {
		t.Fatalf("state=%v, want %v", st, StateDisconnected)
	}
	if !h.tr().isClosed() {
		t.Fatalf("transport left open")
	}

	// A fresh attempt is allowed.
	h.connect(RoleInitiator)
	if st := h.sync(); st != StateConnecting {
		t.Fatalf("state=%v, want %v", st, StateConnecting)
	}
}

func TestRelayLossWhileConnectedKeepsChannel(t *testing.T) {
	h := newHarness(t)
	h.establish()
	h.signal(signaling.Event{Kind: signaling.EventClosed})
	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v, want %v", st, StateConnected)
	}

	// Recovery without a relay goes straight to a full reopen.
	h.transport(transportState(webrtcpeer.StateDisconnected))
	if sigs, _ := h.counts(); sigs != 2 {
		t.Fatalf("sigs=%d, want relay reopened", sigs)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.establish()

	if err := h.o.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := h.o.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if st := h.sync(); st != StateClosed {
		t.Fatalf("state=%v, want %v", st, StateClosed)
	}
	events := h.drain()
	if got, want := states(events), []State{StateClosed}; !reflect.DeepEqual(got, want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
	if errs := errorsOf(events); len(errs) != 0 {
		t.Fatalf("errors=%v, want none", errs)
	}
	if !h.sig().isClosed() || !h.tr().isClosed() {
		t.Fatalf("adapters left open")
	}
	if n := h.clk.Pending(); n != 0 {
		t.Fatalf("pending timers=%d, want 0", n)
	}
}

func TestDisconnectFailsUnresolvedMessagesOnce(t *testing.T) {
	h := newHarness(t)
	h.establish()

	inFlight, _ := h.o.SendMessage("in flight")
	h.transport(transportState(webrtcpeer.StateDisconnected))
	queued, _ := h.o.SendMessage("queued")
	h.drain()

	if err := h.o.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.advance(10 * time.Second)

	failed := map[string]int{}
	for _, m := range messages(h.drain()) {
		if m.Status != StatusFailed {
			t.Fatalf("message %s moved to %v after disconnect", m.ID, m.Status)
		}
		failed[m.ID]++
	}
	if failed[inFlight.ID] != 1 || failed[queued.ID] != 1 || len(failed) != 2 {
		t.Fatalf("failed=%v, want each message failed once", failed)
	}
}

func TestEventsFromEndedSessionAreDiscarded(t *testing.T) {
	h := newHarness(t)
	h.connect(RoleInitiator)
	oldSig, oldTr := h.sig(), h.tr()
	if err := h.o.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	h.connect(RoleInitiator)
	oldSig.emit(signaling.Event{Kind: signaling.EventRoomReady, Peers: 2})
	oldTr.emit(transportState(webrtcpeer.StateConnected))

	if st := h.sync(); st != StateConnecting {
		t.Fatalf("state=%v, want %v", st, StateConnecting)
	}
	if calls := h.tr().callLog(); len(calls) != 0 {
		t.Fatalf("new transport acted on stale events: %v", calls)
	}
	events := h.drain()
	last := events[len(events)-1]
	if last.Kind != EventStateChanged || last.State != StateConnecting || last.Epoch != 2 {
		t.Fatalf("last event=%+v, want connecting for epoch 2", last)
	}
}

func TestTypingIsEdgeTriggered(t *testing.T) {
	h := newHarness(t)
	h.establish()

	for i := 0; i < 3; i++ {
		if err := h.o.NotifyTyping(); err != nil {
			t.Fatalf("NotifyTyping: %v", err)
		}
	}
	h.advance(time.Second)
	_ = h.o.NotifyTyping()
	h.advance(time.Second)
	if got := typingFlags(t, h); !reflect.DeepEqual(got, []bool{true}) {
		t.Fatalf("typing frames=%v, want [true]", got)
	}

	h.advance(time.Second)
	if got := typingFlags(t, h); !reflect.DeepEqual(got, []bool{true, false}) {
		t.Fatalf("typing frames=%v, want [true false]", got)
	}

	// A message ends the burst without an explicit stop.
	_ = h.o.NotifyTyping()
	_, _ = h.o.SendMessage("done")
	h.advance(3 * time.Second)
	if got := typingFlags(t, h); !reflect.DeepEqual(got, []bool{true, false, true}) {
		t.Fatalf("typing frames=%v, want [true false true]", got)
	}
}

func typingFlags(t *testing.T, h *harness) []bool {
	t.Helper()
	var out []bool
	for _, env := range h.tr().envelopes(t, protocol.TypeTyping) {
		out = append(out, env.Typing.IsTyping)
	}
	return out
}

func TestPeerTypingExpiresAndClears(t *testing.T) {
	h := newHarness(t)
	h.establish()

	h.receive(protocol.NewTyping(true))
	if !h.o.PeerTyping() {
		t.Fatalf("peer typing not shown")
	}
	h.advance(DefaultRemoteTypingExpiry)
	if h.o.PeerTyping() {
		t.Fatalf("peer typing did not expire")
	}

	h.receive(protocol.NewTyping(true))
	h.signal(signaling.Event{Kind: signaling.EventPeerLeft})
	if h.o.PeerTyping() {
		t.Fatalf("peer typing survived peer_left")
	}

	h.receive(protocol.NewTyping(true))
	h.receive(protocol.NewMessage("p1", "x", time.UnixMilli(1)))
	if h.o.PeerTyping() {
		t.Fatalf("peer typing survived a message")
	}

	var flags []bool
	for _, ev := range h.drain() {
		if ev.Kind == EventPeerTyping {
			flags = append(flags, ev.PeerTyping)
		}
	}
	if want := []bool{true, false, true, false, true, false}; !reflect.DeepEqual(flags, want) {
		t.Fatalf("typing events=%v, want %v", flags, want)
	}
}

func TestKeepalivePingsOnlyWhenIdle(t *testing.T) {
	h := newHarness(t)
	h.establish()

	h.advance(20 * time.Second)
	msg, _ := h.o.SendMessage("busy")
	h.receive(protocol.NewAck(msg.ID))

	h.advance(10 * time.Second)
	if pings := h.tr().envelopes(t, protocol.TypePing); len(pings) != 0 {
		t.Fatalf("pings=%d while traffic flowed, want 0", len(pings))
	}
	h.advance(20 * time.Second)
	if pings := h.tr().envelopes(t, protocol.TypePing); len(pings) != 1 {
		t.Fatalf("pings=%d after an idle interval, want 1", len(pings))
	}
	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v, want %v", st, StateConnected)
	}
}

func TestPeerSilenceTriggersRecovery(t *testing.T) {
	h := newHarness(t)
	h.establish()

	h.advance(DefaultKeepaliveInterval)
	h.receive(protocol.NewPing())
	h.advance(DefaultKeepaliveInterval)
	if st := h.sync(); st != StateConnected {
		t.Fatalf("state=%v with recent traffic, want %v", st, StateConnected)
	}

	h.advance(DefaultLivenessGrace)
	if st := h.sync(); st != StateReconnecting {
		t.Fatalf("state=%v, want %v", st, StateReconnecting)
	}
	if got := h.tr().lastCall(); got != "offer:restart" {
		t.Fatalf("last call=%q, want offer:restart", got)
	}
	if !hasError(h.drain(), ErrLiveness) {
		t.Fatalf("missing liveness error event")
	}
	if n := h.metrics.Get(metrics.LivenessFailures); n != 1 {
		t.Fatalf("liveness failures=%d, want 1", n)
	}
}

func TestRetryResendsUnderNewID(t *testing.T) {
	h := newHarness(t)
	h.establish()

	h.tr().setRefuse(true)
	failed, _ := h.o.SendMessage("again")
	h.tr().setRefuse(false)

	retried, err := h.o.Retry(failed.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.ID == failed.ID || retried.Text != failed.Text || retried.Status != StatusSent {
		t.Fatalf("retried=%+v from %+v", retried, failed)
	}
	if _, err := h.o.Retry(failed.ID); !errors.Is(err, ErrUnknownMsg) {
		t.Fatalf("second Retry err=%v, want %v", err, ErrUnknownMsg)
	}
	if _, err := h.o.Retry(retried.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Retry of a sent message err=%v, want %v", err, ErrNotRetryable)
	}
}

func TestRetryableFailuresAreBounded(t *testing.T) {
	h := newHarness(t)
	h.establish()
	h.tr().setRefuse(true)

	var ids []string
	for i := 0; i <= maxRetryable; i++ {
		msg, err := h.o.SendMessage(fmt.Sprintf("lost %d", i))
		if err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
		h.drain()
	}
	h.tr().setRefuse(false)

	if _, err := h.o.Retry(ids[0]); !errors.Is(err, ErrUnknownMsg) {
		t.Fatalf("Retry of the oldest failure err=%v, want %v", err, ErrUnknownMsg)
	}
	if _, err := h.o.Retry(ids[1]); err != nil {
		t.Fatalf("Retry of a retained failure: %v", err)
	}
	if _, err := h.o.Retry(ids[len(ids)-1]); err != nil {
		t.Fatalf("Retry of the newest failure: %v", err)
	}
}

func TestConnectAndSendValidation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.o.SendMessage("early"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("SendMessage err=%v, want %v", err, ErrNoSession)
	}
	if err := h.o.Connect(ConnectionConfig{RelayAddress: "ws://relay.test/ws"}, RoleAuto); err == nil {
		t.Fatalf("Connect without a room succeeded")
	}
	if err := h.o.Connect(testConfig, Role(42)); err == nil {
		t.Fatalf("Connect with a bogus role succeeded")
	}

	h.connect(RoleInitiator)
	if err := h.o.Connect(testConfig, RoleInitiator); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Connect err=%v, want %v", err, ErrSessionActive)
	}
	if _, err := h.o.SendMessage("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank SendMessage err=%v, want %v", err, ErrEmptyMessage)
	}
	if sent := h.sig().cfg; sent != testConfig {
		t.Fatalf("signaling cfg=%+v, want %+v", sent, testConfig)
	}
}

func TestSignalingFactoryFailureEndsAttempt(t *testing.T) {
	h := newHarness(t)
	h.sigErr = errors.New("dial refused")

	err := h.o.Connect(testConfig, RoleInitiator)
	var sigErr *SignalingError
	if !errors.As(err, &sigErr) {
		t.Fatalf("Connect err=%v, want a signaling error", err)
	}
	if st := h.sync(); st != StateDisconnected {
		t.Fatalf("state=%v, want %v", st, StateDisconnected)
	}
}

func TestCloseStopsLoopAndClosesEvents(t *testing.T) {
	h := newHarness(t)
	h.establish()
	if err := h.o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-h.o.Events():
			if !ok {
				if err := h.o.Connect(testConfig, RoleInitiator); !errors.Is(err, ErrClosed) {
					t.Fatalf("Connect after Close err=%v, want %v", err, ErrClosed)
				}
				if !h.tr().isClosed() {
					t.Fatalf("transport left open after Close")
				}
				return
			}
		case <-deadline:
			t.Fatalf("events channel never closed")
		}
	}
}
