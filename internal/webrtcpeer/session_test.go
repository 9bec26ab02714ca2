package webrtcpeer_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVNetAPIs(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	return newVNetAPI(netA), newVNetAPI(netB)
}

func newVNetAPI(n *vnet.Net) *webrtc.API {
	return webrtcpeer.NewAPI(webrtcpeer.Settings{
		Logger:    quietLogger(),
		Configure: func(se *webrtc.SettingEngine) { se.SetNet(n) },
	})
}

type endpoint struct {
	s        *webrtcpeer.Session
	raw      chan webrtcpeer.Event
	states   chan webrtcpeer.State
	messages chan []byte
	failures chan error

	applied bool
	pending []protocol.SignalingPayload
}

func newEndpoint(t *testing.T, api *webrtc.API, role webrtcpeer.Role) *endpoint {
	t.Helper()
	ep := &endpoint{
		raw:      make(chan webrtcpeer.Event, 256),
		states:   make(chan webrtcpeer.State, 16),
		messages: make(chan []byte, 16),
		failures: make(chan error, 4),
	}
	s, err := webrtcpeer.NewSession(api, webrtcpeer.SessionConfig{Role: role, Logger: quietLogger()}, func(ev webrtcpeer.Event) {
		ep.raw <- ev
	})
	if err != nil {
		t.Fatalf("NewSession(%s): %v", role, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ep.s = s
	return ep
}

// link relays setup events between two endpoints the way the orchestrator
// does: candidates are only handed to a side once it has applied a remote
// description.
func link(t *testing.T, a, b *endpoint) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	handle := func(from, to *endpoint, ev webrtcpeer.Event) {
		switch ev.Kind {
		case webrtcpeer.EventLocalDescriptionReady:
			to.s.ApplyRemoteDescription(ev.Payload)
		case webrtcpeer.EventLocalCandidateReady:
			if to.applied {
				to.s.AddRemoteCandidate(ev.Payload)
			} else {
				to.pending = append(to.pending, ev.Payload)
			}
		case webrtcpeer.EventRemoteDescriptionApplied:
			from.applied = true
			for _, c := range from.pending {
				from.s.AddRemoteCandidate(c)
			}
			from.pending = nil
			if ev.Payload.Kind == protocol.KindOffer {
				from.s.CreateAnswer()
			}
		case webrtcpeer.EventStateChanged:
			from.states <- ev.State
		case webrtcpeer.EventMessageReceived:
			from.messages <- ev.Data
		case webrtcpeer.EventNegotiationFailed:
			from.failures <- ev.Err
		}
	}

	go func() {
		for {
			select {
			case ev := <-a.raw:
				handle(a, b, ev)
			case ev := <-b.raw:
				handle(b, a, ev)
			case <-done:
				return
			}
		}
	}()
}

func waitState(t *testing.T, ep *endpoint, want webrtcpeer.State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case got := <-ep.states:
			if got == want {
				return
			}
		case err := <-ep.failures:
			t.Fatalf("negotiation failed while waiting for %s: %v", want, err)
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitMessage(t *testing.T, ep *endpoint) []byte {
	t.Helper()
	select {
	case msg := <-ep.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func TestSessionPairConnectsAndExchangesMessages(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	a := newEndpoint(t, apiA, webrtcpeer.RoleInitiator)
	b := newEndpoint(t, apiB, webrtcpeer.RoleResponder)

	if a.s.Send([]byte(`{"type":"ping"}`)) {
		t.Fatalf("Send before connect returned true")
	}

	link(t, a, b)
	a.s.CreateOffer(false)

	waitState(t, a, webrtcpeer.StateConnected)
	waitState(t, b, webrtcpeer.StateConnected)

	if !a.s.Send([]byte(`{"type":"ping"}`)) {
		t.Fatalf("initiator Send returned false while connected")
	}
	if got := string(waitMessage(t, b)); got != `{"type":"ping"}` {
		t.Fatalf("responder got %q", got)
	}
	if !b.s.Send([]byte(`{"type":"ack","id":"x"}`)) {
		t.Fatalf("responder Send returned false while connected")
	}
	if got := string(waitMessage(t, a)); got != `{"type":"ack","id":"x"}` {
		t.Fatalf("initiator got %q", got)
	}
}

func TestSessionICERestartKeepsChannel(t *testing.T) {
	apiA, apiB := newVNetAPIs(t)
	a := newEndpoint(t, apiA, webrtcpeer.RoleInitiator)
	b := newEndpoint(t, apiB, webrtcpeer.RoleResponder)
	link(t, a, b)

	a.s.CreateOffer(false)
	waitState(t, a, webrtcpeer.StateConnected)
	waitState(t, b, webrtcpeer.StateConnected)

	a.s.CreateOffer(true)

	// The restart must not tear the channel down; traffic keeps flowing.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if a.s.Send([]byte("after-restart")) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel never usable after ice restart")
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := string(waitMessage(t, b)); got != "after-restart" {
		t.Fatalf("responder got %q", got)
	}
	select {
	case err := <-a.failures:
		t.Fatalf("ice restart failed: %v", err)
	default:
	}
}

func TestSessionCloseIsIdempotentAndSilencesSend(t *testing.T) {
	s, err := webrtcpeer.NewSession(nil, webrtcpeer.SessionConfig{Role: webrtcpeer.RoleInitiator, Logger: quietLogger()}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.Send([]byte("late")) {
		t.Fatalf("Send after Close returned true")
	}
	// Calls after close are dropped rather than blocking.
	s.CreateOffer(false)
	s.AddRemoteCandidate(protocol.SignalingPayload{Kind: protocol.KindCandidate, Candidate: "candidate:0 1 udp 1 10.0.0.9 9 typ host"})
}

func TestSessionApplyGarbageDescriptionFails(t *testing.T) {
	events := make(chan webrtcpeer.Event, 8)
	s, err := webrtcpeer.NewSession(nil, webrtcpeer.SessionConfig{Role: webrtcpeer.RoleResponder, Logger: quietLogger()}, func(ev webrtcpeer.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.ApplyRemoteDescription(protocol.SignalingPayload{Kind: protocol.KindOffer, SDP: "not an sdp"})
	select {
	case ev := <-events:
		if ev.Kind != webrtcpeer.EventNegotiationFailed || ev.Err == nil {
			t.Fatalf("event=%s err=%v, want negotiation_failed", ev.Kind, ev.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for negotiation failure")
	}
}

func TestNewSessionRejectsUnknownRole(t *testing.T) {
	if _, err := webrtcpeer.NewSession(nil, webrtcpeer.SessionConfig{}, nil); err == nil {
		t.Fatalf("expected error for zero role")
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[webrtcpeer.State]string{
		webrtcpeer.StateConnected:    "connected",
		webrtcpeer.StateDisconnected: "disconnected",
		webrtcpeer.StateFailed:       "failed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String()=%q, want %q", s, got, want)
		}
	}
}
