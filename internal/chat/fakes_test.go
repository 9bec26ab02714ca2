package chat

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ferd36/maths-chat/internal/clock"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/protocol"
	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

const testRoom = "euler-42"

var testConfig = ConnectionConfig{
	RelayAddress: "ws://relay.test/ws",
	RoomCode:     testRoom,
	DisplayName:  "ada",
}

type fakeSignaling struct {
	emit func(signaling.Event)

	mu     sync.Mutex
	cfg    ConnectionConfig
	sent   []protocol.SignalingEnvelope
	closed bool
}

func (f *fakeSignaling) Send(env protocol.SignalingEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signaling.ErrClosed
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSignaling) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSignaling) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSignaling) relayed() []protocol.SignalingPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.SignalingPayload
	for _, env := range f.sent {
		if env.Action == protocol.ActionRelay && env.Payload != nil {
			out = append(out, *env.Payload)
		}
	}
	return out
}

type fakeTransport struct {
	role webrtcpeer.Role
	emit func(webrtcpeer.Event)

	mu     sync.Mutex
	calls  []string
	frames [][]byte
	refuse bool
	closed bool
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) CreateOffer(iceRestart bool) {
	if iceRestart {
		f.record("offer:restart")
		return
	}
	f.record("offer")
}

func (f *fakeTransport) CreateAnswer() { f.record("answer") }

func (f *fakeTransport) ApplyRemoteDescription(p protocol.SignalingPayload) {
	f.record("apply:" + string(p.Kind))
}

func (f *fakeTransport) AddRemoteCandidate(p protocol.SignalingPayload) {
	f.record("candidate:" + p.Candidate)
}

func (f *fakeTransport) Send(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse || f.closed {
		return false
	}
	f.frames = append(f.frames, append([]byte(nil), b...))
	return true
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) lastCall() string {
	calls := f.callLog()
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

// envelopes decodes every frame written so far, optionally keeping only
// one type.
func (f *fakeTransport) envelopes(t *testing.T, only protocol.EnvelopeType) []protocol.WireEnvelope {
	t.Helper()
	f.mu.Lock()
	frames := append([][]byte(nil), f.frames...)
	f.mu.Unlock()

	var out []protocol.WireEnvelope
	for _, b := range frames {
		env, err := protocol.ParseWireEnvelope(b)
		if err != nil {
			t.Fatalf("transport carried an undecodable frame %q: %v", b, err)
		}
		if only == "" || env.Type == only {
			out = append(out, env)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	o       *Orchestrator
	clk     *clock.FakeClock
	metrics *metrics.Metrics

	mu      sync.Mutex
	sigs    []*fakeSignaling
	trs     []*fakeTransport
	sigErr  error
	nextID  int
	history []Event
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clk:     clock.Fake(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)),
		metrics: metrics.New("chat_test"),
	}
	opts := Options{
		Signaling: func(cfg ConnectionConfig, emit func(signaling.Event)) (Signaling, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.sigErr != nil {
				return nil, h.sigErr
			}
			f := &fakeSignaling{cfg: cfg, emit: emit}
			h.sigs = append(h.sigs, f)
			return f, nil
		},
		Transport: func(role webrtcpeer.Role, emit func(webrtcpeer.Event)) (Transport, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			f := &fakeTransport{role: role, emit: emit}
			h.trs = append(h.trs, f)
			return f, nil
		},
		Clock:   h.clk,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.metrics,
		NewID: func() string {
			h.nextID++
			return fmt.Sprintf("m%d", h.nextID)
		},
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	t.Cleanup(func() { _ = o.Close() })
	return h
}

func (h *harness) sig() *fakeSignaling {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sigs) == 0 {
		h.t.Fatalf("no signaling connection was opened")
	}
	return h.sigs[len(h.sigs)-1]
}

func (h *harness) tr() *fakeTransport {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.trs) == 0 {
		h.t.Fatalf("no transport was created")
	}
	return h.trs[len(h.trs)-1]
}

func (h *harness) counts() (sigs, trs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sigs), len(h.trs)
}

// sync waits until the loop has handled everything posted so far and
// returns the state at that point.
func (h *harness) sync() State { return h.o.State() }

// drain collects the events published so far. Call it after sync.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.o.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			h.history = append(h.history, ev)
		default:
			return out
		}
	}
}

func (h *harness) signal(ev signaling.Event) {
	h.sig().emit(ev)
	h.sync()
}

func (h *harness) transport(ev webrtcpeer.Event) {
	h.tr().emit(ev)
	h.sync()
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.sync()
}

func (h *harness) receive(env protocol.WireEnvelope) {
	h.t.Helper()
	b, err := env.Marshal()
	if err != nil {
		h.t.Fatalf("marshal %s: %v", env.Type, err)
	}
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventMessageReceived, Data: b})
}

func (h *harness) connect(role Role) {
	h.t.Helper()
	if err := h.o.Connect(testConfig, role); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
}

// establish connects as initiator and runs a full offer/answer cycle.
func (h *harness) establish() {
	h.t.Helper()
	h.connect(RoleInitiator)
	h.negotiate()
	h.drain()
}

func (h *harness) negotiate() {
	h.t.Helper()
	h.signal(signaling.Event{Kind: signaling.EventRoomReady, Peers: 2})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventLocalDescriptionReady, Payload: offerPayload})
	h.signal(signaling.Event{Kind: signaling.EventPayloadReceived, Payload: answerPayload})
	h.transport(webrtcpeer.Event{Kind: webrtcpeer.EventRemoteDescriptionApplied, Payload: protocol.SignalingPayload{Kind: protocol.KindAnswer}})
	h.transport(transportState(webrtcpeer.StateConnected))
	if st := h.sync(); st != StateConnected {
		h.t.Fatalf("state=%v, want %v", st, StateConnected)
	}
}

var (
	offerPayload  = protocol.SignalingPayload{Kind: protocol.KindOffer, SDP: "v=0 offer"}
	answerPayload = protocol.SignalingPayload{Kind: protocol.KindAnswer, SDP: "v=0 answer"}
)

func candidate(c string) protocol.SignalingPayload {
	idx := uint16(0)
	mid := "0"
	return protocol.SignalingPayload{Kind: protocol.KindCandidate, Candidate: c, SDPMLineIndex: &idx, SDPMid: &mid}
}

func transportState(st webrtcpeer.State) webrtcpeer.Event {
	return webrtcpeer.Event{Kind: webrtcpeer.EventStateChanged, State: st}
}

func states(events []Event) []State {
	var out []State
	for _, ev := range events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func messages(events []Event) []ChatMessage {
	var out []ChatMessage
	for _, ev := range events {
		if ev.Kind == EventMessage {
			out = append(out, ev.Message)
		}
	}
	return out
}

func errorsOf(events []Event) []error {
	var out []error
	for _, ev := range events {
		if ev.Kind == EventError {
			out = append(out, ev.Err)
		}
	}
	return out
}

func hasError(events []Event, target error) bool {
	for _, err := range errorsOf(events) {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
