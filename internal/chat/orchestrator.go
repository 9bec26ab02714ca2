package chat

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/ferd36/maths-chat/internal/clock"
	"github.com/ferd36/maths-chat/internal/metrics"
	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

// Orchestrator owns at most one live session at a time.
type Orchestrator struct {
	opts    Options
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbox     chan any
	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop goroutine.
	state    State
	epoch    uint64
	sess     *session
	timerSeq uint64
	failed   map[string]ChatMessage

	// failedOrder holds the ids in failed, oldest first.
	failedOrder []string
}

type command struct {
	run   func()
	reply chan struct{}
}

type signalingEvent struct {
	epoch, gen uint64
	ev         signaling.Event
}

type transportEvent struct {
	epoch, gen uint64
	ev         webrtcpeer.Event
}

type timerFired struct {
	epoch uint64
	key   timerKey
	seq   uint64
}

// New starts the orchestrator loop. Close releases it.
func New(opts Options) (*Orchestrator, error) {
	if opts.Signaling == nil {
		return nil, errors.New("chat: missing signaling factory")
	}
	if opts.Transport == nil {
		return nil, errors.New("chat: missing transport factory")
	}
	opts = opts.withDefaults()

	o := &Orchestrator{
		opts:    opts,
		clk:     opts.Clock,
		logger:  opts.Logger.With("component", "chat"),
		metrics: opts.Metrics,
		inbox:   make(chan any, inboxSize),
		events:  make(chan Event, opts.EventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateIdle,
		failed:  make(map[string]ChatMessage),
	}
	go o.loop()
	return o, nil
}

// Events delivers state changes, message updates, peer typing changes and
// errors. It is closed after Close. The loop blocks when the buffer is
// full, so callers must keep reading.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Connect starts a session. It is allowed from Idle and after an attempt
// ended (Disconnected or Closed).
func (o *Orchestrator) Connect(cfg ConnectionConfig, role Role) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	switch role {
	case RoleInitiator, RoleResponder, RoleAuto:
	default:
		return errors.New("chat: invalid role")
	}
	var err error
	if derr := o.do(func() { err = o.connect(cfg, role) }); derr != nil {
		return derr
	}
	return err
}

// Disconnect ends the session from any state and leaves the orchestrator
// Closed. Calling it again has no further effect.
func (o *Orchestrator) Disconnect() error {
	return o.do(o.disconnect)
}

// SendMessage sends text to the peer, or queues it until the connection is
// up. The returned message carries the id used for its ack.
func (o *Orchestrator) SendMessage(text string) (ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return ChatMessage{}, ErrEmptyMessage
	}
	var (
		msg ChatMessage
		err error
	)
	if derr := o.do(func() { msg, err = o.sendMessage(text) }); derr != nil {
		return ChatMessage{}, derr
	}
	return msg, err
}

// Retry re-sends the text of a failed message under a new id.
func (o *Orchestrator) Retry(id string) (ChatMessage, error) {
	var (
		msg ChatMessage
		err error
	)
	if derr := o.do(func() { msg, err = o.retry(id) }); derr != nil {
		return ChatMessage{}, derr
	}
	return msg, err
}

// NotifyTyping records local input activity.
func (o *Orchestrator) NotifyTyping() error {
	return o.do(o.notifyTyping)
}

func (o *Orchestrator) State() State {
	st := StateClosed
	_ = o.do(func() { st = o.state })
	return st
}

// PeerTyping reports whether the peer is currently shown as typing.
func (o *Orchestrator) PeerTyping() bool {
	typing := false
	_ = o.do(func() {
		if o.sess != nil {
			typing = o.sess.remoteTyping
		}
	})
	return typing
}

// Close disconnects and stops the loop. Events is closed once it returns.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		close(o.quit)
		<-o.done
	})
	return nil
}

func (o *Orchestrator) do(fn func()) error {
	reply := make(chan struct{})
	select {
	case o.inbox <- command{run: fn, reply: reply}:
	case <-o.done:
		return ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

func (o *Orchestrator) post(item any) {
	select {
	case o.inbox <- item:
	case <-o.done:
	}
}

func (o *Orchestrator) loop() {
	defer close(o.done)
	defer close(o.events)

	for {
		select {
		case item := <-o.inbox:
			o.dispatch(item)
		case <-o.quit:
			if o.sess != nil {
				o.endSession(o.sess)
			}
			o.state = StateClosed
			return
		}
	}
}

func (o *Orchestrator) dispatch(item any) {
	switch it := item.(type) {
	case command:
		it.run()
		close(it.reply)
	case signalingEvent:
		s := o.sess
		if s == nil || s.epoch != it.epoch || s.sigGen != it.gen {
			return
		}
		o.handleSignaling(s, it.ev)
	case transportEvent:
		s := o.sess
		if s == nil || s.epoch != it.epoch || s.trGen != it.gen {
			return
		}
		o.handleTransport(s, it.ev)
	case timerFired:
		s := o.sess
		if s == nil || s.epoch != it.epoch {
			return
		}
		armed, ok := s.timers[it.key]
		if !ok || armed.seq != it.seq {
			return
		}
		delete(s.timers, it.key)
		o.handleTimer(s, it.key)
	}
}

func (o *Orchestrator) publish(ev Event) {
	select {
	case o.events <- ev:
	case <-o.quit:
	}
}

func (o *Orchestrator) setState(st State) {
	if o.state == st {
		return
	}
	o.logger.Info("connection state changed", "from", o.state.String(), "to", st.String(), "epoch", o.epoch)
	o.state = st
	o.publish(Event{Kind: EventStateChanged, Epoch: o.epoch, State: st})
}

func (o *Orchestrator) publishError(err error) {
	o.publish(Event{Kind: EventError, Epoch: o.epoch, Err: err})
}

func (o *Orchestrator) publishMessage(m ChatMessage) {
	o.publish(Event{Kind: EventMessage, Epoch: o.epoch, Message: m})
}

func (o *Orchestrator) connect(cfg ConnectionConfig, role Role) error {
	switch o.state {
	case StateConnecting, StateConnected, StateReconnecting:
		return ErrSessionActive
	}

	o.epoch++
	s := newSession(o.epoch, cfg, role, o.logger)
	o.sess = s
	o.setState(StateConnecting)

	if err := o.openSignaling(s); err != nil {
		o.endSession(s)
		o.setState(StateDisconnected)
		return err
	}
	if role != RoleAuto {
		s.resolveRole(role)
		if err := o.openTransport(s); err != nil {
			o.endSession(s)
			o.setState(StateDisconnected)
			return err
		}
	}
	return nil
}

func (o *Orchestrator) disconnect() {
	if o.sess != nil {
		o.endSession(o.sess)
	}
	o.setState(StateClosed)
}

// endSession releases everything the session holds. Messages still waiting
// to go out or waiting for an ack are reported as failed.
func (o *Orchestrator) endSession(s *session) {
	s.stopTimers()
	if s.sig != nil {
		_ = s.sig.Close()
		s.sig = nil
	}
	if s.tr != nil {
		_ = s.tr.Close()
		s.tr = nil
	}
	s.candidates = nil

	for _, m := range s.outbox {
		o.failMessage(m, ErrTransportSend)
	}
	s.outbox = nil
	for _, p := range s.awaiting {
		o.failMessage(p.msg, ErrAckTimeout)
	}
	s.awaiting = make(map[string]*pendingAck)

	if s.remoteTyping {
		s.remoteTyping = false
		o.publish(Event{Kind: EventPeerTyping, Epoch: s.epoch, PeerTyping: false})
	}
	if o.sess == s {
		o.sess = nil
	}
}

func (o *Orchestrator) openSignaling(s *session) error {
	s.sigGen++
	epoch, gen := s.epoch, s.sigGen
	sig, err := o.opts.Signaling(s.cfg, func(ev signaling.Event) {
		o.post(signalingEvent{epoch: epoch, gen: gen, ev: ev})
	})
	if err != nil {
		return &SignalingError{Err: err}
	}
	s.sig = sig
	return nil
}

func (o *Orchestrator) openTransport(s *session) error {
	s.trGen++
	s.remoteApplied = false
	s.candidates = nil
	s.negotiated = false

	epoch, gen := s.epoch, s.trGen
	tr, err := o.opts.Transport(s.role, func(ev webrtcpeer.Event) {
		o.post(transportEvent{epoch: epoch, gen: gen, ev: ev})
	})
	if err != nil {
		return &NegotiationError{Err: err}
	}
	s.tr = tr
	return nil
}

func (o *Orchestrator) closeTransport(s *session) {
	if s.tr != nil {
		_ = s.tr.Close()
		s.tr = nil
	}
}
