package chat

import (
	"errors"
	"fmt"
	"time"
)

type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateDisconnected ends one connection attempt; Connect may be called
	// again.
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
	// RoleAuto makes the first member of the room the initiator.
	RoleAuto
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	case RoleAuto:
		return "auto"
	default:
		return "unknown"
	}
}

func ParseRole(raw string) (Role, error) {
	switch raw {
	case "initiator":
		return RoleInitiator, nil
	case "responder":
		return RoleResponder, nil
	case "auto", "":
		return RoleAuto, nil
	default:
		return 0, fmt.Errorf("invalid role %q (expected initiator, responder or auto)", raw)
	}
}

type MessageStatus uint8

const (
	StatusSending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	SenderSelf = "self"
	SenderPeer = "peer"
)

type ChatMessage struct {
	ID        string
	SenderID  string
	Text      string
	CreatedAt time.Time
	Status    MessageStatus
}

// ConnectionConfig identifies one connection attempt.
type ConnectionConfig struct {
	RelayAddress string
	RoomCode     string
	DisplayName  string
	// Credential is presented to the relay when it requires one.
	Credential string
}

func (c ConnectionConfig) validate() error {
	if c.RelayAddress == "" {
		return errors.New("chat: missing relay address")
	}
	if c.RoomCode == "" {
		return errors.New("chat: missing room code")
	}
	return nil
}

type EventKind uint8

const (
	EventStateChanged EventKind = iota + 1
	EventMessage
	EventPeerTyping
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventMessage:
		return "message"
	case EventPeerTyping:
		return "peer_typing"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is published to the caller. Epoch identifies the session it
// belongs to; it increases with every Connect.
type Event struct {
	Kind       EventKind
	Epoch      uint64
	State      State
	Message    ChatMessage
	PeerTyping bool
	Err        error
}

var (
	ErrClosed        = errors.New("chat: orchestrator closed")
	ErrNoSession     = errors.New("chat: no active session")
	ErrSessionActive = errors.New("chat: session already active")
	ErrUnknownMsg    = errors.New("chat: unknown message id")
	ErrNotRetryable  = errors.New("chat: message has not failed")
	ErrEmptyMessage  = errors.New("chat: empty message")

	// ErrTransportSend marks a message the transport refused to carry.
	ErrTransportSend = errors.New("chat: transport send failed")
	// ErrAckTimeout marks a sent message whose ack never arrived.
	ErrAckTimeout = errors.New("chat: ack timeout")
	// ErrLiveness reports inbound silence past the keepalive window.
	ErrLiveness = errors.New("chat: peer liveness lost")
	// ErrRecoveryFailed ends an attempt whose recovery ran out of options.
	ErrRecoveryFailed = errors.New("chat: reconnection failed")
)

// SignalingError covers relay failures: unreachable relay, full room,
// malformed envelopes. A fresh Connect is needed to get past one.
type SignalingError struct {
	Err error
}

func (e *SignalingError) Error() string { return "chat: signaling: " + e.Err.Error() }
func (e *SignalingError) Unwrap() error { return e.Err }

// NegotiationError covers offer, answer and description failures. These
// are retried through the reconnection path.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string { return "chat: negotiation: " + e.Err.Error() }
func (e *NegotiationError) Unwrap() error { return e.Err }
