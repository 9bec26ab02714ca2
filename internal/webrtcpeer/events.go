package webrtcpeer

import (
	"github.com/ferd36/maths-chat/internal/protocol"
)

type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// State is the coarse transport state reported upward. Connected is only
// reported once the peer connection is connected and the chat channel is
// open.
type State uint8

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind uint8

const (
	EventLocalDescriptionReady EventKind = iota + 1
	EventLocalCandidateReady
	EventRemoteDescriptionApplied
	EventNegotiationFailed
	EventMessageReceived
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventLocalDescriptionReady:
		return "local_description_ready"
	case EventLocalCandidateReady:
		return "local_candidate_ready"
	case EventRemoteDescriptionApplied:
		return "remote_description_applied"
	case EventNegotiationFailed:
		return "negotiation_failed"
	case EventMessageReceived:
		return "message_received"
	case EventStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Payload is set for description and
// candidate events (for RemoteDescriptionApplied it names the kind that was
// applied), Data for received messages, State for state changes and Err
// for negotiation failures.
type Event struct {
	Kind    EventKind
	Payload protocol.SignalingPayload
	Data    []byte
	State   State
	Err     error
}
