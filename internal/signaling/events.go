package signaling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ferd36/maths-chat/internal/protocol"
)

var (
	ErrNotConnected = errors.New("signaling: not connected")
	ErrClosed       = errors.New("signaling: client closed")
	ErrQueueFull    = errors.New("signaling: send queue full")
	ErrRoomFull     = errors.New("signaling: room full")
)

// RelayError is an error envelope sent by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("signaling: relay error: %s", e.Message)
}

func (e *RelayError) Is(target error) bool {
	return target == ErrRoomFull && strings.Contains(strings.ToLower(e.Message), "full")
}

type EventKind uint8

const (
	EventRoomReady EventKind = iota + 1
	EventPeerJoined
	EventPeerLeft
	EventPayloadReceived
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventRoomReady:
		return "room_ready"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventPayloadReceived:
		return "payload_received"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	// Peers is the room occupancy reported with RoomReady.
	Peers   int
	Payload protocol.SignalingPayload
	Err     error
}
