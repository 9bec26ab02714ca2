package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Action string

const (
	ActionJoin       Action = "join"
	ActionJoined     Action = "joined"
	ActionPeerJoined Action = "peer_joined"
	ActionPeerLeft   Action = "peer_left"
	ActionRelay      Action = "relay"
	ActionRelayed    Action = "relayed"
	ActionLeave      Action = "leave"
	ActionError      Action = "error"
)

// Known reports whether a is an action this version understands.
func (a Action) Known() bool {
	switch a {
	case ActionJoin, ActionJoined, ActionPeerJoined, ActionPeerLeft,
		ActionRelay, ActionRelayed, ActionLeave, ActionError:
		return true
	}
	return false
}

// Error strings the relay sends in error envelopes.
const (
	ErrorMissingRoom    = "Missing room"
	ErrorRoomFull       = "Room is full (max 2 peers)"
	ErrorNotInRoom      = "Not in a room"
	ErrorMissingPayload = "Missing payload"
	ErrorMalformed      = "Malformed message"
	ErrorRateLimited    = "Rate limited"
	ErrorUnauthorized   = "Unauthorized"
	ErrorRoomForbidden  = "Not allowed in this room"
	ErrorJoinFailed     = "Join failed"
)

type PayloadKind string

const (
	KindOffer     PayloadKind = "offer"
	KindAnswer    PayloadKind = "answer"
	KindCandidate PayloadKind = "candidate"
)

// SignalingPayload is the connection-setup metadata carried through the
// relay. It never carries chat content.
type SignalingPayload struct {
	Kind          PayloadKind `json:"kind"`
	SDP           string      `json:"sdp,omitempty"`
	Candidate     string      `json:"candidate,omitempty"`
	SDPMLineIndex *uint16     `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string     `json:"sdpMid,omitempty"`
}

func (p SignalingPayload) IsDescription() bool {
	return p.Kind == KindOffer || p.Kind == KindAnswer
}

func (p SignalingPayload) validate() error {
	switch p.Kind {
	case KindOffer, KindAnswer:
		if p.SDP == "" {
			return fmt.Errorf("%s payload missing sdp", p.Kind)
		}
		if p.Candidate != "" {
			return fmt.Errorf("%s payload has unexpected candidate", p.Kind)
		}
	case KindCandidate:
		if p.Candidate == "" {
			return errors.New("candidate payload missing candidate")
		}
		if p.SDP != "" {
			return errors.New("candidate payload has unexpected sdp")
		}
	default:
		return fmt.Errorf("unsupported payload kind %q", p.Kind)
	}
	return nil
}

// SignalingEnvelope is one relay frame. Action selects which of the other
// fields are meaningful.
type SignalingEnvelope struct {
	Action  Action            `json:"action"`
	Room    string            `json:"room,omitempty"`
	Peers   int               `json:"peers,omitempty"`
	Payload *SignalingPayload `json:"payload,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func Join(room string) SignalingEnvelope { return SignalingEnvelope{Action: ActionJoin, Room: room} }

func Leave(room string) SignalingEnvelope { return SignalingEnvelope{Action: ActionLeave, Room: room} }

func Relay(room string, p SignalingPayload) SignalingEnvelope {
	return SignalingEnvelope{Action: ActionRelay, Room: room, Payload: &p}
}

func ErrorEnvelope(msg string) SignalingEnvelope {
	return SignalingEnvelope{Action: ActionError, Error: msg}
}

func (e SignalingEnvelope) Marshal() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func (e SignalingEnvelope) validate() error {
	switch e.Action {
	case ActionJoin, ActionLeave, ActionPeerJoined, ActionPeerLeft:
	case ActionJoined:
		if e.Peers < 1 {
			return fmt.Errorf("joined envelope has peers=%d", e.Peers)
		}
	case ActionRelay, ActionRelayed:
		if e.Payload == nil {
			return fmt.Errorf("%s envelope missing payload", e.Action)
		}
		if err := e.Payload.validate(); err != nil {
			return err
		}
	case ActionError:
		if e.Error == "" {
			return errors.New("error envelope missing error")
		}
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	return nil
}

// ParseSignalingEnvelope decodes a frame received from the relay. Frames
// must be a single JSON object, and known actions must carry valid fields.
// An unknown action is returned as is so the receiver can drop it.
func ParseSignalingEnvelope(data []byte) (SignalingEnvelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var env SignalingEnvelope
	if err := dec.Decode(&env); err != nil {
		return SignalingEnvelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalingEnvelope{}, errors.New("unexpected trailing data")
	}
	if !env.Action.Known() {
		return env, nil
	}
	if err := env.validate(); err != nil {
		return SignalingEnvelope{}, err
	}
	return env, nil
}

// ParseClientFrame decodes a frame sent by a client to the relay. Only the
// action and room are interpreted; the payload is kept raw so the relay
// forwards it without inspecting it.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var f ClientFrame
	if err := dec.Decode(&f); err != nil {
		return ClientFrame{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientFrame{}, errors.New("unexpected trailing data")
	}
	return f, nil
}

// ClientFrame is the relay's view of an inbound client frame.
type ClientFrame struct {
	Action  Action          `json:"action"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HasPayload reports whether the frame carries a non-empty payload. JSON
// null, false, empty strings and empty containers count as missing.
func (f ClientFrame) HasPayload() bool {
	switch string(bytes.TrimSpace(f.Payload)) {
	case "", "null", "false", `""`, "{}", "[]", "0":
		return false
	default:
		return true
	}
}

// RelayedFrame builds the frame forwarded to the other room member.
type RelayedFrame struct {
	Action  Action          `json:"action"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}
