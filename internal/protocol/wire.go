package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EnvelopeType string

const (
	TypeMessage EnvelopeType = "message"
	TypeAck     EnvelopeType = "ack"
	TypeTyping  EnvelopeType = "typing"
	TypePing    EnvelopeType = "ping"
)

// ErrUnknownEnvelope is returned for data-channel envelopes of a type this
// version does not know. Receivers drop them.
var ErrUnknownEnvelope = errors.New("protocol: unknown envelope type")

// WireEnvelope is one data-channel frame. Exactly one variant is populated,
// selected by Type.
type WireEnvelope struct {
	Type EnvelopeType

	Message *MessageBody
	Ack     *AckBody
	Typing  *TypingBody
}

type MessageBody struct {
	ID        string
	Text      string
	Timestamp time.Time
}

type AckBody struct {
	ID string
}

type TypingBody struct {
	IsTyping bool
}

func NewMessage(id, text string, at time.Time) WireEnvelope {
	return WireEnvelope{Type: TypeMessage, Message: &MessageBody{ID: id, Text: text, Timestamp: at}}
}

func NewAck(id string) WireEnvelope {
	return WireEnvelope{Type: TypeAck, Ack: &AckBody{ID: id}}
}

func NewTyping(active bool) WireEnvelope {
	return WireEnvelope{Type: TypeTyping, Typing: &TypingBody{IsTyping: active}}
}

func NewPing() WireEnvelope { return WireEnvelope{Type: TypePing} }

// wireFrame is the flat JSON shape on the data channel. Timestamps travel
// as Unix milliseconds.
type wireFrame struct {
	Type      EnvelopeType `json:"type"`
	ID        string       `json:"id,omitempty"`
	Text      string       `json:"text,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	IsTyping  *bool        `json:"isTyping,omitempty"`
}

func (e WireEnvelope) Marshal() ([]byte, error) {
	f := wireFrame{Type: e.Type}
	switch e.Type {
	case TypeMessage:
		if e.Message == nil || e.Message.ID == "" {
			return nil, errors.New("protocol: message envelope missing id")
		}
		f.ID = e.Message.ID
		f.Text = e.Message.Text
		f.Timestamp = e.Message.Timestamp.UnixMilli()
	case TypeAck:
		if e.Ack == nil || e.Ack.ID == "" {
			return nil, errors.New("protocol: ack envelope missing id")
		}
		f.ID = e.Ack.ID
	case TypeTyping:
		if e.Typing == nil {
			return nil, errors.New("protocol: typing envelope missing state")
		}
		active := e.Typing.IsTyping
		f.IsTyping = &active
	case TypePing:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, e.Type)
	}
	return json.Marshal(f)
}

// ParseWireEnvelope decodes a data-channel frame. Unknown fields are
// tolerated so newer peers can extend known variants; unknown types yield
// ErrUnknownEnvelope.
func ParseWireEnvelope(data []byte) (WireEnvelope, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return WireEnvelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	switch f.Type {
	case TypeMessage:
		if f.ID == "" {
			return WireEnvelope{}, errors.New("protocol: message envelope missing id")
		}
		return NewMessage(f.ID, f.Text, time.UnixMilli(f.Timestamp)), nil
	case TypeAck:
		if f.ID == "" {
			return WireEnvelope{}, errors.New("protocol: ack envelope missing id")
		}
		return NewAck(f.ID), nil
	case TypeTyping:
		return NewTyping(f.IsTyping != nil && *f.IsTyping), nil
	case TypePing:
		return NewPing(), nil
	default:
		return WireEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownEnvelope, f.Type)
	}
}
