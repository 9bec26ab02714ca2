package relay

import "errors"

var (
	ErrRoomFull     = errors.New("relay: room full")
	ErrBrokerClosed = errors.New("relay: broker closed")
)
