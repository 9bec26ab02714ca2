package chat

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/ferd36/maths-chat/internal/signaling"
	"github.com/ferd36/maths-chat/internal/webrtcpeer"
)

// RelaySignaling returns a factory that dials the relay with base settings,
// taking the address, room and credential from each ConnectionConfig.
func RelaySignaling(base signaling.Config) SignalingFactory {
	return func(cfg ConnectionConfig, emit func(signaling.Event)) (Signaling, error) {
		c := base
		c.URL = cfg.RelayAddress
		c.Room = cfg.RoomCode
		if cfg.Credential != "" {
			c.Credential = cfg.Credential
		}
		return signaling.Open(context.Background(), c, emit), nil
	}
}

// PeerTransport returns a factory that builds pion sessions from api.
func PeerTransport(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) TransportFactory {
	return func(role webrtcpeer.Role, emit func(webrtcpeer.Event)) (Transport, error) {
		return webrtcpeer.NewSession(api, webrtcpeer.SessionConfig{
			Role:       role,
			ICEServers: iceServers,
			Logger:     logger,
		}, emit)
	}
}
