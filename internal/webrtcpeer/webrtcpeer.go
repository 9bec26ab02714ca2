// Package webrtcpeer adapts a pion PeerConnection and its "chat" data
// channel into the ordered event stream the chat orchestrator consumes.
package webrtcpeer

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// Settings tune the pion engine shared by every session built from one API.
type Settings struct {
	// ICEDisconnectedTimeout and ICEFailedTimeout control how quickly a
	// silent path is reported as Disconnected and then Failed. Zero keeps
	// pion's defaults.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	Logger *slog.Logger

	// Configure runs last and may override anything above. Tests use it to
	// attach a virtual network.
	Configure func(*webrtc.SettingEngine)
}

func NewAPI(s Settings) *webrtc.API {
	se := webrtc.SettingEngine{}
	ApplySettings(&se, s)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func ApplySettings(se *webrtc.SettingEngine, s Settings) {
	if s.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(s.Logger)
	}
	if s.ICEDisconnectedTimeout > 0 || s.ICEFailedTimeout > 0 || s.ICEKeepaliveInterval > 0 {
		disconnected := s.ICEDisconnectedTimeout
		if disconnected <= 0 {
			disconnected = 5 * time.Second
		}
		failed := s.ICEFailedTimeout
		if failed <= 0 {
			failed = 25 * time.Second
		}
		keepalive := s.ICEKeepaliveInterval
		if keepalive <= 0 {
			keepalive = 2 * time.Second
		}
		se.SetICETimeouts(disconnected, failed, keepalive)
	}
	if s.Configure != nil {
		s.Configure(se)
	}
}
