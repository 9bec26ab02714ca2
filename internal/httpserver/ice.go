package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ferd36/maths-chat/internal/auth"
	"github.com/ferd36/maths-chat/internal/config"
)

// ICEResponse is the body of GET /ice.
type ICEResponse struct {
	ICEServers []config.ICEServerJSON `json:"iceServers"`
	Realm      string                 `json:"realm,omitempty"`
	ExpiresAt  *time.Time             `json:"expiresAt,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
		if err == nil {
			_, err = s.verifier.Verify(cred)
		}
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, auth.ErrMissingCredentials) {
				status = http.StatusForbidden
			}
			WriteJSON(w, status, map[string]any{"error": err.Error()})
			return
		}
	}

	resp := ICEResponse{ICEServers: config.ICEServersToJSON(s.cfg.ICEServers)}
	if s.turn != nil && config.HasTURN(s.cfg.ICEServers) {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			s.log.Error("minting TURN credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		servers := withTURNRESTCredentials(s.cfg.ICEServers, creds.Username, creds.Credential)
		resp.ICEServers = config.ICEServersToJSON(servers)
		resp.Realm = s.cfg.TURNREST.Realm
		resp.ExpiresAt = &creds.Expires
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.ServerHasTURN(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
