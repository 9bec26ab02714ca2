package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	EnvICEServersJSON = "MATHSCHAT_ICE_SERVERS_JSON"
	EnvStunURLs       = "MATHSCHAT_STUN_URLS"
	EnvTurnURLs       = "MATHSCHAT_TURN_URLS"
	EnvTurnUsername   = "MATHSCHAT_TURN_USERNAME"
	EnvTurnCredential = "MATHSCHAT_TURN_CREDENTIAL"
)

// DefaultSTUNURL is used when no ICE servers are configured at all.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

// iceSettings is the raw ICE input shared by the client and relay configs.
type iceSettings struct {
	JSON           string
	StunURLs       string
	TurnURLs       string
	TurnUsername   string
	TurnCredential string
}

func (s iceSettings) parse(allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(s.StunURLs, s.TurnURLs, s.TurnUsername, s.TurnCredential, allowTURNWithoutCreds)
}

// ICEServerJSON is the browser RTCIceServer shape. It is what /ice serves
// and what MATHSCHAT_ICE_SERVERS_JSON holds.
type ICEServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer objects. TURN
// entries may omit credentials only when allowTURNWithoutCreds is set
// (the relay mints them per request).
func ParseICEServersJSON(raw string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	var servers []ICEServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}
	return ICEServersFromJSON(servers, allowTURNWithoutCreds)
}

func ICEServersFromJSON(servers []ICEServerJSON, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		pc := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(server.Username)}
		if strings.TrimSpace(server.Credential) != "" {
			pc.Credential = server.Credential
		}
		if err := validateICEServer(pc, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pc)
	}
	return out, nil
}

// ICEServersToJSON converts pion servers back to the browser shape.
func ICEServersToJSON(servers []webrtc.ICEServer) []ICEServerJSON {
	out := make([]ICEServerJSON, 0, len(servers))
	for _, s := range servers {
		entry := ICEServerJSON{URLs: append([]string(nil), s.URLs...), Username: s.Username}
		if cred, ok := s.Credential.(string); ok {
			entry.Credential = cred
		}
		out = append(out, entry)
	}
	return out
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN url lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !allowTURNWithoutCreds && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", EnvTurnUsername, EnvTurnCredential, EnvTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turnList, Username: turnUsername}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, allowTURNWithoutCreds bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, u := range server.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !turn || allowTURNWithoutCreds {
		return nil
	}
	if strings.TrimSpace(server.Username) == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// HasTURN reports whether any server carries a turn: or turns: url.
func HasTURN(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		if ServerHasTURN(s) {
			return true
		}
	}
	return false
}

func ServerHasTURN(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
