package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	EnvRelayURL             = "MATHSCHAT_RELAY_URL"
	EnvRoom                 = "MATHSCHAT_ROOM"
	EnvDisplayName          = "MATHSCHAT_DISPLAY_NAME"
	EnvRole                 = "MATHSCHAT_ROLE"
	EnvToken                = "MATHSCHAT_TOKEN"
	EnvFetchICE             = "MATHSCHAT_FETCH_ICE"
	EnvMetricsAddr          = "MATHSCHAT_METRICS_ADDR"
	EnvAckTimeout           = "MATHSCHAT_ACK_TIMEOUT"
	EnvTypingIdle           = "MATHSCHAT_TYPING_IDLE"
	EnvRemoteTypingExpiry   = "MATHSCHAT_REMOTE_TYPING_EXPIRY"
	EnvKeepaliveInterval    = "MATHSCHAT_KEEPALIVE_INTERVAL"
	EnvLivenessGrace        = "MATHSCHAT_LIVENESS_GRACE"
	EnvRenegotiationTimeout = "MATHSCHAT_RENEGOTIATION_TIMEOUT"
	EnvICEDisconnected      = "MATHSCHAT_ICE_DISCONNECTED_TIMEOUT"
	EnvICEFailed            = "MATHSCHAT_ICE_FAILED_TIMEOUT"

	DefaultRelayURL             = "ws://localhost:8080/ws"
	DefaultRole                 = "auto"
	DefaultAckTimeout           = 5 * time.Second
	DefaultTypingIdle           = 2 * time.Second
	DefaultRemoteTypingExpiry   = 3 * time.Second
	DefaultKeepaliveInterval    = 30 * time.Second
	DefaultLivenessGrace        = 10 * time.Second
	DefaultRenegotiationTimeout = 15 * time.Second
	DefaultICEDisconnected      = 5 * time.Second
	DefaultICEFailed            = 25 * time.Second
)

// Timings are the chat protocol timers plus the ICE state timeouts that
// feed them.
type Timings struct {
	AckTimeout           time.Duration
	TypingIdle           time.Duration
	RemoteTypingExpiry   time.Duration
	KeepaliveInterval    time.Duration
	LivenessGrace        time.Duration
	RenegotiationTimeout time.Duration

	ICEDisconnected time.Duration
	ICEFailed       time.Duration
}

// Client is the mathschat CLI configuration.
type Client struct {
	Logging

	RelayURL    string
	Room        string
	DisplayName string
	// Role is initiator, responder or auto.
	Role  string
	Token string

	ICEServers []webrtc.ICEServer
	// FetchICE asks the relay's /ice endpoint for servers before connecting.
	FetchICE bool

	Timings Timings

	// MetricsAddr serves /metrics when set.
	MetricsAddr string
}

func LoadClient(args []string) (Client, error) {
	return loadClient(os.LookupEnv, os.ReadFile, args)
}

func loadClient(lookup lookupFunc, readFn func(string) ([]byte, error), args []string) (Client, error) {
	var file fileClient
	if err := readFile(readFn, configFileArg(args), &file); err != nil {
		return Client{}, err
	}

	mode, logFormat, logLevel := loggingDefaults(lookup, file.fileLogging)

	relayURL := envOrDefault(lookup, EnvRelayURL, firstNonEmpty(file.RelayURL, DefaultRelayURL))
	room := envOrDefault(lookup, EnvRoom, file.Room)
	displayName := envOrDefault(lookup, EnvDisplayName, file.DisplayName)
	role := envOrDefault(lookup, EnvRole, firstNonEmpty(file.Role, DefaultRole))
	token := envOrDefault(lookup, EnvToken, file.Token)
	metricsAddr := envOrDefault(lookup, EnvMetricsAddr, file.MetricsAddr)

	var errs []error
	fetchDefault := file.FetchICE != nil && *file.FetchICE
	fetchICE, err := envBoolOrDefault(lookup, EnvFetchICE, fetchDefault)
	errs = append(errs, err)

	durVal := func(key, fileValue string, fallback time.Duration) time.Duration {
		if fileValue != "" {
			d, err := time.ParseDuration(fileValue)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid duration %q in config file: %w", fileValue, err))
			} else {
				fallback = d
			}
		}
		v, err := envDurationOrDefault(lookup, key, fallback)
		errs = append(errs, err)
		return v
	}
	ft := file.Timings
	t := Timings{
		AckTimeout:           durVal(EnvAckTimeout, ft.AckTimeout, DefaultAckTimeout),
		TypingIdle:           durVal(EnvTypingIdle, ft.TypingIdle, DefaultTypingIdle),
		RemoteTypingExpiry:   durVal(EnvRemoteTypingExpiry, ft.RemoteTypingExpiry, DefaultRemoteTypingExpiry),
		KeepaliveInterval:    durVal(EnvKeepaliveInterval, ft.KeepaliveInterval, DefaultKeepaliveInterval),
		LivenessGrace:        durVal(EnvLivenessGrace, ft.LivenessGrace, DefaultLivenessGrace),
		RenegotiationTimeout: durVal(EnvRenegotiationTimeout, ft.RenegotiationTimeout, DefaultRenegotiationTimeout),
		ICEDisconnected:      durVal(EnvICEDisconnected, ft.ICEDisconnected, DefaultICEDisconnected),
		ICEFailed:            durVal(EnvICEFailed, ft.ICEFailed, DefaultICEFailed),
	}
	if err := errors.Join(errs...); err != nil {
		return Client{}, err
	}

	ice, err := file.ICE.settings(lookup)
	if err != nil {
		return Client{}, err
	}

	fs := pflag.NewFlagSet("mathschat", pflag.ContinueOnError)
	fs.String(FlagConfigFile, "", "YAML config file (env and flags override it)")
	fs.StringVar(&relayURL, "relay", relayURL, "Relay websocket URL")
	fs.StringVarP(&room, "room", "r", room, "Room code shared with the peer")
	fs.StringVarP(&displayName, "name", "n", displayName, "Display name")
	fs.StringVar(&role, "role", role, "Role: initiator, responder or auto")
	fs.StringVar(&token, "token", token, "Relay credential (API key or JWT)")
	fs.BoolVar(&fetchICE, "fetch-ice", fetchICE, "Fetch ICE servers from the relay's /ice endpoint")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&mode, "mode", mode, "Mode: dev or prod")
	fs.StringVar(&logFormat, "log-format", logFormat, "Log format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&ice.JSON, "ice-servers-json", ice.JSON, "ICE servers as a JSON RTCIceServer array (overrides the STUN/TURN flags)")
	fs.StringVar(&ice.StunURLs, "stun-urls", ice.StunURLs, "Comma-separated STUN URLs")
	fs.StringVar(&ice.TurnURLs, "turn-urls", ice.TurnURLs, "Comma-separated TURN URLs")
	fs.StringVar(&ice.TurnUsername, "turn-username", ice.TurnUsername, "TURN username")
	fs.StringVar(&ice.TurnCredential, "turn-credential", ice.TurnCredential, "TURN credential")
	fs.DurationVar(&t.AckTimeout, "ack-timeout", t.AckTimeout, "Mark a sent message failed after this long without an ack")
	fs.DurationVar(&t.TypingIdle, "typing-idle", t.TypingIdle, "Send typing=false after this long without input")
	fs.DurationVar(&t.RemoteTypingExpiry, "remote-typing-expiry", t.RemoteTypingExpiry, "Clear the peer typing flag after this long")
	fs.DurationVar(&t.KeepaliveInterval, "keepalive-interval", t.KeepaliveInterval, "Ping the peer after this long without outbound traffic")
	fs.DurationVar(&t.LivenessGrace, "liveness-grace", t.LivenessGrace, "Extra inbound silence tolerated beyond the keepalive interval")
	fs.DurationVar(&t.RenegotiationTimeout, "renegotiation-timeout", t.RenegotiationTimeout, "Bound on each recovery stage")
	fs.DurationVar(&t.ICEDisconnected, "ice-disconnected-timeout", t.ICEDisconnected, "ICE silence before the transport reports disconnected")
	fs.DurationVar(&t.ICEFailed, "ice-failed-timeout", t.ICEFailed, "ICE silence before the transport reports failed")
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	logging, err := parseLogging(mode, logFormat, logLevel)
	if err != nil {
		return Client{}, err
	}

	cfg := Client{
		Logging:     logging,
		RelayURL:    strings.TrimSpace(relayURL),
		Room:        strings.TrimSpace(room),
		DisplayName: strings.TrimSpace(displayName),
		Role:        strings.ToLower(strings.TrimSpace(role)),
		Token:       token,
		FetchICE:    fetchICE,
		Timings:     t,
		MetricsAddr: metricsAddr,
	}
	if cfg.ICEServers, err = ice.parse(false); err != nil {
		return Client{}, err
	}
	if len(cfg.ICEServers) == 0 && !cfg.FetchICE {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
	}
	if err := cfg.validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (c Client) validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", EnvRelayURL, c.RelayURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s %q (expected ws:// or wss://)", EnvRelayURL, c.RelayURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q (missing host)", EnvRelayURL, c.RelayURL)
	}
	if c.Room == "" {
		return fmt.Errorf("%s (--room) is required", EnvRoom)
	}
	switch c.Role {
	case "initiator", "responder", "auto":
	default:
		return fmt.Errorf("invalid %s %q (expected initiator, responder or auto)", EnvRole, c.Role)
	}

	t := c.Timings
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{EnvAckTimeout, t.AckTimeout},
		{EnvTypingIdle, t.TypingIdle},
		{EnvRemoteTypingExpiry, t.RemoteTypingExpiry},
		{EnvKeepaliveInterval, t.KeepaliveInterval},
		{EnvLivenessGrace, t.LivenessGrace},
		{EnvRenegotiationTimeout, t.RenegotiationTimeout},
		{EnvICEDisconnected, t.ICEDisconnected},
		{EnvICEFailed, t.ICEFailed},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %s)", d.name, d.v)
		}
	}
	if t.ICEFailed <= t.ICEDisconnected {
		return fmt.Errorf("%s (%s) must exceed %s (%s)", EnvICEFailed, t.ICEFailed, EnvICEDisconnected, t.ICEDisconnected)
	}
	return nil
}

// HTTPBase maps the relay websocket URL onto its HTTP origin, where /ice
// is served.
func (c Client) HTTPBase() string {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
