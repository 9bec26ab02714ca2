package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FlagConfigFile names the YAML file flag shared by both binaries.
const FlagConfigFile = "config"

type fileLogging struct {
	Mode      string `yaml:"mode"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

type fileICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type fileICE struct {
	Servers        []fileICEServer `yaml:"servers"`
	StunURLs       []string        `yaml:"stun_urls"`
	TurnURLs       []string        `yaml:"turn_urls"`
	TurnUsername   string          `yaml:"turn_username"`
	TurnCredential string          `yaml:"turn_credential"`
}

// fileClient mirrors Client. Durations are Go duration strings.
type fileClient struct {
	fileLogging `yaml:",inline"`

	RelayURL    string  `yaml:"relay_url"`
	Room        string  `yaml:"room"`
	DisplayName string  `yaml:"display_name"`
	Role        string  `yaml:"role"`
	Token       string  `yaml:"token"`
	FetchICE    *bool   `yaml:"fetch_ice"`
	MetricsAddr string  `yaml:"metrics_addr"`
	ICE         fileICE `yaml:"ice"`

	Timings struct {
		AckTimeout           string `yaml:"ack_timeout"`
		TypingIdle           string `yaml:"typing_idle"`
		RemoteTypingExpiry   string `yaml:"remote_typing_expiry"`
		KeepaliveInterval    string `yaml:"keepalive_interval"`
		LivenessGrace        string `yaml:"liveness_grace"`
		RenegotiationTimeout string `yaml:"renegotiation_timeout"`
		ICEDisconnected      string `yaml:"ice_disconnected"`
		ICEFailed            string `yaml:"ice_failed"`
	} `yaml:"timings"`
}

type fileRelay struct {
	fileLogging `yaml:",inline"`

	ListenAddr      string   `yaml:"listen_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`

	Auth struct {
		Mode      string `yaml:"mode"`
		APIKey    string `yaml:"api_key"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	Limits struct {
		MaxMessageBytes     int    `yaml:"max_message_bytes"`
		MessagesPerSecond   int    `yaml:"messages_per_second"`
		ConnectsPerSecondIP int    `yaml:"connects_per_second_per_ip"`
		PingInterval        string `yaml:"ping_interval"`
		IdleTimeout         string `yaml:"idle_timeout"`
	} `yaml:"limits"`

	Broker struct {
		Kind          string `yaml:"kind"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		KeyPrefix     string `yaml:"key_prefix"`
		RoomTTL       string `yaml:"room_ttl"`
	} `yaml:"broker"`

	ICE      fileICE `yaml:"ice"`
	TurnREST struct {
		SharedSecret   string `yaml:"shared_secret"`
		TTLSeconds     int64  `yaml:"ttl_seconds"`
		UsernamePrefix string `yaml:"username_prefix"`
		Realm          string `yaml:"realm"`
	} `yaml:"turn_rest"`
}

// configFileArg finds --config in args without parsing the other flags,
// since the file only supplies their defaults.
func configFileArg(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "--":
			return ""
		case arg == "--"+FlagConfigFile && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "--"+FlagConfigFile+"="):
			return strings.TrimPrefix(arg, "--"+FlagConfigFile+"=")
		}
	}
	return ""
}

// readFile decodes path into out. Unknown keys are an error so typos do not
// silently fall back to defaults.
func readFile(readFn func(string) ([]byte, error), path string, out any) error {
	if path == "" {
		return nil
	}
	if readFn == nil {
		readFn = os.ReadFile
	}
	raw, err := readFn(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (f fileICE) settings(lookup lookupFunc) (iceSettings, error) {
	jsonDefault := ""
	if len(f.Servers) > 0 {
		servers := make([]ICEServerJSON, 0, len(f.Servers))
		for _, s := range f.Servers {
			servers = append(servers, ICEServerJSON{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
		}
		b, err := json.Marshal(servers)
		if err != nil {
			return iceSettings{}, fmt.Errorf("encode ice servers from config file: %w", err)
		}
		jsonDefault = string(b)
	}
	return iceSettings{
		JSON:           envOrDefault(lookup, EnvICEServersJSON, jsonDefault),
		StunURLs:       envOrDefault(lookup, EnvStunURLs, strings.Join(f.StunURLs, ",")),
		TurnURLs:       envOrDefault(lookup, EnvTurnURLs, strings.Join(f.TurnURLs, ",")),
		TurnUsername:   envOrDefault(lookup, EnvTurnUsername, f.TurnUsername),
		TurnCredential: envOrDefault(lookup, EnvTurnCredential, f.TurnCredential),
	}, nil
}
