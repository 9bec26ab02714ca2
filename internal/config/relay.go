package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	EnvRelayListenAddr      = "MATHSCHAT_RELAY_LISTEN_ADDR"
	EnvAllowedOrigins       = "MATHSCHAT_ALLOWED_ORIGINS"
	EnvShutdownTimeout      = "MATHSCHAT_SHUTDOWN_TIMEOUT"
	EnvAuthMode             = "MATHSCHAT_AUTH_MODE"
	EnvAPIKey               = "MATHSCHAT_API_KEY"
	EnvJWTSecret            = "MATHSCHAT_JWT_SECRET"
	EnvMaxMessageBytes      = "MATHSCHAT_MAX_MESSAGE_BYTES"
	EnvMessagesPerSecond    = "MATHSCHAT_MESSAGES_PER_SECOND"
	EnvConnectsPerSecondIP  = "MATHSCHAT_CONNECTS_PER_SECOND_PER_IP"
	EnvPingInterval         = "MATHSCHAT_PING_INTERVAL"
	EnvIdleTimeout          = "MATHSCHAT_IDLE_TIMEOUT"
	EnvBroker               = "MATHSCHAT_BROKER"
	EnvRedisAddr            = "MATHSCHAT_REDIS_ADDR"
	EnvRedisPassword        = "MATHSCHAT_REDIS_PASSWORD"
	EnvRedisDB              = "MATHSCHAT_REDIS_DB"
	EnvRedisKeyPrefix       = "MATHSCHAT_REDIS_KEY_PREFIX"
	EnvRoomTTL              = "MATHSCHAT_ROOM_TTL"
	EnvTURNRESTSharedSecret = "MATHSCHAT_TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds   = "MATHSCHAT_TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsername     = "MATHSCHAT_TURN_REST_USERNAME_PREFIX"
	EnvTURNRESTRealm        = "MATHSCHAT_TURN_REST_REALM"

	DefaultRelayListenAddr     = ":8080"
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultMaxMessageBytes     = 64 * 1024
	DefaultMessagesPerSecond   = 50
	DefaultConnectsPerSecondIP = 5
	DefaultPingInterval        = 25 * time.Second
	DefaultIdleTimeout         = 60 * time.Second
	DefaultRedisKeyPrefix      = "mathschat"
	DefaultRoomTTL             = time.Hour
	DefaultTURNRESTTTLSeconds  = 3600
	DefaultTURNRESTUsername    = "mathschat"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type BrokerKind string

const (
	BrokerMemory BrokerKind = "memory"
	BrokerRedis  BrokerKind = "redis"
)

type Redis struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	RoomTTL   time.Duration
}

// TURNREST configures per-request TURN credentials on /ice. An empty
// SharedSecret disables minting.
type TURNREST struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

// Relay is the mathschat-relay configuration.
type Relay struct {
	Logging

	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	MaxMessageBytes     int
	MessagesPerSecond   int
	ConnectsPerSecondIP int
	PingInterval        time.Duration
	IdleTimeout         time.Duration

	Broker BrokerKind
	Redis  Redis

	ICEServers []webrtc.ICEServer
	TURNREST   TURNREST
}

func LoadRelay(args []string) (Relay, error) {
	return loadRelay(os.LookupEnv, os.ReadFile, args)
}

func loadRelay(lookup lookupFunc, readFn func(string) ([]byte, error), args []string) (Relay, error) {
	var file fileRelay
	if err := readFile(readFn, configFileArg(args), &file); err != nil {
		return Relay{}, err
	}

	mode, logFormat, logLevel := loggingDefaults(lookup, file.fileLogging)

	listenAddr := envOrDefault(lookup, EnvRelayListenAddr, firstNonEmpty(file.ListenAddr, DefaultRelayListenAddr))
	allowedOrigins := envOrDefault(lookup, EnvAllowedOrigins, strings.Join(file.AllowedOrigins, ","))
	authMode := envOrDefault(lookup, EnvAuthMode, firstNonEmpty(file.Auth.Mode, string(AuthModeNone)))
	apiKey := envOrDefault(lookup, EnvAPIKey, file.Auth.APIKey)
	jwtSecret := envOrDefault(lookup, EnvJWTSecret, file.Auth.JWTSecret)
	broker := envOrDefault(lookup, EnvBroker, firstNonEmpty(file.Broker.Kind, string(BrokerMemory)))
	redisAddr := envOrDefault(lookup, EnvRedisAddr, file.Broker.RedisAddr)
	redisPassword := envOrDefault(lookup, EnvRedisPassword, file.Broker.RedisPassword)
	redisPrefix := envOrDefault(lookup, EnvRedisKeyPrefix, firstNonEmpty(file.Broker.KeyPrefix, DefaultRedisKeyPrefix))
	turnSecret := envOrDefault(lookup, EnvTURNRESTSharedSecret, file.TurnREST.SharedSecret)
	turnUserPrefix := envOrDefault(lookup, EnvTURNRESTUsername, firstNonEmpty(file.TurnREST.UsernamePrefix, DefaultTURNRESTUsername))
	turnRealm := envOrDefault(lookup, EnvTURNRESTRealm, file.TurnREST.Realm)

	var errs []error
	intVal := func(key string, fileValue, fallback int) int {
		if fileValue != 0 {
			fallback = fileValue
		}
		v, err := envIntOrDefault(lookup, key, fallback)
		errs = append(errs, err)
		return v
	}
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

	maxMessageBytes := intVal(EnvMaxMessageBytes, file.Limits.MaxMessageBytes, DefaultMaxMessageBytes)
	messagesPerSecond := intVal(EnvMessagesPerSecond, file.Limits.MessagesPerSecond, DefaultMessagesPerSecond)
	connectsPerSecond := intVal(EnvConnectsPerSecondIP, file.Limits.ConnectsPerSecondIP, DefaultConnectsPerSecondIP)
	redisDB := intVal(EnvRedisDB, file.Broker.RedisDB, 0)
	turnTTL := intVal(EnvTURNRESTTTLSeconds, int(file.TurnREST.TTLSeconds), DefaultTURNRESTTTLSeconds)
	pingInterval := durVal(EnvPingInterval, file.Limits.PingInterval, DefaultPingInterval)
	idleTimeout := durVal(EnvIdleTimeout, file.Limits.IdleTimeout, DefaultIdleTimeout)
	roomTTL := durVal(EnvRoomTTL, file.Broker.RoomTTL, DefaultRoomTTL)
	shutdownTimeout := durVal(EnvShutdownTimeout, file.ShutdownTimeout, DefaultShutdownTimeout)
	if err := errors.Join(errs...); err != nil {
		return Relay{}, err
	}

	iceDefaults, err := file.ICE.settings(lookup)
	if err != nil {
		return Relay{}, err
	}

	fs := pflag.NewFlagSet("mathschat-relay", pflag.ContinueOnError)
	fs.String(FlagConfigFile, "", "YAML config file (env and flags override it)")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated browser origins allowed on /ws (\"*\" allows any)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout")
	fs.StringVar(&mode, "mode", mode, "Mode: dev or prod")
	fs.StringVar(&logFormat, "log-format", logFormat, "Log format: text or json")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&authMode, "auth-mode", authMode, "Relay auth mode: none, api_key or jwt")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key for auth-mode=api_key")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for auth-mode=jwt")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Maximum inbound websocket message size")
	fs.IntVar(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Per-connection inbound message rate (0 disables)")
	fs.IntVar(&connectsPerSecond, "connects-per-second-per-ip", connectsPerSecond, "Websocket upgrades per second per client IP (0 disables)")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Websocket ping interval")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Close websockets silent for this long")
	fs.StringVar(&broker, "broker", broker, "Room broker: memory or redis")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for broker=redis")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number")
	fs.StringVar(&redisPrefix, "redis-key-prefix", redisPrefix, "Prefix for redis keys and channels")
	fs.DurationVar(&roomTTL, "room-ttl", roomTTL, "Expiry refreshed on redis room membership")
	fs.StringVar(&iceDefaults.JSON, "ice-servers-json", iceDefaults.JSON, "ICE servers as a JSON RTCIceServer array (overrides the STUN/TURN flags)")
	fs.StringVar(&iceDefaults.StunURLs, "stun-urls", iceDefaults.StunURLs, "Comma-separated STUN URLs")
	fs.StringVar(&iceDefaults.TurnURLs, "turn-urls", iceDefaults.TurnURLs, "Comma-separated TURN URLs")
	fs.StringVar(&iceDefaults.TurnUsername, "turn-username", iceDefaults.TurnUsername, "Static TURN username")
	fs.StringVar(&iceDefaults.TurnCredential, "turn-credential", iceDefaults.TurnCredential, "Static TURN credential")
	fs.StringVar(&turnSecret, "turn-rest-shared-secret", turnSecret, "TURN REST shared secret (enables per-request credentials on /ice)")
	fs.IntVar(&turnTTL, "turn-rest-ttl-seconds", turnTTL, "TURN REST credential lifetime")
	fs.StringVar(&turnUserPrefix, "turn-rest-username-prefix", turnUserPrefix, "TURN REST username prefix")
	fs.StringVar(&turnRealm, "turn-rest-realm", turnRealm, "TURN realm advertised to clients")
	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	logging, err := parseLogging(mode, logFormat, logLevel)
	if err != nil {
		return Relay{}, err
	}

	cfg := Relay{
		Logging:             logging,
		ListenAddr:          listenAddr,
		ShutdownTimeout:     shutdownTimeout,
		APIKey:              apiKey,
		JWTSecret:           jwtSecret,
		MaxMessageBytes:     maxMessageBytes,
		MessagesPerSecond:   messagesPerSecond,
		ConnectsPerSecondIP: connectsPerSecond,
		PingInterval:        pingInterval,
		IdleTimeout:         idleTimeout,
		Redis: Redis{
			Addr:      redisAddr,
			Password:  redisPassword,
			DB:        redisDB,
			KeyPrefix: redisPrefix,
			RoomTTL:   roomTTL,
		},
		TURNREST: TURNREST{
			SharedSecret:   turnSecret,
			TTLSeconds:     int64(turnTTL),
			UsernamePrefix: turnUserPrefix,
			Realm:          turnRealm,
		},
	}

	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOrigins); err != nil {
		return Relay{}, fmt.Errorf("%s: %w", EnvAllowedOrigins, err)
	}
	if cfg.AuthMode, err = parseAuthMode(authMode); err != nil {
		return Relay{}, err
	}
	if cfg.Broker, err = parseBrokerKind(broker); err != nil {
		return Relay{}, err
	}
	// TURN entries without static credentials are fine when /ice mints them.
	if cfg.ICEServers, err = iceDefaults.parse(turnSecret != ""); err != nil {
		return Relay{}, err
	}
	if err := cfg.validate(); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

func (c Relay) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvRelayListenAddr)
	}
	switch c.AuthMode {
	case AuthModeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvAPIKey, EnvAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvJWTSecret, EnvAuthMode, AuthModeJWT)
		}
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be > 0 (got %d)", EnvMaxMessageBytes, c.MaxMessageBytes)
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("%s must be >= 0 (got %d)", EnvMessagesPerSecond, c.MessagesPerSecond)
	}
	if c.ConnectsPerSecondIP < 0 {
		return fmt.Errorf("%s must be >= 0 (got %d)", EnvConnectsPerSecondIP, c.ConnectsPerSecondIP)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvPingInterval)
	}
	if c.IdleTimeout <= c.PingInterval {
		return fmt.Errorf("%s (%s) must exceed %s (%s)", EnvIdleTimeout, c.IdleTimeout, EnvPingInterval, c.PingInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvShutdownTimeout)
	}
	if c.Broker == BrokerRedis {
		if c.Redis.Addr == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvRedisAddr, EnvBroker, BrokerRedis)
		}
		if c.Redis.RoomTTL <= 0 {
			return fmt.Errorf("%s must be > 0", EnvRoomTTL)
		}
	}
	if c.TURNREST.SharedSecret != "" && c.TURNREST.TTLSeconds <= 0 {
		return fmt.Errorf("%s must be > 0 (got %d)", EnvTURNRESTTTLSeconds, c.TURNREST.TTLSeconds)
	}
	if c.Mode == ModeProd && len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*" {
		return fmt.Errorf("%s=* is not allowed in prod mode", EnvAllowedOrigins)
	}
	return nil
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey), "apikey":
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected none, api_key or jwt)", EnvAuthMode, raw)
	}
}

func parseBrokerKind(raw string) (BrokerKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(BrokerMemory):
		return BrokerMemory, nil
	case string(BrokerRedis):
		return BrokerRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected memory or redis)", EnvBroker, raw)
	}
}
