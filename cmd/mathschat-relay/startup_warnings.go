package main

import (
	"log/slog"
	"slices"

	"github.com/ferd36/maths-chat/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Relay) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: auth mode none lets anyone join any room",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: allowed origins contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if config.HasTURN(cfg.ICEServers) && cfg.TURNREST.SharedSecret == "" {
		logger.Warn("startup security warning: /ice serves long-lived static TURN credentials",
			"warning_code", "turn_static_credentials",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MessagesPerSecond <= 0 {
		logger.Warn("startup security warning: per-connection message rate is unlimited while mode=prod",
			"warning_code", "messages_per_second_unlimited_in_prod",
			"messages_per_second", cfg.MessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 {
		logger.Warn("startup security warning: max message bytes is very large (signaling frames are a few KiB)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Broker == config.BrokerRedis && cfg.Redis.Password == "" && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: redis broker has no password while mode=prod",
			"warning_code", "redis_no_password_in_prod",
			"redis_addr", cfg.Redis.Addr,
			"mode", cfg.Mode,
		)
	}
}
