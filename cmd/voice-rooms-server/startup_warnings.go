package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.UsingDevJWTSecret() {
		logger.Warn("startup security warning: JWT_SECRET is unset; identity tokens are signed with the built-in development secret",
			"warning_code", "dev_jwt_secret",
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.RequireAuth {
		logger.Warn("startup security warning: anonymous signaling connections are accepted while --mode=prod",
			"warning_code", "anonymous_signaling_in_prod",
			"require_auth", cfg.RequireAuth,
			"mode", cfg.Mode,
		)
	}

	if cfg.DBPath == ":memory:" {
		logger.Warn("startup warning: user store is in memory; registered accounts are lost on restart",
			"warning_code", "user_store_in_memory",
			"db_path", cfg.DBPath,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /api/ice and /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens signaling DoS hardening)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNRESTSharedSecret != "" && cfg.TURNRESTTTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL is longer than a day (leaked TURN credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl", cfg.TURNRESTTTL,
			"mode", cfg.Mode,
		)
	}
}
