package main

import (
	"log/slog"
	"slices"

	"github.com/beatarena/livesession/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: LIVESESSION_AUTH_MODE=none trusts the identity each client claims in join-room",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: LIVESESSION_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.AllowAdHocRooms {
		logger.Warn("startup security warning: LIVESESSION_ALLOW_ADHOC_ROOMS=true while --mode=prod (any client can create rooms by joining them)",
			"warning_code", "adhoc_rooms_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RedisAddr == "" {
		logger.Warn("startup security warning: no LIVESESSION_REDIS_ADDR while --mode=prod (rooms are lost on restart and not shared between replicas)",
			"warning_code", "memory_store_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: LIVESESSION_MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (signaling is not rate limited)",
			"warning_code", "signaling_rate_unlimited",
			"mode", cfg.Mode,
		)
	}
}
