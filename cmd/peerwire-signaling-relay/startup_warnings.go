package main

import (
	"log/slog"

	"github.com/peerwire/signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty (any browser origin may open a signaling WebSocket)",
			"warning_code", "allowed_origins_empty",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
