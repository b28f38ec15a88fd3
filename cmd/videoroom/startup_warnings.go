package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config, servers []webrtc.ICEServer) {
	if logger == nil {
		logger = slog.Default()
	}

	if !config.HasTURN(servers) {
		logger.Warn("startup warning: no TURN server configured; calls between peers behind symmetric NATs will fail",
			"warning_code", "no_turn_server",
			"ice_servers", len(servers),
			"mode", cfg.Mode,
		)
	}

	if strings.HasPrefix(strings.ToLower(cfg.SignalingURL), "ws://") && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: signaling url is not TLS while --mode=prod",
			"warning_code", "signaling_not_tls_in_prod",
			"signaling_url", cfg.SignalingURL,
			"mode", cfg.Mode,
		)
	}

	if cfg.SyntheticMedia {
		logger.Warn("startup warning: synthetic media enabled; no camera or microphone will be captured",
			"warning_code", "synthetic_media",
			"mode", cfg.Mode,
		)
	}
}
