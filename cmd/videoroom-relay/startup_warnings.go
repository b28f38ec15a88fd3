package main

import (
	"log/slog"

	"github.com/wilsonzlin/videoroom/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeDev {
		logger.Warn("startup security warning: dev mode accepts websocket connections from any origin",
			"warning_code", "any_origin_in_dev",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxRoomParticipants <= 0 {
		logger.Warn("startup warning: MAX_ROOM_PARTICIPANTS is 0 (unlimited); calls are two-party and a third participant will be offered to",
			"warning_code", "room_capacity_unlimited",
			"max_room_participants", cfg.MaxRoomParticipants,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_unlimited_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// SDP offers with many candidates run to a few KiB; anything near a
	// megabyte only serves to make the relay buffer it.
	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}
