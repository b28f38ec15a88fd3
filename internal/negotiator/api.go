package negotiator

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/videoroom/internal/config"
	"github.com/wilsonzlin/videoroom/internal/media"
)

type APIOptions struct {
	// Codecs registers capture-specific codecs. When nil the pion default
	// codec set is registered.
	Codecs media.CodecRegistrar
	// Net overrides the network stack, typically with a vnet.Net in tests.
	Net    transport.Net
	Logger *slog.Logger
}

// NewAPI builds the pion API every transport in this process is created
// from.
func NewAPI(cfg config.Config, opts APIOptions) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs.RegisterCodecs(me); err != nil {
			return nil, fmt.Errorf("register capture codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(opts.Logger)}
	ApplyNetworkSettings(&se, cfg, opts.Net)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// ApplyNetworkSettings sets ICE timeouts from cfg, falling back to the
// package defaults for unset values.
func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config, n transport.Net) {
	disconnected := cfg.ICEDisconnectedTimeout
	if disconnected <= 0 {
		disconnected = config.DefaultICEDisconnectedTimeout
	}
	failed := cfg.ICEFailedTimeout
	if failed <= 0 {
		failed = config.DefaultICEFailedTimeout
	}
	keepAlive := cfg.ICEKeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = config.DefaultICEKeepAliveInterval
	}
	se.SetICETimeouts(disconnected, failed, keepAlive)

	if n != nil {
		se.SetNet(n)
	}
}
