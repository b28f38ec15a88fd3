package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarMode      = "VIDEOROOM_MODE"
	envVarLogFormat = "VIDEOROOM_LOG_FORMAT"
	envVarLogLevel  = "VIDEOROOM_LOG_LEVEL"

	// Call agent.
	envVarSignalingURL            = "VIDEOROOM_SIGNALING_URL"
	envVarRoomID                  = "VIDEOROOM_ROOM_ID"
	envVarUserID                  = "VIDEOROOM_USER_ID"
	envVarUserName                = "VIDEOROOM_USER_NAME"
	envVarICECandidatePoolSize    = "VIDEOROOM_ICE_CANDIDATE_POOL_SIZE"
	envVarNegotiationTimeout      = "VIDEOROOM_NEGOTIATION_TIMEOUT"
	envVarSignalingConnectTimeout = "VIDEOROOM_SIGNALING_CONNECT_TIMEOUT"
	envVarGlarePolicy             = "VIDEOROOM_GLARE_POLICY"
	envVarICEDisconnectedTimeout  = "VIDEOROOM_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout        = "VIDEOROOM_ICE_FAILED_TIMEOUT"
	envVarICEKeepAliveInterval    = "VIDEOROOM_ICE_KEEPALIVE_INTERVAL"
	envVarVideoBitRate            = "VIDEOROOM_VIDEO_BITRATE"
	envVarMediaVideo              = "VIDEOROOM_MEDIA_VIDEO"
	envVarSyntheticMedia          = "VIDEOROOM_SYNTHETIC_MEDIA"

	// Development relay.
	envVarListenAddr                    = "VIDEOROOM_RELAY_LISTEN_ADDR"
	envVarShutdownTimeout               = "VIDEOROOM_RELAY_SHUTDOWN_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxRoomParticipants           = "MAX_ROOM_PARTICIPANTS"

	DefaultMode                          Mode = ModeDev
	DefaultSignalingURL                       = "ws://127.0.0.1:8080/ws"
	DefaultUserName                           = "You"
	DefaultICECandidatePoolSize               = 10
	DefaultNegotiationTimeout                 = 30 * time.Second
	DefaultSignalingConnectTimeout            = 20 * time.Second
	DefaultGlarePolicy                        = GlarePolicyNone
	DefaultICEDisconnectedTimeout             = 5 * time.Second
	DefaultICEFailedTimeout                   = 25 * time.Second
	DefaultICEKeepAliveInterval               = 2 * time.Second
	DefaultVideoBitRate                       = 1_500_000
	DefaultListenAddr                         = "127.0.0.1:8080"
	DefaultShutdown                           = 15 * time.Second
	DefaultSignalingWSIdleTimeout             = 60 * time.Second
	DefaultSignalingWSPingInterval            = 20 * time.Second
	DefaultMaxSignalingMessageBytes           = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond      = 50
	DefaultMaxRoomParticipants                = 2
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// GlarePolicy selects how simultaneous offers are resolved.
type GlarePolicy string

const (
	// GlarePolicyNone applies every offer as it arrives.
	GlarePolicyNone GlarePolicy = "none"
	// GlarePolicyPolite makes the peer with the larger transport peer id
	// yield and answer; the smaller one ignores the competing offer.
	GlarePolicyPolite GlarePolicy = "polite"
)

// MediaBounds describes the capture constraints used on the first
// acquisition attempt.
type MediaBounds struct {
	IdealWidth     int
	IdealHeight    int
	MaxWidth       int
	MaxHeight      int
	IdealFrameRate float32
	MaxFrameRate   float32
}

// DefaultMediaBounds matches a 720p camera preference capped at 1080p60.
var DefaultMediaBounds = MediaBounds{
	IdealWidth:     1280,
	IdealHeight:    720,
	MaxWidth:       1920,
	MaxHeight:      1080,
	IdealFrameRate: 30,
	MaxFrameRate:   60,
}

type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	SignalingURL string
	RoomID       string
	UserID       string
	UserName     string

	ICEServers              []webrtc.ICEServer
	ICECandidatePoolSize    uint8
	NegotiationTimeout      time.Duration
	SignalingConnectTimeout time.Duration
	GlarePolicy             GlarePolicy
	ICEDisconnectedTimeout  time.Duration
	ICEFailedTimeout        time.Duration
	ICEKeepAliveInterval    time.Duration

	// Video disables camera capture when false; the agent still joins with
	// audio only.
	Video        bool
	Media        MediaBounds
	VideoBitRate int
	// SyntheticMedia replaces device capture with generated silence and
	// placeholder video.
	SyntheticMedia bool

	ListenAddr                    string
	ShutdownTimeout               time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	MaxRoomParticipants           int
}

// PeerConnectionConfiguration returns the static transport configuration:
// configured ICE servers, a prefetched candidate pool, max-bundle and
// mandatory RTCP mux.
func (c Config) PeerConnectionConfiguration() webrtc.Configuration {
	servers := c.ICEServers
	if servers == nil {
		servers = DefaultICEServers()
	}
	return webrtc.Configuration{
		ICEServers:           servers,
		ICETransportPolicy:   webrtc.ICETransportPolicyAll,
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: c.ICECandidatePoolSize,
	}
}

// ValidateAgent checks the fields only the call agent needs.
func (c Config) ValidateAgent() error {
	if strings.TrimSpace(c.RoomID) == "" {
		return fmt.Errorf("%s (or --room) is required", envVarRoomID)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%s (or --user) is required", envVarUserID)
	}
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return fmt.Errorf("invalid signaling url %q: %w", c.SignalingURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid signaling url %q: scheme must be ws or wss", c.SignalingURL)
	}
	return nil
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	roomID := envOrDefault(lookup, envVarRoomID, "")
	userID := envOrDefault(lookup, envVarUserID, "")
	userName := envOrDefault(lookup, envVarUserName, DefaultUserName)
	glarePolicyStr := envOrDefault(lookup, envVarGlarePolicy, string(DefaultGlarePolicy))

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	poolSize, err := envIntOrDefault(lookup, envVarICECandidatePoolSize, DefaultICECandidatePoolSize)
	if err != nil {
		return Config{}, err
	}
	videoBitRate, err := envIntOrDefault(lookup, envVarVideoBitRate, DefaultVideoBitRate)
	if err != nil {
		return Config{}, err
	}
	video, err := envBoolOrDefault(lookup, envVarMediaVideo, true)
	if err != nil {
		return Config{}, err
	}
	syntheticMedia, err := envBoolOrDefault(lookup, envVarSyntheticMedia, false)
	if err != nil {
		return Config{}, err
	}

	negotiationTimeout, err := envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingConnectTimeout, err := envDurationOrDefault(lookup, envVarSignalingConnectTimeout, DefaultSignalingConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	iceDisconnectedTimeout, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, DefaultICEDisconnectedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceFailedTimeout, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, DefaultICEFailedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceKeepAliveInterval, err := envDurationOrDefault(lookup, envVarICEKeepAliveInterval, DefaultICEKeepAliveInterval)
	if err != nil {
		return Config{}, err
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxRoomParticipants, err := envIntOrDefault(lookup, envVarMaxRoomParticipants, DefaultMaxRoomParticipants)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("videoroom", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay websocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&roomID, "room", roomID, "Room to join (env "+envVarRoomID+")")
	fs.StringVar(&userID, "user", userID, "Local user id (env "+envVarUserID+")")
	fs.StringVar(&userName, "name", userName, "Display name used as chat sender (env "+envVarUserName+")")
	fs.StringVar(&glarePolicyStr, "glare-policy", glarePolicyStr, "Simultaneous offer handling: none or polite (env "+envVarGlarePolicy+")")
	fs.IntVar(&poolSize, "ice-candidate-pool-size", poolSize, "Prefetched ICE candidate pool size (env "+envVarICECandidatePoolSize+")")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "Time allowed to reach connected before failing (env "+envVarNegotiationTimeout+")")
	fs.DurationVar(&signalingConnectTimeout, "signaling-connect-timeout", signalingConnectTimeout, "Signaling dial timeout (env "+envVarSignalingConnectTimeout+")")
	fs.DurationVar(&iceDisconnectedTimeout, "ice-disconnected-timeout", iceDisconnectedTimeout, "ICE disconnected timeout (env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailedTimeout, "ice-failed-timeout", iceFailedTimeout, "ICE failed timeout (env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&iceKeepAliveInterval, "ice-keepalive-interval", iceKeepAliveInterval, "ICE keepalive interval (env "+envVarICEKeepAliveInterval+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.BoolVar(&video, "video", video, "Capture camera video (env "+envVarMediaVideo+")")
	fs.BoolVar(&syntheticMedia, "synthetic-media", syntheticMedia, "Send generated media instead of capturing devices (env "+envVarSyntheticMedia+")")
	fs.IntVar(&videoBitRate, "video-bitrate", videoBitRate, "VP8 target bitrate in bits/sec (env "+envVarVideoBitRate+")")

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Relay HTTP listen address (env "+envVarListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close relay websockets idle for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Relay websocket ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Per-connection signaling rate limit, 0 = unlimited (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxRoomParticipants, "max-room-participants", maxRoomParticipants, "Room capacity, 0 = unlimited (env "+envVarMaxRoomParticipants+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// A --mode flag should also move the logging defaults unless they were
	// set explicitly.
	logFormatFlagSet := false
	logLevelFlagSet := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-format":
			logFormatFlagSet = true
		case "log-level":
			logLevelFlagSet = true
		}
	})
	if !logFormatFlagSet && !envLogFormatSet {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !logLevelFlagSet && !envLogLevelSet {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	glarePolicy, err := parseGlarePolicy(glarePolicyStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := ICESource{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.Servers()
	if err != nil {
		return Config{}, err
	}

	if poolSize < 0 || poolSize > 255 {
		return Config{}, fmt.Errorf("ice candidate pool size must be between 0 and 255 (got %d)", poolSize)
	}
	if negotiationTimeout <= 0 {
		return Config{}, fmt.Errorf("negotiation timeout must be > 0 (got %s)", negotiationTimeout)
	}
	if signalingConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling connect timeout must be > 0 (got %s)", signalingConnectTimeout)
	}
	if iceDisconnectedTimeout <= 0 || iceFailedTimeout <= 0 || iceKeepAliveInterval <= 0 {
		return Config{}, errors.New("ice timeouts must be > 0")
	}
	if videoBitRate <= 0 {
		return Config{}, fmt.Errorf("video bitrate must be > 0 (got %d)", videoBitRate)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", envVarSignalingWSIdleTimeout, wsIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s must be > 0 and < %s (got %s)", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout, wsPingInterval)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 (got %d)", envVarMaxSignalingMessageBytes, maxMessageBytes)
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0 (got %d)", envVarMaxSignalingMessagesPerSecond, maxMessagesPerSecond)
	}
	if maxRoomParticipants < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0 (got %d)", envVarMaxRoomParticipants, maxRoomParticipants)
	}

	return Config{
		Mode:      mode,
		LogFormat: logFormat,
		LogLevel:  logLevel,

		SignalingURL: strings.TrimSpace(signalingURL),
		RoomID:       strings.TrimSpace(roomID),
		UserID:       strings.TrimSpace(userID),
		UserName:     strings.TrimSpace(userName),

		ICEServers:              iceServers,
		ICECandidatePoolSize:    uint8(poolSize),
		NegotiationTimeout:      negotiationTimeout,
		SignalingConnectTimeout: signalingConnectTimeout,
		GlarePolicy:             glarePolicy,
		ICEDisconnectedTimeout:  iceDisconnectedTimeout,
		ICEFailedTimeout:        iceFailedTimeout,
		ICEKeepAliveInterval:    iceKeepAliveInterval,

		Video:        video,
		Media:        DefaultMediaBounds,
		VideoBitRate: videoBitRate,

		SyntheticMedia: syntheticMedia,

		ListenAddr:                    listenAddr,
		ShutdownTimeout:               shutdownTimeout,
		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		MaxRoomParticipants:           maxRoomParticipants,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseGlarePolicy(raw string) (GlarePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(GlarePolicyNone), "":
		return GlarePolicyNone, nil
	case string(GlarePolicyPolite):
		return GlarePolicyPolite, nil
	default:
		return "", fmt.Errorf("invalid glare policy %q (expected none or polite)", raw)
	}
}
