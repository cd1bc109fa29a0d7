package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const envPrefix = "LIVESESSION_"

const (
	envVarListenAddr      = envPrefix + "LISTEN_ADDR"
	envVarPublicBaseURL   = envPrefix + "PUBLIC_BASE_URL"
	envVarAllowedOrigins  = envPrefix + "ALLOWED_ORIGINS"
	envVarLogFormat       = envPrefix + "LOG_FORMAT"
	envVarLogLevel        = envPrefix + "LOG_LEVEL"
	envVarShutdownTimeout = envPrefix + "SHUTDOWN_TIMEOUT"
	envVarMode            = envPrefix + "MODE"

	// Relay identity.
	envVarAuthMode  = envPrefix + "AUTH_MODE"
	envVarJWTSecret = envPrefix + "JWT_SECRET"
	envVarJWTTTL    = envPrefix + "JWT_TTL"

	// Relay WebSocket hardening.
	envVarSignalingJoinTimeout          = envPrefix + "SIGNALING_JOIN_TIMEOUT"
	envVarSignalingWSIdleTimeout        = envPrefix + "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = envPrefix + "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = envPrefix + "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = envPrefix + "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarClientSendQueueSize           = envPrefix + "CLIENT_SEND_QUEUE_SIZE"

	// Room directory.
	envVarAllowAdHocRooms     = envPrefix + "ALLOW_ADHOC_ROOMS"
	envVarDefaultRoomCapacity = envPrefix + "DEFAULT_ROOM_CAPACITY"
	envVarRoomTTL             = envPrefix + "ROOM_TTL"
	envVarRedisAddr           = envPrefix + "REDIS_ADDR"
	envVarRedisPassword       = envPrefix + "REDIS_PASSWORD"
	envVarRedisDB             = envPrefix + "REDIS_DB"

	// Ephemeral TURN credentials served from /webrtc/ice.
	envVarTurnRESTSecret         = envPrefix + "TURN_REST_SECRET"
	envVarTurnRESTTTL            = envPrefix + "TURN_REST_TTL"
	envVarTurnRESTUsernamePrefix = envPrefix + "TURN_REST_USERNAME_PREFIX"

	// Headless peer client.
	envVarSignalingURL       = envPrefix + "SIGNALING_URL"
	envVarRoomID             = envPrefix + "ROOM_ID"
	envVarUserID             = envPrefix + "USER_ID"
	envVarUserName           = envPrefix + "USER_NAME"
	envVarUserAvatar         = envPrefix + "USER_AVATAR"
	envVarToken              = envPrefix + "TOKEN"
	envVarDialTimeout        = envPrefix + "DIAL_TIMEOUT"
	envVarJoinTimeout        = envPrefix + "JOIN_TIMEOUT"
	envVarNegotiationTimeout = envPrefix + "NEGOTIATION_TIMEOUT"
	envVarEnableVideo        = envPrefix + "ENABLE_VIDEO"
	envVarEnableAudio        = envPrefix + "ENABLE_AUDIO"

	envVarWebRTCUDPPortMin             = envPrefix + "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = envPrefix + "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = envPrefix + "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = envPrefix + "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = envPrefix + "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr                 = "127.0.0.1:8080"
	DefaultShutdown                   = 15 * time.Second
	DefaultMode              Mode     = ModeDev
	DefaultAuthMode          AuthMode = AuthModeNone
	DefaultJWTTTL                     = 24 * time.Hour
	DefaultWebRTCUDPListenIP          = "0.0.0.0"

	DefaultSignalingJoinTimeout          = 5 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultClientSendQueueSize           = 64

	DefaultRoomCapacity = 8
	DefaultRoomTTL      = 24 * time.Hour

	DefaultTurnRESTTTL            = time.Hour
	DefaultTurnRESTUsernamePrefix = "livesession"

	DefaultSignalingURL       = "ws://127.0.0.1:8080/ws"
	DefaultDialTimeout        = 10 * time.Second
	DefaultJoinTimeout        = 15 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Each peer
// connection consumes at least one UDP port.
const recommendedWebRTCUDPPortRangeSize = 100

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

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// Config is shared by the relay and the headless peer binaries. Each binary
// reads the fields it needs; the rest keep their defaults.
type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	JWTSecret string
	JWTTTL    time.Duration

	// SignalingJoinTimeout bounds how long a freshly upgraded relay socket may
	// stay silent before sending join-room.
	SignalingJoinTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	ClientSendQueueSize           int

	// AllowAdHocRooms lets join-room create an unknown room on the fly instead
	// of rejecting it with room_not_found.
	AllowAdHocRooms     bool
	DefaultRoomCapacity int
	RoomTTL             time.Duration

	// RedisAddr selects the Redis room directory. Empty means in-memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SignalingURL       string
	RoomID             string
	UserID             string
	UserName           string
	UserAvatar         string
	Token              string
	DialTimeout        time.Duration
	JoinTimeout        time.Duration
	NegotiationTimeout time.Duration
	EnableVideo        bool
	EnableAudio        bool

	ICEServers []webrtc.ICEServer

	// TurnRESTSecret enables coturn-style ephemeral credentials for TURN
	// servers configured without a static username.
	TurnRESTSecret         string
	TurnRESTTTL            time.Duration
	TurnRESTUsernamePrefix string

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// running behind NAT. Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default".
	WebRTCUDPListenIP net.IP

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept
// separate so /readyz can fail without refusing to start.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads configuration from an optional .env file, the process
// environment and command-line flags, in increasing order of precedence.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
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

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	turnRESTSecret := envOrDefault(lookup, envVarTurnRESTSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTurnRESTUsernamePrefix, DefaultTurnRESTUsernamePrefix)

	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	roomID := envOrDefault(lookup, envVarRoomID, "")
	userID := envOrDefault(lookup, envVarUserID, "")
	userName := envOrDefault(lookup, envVarUserName, "")
	userAvatar := envOrDefault(lookup, envVarUserAvatar, "")
	token := envOrDefault(lookup, envVarToken, "")

	var (
		err                     error
		shutdownTimeout         time.Duration
		jwtTTL                  time.Duration
		signalingJoinTimeout    time.Duration
		signalingWSIdleTimeout  time.Duration
		signalingWSPingInterval time.Duration
		roomTTL                 time.Duration
		dialTimeout             time.Duration
		joinTimeout             time.Duration
		negotiationTimeout      time.Duration
		turnRESTTTL             time.Duration
	)
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{envVarShutdownTimeout, DefaultShutdown, &shutdownTimeout},
		{envVarJWTTTL, DefaultJWTTTL, &jwtTTL},
		{envVarSignalingJoinTimeout, DefaultSignalingJoinTimeout, &signalingJoinTimeout},
		{envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout, &signalingWSIdleTimeout},
		{envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval, &signalingWSPingInterval},
		{envVarRoomTTL, DefaultRoomTTL, &roomTTL},
		{envVarDialTimeout, DefaultDialTimeout, &dialTimeout},
		{envVarJoinTimeout, DefaultJoinTimeout, &joinTimeout},
		{envVarNegotiationTimeout, DefaultNegotiationTimeout, &negotiationTimeout},
		{envVarTurnRESTTTL, DefaultTurnRESTTTL, &turnRESTTTL},
	}
	for _, d := range durations {
		*d.dst, err = envDurationOrDefault(lookup, d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		maxSignalingMessageBytes, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	clientSendQueueSize, err := envIntOrDefault(lookup, envVarClientSendQueueSize, DefaultClientSendQueueSize)
	if err != nil {
		return Config{}, err
	}
	defaultRoomCapacity, err := envIntOrDefault(lookup, envVarDefaultRoomCapacity, DefaultRoomCapacity)
	if err != nil {
		return Config{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	allowAdHocRooms, err := envBoolOrDefault(lookup, envVarAllowAdHocRooms, false)
	if err != nil {
		return Config{}, err
	}
	enableVideo, err := envBoolOrDefault(lookup, envVarEnableVideo, true)
	if err != nil {
		return Config{}, err
	}
	enableAudio, err := envBoolOrDefault(lookup, envVarEnableAudio, true)
	if err != nil {
		return Config{}, err
	}

	var (
		webrtcUDPPortMin uint
		webrtcUDPPortMax uint
	)
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	nat1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	udpListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	iceServers, iceErr := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		strings.TrimSpace(turnRESTSecret) != "",
	)

	var (
		modeStr      = modeDefault
		logFormatStr = logFormatDefault
		logLevelStr  = logLevelDefault
	)

	fs := flag.NewFlagSet("livesession", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL used in logs (env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed by CORS and the WebSocket upgrade (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Runtime mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Identity mode: none or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&jwtTTL, "jwt-ttl", jwtTTL, "Lifetime of issued identity tokens (env "+envVarJWTTTL+")")

	fs.DurationVar(&signalingJoinTimeout, "signaling-join-timeout", signalingJoinTimeout, "Deadline for the first join-room message (env "+envVarSignalingJoinTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close relay sockets idle for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Relay ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Maximum inbound signaling frame size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Per-connection inbound message rate (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&clientSendQueueSize, "client-send-queue-size", clientSendQueueSize, "Per-connection outbound queue length (env "+envVarClientSendQueueSize+")")

	fs.BoolVar(&allowAdHocRooms, "allow-adhoc-rooms", allowAdHocRooms, "Create unknown rooms on join instead of rejecting (env "+envVarAllowAdHocRooms+")")
	fs.IntVar(&defaultRoomCapacity, "default-room-capacity", defaultRoomCapacity, "Capacity of rooms created without one (env "+envVarDefaultRoomCapacity+")")
	fs.DurationVar(&roomTTL, "room-ttl", roomTTL, "Expiry of room records (env "+envVarRoomTTL+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the room directory; empty keeps rooms in memory (env "+envVarRedisAddr+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of issued TURN credentials (env "+envVarTurnRESTTTL+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "Middle segment of issued TURN usernames (env "+envVarTurnRESTUsernamePrefix+")")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Relay WebSocket URL for the peer client (env "+envVarSignalingURL+")")
	fs.StringVar(&roomID, "room", roomID, "Room id or code to join (env "+envVarRoomID+")")
	fs.StringVar(&userID, "user-id", userID, "User id presented to the relay (env "+envVarUserID+")")
	fs.StringVar(&userName, "user-name", userName, "Display name presented to the relay (env "+envVarUserName+")")
	fs.StringVar(&userAvatar, "user-avatar", userAvatar, "Avatar URL presented to the relay (env "+envVarUserAvatar+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "WebSocket handshake timeout (env "+envVarDialTimeout+")")
	fs.DurationVar(&joinTimeout, "join-timeout", joinTimeout, "Time allowed for room-joined after join-room (env "+envVarJoinTimeout+")")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "Close a peer still negotiating after this long (env "+envVarNegotiationTimeout+")")
	fs.BoolVar(&enableVideo, "video", enableVideo, "Publish a video track (env "+envVarEnableVideo+")")
	fs.BoolVar(&enableAudio, "audio", enableAudio, "Publish an audio track (env "+envVarEnableAudio+")")

	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Minimum ICE UDP port (env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Maximum ICE UDP port (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&nat1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", nat1To1CandidateTypeStr, "host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&udpListenIPStr, "webrtc-udp-listen-ip", udpListenIPStr, "Local IP for ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{envVarJWTTTL, jwtTTL},
		{envVarSignalingJoinTimeout, signalingJoinTimeout},
		{envVarSignalingWSIdleTimeout, signalingWSIdleTimeout},
		{envVarSignalingWSPingInterval, signalingWSPingInterval},
		{envVarRoomTTL, roomTTL},
		{envVarDialTimeout, dialTimeout},
		{envVarJoinTimeout, joinTimeout},
		{envVarNegotiationTimeout, negotiationTimeout},
		{envVarTurnRESTTTL, turnRESTTTL},
	} {
		if d.v <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarSignalingWSPingInterval, signalingWSPingInterval,
			envVarSignalingWSIdleTimeout, signalingWSIdleTimeout,
		)
	}
	if strings.Contains(turnRESTUsernamePrefix, ":") || strings.TrimSpace(turnRESTUsernamePrefix) == "" {
		return Config{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTurnRESTUsernamePrefix)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if clientSendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--client-send-queue-size must be > 0", envVarClientSendQueueSize)
	}
	if defaultRoomCapacity < 2 {
		return Config{}, fmt.Errorf("%s/--default-room-capacity must be >= 2", envVarDefaultRoomCapacity)
	}
	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if signalingURL != "" {
		u, err := url.Parse(signalingURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/--signaling-url %q (expected ws:// or wss:// URL)", envVarSignalingURL, signalingURL)
		}
	}
	if publicBaseURL != "" {
		u, err := url.Parse(publicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/--public-base-url %q", envVarPublicBaseURL, publicBaseURL)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	var portRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		minPort, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMin, err)
		}
		maxPort, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCUDPPortMax, err)
		}
		if minPort > maxPort {
			return Config{}, fmt.Errorf("%s (%d) must be <= %s (%d)", envVarWebRTCUDPPortMin, minPort, envVarWebRTCUDPPortMax, maxPort)
		}
		if size := int(maxPort) - int(minPort) + 1; size < recommendedWebRTCUDPPortRangeSize {
			slog.Warn("webrtc udp port range is small; peers may fail to connect under load",
				"min", minPort, "max", maxPort, "size", size, "recommended_min", recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: minPort, Max: maxPort}
	}

	var nat1To1IPs []string
	if strings.TrimSpace(nat1To1IPsStr) != "" {
		nat1To1IPs, err = parseIPList(nat1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPs, err)
		}
	}
	candidateType, err := parseCandidateType(nat1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}
	udpListenIP := net.ParseIP(strings.TrimSpace(udpListenIPStr))
	if udpListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, udpListenIPStr)
	}

	return Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		JWTSecret: jwtSecret,
		JWTTTL:    jwtTTL,

		SignalingJoinTimeout:          signalingJoinTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		ClientSendQueueSize:           clientSendQueueSize,

		AllowAdHocRooms:     allowAdHocRooms,
		DefaultRoomCapacity: defaultRoomCapacity,
		RoomTTL:             roomTTL,
		RedisAddr:           redisAddr,
		RedisPassword:       redisPassword,
		RedisDB:             redisDB,

		SignalingURL:       signalingURL,
		RoomID:             roomID,
		UserID:             userID,
		UserName:           userName,
		UserAvatar:         userAvatar,
		Token:              token,
		DialTimeout:        dialTimeout,
		JoinTimeout:        joinTimeout,
		NegotiationTimeout: negotiationTimeout,
		EnableVideo:        enableVideo,
		EnableAudio:        enableAudio,

		ICEServers:                   iceServers,
		TurnRESTSecret:               turnRESTSecret,
		TurnRESTTTL:                  turnRESTTTL,
		TurnRESTUsernamePrefix:       turnRESTUsernamePrefix,
		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             nat1To1IPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
		WebRTCUDPListenIP:            udpListenIP,

		iceConfigErr: iceErr,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
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

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

// parseAllowedOrigins normalizes a comma-separated origin list to
// scheme://host[:port]. "*" is passed through.
func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		u, err := url.Parse(entry)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return nil, fmt.Errorf("invalid origin %q (must not include path, query, or credentials)", entry)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}

	return out, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
