package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/beatarena/livesession/internal/auth"
	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/ratelimit"
	"github.com/beatarena/livesession/internal/rooms"
)

type Config struct {
	Store rooms.Store

	AuthMode config.AuthMode
	// JWT verifies identity tokens when AuthMode is jwt.
	JWT *auth.JWT

	// AllowAdHocRooms creates unknown rooms on join-room instead of
	// rejecting them.
	AllowAdHocRooms bool

	JoinTimeout          time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	// CheckOrigin is passed to the WebSocket upgrader. Nil keeps gorilla's
	// same-origin default.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

func DefaultConfig() Config {
	return Config{
		AuthMode:             config.AuthModeNone,
		JoinTimeout:          config.DefaultSignalingJoinTimeout,
		IdleTimeout:          config.DefaultSignalingWSIdleTimeout,
		PingInterval:         config.DefaultSignalingWSPingInterval,
		MaxMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
		SendQueueSize:        config.DefaultClientSendQueueSize,
	}
}

// ConfigFrom maps process configuration onto a hub Config.
func ConfigFrom(cfg config.Config, store rooms.Store, m *metrics.Metrics, logger *slog.Logger) Config {
	c := Config{
		Store:                store,
		AuthMode:             cfg.AuthMode,
		AllowAdHocRooms:      cfg.AllowAdHocRooms,
		JoinTimeout:          cfg.SignalingJoinTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:        cfg.ClientSendQueueSize,
		Metrics:              m,
		Logger:               logger,
	}
	if cfg.AuthMode == config.AuthModeJWT {
		c.JWT = auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL)
	}
	return c
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.AuthMode == "" {
		c.AuthMode = d.AuthMode
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.Store == nil {
		c.Store = rooms.NewMemoryStore(config.DefaultRoomCapacity, config.DefaultRoomTTL)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}
