package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/beatarena/livesession/internal/auth"
	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/httpserver"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/origin"
	"github.com/beatarena/livesession/internal/relay"
	"github.com/beatarena/livesession/internal/rooms"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting livesession-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"allow_adhoc_rooms", cfg.AllowAdHocRooms,
		"default_room_capacity", cfg.DefaultRoomCapacity,
		"redis", cfg.RedisAddr != "",
		"turn_rest", cfg.TurnRESTSecret != "",
	)
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.SetMetrics(m)

	store, err := openStore(ctx, cfg, srv)
	if err != nil {
		logger.Error("failed to open room directory", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	hubCfg := relay.ConfigFrom(cfg, store, m, logger)
	hubCfg.CheckOrigin = origin.Checker(cfg.AllowedOrigins)
	hub := relay.New(hubCfg)
	srv.Mux().Handle("GET /ws", hub)

	apiCfg := rooms.APIConfig{
		Store:        store,
		Notifier:     hub,
		Logger:       logger,
		Authenticate: auth.TrustUserHeader(),
	}
	if cfg.AuthMode == config.AuthModeJWT {
		apiCfg.Authenticate = auth.RequireJWT(hubCfg.JWT)
		if cfg.Mode == config.ModeDev {
			apiCfg.TokenIssuer = hubCfg.JWT
		}
	}
	srv.Mux().Handle("/api/", rooms.NewHandler(apiCfg))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		hub.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay exited", "err", err)
		os.Exit(1)
	}
}

// openStore picks Redis when configured and registers its readiness probe.
func openStore(ctx context.Context, cfg config.Config, srv *httpserver.Server) (rooms.Store, error) {
	if cfg.RedisAddr == "" {
		return rooms.NewMemoryStore(cfg.DefaultRoomCapacity, cfg.RoomTTL), nil
	}
	rs, err := rooms.NewRedisStore(ctx, &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.DefaultRoomCapacity, cfg.RoomTTL)
	if err != nil {
		return nil, err
	}
	srv.AddReadyCheck(rs.Ping)
	return rs, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
