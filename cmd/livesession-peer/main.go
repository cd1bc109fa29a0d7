// Command livesession-peer joins a room as a headless participant with
// synthetic camera and microphone sources. It is used for load and smoke
// testing a relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/media"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/roster"
	"github.com/beatarena/livesession/internal/session"
	"github.com/beatarena/livesession/internal/webrtcpeer"
)

const statsInterval = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.RoomID == "" || cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "LIVESESSION_ROOM_ID and LIVESESSION_USER_ID are required")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	scfg := session.ConfigFrom(cfg)
	scfg.API = api
	scfg.Devices = media.NewSyntheticDevices()
	scfg.Metrics = m
	scfg.Logger = logger
	s, err := session.New(scfg)
	if err != nil {
		logger.Error("failed to create session", "err", err)
		os.Exit(2)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting livesession-peer",
		"signaling_url", cfg.SignalingURL,
		"room_id", cfg.RoomID,
		"user_id", cfg.UserID,
		"video", cfg.EnableVideo,
		"audio", cfg.EnableAudio,
	)
	if err := s.JoinRoom(ctx, cfg.RoomID); err != nil {
		logger.Error("join failed", "err", err, "recoverable", media.IsRecoverable(err))
		os.Exit(1)
	}

	updates, cancel := s.Subscribe()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap := <-updates:
				if snap.Status == session.StatusDisconnected {
					return fmt.Errorf("session lost: %w", snap.LastError)
				}
			}
		}
	})
	g.Go(func() error {
		tick := time.NewTicker(statsInterval)
		defer tick.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-tick.C:
				logStats(logger, s.Snapshot(), m)
			}
		}
	})

	err = g.Wait()
	if leaveErr := s.LeaveRoom(); leaveErr != nil {
		logger.Warn("leave failed", "err", leaveErr)
	}
	if err != nil {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
	logger.Info("left room")
}

func logStats(logger *slog.Logger, snap session.Snapshot, m *metrics.Metrics) {
	var packets, bytes uint64
	connected := 0
	for _, p := range snap.Peers {
		if p.Stream != nil {
			packets += p.Stream.Packets()
			bytes += p.Stream.Bytes()
		}
		if p.Status == roster.StatusConnected {
			connected++
		}
	}
	logger.Info("session stats",
		"status", snap.Status,
		"peers", len(snap.Peers),
		"connected", connected,
		"rx_packets", packets,
		"rx_bytes", bytes,
		"negotiations", m.Get(metrics.PeerNegotiations),
		"peer_failures", m.Get(metrics.SessionPeersFailed),
	)
}
