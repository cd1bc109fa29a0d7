// Package session ties the signaling transport, room roster, peer
// connections and local media together for one user in one room.
//
// Every state change happens on a single dispatch goroutine. Transport
// reads, pion callbacks and API calls only enqueue events for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/media"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/peer"
	"github.com/beatarena/livesession/internal/protocol"
	"github.com/beatarena/livesession/internal/roster"
	"github.com/beatarena/livesession/internal/signaling"
	"github.com/beatarena/livesession/internal/webrtcpeer"
)

type Config struct {
	SignalingURL string

	UserID     string
	UserName   string
	UserAvatar string
	Role       protocol.Role
	Token      string

	Video bool
	Audio bool

	// JoinTimeout bounds media acquisition, dialing and the wait for
	// room-joined together.
	JoinTimeout        time.Duration
	NegotiationTimeout time.Duration

	API           *webrtc.API
	Configuration webrtc.Configuration
	Devices       media.Devices
	Transport     signaling.Config

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ConfigFrom maps the process configuration onto a session. The caller
// supplies the API and devices.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		SignalingURL:       cfg.SignalingURL,
		UserID:             cfg.UserID,
		UserName:           cfg.UserName,
		UserAvatar:         cfg.UserAvatar,
		Token:              cfg.Token,
		Video:              cfg.EnableVideo,
		Audio:              cfg.EnableAudio,
		JoinTimeout:        cfg.JoinTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		Configuration:      webrtcpeer.Configuration(cfg),
		Transport: signaling.Config{
			DialTimeout:     cfg.DialTimeout,
			IdleTimeout:     cfg.SignalingWSIdleTimeout,
			MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		},
	}
}

type (
	event any

	msgEvent struct {
		gen uint64
		msg protocol.Message
	}
	statusEvent struct {
		gen    uint64
		status signaling.Status
	}
	peerEvent struct {
		gen uint64
		ev  peer.Event
	}
	mediaEvent struct{}
	callEvent  struct {
		fn   func()
		done chan struct{}
	}
)

type Session struct {
	cfg   Config
	log   *slog.Logger
	media *media.Controller

	in        *inbox
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Owned by the dispatch loop. gen changes whenever a join starts or the
	// session is torn down; events from older generations are dropped.
	gen        uint64
	status     Status
	roomID     string
	room       *protocol.RoomInfo
	selfID     string
	lastErr    error
	tr         *signaling.Transport
	peers      *roster.Tracker[*peer.Conn]
	failed     map[string]bool
	cancelJoin context.CancelFunc
	joined     chan error

	annMu      sync.Mutex
	announceTo *signaling.Transport

	subMu   sync.Mutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

func New(cfg Config) (*Session, error) {
	if cfg.SignalingURL == "" {
		cfg.SignalingURL = config.DefaultSignalingURL
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = config.DefaultJoinTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger
	}
	if cfg.Transport.Metrics == nil {
		cfg.Transport.Metrics = cfg.Metrics
	}
	if cfg.API == nil {
		api, err := webrtcpeer.NewAPI(config.Config{}, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("session: webrtc api: %w", err)
		}
		cfg.API = api
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger.With("user_id", cfg.UserID),
		in:       newInbox(),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		status:   StatusIdle,
		failed:   make(map[string]bool),
		snap:     Snapshot{Status: StatusIdle},
		subs:     make(map[int]chan Snapshot),
	}
	s.media = media.NewController(media.Config{
		Devices:   cfg.Devices,
		Announcer: announcer{s},
		OnChange:  func(protocol.MediaState) { s.in.push(mediaEvent{}) },
		Logger:    cfg.Logger,
	})
	s.peers = roster.NewTracker[*peer.Conn](s.openPeer)
	go s.loop()
	return s, nil
}

// Media exposes the local media controller.
func (s *Session) Media() *media.Controller { return s.media }

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			s.in.close()
			return
		case <-s.in.ready:
		}
		for _, ev := range s.in.take() {
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev event) {
	switch ev := ev.(type) {
	case callEvent:
		ev.fn()
		s.publish()
		close(ev.done)
		return
	case msgEvent:
		if ev.gen != s.gen {
			return
		}
		s.handleMessage(ev.msg)
	case statusEvent:
		if ev.gen != s.gen {
			return
		}
		s.handleStatus(ev.status)
	case peerEvent:
		if ev.gen != s.gen {
			return
		}
		s.handlePeerEvent(ev.ev)
	case mediaEvent:
	}
	s.publish()
}

// do runs fn on the dispatch loop and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	if !s.in.push(callEvent{fn: fn, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return ErrClosed
	}
}

// JoinRoom acquires local media, connects to the relay and waits for
// room-joined. Peer traffic is handled in the background afterwards.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("session: empty room id")
	}
	joinCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	var (
		gen      uint64
		tr       *signaling.Transport
		joined   chan error
		startErr error
	)
	if err := s.do(func() {
		if s.status == StatusConnecting || s.status == StatusJoined {
			startErr = ErrAlreadyJoined
			return
		}
		s.gen++
		gen = s.gen
		s.status = StatusConnecting
		s.roomID = roomID
		s.room = nil
		s.selfID = ""
		s.lastErr = nil
		s.failed = make(map[string]bool)
		s.cancelJoin = cancel
		s.joined = make(chan error, 1)
		joined = s.joined
		s.tr = s.newTransport(gen)
		tr = s.tr
	}); err != nil {
		return err
	}
	if startErr != nil {
		return startErr
	}
	s.log.Info("joining room", "room_id", roomID)

	if _, err := s.media.Acquire(joinCtx, s.cfg.Video, s.cfg.Audio); err != nil {
		return s.failJoin(gen, fmt.Errorf("acquire media: %w", err), StatusIdle)
	}
	if err := tr.Connect(joinCtx, s.cfg.SignalingURL); err != nil {
		return s.failJoin(gen, err, StatusDisconnected)
	}
	join := protocol.Message{
		Type:       protocol.TypeJoinRoom,
		RoomID:     roomID,
		UserID:     s.cfg.UserID,
		UserName:   s.cfg.UserName,
		UserAvatar: s.cfg.UserAvatar,
		Role:       s.cfg.Role,
		Token:      s.cfg.Token,
	}
	if err := tr.Send(join); err != nil {
		return s.failJoin(gen, fmt.Errorf("send join-room: %w", err), StatusDisconnected)
	}

	select {
	case err := <-joined:
		return s.finishJoin(gen, err)
	case <-joinCtx.Done():
		select {
		case err := <-joined:
			return s.finishJoin(gen, err)
		default:
		}
		err := joinCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrJoinTimeout
		}
		return s.failJoin(gen, err, StatusDisconnected)
	}
}

func (s *Session) finishJoin(gen uint64, err error) error {
	if err != nil {
		return s.failJoin(gen, err, StatusDisconnected)
	}
	s.cfg.Metrics.Inc(metrics.SessionJoins)
	return nil
}

// failJoin tears down a join attempt that is still current. Media is kept
// so the caller can retry without asking for devices again.
func (s *Session) failJoin(gen uint64, cause error, status Status) error {
	s.cfg.Metrics.Inc(metrics.SessionJoinFailures)
	stale := false
	if err := s.do(func() {
		if gen != s.gen {
			stale = true
			return
		}
		s.teardown(status, false)
		s.lastErr = cause
	}); err != nil {
		// The loop is gone; nothing else will release what this join opened.
		s.media.Release()
		return ErrClosed
	}
	if stale {
		return ErrLeft
	}
	s.log.Warn("join failed", "err", cause)
	return cause
}

// LeaveRoom closes every peer, releases local media and closes the
// transport. It also aborts a join in progress.
func (s *Session) LeaveRoom() error {
	return s.do(func() {
		if s.status == StatusJoined && s.tr != nil {
			_ = s.tr.Send(protocol.Message{Type: protocol.TypeLeaveRoom, RoomID: s.roomID})
		}
		wasIdle := s.status == StatusIdle
		s.teardown(StatusIdle, true)
		s.lastErr = nil
		if !wasIdle {
			s.log.Info("left room")
		}
	})
}

// Close leaves the room and stops the dispatch loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.LeaveRoom()
		close(s.quit)
		<-s.loopDone
	})
	return nil
}

func (s *Session) ToggleAudio() (protocol.MediaState, error) {
	return s.media.ToggleAudio()
}

func (s *Session) ToggleVideo() (protocol.MediaState, error) {
	return s.media.ToggleVideo()
}

// StartScreenShare replaces the outgoing video of every peer with a display
// capture until StopScreenShare or the capture ends.
func (s *Session) StartScreenShare(ctx context.Context) error {
	err := s.media.StartScreenShare(ctx)
	if err != nil {
		_ = s.do(func() { s.lastErr = err })
	}
	return err
}

func (s *Session) StopScreenShare() error {
	return s.media.StopScreenShare()
}

// teardown runs on the loop. It drops every peer and the transport and
// starts a new generation.
func (s *Session) teardown(status Status, releaseMedia bool) {
	s.gen++
	if s.cancelJoin != nil {
		s.cancelJoin()
		s.cancelJoin = nil
	}
	if s.joined != nil {
		select {
		case s.joined <- ErrLeft:
		default:
		}
		s.joined = nil
	}
	s.setAnnounceTarget(nil)

	s.peers.Each(func(id string, _ *peer.Conn) { s.media.Unregister(id) })
	s.peers.Clear()
	if releaseMedia {
		s.media.Release()
	}
	if s.tr != nil {
		_ = s.tr.Close()
		s.tr = nil
	}

	s.status = status
	s.room = nil
	s.selfID = ""
	if status == StatusIdle {
		s.roomID = ""
	}
}

func (s *Session) newTransport(gen uint64) *signaling.Transport {
	tr := signaling.New(s.cfg.Transport)
	tr.OnMessage(func(m protocol.Message) { s.in.push(msgEvent{gen: gen, msg: m}) })
	tr.OnStatus(func(st signaling.Status) { s.in.push(statusEvent{gen: gen, status: st}) })
	return tr
}

func (s *Session) handleStatus(st signaling.Status) {
	if st != signaling.StatusDisconnected {
		return
	}
	switch s.status {
	case StatusConnecting:
		// JoinRoom owns the teardown of a pending join.
		if s.joined != nil {
			s.joined <- ErrDisconnected
			s.joined = nil
		}
	case StatusJoined:
		s.cfg.Metrics.Inc(metrics.SessionDisconnects)
		s.log.Warn("signaling connection lost", "room_id", s.roomID, "peers", s.peers.Len())
		s.teardown(StatusDisconnected, false)
		s.lastErr = ErrDisconnected
	}
}

func (s *Session) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRoomJoined:
		s.onRoomJoined(msg)
	case protocol.TypePeerJoined:
		if msg.PeerID != s.selfID {
			s.addPeer(roster.MemberFromJoin(msg), true)
		}
	case protocol.TypePeerLeft:
		s.removePeer(msg.PeerID)
	case protocol.TypeOffer:
		s.onOffer(msg)
	case protocol.TypeAnswer:
		_, conn, ok := s.peers.Get(msg.FromPeer)
		if !ok {
			s.log.Debug("answer from unknown peer", "peer_id", msg.FromPeer)
			return
		}
		if err := conn.HandleAnswer(*msg.Answer); err != nil {
			s.failPeer(msg.FromPeer, err)
		}
	case protocol.TypeICECandidate:
		conn := s.ensurePeer(msg.FromPeer)
		if conn == nil {
			return
		}
		if err := conn.AddICECandidate(*msg.Candidate); err != nil {
			s.log.Debug("add ice candidate", "peer_id", msg.FromPeer, "err", err)
		}
	case protocol.TypeMediaStateChange, protocol.TypeToggleAudio, protocol.TypeToggleVideo:
		st := *msg.MediaState
		s.peers.Update(msg.FromPeer, func(m *roster.Member) { m.Media = st })
	case protocol.TypeRoomStatus:
		if msg.Room != nil {
			s.room = msg.Room
		}
	case protocol.TypeError:
		err := &RelayError{Code: msg.Code, Message: msg.Message}
		s.lastErr = err
		s.log.Warn("relay error", "code", msg.Code, "message", msg.Message)
		if s.status == StatusConnecting && s.joined != nil {
			s.joined <- err
			s.joined = nil
		}
	}
}

func (s *Session) onRoomJoined(msg protocol.Message) {
	if s.status != StatusConnecting {
		return
	}
	s.selfID = msg.PeerID
	s.room = msg.Room
	s.status = StatusJoined
	s.cancelJoin = nil
	s.setAnnounceTarget(s.tr)
	if s.joined != nil {
		s.joined <- nil
		s.joined = nil
	}
	s.log.Info("joined room", "room_id", msg.RoomID, "peer_id", msg.PeerID, "peers", len(msg.Peers))

	for _, p := range msg.Peers {
		if p.PeerID != s.selfID {
			s.addPeer(roster.MemberFrom(p), true)
		}
	}
	st := s.media.State()
	if err := s.tr.Send(protocol.Message{Type: protocol.TypeMediaStateChange, MediaState: &st}); err != nil {
		s.log.Debug("announce initial media state", "err", err)
	}
}

func (s *Session) onOffer(msg protocol.Message) {
	conn := s.ensurePeer(msg.FromPeer)
	if conn == nil {
		return
	}
	if conn.State() == peer.StateOffering && peer.ShouldInitiate(s.selfID, msg.FromPeer) {
		// The remote should have waited for our offer.
		s.log.Warn("ignoring offer from non-initiating peer", "peer_id", msg.FromPeer)
		return
	}
	if err := conn.HandleOffer(*msg.Offer); err != nil {
		s.failPeer(msg.FromPeer, err)
	}
}

// ensurePeer returns the connection for id, opening one without offering
// when negotiation traffic arrives before peer-joined.
func (s *Session) ensurePeer(id string) *peer.Conn {
	if id == "" || id == s.selfID || s.failed[id] {
		return nil
	}
	if _, conn, ok := s.peers.Get(id); ok {
		return conn
	}
	return s.addPeer(roster.Member{ID: id}, false)
}

func (s *Session) addPeer(m roster.Member, initiate bool) *peer.Conn {
	if s.failed[m.ID] {
		return nil
	}
	conn, created, err := s.peers.OnPeerJoined(m)
	if err != nil {
		s.log.Warn("open peer connection", "peer_id", m.ID, "err", err)
		return nil
	}
	if !created {
		return conn
	}
	s.media.Register(m.ID, conn)
	if initiate && peer.ShouldInitiate(s.selfID, m.ID) {
		if err := conn.CreateOffer(); err != nil {
			s.failPeer(m.ID, err)
			return nil
		}
	}
	return conn
}

// openPeer is the roster factory. It runs on the loop.
func (s *Session) openPeer(m roster.Member) (*peer.Conn, error) {
	gen := s.gen
	conn, err := peer.New(m.ID, peer.Config{
		API:                s.cfg.API,
		Configuration:      s.cfg.Configuration,
		Signaler:           s.tr,
		NegotiationTimeout: s.cfg.NegotiationTimeout,
		OnEvent:            func(ev peer.Event) { s.in.push(peerEvent{gen: gen, ev: ev}) },
		Metrics:            s.cfg.Metrics,
		Logger:             s.cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.AttachLocalStream(s.media.Stream().Tracks()...); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Session) removePeer(id string) {
	s.media.Unregister(id)
	if s.peers.OnPeerLeft(id) {
		s.log.Debug("peer removed", "peer_id", id)
	}
}

// failPeer closes one peer after a negotiation error. It is not retried.
func (s *Session) failPeer(id string, err error) {
	s.cfg.Metrics.Inc(metrics.SessionPeersFailed)
	s.log.Warn("peer failed", "peer_id", id, "err", err)
	s.failed[id] = true
	s.removePeer(id)
}

func (s *Session) handlePeerEvent(ev peer.Event) {
	switch ev := ev.(type) {
	case peer.StateChanged:
		s.peers.Update(ev.PeerID, func(m *roster.Member) { m.Status = memberStatus(ev.To) })
		if ev.To == peer.StateClosed {
			s.removePeer(ev.PeerID)
		}
	case peer.TrackAdded:
		s.log.Debug("remote track added", "peer_id", ev.PeerID, "kind", ev.Track.Kind().String())
	case peer.NegotiationFailed:
		s.failPeer(ev.PeerID, ev.Err)
	}
}

func (s *Session) setAnnounceTarget(tr *signaling.Transport) {
	s.annMu.Lock()
	s.announceTo = tr
	s.annMu.Unlock()
}

// announcer forwards local media changes to the room while joined.
type announcer struct{ s *Session }

func (a announcer) Announce(typ protocol.MessageType, st protocol.MediaState) error {
	a.s.annMu.Lock()
	tr := a.s.announceTo
	a.s.annMu.Unlock()
	if tr == nil {
		return signaling.ErrNotConnected
	}
	return tr.Send(protocol.Message{Type: typ, MediaState: &st})
}
