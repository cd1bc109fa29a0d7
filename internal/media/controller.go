// Package media owns the local user's capture tracks: camera, microphone and
// screen share. Peer connections only ever get read-only track handles.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/beatarena/livesession/internal/protocol"
)

// Announcer tells the room about local media changes.
type Announcer interface {
	Announce(typ protocol.MessageType, state protocol.MediaState) error
}

// VideoSink is a peer connection whose outgoing video can be swapped.
type VideoSink interface {
	ReplaceVideoTrack(track webrtc.TrackLocal) error
}

type Config struct {
	Devices   Devices
	Announcer Announcer
	// OnChange is called after every change to the local media state,
	// including the automatic revert when screen sharing ends from the OS
	// side. It may be called from a background goroutine.
	OnChange func(protocol.MediaState)
	Logger   *slog.Logger
}

type Controller struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	stream   *Stream
	screen   *Track
	sinks    map[string]VideoSink
	released bool
	wg       sync.WaitGroup
}

func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:   cfg,
		log:   cfg.Logger,
		sinks: make(map[string]VideoSink),
	}
}

// Acquire opens the requested devices. With neither requested it returns
// (nil, nil). On failure or cancellation anything already opened is stopped
// again. Calling Acquire again returns the existing stream.
func (c *Controller) Acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	if !video && !audio {
		return nil, nil
	}
	c.mu.Lock()
	if c.stream != nil {
		s := c.stream
		c.mu.Unlock()
		return s, nil
	}
	c.released = false
	c.mu.Unlock()

	s := &Stream{ID: "local-" + uuid.NewString()}
	if audio {
		t, err := c.open(ctx, KindMicrophone, s.ID)
		if err != nil {
			return nil, err
		}
		s.Audio = t
	}
	if video {
		t, err := c.open(ctx, KindCamera, s.ID)
		if err != nil {
			if s.Audio != nil {
				s.Audio.Stop()
			}
			return nil, err
		}
		s.Video = t
	}
	// Devices may finish opening after the caller gave up.
	if err := ctx.Err(); err != nil {
		stopStream(s)
		return nil, err
	}

	c.mu.Lock()
	if c.released || c.stream != nil {
		// Released or acquired concurrently; keep the winner.
		existing := c.stream
		c.mu.Unlock()
		stopStream(s)
		if existing == nil {
			return nil, ErrReleased
		}
		return existing, nil
	}
	c.stream = s
	c.mu.Unlock()

	c.log.Info("local media acquired", "audio", s.Audio != nil, "video", s.Video != nil)
	c.changed()
	return s, nil
}

func (c *Controller) open(ctx context.Context, kind Kind, streamID string) (*Track, error) {
	if c.cfg.Devices == nil {
		return nil, &DeviceError{Kind: kind, Err: ErrDeviceNotFound}
	}
	src, err := c.cfg.Devices.Open(ctx, kind)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DeviceError{Kind: kind, Err: err}
	}
	t, err := newTrack(kind, src, streamID)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return t, nil
}

// Stream returns the acquired local stream, or nil.
func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// State reports the flags announced to the room.
func (c *Controller) State() protocol.MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() protocol.MediaState {
	var st protocol.MediaState
	if c.stream != nil {
		st.AudioEnabled = c.stream.Audio != nil && c.stream.Audio.Enabled()
		st.VideoEnabled = c.stream.Video != nil && c.stream.Video.Enabled()
	}
	st.ScreenSharing = c.screen != nil
	return st
}

// ActiveTracks counts tracks that are still capturing.
func (c *Controller) ActiveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range []*Track{c.streamTrack(KindMicrophone), c.streamTrack(KindCamera), c.screen} {
		if t == nil {
			continue
		}
		select {
		case <-t.Ended():
		default:
			n++
		}
	}
	return n
}

func (c *Controller) streamTrack(kind Kind) *Track {
	if c.stream == nil {
		return nil
	}
	if kind == KindMicrophone {
		return c.stream.Audio
	}
	return c.stream.Video
}

// ToggleAudio flips the microphone track and announces the new state.
func (c *Controller) ToggleAudio() (protocol.MediaState, error) {
	return c.toggle(KindMicrophone, protocol.TypeToggleAudio)
}

// ToggleVideo flips the camera track and announces the new state.
func (c *Controller) ToggleVideo() (protocol.MediaState, error) {
	return c.toggle(KindCamera, protocol.TypeToggleVideo)
}

func (c *Controller) toggle(kind Kind, typ protocol.MessageType) (protocol.MediaState, error) {
	c.mu.Lock()
	t := c.streamTrack(kind)
	if t == nil {
		st := c.stateLocked()
		c.mu.Unlock()
		return st, fmt.Errorf("toggle %s: %w", kind, ErrNoTrack)
	}
	t.setEnabled(!t.Enabled())
	st := c.stateLocked()
	c.mu.Unlock()

	c.announce(typ, st)
	c.changed()
	return st, nil
}

// Register adds a peer connection whose video follows screen sharing. A
// sink registered mid-share switches to the screen track immediately.
func (c *Controller) Register(id string, sink VideoSink) {
	c.mu.Lock()
	c.sinks[id] = sink
	screen := c.screen
	c.mu.Unlock()
	if screen != nil {
		if err := sink.ReplaceVideoTrack(screen.Local()); err != nil {
			c.log.Warn("switch new peer to screen share", "peer_id", id, "err", err)
		}
	}
}

func (c *Controller) Unregister(id string) {
	c.mu.Lock()
	delete(c.sinks, id)
	c.mu.Unlock()
}

// StartScreenShare swaps every registered sink's video to a display
// capture. When the display source ends on its own, every sink reverts to
// the camera.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	streamID := "screen-" + uuid.NewString()
	if c.stream != nil {
		streamID = c.stream.ID
	}
	c.mu.Unlock()

	screen, err := c.open(ctx, KindDisplay, streamID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.screen != nil || c.released {
		c.mu.Unlock()
		screen.Stop()
		return nil
	}
	c.screen = screen
	sinks := c.sinksLocked()
	st := c.stateLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	if n := c.replaceAll(sinks, screen.Local()); n == 0 && len(sinks) > 0 {
		c.abortScreen(screen, sinks)
		return fmt.Errorf("screen share: %w", ErrNoVideoSink)
	}
	go c.watchScreen(screen)

	c.log.Info("screen share started", "peers", len(sinks))
	c.announce(protocol.TypeMediaStateChange, st)
	c.changed()
	return nil
}

// abortScreen undoes a share no peer accepted. Sinks registered meanwhile
// were handed the screen and go back to the camera.
func (c *Controller) abortScreen(screen *Track, tried map[string]VideoSink) {
	c.mu.Lock()
	if c.screen == screen {
		c.screen = nil
	}
	late := make(map[string]VideoSink)
	for id, s := range c.sinks {
		if _, ok := tried[id]; !ok {
			late[id] = s
		}
	}
	var camera webrtc.TrackLocal
	if t := c.streamTrack(KindCamera); t != nil {
		camera = t.Local()
	}
	c.mu.Unlock()

	c.replaceAll(late, camera)
	screen.Stop()
	c.wg.Done()
	c.log.Warn("screen share rejected by every peer", "peers", len(tried))
}

// StopScreenShare reverts every sink to the camera. No-op when not sharing.
func (c *Controller) StopScreenShare() error {
	c.stopScreen(nil)
	return nil
}

func (c *Controller) watchScreen(screen *Track) {
	defer c.wg.Done()
	<-screen.Ended()
	if c.stopScreen(screen) {
		c.log.Info("screen share ended by the system")
	}
}

// stopScreen tears down the current screen share. With only set, nothing
// happens unless only is still the active share.
func (c *Controller) stopScreen(only *Track) bool {
	c.mu.Lock()
	screen := c.screen
	if screen == nil || (only != nil && screen != only) {
		c.mu.Unlock()
		return false
	}
	c.screen = nil
	sinks := c.sinksLocked()
	var camera webrtc.TrackLocal
	if t := c.streamTrack(KindCamera); t != nil {
		camera = t.Local()
	}
	st := c.stateLocked()
	c.mu.Unlock()

	c.replaceAll(sinks, camera)
	screen.Stop()
	c.announce(protocol.TypeMediaStateChange, st)
	c.changed()
	return true
}

func (c *Controller) sinksLocked() map[string]VideoSink {
	out := make(map[string]VideoSink, len(c.sinks))
	for id, s := range c.sinks {
		out[id] = s
	}
	return out
}

// replaceAll returns how many sinks took the track.
func (c *Controller) replaceAll(sinks map[string]VideoSink, track webrtc.TrackLocal) int {
	n := 0
	for id, sink := range sinks {
		if err := sink.ReplaceVideoTrack(track); err != nil {
			c.log.Warn("replace video track", "peer_id", id, "err", err)
			continue
		}
		n++
	}
	return n
}

// Release stops every local track. Safe to call more than once.
func (c *Controller) Release() {
	c.mu.Lock()
	c.released = true
	s := c.stream
	c.stream = nil
	screen := c.screen
	c.screen = nil
	c.sinks = make(map[string]VideoSink)
	c.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	c.wg.Wait()
	if s != nil {
		stopStream(s)
		c.log.Info("local media released")
	}
	if s != nil || screen != nil {
		c.changed()
	}
}

func stopStream(s *Stream) {
	if s.Audio != nil {
		s.Audio.Stop()
	}
	if s.Video != nil {
		s.Video.Stop()
	}
}

func (c *Controller) announce(typ protocol.MessageType, st protocol.MediaState) {
	if c.cfg.Announcer == nil {
		return
	}
	if err := c.cfg.Announcer.Announce(typ, st); err != nil {
		c.log.Debug("announce media state", "type", typ, "err", err)
	}
}

func (c *Controller) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.State())
	}
}
