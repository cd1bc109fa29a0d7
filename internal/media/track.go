package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Track pumps samples from a Source into a pion local track. A disabled
// track keeps capturing but drops samples.
type Track struct {
	kind  Kind
	src   Source
	local *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	samples atomic.Uint64

	stopOnce sync.Once
	ended    chan struct{}
}

func newTrack(kind Kind, src Source, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(src.Codec(), kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &Track{
		kind:  kind,
		src:   src,
		local: local,
		ended: make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *Track) pump() {
	defer close(t.ended)
	for {
		sample, err := t.src.ReadSample()
		if err != nil {
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.local.WriteSample(sample); err == nil {
			t.samples.Add(1)
		}
	}
}

func (t *Track) Kind() Kind { return t.kind }

// Local is the handle given to peer connections.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) setEnabled(v bool) { t.enabled.Store(v) }

// Samples counts samples written while enabled.
func (t *Track) Samples() uint64 { return t.samples.Load() }

// Ended is closed when the source stops, whether through Stop or from the
// device side.
func (t *Track) Ended() <-chan struct{} { return t.ended }

// Stop closes the source and waits for the pump to exit.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		_ = t.src.Close()
	})
	<-t.ended
}

// Stream is the local user's outgoing media. Either track may be nil.
type Stream struct {
	ID    string
	Audio *Track
	Video *Track
}

// Tracks returns the pion tracks to attach to a new peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	var out []webrtc.TrackLocal
	if s.Audio != nil {
		out = append(out, s.Audio.Local())
	}
	if s.Video != nil {
		out = append(out, s.Video.Local())
	}
	return out
}
