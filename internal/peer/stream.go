package peer

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// RemoteStream collects every track a remote peer sends.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// HasKind reports whether a track of kind has arrived.
func (s *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// Packets is the number of RTP packets received across all tracks.
func (s *RemoteStream) Packets() uint64 { return s.packets.Load() }

func (s *RemoteStream) Bytes() uint64 { return s.bytes.Load() }
