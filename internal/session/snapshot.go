package session

import (
	"github.com/beatarena/livesession/internal/media"
	"github.com/beatarena/livesession/internal/peer"
	"github.com/beatarena/livesession/internal/protocol"
	"github.com/beatarena/livesession/internal/roster"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusJoined       Status = "joined"
	StatusDisconnected Status = "disconnected"
)

// Peer is one remote member with its connection state and incoming media.
type Peer struct {
	roster.Member
	State  peer.State
	Stream *peer.RemoteStream
}

// Snapshot is an immutable view of the session for rendering.
type Snapshot struct {
	Status      Status
	RoomID      string
	Room        *protocol.RoomInfo
	SelfID      string
	LocalStream *media.Stream
	Media       protocol.MediaState
	Peers       []Peer
	// LastError is the most recent user-facing failure, such as a denied
	// camera or a full room.
	LastError error
}

// Peer returns the remote peer with id.
func (s Snapshot) Peer(id string) (Peer, bool) {
	for _, p := range s.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

func memberStatus(s peer.State) roster.Status {
	switch s {
	case peer.StateConnected:
		return roster.StatusConnected
	case peer.StateReconnecting:
		return roster.StatusReconnecting
	case peer.StateClosed:
		return roster.StatusDisconnected
	default:
		return roster.StatusConnecting
	}
}

func (s *Session) buildSnapshot() Snapshot {
	snap := Snapshot{
		Status:      s.status,
		RoomID:      s.roomID,
		SelfID:      s.selfID,
		LocalStream: s.media.Stream(),
		Media:       s.media.State(),
		LastError:   s.lastErr,
	}
	if s.room != nil {
		room := *s.room
		snap.Room = &room
	}
	for _, m := range s.peers.Roster() {
		p := Peer{Member: m}
		if _, conn, ok := s.peers.Get(m.ID); ok {
			p.State = conn.State()
			p.Stream = conn.RemoteStream()
		}
		snap.Peers = append(snap.Peers, p)
	}
	return snap
}

// publish stores the latest snapshot and hands it to every subscriber,
// replacing one they have not read yet.
func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.snap = snap
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Snapshot returns the most recently published state.
func (s *Session) Snapshot() Snapshot {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.snap
}

// Subscribe delivers the latest snapshot after every change. Slow readers
// only see the newest one. Call cancel to stop delivery.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snap
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}
