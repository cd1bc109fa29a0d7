// Package roster keeps the remote members of a room together with the one
// connection owned for each of them.
package roster

import (
	"fmt"
	"io"
	"sync"

	"github.com/beatarena/livesession/internal/protocol"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// Member is a remote peer as the local session sees it.
type Member struct {
	ID     string
	UserID string
	Name   string
	Avatar string
	Role   protocol.Role
	Media  protocol.MediaState
	Status Status
}

// MemberFrom converts a roster entry from room-joined.
func MemberFrom(p protocol.PeerInfo) Member {
	return Member{
		ID:     p.PeerID,
		UserID: p.UserID,
		Name:   p.UserName,
		Avatar: p.UserAvatar,
		Role:   p.Role,
		Media:  p.Media,
		Status: StatusConnecting,
	}
}

// MemberFromJoin converts a peer-joined announcement.
func MemberFromJoin(m protocol.Message) Member {
	member := Member{
		ID:     m.PeerID,
		UserID: m.UserID,
		Name:   m.UserName,
		Avatar: m.UserAvatar,
		Role:   m.Role,
		Status: StatusConnecting,
	}
	if m.MediaState != nil {
		member.Media = *m.MediaState
	}
	return member
}

// Factory opens the connection for a newly seen member.
type Factory[C io.Closer] func(Member) (C, error)

type entry[C io.Closer] struct {
	member Member
	conn   C
}

// Tracker is safe for concurrent use. A member is only ever present together
// with its connection.
type Tracker[C io.Closer] struct {
	factory Factory[C]

	mu      sync.Mutex
	entries map[string]*entry[C]
	order   []string
}

func NewTracker[C io.Closer](factory Factory[C]) *Tracker[C] {
	return &Tracker[C]{
		factory: factory,
		entries: make(map[string]*entry[C]),
	}
}

// OnPeerJoined returns the member's connection, creating it on first sight.
// A repeated join refreshes the display fields and keeps the connection.
func (t *Tracker[C]) OnPeerJoined(m Member) (conn C, created bool, err error) {
	if m.ID == "" {
		return conn, false, fmt.Errorf("roster: member without id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[m.ID]; ok {
		e.member.UserID = m.UserID
		e.member.Name = m.Name
		e.member.Avatar = m.Avatar
		e.member.Role = m.Role
		return e.conn, false, nil
	}

	c, err := t.factory(m)
	if err != nil {
		return conn, false, fmt.Errorf("roster: open connection for %s: %w", m.ID, err)
	}
	if m.Status == "" {
		m.Status = StatusConnecting
	}
	t.entries[m.ID] = &entry[C]{member: m, conn: c}
	t.order = append(t.order, m.ID)
	return c, true, nil
}

// OnPeerLeft closes and forgets the member's connection. Unknown ids are
// ignored.
func (t *Tracker[C]) OnPeerLeft(id string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.removeOrderLocked(id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	_ = e.conn.Close()
	return true
}

// Get returns the member and its connection.
func (t *Tracker[C]) Get(id string) (Member, C, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		var zero C
		return Member{}, zero, false
	}
	return e.member, e.conn, true
}

// Update applies fn to the stored member. The id cannot be changed.
func (t *Tracker[C]) Update(id string, fn func(*Member)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	fn(&e.member)
	e.member.ID = id
	return true
}

// Roster returns the members in join order.
func (t *Tracker[C]) Roster() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].member)
	}
	return out
}

// Each calls fn for every connection in join order. fn must not call back
// into the tracker.
func (t *Tracker[C]) Each(fn func(id string, conn C)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		fn(id, t.entries[id].conn)
	}
}

func (t *Tracker[C]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear closes every connection and empties the tracker.
func (t *Tracker[C]) Clear() {
	t.mu.Lock()
	entries := make([]*entry[C], 0, len(t.order))
	for _, id := range t.order {
		entries = append(entries, t.entries[id])
	}
	t.entries = make(map[string]*entry[C])
	t.order = nil
	t.mu.Unlock()

	for _, e := range entries {
		_ = e.conn.Close()
	}
}

func (t *Tracker[C]) removeOrderLocked(id string) {
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
