package roster

import (
	"errors"
	"testing"

	"github.com/beatarena/livesession/internal/protocol"
)

type fakeConn struct {
	id     string
	closed int
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func newTestTracker() (*Tracker[*fakeConn], *[]*fakeConn) {
	var opened []*fakeConn
	tr := NewTracker(func(m Member) (*fakeConn, error) {
		c := &fakeConn{id: m.ID}
		opened = append(opened, c)
		return c, nil
	})
	return tr, &opened
}

func TestJoinThenLeaveRestoresRoster(t *testing.T) {
	tr, opened := newTestTracker()
	if _, _, err := tr.OnPeerJoined(Member{ID: "a", Name: "A"}); err != nil {
		t.Fatalf("join a: %v", err)
	}
	before := tr.Len()

	conn, created, err := tr.OnPeerJoined(Member{ID: "b", Name: "B"})
	if err != nil || !created {
		t.Fatalf("join b: created=%v err=%v", created, err)
	}
	if tr.Len() != before+1 {
		t.Fatalf("Len=%d, want %d", tr.Len(), before+1)
	}

	if !tr.OnPeerLeft("b") {
		t.Fatalf("OnPeerLeft(b)=false")
	}
	if tr.Len() != before {
		t.Fatalf("Len=%d after leave, want %d", tr.Len(), before)
	}
	if conn.closed != 1 {
		t.Fatalf("b's connection closed %d times", conn.closed)
	}
	if len(*opened) != 2 {
		t.Fatalf("opened %d connections, want 2", len(*opened))
	}
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	tr, opened := newTestTracker()
	first, _, _ := tr.OnPeerJoined(Member{ID: "a", Name: "old"})
	tr.Update("a", func(m *Member) { m.Status = StatusConnected })

	second, created, err := tr.OnPeerJoined(Member{ID: "a", Name: "new", Role: protocol.RoleJudge})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if created || second != first || len(*opened) != 1 {
		t.Fatalf("duplicate join opened a second connection")
	}
	m, _, _ := tr.Get("a")
	if m.Name != "new" || m.Role != protocol.RoleJudge {
		t.Fatalf("display fields not refreshed: %+v", m)
	}
	if m.Status != StatusConnected {
		t.Fatalf("rejoin reset status to %q", m.Status)
	}
}

func TestFactoryFailureLeavesTrackerUntouched(t *testing.T) {
	boom := errors.New("boom")
	tr := NewTracker(func(Member) (*fakeConn, error) { return nil, boom })
	if _, _, err := tr.OnPeerJoined(Member{ID: "a"}); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("member added despite factory failure")
	}
	if _, _, err := tr.OnPeerJoined(Member{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestRosterOrderAndClear(t *testing.T) {
	tr, opened := newTestTracker()
	for _, id := range []string{"c", "a", "b"} {
		if _, _, err := tr.OnPeerJoined(Member{ID: id}); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	tr.OnPeerLeft("a")
	tr.OnPeerLeft("zzz")

	roster := tr.Roster()
	if len(roster) != 2 || roster[0].ID != "c" || roster[1].ID != "b" {
		t.Fatalf("roster=%+v", roster)
	}
	var seen []string
	tr.Each(func(id string, _ *fakeConn) { seen = append(seen, id) })
	if len(seen) != 2 || seen[0] != "c" {
		t.Fatalf("Each order=%v", seen)
	}

	tr.Clear()
	if tr.Len() != 0 {
		t.Fatalf("Len=%d after Clear", tr.Len())
	}
	for _, c := range *opened {
		if c.closed != 1 {
			t.Fatalf("conn %s closed %d times", c.id, c.closed)
		}
	}
}

func TestMemberConversions(t *testing.T) {
	m := MemberFrom(protocol.PeerInfo{PeerID: "p", UserName: "N", Role: protocol.RoleHost, Media: protocol.MediaState{AudioEnabled: true}})
	if m.ID != "p" || m.Name != "N" || m.Role != protocol.RoleHost || !m.Media.AudioEnabled || m.Status != StatusConnecting {
		t.Fatalf("MemberFrom=%+v", m)
	}
	j := MemberFromJoin(protocol.Message{Type: protocol.TypePeerJoined, PeerID: "q", UserName: "Q", MediaState: &protocol.MediaState{VideoEnabled: true}})
	if j.ID != "q" || !j.Media.VideoEnabled {
		t.Fatalf("MemberFromJoin=%+v", j)
	}
}
