package rooms

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	room    Room
	peers   map[string]struct{}
	expires time.Time
}

// MemoryStore keeps rooms in process. Used when no Redis address is
// configured and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memoryEntry
	codes map[string]string

	defaultCapacity int
	ttl             time.Duration
	now             func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(defaultCapacity int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		rooms:           make(map[string]*memoryEntry),
		codes:           make(map[string]string),
		defaultCapacity: defaultCapacity,
		ttl:             ttl,
		now:             time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, r Room) (Room, error) {
	now := s.now()
	r, err := prepare(r, s.defaultCapacity, now)
	if err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := s.lookupLocked(r.ID, now); ok {
		return Room{}, ErrExists
	}
	for {
		code, err := generateCode()
		if err != nil {
			return Room{}, err
		}
		if _, taken := s.codes[code]; !taken {
			r.Code = code
			break
		}
	}

	s.rooms[r.ID] = &memoryEntry{
		room:    r,
		peers:   make(map[string]struct{}),
		expires: now.Add(s.ttl),
	}
	s.codes[r.Code] = r.ID
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, idOrCode string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.resolveLocked(idOrCode, s.now())
	if !ok {
		return Room{}, ErrNotFound
	}
	return e.room, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id, s.now())
	if !ok {
		return Room{}, ErrNotFound
	}
	r, err := applyStatus(e.room, status)
	if err != nil {
		return Room{}, err
	}
	e.room = r
	return r, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(id, s.now())
	if !ok {
		return ErrNotFound
	}
	s.removeLocked(e)
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, roomID, peerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(roomID, s.now())
	if !ok {
		return 0, ErrNotFound
	}
	e.peers[peerID] = struct{}{}
	return len(e.peers), nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, roomID, peerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(roomID, s.now())
	if !ok {
		return 0, nil
	}
	delete(e.peers, peerID)
	return len(e.peers), nil
}

func (s *MemoryStore) PeerCount(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookupLocked(roomID, s.now())
	if !ok {
		return 0, ErrNotFound
	}
	return len(e.peers), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) resolveLocked(idOrCode string, now time.Time) (*memoryEntry, bool) {
	if e, ok := s.lookupLocked(idOrCode, now); ok {
		return e, true
	}
	if !looksLikeCode(idOrCode) {
		return nil, false
	}
	id, ok := s.codes[strings.ToUpper(idOrCode)]
	if !ok {
		return nil, false
	}
	return s.lookupLocked(id, now)
}

// lookupLocked returns the live entry for id, evicting it if expired.
func (s *MemoryStore) lookupLocked(id string, now time.Time) (*memoryEntry, bool) {
	e, ok := s.rooms[id]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && !now.Before(e.expires) {
		s.removeLocked(e)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) removeLocked(e *memoryEntry) {
	delete(s.rooms, e.room.ID)
	delete(s.codes, e.room.Code)
}
