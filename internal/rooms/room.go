package rooms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/beatarena/livesession/internal/protocol"
)

const (
	CodeLength = 6
	// Ambiguous glyphs (0/O, 1/I) are left out so codes can be read aloud.
	codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	MinPeers = 2
	MaxPeers = 16
)

var (
	ErrNotFound          = errors.New("room not found")
	ErrExists            = errors.New("room already exists")
	ErrInvalidTransition = errors.New("invalid room status transition")
	ErrInvalidRoom       = errors.New("invalid room")
)

type Type string

const (
	TypeRapBattle     Type = "rap-battle"
	TypeBeatBattle    Type = "beat-battle"
	TypeFreestyle     Type = "freestyle"
	TypeCollaboration Type = "collaboration"
)

func (t Type) Valid() bool {
	switch t {
	case TypeRapBattle, TypeBeatBattle, TypeFreestyle, TypeCollaboration:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// CanTransition reports whether a room may move from one status to the
// next. Rooms only move forward and ended is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusActive
	case StatusActive:
		return to == StatusEnded
	default:
		return false
	}
}

// Room is a live session room record. Rooms are created through the REST API
// (or ad hoc by the relay) and referenced by id or short code when joining.
type Room struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Title        string    `json:"title"`
	Type         Type      `json:"type"`
	Status       Status    `json:"status"`
	MaxPeers     int       `json:"maxPeers"`
	CreatorID    string    `json:"creatorId"`
	CurrentRound int       `json:"currentRound,omitempty"`
	TotalRounds  int       `json:"totalRounds,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Info is the view sent to peers in room-joined and room-status messages.
func (r Room) Info() *protocol.RoomInfo {
	return &protocol.RoomInfo{
		ID:           r.ID,
		Code:         r.Code,
		Title:        r.Title,
		Type:         string(r.Type),
		Status:       string(r.Status),
		MaxPeers:     r.MaxPeers,
		CurrentRound: r.CurrentRound,
		TotalRounds:  r.TotalRounds,
	}
}

// Store is the room directory plus per-room presence. Implementations must be
// safe for concurrent use.
type Store interface {
	// Create stores r with status waiting and a fresh code. An empty ID is
	// replaced with a generated one.
	Create(ctx context.Context, r Room) (Room, error)
	// Get resolves a room by id or by short code.
	Get(ctx context.Context, idOrCode string) (Room, error)
	SetStatus(ctx context.Context, id string, status Status) (Room, error)
	Delete(ctx context.Context, id string) error

	AddPeer(ctx context.Context, roomID, peerID string) (int, error)
	RemovePeer(ctx context.Context, roomID, peerID string) (int, error)
	PeerCount(ctx context.Context, roomID string) (int, error)

	Close() error
}

// prepare validates r and fills the defaults shared by every Store.
func prepare(r Room, defaultCapacity int, now time.Time) (Room, error) {
	r.Title = strings.TrimSpace(r.Title)
	if r.Type == "" {
		r.Type = TypeCollaboration
	}
	if !r.Type.Valid() {
		return Room{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRoom, r.Type)
	}
	if r.MaxPeers == 0 {
		r.MaxPeers = defaultCapacity
	}
	if r.MaxPeers < MinPeers || r.MaxPeers > MaxPeers {
		return Room{}, fmt.Errorf("%w: maxPeers must be between %d and %d", ErrInvalidRoom, MinPeers, MaxPeers)
	}
	if r.TotalRounds < 0 {
		return Room{}, fmt.Errorf("%w: totalRounds must be >= 0", ErrInvalidRoom)
	}
	r.Status = StatusWaiting
	r.CurrentRound = 0
	r.CreatedAt = now.UTC()
	return r, nil
}

// applyStatus moves r to status, starting the first round on activation.
func applyStatus(r Room, status Status) (Room, error) {
	if !CanTransition(r.Status, status) {
		return Room{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	if status == StatusActive && r.TotalRounds > 0 {
		r.CurrentRound = 1
	}
	return r, nil
}

func generateCode() (string, error) {
	code := make([]byte, CodeLength)
	max := big.NewInt(int64(len(codeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}

// looksLikeCode reports whether s could be a short room code.
func looksLikeCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for _, c := range strings.ToUpper(s) {
		if !strings.ContainsRune(codeChars, c) {
			return false
		}
	}
	return true
}
