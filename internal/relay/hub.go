package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beatarena/livesession/internal/auth"
	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/protocol"
	"github.com/beatarena/livesession/internal/rooms"
)

const storeTimeout = 3 * time.Second

// Hub tracks live rooms and the clients in them. All room state is guarded
// by mu; messages are only ever enqueued while it is held, so each client
// observes one consistent order of joins, leaves and routed messages.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	rooms   map[string]*liveRoom
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type liveRoom struct {
	room    rooms.Room
	clients map[string]*client
	// order keeps join order so rosters are stable.
	order []string
}

var _ rooms.Notifier = (*Hub)(nil)

func New(cfg Config) *Hub {
	cfg = cfg.WithDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
		rooms:   make(map[string]*liveRoom),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades GET /ws and serves the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	token, _ := auth.CredentialFromQuery(r.URL.Query())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.cfg.Metrics.Inc(metrics.RelayConnectionsAccepted)

	c := newClient(h, conn, token)
	h.mu.Lock()
	closed := h.closed
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if closed {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	c.run()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Close disconnects every client with a going-away close frame and waits
// for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// PeerCount returns the number of connected peers in a room.
func (h *Hub) PeerCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lr, ok := h.rooms[roomID]; ok {
		return len(lr.clients)
	}
	return 0
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) authenticate(c *client, msg protocol.Message) (auth.Identity, error) {
	if h.cfg.AuthMode == config.AuthModeJWT {
		token := msg.Token
		if token == "" {
			token = c.queryToken
		}
		if h.cfg.JWT == nil {
			return auth.Identity{}, errors.New("jwt auth configured without a verifier")
		}
		id, err := h.cfg.JWT.Verify(token)
		if err != nil {
			h.cfg.Metrics.Inc(metrics.RelayAuthFailed)
			return auth.Identity{}, rejectJoin(fmt.Errorf("%w: %v", ErrUnauthorized, err), "invalid or missing token")
		}
		return id, nil
	}

	userID := strings.TrimSpace(msg.UserID)
	if userID == "" {
		return auth.Identity{}, rejectJoin(errors.New("join-room missing userId"), "")
	}
	return auth.Identity{UserID: userID, Name: msg.UserName, Avatar: msg.UserAvatar}, nil
}

// lookupRoom resolves the directory record for a join, creating it when ad
// hoc rooms are enabled.
func (h *Hub) lookupRoom(ctx context.Context, roomID string, creator auth.Identity) (rooms.Room, error) {
	r, err := h.cfg.Store.Get(ctx, roomID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, rooms.ErrNotFound) {
		return rooms.Room{}, err
	}
	if !h.cfg.AllowAdHocRooms {
		h.cfg.Metrics.Inc(metrics.RelayRoomNotFound)
		return rooms.Room{}, rejectJoin(ErrRoomNotFound, "")
	}

	r, err = h.cfg.Store.Create(ctx, rooms.Room{ID: roomID, Title: roomID, CreatorID: creator.UserID})
	if errors.Is(err, rooms.ErrExists) {
		return h.cfg.Store.Get(ctx, roomID)
	}
	if errors.Is(err, rooms.ErrInvalidRoom) {
		return rooms.Room{}, rejectJoin(err, "")
	}
	if err == nil {
		h.cfg.Logger.Info("ad hoc room created", "room_id", r.ID, "creator", creator.UserID)
	}
	return r, err
}

// join admits c into the requested room. On success c has been sent
// room-joined and every other peer has been sent peer-joined.
func (h *Hub) join(c *client, msg protocol.Message) error {
	id, err := h.authenticate(c, msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec, err := h.lookupRoom(ctx, msg.RoomID, id)
	if err != nil {
		return err
	}
	if rec.Status == rooms.StatusEnded {
		h.cfg.Metrics.Inc(metrics.RelayRoomEnded)
		return rejectJoin(ErrRoomEnded, "")
	}

	media := protocol.MediaState{AudioEnabled: true, VideoEnabled: true}
	if msg.MediaState != nil {
		media = *msg.MediaState
	}
	role := protocol.RoleParticipant
	switch {
	case rec.CreatorID != "" && rec.CreatorID == id.UserID:
		role = protocol.RoleHost
	case msg.Role == protocol.RoleJudge:
		role = protocol.RoleJudge
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return rejectJoin(ErrHubClosed, "")
	}
	lr, ok := h.rooms[rec.ID]
	if !ok {
		lr = &liveRoom{room: rec, clients: make(map[string]*client)}
		h.rooms[rec.ID] = lr
		h.cfg.Metrics.Inc(metrics.RelayRoomsCreated)
	}
	if len(lr.clients) >= rec.MaxPeers {
		if len(lr.clients) == 0 {
			delete(h.rooms, rec.ID)
		}
		h.mu.Unlock()
		h.cfg.Metrics.Inc(metrics.RelayRoomFull)
		return rejectJoin(ErrRoomFull, fmt.Sprintf("room is full (%d peers)", rec.MaxPeers))
	}

	peers := make([]protocol.PeerInfo, 0, len(lr.order))
	for _, pid := range lr.order {
		peers = append(peers, lr.clients[pid].info())
	}

	c.peerID = uuid.NewString()
	c.roomID = rec.ID
	c.identity = id
	c.role = role
	c.media = media
	lr.clients[c.peerID] = c
	lr.order = append(lr.order, c.peerID)

	c.enqueue(protocol.Message{
		Type:   protocol.TypeRoomJoined,
		RoomID: rec.ID,
		PeerID: c.peerID,
		Peers:  peers,
		Room:   lr.room.Info(),
	})
	joined := protocol.Message{
		Type:       protocol.TypePeerJoined,
		RoomID:     rec.ID,
		PeerID:     c.peerID,
		UserID:     id.UserID,
		UserName:   id.Name,
		UserAvatar: id.Avatar,
		Role:       role,
		MediaState: &media,
	}
	h.broadcastLocked(lr, c.peerID, joined)
	h.mu.Unlock()

	h.cfg.Metrics.Inc(metrics.RelayPeersJoined)
	h.cfg.Logger.Info("peer joined", "room_id", rec.ID, "peer_id", c.peerID, "user_id", id.UserID, "role", role, "peers", len(peers)+1)

	if _, err := h.cfg.Store.AddPeer(ctx, rec.ID, c.peerID); err != nil {
		h.cfg.Logger.Warn("record presence", "room_id", rec.ID, "peer_id", c.peerID, "err", err)
	}
	return nil
}

// leave removes c from its room and tells the remaining peers. Safe to call
// for clients that never joined.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	if c.peerID == "" {
		h.mu.Unlock()
		return
	}
	lr, ok := h.rooms[c.roomID]
	if !ok || lr.clients[c.peerID] != c {
		h.mu.Unlock()
		return
	}
	delete(lr.clients, c.peerID)
	for i, pid := range lr.order {
		if pid == c.peerID {
			lr.order = append(lr.order[:i], lr.order[i+1:]...)
			break
		}
	}
	h.broadcastLocked(lr, c.peerID, protocol.Message{
		Type:   protocol.TypePeerLeft,
		RoomID: c.roomID,
		PeerID: c.peerID,
	})
	empty := len(lr.clients) == 0
	if empty {
		delete(h.rooms, c.roomID)
	}
	h.mu.Unlock()

	h.cfg.Metrics.Inc(metrics.RelayPeersLeft)
	if empty {
		h.cfg.Metrics.Inc(metrics.RelayRoomsClosed)
	}
	h.cfg.Logger.Info("peer left", "room_id", c.roomID, "peer_id", c.peerID, "room_closed", empty)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := h.cfg.Store.RemovePeer(ctx, c.roomID, c.peerID); err != nil {
		h.cfg.Logger.Warn("remove presence", "room_id", c.roomID, "peer_id", c.peerID, "err", err)
	}
}

// route forwards an offer, answer or candidate to its target peer with the
// sender stamped in fromPeer.
func (h *Hub) route(from *client, msg protocol.Message) {
	target := msg.TargetPeer
	msg.FromPeer = from.peerID
	msg.TargetPeer = ""
	msg.RoomID = ""

	h.mu.Lock()
	var dst *client
	if lr, ok := h.rooms[from.roomID]; ok {
		dst = lr.clients[target]
	}
	if dst == nil || dst == from {
		h.mu.Unlock()
		h.cfg.Metrics.Inc(metrics.RelayMessagesUnroutable)
		from.sendError(protocol.ErrCodeUnknownPeer, fmt.Sprintf("peer %q is not in this room", target))
		return
	}
	h.cfg.Metrics.Inc(metrics.RelayMessagesRouted)
	dst.enqueue(msg)
	h.mu.Unlock()
}

// announce records the sender's media flags and broadcasts them to the rest
// of the room.
func (h *Hub) announce(from *client, msg protocol.Message) {
	out := protocol.Message{
		Type:       msg.Type,
		FromPeer:   from.peerID,
		MediaState: msg.MediaState,
	}

	h.cfg.Metrics.Inc(metrics.RelayMessagesRouted)
	h.mu.Lock()
	from.media = *msg.MediaState
	if lr, ok := h.rooms[from.roomID]; ok {
		h.broadcastLocked(lr, from.peerID, out)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcastLocked(lr *liveRoom, except string, msg protocol.Message) {
	for _, pid := range lr.order {
		if pid == except {
			continue
		}
		lr.clients[pid].enqueue(msg)
	}
}

// RoomUpdated pushes a room-status message to everyone in the room.
func (h *Hub) RoomUpdated(r rooms.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lr, ok := h.rooms[r.ID]
	if !ok {
		return
	}
	lr.room = r
	h.broadcastLocked(lr, "", protocol.Message{
		Type:   protocol.TypeRoomStatus,
		RoomID: r.ID,
		Room:   r.Info(),
	})
	h.cfg.Metrics.Inc(metrics.RelayRoomStatusPushed)
}

// RoomDeleted tells every peer the room has ended and disconnects them.
func (h *Hub) RoomDeleted(r rooms.Room) {
	r.Status = rooms.StatusEnded
	h.mu.Lock()
	defer h.mu.Unlock()
	lr, ok := h.rooms[r.ID]
	if !ok {
		return
	}
	h.broadcastLocked(lr, "", protocol.Message{
		Type:   protocol.TypeRoomStatus,
		RoomID: r.ID,
		Room:   r.Info(),
	})
	for _, c := range lr.clients {
		c.shutdown(websocket.CloseNormalClosure, "room deleted")
	}
	h.cfg.Metrics.Inc(metrics.RelayRoomStatusPushed)
}
