package metrics

import "sync"

// Event names shared across packages. Counters are created lazily, so any
// other name works too; these are the ones dashboards rely on.
const (
	SignalingMalformedFrames = "signaling_malformed_frames"
	SignalingMessagesSent    = "signaling_messages_sent"
	SignalingMessagesRecv    = "signaling_messages_received"

	RelayConnectionsAccepted = "relay_connections_accepted"
	RelayJoinTimeout         = "relay_join_timeout"
	RelayRoomsCreated        = "relay_rooms_created"
	RelayRoomsClosed         = "relay_rooms_closed"
	RelayPeersJoined         = "relay_peers_joined"
	RelayPeersLeft           = "relay_peers_left"
	RelayMessagesRouted      = "relay_messages_routed"
	RelayMessagesUnroutable  = "relay_messages_unroutable"
	RelayRateLimited         = "relay_rate_limited"
	RelayRoomFull            = "relay_room_full"
	RelayRoomNotFound        = "relay_room_not_found"
	RelayRoomEnded           = "relay_room_ended"
	RelayAuthFailed          = "relay_auth_failed"
	RelaySlowClientDropped   = "relay_slow_client_dropped"
	RelayRoomStatusPushed    = "relay_room_status_pushed"

	PeerNegotiations       = "peer_negotiations"
	PeerNegotiationFailed  = "peer_negotiation_failed"
	PeerNegotiationTimeout = "peer_negotiation_timeout"
	PeerCandidatesBuffered = "peer_candidates_buffered"
	PeerRemoteTracks       = "peer_remote_tracks"

	SessionJoins        = "session_joins"
	SessionJoinFailures = "session_join_failures"
	SessionPeersFailed  = "session_peers_failed"
	SessionDisconnects  = "session_disconnects"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid
// and discards everything, so components can take one optionally.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
