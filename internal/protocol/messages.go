package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeJoinRoom         MessageType = "join-room"
	TypeRoomJoined       MessageType = "room-joined"
	TypePeerJoined       MessageType = "peer-joined"
	TypePeerLeft         MessageType = "peer-left"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeToggleVideo      MessageType = "toggle-video"
	TypeToggleAudio      MessageType = "toggle-audio"
	TypeMediaStateChange MessageType = "media-state-change"
	TypeLeaveRoom        MessageType = "leave-room"
	TypeRoomStatus       MessageType = "room-status"
	TypeError            MessageType = "error"
)

// IsMediaState reports whether t carries a peer's media flags.
func (t MessageType) IsMediaState() bool {
	switch t {
	case TypeMediaStateChange, TypeToggleAudio, TypeToggleVideo:
		return true
	default:
		return false
	}
}

// IsNegotiation reports whether t is a peer-to-peer message routed by target.
func (t MessageType) IsNegotiation() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	default:
		return false
	}
}

// Codes carried by error messages.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeJoinTimeout  = "join_timeout"
	ErrCodeRoomNotFound = "room_not_found"
	ErrCodeRoomEnded    = "room_ended"
	ErrCodeRoomFull     = "room_full"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeNotJoined    = "not_joined"
	ErrCodeUnknownPeer  = "unknown_peer"
	ErrCodeInternal     = "internal_error"
)

type Role string

const (
	RoleParticipant Role = "participant"
	RoleHost        Role = "host"
	RoleJudge       Role = "judge"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParticipant, RoleHost, RoleJudge:
		return true
	default:
		return false
	}
}

// MediaState is the set of flags a peer announces about its outgoing media.
type MediaState struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// PeerInfo describes a room member as seen by the other members.
type PeerInfo struct {
	PeerID     string     `json:"peerId"`
	UserID     string     `json:"userId,omitempty"`
	UserName   string     `json:"userName"`
	UserAvatar string     `json:"userAvatar,omitempty"`
	Role       Role       `json:"role,omitempty"`
	Media      MediaState `json:"media"`
}

// RoomInfo is the public view of a room record.
type RoomInfo struct {
	ID           string `json:"id"`
	Code         string `json:"code,omitempty"`
	Title        string `json:"title,omitempty"`
	Type         string `json:"type,omitempty"`
	Status       string `json:"status"`
	MaxPeers     int    `json:"maxPeers"`
	CurrentRound int    `json:"currentRound,omitempty"`
	TotalRounds  int    `json:"totalRounds,omitempty"`
}

// Message is the single JSON envelope used on the signaling WebSocket. Which
// fields are meaningful depends on Type; validate enforces that.
type Message struct {
	Type MessageType `json:"type"`

	RoomID     string `json:"roomId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	UserName   string `json:"userName,omitempty"`
	UserAvatar string `json:"userAvatar,omitempty"`
	Role       Role   `json:"role,omitempty"`
	Token      string `json:"token,omitempty"`

	PeerID     string `json:"peerId,omitempty"`
	TargetPeer string `json:"targetPeer,omitempty"`
	FromPeer   string `json:"fromPeer,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	*MediaState

	Peers []PeerInfo `json:"peers,omitempty"`
	Room  *RoomInfo  `json:"room,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes a single signaling frame. Unknown fields, trailing data and
// messages that fail validation are rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
		if m.Role != "" && !m.Role.Valid() {
			return fmt.Errorf("join-room message has invalid role %q", m.Role)
		}
	case TypeRoomJoined:
		if m.RoomID == "" || m.PeerID == "" {
			return fmt.Errorf("room-joined message missing roomId/peerId")
		}
	case TypePeerJoined:
		if m.PeerID == "" {
			return fmt.Errorf("peer-joined message missing peerId")
		}
	case TypePeerLeft:
		if m.PeerID == "" {
			return fmt.Errorf("peer-left message missing peerId")
		}
	case TypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Offer.Type != "offer" || m.Offer.SDP == "" {
			return fmt.Errorf("offer message has invalid sdp (type=%q)", m.Offer.Type)
		}
		if m.TargetPeer == "" && m.FromPeer == "" {
			return fmt.Errorf("offer message missing targetPeer/fromPeer")
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case TypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" || m.Answer.SDP == "" {
			return fmt.Errorf("answer message has invalid sdp (type=%q)", m.Answer.Type)
		}
		if m.TargetPeer == "" && m.FromPeer == "" {
			return fmt.Errorf("answer message missing targetPeer/fromPeer")
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.TargetPeer == "" && m.FromPeer == "" {
			return fmt.Errorf("ice-candidate message missing targetPeer/fromPeer")
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case TypeToggleVideo, TypeToggleAudio, TypeMediaStateChange:
		if m.MediaState == nil {
			return fmt.Errorf("%s message missing media state", m.Type)
		}
	case TypeLeaveRoom:
	case TypeRoomStatus:
		if m.Room == nil {
			return fmt.Errorf("room-status message missing room")
		}
	case TypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Encode marshals m after validating it so invalid frames never reach the wire.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func Ptr[T any](v T) *T { return &v }
