package peer

import "github.com/pion/webrtc/v4"

// Event is emitted by a Conn to its owner.
type Event interface {
	Peer() string
}

type StateChanged struct {
	PeerID   string
	From, To State
}

type TrackAdded struct {
	PeerID string
	Track  *webrtc.TrackRemote
	Stream *RemoteStream
}

type NegotiationFailed struct {
	PeerID string
	Err    error
}

func (e StateChanged) Peer() string      { return e.PeerID }
func (e TrackAdded) Peer() string        { return e.PeerID }
func (e NegotiationFailed) Peer() string { return e.PeerID }
