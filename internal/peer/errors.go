package peer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState       = errors.New("operation not allowed in current state")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrClosed             = errors.New("peer connection closed")
	ErrNoVideoSender      = errors.New("no outgoing video track")
)

// NegotiationError reports a failed offer/answer step for one remote peer.
// The connection is not retried; its owner closes it.
type NegotiationError struct {
	PeerID string
	Op     string
	State  State
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer %s: %s in state %s: %v", e.PeerID, e.Op, e.State, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
