package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyJoined = errors.New("session already joined or joining")
	ErrLeft          = errors.New("left the room before joining completed")
	ErrJoinTimeout   = errors.New("timed out waiting for room-joined")
	ErrClosed        = errors.New("session closed")
	ErrDisconnected  = errors.New("signaling connection lost")
)

// RelayError is an error frame sent by the relay, for example room_full.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay error: %s", e.Code)
	}
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}
