package relay

import (
	"errors"

	"github.com/beatarena/livesession/internal/protocol"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomEnded    = errors.New("room has ended")
	ErrRoomNotFound = errors.New("room not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrHubClosed    = errors.New("relay is shutting down")
)

// admissionError is a join-room rejection reported to the client as an
// error message before the socket is closed.
type admissionError struct {
	Code    string
	Message string
	Err     error
}

func (e *admissionError) Error() string { return e.Code + ": " + e.Message }
func (e *admissionError) Unwrap() error { return e.Err }

func rejectJoin(err error, message string) *admissionError {
	code := protocol.ErrCodeBadRequest
	switch {
	case errors.Is(err, ErrRoomFull):
		code = protocol.ErrCodeRoomFull
	case errors.Is(err, ErrRoomEnded):
		code = protocol.ErrCodeRoomEnded
	case errors.Is(err, ErrRoomNotFound):
		code = protocol.ErrCodeRoomNotFound
	case errors.Is(err, ErrUnauthorized):
		code = protocol.ErrCodeUnauthorized
	case errors.Is(err, ErrHubClosed):
		code = protocol.ErrCodeInternal
	}
	if message == "" {
		message = err.Error()
	}
	return &admissionError{Code: code, Message: message, Err: err}
}
