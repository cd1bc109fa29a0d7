package media

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
	ErrNoTrack          = errors.New("track not acquired")
	ErrReleased         = errors.New("media released")
	ErrNoVideoSink      = errors.New("no peer accepted the video track")
)

// DeviceError reports which device could not be opened.
type DeviceError struct {
	Kind Kind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsRecoverable reports whether the user can fix err (grant access, close
// the other app) and try again.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceBusy)
}
