package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type Kind int

const (
	KindCamera Kind = iota
	KindMicrophone
	KindDisplay
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindMicrophone:
		return "microphone"
	case KindDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// RTPKind is the RTP media kind a source of this kind produces.
func (k Kind) RTPKind() webrtc.RTPCodecType {
	if k == KindMicrophone {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// Source produces encoded samples from one capture device. ReadSample blocks
// until a sample is ready and returns an error once the source has ended,
// either because Close was called or because the device went away.
type Source interface {
	Codec() webrtc.RTPCodecCapability
	ReadSample() (media.Sample, error)
	Close() error
}

// Devices opens capture sources.
type Devices interface {
	Open(ctx context.Context, kind Kind) (Source, error)
}
