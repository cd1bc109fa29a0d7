package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Frame pacing for synthetic sources.
const (
	syntheticVideoInterval = 33 * time.Millisecond
	syntheticAudioInterval = 20 * time.Millisecond
)

// SyntheticDevices produces paced placeholder samples for every kind. It
// backs headless peers and tests where no capture hardware exists.
type SyntheticDevices struct {
	mu       sync.Mutex
	failures map[Kind]error
	open     map[*syntheticSource]struct{}
	opened   map[Kind]int
}

func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{
		failures: make(map[Kind]error),
		open:     make(map[*syntheticSource]struct{}),
		opened:   make(map[Kind]int),
	}
}

// Fail makes the next opens of kind return err. A nil err clears it.
func (d *SyntheticDevices) Fail(kind Kind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, kind)
		return
	}
	d.failures[kind] = err
}

// Opened counts successful opens of kind.
func (d *SyntheticDevices) Opened(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[kind]
}

// Live counts sources that have been opened and not yet ended.
func (d *SyntheticDevices) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

// EndDisplay ends every open display source as if the user stopped sharing
// from the operating system.
func (d *SyntheticDevices) EndDisplay() {
	d.mu.Lock()
	var ending []*syntheticSource
	for s := range d.open {
		if s.kind == KindDisplay {
			ending = append(ending, s)
		}
	}
	d.mu.Unlock()
	for _, s := range ending {
		_ = s.Close()
	}
}

func (d *SyntheticDevices) Open(ctx context.Context, kind Kind) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DeviceError{Kind: kind, Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failures[kind]; err != nil {
		return nil, &DeviceError{Kind: kind, Err: err}
	}
	s := newSyntheticSource(kind, func(s *syntheticSource) {
		d.mu.Lock()
		delete(d.open, s)
		d.mu.Unlock()
	})
	d.open[s] = struct{}{}
	d.opened[kind]++
	return s, nil
}

type syntheticSource struct {
	kind     Kind
	codec    webrtc.RTPCodecCapability
	interval time.Duration
	payload  []byte

	ticker    *time.Ticker
	stop      chan struct{}
	closeOnce sync.Once
	onClose   func(*syntheticSource)
}

func newSyntheticSource(kind Kind, onClose func(*syntheticSource)) *syntheticSource {
	s := &syntheticSource{
		kind:    kind,
		stop:    make(chan struct{}),
		onClose: onClose,
	}
	if kind == KindMicrophone {
		s.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		s.interval = syntheticAudioInterval
		// Opus TOC byte for a 20ms silent frame.
		s.payload = []byte{0xf8, 0xff, 0xfe}
	} else {
		s.codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		s.interval = syntheticVideoInterval
		s.payload = make([]byte, 64)
		s.payload[0] = 0x10
	}
	s.ticker = time.NewTicker(s.interval)
	return s
}

func (s *syntheticSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *syntheticSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.stop:
		return media.Sample{}, io.EOF
	case <-s.ticker.C:
		return media.Sample{Data: s.payload, Duration: s.interval}, nil
	}
}

func (s *syntheticSource) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.stop)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}
