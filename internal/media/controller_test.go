package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beatarena/livesession/internal/protocol"
)

type announcement struct {
	typ   protocol.MessageType
	state protocol.MediaState
}

type fakeAnnouncer struct {
	mu  sync.Mutex
	got []announcement
}

func (a *fakeAnnouncer) Announce(typ protocol.MessageType, st protocol.MediaState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, announcement{typ: typ, state: st})
	return nil
}

func (a *fakeAnnouncer) all() []announcement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]announcement(nil), a.got...)
}

// fakeSink records the video track each peer is currently sending.
type fakeSink struct {
	mu       sync.Mutex
	current  webrtc.TrackLocal
	replaced int
}

func (s *fakeSink) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = track
	s.replaced++
	return nil
}

// refusingSink stands in for a peer connection with no video sender.
type refusingSink struct{}

func (refusingSink) ReplaceVideoTrack(webrtc.TrackLocal) error {
	return errors.New("no outgoing video track")
}

func (s *fakeSink) track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func newController(t *testing.T) (*Controller, *SyntheticDevices, *fakeAnnouncer) {
	t.Helper()
	devices := NewSyntheticDevices()
	ann := &fakeAnnouncer{}
	c := NewController(Config{Devices: devices, Announcer: ann})
	t.Cleanup(c.Release)
	return c, devices, ann
}

func TestAcquireNothingRequested(t *testing.T) {
	c, devices, _ := newController(t)
	s, err := c.Acquire(context.Background(), false, false)
	if err != nil || s != nil {
		t.Fatalf("Acquire(false,false)=%v,%v", s, err)
	}
	if devices.Live() != 0 {
		t.Fatalf("opened %d devices", devices.Live())
	}
}

func TestAcquireAndToggle(t *testing.T) {
	c, _, ann := newController(t)
	s, err := c.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(s.Tracks()) != 2 {
		t.Fatalf("tracks=%d", len(s.Tracks()))
	}
	if st := c.State(); !st.AudioEnabled || !st.VideoEnabled || st.ScreenSharing {
		t.Fatalf("initial state=%+v", st)
	}
	if again, _ := c.Acquire(context.Background(), true, true); again != s {
		t.Fatalf("second Acquire returned a new stream")
	}

	st, err := c.ToggleAudio()
	if err != nil || st.AudioEnabled {
		t.Fatalf("first toggle: %+v err=%v", st, err)
	}
	st, err = c.ToggleAudio()
	if err != nil || !st.AudioEnabled {
		t.Fatalf("second toggle: %+v err=%v", st, err)
	}
	if st, _ := c.ToggleVideo(); st.VideoEnabled || !st.AudioEnabled {
		t.Fatalf("video toggle: %+v", st)
	}

	got := ann.all()
	if len(got) != 3 {
		t.Fatalf("announcements=%+v", got)
	}
	if got[0].typ != protocol.TypeToggleAudio || got[0].state.AudioEnabled {
		t.Fatalf("first announcement=%+v", got[0])
	}
	if got[2].typ != protocol.TypeToggleVideo || got[2].state.VideoEnabled {
		t.Fatalf("video announcement=%+v", got[2])
	}
}

func TestToggleWithoutTrack(t *testing.T) {
	c, _, ann := newController(t)
	if _, err := c.ToggleAudio(); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("err=%v, want ErrNoTrack", err)
	}
	if _, err := c.Acquire(context.Background(), true, false); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c.ToggleAudio(); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("audio-less toggle err=%v", err)
	}
	if len(ann.all()) != 0 {
		t.Fatalf("failed toggles announced: %+v", ann.all())
	}
}

func TestAcquireErrors(t *testing.T) {
	tests := []struct {
		name        string
		kind        Kind
		err         error
		recoverable bool
	}{
		{name: "camera denied", kind: KindCamera, err: ErrPermissionDenied, recoverable: true},
		{name: "microphone missing", kind: KindMicrophone, err: ErrDeviceNotFound},
		{name: "camera busy", kind: KindCamera, err: ErrDeviceBusy, recoverable: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, devices, _ := newController(t)
			devices.Fail(tc.kind, tc.err)

			s, err := c.Acquire(context.Background(), true, true)
			if s != nil {
				t.Fatalf("got stream on failure")
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("err=%v, want %v", err, tc.err)
			}
			var de *DeviceError
			if !errors.As(err, &de) || de.Kind != tc.kind {
				t.Fatalf("err=%#v", err)
			}
			if IsRecoverable(err) != tc.recoverable {
				t.Fatalf("IsRecoverable=%v", IsRecoverable(err))
			}
			if devices.Live() != 0 {
				t.Fatalf("%d sources left open after failed acquire", devices.Live())
			}
			if c.Stream() != nil || c.ActiveTracks() != 0 {
				t.Fatalf("controller kept partial state")
			}

			devices.Fail(tc.kind, nil)
			if _, err := c.Acquire(context.Background(), true, true); err != nil {
				t.Fatalf("retry after clearing failure: %v", err)
			}
		})
	}
}

func TestScreenShareSwapsEverySink(t *testing.T) {
	c, devices, ann := newController(t)
	s, err := c.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	camera := s.Video.Local()

	a, b := &fakeSink{}, &fakeSink{}
	c.Register("a", a)
	c.Register("b", b)

	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if !c.State().ScreenSharing {
		t.Fatalf("not sharing")
	}
	screen := a.track()
	if screen == nil || screen == camera || b.track() != screen {
		t.Fatalf("sinks not switched to the screen track")
	}
	if screen.Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("screen track kind=%v", screen.Kind())
	}
	if err := c.StartScreenShare(context.Background()); err != nil || devices.Opened(KindDisplay) != 1 {
		t.Fatalf("second start opened another display: err=%v opened=%d", err, devices.Opened(KindDisplay))
	}

	late := &fakeSink{}
	c.Register("late", late)
	if late.track() != screen {
		t.Fatalf("late sink did not get the screen track")
	}

	if err := c.StopScreenShare(); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	for name, sink := range map[string]*fakeSink{"a": a, "b": b, "late": late} {
		if sink.track() != camera {
			t.Fatalf("sink %s not reverted to camera", name)
		}
	}
	if err := c.StopScreenShare(); err != nil {
		t.Fatalf("second StopScreenShare: %v", err)
	}
	if a.replaced != 2 {
		t.Fatalf("sink a replaced %d times, want 2", a.replaced)
	}

	var shares int
	for _, got := range ann.all() {
		if got.typ == protocol.TypeMediaStateChange {
			shares++
		}
	}
	if shares != 2 {
		t.Fatalf("media-state-change announcements=%d, want 2", shares)
	}
}

func TestScreenShareEndedBySystemRevertsToCamera(t *testing.T) {
	changes := make(chan protocol.MediaState, 16)
	devices := NewSyntheticDevices()
	c := NewController(Config{
		Devices:  devices,
		OnChange: func(st protocol.MediaState) { changes <- st },
	})
	t.Cleanup(c.Release)

	s, err := c.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sinks := []*fakeSink{{}, {}, {}}
	for i, sink := range sinks {
		c.Register(string(rune('a'+i)), sink)
	}
	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	for len(changes) > 0 {
		<-changes
	}

	devices.EndDisplay()

	select {
	case st := <-changes:
		if st.ScreenSharing || !st.VideoEnabled {
			t.Fatalf("state after system stop=%+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("screen share never reverted")
	}
	for i, sink := range sinks {
		if sink.track() != s.Video.Local() {
			t.Fatalf("sink %d still on screen track", i)
		}
	}
	if devices.Live() != 2 {
		t.Fatalf("live sources=%d, want camera and microphone", devices.Live())
	}
}

func TestScreenShareDenied(t *testing.T) {
	c, devices, ann := newController(t)
	devices.Fail(KindDisplay, ErrPermissionDenied)
	sink := &fakeSink{}
	c.Register("a", sink)

	err := c.StartScreenShare(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err=%v", err)
	}
	if c.State().ScreenSharing || sink.track() != nil || len(ann.all()) != 0 {
		t.Fatalf("denied share changed state")
	}
}

func TestReleaseStopsEverything(t *testing.T) {
	c, devices, _ := newController(t)
	s, err := c.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	if c.ActiveTracks() != 3 {
		t.Fatalf("active=%d, want 3", c.ActiveTracks())
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Audio.Samples() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("microphone produced no samples")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Release()
	c.Release()

	if devices.Live() != 0 {
		t.Fatalf("live sources=%d after Release", devices.Live())
	}
	for _, tr := range []*Track{s.Audio, s.Video} {
		select {
		case <-tr.Ended():
		default:
			t.Fatalf("%s track still running", tr.Kind())
		}
	}
	if c.ActiveTracks() != 0 || c.Stream() != nil {
		t.Fatalf("controller still holds tracks")
	}
	if st := c.State(); st.AudioEnabled || st.VideoEnabled || st.ScreenSharing {
		t.Fatalf("state after release=%+v", st)
	}
}

func TestScreenShareRejectedByEveryPeer(t *testing.T) {
	c, devices, ann := newController(t)
	if _, err := c.Acquire(context.Background(), false, true); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.Register("a", refusingSink{})
	c.Register("b", refusingSink{})

	err := c.StartScreenShare(context.Background())
	if !errors.Is(err, ErrNoVideoSink) {
		t.Fatalf("err=%v, want ErrNoVideoSink", err)
	}
	if c.State().ScreenSharing {
		t.Fatalf("still sharing after every peer refused")
	}
	for _, got := range ann.all() {
		if got.typ == protocol.TypeMediaStateChange && got.state.ScreenSharing {
			t.Fatalf("announced a share nobody receives")
		}
	}
	if devices.Live() != 1 {
		t.Fatalf("live sources=%d, want the microphone only", devices.Live())
	}

	// Alone in the room the share still starts.
	c.Unregister("a")
	c.Unregister("b")
	if err := c.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare without peers: %v", err)
	}
	if !c.State().ScreenSharing {
		t.Fatalf("not sharing")
	}
}

// gatedDevices holds Open until the gate closes and ignores cancellation,
// like a permission prompt the user answers late.
type gatedDevices struct {
	*SyntheticDevices
	started chan struct{}
	gate    chan struct{}
}

func (d *gatedDevices) Open(_ context.Context, kind Kind) (Source, error) {
	select {
	case d.started <- struct{}{}:
	default:
	}
	<-d.gate
	return d.SyntheticDevices.Open(context.Background(), kind)
}

func TestAcquireCancelledWhileOpening(t *testing.T) {
	devices := &gatedDevices{
		SyntheticDevices: NewSyntheticDevices(),
		started:          make(chan struct{}, 1),
		gate:             make(chan struct{}),
	}
	c := NewController(Config{Devices: devices})
	t.Cleanup(c.Release)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, false, true)
		errc <- err
	}()
	<-devices.started
	cancel()
	close(devices.gate)

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Acquire did not return")
	}
	if c.Stream() != nil || devices.Live() != 0 {
		t.Fatalf("cancelled acquire left media open: live=%d", devices.Live())
	}
}
