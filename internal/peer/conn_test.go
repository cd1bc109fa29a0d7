package peer

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/protocol"
	"github.com/beatarena/livesession/internal/webrtcpeer"
)

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := webrtcpeer.NewAPI(config.Config{}, nil)
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

// capture records outbound messages instead of sending them anywhere.
type capture struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
}

func (c *capture) Send(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *capture) ofType(typ protocol.MessageType) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// link delivers one side's outbound messages to the other side in order.
type link struct {
	ch   chan protocol.Message
	quit chan struct{}
	wg   sync.WaitGroup
}

func newLink() *link {
	return &link{ch: make(chan protocol.Message, 256), quit: make(chan struct{})}
}

func (l *link) Send(m protocol.Message) error {
	select {
	case l.ch <- m:
	case <-l.quit:
	}
	return nil
}

func (l *link) pump(t *testing.T, dst func() *Conn) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.quit:
				return
			case m := <-l.ch:
				var err error
				switch m.Type {
				case protocol.TypeOffer:
					err = dst().HandleOffer(*m.Offer)
				case protocol.TypeAnswer:
					err = dst().HandleAnswer(*m.Answer)
				case protocol.TypeICECandidate:
					err = dst().AddICECandidate(*m.Candidate)
				}
				if err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("deliver %s: %v", m.Type, err)
				}
			}
		}
	}()
}

func (l *link) stop() {
	close(l.quit)
	l.wg.Wait()
}

type events struct {
	mu  sync.Mutex
	all []Event
	ch  chan struct{}
}

func newEvents() *events {
	return &events{ch: make(chan struct{}, 1024)}
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func (e *events) wait(t *testing.T, what string, cond func([]Event) bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		e.mu.Lock()
		ok := cond(e.all)
		e.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-e.ch:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func reachedState(s State) func([]Event) bool {
	return func(all []Event) bool {
		for _, ev := range all {
			if sc, ok := ev.(StateChanged); ok && sc.To == s {
				return true
			}
		}
		return false
	}
}

func hasTrack(kind webrtc.RTPCodecType) func([]Event) bool {
	return func(all []Event) bool {
		for _, ev := range all {
			if ta, ok := ev.(TrackAdded); ok && ta.Track.Kind() == kind {
				return true
			}
		}
		return false
	}
}

type sampleSource struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	done  chan struct{}
}

func startSamples(t *testing.T, kind webrtc.RTPCodecType, id string) *sampleSource {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, "stream-"+id)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	s := &sampleSource{track: track, stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 20 * time.Millisecond})
			}
		}
	}()
	return s
}

func (s *sampleSource) halt() {
	close(s.stop)
	<-s.done
}

func TestTwoPeersConnectWithStreams(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()
	report := test.CheckRoutines(t)
	defer report()

	api := newTestAPI(t)
	aToB, bToA := newLink(), newLink()
	aEvents, bEvents := newEvents(), newEvents()

	a, err := New("bob", Config{API: api, Signaler: aToB, OnEvent: aEvents.add})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New("alice", Config{API: api, Signaler: bToA, OnEvent: bEvents.add})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	aToB.pump(t, func() *Conn { return b })
	bToA.pump(t, func() *Conn { return a })

	func() {
		aVideo := startSamples(t, webrtc.RTPCodecTypeVideo, "a-video")
		defer aVideo.halt()
		aAudio := startSamples(t, webrtc.RTPCodecTypeAudio, "a-audio")
		defer aAudio.halt()
		bVideo := startSamples(t, webrtc.RTPCodecTypeVideo, "b-video")
		defer bVideo.halt()
		if err := a.AttachLocalStream(aVideo.track, aAudio.track); err != nil {
			t.Fatalf("attach a: %v", err)
		}
		if err := b.AttachLocalStream(bVideo.track); err != nil {
			t.Fatalf("attach b: %v", err)
		}

		if !ShouldInitiate("alice", "bob") {
			t.Fatalf("alice should initiate towards bob")
		}
		if err := a.CreateOffer(); err != nil {
			t.Fatalf("CreateOffer: %v", err)
		}

		aEvents.wait(t, "a connected", reachedState(StateConnected))
		bEvents.wait(t, "b connected", reachedState(StateConnected))
		aEvents.wait(t, "a receives video", hasTrack(webrtc.RTPCodecTypeVideo))
		bEvents.wait(t, "b receives video", hasTrack(webrtc.RTPCodecTypeVideo))
		bEvents.wait(t, "b receives audio", hasTrack(webrtc.RTPCodecTypeAudio))

		if a.State() != StateConnected || b.State() != StateConnected {
			t.Fatalf("states a=%s b=%s", a.State(), b.State())
		}
		if a.RemoteStream().Len() == 0 || b.RemoteStream().Len() == 0 {
			t.Fatalf("empty remote stream a=%d b=%d", a.RemoteStream().Len(), b.RemoteStream().Len())
		}
		if a.Negotiations() != 1 || b.Negotiations() != 1 {
			t.Fatalf("negotiations a=%d b=%d", a.Negotiations(), b.Negotiations())
		}

		// Swapping the outgoing video needs no new offer/answer.
		screen := startSamples(t, webrtc.RTPCodecTypeVideo, "a-screen")
		defer screen.halt()
		if err := a.ReplaceVideoTrack(screen.track); err != nil {
			t.Fatalf("ReplaceVideoTrack: %v", err)
		}
		if err := a.ReplaceVideoTrack(aVideo.track); err != nil {
			t.Fatalf("ReplaceVideoTrack back: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		if a.Negotiations() != 1 || b.Negotiations() != 1 {
			t.Fatalf("track swap renegotiated: a=%d b=%d", a.Negotiations(), b.Negotiations())
		}
	}()

	aToB.stop()
	bToA.stop()
	if err := a.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}
	if a.State() != StateClosed {
		t.Fatalf("state after Close=%s", a.State())
	}
}

func TestEarlyCandidatesAppliedOnceAfterOffer(t *testing.T) {
	api := newTestAPI(t)

	offerOut := &capture{}
	offerer, err := New("answerer", Config{API: api, Signaler: offerOut})
	if err != nil {
		t.Fatalf("New offerer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })
	if err := offerer.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	offers := offerOut.ofType(protocol.TypeOffer)
	if len(offers) != 1 || offers[0].TargetPeer != "answerer" {
		t.Fatalf("offers=%+v", offers)
	}

	answerOut := &capture{}
	answerer, err := New("offerer", Config{API: api, Signaler: answerOut})
	if err != nil {
		t.Fatalf("New answerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	mid := "0"
	idx := uint16(0)
	for _, port := range []string{"50000", "50001", "50002"} {
		cand := protocol.Candidate{
			Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 " + port + " typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}
		if err := answerer.AddICECandidate(cand); err != nil {
			t.Fatalf("AddICECandidate: %v", err)
		}
	}
	if answerer.PendingCandidates() != 3 || answerer.AppliedCandidates() != 0 {
		t.Fatalf("pending=%d applied=%d before offer", answerer.PendingCandidates(), answerer.AppliedCandidates())
	}

	if err := answerer.HandleOffer(*offers[0].Offer); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answerer.PendingCandidates() != 0 || answerer.AppliedCandidates() != 3 {
		t.Fatalf("pending=%d applied=%d after offer", answerer.PendingCandidates(), answerer.AppliedCandidates())
	}
	if answerer.State() != StateAnswering {
		t.Fatalf("state=%s", answerer.State())
	}
	answers := answerOut.ofType(protocol.TypeAnswer)
	if len(answers) != 1 || answers[0].Answer.Type != "answer" {
		t.Fatalf("answers=%+v", answers)
	}
	if !strings.Contains(answers[0].Answer.SDP, "a=sendrecv") {
		t.Fatalf("answer without local media should still send video:\n%s", answers[0].Answer.SDP)
	}
	if err := answerer.ReplaceVideoTrack(nil); err != nil {
		t.Fatalf("ReplaceVideoTrack on answerer: %v", err)
	}

	if err := offerer.HandleAnswer(*answers[0].Answer); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if answerer.AppliedCandidates() != 3 {
		t.Fatalf("buffered candidates applied again: %d", answerer.AppliedCandidates())
	}
}

func TestInvalidStateTransitions(t *testing.T) {
	api := newTestAPI(t)
	out := &capture{}
	c, err := New("remote", Config{API: api, Signaler: out})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var negErr *NegotiationError
	err = c.HandleAnswer(protocol.SDP{Type: "answer", SDP: "v=0\r\n"})
	if !errors.As(err, &negErr) || !errors.Is(err, ErrInvalidState) || negErr.State != StateNew {
		t.Fatalf("HandleAnswer in new: %v", err)
	}
	err = c.HandleOffer(protocol.SDP{Type: "answer", SDP: "v=0\r\n"})
	if !errors.As(err, &negErr) || !strings.Contains(err.Error(), "got answer") {
		t.Fatalf("HandleOffer with an answer: %v", err)
	}
	if c.State() != StateNew {
		t.Fatalf("state after rejected offer=%s", c.State())
	}

	if err := c.ReplaceVideoTrack(nil); !errors.Is(err, ErrNoVideoSender) {
		t.Fatalf("ReplaceVideoTrack before negotiating: %v", err)
	}

	if err := c.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	// An offer without a camera still carries a video sender for screen share.
	if err := c.ReplaceVideoTrack(nil); err != nil {
		t.Fatalf("ReplaceVideoTrack after offer: %v", err)
	}
	if err := c.CreateOffer(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second CreateOffer: %v", err)
	}
	// Glare: an offer while our own offer is outstanding is refused.
	if err := c.HandleOffer(*out.ofType(protocol.TypeOffer)[0].Offer); !errors.As(err, &negErr) || negErr.State != StateOffering {
		t.Fatalf("HandleOffer while offering: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.AddICECandidate(protocol.Candidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 1 typ host"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("AddICECandidate after close: %v", err)
	}
	if err := c.CreateOffer(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("CreateOffer after close: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	api := newTestAPI(t)
	ev := newEvents()
	c, err := New("silent", Config{
		API:                api,
		Signaler:           &capture{},
		NegotiationTimeout: 100 * time.Millisecond,
		OnEvent:            ev.add,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	ev.wait(t, "negotiation failure", func(all []Event) bool {
		for _, e := range all {
			if nf, ok := e.(NegotiationFailed); ok && errors.Is(nf.Err, ErrNegotiationTimeout) {
				return true
			}
		}
		return false
	})
	ev.wait(t, "closed", reachedState(StateClosed))
	if c.State() != StateClosed {
		t.Fatalf("state=%s", c.State())
	}
}

func TestSendFailureIsNegotiationError(t *testing.T) {
	api := newTestAPI(t)
	sendErr := errors.New("relay gone")
	c, err := New("remote", Config{API: api, Signaler: &capture{err: sendErr}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	err = c.CreateOffer()
	var negErr *NegotiationError
	if !errors.As(err, &negErr) || !errors.Is(err, sendErr) || negErr.Op != "send offer" {
		t.Fatalf("CreateOffer err=%v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateNew, StateOffering, true},
		{StateNew, StateAnswering, true},
		{StateNew, StateConnected, false},
		{StateOffering, StateAnswering, false},
		{StateOffering, StateConnected, true},
		{StateAnswering, StateAnswering, true},
		{StateConnected, StateReconnecting, true},
		{StateReconnecting, StateConnected, true},
		{StateConnected, StateOffering, false},
		{StateClosed, StateNew, false},
		{StateClosed, StateConnected, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	for s := StateNew; s <= StateClosed; s++ {
		if s != StateClosed && !CanTransition(s, StateClosed) {
			t.Fatalf("%s cannot close", s)
		}
	}
	if ShouldInitiate("b", "a") || !ShouldInitiate("a", "b") {
		t.Fatalf("ShouldInitiate must pick the lower id")
	}
}
