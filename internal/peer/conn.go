// Package peer manages the WebRTC connection to one remote room member:
// offer/answer, trickled ICE candidates, local senders and the remote
// stream.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beatarena/livesession/internal/config"
	"github.com/beatarena/livesession/internal/metrics"
	"github.com/beatarena/livesession/internal/protocol"
)

// Signaler carries outbound negotiation messages to the relay.
type Signaler interface {
	Send(msg protocol.Message) error
}

type Config struct {
	API           *webrtc.API
	Configuration webrtc.Configuration
	Signaler      Signaler

	// NegotiationTimeout closes a peer that is still offering or answering
	// after this long.
	NegotiationTimeout time.Duration

	// OnEvent receives state, track and failure events. It is called from
	// pion goroutines and must not block.
	OnEvent func(Event)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Conn is the connection to one remote peer. Negotiation methods are
// serialized; pion callbacks only touch state under mu.
type Conn struct {
	id  string
	cfg Config
	pc  *webrtc.PeerConnection
	log *slog.Logger

	// negMu serializes offer/answer/candidate handling.
	negMu sync.Mutex

	mu             sync.Mutex
	state          State
	awaitingAnswer bool
	remoteSet      bool
	pending        []webrtc.ICECandidateInit
	// Local candidates are held until our description has been sent so the
	// remote never sees a candidate before the offer/answer.
	descSent     bool
	localPending []protocol.Candidate
	videoSender  *webrtc.RTPSender
	audioSender  *webrtc.RTPSender
	negotiations int
	applied      int
	timer        *time.Timer

	stream *RemoteStream

	closeOnce sync.Once
	done      chan struct{}
}

// New creates the connection for remoteID. Nothing is sent until
// CreateOffer or HandleOffer.
func New(remoteID string, cfg Config) (*Conn, error) {
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	if cfg.Signaler == nil {
		return nil, errors.New("peer: nil signaler")
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = config.DefaultNegotiationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pc, err := cfg.API.NewPeerConnection(cfg.Configuration)
	if err != nil {
		return nil, fmt.Errorf("peer %s: new peer connection: %w", remoteID, err)
	}

	c := &Conn{
		id:     remoteID,
		cfg:    cfg,
		pc:     pc,
		log:    cfg.Logger.With("peer_id", remoteID),
		state:  StateNew,
		stream: &RemoteStream{},
		done:   make(chan struct{}),
	}
	pc.OnICECandidate(c.onICECandidate)
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(c.onConnectionState)
	return c, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) RemoteStream() *RemoteStream { return c.stream }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Negotiations counts completed offer/answer rounds.
func (c *Conn) Negotiations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiations
}

// AppliedCandidates counts remote candidates handed to ICE.
func (c *Conn) AppliedCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// PendingCandidates counts remote candidates waiting for a remote
// description.
func (c *Conn) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AttachLocalStream adds a sender for each track. Call before negotiating so
// the tracks are part of the first offer or answer.
func (c *Conn) AttachLocalStream(tracks ...webrtc.TrackLocal) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	for _, track := range tracks {
		if track == nil {
			continue
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("peer %s: add %s track: %w", c.id, track.Kind(), err)
		}
		c.mu.Lock()
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			c.videoSender = sender
		case webrtc.RTPCodecTypeAudio:
			c.audioSender = sender
		}
		c.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video on the existing sender. No new
// offer/answer round is needed.
func (c *Conn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.videoSender
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sender == nil {
		return ErrNoVideoSender
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("peer %s: replace video track: %w", c.id, err)
	}
	return nil
}

// addVideoSender negotiates a sending video section with a placeholder track
// so ReplaceVideoTrack works later without a camera.
func (c *Conn) addVideoSender() error {
	tr, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.videoSender = tr.Sender()
	c.mu.Unlock()
	go drainRTCP(tr.Sender())
	return nil
}

// CreateOffer starts negotiation as the initiator. Only valid in state new.
func (c *Conn) CreateOffer() error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	if err := c.transition("create offer", StateOffering, StateNew); err != nil {
		return err
	}
	c.mu.Lock()
	c.awaitingAnswer = true
	hasVideo, hasAudio := c.videoSender != nil, c.audioSender != nil
	c.mu.Unlock()
	c.armTimer()

	// Without a microphone we still want to receive audio.
	if !hasAudio {
		recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			return c.negErr("create offer", err)
		}
	}
	if !hasVideo {
		if err := c.addVideoSender(); err != nil {
			return c.negErr("create offer", err)
		}
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return c.negErr("create offer", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return c.negErr("set local offer", err)
	}
	sdp := protocol.SDPFromPion(offer)
	if err := c.cfg.Signaler.Send(protocol.Message{Type: protocol.TypeOffer, TargetPeer: c.id, Offer: &sdp}); err != nil {
		return c.negErr("send offer", err)
	}
	c.log.Debug("offer sent")
	c.flushLocalCandidates()
	return nil
}

// HandleOffer answers a remote offer. Candidates buffered before the offer
// are applied once the remote description is set.
func (c *Conn) HandleOffer(sdp protocol.SDP) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	desc, err := sdp.ToPion()
	if err != nil {
		return c.negErr("handle offer", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return c.negErr("handle offer", fmt.Errorf("expected offer sdp, got %s", desc.Type))
	}
	if err := c.transition("handle offer", StateAnswering, StateNew, StateAnswering); err != nil {
		return err
	}
	c.armTimer()

	c.mu.Lock()
	hasVideo := c.videoSender != nil
	c.mu.Unlock()
	if !hasVideo {
		// Added before the remote description so it pairs with the offered
		// video section.
		if err := c.addVideoSender(); err != nil {
			return c.negErr("handle offer", err)
		}
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return c.negErr("set remote offer", err)
	}
	c.flushRemoteCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return c.negErr("create answer", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return c.negErr("set local answer", err)
	}
	out := protocol.SDPFromPion(answer)
	if err := c.cfg.Signaler.Send(protocol.Message{Type: protocol.TypeAnswer, TargetPeer: c.id, Answer: &out}); err != nil {
		return c.negErr("send answer", err)
	}
	c.mu.Lock()
	c.negotiations++
	c.mu.Unlock()
	c.cfg.Metrics.Inc(metrics.PeerNegotiations)
	c.log.Debug("answer sent")
	c.flushLocalCandidates()
	return nil
}

// HandleAnswer completes negotiation started by CreateOffer.
func (c *Conn) HandleAnswer(sdp protocol.SDP) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.mu.Lock()
	state, awaiting := c.state, c.awaitingAnswer
	c.mu.Unlock()
	if state != StateOffering || !awaiting {
		return &NegotiationError{PeerID: c.id, Op: "handle answer", State: state, Err: ErrInvalidState}
	}

	desc, err := sdp.ToPion()
	if err != nil {
		return c.negErr("handle answer", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return c.negErr("handle answer", fmt.Errorf("expected answer sdp, got %s", desc.Type))
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return c.negErr("set remote answer", err)
	}
	c.mu.Lock()
	c.awaitingAnswer = false
	c.negotiations++
	c.mu.Unlock()
	c.cfg.Metrics.Inc(metrics.PeerNegotiations)
	c.flushRemoteCandidates()
	return nil
}

// AddICECandidate applies a remote candidate, or buffers it until the remote
// description is known.
func (c *Conn) AddICECandidate(cand protocol.Candidate) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand.ToPion())
		c.mu.Unlock()
		c.cfg.Metrics.Inc(metrics.PeerCandidatesBuffered)
		return nil
	}
	c.mu.Unlock()
	return c.applyCandidate(cand.ToPion())
}

// Close releases the peer connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		from := c.state
		c.state = StateClosed
		if c.timer != nil {
			c.timer.Stop()
		}
		c.pending = nil
		c.localPending = nil
		c.mu.Unlock()

		err = c.pc.Close()
		close(c.done)
		if from != StateClosed {
			c.emit(StateChanged{PeerID: c.id, From: from, To: StateClosed})
		}
	})
	return err
}

// flushRemoteCandidates marks the remote description as set and applies the
// buffered candidates exactly once. Caller holds negMu.
func (c *Conn) flushRemoteCandidates() {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.applyCandidate(cand); err != nil {
			c.log.Warn("apply buffered candidate", "err", err)
		}
	}
}

func (c *Conn) applyCandidate(cand webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("peer %s: add ice candidate: %w", c.id, err)
	}
	c.mu.Lock()
	c.applied++
	c.mu.Unlock()
	return nil
}

func (c *Conn) flushLocalCandidates() {
	c.mu.Lock()
	c.descSent = true
	pending := c.localPending
	c.localPending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		c.sendCandidate(cand)
	}
}

func (c *Conn) onICECandidate(ice *webrtc.ICECandidate) {
	if ice == nil {
		return
	}
	cand := protocol.CandidateFromPion(ice.ToJSON())
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if !c.descSent {
		c.localPending = append(c.localPending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(cand)
}

func (c *Conn) sendCandidate(cand protocol.Candidate) {
	msg := protocol.Message{Type: protocol.TypeICECandidate, TargetPeer: c.id, Candidate: &cand}
	if err := c.cfg.Signaler.Send(msg); err != nil {
		c.log.Debug("send ice candidate", "err", err)
	}
}

func (c *Conn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.stream.add(track)
	c.cfg.Metrics.Inc(metrics.PeerRemoteTracks)
	c.log.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	c.emit(TrackAdded{PeerID: c.id, Track: track, Stream: c.stream})

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			c.stream.packets.Add(1)
			c.stream.bytes.Add(uint64(len(pkt.Payload)))
		}
	}()
}

func (c *Conn) onConnectionState(s webrtc.PeerConnectionState) {
	c.log.Debug("connection state", "state", s.String())
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		c.move(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		c.move(StateReconnecting)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		go c.Close()
	}
}

// move applies a transition driven by pion; disallowed ones are ignored.
func (c *Conn) move(to State) {
	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.emit(StateChanged{PeerID: c.id, From: from, To: to})
}

// transition moves to `to` if the current state is one of allowed.
func (c *Conn) transition(op string, to State, allowed ...State) error {
	c.mu.Lock()
	from := c.state
	ok := false
	for _, s := range allowed {
		if from == s {
			ok = true
			break
		}
	}
	if !ok || !CanTransition(from, to) {
		c.mu.Unlock()
		return &NegotiationError{PeerID: c.id, Op: op, State: from, Err: ErrInvalidState}
	}
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.emit(StateChanged{PeerID: c.id, From: from, To: to})
	}
	return nil
}

func (c *Conn) negErr(op string, err error) error {
	c.cfg.Metrics.Inc(metrics.PeerNegotiationFailed)
	return &NegotiationError{PeerID: c.id, Op: op, State: c.State(), Err: err}
}

func (c *Conn) armTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.NegotiationTimeout, c.onNegotiationTimeout)
}

func (c *Conn) onNegotiationTimeout() {
	state := c.State()
	if !state.Negotiating() {
		return
	}
	c.cfg.Metrics.Inc(metrics.PeerNegotiationTimeout)
	c.log.Warn("negotiation timed out", "state", state.String(), "timeout", c.cfg.NegotiationTimeout)
	c.emit(NegotiationFailed{
		PeerID: c.id,
		Err:    &NegotiationError{PeerID: c.id, Op: "negotiate", State: state, Err: ErrNegotiationTimeout},
	})
	_ = c.Close()
}

func (c *Conn) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
