package negotiation

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// MediaSource supplies the local media tracks for a call. Device capture is
// owned by the embedding application; the engine never touches hardware.
type MediaSource interface {
	// Tracks returns the local tracks to publish. Voice calls return one
	// audio track; video calls add a video track.
	Tracks() ([]webrtc.TrackLocal, error)

	// SwitchCamera returns a replacement video track from the other camera,
	// or an error if the source has no second camera.
	SwitchCamera() (webrtc.TrackLocal, error)

	// SetAudioEnabled / SetVideoEnabled mute or unmute capture. Muting is a
	// device concern; the peer connection keeps its senders either way.
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// Close releases capture resources.
	Close() error
}

// Callbacks deliver asynchronous peer-connection events. They fire on pion's
// internal goroutines; the engine re-posts them onto the session event loop.
type Callbacks struct {
	OnLocalCandidate  func(webrtc.ICECandidateInit)
	OnRemoteTrack     func(*webrtc.TrackRemote)
	OnConnectionState func(webrtc.PeerConnectionState)
}

// Config selects the ICE servers for new peer connections.
type Config struct {
	ICEServers []webrtc.ICEServer
}

var (
	ErrOfferInFlight   = errors.New("negotiation: offer creation already in flight")
	ErrNoRemoteNeeded  = errors.New("negotiation: no offer was sent, answer unexpected")
	ErrNegotiationDead = errors.New("negotiation: could not establish call")
)

// Peer owns the local/remote session-description exchange for one call
// session. All methods run on the session event loop; only the pion
// callbacks originate elsewhere.
type Peer struct {
	cfg    Config
	source MediaSource
	cb     Callbacks
	log    *slog.Logger

	pc      *webrtc.PeerConnection
	pending *candidateQueue

	// localDesc is the description the re-offer loop retransmits. It is the
	// original, never regenerated.
	localDesc *webrtc.SessionDescription

	creatingOffer bool

	// newPC is swappable so tests can substitute a scripted connection.
	newPC func(webrtc.Configuration) (*webrtc.PeerConnection, error)
}

func NewPeer(cfg Config, source MediaSource, cb Callbacks, log *slog.Logger) (*Peer, error) {
	p := &Peer{
		cfg:     cfg,
		source:  source,
		cb:      cb,
		log:     log,
		pending: newCandidateQueue(),
		newPC: func(c webrtc.Configuration) (*webrtc.PeerConnection, error) {
			return webrtc.NewPeerConnection(c)
		},
	}
	if err := p.rebuild(); err != nil {
		return nil, err
	}
	return p, nil
}

// rebuild creates a fresh PeerConnection, republishes local tracks and
// rewires the event handlers. Used at construction and when recovering from
// an incompatible-state negotiation error.
func (p *Peer) rebuild() error {
	if p.pc != nil {
		p.pc.Close()
	}

	pc, err := p.newPC(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}

	tracks, err := p.source.Tracks()
	if err != nil {
		pc.Close()
		return fmt.Errorf("acquiring local tracks: %w", err)
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return fmt.Errorf("adding local track %s: %w", track.ID(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.cb.OnLocalCandidate == nil {
			return
		}
		p.cb.OnLocalCandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if p.cb.OnRemoteTrack != nil {
			p.cb.OnRemoteTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.cb.OnConnectionState != nil {
			p.cb.OnConnectionState(state)
		}
	})

	p.pc = pc
	return nil
}

// CreateOffer produces and stores the local description for this round. A
// call while a creation is in flight is refused, not queued, so two
// competing descriptions can never exist.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.creatingOffer {
		return webrtc.SessionDescription{}, ErrOfferInFlight
	}
	p.creatingOffer = true
	defer func() { p.creatingOffer = false }()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local offer: %w", err)
	}
	p.localDesc = &offer
	return offer, nil
}

// LocalDescription returns the stored description from this round, or nil if
// none was created yet. The re-offer loop and resend-offer-request handling
// both retransmit exactly this value.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.localDesc
}

// AcceptOffer applies a remote offer and synthesizes the local answer. If the
// negotiation state is incompatible (a previous round's description is in
// place), the underlying transport is reset and the sequence retried once; a
// second failure is reported as ErrNegotiationDead, which callers treat as
// recoverable.
func (p *Peer) AcceptOffer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	answer, err := p.applyOfferAndAnswer(remote)
	if err == nil {
		return answer, nil
	}

	p.log.Warn("offer apply failed, resetting transport and retrying", "err", err)
	if rerr := p.rebuild(); rerr != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: reset failed: %v", ErrNegotiationDead, rerr)
	}
	answer, err = p.applyOfferAndAnswer(remote)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrNegotiationDead, err)
	}
	return answer, nil
}

func (p *Peer) applyOfferAndAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting remote offer: %w", err)
	}
	if err := p.drainPending(); err != nil {
		p.log.Warn("draining buffered candidates", "err", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local answer: %w", err)
	}
	p.localDesc = &answer
	return answer, nil
}

// AcceptAnswer applies the remote answer for an offer this peer sent. A
// redundant answer (retransmit after the state is already stable) is a
// no-op, not an error.
func (p *Peer) AcceptAnswer(remote webrtc.SessionDescription) error {
	if p.localDesc == nil {
		return ErrNoRemoteNeeded
	}
	if p.pc.SignalingState() == webrtc.SignalingStateStable && p.pc.RemoteDescription() != nil {
		return nil
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return p.drainPending()
}

// AddRemoteCandidate applies a candidate immediately when a remote
// description exists, and buffers it otherwise.
func (p *Peer) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if p.pc.RemoteDescription() == nil {
		p.pending.push(c)
		return nil
	}
	return p.pc.AddICECandidate(c)
}

func (p *Peer) drainPending() error {
	if p.pending.len() == 0 {
		return nil
	}
	n := p.pending.len()
	err := p.pending.drain(p.pc.AddICECandidate)
	p.log.Debug("drained buffered candidates", "count", n)
	return err
}

// PendingCandidates reports how many candidates are buffered.
func (p *Peer) PendingCandidates() int { return p.pending.len() }

// ReplaceVideoTrack swaps the published video track, used for camera switch.
func (p *Peer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	for _, sender := range p.pc.GetSenders() {
		st := sender.Track()
		if st != nil && st.Kind() == webrtc.RTPCodecTypeVideo {
			return sender.ReplaceTrack(track)
		}
	}
	return errors.New("negotiation: no video sender to replace")
}

// Close tears down the peer connection. The media source is closed
// separately by the session owner.
func (p *Peer) Close() error {
	if p.pc == nil {
		return nil
	}
	return p.pc.Close()
}
