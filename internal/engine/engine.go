package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"call-platform/internal/billing"
	"call-platform/internal/negotiation"
	"call-platform/internal/session"
	"call-platform/internal/signaling"
)

// Transport is the signaling channel slice a call consumes. The production
// implementation is signaling.Client.
type Transport interface {
	Send(signaling.Envelope) error
	Inbound() <-chan signaling.Envelope
	Fatal() <-chan error
	Close() error
}

// Negotiator is the offer/answer handshake slice a call consumes. The
// production implementation is negotiation.Peer.
type Negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	LocalDescription() *webrtc.SessionDescription
	AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(webrtc.SessionDescription) error
	AddRemoteCandidate(webrtc.ICECandidateInit) error
	ReplaceVideoTrack(webrtc.TrackLocal) error
	Close() error
}

// Biller is the accounting backend slice a call consumes.
type Biller interface {
	CheckAvailability(ctx context.Context, callType string) (billing.Availability, error)
	Start(ctx context.Context, callType, sessionKey, peerID string) (billing.StartResult, error)
	MarkAnswered(ctx context.Context, sessionKey string) error
	Deduct(ctx context.Context, sessionKey, callType string, durationSeconds int) error
	End(ctx context.Context, sessionKey, callType string, durationSeconds int, wasConnected bool) error
}

// Timings collects every timer the supervisor runs. Zero values get the
// production defaults; tests shrink them to milliseconds.
type Timings struct {
	// EstablishTimeout bounds the unanswered phase of an outgoing call.
	EstablishTimeout time.Duration
	// ReofferInterval paces retransmission of the stored offer until the
	// call connects.
	ReofferInterval time.Duration
	// GraceWindow is how long a transient transport drop is tolerated on an
	// active call before the call is declared dropped.
	GraceWindow time.Duration
	// DurationTick paces the elapsed-time event while connected.
	DurationTick time.Duration
	// BillingInterval paces recurring deductions while connected.
	BillingInterval time.Duration
	// MaxBillingCycles force-ends the call as a runaway-cost valve.
	MaxBillingCycles int
}

func (t Timings) withDefaults() Timings {
	out := t
	if out.EstablishTimeout <= 0 {
		out.EstablishTimeout = 30 * time.Second
	}
	if out.ReofferInterval <= 0 {
		out.ReofferInterval = 4 * time.Second
	}
	if out.GraceWindow <= 0 {
		out.GraceWindow = 2500 * time.Millisecond
	}
	if out.DurationTick <= 0 {
		out.DurationTick = time.Second
	}
	if out.BillingInterval <= 0 {
		out.BillingInterval = 10 * time.Minute
	}
	if out.MaxBillingCycles <= 0 {
		out.MaxBillingCycles = 100
	}
	return out
}

var (
	ErrInvalidArgument = errors.New("engine: invalid argument")
	ErrCallNotAllowed  = errors.New("engine: call not allowed for this account")
	ErrNoMediaSource   = errors.New("engine: media source unavailable")
)

// Options configures the supervisor.
type Options struct {
	Timings Timings
	Biller  Biller

	// RelayURL is the signaling relay base, e.g. "wss://host/call-signaling";
	// the session key is appended per call.
	RelayURL    string
	BearerToken string
	Signaling   signaling.ClientConfig
	ICEServers  []webrtc.ICEServer

	// NewSource acquires local media for a call. Required: device capture is
	// owned by the embedding application.
	NewSource func(kind session.MediaKind) (negotiation.MediaSource, error)

	// NewTransport and NewPeer are overridable for tests. Left nil, they
	// build the production signaling client and pion peer.
	NewTransport func(sessionKey string) (Transport, error)
	NewPeer      func(source negotiation.MediaSource, cb negotiation.Callbacks) (Negotiator, error)

	Logger *slog.Logger
	Clock  func() time.Time
}

// Engine is the call supervisor: it owns the session registry and creates,
// looks up and destroys per-call actors. It replaces the "current call"
// singleton of older designs.
type Engine struct {
	timings  Timings
	bill     Biller
	registry *session.Registry
	log      *slog.Logger
	clock    func() time.Time

	newTransport func(sessionKey string) (Transport, error)
	newSource    func(kind session.MediaKind) (negotiation.MediaSource, error)
	newPeer      func(source negotiation.MediaSource, cb negotiation.Callbacks) (Negotiator, error)
}

func New(opts Options) (*Engine, error) {
	if opts.Biller == nil {
		return nil, fmt.Errorf("%w: biller is required", ErrInvalidArgument)
	}
	if opts.NewSource == nil {
		return nil, fmt.Errorf("%w: media source factory is required", ErrInvalidArgument)
	}
	if opts.NewTransport == nil && opts.RelayURL == "" {
		return nil, fmt.Errorf("%w: relay URL is required", ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		timings:      opts.Timings.withDefaults(),
		bill:         opts.Biller,
		registry:     session.NewRegistry(),
		log:          log,
		clock:        clock,
		newTransport: opts.NewTransport,
		newSource:    opts.NewSource,
		newPeer:      opts.NewPeer,
	}
	if e.newTransport == nil {
		base := strings.TrimRight(opts.RelayURL, "/")
		e.newTransport = func(sessionKey string) (Transport, error) {
			cfg := opts.Signaling
			cfg.URL = base + "/" + sessionKey
			cfg.BearerToken = opts.BearerToken
			client := signaling.NewClient(cfg, log.With("session_key", sessionKey))
			go client.Run(context.Background())
			return client, nil
		}
	}
	if e.newPeer == nil {
		e.newPeer = func(source negotiation.MediaSource, cb negotiation.Callbacks) (Negotiator, error) {
			return negotiation.NewPeer(negotiation.Config{ICEServers: opts.ICEServers}, source, cb, log)
		}
	}
	return e, nil
}

// Sessions reports the number of live call sessions.
func (e *Engine) Sessions() int { return e.registry.Len() }

// PlaceCall starts an outgoing call. The availability pre-check is fatal:
// when the account cannot place a call of this kind, no session is created.
func (e *Engine) PlaceCall(ctx context.Context, sessionKey, selfID, peerID string, kind session.MediaKind) (*Call, error) {
	if err := validateCallArgs(sessionKey, selfID, peerID); err != nil {
		return nil, err
	}

	avail, err := e.bill.CheckAvailability(ctx, string(kind))
	if err != nil {
		return nil, fmt.Errorf("engine: availability check: %w", err)
	}
	if !avail.CanMakeCall {
		return nil, fmt.Errorf("%w: %d calls remaining", ErrCallNotAllowed, avail.RemainingCalls)
	}

	source, err := e.newSource(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMediaSource, err)
	}

	sess := session.New(sessionKey, selfID, peerID, session.RoleCaller, kind, e.clock())
	if err := e.registry.Register(sess); err != nil {
		source.Close()
		return nil, err
	}

	call, err := e.startCall(sess, source)
	if err != nil {
		e.registry.Destroy(sessionKey)
		source.Close()
		return nil, err
	}
	call.post(call.startCaller)
	return call, nil
}

// IncomingCall registers an inbound invitation. No media is acquired and no
// peer connection exists until Accept releases the gate.
func (e *Engine) IncomingCall(sessionKey, selfID, peerID string, kind session.MediaKind) (*Call, error) {
	if err := validateCallArgs(sessionKey, selfID, peerID); err != nil {
		return nil, err
	}

	sess := session.New(sessionKey, selfID, peerID, session.RoleCallee, kind, e.clock())
	if err := e.registry.Register(sess); err != nil {
		return nil, err
	}

	call, err := e.startCall(sess, nil)
	if err != nil {
		e.registry.Destroy(sessionKey)
		return nil, err
	}
	return call, nil
}

// startCall builds the actor and its transport, wires the peer for the
// caller path (the callee's peer is created on Accept) and starts the loop.
func (e *Engine) startCall(sess *session.CallSession, source negotiation.MediaSource) (*Call, error) {
	transport, err := e.newTransport(sess.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("engine: opening signaling transport: %w", err)
	}

	c := newCall(e, sess, transport)
	if source != nil {
		peer, err := e.newPeer(source, c.peerCallbacks())
		if err != nil {
			transport.Close()
			return nil, fmt.Errorf("%w: %v", ErrNoMediaSource, err)
		}
		c.attachMedia(source, peer)
	}

	go c.run()
	return c, nil
}

func validateCallArgs(sessionKey, selfID, peerID string) error {
	switch {
	case strings.TrimSpace(sessionKey) == "":
		return fmt.Errorf("%w: session key is required", ErrInvalidArgument)
	case strings.TrimSpace(selfID) == "":
		return fmt.Errorf("%w: authenticated identity is required", ErrInvalidArgument)
	case strings.TrimSpace(peerID) == "":
		return fmt.Errorf("%w: peer identity is required", ErrInvalidArgument)
	}
	return nil
}
