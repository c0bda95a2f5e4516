package session

import (
	"errors"
	"time"
)

// CallSession is the authoritative record of one call attempt, shared by the
// negotiation engine, the timers and the billing bridge.
//
// Lifecycle invariants:
// - State moves Connecting -> Connected -> {Disconnected, Failed} -> Ended.
//   The only backward edge is Disconnected -> Connected, allowed while the
//   disconnect grace window is open.
// - Ended is terminal and reachable from every state.
// - ConnectedAt is set at most once; elapsed-time billing is meaningless
//   before it is set.
// - Duration accumulates only while the state is Connected; the disconnect
//   grace window does not count.
//
// Concurrency invariant: all mutation happens on the session's event loop
// (see internal/engine); no field is touched from two goroutines.
type CallSession struct {
	SessionKey string
	PeerID     string
	SelfID     string
	Role       Role
	MediaKind  MediaKind

	State       State
	StartedAt   time.Time
	ConnectedAt *time.Time

	// connectedSince anchors the live connected span; nil while the call is
	// not Connected. connectedTotal accumulates finished spans.
	connectedSince *time.Time
	connectedTotal time.Duration

	// One-shot latches guarding exactly-once side effects. Each is acquired
	// on the event loop immediately before the effect it guards.
	OfferSent     Latch
	AnswerSent    Latch
	Accepted      Latch
	Answered      Latch
	Ended         Latch
	ConnectedOnce Latch
	StartNotified Latch
	RenotifySent  Latch
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

// State is the call connection state exposed to the UI layer.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
)

// EndReason distinguishes the terminal outcomes the UI must tell apart.
type EndReason string

const (
	EndReasonHangup      EndReason = "hangup"
	EndReasonRemoteEnded EndReason = "remote_ended"
	EndReasonRejected    EndReason = "rejected"
	EndReasonTimeout     EndReason = "timeout"
	EndReasonDropped     EndReason = "dropped"
	EndReasonBillingCap  EndReason = "billing_cap"
	EndReasonTransport   EndReason = "transport_failure"
	EndReasonMediaFailed EndReason = "media_failure"
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

// New creates a session in Connecting state.
func New(sessionKey, selfID, peerID string, role Role, kind MediaKind, now time.Time) *CallSession {
	return &CallSession{
		SessionKey: sessionKey,
		SelfID:     selfID,
		PeerID:     peerID,
		Role:       role,
		MediaKind:  kind,
		State:      StateConnecting,
		StartedAt:  now,
	}
}

// Transition applies a state change, rejecting edges the lifecycle does not
// permit. Callers decide whether the Disconnected -> Connected edge is inside
// the grace window; this type only enforces shape.
func (s *CallSession) Transition(to State) error {
	if s.State == StateEnded {
		if to == StateEnded {
			return nil
		}
		return ErrInvalidTransition
	}
	switch to {
	case StateConnected:
		if s.State != StateConnecting && s.State != StateDisconnected {
			return ErrInvalidTransition
		}
	case StateDisconnected, StateFailed:
		if s.State != StateConnecting && s.State != StateConnected {
			return ErrInvalidTransition
		}
	case StateEnded:
		// Reachable from everywhere.
	case StateConnecting:
		return ErrInvalidTransition
	}
	s.State = to
	return nil
}

// MarkConnected records the first successful connection instant. Returns
// false when the session was already connected once, so the three connect
// triggers collapse into a single effect.
func (s *CallSession) MarkConnected(now time.Time) bool {
	if !s.ConnectedOnce.TryAcquire() {
		return false
	}
	t := now
	s.ConnectedAt = &t
	s.connectedSince = &t
	return true
}

// SuspendDuration closes the live connected span when the transport drops,
// so the grace window is not billed as talk time.
func (s *CallSession) SuspendDuration(now time.Time) {
	if s.connectedSince == nil {
		return
	}
	if d := now.Sub(*s.connectedSince); d > 0 {
		s.connectedTotal += d
	}
	s.connectedSince = nil
}

// ResumeDuration reopens the span after an in-grace recovery.
func (s *CallSession) ResumeDuration(now time.Time) {
	if s.connectedSince != nil || s.ConnectedAt == nil {
		return
	}
	t := now
	s.connectedSince = &t
}

// Duration reports elapsed connected time. Zero before the first connect;
// suspended spans are excluded.
func (s *CallSession) Duration(now time.Time) time.Duration {
	d := s.connectedTotal
	if s.connectedSince != nil {
		if live := now.Sub(*s.connectedSince); live > 0 {
			d += live
		}
	}
	return d
}

// WasConnected reports whether the call ever reached Connected.
func (s *CallSession) WasConnected() bool {
	return s.ConnectedAt != nil
}
