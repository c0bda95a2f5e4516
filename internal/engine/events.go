package engine

import "call-platform/internal/session"

// EventKind labels the events a call emits toward its owning UI layer.
type EventKind string

const (
	// EventStateChanged reports any call state transition.
	EventStateChanged EventKind = "state-changed"
	// EventAnswered fires once when the remote party answers.
	EventAnswered EventKind = "answered"
	// EventConnected fires once, when the call first reaches Connected.
	EventConnected EventKind = "connected"
	// EventDurationTick fires every second while Connected.
	EventDurationTick EventKind = "duration-tick"
	// EventRemoteMediaState mirrors the peer's mute/camera flags.
	EventRemoteMediaState EventKind = "remote-media-state"
	// EventWarning reports a recoverable problem. The call continues.
	EventWarning EventKind = "warning"
	// EventEnded is the single terminal event; it is always the last one.
	EventEnded EventKind = "ended"
)

// Event is the typed outbound stream element. The engine never holds UI
// types; the UI layer subscribes to Events() and renders from these.
type Event struct {
	Kind  EventKind
	State session.State

	// Terminal fields, set on EventEnded.
	Reason          session.EndReason
	DurationSeconds int
	WasConnected    bool

	// Remote media flags, set on EventRemoteMediaState.
	AudioEnabled *bool
	VideoEnabled *bool

	// Err is set on EventWarning.
	Err error
}
