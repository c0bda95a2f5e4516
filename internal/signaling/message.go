package signaling

import (
	"github.com/pion/webrtc/v4"
)

// Type identifies a signaling message.
type Type string

const (
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeICECandidate       Type = "ice-candidate"
	TypeCallAnswered       Type = "call-answered"
	TypeCallRejected       Type = "call-rejected"
	TypeCallTimeout        Type = "call-timeout"
	TypeCallEnded          Type = "call-ended"
	TypeResendOfferRequest Type = "resend-offer-request"
	TypeMediaState         Type = "media-state"
)

// Envelope is the one-JSON-object-per-message wire format exchanged over the
// signaling relay. Fields beyond type/sessionKey/senderId are present only
// for the message types that use them; the relay treats everything except
// call-ended as opaque and fans it out verbatim.
//
// Description and Candidate are pass-through negotiation payloads; nothing in
// this repo inspects the SDP.
type Envelope struct {
	Type       Type   `json:"type"`
	SessionKey string `json:"sessionKey"`
	SenderID   string `json:"senderId"`

	// offer / answer
	Description *webrtc.SessionDescription `json:"description,omitempty"`

	// ice-candidate
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	// call-rejected
	Reason string `json:"reason,omitempty"`

	// call-ended
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	WasConnected    bool   `json:"wasConnected,omitempty"`
	MediaKind       string `json:"mediaKind,omitempty"`

	// media-state
	AudioEnabled *bool `json:"audioEnabled,omitempty"`
	VideoEnabled *bool `json:"videoEnabled,omitempty"`
}
