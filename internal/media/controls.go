package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"call-platform/internal/negotiation"
	"call-platform/internal/signaling"
)

// trackSwapper is the slice of the negotiation peer the facade needs.
type trackSwapper interface {
	ReplaceVideoTrack(track webrtc.TrackLocal) error
}

// Controls is the in-call media facade: mute state, camera switching and the
// media-state broadcast to the remote party. State changes always succeed
// locally; the broadcast is fire-and-forget and a send failure never reverts
// the local toggle.
type Controls struct {
	source     negotiation.MediaSource
	peer       trackSwapper
	send       func(signaling.Envelope) error
	log        *slog.Logger
	sessionKey string
	selfID     string

	audioEnabled bool
	videoEnabled bool
	speakerOn    bool
}

func NewControls(source negotiation.MediaSource, peer trackSwapper, send func(signaling.Envelope) error, sessionKey, selfID string, video bool, log *slog.Logger) *Controls {
	return &Controls{
		source:       source,
		peer:         peer,
		send:         send,
		log:          log,
		sessionKey:   sessionKey,
		selfID:       selfID,
		audioEnabled: true,
		videoEnabled: video,
		speakerOn:    video, // video calls default to loudspeaker
	}
}

// ToggleAudio flips the microphone and reports the new state.
func (c *Controls) ToggleAudio() bool {
	c.audioEnabled = !c.audioEnabled
	c.source.SetAudioEnabled(c.audioEnabled)
	c.broadcast()
	return c.audioEnabled
}

// ToggleVideo flips the camera and reports the new state.
func (c *Controls) ToggleVideo() bool {
	c.videoEnabled = !c.videoEnabled
	c.source.SetVideoEnabled(c.videoEnabled)
	c.broadcast()
	return c.videoEnabled
}

// ToggleSpeaker flips the audio output route. Purely local: the remote party
// has no interest in which speaker plays the call.
func (c *Controls) ToggleSpeaker() bool {
	c.speakerOn = !c.speakerOn
	return c.speakerOn
}

// SwitchCamera swaps the published video track to the other camera. The
// sender keeps its negotiated parameters, so no renegotiation happens.
func (c *Controls) SwitchCamera() error {
	track, err := c.source.SwitchCamera()
	if err != nil {
		return fmt.Errorf("switching camera: %w", err)
	}
	if err := c.peer.ReplaceVideoTrack(track); err != nil {
		return fmt.Errorf("replacing video track: %w", err)
	}
	return nil
}

func (c *Controls) AudioEnabled() bool { return c.audioEnabled }
func (c *Controls) VideoEnabled() bool { return c.videoEnabled }
func (c *Controls) SpeakerOn() bool    { return c.speakerOn }

func (c *Controls) broadcast() {
	audio, video := c.audioEnabled, c.videoEnabled
	err := c.send(signaling.Envelope{
		Type:         signaling.TypeMediaState,
		SessionKey:   c.sessionKey,
		SenderID:     c.selfID,
		AudioEnabled: &audio,
		VideoEnabled: &video,
	})
	if err != nil {
		c.log.Warn("media state broadcast failed", "err", err)
	}
}
