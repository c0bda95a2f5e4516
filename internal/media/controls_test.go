package media

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"

	"call-platform/internal/signaling"
)

type fakeSource struct {
	audio, video bool
	cameraErr    error
	switched     int
}

func (f *fakeSource) Tracks() ([]webrtc.TrackLocal, error) { return nil, nil }
func (f *fakeSource) SwitchCamera() (webrtc.TrackLocal, error) {
	if f.cameraErr != nil {
		return nil, f.cameraErr
	}
	f.switched++
	return nil, nil
}
func (f *fakeSource) SetAudioEnabled(on bool) { f.audio = on }
func (f *fakeSource) SetVideoEnabled(on bool) { f.video = on }
func (f *fakeSource) Close() error            { return nil }

type fakeSwapper struct {
	replaced int
	err      error
}

func (f *fakeSwapper) ReplaceVideoTrack(webrtc.TrackLocal) error {
	if f.err != nil {
		return f.err
	}
	f.replaced++
	return nil
}

func newTestControls(src *fakeSource, peer *fakeSwapper, sent *[]signaling.Envelope, sendErr error) *Controls {
	send := func(env signaling.Envelope) error {
		if sendErr != nil {
			return sendErr
		}
		*sent = append(*sent, env)
		return nil
	}
	return NewControls(src, peer, send, "key-1", "u1", true,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestToggleAudioBroadcastsState(t *testing.T) {
	src := &fakeSource{audio: true, video: true}
	var sent []signaling.Envelope
	c := newTestControls(src, &fakeSwapper{}, &sent, nil)

	if on := c.ToggleAudio(); on {
		t.Fatalf("first toggle should mute")
	}
	if src.audio {
		t.Fatalf("source not muted")
	}
	if len(sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(sent))
	}
	env := sent[0]
	if env.Type != signaling.TypeMediaState || env.AudioEnabled == nil || *env.AudioEnabled {
		t.Fatalf("unexpected media-state envelope: %+v", env)
	}
	if env.VideoEnabled == nil || !*env.VideoEnabled {
		t.Fatalf("video flag should still be on: %+v", env)
	}
}

func TestToggleSurvivesSendFailure(t *testing.T) {
	src := &fakeSource{audio: true}
	var sent []signaling.Envelope
	c := newTestControls(src, &fakeSwapper{}, &sent, errors.New("disconnected"))

	if on := c.ToggleAudio(); on {
		t.Fatalf("toggle should apply locally despite send failure")
	}
	if c.AudioEnabled() {
		t.Fatalf("local state not updated")
	}
}

func TestToggleSpeakerIsLocalOnly(t *testing.T) {
	var sent []signaling.Envelope
	c := newTestControls(&fakeSource{}, &fakeSwapper{}, &sent, nil)

	if on := c.ToggleSpeaker(); on {
		t.Fatalf("video call starts on speaker, toggle should turn it off")
	}
	if len(sent) != 0 {
		t.Fatalf("speaker toggle must not broadcast, sent %d", len(sent))
	}
}

func TestSwitchCamera(t *testing.T) {
	src := &fakeSource{}
	peer := &fakeSwapper{}
	var sent []signaling.Envelope
	c := newTestControls(src, peer, &sent, nil)

	if err := c.SwitchCamera(); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	if src.switched != 1 || peer.replaced != 1 {
		t.Fatalf("switched=%d replaced=%d", src.switched, peer.replaced)
	}
}

func TestSwitchCameraSourceError(t *testing.T) {
	src := &fakeSource{cameraErr: errors.New("single camera device")}
	peer := &fakeSwapper{}
	var sent []signaling.Envelope
	c := newTestControls(src, peer, &sent, nil)

	if err := c.SwitchCamera(); err == nil {
		t.Fatalf("expected error from single-camera source")
	}
	if peer.replaced != 0 {
		t.Fatalf("track replaced despite source failure")
	}
}
