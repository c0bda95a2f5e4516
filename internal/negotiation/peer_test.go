package negotiation

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"
)

type stubSource struct{}

func (s *stubSource) Tracks() ([]webrtc.TrackLocal, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		return nil, err
	}
	return []webrtc.TrackLocal{audio}, nil
}

func (s *stubSource) SwitchCamera() (webrtc.TrackLocal, error) {
	return nil, errors.New("no camera")
}
func (s *stubSource) SetAudioEnabled(bool) {}
func (s *stubSource) SetVideoEnabled(bool) {}
func (s *stubSource) Close() error         { return nil }

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	p, err := NewPeer(Config{}, &stubSource{}, Callbacks{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	caller := newTestPeer(t)
	callee := newTestPeer(t)

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if caller.LocalDescription() == nil {
		t.Fatalf("local description not stored after CreateOffer")
	}

	answer, err := callee.AcceptOffer(offer)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if callee.LocalDescription() == nil {
		t.Fatalf("local description not stored after AcceptOffer")
	}

	if err := caller.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	// A retransmitted answer must be treated as already-answered.
	if err := caller.AcceptAnswer(answer); err != nil {
		t.Fatalf("redundant AcceptAnswer should be a no-op: %v", err)
	}
}

func TestAnswerWithoutOfferRejected(t *testing.T) {
	p := newTestPeer(t)
	err := p.AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if !errors.Is(err, ErrNoRemoteNeeded) {
		t.Fatalf("expected ErrNoRemoteNeeded, got %v", err)
	}
}

func TestOfferCreationReentrancyGuard(t *testing.T) {
	p := newTestPeer(t)
	p.creatingOffer = true
	if _, err := p.CreateOffer(); !errors.Is(err, ErrOfferInFlight) {
		t.Fatalf("expected ErrOfferInFlight, got %v", err)
	}
}

func TestCandidatesBufferedBeforeRemoteDescription(t *testing.T) {
	p := newTestPeer(t)

	c1 := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host"}
	c2 := webrtc.ICECandidateInit{Candidate: "candidate:2 1 UDP 2122252542 192.0.2.2 54322 typ host"}

	if err := p.AddRemoteCandidate(c1); err != nil {
		t.Fatalf("buffering candidate: %v", err)
	}
	if err := p.AddRemoteCandidate(c2); err != nil {
		t.Fatalf("buffering candidate: %v", err)
	}
	if err := p.AddRemoteCandidate(c1); err != nil { // duplicate while buffered
		t.Fatalf("duplicate buffer: %v", err)
	}
	if got := p.PendingCandidates(); got != 2 {
		t.Fatalf("pending = %d, want 2 (duplicate dropped)", got)
	}
}

func TestCandidateQueueDrainOrder(t *testing.T) {
	q := newCandidateQueue()
	want := []string{"a", "b", "c"}
	for _, s := range want {
		q.push(webrtc.ICECandidateInit{Candidate: s})
	}
	q.push(webrtc.ICECandidateInit{Candidate: "b"}) // duplicate ignored

	var got []string
	if err := q.drain(func(c webrtc.ICECandidateInit) error {
		got = append(got, c.Candidate)
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("drained %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order broken at %d: got %q want %q", i, got[i], want[i])
		}
	}
	if q.len() != 0 {
		t.Fatalf("queue not emptied after drain")
	}

	// Drained exactly once: a second drain applies nothing.
	calls := 0
	if err := q.drain(func(webrtc.ICECandidateInit) error { calls++; return nil }); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if calls != 0 {
		t.Fatalf("second drain applied %d candidates, want 0", calls)
	}
}
