package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"call-platform/internal/records"
	"call-platform/internal/signaling"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu       sync.Mutex
	received [][]byte
	full     bool
}

func (f *fakeSender) enqueue(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.received = append(f.received, data)
	return true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestHubRefusesThirdParticipant(t *testing.T) {
	hub := NewHub(discardLogger())

	if err := hub.Join("k", "u1", &fakeSender{}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := hub.Join("k", "u2", &fakeSender{}); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := hub.Join("k", "u3", &fakeSender{}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if hub.Participants("k") != 2 {
		t.Fatalf("participants = %d, want 2", hub.Participants("k"))
	}
}

func TestHubReconnectReplacesConnection(t *testing.T) {
	hub := NewHub(discardLogger())
	old := &fakeSender{}
	replacement := &fakeSender{}

	if err := hub.Join("k", "u1", old); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := hub.Join("k", "u2", &fakeSender{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := hub.Join("k", "u1", replacement); err != nil {
		t.Fatalf("reconnect refused: %v", err)
	}

	// The stale connection's cleanup must not evict the replacement.
	hub.Leave("k", "u1", old)
	if hub.Participants("k") != 2 {
		t.Fatalf("stale leave evicted the replacement")
	}

	hub.Forward("k", "u2", []byte("hello"))
	if replacement.count() != 1 || old.count() != 0 {
		t.Fatalf("forward went to the stale connection")
	}
}

func TestHubForwardsOnlyToOtherParticipant(t *testing.T) {
	hub := NewHub(discardLogger())
	a := &fakeSender{}
	b := &fakeSender{}
	hub.Join("k", "u1", a)
	hub.Join("k", "u2", b)

	if got := hub.Forward("k", "u1", []byte("offer")); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if a.count() != 0 || b.count() != 1 {
		t.Fatalf("fan-out wrong: sender got %d, peer got %d", a.count(), b.count())
	}
}

func TestHubDropsIntoEmptyRoom(t *testing.T) {
	hub := NewHub(discardLogger())
	a := &fakeSender{}
	hub.Join("k", "u1", a)

	if got := hub.Forward("k", "u1", []byte("offer")); got != 0 {
		t.Fatalf("delivered = %d into a half-empty room, want 0", got)
	}
}

func TestHubLeaveCleansEmptyRoom(t *testing.T) {
	hub := NewHub(discardLogger())
	a := &fakeSender{}
	hub.Join("k", "u1", a)
	hub.Leave("k", "u1", a)
	if hub.Participants("k") != 0 {
		t.Fatalf("room not cleaned up")
	}
}

// ---- handler message path ----

type stubRecorder struct {
	mu   sync.Mutex
	recs []records.CallRecord
	err  error
}

func (s *stubRecorder) RecordEnd(_ context.Context, sessionKey, mediaKind string, durationSeconds int, wasConnected bool, endReason string) (records.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return records.CallRecord{}, s.err
	}
	rec := records.CallRecord{
		SessionKey:      sessionKey,
		MediaKind:       mediaKind,
		DurationSeconds: durationSeconds,
		WasConnected:    wasConnected,
		EndReason:       endReason,
		EndedAt:         time.Now(),
	}
	s.recs = append(s.recs, rec)
	return rec, nil
}

func (s *stubRecorder) all() []records.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]records.CallRecord(nil), s.recs...)
}

func TestHandleMessagePersistsCallEndedAndForwards(t *testing.T) {
	hub := NewHub(discardLogger())
	peer := &fakeSender{}
	hub.Join("k", "u1", &fakeSender{})
	hub.Join("k", "u2", peer)

	rec := &stubRecorder{}
	h := &Handler{Hub: hub, Recorder: rec}

	data, _ := json.Marshal(signaling.Envelope{
		Type:            signaling.TypeCallEnded,
		SessionKey:      "k",
		SenderID:        "u1",
		MediaKind:       "video",
		DurationSeconds: 95,
		WasConnected:    true,
		Reason:          "hangup",
	})
	h.handleMessage("k", "u1", data, discardLogger())

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	if got[0].MediaKind != "video" || got[0].DurationSeconds != 95 || !got[0].WasConnected || got[0].EndReason != "hangup" {
		t.Fatalf("unexpected record: %+v", got[0])
	}
	if peer.count() != 1 {
		t.Fatalf("call-ended not forwarded to the peer")
	}
}

func TestHandleMessageRecordFailureStillForwards(t *testing.T) {
	hub := NewHub(discardLogger())
	peer := &fakeSender{}
	hub.Join("k", "u1", &fakeSender{})
	hub.Join("k", "u2", peer)

	rec := &stubRecorder{err: errors.New("db down")}
	h := &Handler{Hub: hub, Recorder: rec}

	data, _ := json.Marshal(signaling.Envelope{Type: signaling.TypeCallEnded, SessionKey: "k", SenderID: "u1", MediaKind: "voice"})
	h.handleMessage("k", "u1", data, discardLogger())

	if peer.count() != 1 {
		t.Fatalf("record failure blocked the forward")
	}
}

func TestHandleMessageNonLifecycleForwardsVerbatim(t *testing.T) {
	hub := NewHub(discardLogger())
	peer := &fakeSender{}
	hub.Join("k", "u1", &fakeSender{})
	hub.Join("k", "u2", peer)

	rec := &stubRecorder{}
	h := &Handler{Hub: hub, Recorder: rec}

	data, _ := json.Marshal(signaling.Envelope{Type: signaling.TypeOffer, SessionKey: "k", SenderID: "u1"})
	h.handleMessage("k", "u1", data, discardLogger())

	if len(rec.all()) != 0 {
		t.Fatalf("offer persisted as a call record")
	}
	peer.mu.Lock()
	forwarded := string(peer.received[0])
	peer.mu.Unlock()
	if forwarded != string(data) {
		t.Fatalf("forward altered the payload")
	}
}
