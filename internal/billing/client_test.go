package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, BearerToken: "tok"}, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}, discardLogger()); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}

func TestCheckAvailability(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call-sessions/check-availability" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["call_type"] != "video" {
			t.Errorf("call_type = %v", body["call_type"])
		}
		json.NewEncoder(w).Encode(Availability{CanMakeCall: true, RemainingCalls: 3})
	}))

	got, err := c.CheckAvailability(context.Background(), "video")
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if !got.CanMakeCall || got.RemainingCalls != 3 {
		t.Fatalf("unexpected availability: %+v", got)
	}
}

func TestStartAlreadyActiveIsBenign(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"message":"A call session is already active"}`)
	}))

	res, err := c.Start(context.Background(), "voice", "key-1", "peer-2")
	if err != nil {
		t.Fatalf("Start with already-active response should succeed: %v", err)
	}
	if !res.AlreadyActive {
		t.Fatalf("AlreadyActive not set")
	}
}

func TestStartOtherBadRequestFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"message":"insufficient balance"}`)
	}))

	if _, err := c.Start(context.Background(), "voice", "key-1", "peer-2"); err == nil {
		t.Fatalf("expected error for non-idempotency 400")
	}
}

func TestEndNotFoundIsBenign(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := c.End(context.Background(), "key-1", "voice", 120, true); err != nil {
		t.Fatalf("End on missing session should succeed: %v", err)
	}
}

func TestDeductSendsElapsedSeconds(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Deduct(context.Background(), "key-1", "video", 600); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if got["session_duration_seconds"] != float64(600) {
		t.Fatalf("session_duration_seconds = %v", got["session_duration_seconds"])
	}
}

func TestCycleAdvanceAndCap(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cy := NewCycle(start, 10*time.Minute, 3)

	if cy.NextBillAt != start.Add(10*time.Minute) {
		t.Fatalf("NextBillAt = %v", cy.NextBillAt)
	}

	now := start.Add(10 * time.Minute)
	if cy.Advance(now) {
		t.Fatalf("cap reached after 1 cycle")
	}
	if cy.ElapsedSeconds() != 600 {
		t.Fatalf("ElapsedSeconds = %d", cy.ElapsedSeconds())
	}

	now = now.Add(10 * time.Minute)
	if cy.Advance(now) {
		t.Fatalf("cap reached after 2 cycles")
	}

	now = now.Add(10 * time.Minute)
	if !cy.Advance(now) {
		t.Fatalf("cap not reached after 3 cycles")
	}
	if cy.CyclesCompleted != 3 {
		t.Fatalf("CyclesCompleted = %d", cy.CyclesCompleted)
	}
}
