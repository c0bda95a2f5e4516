package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to the accounting backend for call sessions. Billing is
// advisory for call health: every method can fail without affecting the call
// itself, and callers log and retry at the next natural cycle boundary.
//
// Source-of-truth invariant: durable billing correctness is owned by the
// backend's own elapsed-time accounting. Everything sent here is a hint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// ClientConfig configures the backend bridge.
type ClientConfig struct {
	// BaseURL is the backend API root, e.g. "https://api.example.com/api".
	BaseURL string
	// BearerToken authenticates every request.
	BearerToken string
	// Timeout bounds each request; billing must never stall the event loop
	// budget of a session.
	Timeout time.Duration
}

var (
	ErrInvalidArgument = errors.New("billing: invalid argument")
	ErrUnauthorized    = errors.New("billing: unauthorized")
)

func NewClient(cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrInvalidArgument)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BearerToken,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

// Availability is the result of the pre-call check.
type Availability struct {
	CanMakeCall    bool `json:"can_make_call"`
	RemainingCalls int  `json:"remaining_calls"`
}

// StartResult reports session registration. AlreadyActive means the backend
// had an active session for this key; benign and idempotent by contract.
type StartResult struct {
	SessionID     string `json:"session_id"`
	AlreadyActive bool   `json:"-"`
}

// CheckAvailability asks whether the user may place a call of this type.
func (c *Client) CheckAvailability(ctx context.Context, callType string) (Availability, error) {
	var out Availability
	status, body, err := c.post(ctx, "/call-sessions/check-availability", map[string]any{
		"call_type": callType,
	})
	if err != nil {
		return Availability{}, err
	}
	if status != http.StatusOK {
		return Availability{}, statusError("check-availability", status, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Availability{}, fmt.Errorf("billing: decoding availability: %w", err)
	}
	return out, nil
}

// Start registers the session with the backend. A 400 carrying an
// "already active" marker is treated as success.
func (c *Client) Start(ctx context.Context, callType, sessionKey, peerID string) (StartResult, error) {
	status, body, err := c.post(ctx, "/call-sessions/start", map[string]any{
		"call_type":   callType,
		"session_key": sessionKey,
		"peer_id":     peerID,
	})
	if err != nil {
		return StartResult{}, err
	}
	switch {
	case status == http.StatusOK:
		var out StartResult
		if err := json.Unmarshal(body, &out); err != nil {
			return StartResult{}, fmt.Errorf("billing: decoding start response: %w", err)
		}
		return out, nil
	case status == http.StatusBadRequest && bytes.Contains(bytes.ToLower(body), []byte("already")):
		return StartResult{AlreadyActive: true}, nil
	default:
		return StartResult{}, statusError("start", status, body)
	}
}

// MarkAnswered reports that the callee answered. Advisory.
func (c *Client) MarkAnswered(ctx context.Context, sessionKey string) error {
	status, body, err := c.post(ctx, "/call-sessions/answer", map[string]any{
		"session_key": sessionKey,
		"action":      "answered",
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("answer", status, body)
	}
	return nil
}

// Deduct reports one billing cycle of elapsed connected time.
func (c *Client) Deduct(ctx context.Context, sessionKey, callType string, durationSeconds int) error {
	status, body, err := c.post(ctx, "/call-sessions/deduction", map[string]any{
		"session_key":              sessionKey,
		"call_type":                callType,
		"session_duration_seconds": durationSeconds,
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("deduction", status, body)
	}
	return nil
}

// End reports the final session outcome. 404 means the backend already
// closed the session; treated as success.
func (c *Client) End(ctx context.Context, sessionKey, callType string, durationSeconds int, wasConnected bool) error {
	status, body, err := c.post(ctx, "/call-sessions/end", map[string]any{
		"session_key":              sessionKey,
		"call_type":                callType,
		"session_duration_seconds": durationSeconds,
		"was_connected":            wasConnected,
	})
	if err != nil {
		return err
	}
	if status == http.StatusOK || status == http.StatusNotFound {
		return nil
	}
	return statusError("end", status, body)
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("billing: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("billing: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("billing: reading %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func statusError(op string, status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("billing: %s returned %d: %s", op, status, msg)
}
