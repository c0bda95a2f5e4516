package records

import "time"

// CallRecord is the persisted outcome of one call attempt, written by the
// relay when it sees the call-ended lifecycle message.
type CallRecord struct {
	ID              string    `json:"id"`
	SessionKey      string    `json:"session_key"`
	MediaKind       string    `json:"media_kind"`
	DurationSeconds int       `json:"duration_seconds"`
	WasConnected    bool      `json:"was_connected"`
	EndReason       string    `json:"end_reason"`
	EndedAt         time.Time `json:"ended_at"`
}

// TimeRange bounds summary queries. From inclusive, To exclusive.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Summary aggregates completed call attempts per media kind.
type Summary struct {
	MediaKind string `json:"media_kind"`

	TotalCalls     int `json:"total_calls"`
	ConnectedCalls int `json:"connected_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
