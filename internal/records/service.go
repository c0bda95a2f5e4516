package records

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidRecord = errors.New("records: invalid record")

// Repository abstracts call record storage. The production implementation is
// PostgresRepo; MemoryRepo backs tests.
type Repository interface {
	Insert(ctx context.Context, rec CallRecord) error
	ListBySessionKey(ctx context.Context, sessionKey string) ([]CallRecord, error)
	Summaries(ctx context.Context, r TimeRange) ([]Summary, error)
}

type Service struct {
	repo Repository

	// now is swappable for tests.
	now func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// RecordEnd persists the outcome of one call attempt. Duplicate end reports
// for a session key each produce their own row; the engine's ended latch
// makes duplicates rare, and rows are cheap evidence when it fails to.
func (s *Service) RecordEnd(ctx context.Context, sessionKey, mediaKind string, durationSeconds int, wasConnected bool, endReason string) (CallRecord, error) {
	if sessionKey == "" {
		return CallRecord{}, ErrInvalidRecord
	}
	if mediaKind != "voice" && mediaKind != "video" {
		return CallRecord{}, ErrInvalidRecord
	}
	if durationSeconds < 0 {
		return CallRecord{}, ErrInvalidRecord
	}
	if s.repo == nil {
		return CallRecord{}, errors.New("records: repository not configured")
	}

	rec := CallRecord{
		ID:              uuid.NewString(),
		SessionKey:      sessionKey,
		MediaKind:       mediaKind,
		DurationSeconds: durationSeconds,
		WasConnected:    wasConnected,
		EndReason:       endReason,
		EndedAt:         s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

// History lists every recorded attempt for a session key, oldest first.
func (s *Service) History(ctx context.Context, sessionKey string) ([]CallRecord, error) {
	if sessionKey == "" {
		return nil, ErrInvalidRecord
	}
	if s.repo == nil {
		return nil, errors.New("records: repository not configured")
	}
	return s.repo.ListBySessionKey(ctx, sessionKey)
}

// Summary aggregates call outcomes per media kind over a range.
func (s *Service) Summary(ctx context.Context, r TimeRange) ([]Summary, error) {
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return nil, ErrInvalidRecord
	}
	if s.repo == nil {
		return nil, errors.New("records: repository not configured")
	}
	return s.repo.Summaries(ctx, r)
}
