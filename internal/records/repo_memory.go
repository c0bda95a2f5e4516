package records

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is a simple in-memory call record repository for tests and
// early development.
type MemoryRepo struct {
	mu      sync.Mutex
	Records []CallRecord
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, rec)
	return nil
}

func (r *MemoryRepo) ListBySessionKey(_ context.Context, sessionKey string) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, rec := range r.Records {
		if rec.SessionKey == sessionKey {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.Before(out[j].EndedAt) })
	return out, nil
}

func (r *MemoryRepo) Summaries(_ context.Context, tr TimeRange) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKind := map[string]*Summary{}
	for _, rec := range r.Records {
		if rec.EndedAt.Before(tr.From) || !rec.EndedAt.Before(tr.To) {
			continue
		}
		s, ok := byKind[rec.MediaKind]
		if !ok {
			s = &Summary{MediaKind: rec.MediaKind}
			byKind[rec.MediaKind] = s
		}
		s.TotalCalls++
		s.TotalDurationSeconds += rec.DurationSeconds
		if rec.WasConnected {
			s.ConnectedCalls++
		}
	}

	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := make([]Summary, 0, len(kinds))
	for _, k := range kinds {
		s := *byKind[k]
		if s.TotalCalls > 0 {
			s.AverageDurationSeconds = s.TotalDurationSeconds / s.TotalCalls
		}
		out = append(out, s)
	}
	return out, nil
}
