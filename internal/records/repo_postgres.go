package records

import (
	"context"
	"database/sql"
	"fmt"

	"call-platform/pkg/utils"
)

// PostgresRepo stores call records in the call_records table.
//
// Expected schema:
//
//	CREATE TABLE call_records (
//	    id uuid PRIMARY KEY,
//	    session_key text NOT NULL,
//	    media_kind text NOT NULL,
//	    duration_seconds integer NOT NULL,
//	    was_connected boolean NOT NULL,
//	    end_reason text NOT NULL,
//	    ended_at timestamptz NOT NULL
//	);
//	CREATE INDEX call_records_session_key_idx ON call_records (session_key);
//	CREATE INDEX call_records_ended_at_idx ON call_records (ended_at);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Insert(ctx context.Context, rec CallRecord) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO call_records
				(id, session_key, media_kind, duration_seconds, was_connected, end_reason, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.ID, rec.SessionKey, rec.MediaKind, rec.DurationSeconds,
			rec.WasConnected, rec.EndReason, rec.EndedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting call record: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepo) ListBySessionKey(ctx context.Context, sessionKey string) ([]CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_key, media_kind, duration_seconds, was_connected, end_reason, ended_at
		FROM call_records
		WHERE session_key = $1
		ORDER BY ended_at ASC`,
		sessionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.MediaKind, &rec.DurationSeconds,
			&rec.WasConnected, &rec.EndReason, &rec.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Summaries(ctx context.Context, tr TimeRange) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT media_kind,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE was_connected),
		       COALESCE(SUM(duration_seconds), 0)
		FROM call_records
		WHERE ended_at >= $1 AND ended_at < $2
		GROUP BY media_kind
		ORDER BY media_kind`,
		tr.From, tr.To,
	)
	if err != nil {
		return nil, fmt.Errorf("summarizing call records: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.MediaKind, &s.TotalCalls, &s.ConnectedCalls, &s.TotalDurationSeconds); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		if s.TotalCalls > 0 {
			s.AverageDurationSeconds = s.TotalDurationSeconds / s.TotalCalls
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
