// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDeadLetterStore is the Postgres-backed dead letter queue. It may share a
// pool with the intake store or point at a dedicated DLQ database.
type PGDeadLetterStore struct {
	pool   *pgxpool.Pool
	intake IntakeStore // source of accept/reject counts for the quality score
	logger *slog.Logger
}

func NewPGDeadLetterStore(pool *pgxpool.Pool, intake IntakeStore, logger *slog.Logger) *PGDeadLetterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGDeadLetterStore{pool: pool, intake: intake, logger: logger}
}

// UpsertEntry creates the entry on first failure with retry_count 0. A
// conflict means the same record ID failed again after a resubmission, so
// the errors are replaced (not appended) and retry_count goes up by one.
func (s *PGDeadLetterStore) UpsertEntry(ctx context.Context, recordID, recordType string, failures []ValidationFailure, failedAt time.Time) error {
	raw, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode validation failures for %s: %w", recordID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline.dead_letter (record_id, record_type, errors, failed_at)
		VALUES (@record_id, @record_type, @errors, @failed_at)
		ON CONFLICT (record_id) DO UPDATE SET
			errors        = excluded.errors,
			failed_at     = excluded.failed_at,
			retry_count   = pipeline.dead_letter.retry_count + 1,
			last_retry_at = now()`,
		pgx.NamedArgs{
			"record_id":   recordID,
			"record_type": recordType,
			"errors":      raw,
			"failed_at":   failedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("upsert dead letter entry %s: %w", recordID, err)
	}
	return nil
}

func (s *PGDeadLetterStore) GetStats(ctx context.Context, window time.Duration) (*DeadLetterStats, error) {
	stats := &DeadLetterStats{
		CountsByKind: map[string]int64{},
		WindowHours:  int(window.Hours()),
	}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(failed_at), MAX(failed_at)
		FROM pipeline.dead_letter`,
	).Scan(&stats.TotalEntries, &stats.OldestFailure, &stats.NewestFailure)
	if err != nil {
		return nil, fmt.Errorf("dead letter totals: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT e->>'kind', COUNT(*)
		FROM pipeline.dead_letter, json_array_elements(errors) AS e
		GROUP BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("dead letter counts by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan dead letter kind count: %w", err)
		}
		stats.CountsByKind[kind] = count
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate dead letter kind counts: %w", rows.Err())
	}

	accepted, rejected, err := s.intake.CountDecided(ctx, window)
	if err != nil {
		return nil, err
	}
	stats.Accepted = accepted
	stats.Rejected = rejected
	if total := accepted + rejected; total > 0 {
		stats.QualityScore = float64(accepted) / float64(total) * 100
		stats.ScoreKnown = true
	}
	ObserveDeadLetterStats(stats)

	return stats, nil
}

func (s *PGDeadLetterStore) ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_id, record_type, errors, failed_at, retry_count, last_retry_at
		FROM pipeline.dead_letter
		WHERE (@record_type::text = '' OR record_type = @record_type)
		  AND (@kind::text = '' OR EXISTS (
				SELECT 1 FROM json_array_elements(errors) e WHERE e->>'kind' = @kind))
		  AND (@since::timestamptz IS NULL OR failed_at >= @since)
		ORDER BY failed_at DESC, record_id
		LIMIT @limit OFFSET @offset`,
		pgx.NamedArgs{
			"record_type": filter.RecordType,
			"kind":        filter.Kind,
			"since":       nullableTime(filter.Since),
			"limit":       limit,
			"offset":      filter.Offset,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var entry DeadLetterEntry
		var raw []byte
		if err := rows.Scan(&entry.RecordID, &entry.RecordType, &raw,
			&entry.FailedAt, &entry.RetryCount, &entry.LastRetryAt); err != nil {
			return nil, fmt.Errorf("scan dead letter entry: %w", err)
		}
		if err := json.Unmarshal(raw, &entry.Errors); err != nil {
			return nil, fmt.Errorf("decode errors for %s: %w", entry.RecordID, err)
		}
		out = append(out, entry)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", rows.Err())
	}
	return out, nil
}

// Purge removes every entry. Entries are never auto-deleted; this is the
// explicit operator path.
func (s *PGDeadLetterStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipeline.dead_letter`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letter queue: %w", err)
	}
	purged := tag.RowsAffected()
	s.logger.Info("Dead letter queue purged", "entries", purged)
	metricDLQSize.Set(0)
	return purged, nil
}

func (s *PGDeadLetterStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
