// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PDRWeb/analytics-pipeline/pipeline"
)

// DeadLetterStore is the SQLite-backed dead letter queue. Error details are
// stored as a JSON array and unpacked with the json_each table-valued
// function for the per-kind breakdown.
type DeadLetterStore struct {
	db     *sql.DB
	intake pipeline.IntakeStore
	logger *slog.Logger
}

func NewDeadLetterStore(db *sql.DB, intake pipeline.IntakeStore, logger *slog.Logger) *DeadLetterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterStore{db: db, intake: intake, logger: logger}
}

// UpsertEntry creates the entry on first failure with retry_count 0. On
// conflict the errors are replaced and retry_count goes up by one.
func (s *DeadLetterStore) UpsertEntry(ctx context.Context, recordID, recordType string, failures []pipeline.ValidationFailure, failedAt time.Time) error {
	raw, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode validation failures for %s: %w", recordID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (record_id, record_type, errors, failed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET
			errors        = excluded.errors,
			failed_at     = excluded.failed_at,
			retry_count   = dead_letter.retry_count + 1,
			last_retry_at = excluded.failed_at`,
		recordID, recordType, string(raw), fmtTime(failedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert dead letter entry %s: %w", recordID, err)
	}
	return nil
}

func (s *DeadLetterStore) GetStats(ctx context.Context, window time.Duration) (*pipeline.DeadLetterStats, error) {
	stats := &pipeline.DeadLetterStats{
		CountsByKind: map[string]int64{},
		WindowHours:  int(window.Hours()),
	}

	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(failed_at), MAX(failed_at)
		FROM dead_letter`,
	).Scan(&stats.TotalEntries, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("dead letter totals: %w", err)
	}
	if stats.OldestFailure, err = parseNullTime(oldest); err != nil {
		return nil, err
	}
	if stats.NewestFailure, err = parseNullTime(newest); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT json_extract(e.value, '$.kind'), COUNT(*)
		FROM dead_letter d, json_each(d.errors) e
		GROUP BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("dead letter counts by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()
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
	pipeline.ObserveDeadLetterStats(stats)

	return stats, nil
}

func (s *DeadLetterStore) ListEntries(ctx context.Context, filter pipeline.DeadLetterFilter) ([]pipeline.DeadLetterEntry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	conditions := []string{"1=1"}
	args := []any{}
	if filter.RecordType != "" {
		conditions = append(conditions, "record_type = ?")
		args = append(args, filter.RecordType)
	}
	if filter.Kind != "" {
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM json_each(dead_letter.errors) e WHERE json_extract(e.value, '$.kind') = ?)")
		args = append(args, filter.Kind)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "failed_at >= ?")
		args = append(args, fmtTime(filter.Since))
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, record_type, errors, failed_at, retry_count, last_retry_at
		FROM dead_letter
		WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY failed_at DESC, record_id
		LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []pipeline.DeadLetterEntry
	for rows.Next() {
		var entry pipeline.DeadLetterEntry
		var raw, failedAt string
		var lastRetry sql.NullString
		if err := rows.Scan(&entry.RecordID, &entry.RecordType, &raw,
			&failedAt, &entry.RetryCount, &lastRetry); err != nil {
			return nil, fmt.Errorf("scan dead letter entry: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Errors); err != nil {
			return nil, fmt.Errorf("decode errors for %s: %w", entry.RecordID, err)
		}
		if entry.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, err
		}
		if entry.LastRetryAt, err = parseNullTime(lastRetry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate dead letter entries: %w", rows.Err())
	}
	return out, nil
}

// Purge removes every entry. This is the explicit operator path; entries
// are never auto-deleted.
func (s *DeadLetterStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letter queue: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead letter queue: %w", err)
	}
	s.logger.Info("Dead letter queue purged", "entries", purged)
	return purged, nil
}

func (s *DeadLetterStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
