// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipelite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PDRWeb/analytics-pipeline/pipeline"
)

// IntakeStore is the SQLite-backed holding area for raw records. It mirrors
// the Postgres store's transitions exactly, including the state-guarded
// updates that make validation and sync commits idempotent.
type IntakeStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewIntakeStore(db *sql.DB, logger *slog.Logger) *IntakeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntakeStore{db: db, logger: logger}
}

func (s *IntakeStore) Insert(ctx context.Context, recordID, recordType string, payload []byte) (*pipeline.Record, error) {
	receivedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intake_records (record_id, record_type, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (record_id) DO NOTHING`,
		recordID, recordType, string(payload), fmtTime(receivedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert intake record %s: %w", recordID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert intake record %s: %w", recordID, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrDuplicateRecord, recordID)
	}
	return &pipeline.Record{
		RecordID:        recordID,
		RecordType:      recordType,
		Payload:         payload,
		ReceivedAt:      receivedAt,
		ValidationState: pipeline.StatePending,
		SyncState:       pipeline.SyncUnsynced,
	}, nil
}

func (s *IntakeStore) SelectPending(ctx context.Context, limit int) ([]pipeline.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, record_type, payload, received_at, validation_state, sync_state, sync_attempts
		FROM intake_records
		WHERE validation_state = 'PENDING'
		ORDER BY received_at, record_id
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending records: %w", err)
	}
	return scanRecords(rows)
}

func (s *IntakeStore) SelectAcceptedUnsynced(ctx context.Context, limit, maxAttempts int) ([]pipeline.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, record_type, payload, received_at, validation_state, sync_state, sync_attempts
		FROM intake_records
		WHERE validation_state = 'ACCEPTED'
		  AND sync_state = 'UNSYNCED'
		  AND sync_attempts < ?
		ORDER BY received_at, record_id
		LIMIT ?`, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select accepted unsynced records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]pipeline.Record, error) {
	defer func() { _ = rows.Close() }()
	var out []pipeline.Record
	for rows.Next() {
		var rec pipeline.Record
		var payload string
		var receivedAt string
		if err := rows.Scan(&rec.RecordID, &rec.RecordType, &payload, &receivedAt,
			&rec.ValidationState, &rec.SyncState, &rec.SyncAttempts); err != nil {
			return nil, fmt.Errorf("scan intake record: %w", err)
		}
		rec.Payload = []byte(payload)
		ts, err := parseTime(receivedAt)
		if err != nil {
			return nil, err
		}
		rec.ReceivedAt = ts
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate intake records: %w", rows.Err())
	}
	return out, nil
}

// UpdateValidationState only transitions PENDING rows; deciding an
// already-decided record surfaces as ErrNotFound, same as the Postgres
// store.
func (s *IntakeStore) UpdateValidationState(ctx context.Context, recordID, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intake_records
		SET validation_state = ?, validated_at = ?
		WHERE record_id = ? AND validation_state = 'PENDING'`,
		state, fmtTime(time.Now()), recordID,
	)
	if err != nil {
		return fmt.Errorf("update validation state %s -> %s: %w", recordID, state, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update validation state %s -> %s: %w", recordID, state, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no pending record %s", pipeline.ErrNotFound, recordID)
	}
	return nil
}

func (s *IntakeStore) UpdateSyncState(ctx context.Context, recordID, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intake_records
		SET sync_state = ?, synced_at = ?
		WHERE record_id = ? AND validation_state = 'ACCEPTED'`,
		state, fmtTime(time.Now()), recordID,
	)
	if err != nil {
		return fmt.Errorf("update sync state %s -> %s: %w", recordID, state, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync state %s -> %s: %w", recordID, state, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no accepted record %s", pipeline.ErrNotFound, recordID)
	}
	return nil
}

func (s *IntakeStore) MarkSyncFailure(ctx context.Context, recordID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE intake_records
		SET sync_attempts = sync_attempts + 1
		WHERE record_id = ?
		RETURNING sync_attempts`,
		recordID,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", pipeline.ErrNotFound, recordID)
		}
		return 0, fmt.Errorf("mark sync failure %s: %w", recordID, err)
	}
	return attempts, nil
}

func (s *IntakeStore) Requeue(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intake_records
		SET validation_state = 'PENDING', validated_at = NULL
		WHERE record_id = ? AND validation_state = 'REJECTED'`,
		recordID,
	)
	if err != nil {
		return fmt.Errorf("requeue record %s: %w", recordID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue record %s: %w", recordID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no rejected record %s", pipeline.ErrNotFound, recordID)
	}
	s.logger.Info("Record requeued for validation", "record_id", recordID)
	return nil
}

func (s *IntakeStore) CountDecided(ctx context.Context, window time.Duration) (int64, int64, error) {
	var accepted, rejected int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN validation_state = 'ACCEPTED' THEN 1 END),
		       COUNT(CASE WHEN validation_state = 'REJECTED' THEN 1 END)
		FROM intake_records
		WHERE validated_at >= ?`,
		fmtTime(time.Now().Add(-window)),
	).Scan(&accepted, &rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("count decided records: %w", err)
	}
	return accepted, rejected, nil
}

func (s *IntakeStore) CountUnsynced(ctx context.Context) (int64, time.Time, error) {
	var count int64
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(received_at)
		FROM intake_records
		WHERE validation_state = 'ACCEPTED' AND sync_state = 'UNSYNCED'`,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count unsynced records: %w", err)
	}
	if !oldest.Valid {
		return count, time.Time{}, nil
	}
	ts, err := parseTime(oldest.String)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, ts, nil
}

func (s *IntakeStore) CountStuck(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM intake_records
		WHERE validation_state = 'ACCEPTED'
		  AND sync_state = 'UNSYNCED'
		  AND sync_attempts >= ?`,
		maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stuck records: %w", err)
	}
	return count, nil
}

func (s *IntakeStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
