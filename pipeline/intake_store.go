// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGIntakeStore is the Postgres-backed holding area for raw records.
type PGIntakeStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGIntakeStore creates an intake store from an existing pool.
// The caller owns the pool lifecycle.
func NewPGIntakeStore(pool *pgxpool.Pool, logger *slog.Logger) *PGIntakeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGIntakeStore{pool: pool, logger: logger}
}

func (s *PGIntakeStore) Insert(ctx context.Context, recordID, recordType string, payload []byte) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pipeline.intake_records (record_id, record_type, payload)
		VALUES (@record_id, @record_type, @payload)
		ON CONFLICT (record_id) DO NOTHING
		RETURNING record_id, record_type, payload, received_at, validation_state, sync_state, sync_attempts`,
		pgx.NamedArgs{
			"record_id":   recordID,
			"record_type": recordType,
			"payload":     payload,
		},
	).Scan(&rec.RecordID, &rec.RecordType, &rec.Payload, &rec.ReceivedAt,
		&rec.ValidationState, &rec.SyncState, &rec.SyncAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, recordID)
		}
		return nil, fmt.Errorf("insert intake record %s: %w", recordID, err)
	}
	return &rec, nil
}

func (s *PGIntakeStore) SelectPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, record_type, payload, received_at, validation_state, sync_state, sync_attempts
		FROM pipeline.intake_records
		WHERE validation_state = 'PENDING'
		ORDER BY received_at, record_id
		LIMIT @limit`,
		pgx.NamedArgs{"limit": limit},
	)
	if err != nil {
		return nil, fmt.Errorf("select pending records: %w", err)
	}
	return scanRecords(rows)
}

func (s *PGIntakeStore) SelectAcceptedUnsynced(ctx context.Context, limit, maxAttempts int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, record_type, payload, received_at, validation_state, sync_state, sync_attempts
		FROM pipeline.intake_records
		WHERE validation_state = 'ACCEPTED'
		  AND sync_state = 'UNSYNCED'
		  AND sync_attempts < @max_attempts
		ORDER BY received_at, record_id
		LIMIT @limit`,
		pgx.NamedArgs{"limit": limit, "max_attempts": maxAttempts},
	)
	if err != nil {
		return nil, fmt.Errorf("select accepted unsynced records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RecordID, &rec.RecordType, &rec.Payload, &rec.ReceivedAt,
			&rec.ValidationState, &rec.SyncState, &rec.SyncAttempts); err != nil {
			return nil, fmt.Errorf("scan intake record: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate intake records: %w", rows.Err())
	}
	return out, nil
}

// UpdateValidationState only transitions PENDING rows, so re-deciding an
// already-decided record is a no-op that surfaces as ErrNotFound. That makes
// the Validator's terminal transition idempotent by construction.
func (s *PGIntakeStore) UpdateValidationState(ctx context.Context, recordID, state string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline.intake_records
		SET validation_state = @state, validated_at = now()
		WHERE record_id = @record_id AND validation_state = 'PENDING'`,
		pgx.NamedArgs{"record_id": recordID, "state": state},
	)
	if err != nil {
		return fmt.Errorf("update validation state %s -> %s: %w", recordID, state, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no pending record %s", ErrNotFound, recordID)
	}
	return nil
}

func (s *PGIntakeStore) UpdateSyncState(ctx context.Context, recordID, state string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline.intake_records
		SET sync_state = @state, synced_at = now()
		WHERE record_id = @record_id AND validation_state = 'ACCEPTED'`,
		pgx.NamedArgs{"record_id": recordID, "state": state},
	)
	if err != nil {
		return fmt.Errorf("update sync state %s -> %s: %w", recordID, state, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no accepted record %s", ErrNotFound, recordID)
	}
	return nil
}

func (s *PGIntakeStore) MarkSyncFailure(ctx context.Context, recordID string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE pipeline.intake_records
		SET sync_attempts = sync_attempts + 1
		WHERE record_id = @record_id
		RETURNING sync_attempts`,
		pgx.NamedArgs{"record_id": recordID},
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, recordID)
		}
		return 0, fmt.Errorf("mark sync failure %s: %w", recordID, err)
	}
	return attempts, nil
}

func (s *PGIntakeStore) Requeue(ctx context.Context, recordID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline.intake_records
		SET validation_state = 'PENDING', validated_at = NULL
		WHERE record_id = @record_id AND validation_state = 'REJECTED'`,
		pgx.NamedArgs{"record_id": recordID},
	)
	if err != nil {
		return fmt.Errorf("requeue record %s: %w", recordID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no rejected record %s", ErrNotFound, recordID)
	}
	s.logger.Info("Record requeued for validation", "record_id", recordID)
	return nil
}

func (s *PGIntakeStore) CountDecided(ctx context.Context, window time.Duration) (int64, int64, error) {
	var accepted, rejected int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE validation_state = 'ACCEPTED'),
		       COUNT(*) FILTER (WHERE validation_state = 'REJECTED')
		FROM pipeline.intake_records
		WHERE validated_at >= @cutoff`,
		pgx.NamedArgs{"cutoff": time.Now().Add(-window)},
	).Scan(&accepted, &rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("count decided records: %w", err)
	}
	return accepted, rejected, nil
}

func (s *PGIntakeStore) CountUnsynced(ctx context.Context) (int64, time.Time, error) {
	var count int64
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(received_at)
		FROM pipeline.intake_records
		WHERE validation_state = 'ACCEPTED' AND sync_state = 'UNSYNCED'`,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count unsynced records: %w", err)
	}
	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

func (s *PGIntakeStore) CountStuck(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pipeline.intake_records
		WHERE validation_state = 'ACCEPTED'
		  AND sync_state = 'UNSYNCED'
		  AND sync_attempts >= @max_attempts`,
		pgx.NamedArgs{"max_attempts": maxAttempts},
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stuck records: %w", err)
	}
	return count, nil
}

func (s *PGIntakeStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
