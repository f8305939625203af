// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGWatermarkStore persists the Sync Engine's per-table resume cursor in the
// holding database, next to the records it tracks.
type PGWatermarkStore struct {
	pool *pgxpool.Pool
}

func NewPGWatermarkStore(pool *pgxpool.Pool) *PGWatermarkStore {
	return &PGWatermarkStore{pool: pool}
}

// Load returns the cursor for a target table, or nil when none exists yet.
func (s *PGWatermarkStore) Load(ctx context.Context, targetTable string) (*SyncWatermark, error) {
	var wm SyncWatermark
	err := s.pool.QueryRow(ctx, `
		SELECT target_table, last_received_at, last_record_id, updated_at
		FROM pipeline.sync_watermark
		WHERE target_table = @target_table`,
		pgx.NamedArgs{"target_table": targetTable},
	).Scan(&wm.TargetTable, &wm.LastReceivedAt, &wm.LastRecordID, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load watermark %s: %w", targetTable, err)
	}
	return &wm, nil
}

// Advance moves the cursor forward. A stale (received_at, record_id) pair
// never overwrites a newer one, so redundant advancement after crash
// recovery is harmless.
func (s *PGWatermarkStore) Advance(ctx context.Context, targetTable string, receivedAt time.Time, recordID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline.sync_watermark (target_table, last_received_at, last_record_id)
		VALUES (@target_table, @received_at, @record_id)
		ON CONFLICT (target_table) DO UPDATE SET
			last_received_at = excluded.last_received_at,
			last_record_id   = excluded.last_record_id,
			updated_at       = now()
		WHERE (pipeline.sync_watermark.last_received_at, pipeline.sync_watermark.last_record_id)
		    < (excluded.last_received_at, excluded.last_record_id)`,
		pgx.NamedArgs{
			"target_table": targetTable,
			"received_at":  receivedAt,
			"record_id":    recordID,
		},
	)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", targetTable, err)
	}
	return nil
}
