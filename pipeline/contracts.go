// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"time"
)

// Error sentinels shared by all store implementations
var (
	// ErrDuplicateRecord is returned by IntakeStore.Insert when the record
	// ID already exists. The intake surface maps it to 409.
	ErrDuplicateRecord = errors.New("duplicate_record")

	// ErrNotFound is returned for lookups and requeues of unknown records.
	ErrNotFound = errors.New("not_found")
)

// IntakeStore is the durable holding area for raw ingested records.
// Each update is a single atomic write keyed by record ID. The Validator is
// the only writer of validation_state; the Sync Engine is the only writer of
// sync_state.
type IntakeStore interface {
	// Insert appends a new PENDING record. received_at is set by the store.
	Insert(ctx context.Context, recordID, recordType string, payload []byte) (*Record, error)

	// SelectPending returns up to limit PENDING records, oldest first by
	// received_at (record_id tie-break). Implementations may claim rows so
	// that concurrent validator instances do not overlap.
	SelectPending(ctx context.Context, limit int) ([]Record, error)

	// SelectAcceptedUnsynced returns up to limit ACCEPTED+UNSYNCED records
	// with fewer than maxAttempts sync failures, ordered by
	// (received_at, record_id).
	SelectAcceptedUnsynced(ctx context.Context, limit, maxAttempts int) ([]Record, error)

	// UpdateValidationState commits the Validator's terminal decision.
	// The transition only applies to PENDING rows; deciding an
	// already-decided record returns ErrNotFound.
	UpdateValidationState(ctx context.Context, recordID, state string) error

	// UpdateSyncState marks an ACCEPTED record synced.
	UpdateSyncState(ctx context.Context, recordID, state string) error

	// MarkSyncFailure increments the record's sync attempt counter and
	// returns the new value.
	MarkSyncFailure(ctx context.Context, recordID string) (int, error)

	// Requeue resets a REJECTED record back to PENDING. This is the only
	// path back from a terminal validation state and is operator-initiated.
	Requeue(ctx context.Context, recordID string) error

	// CountDecided returns accepted and rejected decision counts with
	// validated_at inside the trailing window.
	CountDecided(ctx context.Context, window time.Duration) (accepted, rejected int64, err error)

	// CountUnsynced returns the current sync backlog depth and the
	// received_at of the oldest unsynced record (zero time when empty).
	CountUnsynced(ctx context.Context) (int64, time.Time, error)

	// CountStuck returns ACCEPTED+UNSYNCED records at or past maxAttempts.
	CountStuck(ctx context.Context, maxAttempts int) (int64, error)

	Ping(ctx context.Context) error
}

// DeadLetterStore owns rejection bookkeeping. Entries are never auto-deleted;
// only an explicit operator purge removes them.
type DeadLetterStore interface {
	// UpsertEntry creates the entry on first failure (retry_count 0) or, on
	// conflict, replaces the errors and increments retry_count.
	UpsertEntry(ctx context.Context, recordID, recordType string, failures []ValidationFailure, failedAt time.Time) error

	GetStats(ctx context.Context, window time.Duration) (*DeadLetterStats, error)
	ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
	Purge(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// AuthoritativeStore is the final, query-facing target of record truth.
// UpsertRow must be idempotent per key so the Sync Engine can deliver
// at-least-once while the observable effect stays exactly-once.
type AuthoritativeStore interface {
	UpsertRow(ctx context.Context, table, keyColumn, key string, fields map[string]any) (UpsertOutcome, error)
	Ping(ctx context.Context) error
}

// WatermarkStore persists the Sync Engine's per-table resume cursor.
// Advance must be monotonic: a stale cursor never overwrites a newer one.
type WatermarkStore interface {
	Load(ctx context.Context, targetTable string) (*SyncWatermark, error)
	Advance(ctx context.Context, targetTable string, receivedAt time.Time, recordID string) error
}
