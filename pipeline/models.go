// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"time"
)

// Record is a raw ingested business entity held by the Intake Store.
// The record ID is caller-supplied and acts as the idempotency key for the
// whole pipeline; the payload stays opaque until the Validator decodes it
// against a rule set.
type Record struct {
	RecordID        string          `db:"record_id" json:"record_id"`
	RecordType      string          `db:"record_type" json:"record_type"`
	Payload         json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt      time.Time       `db:"received_at" json:"received_at"`
	ValidationState string          `db:"validation_state" json:"validation_state"`
	SyncState       string          `db:"sync_state" json:"sync_state"`
	SyncAttempts    int             `db:"sync_attempts" json:"sync_attempts"`
	ValidatedAt     *time.Time      `db:"validated_at" json:"validated_at,omitempty"`
	SyncedAt        *time.Time      `db:"synced_at" json:"synced_at,omitempty"`
}

// ValidationFailure is one structured validation error. Field holds the
// payload field path ("" for whole-payload failures), Kind is one of the
// Kind* constants.
type ValidationFailure struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DeadLetterEntry records a rejection. It references the intake record by ID
// but does not own it; the intake row remains immutable audit history.
type DeadLetterEntry struct {
	RecordID    string              `db:"record_id" json:"record_id"`
	RecordType  string              `db:"record_type" json:"record_type"`
	Errors      []ValidationFailure `db:"errors" json:"errors"`
	FailedAt    time.Time           `db:"failed_at" json:"failed_at"`
	RetryCount  int                 `db:"retry_count" json:"retry_count"`
	LastRetryAt *time.Time          `db:"last_retry_at" json:"last_retry_at,omitempty"`
}

// SyncWatermark is the Sync Engine's private resume cursor: the
// (received_at, record_id) pair of the last record synced into a target
// table. Only the Sync Engine reads or writes it.
type SyncWatermark struct {
	TargetTable    string    `db:"target_table" json:"target_table"`
	LastReceivedAt time.Time `db:"last_received_at" json:"last_received_at"`
	LastRecordID   string    `db:"last_record_id" json:"last_record_id"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// DeadLetterStats is the aggregate view returned by the Dead Letter Store.
// QualityScore is accepted/(accepted+rejected)*100 over the trailing window;
// ScoreKnown is false when the window saw no decisions.
type DeadLetterStats struct {
	TotalEntries  int64            `json:"total_entries"`
	CountsByKind  map[string]int64 `json:"counts_by_kind"`
	OldestFailure *time.Time       `json:"oldest_failure,omitempty"`
	NewestFailure *time.Time       `json:"newest_failure,omitempty"`
	WindowHours   int              `json:"window_hours"`
	Accepted      int64            `json:"accepted"`
	Rejected      int64            `json:"rejected"`
	QualityScore  float64          `json:"quality_score"`
	ScoreKnown    bool             `json:"score_known"`
}

// DeadLetterFilter narrows ListEntries results. Zero values mean no filter.
type DeadLetterFilter struct {
	RecordType string
	Kind       string
	Since      time.Time
	Limit      int
	Offset     int
}
