// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

// Package pipelite provides SQLite-backed implementations of the pipeline
// store contracts for single-node deployments and hermetic tests. All four
// stores (intake, dead letter, authoritative, watermark) can share one
// database file, or the target store can live in a separate one.
package pipelite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is a fixed-width UTC layout so that stored timestamps compare
// lexicographically in the same order as chronologically. SQL-side ordering
// and the watermark tuple comparison both depend on this.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Open opens (or creates) a SQLite database with the pragmas the pipeline
// needs. Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between the validator and sync
	// loops and keeps :memory: databases from vanishing per connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// InitSchema creates the holding-area tables: intake records, dead letter
// entries, and the sync watermark.
func InitSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS intake_records (
			record_id        TEXT PRIMARY KEY,
			record_type      TEXT NOT NULL,
			payload          TEXT NOT NULL,
			received_at      TEXT NOT NULL,
			validation_state TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (validation_state IN ('PENDING','ACCEPTED','REJECTED')),
			sync_state       TEXT NOT NULL DEFAULT 'UNSYNCED'
				CHECK (sync_state IN ('UNSYNCED','SYNCED')),
			sync_attempts    INTEGER NOT NULL DEFAULT 0,
			validated_at     TEXT,
			synced_at        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS intake_pending_idx
			ON intake_records (received_at, record_id)
			WHERE validation_state = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS intake_unsynced_idx
			ON intake_records (received_at, record_id)
			WHERE validation_state = 'ACCEPTED' AND sync_state = 'UNSYNCED'`,
		`CREATE INDEX IF NOT EXISTS intake_validated_at_idx
			ON intake_records (validated_at)
			WHERE validated_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			record_id     TEXT PRIMARY KEY,
			record_type   TEXT NOT NULL,
			errors        TEXT NOT NULL,
			failed_at     TEXT NOT NULL,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			last_retry_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS dead_letter_failed_at_idx
			ON dead_letter (failed_at)`,
		`CREATE TABLE IF NOT EXISTS sync_watermark (
			target_table     TEXT PRIMARY KEY,
			last_received_at TEXT NOT NULL,
			last_record_id   TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init holding schema: %w", err)
		}
	}
	return nil
}

// InitTargetSchema creates the query-facing sales fact table. Unlike the
// Postgres target there is no separate analytics schema; qualified table
// names are flattened to their last segment.
func InitTargetSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sales_fact (
			sale_id     TEXT PRIMARY KEY,
			sale_date   TEXT NOT NULL,
			customer_id INTEGER NOT NULL,
			item_id     INTEGER NOT NULL,
			item_name   TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			unit_price  REAL NOT NULL,
			total_price REAL NOT NULL,
			received_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init target schema: %w", err)
	}
	return nil
}
