// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitIntakeSchema creates the holding-side tables (intake, dead letter,
// watermark) if they don't exist. Safe to run on every startup.
func InitIntakeSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS pipeline`,

		// 1) Raw intake records. validation_state is written only by the
		// Validator, sync_state only by the Sync Engine.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS pipeline.intake_records (
			record_id        TEXT        PRIMARY KEY,
			record_type      TEXT        NOT NULL,
			payload          JSON        NOT NULL,
			received_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			validation_state TEXT        NOT NULL DEFAULT 'PENDING'
				CHECK (validation_state IN ('PENDING','ACCEPTED','REJECTED')),
			sync_state       TEXT        NOT NULL DEFAULT 'UNSYNCED'
				CHECK (sync_state IN ('UNSYNCED','SYNCED')),
			sync_attempts    INT         NOT NULL DEFAULT 0,
			validated_at     TIMESTAMPTZ,
			synced_at        TIMESTAMPTZ
		)`,

		// Partial indexes keyed to the two poll queries so neither loop ever
		// rescans decided/synced rows.
		`CREATE INDEX IF NOT EXISTS intake_pending_idx
			ON pipeline.intake_records (received_at, record_id)
			WHERE validation_state = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS intake_unsynced_idx
			ON pipeline.intake_records (received_at, record_id)
			WHERE validation_state = 'ACCEPTED' AND sync_state = 'UNSYNCED'`,
		`CREATE INDEX IF NOT EXISTS intake_validated_at_idx
			ON pipeline.intake_records (validated_at)
			WHERE validated_at IS NOT NULL`,

		// 2) Dead letter queue. One row per record ID; resubmission failures
		// replace errors and bump retry_count.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS pipeline.dead_letter (
			record_id     TEXT        PRIMARY KEY,
			record_type   TEXT        NOT NULL,
			errors        JSON        NOT NULL,
			failed_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			retry_count   INT         NOT NULL DEFAULT 0,
			last_retry_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS dead_letter_failed_at_idx ON pipeline.dead_letter (failed_at)`,
		`CREATE INDEX IF NOT EXISTS dead_letter_type_idx ON pipeline.dead_letter (record_type)`,

		// 3) Sync resume cursor, one row per target table. Owned exclusively
		// by the Sync Engine.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS pipeline.sync_watermark (
			target_table     TEXT        PRIMARY KEY,
			last_received_at TIMESTAMPTZ NOT NULL,
			last_record_id   TEXT        NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	return runMigrations(ctx, pool, logger, "intake", migrations)
}

// InitAuthoritativeSchema creates the default query-facing sales fact table.
// Deployments with their own target tables can skip this and register rule
// sets pointing at existing tables instead.
func InitAuthoritativeSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS analytics`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS analytics.sales_fact (
			sale_id     TEXT           PRIMARY KEY,
			sale_date   TIMESTAMPTZ    NOT NULL,
			customer_id BIGINT         NOT NULL,
			item_id     BIGINT         NOT NULL,
			item_name   TEXT           NOT NULL,
			quantity    INT            NOT NULL,
			unit_price  NUMERIC(12,2)  NOT NULL,
			total_price NUMERIC(12,2)  NOT NULL,
			received_at TIMESTAMPTZ    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sales_fact_sale_date_idx ON analytics.sales_fact (sale_date)`,
	}

	return runMigrations(ctx, pool, logger, "authoritative", migrations)
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, name string, migrations []string) error {
	if logger == nil {
		logger = slog.Default()
	}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i, migration := range migrations {
			logger.Debug("Running schema migration", "schema", name, "step", i+1, "total", len(migrations))
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("%s migration %d failed: %w", name, i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("Schema initialized", "schema", name, "migrations", len(migrations))
	return nil
}
