// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipelite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/PDRWeb/analytics-pipeline/pipeline"
)

// AuthoritativeStore writes projected rows into a SQLite target database.
// SQLite has no schemas, so qualified table names from rule sets are
// flattened to their last segment ("analytics.sales_fact" -> "sales_fact").
type AuthoritativeStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAuthoritativeStore(db *sql.DB, logger *slog.Logger) *AuthoritativeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthoritativeStore{db: db, logger: logger}
}

// UpsertRow inserts or updates one projected row keyed by keyColumn and
// reports which happened. An INSERT OR IGNORE distinguishes the insert case;
// the follow-up UPDATE is guarded by a row-value IS NOT comparison so that
// rewriting identical values reports Unchanged.
func (s *AuthoritativeStore) UpsertRow(ctx context.Context, table, keyColumn, key string, fields map[string]any) (pipeline.UpsertOutcome, error) {
	tableName := flattenTable(table)
	if !validIdentifier(tableName) {
		return pipeline.UpsertUnchanged, fmt.Errorf("invalid target table %q", table)
	}
	if !validIdentifier(keyColumn) {
		return pipeline.UpsertUnchanged, fmt.Errorf("invalid key column %q", keyColumn)
	}

	columns := make([]string, 0, len(fields))
	for col := range fields {
		if !validIdentifier(col) {
			return pipeline.UpsertUnchanged, fmt.Errorf("invalid column name %q", col)
		}
		if col != keyColumn {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)

	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = bindValue(fields[col])
	}

	insertCols := append([]string{keyColumn}, columns...)
	insertArgs := append([]any{key}, values...)
	insertQuery := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`,
		quoteIdent(tableName),
		quoteIdents(insertCols),
		placeholders(len(insertCols)),
	)

	res, err := s.db.ExecContext(ctx, insertQuery, insertArgs...)
	if err != nil {
		return pipeline.UpsertUnchanged, fmt.Errorf("upsert %s key=%s: %w", table, key, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return pipeline.UpsertUnchanged, fmt.Errorf("upsert %s key=%s: %w", table, key, err)
	} else if affected == 1 {
		return pipeline.UpsertInserted, nil
	}

	setClauses := make([]string, len(columns))
	tuple := make([]string, len(columns))
	for i, col := range columns {
		setClauses[i] = quoteIdent(col) + " = ?"
		tuple[i] = quoteIdent(col)
	}
	updateQuery := fmt.Sprintf(`
		UPDATE %s SET %s
		WHERE %s = ? AND (%s) IS NOT (%s)`,
		quoteIdent(tableName),
		strings.Join(setClauses, ", "),
		quoteIdent(keyColumn),
		strings.Join(tuple, ", "),
		placeholders(len(columns)),
	)
	updateArgs := make([]any, 0, 2*len(columns)+1)
	updateArgs = append(updateArgs, values...)
	updateArgs = append(updateArgs, key)
	updateArgs = append(updateArgs, values...)

	res, err = s.db.ExecContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return pipeline.UpsertUnchanged, fmt.Errorf("upsert %s key=%s: %w", table, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return pipeline.UpsertUnchanged, fmt.Errorf("upsert %s key=%s: %w", table, key, err)
	}
	if affected == 1 {
		return pipeline.UpsertUpdated, nil
	}
	return pipeline.UpsertUnchanged, nil
}

func (s *AuthoritativeStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WatermarkStore persists the per-table resume cursor in SQLite. The
// monotonic guard compares the stored fixed-width timestamps as text, which
// matches chronological order.
type WatermarkStore struct {
	db *sql.DB
}

func NewWatermarkStore(db *sql.DB) *WatermarkStore {
	return &WatermarkStore{db: db}
}

func (s *WatermarkStore) Load(ctx context.Context, targetTable string) (*pipeline.SyncWatermark, error) {
	var wm pipeline.SyncWatermark
	var lastReceivedAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT target_table, last_received_at, last_record_id, updated_at
		FROM sync_watermark
		WHERE target_table = ?`,
		targetTable,
	).Scan(&wm.TargetTable, &lastReceivedAt, &wm.LastRecordID, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load watermark %s: %w", targetTable, err)
	}
	if wm.LastReceivedAt, err = parseTime(lastReceivedAt); err != nil {
		return nil, err
	}
	if wm.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &wm, nil
}

func (s *WatermarkStore) Advance(ctx context.Context, targetTable string, receivedAt time.Time, recordID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_watermark (target_table, last_received_at, last_record_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (target_table) DO UPDATE SET
			last_received_at = excluded.last_received_at,
			last_record_id   = excluded.last_record_id,
			updated_at       = excluded.updated_at
		WHERE (sync_watermark.last_received_at, sync_watermark.last_record_id)
		    < (excluded.last_received_at, excluded.last_record_id)`,
		targetTable, fmtTime(receivedAt), recordID, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", targetTable, err)
	}
	return nil
}

// bindValue normalizes time values to the fixed-width text layout so that
// the row-value comparison against stored columns is stable.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return fmtTime(t)
	}
	return v
}

func flattenTable(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}
	return table
}

func validIdentifier(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
