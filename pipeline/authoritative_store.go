// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAuthoritativeStore writes projected rows into the query-facing database.
// UpsertRow is keyed by the record identifier column, which makes redelivery
// after a crash harmless: same key, same row.
type PGAuthoritativeStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPGAuthoritativeStore(pool *pgxpool.Pool, logger *slog.Logger) *PGAuthoritativeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGAuthoritativeStore{pool: pool, logger: logger}
}

// UpsertRow inserts or updates one projected row and reports which of the
// two happened, or Unchanged when an identical row is already present.
// Table and column names come from compiled rule sets, not callers, but are
// still validated and sanitized before being spliced into SQL.
func (s *PGAuthoritativeStore) UpsertRow(ctx context.Context, table, keyColumn, key string, fields map[string]any) (UpsertOutcome, error) {
	schemaName, tableName, err := splitQualifiedTable(table)
	if err != nil {
		return UpsertUnchanged, err
	}
	if !isValidIdentifier(keyColumn) {
		return UpsertUnchanged, fmt.Errorf("invalid key column %q", keyColumn)
	}

	columns := make([]string, 0, len(fields)+1)
	for col := range fields {
		if !isValidIdentifier(col) {
			return UpsertUnchanged, fmt.Errorf("invalid column name %q", col)
		}
		if col != keyColumn {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)

	insertCols := append([]string{keyColumn}, columns...)
	colIdents := make([]string, len(insertCols))
	placeholders := make([]string, len(insertCols))
	args := make([]any, len(insertCols))
	for i, col := range insertCols {
		colIdents[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col == keyColumn {
			args[i] = key
		} else {
			args[i] = fields[col]
		}
	}

	setClauses := make([]string, len(columns))
	currentTuple := make([]string, len(columns))
	excludedTuple := make([]string, len(columns))
	for i, col := range columns {
		ident := pgx.Identifier{col}.Sanitize()
		setClauses[i] = fmt.Sprintf("%s = excluded.%s", ident, ident)
		currentTuple[i] = "t." + ident
		excludedTuple[i] = "excluded." + ident
	}

	tableIdent := pgx.Identifier{schemaName}.Sanitize() + "." + pgx.Identifier{tableName}.Sanitize()
	query := fmt.Sprintf(`
		INSERT INTO %s AS t (%s) VALUES (%s)
		ON CONFLICT (%s) DO UPDATE SET %s
		WHERE (%s) IS DISTINCT FROM (%s)
		RETURNING (xmax = 0) AS inserted`,
		tableIdent,
		strings.Join(colIdents, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{keyColumn}.Sanitize(),
		strings.Join(setClauses, ", "),
		strings.Join(currentTuple, ", "),
		strings.Join(excludedTuple, ", "),
	)

	var inserted bool
	err = s.pool.QueryRow(ctx, query, args...).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflicting row already holds identical values.
			return UpsertUnchanged, nil
		}
		return UpsertUnchanged, fmt.Errorf("upsert %s key=%s: %w", table, key, err)
	}
	if inserted {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

func (s *PGAuthoritativeStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func splitQualifiedTable(table string) (schemaName, tableName string, err error) {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 1 {
		parts = []string{"public", parts[0]}
	}
	if !isValidIdentifier(parts[0]) || !isValidIdentifier(parts[1]) {
		return "", "", fmt.Errorf("invalid target table %q", table)
	}
	return parts[0], parts[1], nil
}

// isValidIdentifier checks if a name matches ^[a-z0-9_]+$
func isValidIdentifier(name string) bool {
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
