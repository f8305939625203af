// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// pgHarness spins up a throwaway PostgreSQL container and wires the real
// stores against it. Gated behind PIPELINE_PG_TEST because it needs Docker.
type pgHarness struct {
	t         *testing.T
	ctx       context.Context
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	intake    *PGIntakeStore
	dlq       *PGDeadLetterStore
	target    *PGAuthoritativeStore
	marks     *PGWatermarkStore
}

func newPGHarness(t *testing.T) *pgHarness {
	if os.Getenv("PIPELINE_PG_TEST") == "" {
		t.Skip("set PIPELINE_PG_TEST=1 to run PostgreSQL integration tests")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("pipeline_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, InitIntakeSchema(ctx, pool, logger))
	require.NoError(t, InitAuthoritativeSchema(ctx, pool, logger))

	h := &pgHarness{
		t:         t,
		ctx:       ctx,
		container: container,
		pool:      pool,
		intake:    NewPGIntakeStore(pool, logger),
		dlq:       nil,
		target:    NewPGAuthoritativeStore(pool, logger),
		marks:     NewPGWatermarkStore(pool),
	}
	h.dlq = NewPGDeadLetterStore(pool, h.intake, logger)

	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})
	return h
}

func TestPGIntakeLifecycle(t *testing.T) {
	h := newPGHarness(t)

	id := "S-" + uuid.NewString()
	rec, err := h.intake.Insert(h.ctx, id, "sales", []byte(`{"sale_id":"`+id+`"}`))
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.ValidationState)

	_, err = h.intake.Insert(h.ctx, id, "sales", []byte(`{}`))
	require.ErrorIs(t, err, ErrDuplicateRecord)

	require.NoError(t, h.intake.UpdateValidationState(h.ctx, id, StateAccepted))
	require.ErrorIs(t, h.intake.UpdateValidationState(h.ctx, id, StateRejected), ErrNotFound)

	records, err := h.intake.SelectAcceptedUnsynced(h.ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, h.intake.UpdateSyncState(h.ctx, id, SyncSynced))
	records, err = h.intake.SelectAcceptedUnsynced(h.ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPGDeadLetterRetryAndStats(t *testing.T) {
	h := newPGHarness(t)

	id := "S-" + uuid.NewString()
	_, err := h.intake.Insert(h.ctx, id, "sales", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, h.intake.UpdateValidationState(h.ctx, id, StateRejected))

	failures := []ValidationFailure{{Field: "sale_id", Kind: KindPatternMismatch, Message: "bad id"}}
	require.NoError(t, h.dlq.UpsertEntry(h.ctx, id, "sales", failures, time.Now()))
	require.NoError(t, h.dlq.UpsertEntry(h.ctx, id, "sales", failures, time.Now()))

	entries, err := h.dlq.ListEntries(h.ctx, DeadLetterFilter{RecordType: "sales"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)

	stats, err := h.dlq.GetStats(h.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.CountsByKind[KindPatternMismatch])
	assert.True(t, stats.ScoreKnown)
	assert.InDelta(t, 0.0, stats.QualityScore, 0.001)
}

func TestPGAuthoritativeUpsertOutcomes(t *testing.T) {
	h := newPGHarness(t)

	id := "S-" + uuid.NewString()
	saleDate := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	fields := map[string]any{
		"sale_date":   saleDate,
		"customer_id": int64(42),
		"item_id":     int64(7),
		"item_name":   "Widget",
		"quantity":    int64(3),
		"unit_price":  9.99,
		"total_price": 29.97,
		"received_at": saleDate,
	}

	outcome, err := h.target.UpsertRow(h.ctx, "analytics.sales_fact", "sale_id", id, fields)
	require.NoError(t, err)
	assert.Equal(t, UpsertInserted, outcome)

	outcome, err = h.target.UpsertRow(h.ctx, "analytics.sales_fact", "sale_id", id, fields)
	require.NoError(t, err)
	assert.Equal(t, UpsertUnchanged, outcome)

	fields["item_name"] = "Widget Pro"
	outcome, err = h.target.UpsertRow(h.ctx, "analytics.sales_fact", "sale_id", id, fields)
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, outcome)
}

func TestPGWatermarkMonotonic(t *testing.T) {
	h := newPGHarness(t)

	t1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	require.NoError(t, h.marks.Advance(h.ctx, "analytics.sales_fact", t2, "S2"))
	require.NoError(t, h.marks.Advance(h.ctx, "analytics.sales_fact", t1, "S1"))

	wm, err := h.marks.Load(h.ctx, "analytics.sales_fact")
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, "S2", wm.LastRecordID)
	assert.True(t, wm.LastReceivedAt.Equal(t2))
}
