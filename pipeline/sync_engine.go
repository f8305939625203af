// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SyncConfig holds tuning knobs for the sync loop.
type SyncConfig struct {
	BatchSize    int           // records pulled per poll (default 100)
	PollInterval time.Duration // sleep between empty polls (default 60s)
	MaxAttempts  int           // per-record target failures before a record counts as stuck (default 5)
}

func (c *SyncConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// SyncCounters is a snapshot of the loop's counters for the health surface.
type SyncCounters struct {
	Synced       int64   `json:"records_synced"`
	SyncFailures int64   `json:"sync_failures"`
	LagSeconds   float64 `json:"current_lag_seconds"`
}

// SyncEngine moves every ACCEPTED, UNSYNCED record into the Authoritative
// Store exactly once. The target write is an idempotent upsert keyed by
// record ID, and a record is only marked SYNCED after that write is durably
// acknowledged - so a crash between the two steps just means one harmless
// redelivery on the next run.
type SyncEngine struct {
	intake     IntakeStore
	target     AuthoritativeStore
	watermarks WatermarkStore
	rules      *RuleRegistry
	config     SyncConfig
	logger     *slog.Logger
	health     *Health

	synced   atomic.Int64
	failures atomic.Int64
	lagSecs  atomic.Int64
}

// NewSyncEngine creates a sync loop. watermarks and health may be nil.
func NewSyncEngine(intake IntakeStore, target AuthoritativeStore, watermarks WatermarkStore, rules *RuleRegistry, config SyncConfig, logger *slog.Logger, health *Health) *SyncEngine {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		intake:     intake,
		target:     target,
		watermarks: watermarks,
		rules:      rules,
		config:     config,
		logger:     logger,
		health:     health,
	}
}

// Counters returns a snapshot of the loop's counters.
func (e *SyncEngine) Counters() SyncCounters {
	return SyncCounters{
		Synced:       e.synced.Load(),
		SyncFailures: e.failures.Load(),
		LagSeconds:   float64(e.lagSecs.Load()),
	}
}

// Run polls until ctx is cancelled. Connectivity failures abort the batch
// and the loop retries after the poll interval.
func (e *SyncEngine) Run(ctx context.Context) {
	e.logger.Info("Sync loop started",
		"batch_size", e.config.BatchSize,
		"poll_interval", e.config.PollInterval,
		"max_attempts", e.config.MaxAttempts)

	e.logResumePositions(ctx)

	for {
		n, err := e.SyncBatch(ctx)
		if ctx.Err() != nil {
			e.logger.Info("Sync loop stopped")
			return
		}
		if err != nil {
			e.logger.Warn("Sync batch aborted", "error", err)
		}
		if e.health != nil {
			e.health.Beat(ComponentSyncEngine)
		}
		if n == 0 || err != nil {
			if sleepWithContext(ctx, e.config.PollInterval) != nil {
				e.logger.Info("Sync loop stopped")
				return
			}
		}
	}
}

// SyncBatch selects one batch of accepted, unsynced records in
// (received_at, record_id) order and pushes each into the target. A single
// record's write failure never blocks the rest of the batch; only a
// connectivity failure aborts it.
func (e *SyncEngine) SyncBatch(ctx context.Context) (int, error) {
	records, err := e.intake.SelectAcceptedUnsynced(ctx, e.config.BatchSize, e.config.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select unsynced batch: %w", err)
	}

	e.refreshBacklogGauges(ctx)

	if len(records) == 0 {
		return 0, nil
	}

	e.logger.Debug("Syncing batch", "count", len(records))

	for i := range records {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if err := e.syncRecord(ctx, records[i]); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

// syncRecord performs the three ordered steps for one record: idempotent
// target upsert, SYNCED mark, watermark advance. The returned error is
// always batch-aborting; per-record target failures are absorbed here.
func (e *SyncEngine) syncRecord(ctx context.Context, rec Record) error {
	rs := e.rules.Get(rec.RecordType)
	if rs == nil {
		// Rule set was withdrawn after acceptance. Operator-visible, does
		// not block the batch.
		return e.recordSyncFailure(ctx, rec, fmt.Errorf("no rule set for record type %q", rec.RecordType))
	}

	key, fields, err := projectRecord(rec, rs)
	if err != nil {
		return e.recordSyncFailure(ctx, rec, err)
	}

	outcome, err := e.target.UpsertRow(ctx, rs.Target.Table, rs.Target.Key, key, fields)
	if err != nil {
		if isTransientStoreError(err) {
			return fmt.Errorf("authoritative store unavailable: %w", err)
		}
		// Permanent target errors are per-record: count, leave UNSYNCED,
		// retry next poll.
		if isConstraintViolation(err) {
			err = fmt.Errorf("target constraint violation: %w", err)
		}
		return e.recordSyncFailure(ctx, rec, err)
	}

	if err := e.intake.UpdateSyncState(ctx, rec.RecordID, SyncSynced); err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logger.Debug("Record already marked synced", "record_id", rec.RecordID)
			return nil
		}
		// The target write is durable; the next run re-upserts the same key
		// (unchanged) and marks SYNCED then.
		return fmt.Errorf("mark synced %s: %w", rec.RecordID, err)
	}

	if e.watermarks != nil {
		if err := e.watermarks.Advance(ctx, rs.Target.Table, rec.ReceivedAt, rec.RecordID); err != nil {
			// The cursor is a resume optimization; losing one advance is harmless.
			e.logger.Warn("Watermark advance failed", "record_id", rec.RecordID, "error", err)
		}
	}

	e.synced.Add(1)
	metricRecordsSynced.WithLabelValues(outcome.String()).Inc()
	e.logger.Debug("Record synced",
		"record_id", rec.RecordID,
		"table", rs.Target.Table,
		"outcome", outcome.String())
	return nil
}

// recordSyncFailure bumps the record's attempt counter and escalates to an
// operator-visible stuck state once the bound is reached.
func (e *SyncEngine) recordSyncFailure(ctx context.Context, rec Record, cause error) error {
	e.failures.Add(1)
	metricSyncFailures.Inc()

	attempts, err := e.intake.MarkSyncFailure(ctx, rec.RecordID)
	if err != nil {
		return fmt.Errorf("mark sync failure %s: %w", rec.RecordID, err)
	}

	if attempts >= e.config.MaxAttempts {
		e.logger.Error("Record stuck: sync attempts exhausted",
			"record_id", rec.RecordID,
			"attempts", attempts,
			"error", cause)
	} else {
		e.logger.Warn("Record sync failed, will retry",
			"record_id", rec.RecordID,
			"attempts", attempts,
			"error", cause)
	}
	return nil
}

// logResumePositions reads each target table's cursor so operators can see
// where the loop picks up after a restart.
func (e *SyncEngine) logResumePositions(ctx context.Context) {
	if e.watermarks == nil {
		return
	}
	for _, name := range e.rules.Names() {
		rs := e.rules.Get(name)
		if rs == nil {
			continue
		}
		wm, err := e.watermarks.Load(ctx, rs.Target.Table)
		if err != nil {
			e.logger.Warn("Watermark load failed", "table", rs.Target.Table, "error", err)
			continue
		}
		if wm == nil {
			e.logger.Info("No sync cursor yet", "table", rs.Target.Table)
			continue
		}
		e.logger.Info("Resuming sync",
			"table", rs.Target.Table,
			"last_record_id", wm.LastRecordID,
			"last_received_at", wm.LastReceivedAt)
	}
}

func (e *SyncEngine) refreshBacklogGauges(ctx context.Context) {
	count, oldest, err := e.intake.CountUnsynced(ctx)
	if err != nil {
		e.logger.Debug("Backlog gauge refresh failed", "error", err)
		return
	}
	metricSyncQueueSize.Set(float64(count))
	lag := 0.0
	if count > 0 && !oldest.IsZero() {
		lag = time.Since(oldest).Seconds()
	}
	metricSyncLagSeconds.Set(lag)
	e.lagSecs.Store(int64(lag))

	if stuck, err := e.intake.CountStuck(ctx, e.config.MaxAttempts); err == nil {
		metricSyncStuck.Set(float64(stuck))
	}
}

// projectRecord maps a validated payload onto the target table's columns.
// The projected row is a copy; the intake row stays immutable audit history.
func projectRecord(rec Record, rs *RuleSet) (key string, fields map[string]any, err error) {
	extractor, err := NewPayloadExtractor(rec.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("project %s: %w", rec.RecordID, err)
	}

	kinds := make(map[string]string, len(rs.Fields))
	for _, fr := range rs.Fields {
		kinds[fr.Field] = fr.Kind
	}

	fields = make(map[string]any, len(rs.Target.Fields)+1)
	for _, name := range rs.Target.Fields {
		v, ok := extractor.Raw(name)
		if !ok {
			return "", nil, fmt.Errorf("project %s: payload missing field %q", rec.RecordID, name)
		}
		// Timestamp fields arrive as strings; bind them as time values so
		// the target column type doesn't depend on the wire format.
		if kinds[name] == FieldTimestamp {
			if ts := extractor.TimeField(name); ts != nil {
				fields[name] = *ts
				continue
			}
		}
		fields[name] = v
	}
	fields["received_at"] = rec.ReceivedAt

	keyField := rs.KeyField()
	ks := extractor.StrField(keyField)
	if ks == nil {
		return "", nil, fmt.Errorf("project %s: payload missing key field %q", rec.RecordID, keyField)
	}
	return *ks, fields, nil
}
