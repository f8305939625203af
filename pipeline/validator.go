// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ValidatorConfig holds tuning knobs for the validation loop.
type ValidatorConfig struct {
	BatchSize    int           // records pulled per poll (default 100)
	PollInterval time.Duration // sleep between empty polls (default 30s)
	Workers      int           // per-record concurrency bound (default 4)
}

func (c *ValidatorConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// ValidatorCounters is a snapshot of the loop's counters for the health
// surface.
type ValidatorCounters struct {
	Validated int64 `json:"records_validated"`
	Accepted  int64 `json:"records_accepted"`
	Rejected  int64 `json:"records_rejected"`
}

// Validator decides ACCEPTED or REJECTED exactly once for every PENDING
// record. It pulls oldest-first batches from the Intake Store, evaluates
// each record against its rule set, and commits the terminal transition.
// Rejections land in the Dead Letter Store before the state flips, so a
// crash in between leaves the record PENDING and the next pass simply
// repeats the idempotent DLQ write.
type Validator struct {
	intake IntakeStore
	dlq    DeadLetterStore
	rules  *RuleRegistry
	config ValidatorConfig
	logger *slog.Logger
	health *Health

	validated atomic.Int64
	accepted  atomic.Int64
	rejected  atomic.Int64
}

// NewValidator creates a validation loop. health may be nil.
func NewValidator(intake IntakeStore, dlq DeadLetterStore, rules *RuleRegistry, config ValidatorConfig, logger *slog.Logger, health *Health) *Validator {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		intake: intake,
		dlq:    dlq,
		rules:  rules,
		config: config,
		logger: logger,
		health: health,
	}
}

// Counters returns a snapshot of the loop's counters.
func (v *Validator) Counters() ValidatorCounters {
	return ValidatorCounters{
		Validated: v.validated.Load(),
		Accepted:  v.accepted.Load(),
		Rejected:  v.rejected.Load(),
	}
}

// Run polls until ctx is cancelled. A transient store error aborts the
// current batch and the loop retries after the poll interval; nothing short
// of cancellation stops it.
func (v *Validator) Run(ctx context.Context) {
	v.logger.Info("Validator loop started",
		"batch_size", v.config.BatchSize,
		"poll_interval", v.config.PollInterval,
		"workers", v.config.Workers)

	for {
		n, err := v.ValidateBatch(ctx)
		if ctx.Err() != nil {
			v.logger.Info("Validator loop stopped")
			return
		}
		if err != nil {
			v.logger.Warn("Validation batch aborted", "error", err)
		}
		if v.health != nil {
			v.health.Beat(ComponentValidator)
		}
		if n == 0 || err != nil {
			if sleepWithContext(ctx, v.config.PollInterval) != nil {
				v.logger.Info("Validator loop stopped")
				return
			}
		}
	}
}

// ValidateBatch selects one batch of PENDING records (oldest first) and
// decides each of them. Returns the number of records picked up. Per-record
// validation failures are not errors; only system-level store failures
// surface here, and those leave every in-flight record untouched.
func (v *Validator) ValidateBatch(ctx context.Context) (int, error) {
	records, err := v.intake.SelectPending(ctx, v.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("select pending batch: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	v.logger.Debug("Validating batch", "count", len(records))

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		sem    = make(chan struct{}, v.config.Workers)
		mu     sync.Mutex
		sysErr error
	)

	for i := range records {
		if batchCtx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(rec Record) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := v.processRecord(batchCtx, rec); err != nil {
				mu.Lock()
				if sysErr == nil {
					sysErr = err
					cancel() // abort the rest of the batch
				}
				mu.Unlock()
			}
		}(records[i])
	}
	wg.Wait()

	return len(records), sysErr
}

// processRecord runs the full check sequence for one record and commits the
// decision. The returned error is always system-level; a record that fails
// validation is a normal REJECTED outcome.
func (v *Validator) processRecord(ctx context.Context, rec Record) error {
	timer := prometheus.NewTimer(metricValidationDuration)
	defer timer.ObserveDuration()

	failures, warnings := v.evaluate(rec)

	for _, w := range warnings {
		v.logger.Warn("Validation warning",
			"record_id", rec.RecordID, "record_type", rec.RecordType,
			"field", w.Field, "detail", w.Message)
	}

	if len(failures) == 0 {
		return v.commitAccept(ctx, rec)
	}
	return v.commitReject(ctx, rec, failures)
}

// evaluate produces the record's failures without touching any store.
// A missing rule set or an unparseable payload is itself a validation
// failure, not a system error.
func (v *Validator) evaluate(rec Record) (failures, warnings []ValidationFailure) {
	rs := v.rules.Get(rec.RecordType)
	if rs == nil {
		return []ValidationFailure{{
			Kind:    KindUnknownSchema,
			Message: fmt.Sprintf("no rule set registered for record type %q", rec.RecordType),
		}}, nil
	}

	extractor, err := NewPayloadExtractor(rec.Payload)
	if err != nil {
		return []ValidationFailure{{
			Kind:    KindMalformedPayload,
			Message: "payload is not a JSON object",
		}}, nil
	}

	return rs.Evaluate(extractor)
}

func (v *Validator) commitAccept(ctx context.Context, rec Record) error {
	if err := v.intake.UpdateValidationState(ctx, rec.RecordID, StateAccepted); err != nil {
		if isAlreadyDecided(err) {
			v.logger.Debug("Record already decided, skipping", "record_id", rec.RecordID)
			return nil
		}
		return err
	}

	v.validated.Add(1)
	v.accepted.Add(1)
	metricValidationTotal.WithLabelValues("valid", rec.RecordType).Inc()
	v.logger.Debug("Record accepted", "record_id", rec.RecordID, "record_type", rec.RecordType)
	return nil
}

// commitReject writes the dead letter entry first and flips the state after.
// If the state write fails the record stays PENDING and the next pass
// repeats the DLQ upsert, which bumps retry_count exactly as a genuine
// resubmission would.
func (v *Validator) commitReject(ctx context.Context, rec Record, failures []ValidationFailure) error {
	if err := v.dlq.UpsertEntry(ctx, rec.RecordID, rec.RecordType, failures, time.Now()); err != nil {
		return err
	}
	if err := v.intake.UpdateValidationState(ctx, rec.RecordID, StateRejected); err != nil {
		if isAlreadyDecided(err) {
			return nil
		}
		return err
	}

	v.validated.Add(1)
	v.rejected.Add(1)
	metricValidationTotal.WithLabelValues("invalid", rec.RecordType).Inc()
	for _, f := range failures {
		metricValidationErrors.WithLabelValues(f.Kind).Inc()
	}
	v.logger.Warn("Record rejected",
		"record_id", rec.RecordID,
		"record_type", rec.RecordType,
		"errors", len(failures),
		"primary_kind", failures[0].Kind,
		"primary_field", failures[0].Field)
	return nil
}

// isAlreadyDecided distinguishes the idempotence no-op (another pass or
// instance already decided this record) from real store failures.
func isAlreadyDecided(err error) bool {
	return errors.Is(err, ErrNotFound)
}
