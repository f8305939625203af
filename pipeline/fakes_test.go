// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// In-memory store fakes for loop tests. They implement the same transition
// guards as the real stores so idempotence behavior can be exercised without
// a database.

type memIntake struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   time.Time

	failSelectPending error
	failUpdate        error
}

func newMemIntake() *memIntake {
	return &memIntake{
		records: make(map[string]*Record),
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// add seeds a record directly, advancing a fake clock so received_at order
// matches insertion order.
func (m *memIntake) add(recordID, recordType, payload, validationState string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = m.clock.Add(time.Second)
	rec := &Record{
		RecordID:        recordID,
		RecordType:      recordType,
		Payload:         []byte(payload),
		ReceivedAt:      m.clock,
		ValidationState: validationState,
		SyncState:       SyncUnsynced,
	}
	m.records[recordID] = rec
	return rec
}

func (m *memIntake) get(recordID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[recordID]
}

func (m *memIntake) Insert(ctx context.Context, recordID, recordType string, payload []byte) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[recordID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, recordID)
	}
	m.clock = m.clock.Add(time.Second)
	rec := &Record{
		RecordID:        recordID,
		RecordType:      recordType,
		Payload:         payload,
		ReceivedAt:      m.clock,
		ValidationState: StatePending,
		SyncState:       SyncUnsynced,
	}
	m.records[recordID] = rec
	out := *rec
	return &out, nil
}

func (m *memIntake) selectWhere(limit int, pred func(*Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if pred(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memIntake) SelectPending(ctx context.Context, limit int) ([]Record, error) {
	if m.failSelectPending != nil {
		return nil, m.failSelectPending
	}
	return m.selectWhere(limit, func(r *Record) bool {
		return r.ValidationState == StatePending
	}), nil
}

func (m *memIntake) SelectAcceptedUnsynced(ctx context.Context, limit, maxAttempts int) ([]Record, error) {
	return m.selectWhere(limit, func(r *Record) bool {
		return r.ValidationState == StateAccepted && r.SyncState == SyncUnsynced && r.SyncAttempts < maxAttempts
	}), nil
}

func (m *memIntake) UpdateValidationState(ctx context.Context, recordID, state string) error {
	if m.failUpdate != nil {
		return m.failUpdate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.ValidationState != StatePending {
		return fmt.Errorf("%w: no pending record %s", ErrNotFound, recordID)
	}
	now := time.Now()
	rec.ValidationState = state
	rec.ValidatedAt = &now
	return nil
}

func (m *memIntake) UpdateSyncState(ctx context.Context, recordID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.ValidationState != StateAccepted {
		return fmt.Errorf("%w: no accepted record %s", ErrNotFound, recordID)
	}
	now := time.Now()
	rec.SyncState = state
	rec.SyncedAt = &now
	return nil
}

func (m *memIntake) MarkSyncFailure(ctx context.Context, recordID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	rec.SyncAttempts++
	return rec.SyncAttempts, nil
}

func (m *memIntake) Requeue(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordID]
	if !ok || rec.ValidationState != StateRejected {
		return fmt.Errorf("%w: no rejected record %s", ErrNotFound, recordID)
	}
	rec.ValidationState = StatePending
	rec.ValidatedAt = nil
	return nil
}

func (m *memIntake) CountDecided(ctx context.Context, window time.Duration) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var accepted, rejected int64
	for _, rec := range m.records {
		if rec.ValidatedAt == nil || rec.ValidatedAt.Before(cutoff) {
			continue
		}
		switch rec.ValidationState {
		case StateAccepted:
			accepted++
		case StateRejected:
			rejected++
		}
	}
	return accepted, rejected, nil
}

func (m *memIntake) CountUnsynced(ctx context.Context) (int64, time.Time, error) {
	recs := m.selectWhere(0, func(r *Record) bool {
		return r.ValidationState == StateAccepted && r.SyncState == SyncUnsynced
	})
	if len(recs) == 0 {
		return 0, time.Time{}, nil
	}
	return int64(len(recs)), recs[0].ReceivedAt, nil
}

func (m *memIntake) CountStuck(ctx context.Context, maxAttempts int) (int64, error) {
	recs := m.selectWhere(0, func(r *Record) bool {
		return r.ValidationState == StateAccepted && r.SyncState == SyncUnsynced && r.SyncAttempts >= maxAttempts
	})
	return int64(len(recs)), nil
}

func (m *memIntake) Ping(ctx context.Context) error { return nil }

type memDLQ struct {
	mu      sync.Mutex
	entries map[string]*DeadLetterEntry
	intake  *memIntake

	failUpsert error
}

func newMemDLQ(intake *memIntake) *memDLQ {
	return &memDLQ{entries: make(map[string]*DeadLetterEntry), intake: intake}
}

func (m *memDLQ) get(recordID string) *DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[recordID]
	if !ok {
		return nil
	}
	out := *e
	return &out
}

func (m *memDLQ) UpsertEntry(ctx context.Context, recordID, recordType string, failures []ValidationFailure, failedAt time.Time) error {
	if m.failUpsert != nil {
		return m.failUpsert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[recordID]; ok {
		e.Errors = failures
		e.FailedAt = failedAt
		e.RetryCount++
		t := failedAt
		e.LastRetryAt = &t
		return nil
	}
	m.entries[recordID] = &DeadLetterEntry{
		RecordID:   recordID,
		RecordType: recordType,
		Errors:     failures,
		FailedAt:   failedAt,
	}
	return nil
}

func (m *memDLQ) GetStats(ctx context.Context, window time.Duration) (*DeadLetterStats, error) {
	m.mu.Lock()
	stats := &DeadLetterStats{
		TotalEntries: int64(len(m.entries)),
		CountsByKind: map[string]int64{},
		WindowHours:  int(window.Hours()),
	}
	for _, e := range m.entries {
		for _, f := range e.Errors {
			stats.CountsByKind[f.Kind]++
		}
	}
	m.mu.Unlock()

	accepted, rejected, err := m.intake.CountDecided(ctx, window)
	if err != nil {
		return nil, err
	}
	stats.Accepted = accepted
	stats.Rejected = rejected
	if total := accepted + rejected; total > 0 {
		stats.QualityScore = float64(accepted) / float64(total) * 100
		stats.ScoreKnown = true
	}
	return stats, nil
}

func (m *memDLQ) ListEntries(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetterEntry
	for _, e := range m.entries {
		if filter.RecordType != "" && e.RecordType != filter.RecordType {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return out, nil
}

func (m *memDLQ) Purge(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.entries))
	m.entries = make(map[string]*DeadLetterEntry)
	return n, nil
}

func (m *memDLQ) Ping(ctx context.Context) error { return nil }

type memTarget struct {
	mu   sync.Mutex
	rows map[string]map[string]map[string]any // table -> key -> row

	failWith    error // returned by every UpsertRow until cleared
	upsertCalls int
}

func newMemTarget() *memTarget {
	return &memTarget{rows: make(map[string]map[string]map[string]any)}
}

func (m *memTarget) row(table, key string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[table][key]
}

func (m *memTarget) UpsertRow(ctx context.Context, table, keyColumn, key string, fields map[string]any) (UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.failWith != nil {
		return UpsertUnchanged, m.failWith
	}
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]map[string]any)
	}
	next := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		next[k] = v
	}
	next[keyColumn] = key
	prev, ok := m.rows[table][key]
	if !ok {
		m.rows[table][key] = next
		return UpsertInserted, nil
	}
	if reflect.DeepEqual(prev, next) {
		return UpsertUnchanged, nil
	}
	m.rows[table][key] = next
	return UpsertUpdated, nil
}

func (m *memTarget) Ping(ctx context.Context) error { return nil }

type memWatermarks struct {
	mu        sync.Mutex
	marks     map[string]*SyncWatermark
	loadCalls int
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{marks: make(map[string]*SyncWatermark)}
}

func (m *memWatermarks) Load(ctx context.Context, targetTable string) (*SyncWatermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	wm, ok := m.marks[targetTable]
	if !ok {
		return nil, nil
	}
	out := *wm
	return &out, nil
}

func (m *memWatermarks) Advance(ctx context.Context, targetTable string, receivedAt time.Time, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.marks[targetTable]
	if ok {
		if receivedAt.Before(cur.LastReceivedAt) ||
			(receivedAt.Equal(cur.LastReceivedAt) && recordID <= cur.LastRecordID) {
			return nil
		}
	}
	m.marks[targetTable] = &SyncWatermark{
		TargetTable:    targetTable,
		LastReceivedAt: receivedAt,
		LastRecordID:   recordID,
		UpdatedAt:      time.Now(),
	}
	return nil
}
