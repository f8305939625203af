// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "time"

// REST API request/response models for the intake and operator surface.

// IngestResponse is returned by POST /ingest.
type IngestResponse struct {
	Status     string    `json:"status"`
	RecordID   string    `json:"record_id"`
	RecordType string    `json:"record_type"`
	ReceivedAt time.Time `json:"received_at"`
}

// ValidateResponse is returned by POST /validate (ad-hoc, no persistence).
type ValidateResponse struct {
	IsValid  bool                `json:"is_valid"`
	Errors   []ValidationFailure `json:"errors"`
	Warnings []ValidationFailure `json:"warnings"`
}

// RequeueRequest names the rejected records to reset back to PENDING.
type RequeueRequest struct {
	RecordIDs []string `json:"record_ids"`
}

// RequeueResponse reports the per-record outcome of a requeue.
type RequeueResponse struct {
	Requeued []string          `json:"requeued"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// PurgeResponse is returned by DELETE /admin/dlq.
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the liveness payload on GET /status: per-loop counters
// plus last-batch timestamps, consumed by the external health aggregator.
type StatusResponse struct {
	Service    string                `json:"service"`
	Ready      bool                  `json:"ready"`
	Validator  loopStatus            `json:"validator"`
	SyncEngine loopStatus            `json:"sync_engine"`
	Counters   map[string]any        `json:"counters"`
	Components map[string]*time.Time `json:"last_seen"`
}

type loopStatus struct {
	LastBatchAt *time.Time `json:"last_batch_at,omitempty"`
}
