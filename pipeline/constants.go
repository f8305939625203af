// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

// Validation state constants for intake records
const (
	StatePending  = "PENDING"
	StateAccepted = "ACCEPTED"
	StateRejected = "REJECTED"
)

// Sync state constants for accepted records
const (
	SyncUnsynced = "UNSYNCED"
	SyncSynced   = "SYNCED"
)

// Failure kind constants for validation failures
const (
	KindMalformedPayload = "malformed_payload"
	KindMissingField     = "missing_field"
	KindUnknownField     = "unknown_field"
	KindWrongType        = "wrong_type"
	KindOutOfRange       = "out_of_range"
	KindPatternMismatch  = "pattern_mismatch"
	KindBusinessRule     = "business_rule"
	KindReference        = "reference"
	KindUnknownSchema    = "unknown_schema"
)

// Upsert outcomes reported by the Authoritative Store
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertUpdated
	UpsertUnchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case UpsertInserted:
		return "inserted"
	case UpsertUpdated:
		return "updated"
	case UpsertUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Component names reported to the health aggregator
const (
	ComponentValidator  = "validator"
	ComponentSyncEngine = "sync_engine"
	ComponentIngestAPI  = "ingest_api"
)
