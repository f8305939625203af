// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandlers exposes the intake API, the operator surface, and the health
// probe consumed by the external aggregator.
type HTTPHandlers struct {
	intake    IntakeStore
	dlq       DeadLetterStore
	rules     *RuleRegistry
	validator *Validator
	syncer    *SyncEngine
	health    *Health
	apiKey    *APIKeyAuth
	admin     *AdminJWT
	logger    *slog.Logger
	dlqWindow time.Duration
}

// NewHTTPHandlers creates the handler set. apiKey and admin may be nil to
// leave the respective surfaces unguarded (dev mode).
func NewHTTPHandlers(intake IntakeStore, dlq DeadLetterStore, rules *RuleRegistry,
	validator *Validator, syncer *SyncEngine, health *Health,
	apiKey *APIKeyAuth, admin *AdminJWT, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		intake:    intake,
		dlq:       dlq,
		rules:     rules,
		validator: validator,
		syncer:    syncer,
		health:    health,
		apiKey:    apiKey,
		admin:     admin,
		logger:    logger,
		dlqWindow: 24 * time.Hour,
	}
}

// Routes assembles the full mux.
func (h *HTTPHandlers) Routes() http.Handler {
	mux := http.NewServeMux()

	ingest := http.Handler(http.HandlerFunc(h.HandleIngest))
	if h.apiKey != nil {
		ingest = h.apiKey.Middleware(ingest)
	}
	mux.Handle("POST /ingest", ingest)
	mux.HandleFunc("POST /validate", h.HandleValidate)
	mux.HandleFunc("GET /dlq/stats", h.HandleDLQStats)
	mux.HandleFunc("GET /dlq/entries", h.HandleDLQEntries)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/requeue", h.HandleRequeue)
	mux.HandleFunc("DELETE /admin/dlq", h.HandlePurge)

	return h.withRequestLog(mux)
}

// withRequestLog tags every request with a generated ID (honoring a
// caller-supplied X-Request-ID) and logs method, path, status and latency.
func (h *HTTPHandlers) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.Debug("HTTP request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HandleIngest appends a raw record to the Intake Store. Callers never see
// validation results here; the Validator decides asynchronously.
func (h *HTTPHandlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing_json", "request body must be a JSON object")
		return
	}

	recordType := r.URL.Query().Get("schema_type")
	if recordType == "" {
		recordType = "sales"
	}
	rs := h.rules.Get(recordType)
	if rs == nil {
		h.writeError(w, http.StatusBadRequest, "unknown_schema", "no rule set for schema_type "+recordType)
		return
	}

	extractor, err := NewPayloadExtractor(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing_json", "request body must be a JSON object")
		return
	}
	recordID := extractor.StrField(rs.KeyField())
	if recordID == nil || *recordID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_record_id", "payload must carry field "+rs.KeyField())
		return
	}

	rec, err := h.intake.Insert(r.Context(), *recordID, recordType, body)
	if err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			h.writeError(w, http.StatusConflict, "duplicate_record", "record "+*recordID+" already ingested")
			return
		}
		h.logger.Error("Ingest failed", "record_id", *recordID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to store record")
		return
	}

	h.writeJSON(w, http.StatusCreated, IngestResponse{
		Status:     "ok",
		RecordID:   rec.RecordID,
		RecordType: rec.RecordType,
		ReceivedAt: rec.ReceivedAt,
	})
}

// HandleValidate validates a payload ad hoc without persisting anything.
// Returns 422 when the payload fails.
func (h *HTTPHandlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing_json", "request body must be a JSON object")
		return
	}

	recordType := r.URL.Query().Get("schema_type")
	if recordType == "" {
		recordType = "sales"
	}
	rs := h.rules.Get(recordType)
	if rs == nil {
		h.writeError(w, http.StatusBadRequest, "unknown_schema", "no rule set for schema_type "+recordType)
		return
	}

	resp := ValidateResponse{IsValid: true, Errors: []ValidationFailure{}, Warnings: []ValidationFailure{}}
	extractor, err := NewPayloadExtractor(body)
	if err != nil {
		resp.IsValid = false
		resp.Errors = append(resp.Errors, ValidationFailure{Kind: KindMalformedPayload, Message: "payload is not a JSON object"})
	} else {
		failures, warnings := rs.Evaluate(extractor)
		resp.Errors = append(resp.Errors, failures...)
		resp.Warnings = append(resp.Warnings, warnings...)
		resp.IsValid = len(failures) == 0
	}

	status := http.StatusOK
	if !resp.IsValid {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, resp)
}

func (h *HTTPHandlers) HandleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dlq.GetStats(r.Context(), h.dlqWindow)
	if err != nil {
		h.logger.Error("DLQ stats failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "stats_failed", "failed to compute dead letter stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandlers) HandleDLQEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := DeadLetterFilter{
		RecordType: q.Get("schema_type"),
		Kind:       q.Get("kind"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = ts
		} else {
			h.writeError(w, http.StatusBadRequest, "bad_since", "since must be RFC 3339")
			return
		}
	}

	entries, err := h.dlq.ListEntries(r.Context(), filter)
	if err != nil {
		h.logger.Error("DLQ listing failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "failed to list dead letter entries")
		return
	}
	if entries == nil {
		entries = []DeadLetterEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// HandleHealth returns the aggregate health report; 503 when any component
// is unhealthy, matching what the external monitor expects.
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, report)
}

// HandleStatus is the liveness/counters surface consumed by the external
// aggregator: last-batch timestamps per loop plus running counters.
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Service:    "analytics-pipeline",
		Ready:      h.health.Ready(r.Context()),
		Counters:   map[string]any{},
		Components: map[string]*time.Time{},
	}
	if h.validator != nil {
		resp.Counters["validator"] = h.validator.Counters()
	}
	if h.syncer != nil {
		resp.Counters["sync_engine"] = h.syncer.Counters()
	}
	for _, component := range []string{ComponentValidator, ComponentSyncEngine} {
		if seen, ok := h.health.LastSeen(component); ok {
			t := seen
			resp.Components[component] = &t
			switch component {
			case ComponentValidator:
				resp.Validator = loopStatus{LastBatchAt: &t}
			case ComponentSyncEngine:
				resp.SyncEngine = loopStatus{LastBatchAt: &t}
			}
		} else {
			resp.Components[component] = nil
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleRequeue resets rejected records back to PENDING. This is the one
// sanctioned path out of a terminal validation state.
func (h *HTTPHandlers) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}

	var req RequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.RecordIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "record_ids is required")
		return
	}

	resp := RequeueResponse{Requeued: []string{}, Failed: map[string]string{}}
	for _, id := range req.RecordIDs {
		if err := h.intake.Requeue(r.Context(), id); err != nil {
			resp.Failed[id] = err.Error()
			continue
		}
		resp.Requeued = append(resp.Requeued, id)
	}
	h.logger.Info("Records requeued",
		"operator", operator,
		"requeued", len(resp.Requeued),
		"failed", len(resp.Failed))
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	operator, ok := h.authorizeAdmin(w, r)
	if !ok {
		return
	}
	purged, err := h.dlq.Purge(r.Context())
	if err != nil {
		h.logger.Error("DLQ purge failed", "operator", operator, "error", err)
		h.writeError(w, http.StatusInternalServerError, "purge_failed", "failed to purge dead letter queue")
		return
	}
	h.logger.Info("Dead letter queue purged", "operator", operator, "entries", purged)
	h.writeJSON(w, http.StatusOK, PurgeResponse{Purged: purged})
}

func (h *HTTPHandlers) authorizeAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.admin == nil {
		return "anonymous", true
	}
	operator, err := h.admin.Operator(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return operator, true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
