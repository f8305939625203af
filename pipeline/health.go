// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"sync"
	"time"
)

// Health aggregates liveness across pipeline components. Loops report a
// heartbeat after every batch (empty or not); a component silent longer than
// the staleness threshold is reported unhealthy. Store connectivity checks
// are registered as named probes and double as the readiness signal.
type Health struct {
	staleness time.Duration

	mu     sync.RWMutex
	beats  map[string]time.Time
	checks map[string]func(ctx context.Context) error
}

// ComponentHealth is one component's slice of the aggregate report.
type ComponentHealth struct {
	Status   string     `json:"status"` // "healthy" | "unhealthy"
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// HealthReport is what GET /health returns.
type HealthReport struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// NewHealth creates an aggregator. Components become unhealthy after
// staleness without a heartbeat.
func NewHealth(staleness time.Duration) *Health {
	if staleness <= 0 {
		staleness = 2 * time.Minute
	}
	return &Health{
		staleness: staleness,
		beats:     make(map[string]time.Time),
		checks:    make(map[string]func(ctx context.Context) error),
	}
}

// Beat records that a component completed a loop iteration.
func (h *Health) Beat(component string) {
	h.mu.Lock()
	h.beats[component] = time.Now()
	h.mu.Unlock()
}

// LastSeen returns the component's last heartbeat, if any.
func (h *Health) LastSeen(component string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.beats[component]
	return t, ok
}

// RegisterCheck adds a named connectivity probe (store ping).
func (h *Health) RegisterCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// Report evaluates heartbeats and probes and returns the aggregate view.
// Overall status is healthy only when every component is.
func (h *Health) Report(ctx context.Context) *HealthReport {
	now := time.Now()
	report := &HealthReport{
		Status:     "healthy",
		Timestamp:  now,
		Components: make(map[string]ComponentHealth),
	}

	h.mu.RLock()
	beats := make(map[string]time.Time, len(h.beats))
	for k, v := range h.beats {
		beats[k] = v
	}
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	for component, seen := range beats {
		ch := ComponentHealth{Status: "healthy", LastSeen: &seen}
		if now.Sub(seen) > h.staleness {
			ch.Status = "unhealthy"
			ch.Detail = "no heartbeat within staleness threshold"
			report.Status = "unhealthy"
		}
		h.observe(component, ch.Status)
		report.Components[component] = ch
	}

	for name, check := range checks {
		ch := ComponentHealth{Status: "healthy"}
		if err := check(ctx); err != nil {
			ch.Status = "unhealthy"
			ch.Detail = err.Error()
			report.Status = "unhealthy"
		}
		h.observe(name, ch.Status)
		report.Components[name] = ch
	}

	return report
}

// Ready reports whether every registered probe currently passes. This is the
// readiness signal: the loops are connected to their stores.
func (h *Health) Ready(ctx context.Context) bool {
	h.mu.RLock()
	checks := make([]func(ctx context.Context) error, 0, len(h.checks))
	for _, v := range h.checks {
		checks = append(checks, v)
	}
	h.mu.RUnlock()

	for _, check := range checks {
		if err := check(ctx); err != nil {
			return false
		}
	}
	return true
}

func (h *Health) observe(component, status string) {
	metricHealthChecks.WithLabelValues(component, statusLabel(status)).Inc()
	if status == "healthy" {
		metricServiceStatus.WithLabelValues(component).Set(1)
	} else {
		metricServiceStatus.WithLabelValues(component).Set(0)
	}
}

func statusLabel(status string) string {
	if status == "healthy" {
		return "up"
	}
	return "down"
}
