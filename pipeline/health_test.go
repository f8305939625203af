// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHeartbeats(t *testing.T) {
	h := NewHealth(50 * time.Millisecond)
	ctx := context.Background()

	h.Beat(ComponentValidator)
	report := h.Report(ctx)
	assert.Equal(t, "healthy", report.Status)
	require.Contains(t, report.Components, ComponentValidator)
	assert.Equal(t, "healthy", report.Components[ComponentValidator].Status)

	// Let the heartbeat go stale.
	time.Sleep(80 * time.Millisecond)
	report = h.Report(ctx)
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "unhealthy", report.Components[ComponentValidator].Status)

	// A fresh beat recovers it.
	h.Beat(ComponentValidator)
	report = h.Report(ctx)
	assert.Equal(t, "healthy", report.Status)
}

func TestHealthProbes(t *testing.T) {
	h := NewHealth(time.Minute)
	ctx := context.Background()

	var dbErr error
	h.RegisterCheck("intake_store", func(ctx context.Context) error { return dbErr })

	report := h.Report(ctx)
	assert.Equal(t, "healthy", report.Status)
	assert.True(t, h.Ready(ctx))

	dbErr = fmt.Errorf("connection refused")
	report = h.Report(ctx)
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "connection refused", report.Components["intake_store"].Detail)
	assert.False(t, h.Ready(ctx))
}

func TestHealthOneUnhealthyComponentFlipsAggregate(t *testing.T) {
	h := NewHealth(time.Minute)
	h.Beat(ComponentValidator)
	h.RegisterCheck("authoritative_store", func(ctx context.Context) error {
		return fmt.Errorf("down")
	})

	report := h.Report(context.Background())
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "healthy", report.Components[ComponentValidator].Status)
	assert.Equal(t, "unhealthy", report.Components["authoritative_store"].Status)
}

func TestHealthLastSeen(t *testing.T) {
	h := NewHealth(time.Minute)
	_, ok := h.LastSeen(ComponentSyncEngine)
	assert.False(t, ok)

	h.Beat(ComponentSyncEngine)
	seen, ok := h.LastSeen(ComponentSyncEngine)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), seen, time.Second)
}
