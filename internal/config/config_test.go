// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPostgresConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: postgres
  holding_dsn: postgres://localhost/holding
  authoritative_dsn: postgres://localhost/warehouse
api:
  addr: ":9090"
validator:
  batch_size: 50
  poll_interval: 10s
  workers: 8
sync:
  max_attempts: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, 50, cfg.Validator.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Validator.PollInterval)
	assert.Equal(t, 8, cfg.Validator.Workers)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)

	// Unset values fall back to defaults.
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Health.StalenessThreshold)

	// The dead letter DSN defaults to the holding database.
	assert.Equal(t, cfg.Storage.HoldingDSN, cfg.Storage.DeadLetterDSN)
}

func TestLoadSQLiteDefaultsTargetPath(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
  holding_path: /var/lib/pipeline/pipeline.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pipeline/pipeline.db", cfg.Storage.AuthoritativePath)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_API_KEY", "env-key")
	t.Setenv("PIPELINE_HOLDING_DSN", "postgres://env/holding")

	path := writeConfig(t, `
storage:
  driver: postgres
  holding_dsn: postgres://file/holding
  authoritative_dsn: postgres://file/warehouse
api:
  api_key: file-key
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.API.APIKey)
	assert.Equal(t, "postgres://env/holding", cfg.Storage.HoldingDSN)
	assert.Equal(t, "postgres://file/warehouse", cfg.Storage.AuthoritativeDSN)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown driver", "storage:\n  driver: mysql\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"sqlite without path", "storage:\n  driver: sqlite\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsUsableSQLite(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "pipeline.db", cfg.Storage.HoldingPath)
	assert.Equal(t, cfg.Storage.HoldingPath, cfg.Storage.AuthoritativePath)
	assert.Equal(t, ":8080", cfg.API.Addr)
	require.NoError(t, cfg.Validate())
}
