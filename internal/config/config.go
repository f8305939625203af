// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

// Package config loads the service configuration from YAML with environment
// overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" validate:"required"`
	API       APIConfig       `yaml:"api"`
	Validator ValidatorConfig `yaml:"validator"`
	Sync      SyncConfig      `yaml:"sync"`
	Health    HealthConfig    `yaml:"health"`
}

// StorageConfig selects the backend. "postgres" uses three DSNs (holding,
// dead letter, authoritative; they may point at the same database).
// "sqlite" uses two file paths and is meant for single-node dev setups.
type StorageConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=postgres sqlite"`

	HoldingDSN       string `yaml:"holding_dsn" validate:"required_if=Driver postgres"`
	DeadLetterDSN    string `yaml:"dead_letter_dsn"`
	AuthoritativeDSN string `yaml:"authoritative_dsn" validate:"required_if=Driver postgres"`

	HoldingPath       string `yaml:"holding_path" validate:"required_if=Driver sqlite"`
	AuthoritativePath string `yaml:"authoritative_path"`
}

type APIConfig struct {
	Addr      string `yaml:"addr"`
	APIKey    string `yaml:"api_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

type ValidatorConfig struct {
	BatchSize    int           `yaml:"batch_size" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	Workers      int           `yaml:"workers" validate:"gte=0,lte=64"`
	RulesPath    string        `yaml:"rules_path"`
}

type SyncConfig struct {
	BatchSize    int           `yaml:"batch_size" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0,lte=100"`
}

type HealthConfig struct {
	StalenessThreshold time.Duration `yaml:"staleness_threshold" validate:"gte=0"`
}

// Load reads the YAML file at path, applies environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a sqlite development configuration that works without a
// config file.
func Default() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			Driver:      "sqlite",
			HoldingPath: "pipeline.db",
		},
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv layers environment variables over the file values. Secrets are
// expected here rather than in the file.
func (c *Config) applyEnv() {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&c.Storage.Driver, "PIPELINE_STORAGE_DRIVER")
	overlay(&c.Storage.HoldingDSN, "PIPELINE_HOLDING_DSN")
	overlay(&c.Storage.DeadLetterDSN, "PIPELINE_DEAD_LETTER_DSN")
	overlay(&c.Storage.AuthoritativeDSN, "PIPELINE_AUTHORITATIVE_DSN")
	overlay(&c.Storage.HoldingPath, "PIPELINE_HOLDING_PATH")
	overlay(&c.Storage.AuthoritativePath, "PIPELINE_AUTHORITATIVE_PATH")
	overlay(&c.API.Addr, "PIPELINE_API_ADDR")
	overlay(&c.API.APIKey, "PIPELINE_API_KEY")
	overlay(&c.API.JWTSecret, "PIPELINE_JWT_SECRET")
	overlay(&c.Validator.RulesPath, "PIPELINE_RULES_PATH")
}

func (c *Config) applyDefaults() {
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Validator.BatchSize == 0 {
		c.Validator.BatchSize = 100
	}
	if c.Validator.PollInterval == 0 {
		c.Validator.PollInterval = 30 * time.Second
	}
	if c.Validator.Workers == 0 {
		c.Validator.Workers = 4
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 60 * time.Second
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Health.StalenessThreshold == 0 {
		c.Health.StalenessThreshold = 2 * time.Minute
	}
	if c.Storage.Driver == "postgres" && c.Storage.DeadLetterDSN == "" {
		// DLQ defaults to living next to the holding area.
		c.Storage.DeadLetterDSN = c.Storage.HoldingDSN
	}
	if c.Storage.Driver == "sqlite" && c.Storage.AuthoritativePath == "" {
		c.Storage.AuthoritativePath = c.Storage.HoldingPath
	}
}

// Validate runs struct-tag validation on the assembled config.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
