// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PDRWeb/analytics-pipeline/internal/config"
	"github.com/PDRWeb/analytics-pipeline/pipelite"
	"github.com/PDRWeb/analytics-pipeline/pipeline"
)

// storeSet bundles the four store contracts plus their teardown.
type storeSet struct {
	Intake     pipeline.IntakeStore
	DLQ        pipeline.DeadLetterStore
	Target     pipeline.AuthoritativeStore
	Watermarks pipeline.WatermarkStore

	closers []func()
}

func (s *storeSet) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects the configured backend, runs schema migrations, and
// returns the assembled store set.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storeSet, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return openPostgresStores(ctx, cfg, logger)
	case "sqlite":
		return openSQLiteStores(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openPostgresStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storeSet, error) {
	set := &storeSet{}

	holding, err := pgxpool.New(ctx, cfg.Storage.HoldingDSN)
	if err != nil {
		return nil, fmt.Errorf("connect holding database: %w", err)
	}
	set.closers = append(set.closers, holding.Close)
	if err := pipeline.InitIntakeSchema(ctx, holding, logger); err != nil {
		set.Close()
		return nil, err
	}

	dlqPool := holding
	if cfg.Storage.DeadLetterDSN != "" && cfg.Storage.DeadLetterDSN != cfg.Storage.HoldingDSN {
		dlqPool, err = pgxpool.New(ctx, cfg.Storage.DeadLetterDSN)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("connect dead letter database: %w", err)
		}
		set.closers = append(set.closers, dlqPool.Close)
		if err := pipeline.InitIntakeSchema(ctx, dlqPool, logger); err != nil {
			set.Close()
			return nil, err
		}
	}

	target, err := pgxpool.New(ctx, cfg.Storage.AuthoritativeDSN)
	if err != nil {
		set.Close()
		return nil, fmt.Errorf("connect authoritative database: %w", err)
	}
	set.closers = append(set.closers, target.Close)
	if err := pipeline.InitAuthoritativeSchema(ctx, target, logger); err != nil {
		set.Close()
		return nil, err
	}

	intake := pipeline.NewPGIntakeStore(holding, logger)
	set.Intake = intake
	set.DLQ = pipeline.NewPGDeadLetterStore(dlqPool, intake, logger)
	set.Target = pipeline.NewPGAuthoritativeStore(target, logger)
	set.Watermarks = pipeline.NewPGWatermarkStore(holding)
	return set, nil
}

func openSQLiteStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storeSet, error) {
	set := &storeSet{}

	holding, err := pipelite.Open(cfg.Storage.HoldingPath)
	if err != nil {
		return nil, err
	}
	set.closers = append(set.closers, func() { _ = holding.Close() })
	if err := pipelite.InitSchema(ctx, holding); err != nil {
		set.Close()
		return nil, err
	}

	target := holding
	if cfg.Storage.AuthoritativePath != "" && cfg.Storage.AuthoritativePath != cfg.Storage.HoldingPath {
		target, err = pipelite.Open(cfg.Storage.AuthoritativePath)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.closers = append(set.closers, func() { _ = target.Close() })
	}
	if err := pipelite.InitTargetSchema(ctx, target); err != nil {
		set.Close()
		return nil, err
	}

	intake := pipelite.NewIntakeStore(holding, logger)
	set.Intake = intake
	set.DLQ = pipelite.NewDeadLetterStore(holding, intake, logger)
	set.Target = pipelite.NewAuthoritativeStore(target, logger)
	set.Watermarks = pipelite.NewWatermarkStore(holding)
	return set, nil
}
