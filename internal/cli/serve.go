// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PDRWeb/analytics-pipeline/pipeline"
)

// NewServeCommand runs the full service: intake API, validator loop, and
// sync engine, with graceful shutdown on SIGINT/SIGTERM.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			logger := opts.Logger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stores, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			health := pipeline.NewHealth(cfg.Health.StalenessThreshold)
			health.RegisterCheck("intake_store", stores.Intake.Ping)
			health.RegisterCheck("dead_letter_store", stores.DLQ.Ping)
			health.RegisterCheck("authoritative_store", stores.Target.Ping)

			registry := pipeline.NewRuleRegistry(pipeline.SalesRuleSet())
			if cfg.Validator.RulesPath != "" {
				loader, err := pipeline.NewRuleLoader(cfg.Validator.RulesPath, registry, logger)
				if err != nil {
					return err
				}
				stopWatch, err := loader.Watch()
				if err != nil {
					logger.Warn("Rule watcher unavailable, hot-reload disabled", "error", err)
				} else {
					defer stopWatch()
				}
			}

			validator := pipeline.NewValidator(stores.Intake, stores.DLQ, registry,
				pipeline.ValidatorConfig{
					BatchSize:    cfg.Validator.BatchSize,
					PollInterval: cfg.Validator.PollInterval,
					Workers:      cfg.Validator.Workers,
				}, logger, health)

			syncer := pipeline.NewSyncEngine(stores.Intake, stores.Target, stores.Watermarks, registry,
				pipeline.SyncConfig{
					BatchSize:    cfg.Sync.BatchSize,
					PollInterval: cfg.Sync.PollInterval,
					MaxAttempts:  cfg.Sync.MaxAttempts,
				}, logger, health)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				validator.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				syncer.Run(ctx)
			}()

			var admin *pipeline.AdminJWT
			if cfg.API.JWTSecret != "" {
				admin = pipeline.NewAdminJWT(cfg.API.JWTSecret)
			}
			handlers := pipeline.NewHTTPHandlers(stores.Intake, stores.DLQ, registry,
				validator, syncer, health, pipeline.NewAPIKeyAuth(cfg.API.APIKey), admin, logger)

			srv := &http.Server{
				Addr:         cfg.API.Addr,
				Handler:      handlers.Routes(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Server starting", "addr", cfg.API.Addr, "storage", cfg.Storage.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("Shutting down")
			case err := <-errCh:
				logger.Error("Server failed", "error", err)
				stop()
				wg.Wait()
				return err
			}

			shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
			wg.Wait()
			logger.Info("Stopped")
			return nil
		},
	}
}
