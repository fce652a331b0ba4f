package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"provisioner/internal/app"
	"provisioner/internal/config"
	"provisioner/internal/observability"
	"provisioner/internal/store"
)

type loadFunc func() (*config.Config, error)

func newServeCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			metrics, metricsHandler, err := observability.NewMetrics(ctx)
			if err != nil {
				return err
			}

			a, err := app.New(ctx, cfg, app.Options{
				Logger:         logger,
				Metrics:        metrics,
				MetricsHandler: metricsHandler,
			})
			if err != nil {
				logger.Errorw("Service failed to start", "error", err)
				return err
			}
			if err := a.Run(ctx); err != nil {
				logger.Errorw("Service failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func newMigrateCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := migrate(cmd.Context(), cfg); err != nil {
				return err
			}
			logger.Infow("Migrations applied", "path", cfg.Store.Path)
			return nil
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	s, err := store.Open(ctx, store.Config{Path: cfg.Store.Path, MaxOpenConns: cfg.Store.MaxOpenConns})
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return errors.Wrapf(err, "migrate %s", cfg.Store.Path)
	}
	return nil
}
