/**
 * @description
 * This is the main entry point for the refund-scheduler.
 * It is a non-HTTP, long-running process that runs the expiry sweep and the
 * settlement reconciliation on cron schedules against the refund-service.
 */
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearcause/refund-service/internal/config"
	"github.com/clearcause/refund-service/internal/scheduler"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/clearcause/refund-service/pkg/refundclient"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/juju/clock"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	_ = godotenv.Load()

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)
	client := refundclient.NewClient(cfg.RefundServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(repository, client, logger, *cfg, clock.WallClock)
	cronScheduler := scheduler.NewScheduler(jobs, logger, *cfg)

	if scheduled := cronScheduler.Start(); scheduled == 0 {
		logger.Error("no jobs could be scheduled")
		os.Exit(1)
	}
	logger.Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := cronScheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
