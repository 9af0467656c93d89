/**
 * @description
 * Scheduled job implementations for the refund scheduler.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/clearcause/refund-service/internal/config"
	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

const jobTimeout = 10 * time.Minute

// Repository defines the read-only database checks the jobs need.
type Repository interface {
	HasExpiredPendingDecisions(ctx context.Context, now time.Time) (bool, error)
	FindStaleRefundRequestIDs(ctx context.Context, decidedBefore time.Time, limit int) ([]uuid.UUID, error)
}

// RefundClient defines the interface for triggering work on the refund service.
type RefundClient interface {
	Sweep(ctx context.Context) (*domain.SweepResult, error)
	ProcessRefundRequest(ctx context.Context, requestID uuid.UUID) (*domain.ProcessingResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo   Repository
	client RefundClient
	logger *slog.Logger
	config config.SchedulerConfig
	clock  clock.Clock
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo Repository, client RefundClient, logger *slog.Logger, cfg config.SchedulerConfig, clk clock.Clock) *Jobs {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Jobs{
		repo:   repo,
		client: client,
		logger: logger,
		config: cfg,
		clock:  clk,
	}
}

// ExpireRefundDecisions triggers the expiry sweep when any pending decision is past its deadline.
func (j *Jobs) ExpireRefundDecisions() {
	j.logger.Info("starting refund decision expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	hasExpired, err := j.repo.HasExpiredPendingDecisions(ctx, j.clock.Now().UTC())
	if err != nil {
		j.logger.Warn("expired decision pre-check failed; running sweep anyway", "error", err)
	} else if !hasExpired {
		j.logger.Info("no expired refund decisions to process")
		return
	}

	result, err := j.client.Sweep(ctx)
	if err != nil {
		j.logger.Error("failed to sweep expired refund decisions", "error", err)
		return
	}

	j.logger.Info("refund decision expiry job finished", "processed", result.ProcessedCount, "total_amount", result.TotalAmount)
}

// ReconcileSettlements re-runs batch settlement for requests whose decisions were
// decided but never claimed by the eager path.
func (j *Jobs) ReconcileSettlements() {
	j.logger.Info("starting settlement reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := j.clock.Now().UTC().Add(-time.Duration(j.config.ReconcileStaleMinutes) * time.Minute)
	requestIDs, err := j.repo.FindStaleRefundRequestIDs(ctx, cutoff, j.config.ReconcileBatchLimit)
	if err != nil {
		j.logger.Error("failed to find stale refund requests", "error", err)
		return
	}
	if len(requestIDs) == 0 {
		j.logger.Info("no stale refund requests to reconcile")
		return
	}

	j.logger.Info("found refund requests to reconcile", "count", len(requestIDs))

	failed := 0
	for _, requestID := range requestIDs {
		result, err := j.client.ProcessRefundRequest(ctx, requestID)
		if err != nil {
			failed++
			j.logger.Error("failed to process refund request", "refund_request_id", requestID, "error", err)
			continue
		}
		j.logger.Info("reconciled refund request",
			"refund_request_id", requestID,
			"processed", result.Processed,
			"successful", result.Successful,
			"failed", result.Failed,
			"status", result.Status,
		)
	}

	j.logger.Info("settlement reconciliation job finished", "requests", len(requestIDs), "errors", failed)
}
