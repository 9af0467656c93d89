package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/google/uuid"
)

const (
	sweepLockName = "expiry-sweep"
	sweepLockTTL  = 15 * time.Minute
	maxSweepPages = 50
)

// AutoProcessExpired resolves pending decisions whose deadline has passed and
// settles them. Repeated runs only see decisions that are still pending.
func (s *Service) AutoProcessExpired(ctx context.Context) (*domain.SweepResult, error) {
	if s.sweepLock != nil {
		release, acquired, err := s.sweepLock.Acquire(ctx, sweepLockName, sweepLockTTL)
		switch {
		case err != nil:
			log.Printf("level=warn component=sweeper msg=\"sweep lock unavailable, continuing unlocked\" err=%v", err)
		case !acquired:
			log.Printf("level=info component=sweeper msg=\"sweep already running elsewhere\"")
			return &domain.SweepResult{Decisions: []domain.SettlementOutcome{}}, nil
		default:
			defer release()
		}
	}

	now := s.now()
	limit := s.policy.SweepBatchLimit
	if limit <= 0 {
		limit = domain.DefaultRefundPolicy().SweepBatchLimit
	}

	result := &domain.SweepResult{Decisions: []domain.SettlementOutcome{}}
	perRequest := make(map[uuid.UUID]int)
	requestOrder := make([]uuid.UUID, 0)
	attempted := make(map[uuid.UUID]bool)
	for page := 1; page <= maxSweepPages; page++ {
		expired, err := s.repo.FindExpiredPendingDecisions(ctx, now, limit)
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("find expired decisions: %w", err)
			}
			log.Printf("level=error component=sweeper msg=\"failed to load next page of expired decisions\" page=%d err=%v", page, err)
			break
		}

		resolved := make([]domain.DonorRefundDecision, 0, len(expired))
		fresh := 0
		for _, item := range expired {
			if attempted[item.Decision.ID] {
				continue
			}
			attempted[item.Decision.ID] = true
			fresh++
			decision, err := s.autoResolve(ctx, item.Decision, now)
			if err != nil {
				if errors.Is(err, store.ErrInvalidDecisionTransition) {
					continue
				}
				log.Printf("level=error component=sweeper msg=\"failed to auto-resolve decision\" decision_id=%s err=%v", item.Decision.ID, err)
				continue
			}
			resolved = append(resolved, *decision)
			result.TotalAmount += decision.RefundAmount
			if _, seen := perRequest[decision.RefundRequestID]; !seen {
				requestOrder = append(requestOrder, decision.RefundRequestID)
			}
			perRequest[decision.RefundRequestID]++
		}
		result.ProcessedCount += len(resolved)
		if len(resolved) > 0 {
			result.Decisions = append(result.Decisions, s.settleAll(ctx, resolved, nil)...)
		}

		if len(expired) < limit || fresh == 0 || ctx.Err() != nil {
			break
		}
		if page == maxSweepPages {
			log.Printf("level=warn component=sweeper msg=\"sweep page cap reached; remaining decisions wait for the next run\" pages=%d limit=%d", page, limit)
		}
	}
	if result.ProcessedCount == 0 {
		return result, nil
	}

	fx := s.newEffects()
	for _, requestID := range requestOrder {
		status := s.refreshRequestStatus(ctx, requestID)
		fx.audit(nil, domain.AuditDecisionsAutoSwept, domain.AuditEntityRefundRequest, requestID, map[string]any{
			"autoResolved": perRequest[requestID],
			"status":       string(status),
		})
	}
	s.flush(ctx, fx, "expiry_sweep")

	log.Printf(
		"level=info component=sweeper msg=\"expired decisions processed\" processed=%d total_amount=%d requests=%d",
		result.ProcessedCount,
		result.TotalAmount,
		len(requestOrder),
	)
	return result, nil
}

// autoResolve moves an expired pending decision to auto_refunded with the
// default disposition. Stakes below the refund minimum become platform
// donations, as a donor's own refund choice would.
func (s *Service) autoResolve(ctx context.Context, decision domain.DonorRefundDecision, now time.Time) (*domain.DonorRefundDecision, error) {
	decisionType := domain.DecisionRefund
	metadata := map[string]any{
		"autoResolved":   true,
		"autoResolvedAt": now.Format(time.RFC3339),
	}
	if decision.RefundAmount < s.policy.MinimumRefundAmount {
		decisionType = domain.DecisionDonatePlatform
		metadata["autoConverted"] = true
		metadata["originalDecisionType"] = string(domain.DecisionRefund)
		metadata["minimumRefundAmount"] = s.policy.MinimumRefundAmount
	}

	transition := domain.NewDecisionTransition(domain.DecisionAutoRefunded)
	transition.DecisionType = &decisionType
	transition.ClearRedirect = true
	transition.MetadataPatch = metadata

	resolved, err := s.repo.TransitionDecision(ctx, decision.ID, transition)
	if err != nil {
		return nil, err
	}
	s.metrics.DecisionsAutoResolved.WithLabelValues(string(decisionType)).Inc()
	return resolved, nil
}
