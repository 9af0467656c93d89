/**
 * @description
 * Settlement Processor: executes decided dispositions. Refunds go to the
 * payment provider with bounded retries, redirects become new donations on
 * the target campaign, and platform donations settle immediately.
 *
 * @notes
 * - A decision is claimed with a decided|auto_refunded -> processing
 *   compare-and-set before any money moves, so the eager path, the batch
 *   path and the sweeper never settle the same decision twice.
 * - A claimed decision always ends completed or failed. Failed is terminal.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/retry"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	settlementTimeout     = 2 * time.Minute
	redirectPaymentMethod = "milestone_redirect"
)

// ProcessDecision settles a single decision that is ready for settlement and
// refreshes its refund request's status.
func (s *Service) ProcessDecision(ctx context.Context, decisionID uuid.UUID, actorID *uuid.UUID) (*domain.SettlementOutcome, error) {
	decision, err := s.repo.FindDecisionByID(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("load decision %s: %w", decisionID, translateStoreError(err))
	}
	if !decision.Status.ReadyForSettlement() {
		return nil, fmt.Errorf("decision %s is %s: %w", decisionID, decision.Status, domain.ErrInvalidStatus)
	}

	outcome, _ := s.settleDecision(ctx, decision, actorID)
	if !outcome.Skipped {
		s.refreshRequestStatus(ctx, decision.RefundRequestID)
	}
	return &outcome, nil
}

// ProcessRefundRequest settles every decided or auto-resolved decision of the
// refund request, in parallel up to the configured concurrency.
func (s *Service) ProcessRefundRequest(ctx context.Context, requestID uuid.UUID, actorID *uuid.UUID) (*domain.ProcessingResult, error) {
	if _, err := s.repo.FindRefundRequestByID(ctx, requestID); err != nil {
		return nil, fmt.Errorf("load refund request %s: %w", requestID, translateStoreError(err))
	}

	ready, err := s.repo.FindDecisionsByRefundRequest(ctx, requestID, []domain.DecisionStatus{domain.DecisionDecided, domain.DecisionAutoRefunded})
	if err != nil {
		return nil, fmt.Errorf("load ready decisions for %s: %w", requestID, err)
	}
	if len(ready) == 0 {
		return nil, fmt.Errorf("refund request %s: %w", requestID, domain.ErrNoDecisions)
	}

	outcomes := s.settleAll(ctx, ready, actorID)

	result := &domain.ProcessingResult{
		RefundRequestID: requestID,
		ByType:          make(map[domain.DecisionType]int),
		Outcomes:        outcomes,
	}
	for _, outcome := range outcomes {
		if outcome.Skipped {
			result.Skipped++
			continue
		}
		result.Processed++
		result.ByType[outcome.DecisionType]++
		if outcome.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	result.Status = s.refreshRequestStatus(ctx, requestID)

	log.Printf(
		"level=info component=service flow=process_refund_request msg=\"refund request processed\" refund_request_id=%s processed=%d successful=%d failed=%d skipped=%d status=%s",
		requestID,
		result.Processed,
		result.Successful,
		result.Failed,
		result.Skipped,
		result.Status,
	)

	fx := s.newEffects()
	fx.audit(actorID, domain.AuditRefundProcessed, domain.AuditEntityRefundRequest, requestID, map[string]any{
		"processed":  result.Processed,
		"successful": result.Successful,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
		"byType":     result.ByType,
		"status":     string(result.Status),
	})
	s.flush(ctx, fx, "process_refund_request")

	return result, nil
}

// settleAll settles decisions concurrently. Outcomes keep the input order.
func (s *Service) settleAll(ctx context.Context, decisions []domain.DonorRefundDecision, actorID *uuid.UUID) []domain.SettlementOutcome {
	outcomes := make([]domain.SettlementOutcome, len(decisions))
	var g errgroup.Group
	g.SetLimit(s.policy.SettlementConcurrency)
	for i := range decisions {
		i := i
		g.Go(func() error {
			outcomes[i], _ = s.settleDecision(ctx, &decisions[i], actorID)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// settleDecision claims the decision and executes its disposition. It
// returns the outcome and the decision as last persisted, or nil when the
// claim did not succeed.
func (s *Service) settleDecision(ctx context.Context, decision *domain.DonorRefundDecision, actorID *uuid.UUID) (domain.SettlementOutcome, *domain.DonorRefundDecision) {
	outcome := domain.SettlementOutcome{DecisionID: decision.ID, DecisionType: decision.DecisionType}

	// Settlement outlives the caller: once claimed, a decision must reach a
	// terminal status even if the triggering request goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settlementTimeout)
	defer cancel()

	claimed, err := s.repo.TransitionDecision(ctx, decision.ID, domain.NewDecisionTransition(domain.DecisionProcessing))
	if err != nil {
		if errors.Is(err, store.ErrInvalidDecisionTransition) {
			outcome.Skipped = true
			outcome.Error = "decision is not ready for settlement"
			return outcome, nil
		}
		outcome.Error = err.Error()
		log.Printf("level=error component=service flow=settlement msg=\"failed to claim decision\" decision_id=%s err=%v", decision.ID, err)
		return outcome, nil
	}
	outcome.DecisionType = claimed.DecisionType

	started := s.clock.Now()
	final, campaign, execErr := s.execute(ctx, claimed)
	s.metrics.SettlementDuration.WithLabelValues(string(claimed.DecisionType)).Observe(s.clock.Now().Sub(started).Seconds())

	fx := s.newEffects()
	if execErr != nil {
		final = s.markFailed(ctx, claimed, execErr)
		outcome.Error = execErr.Error()
		s.metrics.Settlements.WithLabelValues(string(claimed.DecisionType), "failed").Inc()

		title, message := settlementFailedMessage(claimed, s.policy.Currency)
		fx.notify(claimed.DonorID, domain.NotificationRefundFailed, title, message, map[string]any{
			"decisionId":      claimed.ID.String(),
			"refundRequestId": claimed.RefundRequestID.String(),
			"decisionType":    string(claimed.DecisionType),
		})
		fx.audit(actorID, domain.AuditDecisionSettled, domain.AuditEntityDecision, claimed.ID, map[string]any{
			"refundRequestId": claimed.RefundRequestID.String(),
			"decisionType":    string(claimed.DecisionType),
			"success":         false,
			"error":           execErr.Error(),
		})
		s.flush(ctx, fx, "settlement")
		return outcome, final
	}

	outcome.Success = true
	if final.RefundTransactionID != nil {
		outcome.TransactionID = *final.RefundTransactionID
	}
	outcome.NewDonationID = final.NewDonationID
	s.metrics.Settlements.WithLabelValues(string(claimed.DecisionType), "completed").Inc()

	kind, title, message := settlementMessage(final, campaign, s.policy.Currency)
	fx.notify(final.DonorID, kind, title, message, map[string]any{
		"decisionId":          final.ID.String(),
		"refundRequestId":     final.RefundRequestID.String(),
		"amount":              final.RefundAmount,
		"refundTransactionId": outcome.TransactionID,
		"newDonationId":       uuidString(final.NewDonationID),
		"redirectCampaignId":  uuidString(final.RedirectCampaignID),
	})
	fx.audit(actorID, domain.AuditDecisionSettled, domain.AuditEntityDecision, final.ID, map[string]any{
		"refundRequestId": final.RefundRequestID.String(),
		"decisionType":    string(final.DecisionType),
		"success":         true,
		"transactionId":   outcome.TransactionID,
		"newDonationId":   uuidString(final.NewDonationID),
	})
	s.flush(ctx, fx, "settlement")
	return outcome, final
}

// execute runs the disposition of a claimed decision. A panic is converted
// into an error so that the decision still ends failed.
func (s *Service) execute(ctx context.Context, decision *domain.DonorRefundDecision) (final *domain.DonorRefundDecision, campaign *domain.Campaign, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=service flow=settlement msg=\"panic during settlement\" decision_id=%s panic=%v", decision.ID, r)
			final, campaign, err = nil, nil, fmt.Errorf("settlement panic: %v", r)
		}
	}()

	switch decision.DecisionType {
	case domain.DecisionRefund:
		final, err = s.settleRefund(ctx, decision)
	case domain.DecisionRedirectCampaign:
		final, campaign, err = s.settleRedirect(ctx, decision)
	case domain.DecisionDonatePlatform:
		final, err = s.completeDecision(ctx, decision, nil)
	default:
		err = fmt.Errorf("unsupported decision type %q", decision.DecisionType)
	}
	return final, campaign, err
}

func (s *Service) settleRefund(ctx context.Context, decision *domain.DonorRefundDecision) (*domain.DonorRefundDecision, error) {
	donation, err := s.repo.FindDonationByID(ctx, decision.DonationID)
	if err != nil {
		return nil, fmt.Errorf("load original donation %s: %w", decision.DonationID, translateStoreError(err))
	}
	if donation.PaymentReference == nil || strings.TrimSpace(*donation.PaymentReference) == "" {
		return nil, fmt.Errorf("donation %s: %w", donation.ID, domain.ErrMissingPaymentRef)
	}

	call := ProviderRefund{
		PaymentReference: strings.TrimSpace(*donation.PaymentReference),
		PaymentMethod:    donation.PaymentMethod,
		Amount:           decision.RefundAmount,
		Currency:         s.policy.Currency,
		Reason:           "milestone_rejected",
		Note:             fmt.Sprintf("Refund for rejected milestone (decision %s)", decision.ID),
		IdempotencyKey:   decision.ID.String(),
	}

	var transactionID string
	attempts, err := retry.Do(ctx,
		retry.Policy{
			Attempts: s.policy.ProviderMaxAttempts,
			Delay:    s.policy.ProviderRetryBaseDelay,
			Clock:    s.clock,
		},
		func(ctx context.Context, attempt int) error {
			id, err := s.provider.Refund(ctx, call)
			if err != nil {
				s.metrics.ProviderAttempts.WithLabelValues("error").Inc()
				return err
			}
			s.metrics.ProviderAttempts.WithLabelValues("success").Inc()
			transactionID = id
			return nil
		},
		isTerminalProviderError,
		func(err error, attempt int) {
			log.Printf("level=warn component=service flow=settlement msg=\"provider refund attempt failed\" decision_id=%s attempt=%d err=%v", decision.ID, attempt, err)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderFailure, err)
	}

	return s.completeDecision(ctx, decision, func(t *domain.DecisionTransition) {
		t.RefundTransactionID = &transactionID
		t.MetadataPatch = map[string]any{"providerAttempts": attempts}
	})
}

func (s *Service) settleRedirect(ctx context.Context, decision *domain.DonorRefundDecision) (*domain.DonorRefundDecision, *domain.Campaign, error) {
	if decision.RedirectCampaignID == nil {
		return nil, nil, domain.ErrMissingCampaign
	}
	original, err := s.repo.FindDonationByID(ctx, decision.DonationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load original donation %s: %w", decision.DonationID, translateStoreError(err))
	}
	campaign, err := s.repo.FindCampaignByID(ctx, *decision.RedirectCampaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("load redirect campaign %s: %w", *decision.RedirectCampaignID, translateStoreError(err))
	}
	if campaign.Status != domain.CampaignStatusActive {
		return nil, nil, fmt.Errorf("campaign %s is %s at settlement: %w", campaign.ID, campaign.Status, domain.ErrInactiveCampaign)
	}
	if campaign.GoalAmount > 0 && campaign.CurrentAmount >= campaign.GoalAmount {
		return nil, nil, fmt.Errorf("campaign %s reached its goal before settlement: %w", campaign.ID, domain.ErrCampaignFunded)
	}

	now := s.now()
	donation := &domain.Donation{
		ID:            uuid.New(),
		DonorID:       decision.DonorID,
		CampaignID:    campaign.ID,
		Amount:        decision.RefundAmount,
		Status:        domain.DonationStatusCompleted,
		PaymentMethod: redirectPaymentMethod,
		Metadata: map[string]any{
			"source":             domain.DonationSourceRedirect,
			"originalDonationId": original.ID.String(),
			"originalCampaignId": original.CampaignID.String(),
			"refundDecisionId":   decision.ID.String(),
			"refundRequestId":    decision.RefundRequestID.String(),
		},
		CreatedAt: now,
	}

	final, err := s.repo.SettleRedirectDecision(ctx, decision.ID, donation, now)
	if err != nil {
		return nil, nil, fmt.Errorf("settle redirect to campaign %s: %w", campaign.ID, err)
	}
	return final, campaign, nil
}

func (s *Service) completeDecision(ctx context.Context, decision *domain.DonorRefundDecision, patch func(*domain.DecisionTransition)) (*domain.DonorRefundDecision, error) {
	now := s.now()
	transition := domain.NewDecisionTransition(domain.DecisionCompleted)
	transition.ProcessedAt = &now
	if patch != nil {
		patch(&transition)
	}
	completed, err := s.repo.TransitionDecision(ctx, decision.ID, transition)
	if err != nil {
		return nil, fmt.Errorf("complete decision %s: %w", decision.ID, err)
	}
	return completed, nil
}

func (s *Service) markFailed(ctx context.Context, decision *domain.DonorRefundDecision, cause error) *domain.DonorRefundDecision {
	now := s.now()
	message := cause.Error()
	transition := domain.NewDecisionTransition(domain.DecisionFailed)
	transition.ProcessedAt = &now
	transition.ProcessingError = &message
	if code := domain.ErrorCode(cause); code != "" {
		transition.MetadataPatch = map[string]any{"errorCode": code}
	}

	failed, err := s.repo.TransitionDecision(ctx, decision.ID, transition)
	if err != nil {
		log.Printf(
			"level=error component=service flow=settlement msg=\"failed to record settlement failure\" decision_id=%s cause=%q err=%v",
			decision.ID,
			message,
			err,
		)
		return nil
	}
	log.Printf(
		"level=warn component=service flow=settlement msg=\"decision settlement failed\" decision_id=%s decision_type=%s err=%q",
		decision.ID,
		decision.DecisionType,
		message,
	)
	return failed
}

// refreshRequestStatus re-derives the aggregate status from every child
// decision and persists it when it moved forward.
func (s *Service) refreshRequestStatus(ctx context.Context, requestID uuid.UUID) domain.RequestStatus {
	request, err := s.repo.FindRefundRequestByID(ctx, requestID)
	if err != nil {
		log.Printf("level=error component=service flow=refresh_status msg=\"failed to load refund request\" refund_request_id=%s err=%v", requestID, err)
		return ""
	}
	decisions, err := s.repo.FindDecisionsByRefundRequest(ctx, requestID, nil)
	if err != nil {
		log.Printf("level=error component=service flow=refresh_status msg=\"failed to load decisions\" refund_request_id=%s err=%v", requestID, err)
		return request.Status
	}

	statuses := make([]domain.DecisionStatus, len(decisions))
	for i, d := range decisions {
		statuses[i] = d.Status
	}
	derived := domain.DeriveRequestStatus(statuses)
	if derived == request.Status || !request.Status.CanTransitionTo(derived) {
		return request.Status
	}

	var completedAt *time.Time
	if derived == domain.RequestCompleted {
		now := s.now()
		completedAt = &now
	}
	updated, err := s.repo.UpdateRefundRequestStatus(ctx, requestID, derived, completedAt)
	if err != nil {
		log.Printf("level=error component=service flow=refresh_status msg=\"failed to update refund request status\" refund_request_id=%s status=%s err=%v", requestID, derived, err)
		return request.Status
	}
	if !updated {
		// Another settlement moved the aggregate first.
		if current, err := s.repo.FindRefundRequestByID(ctx, requestID); err == nil {
			return current.Status
		}
		return request.Status
	}
	return derived
}
