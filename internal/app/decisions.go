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
	decisionSubmitScope  = "refund_decision_submit"
	decisionSubmitWindow = time.Minute

	defaultPageLimit = 20
	maxPageLimit     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListPendingDecisions returns the donor's undecided stakes, newest first.
func (s *Service) ListPendingDecisions(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.PendingDecisionView, int, error) {
	limit, offset = normalizePage(limit, offset)
	items, total, err := s.repo.ListPendingDecisionsByDonor(ctx, donorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending decisions: %w", err)
	}
	return items, total, nil
}

// GetDecision returns one of the donor's decisions. Decisions owned by other
// donors are reported as not found.
func (s *Service) GetDecision(ctx context.Context, decisionID, donorID uuid.UUID) (*domain.DonorRefundDecision, error) {
	decision, err := s.repo.FindDecisionByID(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("load decision %s: %w", decisionID, translateStoreError(err))
	}
	if decision.DonorID != donorID {
		return nil, fmt.Errorf("decision %s: %w", decisionID, domain.ErrNotFound)
	}
	return decision, nil
}

// SubmitDecision records the donor's disposition and, unless immediate
// settlement is disabled, settles it before returning. A settlement failure
// does not fail the submission; it is reported through the returned outcome
// and the decision's processing error.
func (s *Service) SubmitDecision(ctx context.Context, decisionID, donorID uuid.UUID, req domain.SubmitDecisionRequest) (*domain.SubmitDecisionResult, error) {
	if err := s.checkSubmitRate(ctx, donorID); err != nil {
		return nil, err
	}

	decision, err := s.GetDecision(ctx, decisionID, donorID)
	if err != nil {
		return nil, err
	}
	if decision.Status != domain.DecisionPending {
		return nil, fmt.Errorf("decision %s is %s: %w", decisionID, decision.Status, domain.ErrInvalidStatus)
	}

	request, err := s.repo.FindRefundRequestByID(ctx, decision.RefundRequestID)
	if err != nil {
		return nil, fmt.Errorf("load refund request %s: %w", decision.RefundRequestID, translateStoreError(err))
	}
	now := s.now()
	if now.After(request.DecisionDeadline) {
		return nil, fmt.Errorf("decision %s: %w", decisionID, domain.ErrDeadlineExpired)
	}

	if !req.DecisionType.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDecision, req.DecisionType)
	}

	decisionType := req.DecisionType
	var metadata map[string]any
	if decisionType == domain.DecisionRefund && decision.RefundAmount < s.policy.MinimumRefundAmount {
		decisionType = domain.DecisionDonatePlatform
		metadata = map[string]any{
			"autoConverted":        true,
			"originalDecisionType": string(req.DecisionType),
			"minimumRefundAmount":  s.policy.MinimumRefundAmount,
			"autoConversionReason": "refund amount below minimum",
		}
	}

	transition := domain.NewDecisionTransition(domain.DecisionDecided)
	transition.DecisionType = &decisionType
	transition.DecidedAt = &now
	transition.MetadataPatch = metadata
	if decisionType == domain.DecisionRedirectCampaign {
		campaignID, err := s.validateRedirectTarget(ctx, req.RedirectCampaignID, request.CampaignID, now)
		if err != nil {
			return nil, err
		}
		transition.RedirectCampaignID = &campaignID
	} else {
		transition.ClearRedirect = true
	}

	decided, err := s.repo.TransitionDecision(ctx, decisionID, transition)
	if err != nil {
		return nil, fmt.Errorf("record decision %s: %w", decisionID, translateStoreError(err))
	}
	s.metrics.DecisionsSubmitted.WithLabelValues(string(decisionType)).Inc()

	fx := s.newEffects()
	title, message := decisionConfirmedMessage(decided, s.policy.Currency)
	fx.notify(donorID, domain.NotificationDecisionConfirmed, title, message, map[string]any{
		"decisionId":      decided.ID.String(),
		"refundRequestId": decided.RefundRequestID.String(),
		"decisionType":    string(decided.DecisionType),
		"amount":          decided.RefundAmount,
	})
	actor := donorID
	fx.audit(&actor, domain.AuditDecisionSubmitted, domain.AuditEntityDecision, decided.ID, map[string]any{
		"refundRequestId":    decided.RefundRequestID.String(),
		"requestedType":      string(req.DecisionType),
		"decisionType":       string(decided.DecisionType),
		"redirectCampaignId": uuidString(decided.RedirectCampaignID),
		"autoConverted":      metadata != nil,
	})
	s.flush(ctx, fx, "submit_decision")

	result := &domain.SubmitDecisionResult{Decision: decided}
	if !s.policy.ImmediateSettlement {
		return result, nil
	}

	outcome, settled := s.settleDecision(ctx, decided, &actor)
	result.Settlement = &outcome
	if settled != nil {
		result.Decision = settled
	}
	if !outcome.Skipped {
		s.refreshRequestStatus(ctx, decided.RefundRequestID)
	}
	return result, nil
}

func (s *Service) checkSubmitRate(ctx context.Context, donorID uuid.UUID) error {
	if s.limiter == nil || s.submitLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, decisionSubmitScope, donorID.String(), s.submitLimit, decisionSubmitWindow)
	if err != nil {
		log.Printf("level=warn component=service flow=submit_decision msg=\"rate limiter unavailable\" donor_id=%s err=%v", donorID, err)
		return nil
	}
	if count > s.submitLimit {
		return fmt.Errorf("retry after %ds: %w", retryAfter, domain.ErrRateLimited)
	}
	return nil
}

// validateRedirectTarget applies the redirect eligibility rules in order.
func (s *Service) validateRedirectTarget(ctx context.Context, targetID *uuid.UUID, originalCampaignID uuid.UUID, now time.Time) (uuid.UUID, error) {
	if targetID == nil || *targetID == uuid.Nil {
		return uuid.Nil, domain.ErrMissingCampaign
	}

	campaign, err := s.repo.FindCampaignByID(ctx, *targetID)
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			return uuid.Nil, fmt.Errorf("campaign %s: %w", *targetID, domain.ErrInvalidCampaign)
		}
		return uuid.Nil, fmt.Errorf("load redirect campaign %s: %w", *targetID, err)
	}
	if campaign.Status != domain.CampaignStatusActive {
		return uuid.Nil, fmt.Errorf("campaign %s is %s: %w", campaign.ID, campaign.Status, domain.ErrInactiveCampaign)
	}
	if campaign.EndDate != nil && campaign.EndDate.Sub(now) < s.policy.RedirectMinRemaining() {
		return uuid.Nil, fmt.Errorf("campaign %s ends %s: %w", campaign.ID, campaign.EndDate.Format(time.RFC3339), domain.ErrCampaignEnding)
	}
	if campaign.GoalAmount > 0 && campaign.CurrentAmount >= campaign.GoalAmount {
		return uuid.Nil, fmt.Errorf("campaign %s: %w", campaign.ID, domain.ErrCampaignFunded)
	}
	if campaign.ID == originalCampaignID {
		return uuid.Nil, fmt.Errorf("campaign %s: %w", campaign.ID, domain.ErrSameCampaign)
	}
	return campaign.ID, nil
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
