package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

type donorStake struct {
	total int64
	count int
}

// InitiateRefund turns a rejected milestone into a refund request with one
// pending decision per unreleased allocation.
func (s *Service) InitiateRefund(ctx context.Context, milestoneID uuid.UUID, req domain.InitiateRefundRequest, adminID uuid.UUID) (*domain.InitiateRefundResult, error) {
	milestone, err := s.repo.FindMilestoneByID(ctx, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("load milestone %s: %w", milestoneID, translateStoreError(err))
	}
	if milestone.RefundInitiated {
		return nil, fmt.Errorf("milestone %s: %w", milestoneID, domain.ErrAlreadyInitiated)
	}

	allocations, err := s.GetAllocationsForMilestone(ctx, milestoneID, true)
	if err != nil {
		return nil, err
	}
	if len(allocations) == 0 {
		return nil, fmt.Errorf("milestone %s: %w", milestoneID, domain.ErrNoAllocations)
	}

	now := s.now()
	request := &domain.RefundRequest{
		ID:               uuid.New(),
		MilestoneID:      milestone.ID,
		CampaignID:       milestone.CampaignID,
		CharityID:        milestone.CharityID,
		MilestoneProofID: req.ProofID,
		Status:           domain.RequestPendingDonorDecision,
		DecisionDeadline: now.Add(s.policy.DecisionWindow),
		RejectionReason:  strings.TrimSpace(req.RejectionReason),
		CreatedBy:        adminID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	decisions := make([]domain.DonorRefundDecision, 0, len(allocations))
	stakes := make(map[uuid.UUID]*donorStake)
	donorOrder := make([]uuid.UUID, 0)
	for _, allocation := range allocations {
		request.TotalAmount += allocation.AllocatedAmount
		decisions = append(decisions, domain.DonorRefundDecision{
			ID:              uuid.New(),
			RefundRequestID: request.ID,
			DonorID:         allocation.DonorID,
			DonationID:      allocation.DonationID,
			MilestoneID:     milestone.ID,
			RefundAmount:    allocation.AllocatedAmount,
			Status:          domain.DecisionPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})

		stake, ok := stakes[allocation.DonorID]
		if !ok {
			stake = &donorStake{}
			stakes[allocation.DonorID] = stake
			donorOrder = append(donorOrder, allocation.DonorID)
		}
		stake.total += allocation.AllocatedAmount
		stake.count++
	}
	request.TotalDonorsCount = len(donorOrder)

	if err := s.repo.CreateRefundRequestWithDecisions(ctx, request, decisions); err != nil {
		return nil, fmt.Errorf("create refund request for milestone %s: %w", milestoneID, translateStoreError(err))
	}
	s.metrics.RequestsInitiated.Inc()

	log.Printf(
		"level=info component=service flow=initiate_refund msg=\"refund request created\" refund_request_id=%s milestone_id=%s total_amount=%d donors=%d decisions=%d",
		request.ID,
		milestoneID,
		request.TotalAmount,
		request.TotalDonorsCount,
		len(decisions),
	)

	fx := s.newEffects()
	for _, donorID := range donorOrder {
		stake := stakes[donorID]
		title, message := decisionRequiredMessage(stake.total, stake.count, request.DecisionDeadline, s.policy.Currency)
		fx.notify(donorID, domain.NotificationRefundDecisionRequired, title, message, map[string]any{
			"refundRequestId":  request.ID.String(),
			"milestoneId":      milestoneID.String(),
			"totalAmount":      stake.total,
			"decisionsCount":   stake.count,
			"decisionDeadline": request.DecisionDeadline,
		})
	}
	actor := adminID
	fx.audit(&actor, domain.AuditRefundInitiated, domain.AuditEntityRefundRequest, request.ID, map[string]any{
		"milestoneId":     milestoneID.String(),
		"refundRequestId": request.ID.String(),
		"totalAmount":     request.TotalAmount,
		"affectedDonors":  request.TotalDonorsCount,
		"rejectionReason": request.RejectionReason,
	})
	s.flush(ctx, fx, "initiate_refund")

	return &domain.InitiateRefundResult{
		RefundRequestID:  request.ID,
		TotalAmount:      request.TotalAmount,
		AffectedDonors:   request.TotalDonorsCount,
		DecisionsCount:   len(decisions),
		DecisionDeadline: request.DecisionDeadline,
	}, nil
}
