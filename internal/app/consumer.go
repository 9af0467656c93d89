package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

const consumerTimeout = 30 * time.Second

// CampaignEventConsumer reacts to campaign lifecycle events that feed the
// refund workflow.
type CampaignEventConsumer struct {
	service *Service
}

func NewCampaignEventConsumer(service *Service) *CampaignEventConsumer {
	return &CampaignEventConsumer{service: service}
}

// HandleMilestoneRejected opens a refund request for the rejected milestone.
// Returning false requeues the delivery.
func (c *CampaignEventConsumer) HandleMilestoneRejected(ctx context.Context, body []byte) bool {
	var event domain.MilestoneProofRejectedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=consumer event=%s msg=\"failed to unmarshal payload\" err=%v", domain.RoutingKeyMilestoneProofRejected, err)
		return true
	}
	if event.MilestoneID == uuid.Nil {
		log.Printf("level=warn component=consumer event=%s msg=\"missing milestone id\"", domain.RoutingKeyMilestoneProofRejected)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, consumerTimeout)
	defer cancel()

	result, err := c.service.InitiateRefund(ctx, event.MilestoneID, domain.InitiateRefundRequest{
		ProofID:         event.ProofID,
		RejectionReason: event.RejectionReason,
	}, event.ReviewedBy)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound),
			errors.Is(err, domain.ErrAlreadyInitiated),
			errors.Is(err, domain.ErrNoAllocations):
			log.Printf("level=info component=consumer event=%s msg=\"refund not initiated\" milestone_id=%s reason=%s", domain.RoutingKeyMilestoneProofRejected, event.MilestoneID, domain.ErrorCode(err))
			return true
		default:
			log.Printf("level=error component=consumer event=%s msg=\"failed to initiate refund\" milestone_id=%s err=%v", domain.RoutingKeyMilestoneProofRejected, event.MilestoneID, err)
			return false
		}
	}

	log.Printf("level=info component=consumer event=%s msg=\"refund initiated\" milestone_id=%s refund_request_id=%s", domain.RoutingKeyMilestoneProofRejected, event.MilestoneID, result.RefundRequestID)
	return true
}

// HandleDonationCompleted records the ledger allocation of a completed donation.
func (c *CampaignEventConsumer) HandleDonationCompleted(ctx context.Context, body []byte) bool {
	var event domain.DonationCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=consumer event=%s msg=\"failed to unmarshal payload\" err=%v", domain.RoutingKeyDonationCompleted, err)
		return true
	}
	if event.DonationID == uuid.Nil || event.CampaignID == uuid.Nil || event.DonorID == uuid.Nil || event.Amount <= 0 {
		log.Printf("level=warn component=consumer event=%s msg=\"incomplete donation event\" donation_id=%s", domain.RoutingKeyDonationCompleted, event.DonationID)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, consumerTimeout)
	defer cancel()

	allocations, created, err := c.service.Allocate(ctx, domain.AllocateDonationRequest{
		DonationID: event.DonationID,
		CampaignID: event.CampaignID,
		DonorID:    event.DonorID,
		Amount:     event.Amount,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("level=warn component=consumer event=%s msg=\"donation not found; acknowledging\" donation_id=%s", domain.RoutingKeyDonationCompleted, event.DonationID)
			return true
		}
		if errors.Is(err, domain.ErrDonationMismatch) {
			log.Printf("level=warn component=consumer event=%s msg=\"donation event does not match recorded donation; acknowledging\" donation_id=%s err=%v", domain.RoutingKeyDonationCompleted, event.DonationID, err)
			return true
		}
		log.Printf("level=error component=consumer event=%s msg=\"failed to allocate donation\" donation_id=%s err=%v", domain.RoutingKeyDonationCompleted, event.DonationID, err)
		return false
	}

	log.Printf("level=info component=consumer event=%s msg=\"donation allocated\" donation_id=%s allocations=%d created=%t", domain.RoutingKeyDonationCompleted, event.DonationID, len(allocations), created)
	return true
}
