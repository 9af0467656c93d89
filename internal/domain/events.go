package domain

import "github.com/google/uuid"

// Routing keys consumed from the campaign events exchange.
const (
	RoutingKeyMilestoneProofRejected = "milestone.proof.rejected"
	RoutingKeyDonationCompleted      = "donation.completed"
)

// MilestoneProofRejectedEvent is published when an admin rejects a milestone proof.
type MilestoneProofRejectedEvent struct {
	MilestoneID     uuid.UUID  `json:"milestone_id"`
	ProofID         *uuid.UUID `json:"proof_id,omitempty"`
	RejectionReason string     `json:"rejection_reason"`
	ReviewedBy      uuid.UUID  `json:"reviewed_by"`
}

// DonationCompletedEvent is published once a donation's payment is captured.
type DonationCompletedEvent struct {
	DonationID uuid.UUID `json:"donation_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	DonorID    uuid.UUID `json:"donor_id"`
	Amount     int64     `json:"amount"`
}
