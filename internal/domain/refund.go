/**
 * @description
 * Core domain models for the refund-service: ledger allocations, the
 * milestone-rejection refund aggregate and the per-donor decisions it owns.
 *
 * @notes
 * - Amounts are int64 minor currency units (centavos). Percentages are
 *   decimals so that ledger shares survive round-trips through numeric columns.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Allocation is the portion of one donation attributed to one milestone.
type Allocation struct {
	ID                   uuid.UUID       `json:"id"`
	MilestoneID          uuid.UUID       `json:"milestone_id"`
	DonationID           uuid.UUID       `json:"donation_id"`
	CampaignID           uuid.UUID       `json:"campaign_id"`
	DonorID              uuid.UUID       `json:"donor_id"`
	AllocatedAmount      int64           `json:"allocated_amount"`
	AllocationPercentage decimal.Decimal `json:"allocation_percentage"`
	IsReleased           bool            `json:"is_released"`
	ReleasedAt           *time.Time      `json:"released_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Milestone is the subset of a campaign milestone the refund workflow reads.
type Milestone struct {
	ID                uuid.UUID  `json:"id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	CharityID         uuid.UUID  `json:"charity_id"`
	Title             string     `json:"title"`
	TargetAmount      int64      `json:"target_amount"`
	SortOrder         int        `json:"sort_order"`
	RefundInitiated   bool       `json:"refund_initiated"`
	RefundInitiatedAt *time.Time `json:"refund_initiated_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// MilestoneFunding pairs a milestone with what the ledger already holds for it.
type MilestoneFunding struct {
	Milestone       Milestone
	AllocatedAmount int64
}

// Unfunded returns the remaining headroom below the milestone target.
func (m MilestoneFunding) Unfunded() int64 {
	remaining := m.Milestone.TargetAmount - m.AllocatedAmount
	if remaining < 0 {
		return 0
	}
	return remaining
}

const (
	CampaignStatusActive = "active"
)

// Campaign is the redirect target view of a campaign.
type Campaign struct {
	ID            uuid.UUID  `json:"id"`
	CharityID     uuid.UUID  `json:"charity_id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	GoalAmount    int64      `json:"goal_amount"`
	CurrentAmount int64      `json:"current_amount"`
	EndDate       *time.Time `json:"end_date,omitempty"`
}

const (
	DonationStatusCompleted = "completed"

	DonationSourceRedirect = "milestone_rejection_redirect"
)

// Donation is the subset of a donation record the workflow reads or creates.
type Donation struct {
	ID               uuid.UUID      `json:"id"`
	DonorID          uuid.UUID      `json:"donor_id"`
	CampaignID       uuid.UUID      `json:"campaign_id"`
	Amount           int64          `json:"amount"`
	Status           string         `json:"status"`
	PaymentReference *string        `json:"payment_reference,omitempty"`
	PaymentMethod    string         `json:"payment_method"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RefundRequest is the aggregate for one milestone-rejection refund event.
type RefundRequest struct {
	ID               uuid.UUID     `json:"id"`
	MilestoneID      uuid.UUID     `json:"milestone_id"`
	CampaignID       uuid.UUID     `json:"campaign_id"`
	CharityID        uuid.UUID     `json:"charity_id"`
	MilestoneProofID *uuid.UUID    `json:"milestone_proof_id,omitempty"`
	TotalAmount      int64         `json:"total_amount"`
	TotalDonorsCount int           `json:"total_donors_count"`
	Status           RequestStatus `json:"status"`
	DecisionDeadline time.Time     `json:"decision_deadline"`
	RejectionReason  string        `json:"rejection_reason"`
	CreatedBy        uuid.UUID     `json:"created_by"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// DonorRefundDecision is one donor's disposition of one allocation.
type DonorRefundDecision struct {
	ID                  uuid.UUID      `json:"id"`
	RefundRequestID     uuid.UUID      `json:"refund_request_id"`
	DonorID             uuid.UUID      `json:"donor_id"`
	DonationID          uuid.UUID      `json:"donation_id"`
	MilestoneID         uuid.UUID      `json:"milestone_id"`
	RefundAmount        int64          `json:"refund_amount"`
	DecisionType        DecisionType   `json:"decision_type,omitempty"`
	RedirectCampaignID  *uuid.UUID     `json:"redirect_campaign_id,omitempty"`
	Status              DecisionStatus `json:"status"`
	DecidedAt           *time.Time     `json:"decided_at,omitempty"`
	ProcessedAt         *time.Time     `json:"processed_at,omitempty"`
	RefundTransactionID *string        `json:"refund_transaction_id,omitempty"`
	NewDonationID       *uuid.UUID     `json:"new_donation_id,omitempty"`
	ProcessingError     *string        `json:"processing_error,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// PendingDecisionView enriches a pending decision with what the donor needs to decide.
type PendingDecisionView struct {
	DonorRefundDecision
	DecisionDeadline time.Time `json:"decision_deadline"`
	CampaignID       uuid.UUID `json:"campaign_id"`
	CampaignTitle    string    `json:"campaign_title"`
	MilestoneTitle   string    `json:"milestone_title"`
	RejectionReason  string    `json:"rejection_reason"`
}

// ExpiredDecision is a pending decision whose parent deadline has lapsed.
type ExpiredDecision struct {
	Decision         DonorRefundDecision
	DecisionDeadline time.Time
}
