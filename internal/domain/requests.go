package domain

import (
	"time"

	"github.com/google/uuid"
)

// InitiateRefundRequest is the admin payload for rejecting a milestone into refunds.
type InitiateRefundRequest struct {
	ProofID         *uuid.UUID `json:"proof_id,omitempty"`
	RejectionReason string     `json:"rejection_reason"`
}

// InitiateRefundResult summarizes a newly created refund request.
type InitiateRefundResult struct {
	RefundRequestID  uuid.UUID `json:"refund_request_id"`
	TotalAmount      int64     `json:"total_amount"`
	AffectedDonors   int       `json:"affected_donors"`
	DecisionsCount   int       `json:"decisions_count"`
	DecisionDeadline time.Time `json:"decision_deadline"`
}

// SubmitDecisionRequest is the donor payload for recording a decision.
type SubmitDecisionRequest struct {
	DecisionType       DecisionType `json:"decision_type"`
	RedirectCampaignID *uuid.UUID   `json:"redirect_campaign_id,omitempty"`
}

// SubmitDecisionResult reports the recorded decision and any eager settlement outcome.
type SubmitDecisionResult struct {
	Decision   *DonorRefundDecision `json:"decision"`
	Settlement *SettlementOutcome   `json:"settlement,omitempty"`
}

// SettlementOutcome is the result of settling a single decision.
type SettlementOutcome struct {
	DecisionID    uuid.UUID    `json:"decision_id"`
	DecisionType  DecisionType `json:"decision_type"`
	Success       bool         `json:"success"`
	Skipped       bool         `json:"skipped,omitempty"`
	Error         string       `json:"error,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	NewDonationID *uuid.UUID   `json:"new_donation_id,omitempty"`
}

// ProcessingResult tallies a batch settlement run over one refund request.
type ProcessingResult struct {
	RefundRequestID uuid.UUID            `json:"refund_request_id"`
	Processed       int                  `json:"processed"`
	Successful      int                  `json:"successful"`
	Failed          int                  `json:"failed"`
	Skipped         int                  `json:"skipped"`
	ByType          map[DecisionType]int `json:"by_type"`
	Status          RequestStatus        `json:"status"`
	Outcomes        []SettlementOutcome  `json:"outcomes"`
}

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	ProcessedCount int                 `json:"processed_count"`
	TotalAmount    int64               `json:"total_amount"`
	Decisions      []SettlementOutcome `json:"decisions"`
}

// AllocateDonationRequest is the internal payload for ledger allocation.
type AllocateDonationRequest struct {
	DonationID uuid.UUID `json:"donation_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	DonorID    uuid.UUID `json:"donor_id"`
	Amount     int64     `json:"amount"`
}

// RefundRequestFilter narrows the admin listing.
type RefundRequestFilter struct {
	Status     *RequestStatus
	CharityID  *uuid.UUID
	CampaignID *uuid.UUID
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// RefundRequestPage is one page of the admin listing.
type RefundRequestPage struct {
	Items  []RefundRequest `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// RefundRequestDetail is a refund request with its decisions.
type RefundRequestDetail struct {
	RefundRequest
	Decisions []DonorRefundDecision `json:"decisions"`
}

// RefundStatistics backs the operational dashboard.
type RefundStatistics struct {
	CountsByStatus          map[RequestStatus]int `json:"counts_by_status"`
	TotalPendingAmount      int64                 `json:"total_pending_amount"`
	AverageResponseTimeDays float64               `json:"average_response_time_days"`
	DecisionTypeCounts      map[DecisionType]int  `json:"decision_type_counts"`
}
