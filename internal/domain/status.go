package domain

import (
	"time"

	"github.com/google/uuid"
)

// DecisionType is the disposition a donor chose for their stake.
type DecisionType string

const (
	DecisionRefund           DecisionType = "refund"
	DecisionRedirectCampaign DecisionType = "redirect_campaign"
	DecisionDonatePlatform   DecisionType = "donate_platform"
)

// Valid reports whether t is one of the known dispositions.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionRefund, DecisionRedirectCampaign, DecisionDonatePlatform:
		return true
	}
	return false
}

// DecisionStatus is the lifecycle state of a DonorRefundDecision.
type DecisionStatus string

const (
	DecisionPending      DecisionStatus = "pending"
	DecisionDecided      DecisionStatus = "decided"
	DecisionProcessing   DecisionStatus = "processing"
	DecisionCompleted    DecisionStatus = "completed"
	DecisionFailed       DecisionStatus = "failed"
	DecisionAutoRefunded DecisionStatus = "auto_refunded"
)

var decisionTransitions = map[DecisionStatus][]DecisionStatus{
	DecisionPending:      {DecisionDecided, DecisionAutoRefunded},
	DecisionDecided:      {DecisionProcessing},
	DecisionAutoRefunded: {DecisionProcessing},
	DecisionProcessing:   {DecisionCompleted, DecisionFailed},
}

// CanTransitionTo reports whether s may advance to next.
func (s DecisionStatus) CanTransitionTo(next DecisionStatus) bool {
	for _, candidate := range decisionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsSettled reports whether settlement has reached a terminal outcome.
func (s DecisionStatus) IsSettled() bool {
	return s == DecisionCompleted || s == DecisionFailed
}

// ReadyForSettlement reports whether the decision can be claimed for settlement.
func (s DecisionStatus) ReadyForSettlement() bool {
	return s == DecisionDecided || s == DecisionAutoRefunded
}

// DecisionSourcesFor lists every status from which next is reachable in one step.
func DecisionSourcesFor(next DecisionStatus) []DecisionStatus {
	sources := make([]DecisionStatus, 0, 2)
	for _, from := range []DecisionStatus{DecisionPending, DecisionDecided, DecisionAutoRefunded, DecisionProcessing} {
		if from.CanTransitionTo(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// DecisionTransition describes one compare-and-set status change of a decision.
// Only non-nil fields are written alongside the new status.
type DecisionTransition struct {
	From []DecisionStatus
	To   DecisionStatus

	DecisionType        *DecisionType
	RedirectCampaignID  *uuid.UUID
	ClearRedirect       bool
	DecidedAt           *time.Time
	ProcessedAt         *time.Time
	RefundTransactionID *string
	NewDonationID       *uuid.UUID
	ProcessingError     *string
	MetadataPatch       map[string]any
}

// NewDecisionTransition derives From from the transition table.
func NewDecisionTransition(to DecisionStatus) DecisionTransition {
	return DecisionTransition{From: DecisionSourcesFor(to), To: to}
}

// RequestStatus is the lifecycle state of a RefundRequest aggregate.
type RequestStatus string

const (
	RequestPendingDonorDecision RequestStatus = "pending_donor_decision"
	RequestProcessing           RequestStatus = "processing"
	RequestCompleted            RequestStatus = "completed"
	RequestPartiallyCompleted   RequestStatus = "partially_completed"
	RequestCancelled            RequestStatus = "cancelled"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPendingDonorDecision: {RequestProcessing, RequestCompleted, RequestPartiallyCompleted, RequestCancelled},
	RequestProcessing:           {RequestCompleted, RequestPartiallyCompleted},
}

// CanTransitionTo reports whether s may advance to next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, candidate := range requestTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known aggregate status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPendingDonorDecision, RequestProcessing, RequestCompleted, RequestPartiallyCompleted, RequestCancelled:
		return true
	}
	return false
}

// RequestSourcesFor lists every status from which next is reachable in one step.
func RequestSourcesFor(next RequestStatus) []RequestStatus {
	sources := make([]RequestStatus, 0, 2)
	for _, from := range []RequestStatus{RequestPendingDonorDecision, RequestProcessing} {
		if from.CanTransitionTo(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// DeriveRequestStatus computes the aggregate status from the full set of
// child decision statuses.
//
// While any child is unsettled the aggregate stays pending_donor_decision if
// nobody has acted yet and processing otherwise. Once every child is settled
// it is completed without failures, partially_completed on a mix, and
// processing when nothing succeeded.
func DeriveRequestStatus(statuses []DecisionStatus) RequestStatus {
	if len(statuses) == 0 {
		return RequestPendingDonorDecision
	}

	var pending, unsettled, completed, failed int
	for _, status := range statuses {
		switch status {
		case DecisionCompleted:
			completed++
		case DecisionFailed:
			failed++
		case DecisionPending:
			pending++
			unsettled++
		default:
			unsettled++
		}
	}

	switch {
	case pending == len(statuses):
		return RequestPendingDonorDecision
	case unsettled > 0:
		return RequestProcessing
	case failed == 0:
		return RequestCompleted
	case completed == 0:
		return RequestProcessing
	default:
		return RequestPartiallyCompleted
	}
}
