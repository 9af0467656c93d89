package domain

import (
	"errors"

	jujuerrors "github.com/juju/errors"
)

// Error kinds surfaced by the refund workflow. Call sites wrap them with
// fmt.Errorf("...: %w") so callers can test with errors.Is.
const (
	ErrNotFound          = jujuerrors.ConstError("not found")
	ErrAlreadyInitiated  = jujuerrors.ConstError("refund already initiated for milestone")
	ErrInvalidStatus     = jujuerrors.ConstError("decision already submitted")
	ErrNoAllocations     = jujuerrors.ConstError("no unreleased allocations to refund")
	ErrNoDecisions       = jujuerrors.ConstError("no decisions ready for processing")
	ErrDeadlineExpired   = jujuerrors.ConstError("decision deadline has passed")
	ErrMissingCampaign   = jujuerrors.ConstError("redirect campaign is required")
	ErrInvalidCampaign   = jujuerrors.ConstError("redirect campaign does not exist")
	ErrInactiveCampaign  = jujuerrors.ConstError("redirect campaign is not active")
	ErrCampaignEnding    = jujuerrors.ConstError("redirect campaign ends too soon")
	ErrCampaignFunded    = jujuerrors.ConstError("redirect campaign has reached its goal")
	ErrSameCampaign      = jujuerrors.ConstError("redirect campaign must differ from the original campaign")
	ErrInvalidDecision   = jujuerrors.ConstError("invalid decision type")
	ErrMissingPaymentRef = jujuerrors.ConstError("donation has no payment provider reference")
	ErrProviderFailure   = jujuerrors.ConstError("payment provider refund failed")
	ErrRateLimited       = jujuerrors.ConstError("too many decision submissions")
	ErrDonationMismatch  = jujuerrors.ConstError("allocation request does not match the donation")
)

var errorCodes = []struct {
	kind error
	code string
}{
	{ErrNotFound, "NOT_FOUND"},
	{ErrAlreadyInitiated, "ALREADY_INITIATED"},
	{ErrInvalidStatus, "INVALID_STATUS"},
	{ErrNoAllocations, "NO_ALLOCATIONS"},
	{ErrNoDecisions, "NO_DECISIONS"},
	{ErrDeadlineExpired, "DEADLINE_EXPIRED"},
	{ErrMissingCampaign, "MISSING_CAMPAIGN"},
	{ErrInvalidCampaign, "INVALID_CAMPAIGN"},
	{ErrInactiveCampaign, "INACTIVE_CAMPAIGN"},
	{ErrCampaignEnding, "CAMPAIGN_ENDING_SOON"},
	{ErrCampaignFunded, "CAMPAIGN_FUNDED"},
	{ErrSameCampaign, "SAME_CAMPAIGN"},
	{ErrInvalidDecision, "INVALID_DECISION"},
	{ErrMissingPaymentRef, "MISSING_PAYMENT_REFERENCE"},
	{ErrProviderFailure, "PROVIDER_FAILURE"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrDonationMismatch, "DONATION_MISMATCH"},
}

// ErrorCode returns the machine-readable kind of err, or "" for unclassified errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.kind) {
			return entry.code
		}
	}
	return ""
}

// IsValidationError reports whether err is a user-correctable input error.
func IsValidationError(err error) bool {
	switch ErrorCode(err) {
	case "MISSING_CAMPAIGN", "INVALID_CAMPAIGN", "INACTIVE_CAMPAIGN", "CAMPAIGN_ENDING_SOON",
		"CAMPAIGN_FUNDED", "SAME_CAMPAIGN", "INVALID_DECISION", "DONATION_MISMATCH":
		return true
	}
	return false
}
