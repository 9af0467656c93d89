package domain

import "time"

// RefundPolicy holds the business constants of the refund workflow.
type RefundPolicy struct {
	// MinimumRefundAmount is in minor units; refunds below it become platform donations.
	MinimumRefundAmount      int64
	DecisionWindow           time.Duration
	RedirectMinDaysRemaining int
	ProviderMaxAttempts      int
	ProviderRetryBaseDelay   time.Duration
	SettlementConcurrency    int
	ImmediateSettlement      bool
	SweepBatchLimit          int
	Currency                 string
}

// DefaultRefundPolicy returns the production defaults.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		MinimumRefundAmount:      5000,
		DecisionWindow:           14 * 24 * time.Hour,
		RedirectMinDaysRemaining: 7,
		ProviderMaxAttempts:      3,
		ProviderRetryBaseDelay:   2 * time.Second,
		SettlementConcurrency:    4,
		ImmediateSettlement:      true,
		SweepBatchLimit:          500,
		Currency:                 "PHP",
	}
}

// RedirectMinRemaining is the minimum time a redirect target must have left.
func (p RefundPolicy) RedirectMinRemaining() time.Duration {
	return time.Duration(p.RedirectMinDaysRemaining) * 24 * time.Hour
}
