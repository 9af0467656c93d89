package app

import (
	"errors"
	"fmt"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

// translateStoreError lifts store sentinels into the workflow's error kinds
// while keeping the original error in the chain.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrMilestoneNotFound),
		errors.Is(err, store.ErrCampaignNotFound),
		errors.Is(err, store.ErrDonationNotFound),
		errors.Is(err, store.ErrRefundRequestNotFound),
		errors.Is(err, store.ErrDecisionNotFound):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, store.ErrRefundAlreadyInitiated):
		return fmt.Errorf("%w: %w", domain.ErrAlreadyInitiated, err)
	case errors.Is(err, store.ErrDonationCampaignMismatch):
		return fmt.Errorf("%w: %w", domain.ErrDonationMismatch, err)
	case errors.Is(err, store.ErrInvalidDecisionTransition):
		return fmt.Errorf("%w: %w", domain.ErrInvalidStatus, err)
	default:
		return err
	}
}
