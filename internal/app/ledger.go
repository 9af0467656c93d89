/**
 * @description
 * Allocation Ledger: splits a completed donation across its campaign's
 * milestones and serves the per-milestone allocation reads that refund
 * creation depends on.
 *
 * @notes
 * - Shares are proportional to each milestone's unfunded target
 *   (target minus what the ledger already holds for it).
 * - Integer minor units are distributed with the largest-remainder method,
 *   so the shares always sum exactly to the allocatable amount.
 * - Milestones whose refund has started take no new funds.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Allocate records the donation's ledger rows. Repeating the call for the
// same donation returns the existing rows with created=false.
func (s *Service) Allocate(ctx context.Context, req domain.AllocateDonationRequest) ([]domain.Allocation, bool, error) {
	if req.DonationID == uuid.Nil || req.CampaignID == uuid.Nil || req.DonorID == uuid.Nil {
		return nil, false, fmt.Errorf("donation, campaign and donor ids are required")
	}
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("allocation amount must be positive, got %d", req.Amount)
	}

	now := s.now()
	allocatable := req.Amount
	allocations, created, err := s.repo.AllocateDonation(ctx, req.DonationID, req.CampaignID, func(donation domain.Donation, funding []domain.MilestoneFunding) ([]domain.Allocation, error) {
		if donation.DonorID != req.DonorID {
			return nil, fmt.Errorf("%w: donation %s belongs to donor %s, not %s", domain.ErrDonationMismatch, donation.ID, donation.DonorID, req.DonorID)
		}
		if req.Amount > donation.Amount {
			log.Printf(
				"level=warn component=ledger msg=\"allocation amount capped at recorded donation amount\" donation_id=%s requested=%d recorded=%d",
				donation.ID,
				req.Amount,
				donation.Amount,
			)
			allocatable = donation.Amount
		}
		capped := req
		capped.Amount = allocatable
		return planAllocations(capped, funding, now), nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("allocate donation %s: %w", req.DonationID, translateStoreError(err))
	}

	if created {
		var allocated int64
		for _, a := range allocations {
			allocated += a.AllocatedAmount
		}
		if allocated < allocatable {
			log.Printf(
				"level=info component=ledger msg=\"donation exceeds unfunded milestone targets\" donation_id=%s amount=%d allocated=%d",
				req.DonationID,
				allocatable,
				allocated,
			)
		}
	}
	return allocations, created, nil
}

// GetAllocationsForMilestone returns the milestone's allocations, oldest first.
func (s *Service) GetAllocationsForMilestone(ctx context.Context, milestoneID uuid.UUID, onlyUnreleased bool) ([]domain.Allocation, error) {
	allocations, err := s.repo.FindAllocationsByMilestone(ctx, milestoneID, onlyUnreleased)
	if err != nil {
		return nil, fmt.Errorf("load allocations for milestone %s: %w", milestoneID, translateStoreError(err))
	}
	return allocations, nil
}

// planAllocations splits req.Amount across the fundable milestones.
//
// When the donation covers every unfunded target each milestone is filled to
// its target and the excess stays unallocated. Otherwise milestone i receives
// floor(amount * u_i / U) and the leftover units go one each to the largest
// fractional remainders, ties broken by milestone order.
func planAllocations(req domain.AllocateDonationRequest, funding []domain.MilestoneFunding, now time.Time) []domain.Allocation {
	eligible := make([]domain.MilestoneFunding, 0, len(funding))
	for _, f := range funding {
		if f.Milestone.RefundInitiated || f.Unfunded() <= 0 {
			continue
		}
		eligible = append(eligible, f)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Milestone.SortOrder != eligible[j].Milestone.SortOrder {
			return eligible[i].Milestone.SortOrder < eligible[j].Milestone.SortOrder
		}
		return eligible[i].Milestone.CreatedAt.Before(eligible[j].Milestone.CreatedAt)
	})
	if len(eligible) == 0 {
		return nil
	}

	var totalUnfunded int64
	for _, f := range eligible {
		totalUnfunded += f.Unfunded()
	}

	shares := make([]int64, len(eligible))
	if req.Amount >= totalUnfunded {
		for i, f := range eligible {
			shares[i] = f.Unfunded()
		}
	} else {
		shares = proportionalShares(req.Amount, eligible, totalUnfunded)
	}

	amount := decimal.NewFromInt(req.Amount)
	allocations := make([]domain.Allocation, 0, len(eligible))
	for i, f := range eligible {
		if shares[i] <= 0 {
			continue
		}
		allocations = append(allocations, domain.Allocation{
			ID:                   uuid.New(),
			MilestoneID:          f.Milestone.ID,
			DonationID:           req.DonationID,
			CampaignID:           req.CampaignID,
			DonorID:              req.DonorID,
			AllocatedAmount:      shares[i],
			AllocationPercentage: decimal.NewFromInt(shares[i]).Mul(hundred).Div(amount).Round(4),
			CreatedAt:            now,
		})
	}
	return allocations
}

func proportionalShares(amount int64, eligible []domain.MilestoneFunding, totalUnfunded int64) []int64 {
	type remainder struct {
		index int
		value decimal.Decimal
	}

	total := decimal.NewFromInt(totalUnfunded)
	shares := make([]int64, len(eligible))
	remainders := make([]remainder, len(eligible))
	var assigned int64
	for i, f := range eligible {
		q, r := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(f.Unfunded())).QuoRem(total, 0)
		shares[i] = q.IntPart()
		remainders[i] = remainder{index: i, value: r}
		assigned += shares[i]
	}

	sort.SliceStable(remainders, func(i, j int) bool {
		return remainders[i].value.GreaterThan(remainders[j].value)
	})
	for k := int64(0); k < amount-assigned; k++ {
		shares[remainders[k].index]++
	}
	return shares
}
