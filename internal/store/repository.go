/**
 * @description
 * This file defines the `Repository` interface for the refund-service. The
 * workflow in internal/app only talks to persistence through this contract so
 * it can be exercised against in-memory fakes in tests.
 *
 * @notes
 * - Every status change of a decision goes through TransitionDecision, a
 *   compare-and-set on the prior status set.
 * - Multi-row writes (aggregate + decisions, redirect settlement, ledger
 *   allocation) are single transactions.
 */

package store

import (
	"context"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

// AllocationPlanner turns the locked donation and milestone funding snapshot
// into allocation rows.
type AllocationPlanner func(donation domain.Donation, funding []domain.MilestoneFunding) ([]domain.Allocation, error)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Allocation ledger
	AllocateDonation(ctx context.Context, donationID uuid.UUID, campaignID uuid.UUID, plan AllocationPlanner) ([]domain.Allocation, bool, error)
	FindAllocationsByMilestone(ctx context.Context, milestoneID uuid.UUID, onlyUnreleased bool) ([]domain.Allocation, error)
	FindAllocationsByDonation(ctx context.Context, donationID uuid.UUID) ([]domain.Allocation, error)

	// Collaborator reads
	FindMilestoneByID(ctx context.Context, milestoneID uuid.UUID) (*domain.Milestone, error)
	FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error)

	// Refund requests
	// CreateRefundRequestWithDecisions flips the milestone's one-shot refund
	// flag and inserts the aggregate with its decisions in one transaction.
	CreateRefundRequestWithDecisions(ctx context.Context, request *domain.RefundRequest, decisions []domain.DonorRefundDecision) error
	FindRefundRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequest, error)
	ListRefundRequests(ctx context.Context, filter domain.RefundRequestFilter) ([]domain.RefundRequest, int, error)
	UpdateRefundRequestStatus(ctx context.Context, requestID uuid.UUID, to domain.RequestStatus, completedAt *time.Time) (bool, error)
	FindStaleRefundRequestIDs(ctx context.Context, decidedBefore time.Time, limit int) ([]uuid.UUID, error)
	GetRefundStatistics(ctx context.Context) (*domain.RefundStatistics, error)

	// Decisions
	FindDecisionByID(ctx context.Context, decisionID uuid.UUID) (*domain.DonorRefundDecision, error)
	FindDecisionsByRefundRequest(ctx context.Context, requestID uuid.UUID, statuses []domain.DecisionStatus) ([]domain.DonorRefundDecision, error)
	ListPendingDecisionsByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.PendingDecisionView, int, error)
	FindExpiredPendingDecisions(ctx context.Context, now time.Time, limit int) ([]domain.ExpiredDecision, error)
	TransitionDecision(ctx context.Context, decisionID uuid.UUID, transition domain.DecisionTransition) (*domain.DonorRefundDecision, error)
	SettleRedirectDecision(ctx context.Context, decisionID uuid.UUID, donation *domain.Donation, processedAt time.Time) (*domain.DonorRefundDecision, error)

	// Effects
	RecordEffects(ctx context.Context, notifications []domain.Notification, audits []domain.AuditEvent, events []domain.OutboxEvent) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
}

// OutboxMessage is a claimed broker message awaiting publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
