package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrMilestoneNotFound         = errors.New("milestone not found")
	ErrCampaignNotFound          = errors.New("campaign not found")
	ErrDonationNotFound          = errors.New("donation not found")
	ErrRefundRequestNotFound     = errors.New("refund request not found")
	ErrDecisionNotFound          = errors.New("refund decision not found")
	ErrInvalidDecisionTransition = errors.New("invalid decision status transition")
	ErrRefundAlreadyInitiated    = errors.New("milestone refund already initiated")
	ErrDuplicateDecision         = errors.New("duplicate decision for refund request and donation")
	ErrDonationCampaignMismatch  = errors.New("donation belongs to a different campaign")
	ErrAllocationExceedsDonation = errors.New("planned allocations exceed the donation amount")
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txStarter is satisfied by *pgxpool.Pool.
type txStarter interface {
	dbtx
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db txStarter
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSONB(value map[string]any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func unmarshalJSONB(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// FindMilestoneByID loads a milestone with its campaign's charity.
func (r *PostgresRepository) FindMilestoneByID(ctx context.Context, milestoneID uuid.UUID) (*domain.Milestone, error) {
	query := `
		SELECT m.id, m.campaign_id, c.charity_id, m.title, m.target_amount, m.sort_order,
			m.refund_initiated, m.refund_initiated_at, m.created_at
		FROM milestones m
		JOIN campaigns c ON c.id = m.campaign_id
		WHERE m.id = $1
	`
	var m domain.Milestone
	err := r.db.QueryRow(ctx, query, milestoneID).Scan(
		&m.ID,
		&m.CampaignID,
		&m.CharityID,
		&m.Title,
		&m.TargetAmount,
		&m.SortOrder,
		&m.RefundInitiated,
		&m.RefundInitiatedAt,
		&m.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMilestoneNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindCampaignByID loads the redirect-relevant view of a campaign.
func (r *PostgresRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	query := `
		SELECT id, charity_id, title, status, goal_amount, current_amount, end_date
		FROM campaigns
		WHERE id = $1
	`
	var c domain.Campaign
	err := r.db.QueryRow(ctx, query, campaignID).Scan(
		&c.ID, &c.CharityID, &c.Title, &c.Status, &c.GoalAmount, &c.CurrentAmount, &c.EndDate,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindDonationByID loads a donation including its payment provider reference.
func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	query := `
		SELECT id, donor_id, campaign_id, amount, status, payment_reference, payment_method,
			COALESCE(metadata, '{}'::jsonb)::text, created_at
		FROM donations
		WHERE id = $1
	`
	var d domain.Donation
	var metadata string
	err := r.db.QueryRow(ctx, query, donationID).Scan(
		&d.ID, &d.DonorID, &d.CampaignID, &d.Amount, &d.Status, &d.PaymentReference, &d.PaymentMethod, &metadata, &d.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	if d.Metadata, err = unmarshalJSONB(metadata); err != nil {
		return nil, fmt.Errorf("decode donation metadata: %w", err)
	}
	return &d, nil
}

// AllocateDonation distributes a donation across its campaign's milestones.
// The donation row and the campaign's milestones are locked for the duration
// so concurrent allocations serialize. A donation that already has allocation
// rows is returned unchanged with created=false.
func (r *PostgresRepository) AllocateDonation(
	ctx context.Context,
	donationID uuid.UUID,
	campaignID uuid.UUID,
	plan AllocationPlanner,
) ([]domain.Allocation, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	donation := domain.Donation{ID: donationID}
	if err := tx.QueryRow(ctx,
		`SELECT donor_id, campaign_id, amount, status FROM donations WHERE id = $1 FOR UPDATE`,
		donationID,
	).Scan(&donation.DonorID, &donation.CampaignID, &donation.Amount, &donation.Status); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, ErrDonationNotFound
		}
		return nil, false, err
	}
	if donation.CampaignID != campaignID {
		return nil, false, fmt.Errorf("%w: donation %s campaign %s, requested %s", ErrDonationCampaignMismatch, donationID, donation.CampaignID, campaignID)
	}

	existing, err := findAllocations(ctx, tx, `WHERE donation_id = $1`, donationID)
	if err != nil {
		return nil, false, err
	}
	if len(existing) > 0 {
		return existing, false, nil
	}

	milestoneQuery := `
		SELECT m.id, m.campaign_id, c.charity_id, m.title, m.target_amount, m.sort_order,
			m.refund_initiated, m.refund_initiated_at, m.created_at
		FROM milestones m
		JOIN campaigns c ON c.id = m.campaign_id
		WHERE m.campaign_id = $1
		ORDER BY m.sort_order, m.created_at
		FOR UPDATE OF m
	`
	rows, err := tx.Query(ctx, milestoneQuery, campaignID)
	if err != nil {
		return nil, false, err
	}
	var funding []domain.MilestoneFunding
	for rows.Next() {
		var m domain.Milestone
		if err := rows.Scan(
			&m.ID, &m.CampaignID, &m.CharityID, &m.Title, &m.TargetAmount, &m.SortOrder,
			&m.RefundInitiated, &m.RefundInitiatedAt, &m.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, false, err
		}
		funding = append(funding, domain.MilestoneFunding{Milestone: m})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	sumRows, err := tx.Query(ctx, `
		SELECT milestone_id, COALESCE(SUM(allocated_amount), 0)
		FROM milestone_allocations
		WHERE campaign_id = $1
		GROUP BY milestone_id
	`, campaignID)
	if err != nil {
		return nil, false, err
	}
	allocated := make(map[uuid.UUID]int64)
	for sumRows.Next() {
		var milestoneID uuid.UUID
		var total int64
		if err := sumRows.Scan(&milestoneID, &total); err != nil {
			sumRows.Close()
			return nil, false, err
		}
		allocated[milestoneID] = total
	}
	sumRows.Close()
	if err := sumRows.Err(); err != nil {
		return nil, false, err
	}
	for i := range funding {
		funding[i].AllocatedAmount = allocated[funding[i].Milestone.ID]
	}

	planned, err := plan(donation, funding)
	if err != nil {
		return nil, false, err
	}
	if err := checkPlannedWithinDonation(donation, planned); err != nil {
		return nil, false, err
	}

	insert := `
		INSERT INTO milestone_allocations (
			id, milestone_id, donation_id, campaign_id, donor_id, allocated_amount, allocation_percentage, is_released, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, false, $8)
	`
	for _, a := range planned {
		if _, err := tx.Exec(ctx, insert,
			a.ID, a.MilestoneID, a.DonationID, a.CampaignID, a.DonorID, a.AllocatedAmount, a.AllocationPercentage.String(), a.CreatedAt,
		); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return planned, true, nil
}

// FindAllocationsByMilestone returns allocations oldest-first.
func (r *PostgresRepository) FindAllocationsByMilestone(ctx context.Context, milestoneID uuid.UUID, onlyUnreleased bool) ([]domain.Allocation, error) {
	if onlyUnreleased {
		return findAllocations(ctx, r.db, `WHERE milestone_id = $1 AND is_released = false`, milestoneID)
	}
	return findAllocations(ctx, r.db, `WHERE milestone_id = $1`, milestoneID)
}

// FindAllocationsByDonation returns every allocation row of one donation.
func (r *PostgresRepository) FindAllocationsByDonation(ctx context.Context, donationID uuid.UUID) ([]domain.Allocation, error) {
	return findAllocations(ctx, r.db, `WHERE donation_id = $1`, donationID)
}

func findAllocations(ctx context.Context, q dbtx, where string, args ...any) ([]domain.Allocation, error) {
	query := `
		SELECT id, milestone_id, donation_id, campaign_id, donor_id, allocated_amount,
			allocation_percentage::text, is_released, released_at, created_at
		FROM milestone_allocations
		` + where + `
		ORDER BY created_at ASC, id ASC
	`
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		var percentage string
		if err := rows.Scan(
			&a.ID, &a.MilestoneID, &a.DonationID, &a.CampaignID, &a.DonorID, &a.AllocatedAmount,
			&percentage, &a.IsReleased, &a.ReleasedAt, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		if a.AllocationPercentage, err = decimal.NewFromString(percentage); err != nil {
			return nil, fmt.Errorf("parse allocation percentage %q: %w", percentage, err)
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// checkPlannedWithinDonation rejects a plan whose shares sum past the
// donation or that attributes rows to another donation.
func checkPlannedWithinDonation(donation domain.Donation, planned []domain.Allocation) error {
	var total int64
	for _, a := range planned {
		if a.DonationID != donation.ID || a.CampaignID != donation.CampaignID || a.DonorID != donation.DonorID {
			return fmt.Errorf("%w: allocation %s does not belong to donation %s", ErrDonationCampaignMismatch, a.ID, donation.ID)
		}
		if a.AllocatedAmount <= 0 {
			return fmt.Errorf("allocation %s has non-positive amount %d", a.ID, a.AllocatedAmount)
		}
		total += a.AllocatedAmount
	}
	if total > donation.Amount {
		return fmt.Errorf("%w: planned %d, donation %s amount %d", ErrAllocationExceedsDonation, total, donation.ID, donation.Amount)
	}
	return nil
}
