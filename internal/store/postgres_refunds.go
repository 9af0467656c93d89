package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const refundRequestColumns = `
	id, milestone_id, campaign_id, charity_id, milestone_proof_id, total_amount, total_donors_count,
	status, decision_deadline, rejection_reason, created_by, completed_at, created_at, updated_at
`

var decisionColumnNames = []string{
	"id", "refund_request_id", "donor_id", "donation_id", "milestone_id", "refund_amount", "decision_type",
	"redirect_campaign_id", "status", "decided_at", "processed_at", "refund_transaction_id", "new_donation_id",
	"processing_error", "metadata", "created_at", "updated_at",
}

var decisionColumns = prefixedDecisionColumns("")

func scanRefundRequest(row pgx.Row) (*domain.RefundRequest, error) {
	var req domain.RefundRequest
	var status string
	if err := row.Scan(
		&req.ID,
		&req.MilestoneID,
		&req.CampaignID,
		&req.CharityID,
		&req.MilestoneProofID,
		&req.TotalAmount,
		&req.TotalDonorsCount,
		&status,
		&req.DecisionDeadline,
		&req.RejectionReason,
		&req.CreatedBy,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.Status = domain.RequestStatus(status)
	return &req, nil
}

func scanDecision(row pgx.Row) (*domain.DonorRefundDecision, error) {
	var d domain.DonorRefundDecision
	var decisionType *string
	var status string
	var metadata string
	if err := row.Scan(
		&d.ID,
		&d.RefundRequestID,
		&d.DonorID,
		&d.DonationID,
		&d.MilestoneID,
		&d.RefundAmount,
		&decisionType,
		&d.RedirectCampaignID,
		&status,
		&d.DecidedAt,
		&d.ProcessedAt,
		&d.RefundTransactionID,
		&d.NewDonationID,
		&d.ProcessingError,
		&metadata,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if decisionType != nil {
		d.DecisionType = domain.DecisionType(*decisionType)
	}
	d.Status = domain.DecisionStatus(status)
	parsed, err := unmarshalJSONB(metadata)
	if err != nil {
		return nil, fmt.Errorf("decode decision metadata: %w", err)
	}
	d.Metadata = parsed
	return &d, nil
}

func decisionStatusStrings(statuses []domain.DecisionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func nullableDecisionType(t domain.DecisionType) *string {
	if t == "" {
		return nil
	}
	value := string(t)
	return &value
}

// CreateRefundRequestWithDecisions claims the milestone's one-shot refund flag
// and inserts the aggregate and its decisions as one unit.
func (r *PostgresRepository) CreateRefundRequestWithDecisions(
	ctx context.Context,
	request *domain.RefundRequest,
	decisions []domain.DonorRefundDecision,
) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	claim, err := tx.Exec(ctx, `
		UPDATE milestones
		SET refund_initiated = true, refund_initiated_at = $2, updated_at = NOW()
		WHERE id = $1 AND refund_initiated = false
	`, request.MilestoneID, request.CreatedAt)
	if err != nil {
		return err
	}
	if claim.RowsAffected() == 0 {
		return ErrRefundAlreadyInitiated
	}

	requestQuery := `
		INSERT INTO refund_requests (
			id, milestone_id, campaign_id, charity_id, milestone_proof_id, total_amount, total_donors_count,
			status, decision_deadline, rejection_reason, created_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`
	if _, err := tx.Exec(ctx, requestQuery,
		request.ID,
		request.MilestoneID,
		request.CampaignID,
		request.CharityID,
		request.MilestoneProofID,
		request.TotalAmount,
		request.TotalDonorsCount,
		string(request.Status),
		request.DecisionDeadline,
		request.RejectionReason,
		request.CreatedBy,
		request.CreatedAt,
	); err != nil {
		return err
	}

	decisionQuery := `
		INSERT INTO donor_refund_decisions (
			id, refund_request_id, donor_id, donation_id, milestone_id, refund_amount, status, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
	`
	for _, d := range decisions {
		metadata, err := marshalJSONB(d.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, decisionQuery,
			d.ID,
			d.RefundRequestID,
			d.DonorID,
			d.DonationID,
			d.MilestoneID,
			d.RefundAmount,
			string(d.Status),
			metadata,
			d.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateDecision
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindRefundRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequest, error) {
	query := `SELECT ` + refundRequestColumns + ` FROM refund_requests WHERE id = $1`
	req, err := scanRefundRequest(r.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRefundRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListRefundRequests returns one page of refund requests, newest first, and the total match count.
func (r *PostgresRepository) ListRefundRequests(ctx context.Context, filter domain.RefundRequestFilter) ([]domain.RefundRequest, int, error) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.CharityID != nil {
		add("charity_id = $%d", *filter.CharityID)
	}
	if filter.CampaignID != nil {
		add("campaign_id = $%d", *filter.CampaignID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM refund_requests `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM refund_requests
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, refundRequestColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]domain.RefundRequest, 0, limit)
	for rows.Next() {
		req, err := scanRefundRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *req)
	}
	return items, total, rows.Err()
}

// UpdateRefundRequestStatus advances the aggregate status when the transition
// table allows it. It reports false when the stored status cannot move to `to`.
func (r *PostgresRepository) UpdateRefundRequestStatus(
	ctx context.Context,
	requestID uuid.UUID,
	to domain.RequestStatus,
	completedAt *time.Time,
) (bool, error) {
	sources := domain.RequestSourcesFor(to)
	from := make([]string, 0, len(sources))
	for _, status := range sources {
		from = append(from, string(status))
	}

	query := `
		UPDATE refund_requests
		SET status = $2,
			completed_at = COALESCE($3, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`
	result, err := r.db.Exec(ctx, query, requestID, string(to), completedAt, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FindStaleRefundRequestIDs lists requests holding decisions that were decided
// but never claimed for settlement before the cutoff.
func (r *PostgresRepository) FindStaleRefundRequestIDs(ctx context.Context, decidedBefore time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT refund_request_id
		FROM donor_refund_decisions
		WHERE status IN ('decided', 'auto_refunded') AND updated_at < $1
		GROUP BY refund_request_id
		ORDER BY MIN(updated_at)
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, decidedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) FindDecisionByID(ctx context.Context, decisionID uuid.UUID) (*domain.DonorRefundDecision, error) {
	query := `SELECT ` + decisionColumns + ` FROM donor_refund_decisions WHERE id = $1`
	d, err := scanDecision(r.db.QueryRow(ctx, query, decisionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return d, nil
}

// FindDecisionsByRefundRequest returns the request's decisions oldest-first,
// optionally narrowed to the given statuses.
func (r *PostgresRepository) FindDecisionsByRefundRequest(
	ctx context.Context,
	requestID uuid.UUID,
	statuses []domain.DecisionStatus,
) ([]domain.DonorRefundDecision, error) {
	query := `SELECT ` + decisionColumns + ` FROM donor_refund_decisions WHERE refund_request_id = $1`
	args := []any{requestID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, decisionStatusStrings(statuses))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []domain.DonorRefundDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// ListPendingDecisionsByDonor pages a donor's pending decisions, newest first.
func (r *PostgresRepository) ListPendingDecisionsByDonor(
	ctx context.Context,
	donorID uuid.UUID,
	limit, offset int,
) ([]domain.PendingDecisionView, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM donor_refund_decisions WHERE donor_id = $1 AND status = 'pending'
	`, donorID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + prefixedDecisionColumns("d") + `,
			rr.decision_deadline, rr.campaign_id, c.title, m.title, rr.rejection_reason
		FROM donor_refund_decisions d
		JOIN refund_requests rr ON rr.id = d.refund_request_id
		JOIN campaigns c ON c.id = rr.campaign_id
		JOIN milestones m ON m.id = d.milestone_id
		WHERE d.donor_id = $1 AND d.status = 'pending'
		ORDER BY d.created_at DESC, d.id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, donorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	views := make([]domain.PendingDecisionView, 0, limit)
	for rows.Next() {
		var view domain.PendingDecisionView
		d, err := scanDecision(&extraColumnsRow{
			rows: rows,
			extra: []any{
				&view.DecisionDeadline, &view.CampaignID, &view.CampaignTitle, &view.MilestoneTitle, &view.RejectionReason,
			},
		})
		if err != nil {
			return nil, 0, err
		}
		view.DonorRefundDecision = *d
		views = append(views, view)
	}
	return views, total, rows.Err()
}

// HasExpiredPendingDecisions reports whether any pending decision is past its deadline.
func (r *PostgresRepository) HasExpiredPendingDecisions(ctx context.Context, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM donor_refund_decisions d
			JOIN refund_requests rr ON rr.id = d.refund_request_id
			WHERE d.status = 'pending' AND rr.decision_deadline < $1
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, now).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// FindExpiredPendingDecisions lists pending decisions whose request deadline is before now.
func (r *PostgresRepository) FindExpiredPendingDecisions(ctx context.Context, now time.Time, limit int) ([]domain.ExpiredDecision, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT ` + prefixedDecisionColumns("d") + `, rr.decision_deadline
		FROM donor_refund_decisions d
		JOIN refund_requests rr ON rr.id = d.refund_request_id
		WHERE d.status = 'pending' AND rr.decision_deadline < $1
		ORDER BY rr.decision_deadline ASC, d.created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []domain.ExpiredDecision
	for rows.Next() {
		var item domain.ExpiredDecision
		d, err := scanDecision(&extraColumnsRow{rows: rows, extra: []any{&item.DecisionDeadline}})
		if err != nil {
			return nil, err
		}
		item.Decision = *d
		expired = append(expired, item)
	}
	return expired, rows.Err()
}

// TransitionDecision applies a compare-and-set status change. It returns
// ErrDecisionNotFound for unknown ids and ErrInvalidDecisionTransition when
// the stored status is not one of transition.From.
func (r *PostgresRepository) TransitionDecision(
	ctx context.Context,
	decisionID uuid.UUID,
	transition domain.DecisionTransition,
) (*domain.DonorRefundDecision, error) {
	return transitionDecision(ctx, r.db, decisionID, transition)
}

func transitionDecision(
	ctx context.Context,
	q dbtx,
	decisionID uuid.UUID,
	transition domain.DecisionTransition,
) (*domain.DonorRefundDecision, error) {
	for _, from := range transition.From {
		if !from.CanTransitionTo(transition.To) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidDecisionTransition, from, transition.To)
		}
	}
	if len(transition.From) == 0 {
		return nil, fmt.Errorf("%w: no source status for %s", ErrInvalidDecisionTransition, transition.To)
	}

	args := []any{decisionID, string(transition.To), decisionStatusStrings(transition.From)}
	sets := []string{"status = $2", "updated_at = NOW()"}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if transition.DecisionType != nil {
		set("decision_type", nullableDecisionType(*transition.DecisionType))
	}
	if transition.ClearRedirect {
		sets = append(sets, "redirect_campaign_id = NULL")
	} else if transition.RedirectCampaignID != nil {
		set("redirect_campaign_id", *transition.RedirectCampaignID)
	}
	if transition.DecidedAt != nil {
		set("decided_at", *transition.DecidedAt)
	}
	if transition.ProcessedAt != nil {
		set("processed_at", *transition.ProcessedAt)
	}
	if transition.RefundTransactionID != nil {
		set("refund_transaction_id", *transition.RefundTransactionID)
	}
	if transition.NewDonationID != nil {
		set("new_donation_id", *transition.NewDonationID)
	}
	if transition.ProcessingError != nil {
		set("processing_error", *transition.ProcessingError)
	}
	if len(transition.MetadataPatch) > 0 {
		patch, err := marshalJSONB(transition.MetadataPatch)
		if err != nil {
			return nil, err
		}
		args = append(args, patch)
		sets = append(sets, fmt.Sprintf("metadata = COALESCE(metadata, '{}'::jsonb) || $%d::jsonb", len(args)))
	}

	query := `
		UPDATE donor_refund_decisions
		SET ` + strings.Join(sets, ", ") + `
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + decisionColumns

	d, err := scanDecision(q.QueryRow(ctx, query, args...))
	if err == nil {
		return d, nil
	}
	if err != pgx.ErrNoRows {
		return nil, err
	}

	var current string
	if err := q.QueryRow(ctx, `SELECT status FROM donor_refund_decisions WHERE id = $1`, decisionID).Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidDecisionTransition, current, transition.To)
}

// SettleRedirectDecision records the redirected donation, credits the target
// campaign and completes the decision in one transaction. The decision must be
// in processing.
func (r *PostgresRepository) SettleRedirectDecision(
	ctx context.Context,
	decisionID uuid.UUID,
	donation *domain.Donation,
	processedAt time.Time,
) (*domain.DonorRefundDecision, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	metadata, err := marshalJSONB(donation.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO donations (id, donor_id, campaign_id, amount, status, payment_reference, payment_method, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
	`,
		donation.ID,
		donation.DonorID,
		donation.CampaignID,
		donation.Amount,
		donation.Status,
		donation.PaymentReference,
		donation.PaymentMethod,
		metadata,
		donation.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert redirected donation: %w", err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET current_amount = current_amount + $2, updated_at = NOW()
		WHERE id = $1
	`, donation.CampaignID, donation.Amount)
	if err != nil {
		return nil, fmt.Errorf("increment campaign amount: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrCampaignNotFound
	}

	transition := domain.NewDecisionTransition(domain.DecisionCompleted)
	transition.ProcessedAt = &processedAt
	transition.NewDonationID = &donation.ID
	decision, err := transitionDecision(ctx, tx, decisionID, transition)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return decision, nil
}

func prefixedDecisionColumns(alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	columns := make([]string, len(decisionColumnNames))
	for i, name := range decisionColumnNames {
		if name == "metadata" {
			columns[i] = "COALESCE(" + prefix + "metadata, '{}'::jsonb)::text"
			continue
		}
		columns[i] = prefix + name
	}
	return strings.Join(columns, ", ")
}

// extraColumnsRow lets scanDecision read a row that carries joined columns after the decision.
type extraColumnsRow struct {
	rows  pgx.Rows
	extra []any
}

func (r *extraColumnsRow) Scan(dest ...any) error {
	return r.rows.Scan(append(dest, r.extra...)...)
}
