package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
)

// RecordEffects persists in-app notifications, audit rows and outbox events in one transaction.
func (r *PostgresRepository) RecordEffects(
	ctx context.Context,
	notifications []domain.Notification,
	audits []domain.AuditEvent,
	events []domain.OutboxEvent,
) error {
	if len(notifications) == 0 && len(audits) == 0 && len(events) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, n := range notifications {
		metadata, err := marshalJSONB(n.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO notifications (id, user_id, type, title, message, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		`, n.ID, n.UserID, n.Type, n.Title, n.Message, metadata, n.CreatedAt); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}

	for _, a := range audits {
		payload, err := marshalJSONB(a.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_logs (id, actor_id, event_type, entity_type, entity_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		`, a.ID, a.ActorID, a.EventType, a.EntityType, a.EntityID, payload, a.CreatedAt); err != nil {
			return fmt.Errorf("insert audit log: %w", err)
		}
	}

	for _, e := range events {
		blob, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_outbox (exchange, routing_key, payload)
			VALUES ($1, $2, $3::jsonb)
		`, strings.TrimSpace(e.Exchange), strings.TrimSpace(e.RoutingKey), string(blob)); err != nil {
			return fmt.Errorf("failed to enqueue outbox event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ClaimOutboxMessages marks up to limit due messages as processing and returns them.
// Messages stuck in processing longer than staleAfter are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`
	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var message OutboxMessage
		var payload string
		if err := rows.Scan(&message.ID, &message.Exchange, &message.RoutingKey, &payload, &message.Attempts); err != nil {
			return nil, err
		}
		message.Payload = []byte(payload)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	retryAfterSeconds := int(retryAfter.Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// GetRefundStatistics aggregates the dashboard numbers in a single round trip.
func (r *PostgresRepository) GetRefundStatistics(ctx context.Context) (*domain.RefundStatistics, error) {
	stats := &domain.RefundStatistics{
		CountsByStatus:     make(map[domain.RequestStatus]int),
		DecisionTypeCounts: make(map[domain.DecisionType]int),
	}

	batch := `
		SELECT 'status' AS kind, status AS label, COUNT(*)::bigint AS value, 0::float8 AS avg
		FROM refund_requests
		GROUP BY status
		UNION ALL
		SELECT 'type', decision_type, COUNT(*)::bigint, 0::float8
		FROM donor_refund_decisions
		WHERE decision_type IS NOT NULL
		GROUP BY decision_type
		UNION ALL
		SELECT 'pending_amount', '', COALESCE(SUM(refund_amount), 0)::bigint, 0::float8
		FROM donor_refund_decisions
		WHERE status IN ('pending', 'decided', 'auto_refunded', 'processing')
		UNION ALL
		SELECT 'response_time', '', COUNT(*)::bigint,
			COALESCE(AVG(EXTRACT(EPOCH FROM (decided_at - created_at)) / 86400.0), 0)::float8
		FROM donor_refund_decisions
		WHERE decided_at IS NOT NULL
	`
	rows, err := r.db.Query(ctx, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var kind, label string
		var value int64
		var avg float64
		if err := rows.Scan(&kind, &label, &value, &avg); err != nil {
			return nil, err
		}
		switch kind {
		case "status":
			stats.CountsByStatus[domain.RequestStatus(label)] = int(value)
		case "type":
			stats.DecisionTypeCounts[domain.DecisionType(label)] = int(value)
		case "pending_amount":
			stats.TotalPendingAmount = value
		case "response_time":
			stats.AverageResponseTimeDays = avg
		}
	}
	return stats, rows.Err()
}
