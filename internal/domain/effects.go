package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification types emitted by the refund workflow.
const (
	NotificationRefundDecisionRequired = "refund_decision_required"
	NotificationDecisionConfirmed      = "refund_decision_confirmed"
	NotificationRefundCompleted        = "refund_completed"
	NotificationRedirectCompleted      = "refund_redirect_completed"
	NotificationPlatformDonation       = "refund_platform_donation"
	NotificationRefundFailed           = "refund_failed"
)

// Audit event types.
const (
	AuditRefundInitiated    = "refund_initiated"
	AuditDecisionSubmitted  = "refund_decision_submitted"
	AuditRefundProcessed    = "refund_processed"
	AuditDecisionSettled    = "refund_decision_settled"
	AuditDecisionsAutoSwept = "refund_decisions_auto_processed"

	AuditEntityRefundRequest = "refund_request"
	AuditEntityDecision      = "donor_refund_decision"
)

// Notification is an in-app message for one user.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditEvent is a compliance record of a state transition.
type AuditEvent struct {
	ID         uuid.UUID      `json:"id"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// OutboxEvent is a broker message recorded alongside the effect that produced it.
type OutboxEvent struct {
	Exchange   string
	RoutingKey string
	Payload    any
}
