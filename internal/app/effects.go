package app

import (
	"context"
	"log"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

const effectsFlushTimeout = 10 * time.Second

// effects collects the notifications and audit records produced by one unit
// of work. They are recorded only after the state change they describe has
// been committed.
type effects struct {
	exchange      string
	now           time.Time
	notifications []domain.Notification
	audits        []domain.AuditEvent
	events        []domain.OutboxEvent
}

func (s *Service) newEffects() *effects {
	return &effects{exchange: s.eventsExchange, now: s.now()}
}

func (e *effects) notify(userID uuid.UUID, kind, title, message string, metadata map[string]any) {
	n := domain.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: e.now,
	}
	e.notifications = append(e.notifications, n)
	e.events = append(e.events, domain.OutboxEvent{
		Exchange:   e.exchange,
		RoutingKey: "refund.notification." + kind,
		Payload:    n,
	})
}

func (e *effects) audit(actorID *uuid.UUID, eventType, entityType string, entityID uuid.UUID, payload map[string]any) {
	a := domain.AuditEvent{
		ID:         uuid.New(),
		ActorID:    actorID,
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		CreatedAt:  e.now,
	}
	e.audits = append(e.audits, a)
	e.events = append(e.events, domain.OutboxEvent{
		Exchange:   e.exchange,
		RoutingKey: "refund.audit." + eventType,
		Payload:    a,
	})
}

func (e *effects) empty() bool {
	return len(e.notifications) == 0 && len(e.audits) == 0
}

// flush records the collected effects. Failures are logged and never
// propagate: the workflow state they describe is already committed.
func (s *Service) flush(ctx context.Context, e *effects, flow string) {
	if e == nil || e.empty() {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), effectsFlushTimeout)
	defer cancel()

	if err := s.repo.RecordEffects(flushCtx, e.notifications, e.audits, e.events); err != nil {
		log.Printf(
			"level=warn component=service flow=%s msg=\"failed to record refund effects\" notifications=%d audits=%d err=%v",
			flow,
			len(e.notifications),
			len(e.audits),
			err,
		)
	}
}
