package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/clearcause/refund-service/internal/store"
	"github.com/clearcause/refund-service/pkg/rabbitmq"
)

const (
	defaultOutboxBatchSize       = 50
	defaultOutboxPollInterval    = 1200 * time.Millisecond
	defaultOutboxStaleProcessing = 2 * time.Minute
)

// PublisherDialer opens a connection to the event broker.
type PublisherDialer func(ctx context.Context) (rabbitmq.Publisher, error)

// OutboxDispatcher publishes recorded refund events to the broker. The
// publisher is dialed on first use and dropped after a failed publish, so a
// broker outage leaves rows failed for retry rather than marked published.
type OutboxDispatcher struct {
	repo                store.Repository
	dial                PublisherDialer
	publisher           rabbitmq.Publisher
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
}

func NewOutboxDispatcher(repo store.Repository, dial PublisherDialer) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		dial:                dial,
		batchSize:           defaultOutboxBatchSize,
		pollInterval:        defaultOutboxPollInterval,
		staleProcessingTime: defaultOutboxStaleProcessing,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"outbox flush failed\" err=%v", err)
			}
		}
	}
}

// FlushOnce publishes one claimed batch and reports how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, d.staleProcessingTime)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			log.Printf("level=warn component=outbox msg=\"outbox publish failed\" id=%d routing_key=%s attempts=%d err=%v", message.ID, message.RoutingKey, message.Attempts, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, outboxRetryDelay(message.Attempts), err.Error()); markErr != nil {
				log.Printf("level=warn component=outbox msg=\"failed to mark outbox message failed\" id=%d err=%v", message.ID, markErr)
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			log.Printf("level=warn component=outbox msg=\"failed to mark outbox message published\" id=%d err=%v", message.ID, err)
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.dial(ctx)
		if err != nil {
			return fmt.Errorf("dial publisher: %w", err)
		}
		d.publisher = publisher
	}

	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload)); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func outboxRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		return time.Second
	}
	delay := time.Duration(1<<min(attempt, 9)) * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
