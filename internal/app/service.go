/**
 * @description
 * This file contains the Service that runs the milestone-rejection refund
 * workflow: ledger allocation, refund request creation, donor decisions,
 * settlement against the payment provider and the expiry sweep.
 *
 * Key features:
 * - Business constants arrive through domain.RefundPolicy.
 * - Every decision status change is a compare-and-set in the store, so the
 *   eager, batch and sweep paths can overlap without settling twice.
 * - Notifications and audit records are collected as effects and recorded
 *   after the state change they describe has been persisted.
 *
 * @dependencies
 * - github.com/juju/clock: injectable time source for deadlines and backoff.
 * - internal/domain, internal/store: domain models and data access.
 */

package app

import (
	"context"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Locker guards work that must not run concurrently across replicas.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// RateLimiter counts events per subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for milestone-rejection refunds.
type Service struct {
	repo           store.Repository
	provider       RefundProvider
	policy         domain.RefundPolicy
	clock          clock.Clock
	limiter        RateLimiter
	submitLimit    int
	sweepLock      Locker
	eventsExchange string
	metrics        *Metrics
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRateLimiter limits decision submissions to perMinute per donor.
func WithRateLimiter(limiter RateLimiter, perMinute int) Option {
	return func(s *Service) {
		s.limiter = limiter
		s.submitLimit = perMinute
	}
}

// WithSweepLock makes the expiry sweep exclusive across replicas.
func WithSweepLock(locker Locker) Option {
	return func(s *Service) { s.sweepLock = locker }
}

// WithEventsExchange sets the exchange used for outbox events.
func WithEventsExchange(exchange string) Option {
	return func(s *Service) { s.eventsExchange = exchange }
}

// WithMetrics registers workflow metrics on the given collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a new refund service instance.
func NewService(repo store.Repository, provider RefundProvider, policy domain.RefundPolicy, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		provider:       provider,
		policy:         policy,
		clock:          clock.WallClock,
		eventsExchange: "refund_events",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if s.policy.SettlementConcurrency <= 0 {
		s.policy.SettlementConcurrency = 1
	}
	return s
}

// Policy returns the active refund policy.
func (s *Service) Policy() domain.RefundPolicy {
	return s.policy
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}
