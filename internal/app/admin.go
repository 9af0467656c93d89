package app

import (
	"context"
	"fmt"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/google/uuid"
)

// ListRefundRequests returns one filtered page of refund requests, newest first.
func (s *Service) ListRefundRequests(ctx context.Context, filter domain.RefundRequestFilter) (*domain.RefundRequestPage, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown refund request status %q", *filter.Status)
	}
	filter.Limit, filter.Offset = normalizePage(filter.Limit, filter.Offset)

	items, total, err := s.repo.ListRefundRequests(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list refund requests: %w", err)
	}
	if items == nil {
		items = []domain.RefundRequest{}
	}
	return &domain.RefundRequestPage{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// GetRefundRequestDetail returns a refund request with all of its decisions.
func (s *Service) GetRefundRequestDetail(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequestDetail, error) {
	request, err := s.repo.FindRefundRequestByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load refund request %s: %w", requestID, translateStoreError(err))
	}
	decisions, err := s.repo.FindDecisionsByRefundRequest(ctx, requestID, nil)
	if err != nil {
		return nil, fmt.Errorf("load decisions for %s: %w", requestID, err)
	}
	if decisions == nil {
		decisions = []domain.DonorRefundDecision{}
	}
	return &domain.RefundRequestDetail{RefundRequest: *request, Decisions: decisions}, nil
}

// GetStatistics returns the dashboard aggregates.
func (s *Service) GetStatistics(ctx context.Context) (*domain.RefundStatistics, error) {
	stats, err := s.repo.GetRefundStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("load refund statistics: %w", err)
	}
	return stats, nil
}
