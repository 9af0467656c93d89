package domain

import (
	"fmt"
	"testing"
)

func TestDecisionStatusNeverMovesBackward(t *testing.T) {
	rank := map[DecisionStatus]int{
		DecisionPending:      0,
		DecisionDecided:      1,
		DecisionAutoRefunded: 1,
		DecisionProcessing:   2,
		DecisionCompleted:    3,
		DecisionFailed:       3,
	}

	for from := range rank {
		for to := range rank {
			if from.CanTransitionTo(to) && rank[to] <= rank[from] {
				t.Fatalf("transition %s -> %s moves backward", from, to)
			}
		}
	}

	if DecisionCompleted.CanTransitionTo(DecisionDecided) {
		t.Fatalf("completed must be terminal")
	}
	if DecisionFailed.CanTransitionTo(DecisionProcessing) {
		t.Fatalf("failed must be terminal")
	}
}

func TestDecisionSourcesFor(t *testing.T) {
	tests := []struct {
		to   DecisionStatus
		want []DecisionStatus
	}{
		{DecisionDecided, []DecisionStatus{DecisionPending}},
		{DecisionAutoRefunded, []DecisionStatus{DecisionPending}},
		{DecisionProcessing, []DecisionStatus{DecisionDecided, DecisionAutoRefunded}},
		{DecisionCompleted, []DecisionStatus{DecisionProcessing}},
		{DecisionFailed, []DecisionStatus{DecisionProcessing}},
		{DecisionPending, []DecisionStatus{}},
	}

	for _, tc := range tests {
		t.Run(string(tc.to), func(t *testing.T) {
			got := DecisionSourcesFor(tc.to)
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDeriveRequestStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []DecisionStatus
		want     RequestStatus
	}{
		{"no decisions", nil, RequestPendingDonorDecision},
		{"all pending", []DecisionStatus{DecisionPending, DecisionPending}, RequestPendingDonorDecision},
		{"one decided", []DecisionStatus{DecisionPending, DecisionDecided}, RequestProcessing},
		{"one completed one pending", []DecisionStatus{DecisionCompleted, DecisionPending}, RequestProcessing},
		{"all completed", []DecisionStatus{DecisionCompleted, DecisionCompleted}, RequestCompleted},
		{"mix", []DecisionStatus{DecisionCompleted, DecisionFailed, DecisionCompleted}, RequestPartiallyCompleted},
		{"all failed", []DecisionStatus{DecisionFailed, DecisionFailed}, RequestProcessing},
		{"in flight", []DecisionStatus{DecisionCompleted, DecisionProcessing}, RequestProcessing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveRequestStatus(tc.statuses); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRequestStatusTransitions(t *testing.T) {
	if !RequestPendingDonorDecision.CanTransitionTo(RequestProcessing) {
		t.Fatalf("expected pending_donor_decision -> processing")
	}
	if RequestCompleted.CanTransitionTo(RequestProcessing) {
		t.Fatalf("completed must be terminal")
	}
	if RequestProcessing.CanTransitionTo(RequestPendingDonorDecision) {
		t.Fatalf("processing must not return to pending_donor_decision")
	}
	sources := RequestSourcesFor(RequestCompleted)
	if len(sources) != 2 {
		t.Fatalf("expected two sources for completed, got %v", sources)
	}
}

func TestErrorCodeUnwrapsKinds(t *testing.T) {
	err := fmt.Errorf("submit decision: %w", ErrCampaignFunded)
	if got := ErrorCode(err); got != "CAMPAIGN_FUNDED" {
		t.Fatalf("expected CAMPAIGN_FUNDED, got %q", got)
	}
	if !IsValidationError(err) {
		t.Fatalf("expected campaign funded to be a validation error")
	}
	if got := ErrorCode(fmt.Errorf("boom")); got != "" {
		t.Fatalf("expected empty code, got %q", got)
	}
}
