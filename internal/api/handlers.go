/**
 * @description
 * This file contains the HTTP handlers for the refund-service's API endpoints.
 * Handlers parse the request, call the refund workflow, and translate workflow
 * error kinds into HTTP statuses with a machine-readable code.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/domain: request payloads, results and error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// RefundService is the slice of the refund workflow exposed over HTTP.
type RefundService interface {
	ListPendingDecisions(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.PendingDecisionView, int, error)
	GetDecision(ctx context.Context, decisionID, donorID uuid.UUID) (*domain.DonorRefundDecision, error)
	SubmitDecision(ctx context.Context, decisionID, donorID uuid.UUID, req domain.SubmitDecisionRequest) (*domain.SubmitDecisionResult, error)
	InitiateRefund(ctx context.Context, milestoneID uuid.UUID, req domain.InitiateRefundRequest, adminID uuid.UUID) (*domain.InitiateRefundResult, error)
	ListRefundRequests(ctx context.Context, filter domain.RefundRequestFilter) (*domain.RefundRequestPage, error)
	GetRefundRequestDetail(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequestDetail, error)
	ProcessRefundRequest(ctx context.Context, requestID uuid.UUID, actorID *uuid.UUID) (*domain.ProcessingResult, error)
	GetStatistics(ctx context.Context) (*domain.RefundStatistics, error)
	Allocate(ctx context.Context, req domain.AllocateDonationRequest) ([]domain.Allocation, bool, error)
	AutoProcessExpired(ctx context.Context) (*domain.SweepResult, error)
}

// RefundHandlers holds the refund workflow that handlers will use.
type RefundHandlers struct {
	service RefundService
}

// NewRefundHandlers creates a new instance of RefundHandlers.
func NewRefundHandlers(service RefundService) *RefundHandlers {
	return &RefundHandlers{service: service}
}

type pendingDecisionsResponse struct {
	Items  []domain.PendingDecisionView `json:"items"`
	Total  int                          `json:"total"`
	Limit  int                          `json:"limit"`
	Offset int                          `json:"offset"`
}

type allocationResponse struct {
	Created     bool                `json:"created"`
	Allocations []domain.Allocation `json:"allocations"`
}

// ListPendingDecisionsHandler lists the caller's pending decisions with their deadlines.
func (h *RefundHandlers) ListPendingDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Could not get user ID from context")
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	items, total, err := h.service.ListPendingDecisions(r.Context(), donorID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_pending_decisions", err)
		return
	}
	if items == nil {
		items = []domain.PendingDecisionView{}
	}
	h.writeJSON(w, http.StatusOK, pendingDecisionsResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GetDecisionHandler returns one of the caller's decisions.
func (h *RefundHandlers) GetDecisionHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Could not get user ID from context")
		return
	}
	decisionID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	decision, err := h.service.GetDecision(r.Context(), decisionID, donorID)
	if err != nil {
		h.writeServiceError(w, "get_decision", err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

// SubmitDecisionHandler records the caller's refund, redirect or platform donation choice.
func (h *RefundHandlers) SubmitDecisionHandler(w http.ResponseWriter, r *http.Request) {
	donorID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Could not get user ID from context")
		return
	}
	decisionID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req domain.SubmitDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=submit_decision outcome=reject reason=invalid_body decision_id=%s err=%v", decisionID, err)
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	req.DecisionType = domain.DecisionType(strings.ToLower(strings.TrimSpace(string(req.DecisionType))))

	result, err := h.service.SubmitDecision(r.Context(), decisionID, donorID, req)
	if err != nil {
		h.writeServiceError(w, "submit_decision", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// InitiateRefundHandler rejects a milestone into the refund workflow.
func (h *RefundHandlers) InitiateRefundHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Could not get user ID from context")
		return
	}
	milestoneID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req domain.InitiateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=initiate_refund outcome=reject reason=invalid_body milestone_id=%s err=%v", milestoneID, err)
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	req.RejectionReason = strings.TrimSpace(req.RejectionReason)
	if req.RejectionReason == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "rejection_reason is required")
		return
	}

	result, err := h.service.InitiateRefund(r.Context(), milestoneID, req, adminID)
	if err != nil {
		h.writeServiceError(w, "initiate_refund", err)
		return
	}
	log.Printf("level=info component=api endpoint=initiate_refund outcome=accepted milestone_id=%s refund_request_id=%s decisions=%d", milestoneID, result.RefundRequestID, result.DecisionsCount)
	h.writeJSON(w, http.StatusCreated, result)
}

// ListRefundRequestsHandler lists refund requests for the admin dashboard.
func (h *RefundHandlers) ListRefundRequestsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRequestFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	page, err := h.service.ListRefundRequests(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list_refund_requests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// GetRefundRequestHandler returns a refund request with its decisions.
func (h *RefundHandlers) GetRefundRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.service.GetRefundRequestDetail(r.Context(), requestID)
	if err != nil {
		h.writeServiceError(w, "get_refund_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// ProcessRefundRequestHandler runs a batch settlement pass on behalf of an admin.
func (h *RefundHandlers) ProcessRefundRequestHandler(w http.ResponseWriter, r *http.Request) {
	adminID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Could not get user ID from context")
		return
	}
	h.processRefundRequest(w, r, &adminID)
}

// InternalProcessRequestHandler runs a batch settlement pass for the scheduler.
func (h *RefundHandlers) InternalProcessRequestHandler(w http.ResponseWriter, r *http.Request) {
	h.processRefundRequest(w, r, nil)
}

func (h *RefundHandlers) processRefundRequest(w http.ResponseWriter, r *http.Request, actorID *uuid.UUID) {
	requestID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.service.ProcessRefundRequest(r.Context(), requestID, actorID)
	if err != nil {
		h.writeServiceError(w, "process_refund_request", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// StatisticsHandler returns the refund dashboard aggregates.
func (h *RefundHandlers) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStatistics(r.Context())
	if err != nil {
		h.writeServiceError(w, "statistics", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// AllocateDonationHandler records a completed donation in the allocation ledger.
func (h *RefundHandlers) AllocateDonationHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AllocateDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=allocate_donation outcome=reject reason=invalid_body err=%v", err)
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.DonationID == uuid.Nil || req.CampaignID == uuid.Nil || req.DonorID == uuid.Nil || req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "donation_id, campaign_id, donor_id and a positive amount are required")
		return
	}

	allocations, created, err := h.service.Allocate(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "allocate_donation", err)
		return
	}
	if allocations == nil {
		allocations = []domain.Allocation{}
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, allocationResponse{Created: created, Allocations: allocations})
}

// SweepExpiredHandler auto-resolves every expired pending decision.
func (h *RefundHandlers) SweepExpiredHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.AutoProcessExpired(r.Context())
	if err != nil {
		h.writeServiceError(w, "sweep_expired", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *RefundHandlers) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func parsePage(r *http.Request) (int, int, error) {
	query := r.URL.Query()
	limit, offset := 0, 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid limit %q", raw)
		}
		limit = value
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset %q", raw)
		}
		offset = value
	}
	return limit, offset, nil
}

func parseRequestFilter(r *http.Request) (domain.RefundRequestFilter, error) {
	var filter domain.RefundRequestFilter
	var err error
	if filter.Limit, filter.Offset, err = parsePage(r); err != nil {
		return filter, err
	}

	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.RequestStatus(strings.ToLower(raw))
		if !status.Valid() {
			return filter, fmt.Errorf("invalid status %q", raw)
		}
		filter.Status = &status
	}
	for name, target := range map[string]**uuid.UUID{"charity_id": &filter.CharityID, "campaign_id": &filter.CampaignID} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s %q", name, raw)
		}
		*target = &id
	}
	for name, target := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		ts, err := parseTimeParam(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s %q", name, raw)
		}
		*target = &ts
	}
	return filter, nil
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}

// statusForError maps workflow error kinds to HTTP statuses.
func statusForError(err error) int {
	switch code := domain.ErrorCode(err); {
	case code == "NOT_FOUND":
		return http.StatusNotFound
	case code == "INVALID_STATUS", code == "ALREADY_INITIATED":
		return http.StatusConflict
	case code == "DEADLINE_EXPIRED":
		return http.StatusGone
	case code == "RATE_LIMITED":
		return http.StatusTooManyRequests
	case code == "NO_ALLOCATIONS", code == "NO_DECISIONS", domain.IsValidationError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *RefundHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	code := domain.ErrorCode(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		if code == "" {
			code = "INTERNAL"
		}
		h.writeError(w, status, code, "Internal server error")
		return
	}

	log.Printf("level=warn component=api endpoint=%s outcome=reject reason=%s err=%v", endpoint, strings.ToLower(code), err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	h.writeError(w, status, code, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func (h *RefundHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *RefundHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "code": code})
}
