package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	testSecret      = "test-signing-secret"
	testInternalKey = "internal-key"
)

// stubService embeds RefundService so each test overrides only what it touches.
type stubService struct {
	RefundService

	submit   func(decisionID, donorID uuid.UUID, req domain.SubmitDecisionRequest) (*domain.SubmitDecisionResult, error)
	list     func(filter domain.RefundRequestFilter) (*domain.RefundRequestPage, error)
	process  func(requestID uuid.UUID, actorID *uuid.UUID) (*domain.ProcessingResult, error)
	allocate func(req domain.AllocateDonationRequest) ([]domain.Allocation, bool, error)
	sweeps   int
}

func (s *stubService) SubmitDecision(ctx context.Context, decisionID, donorID uuid.UUID, req domain.SubmitDecisionRequest) (*domain.SubmitDecisionResult, error) {
	return s.submit(decisionID, donorID, req)
}

func (s *stubService) ListRefundRequests(ctx context.Context, filter domain.RefundRequestFilter) (*domain.RefundRequestPage, error) {
	return s.list(filter)
}

func (s *stubService) ProcessRefundRequest(ctx context.Context, requestID uuid.UUID, actorID *uuid.UUID) (*domain.ProcessingResult, error) {
	return s.process(requestID, actorID)
}

func (s *stubService) Allocate(ctx context.Context, req domain.AllocateDonationRequest) ([]domain.Allocation, bool, error) {
	return s.allocate(req)
}

func (s *stubService) AutoProcessExpired(ctx context.Context) (*domain.SweepResult, error) {
	s.sweeps++
	return &domain.SweepResult{Decisions: []domain.SettlementOutcome{}}, nil
}

func newTestRouter(svc RefundService) http.Handler {
	return RefundRoutes(NewRefundHandlers(svc), RouterConfig{
		AuthJWTSecret:  testSecret,
		InternalAPIKey: testInternalKey,
		MetricsHandler: http.NotFoundHandler(),
	})
}

func signToken(t *testing.T, secret string, subject uuid.UUID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealth(t *testing.T) {
	rec := doRequest(newTestRouter(&stubService{}), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("expected healthy, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestAuthMiddlewareRejectsBadTokens(t *testing.T) {
	router := newTestRouter(&stubService{})
	donorID := uuid.New()

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing header", headers: nil},
		{name: "not bearer", headers: map[string]string{"Authorization": "Basic abc"}},
		{name: "wrong secret", headers: bearer(signToken(t, "other-secret", donorID, ""))},
		{name: "garbage token", headers: bearer("not.a.jwt")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(router, http.MethodGet, "/refunds/decisions/pending", "", tc.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	router := newTestRouter(&stubService{})
	token := signToken(t, testSecret, uuid.New(), "donor")

	rec := doRequest(router, http.MethodGet, "/refunds/statistics", "", bearer(token))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a donor token, got %d", rec.Code)
	}
}

func TestSubmitDecisionHandler(t *testing.T) {
	donorID := uuid.New()
	decisionID := uuid.New()
	var gotDonor uuid.UUID
	var gotReq domain.SubmitDecisionRequest
	svc := &stubService{
		submit: func(id, donor uuid.UUID, req domain.SubmitDecisionRequest) (*domain.SubmitDecisionResult, error) {
			if id != decisionID {
				return nil, fmt.Errorf("decision %s: %w", id, domain.ErrNotFound)
			}
			gotDonor, gotReq = donor, req
			return &domain.SubmitDecisionResult{Decision: &domain.DonorRefundDecision{ID: id, Status: domain.DecisionDecided}}, nil
		},
	}
	router := newTestRouter(svc)
	token := signToken(t, testSecret, donorID, "")

	rec := doRequest(router, http.MethodPost, "/refunds/decisions/"+decisionID.String(), `{"decision_type":" Refund "}`, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotDonor != donorID {
		t.Fatalf("expected the token subject to be passed as donor, got %s", gotDonor)
	}
	if gotReq.DecisionType != domain.DecisionRefund {
		t.Fatalf("expected normalized decision type, got %q", gotReq.DecisionType)
	}

	rec = doRequest(router, http.MethodPost, "/refunds/decisions/"+uuid.NewString(), `{"decision_type":"refund"}`, bearer(token))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown decision, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %q", body["code"])
	}

	rec = doRequest(router, http.MethodPost, "/refunds/decisions/not-a-uuid", `{}`, bearer(token))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", rec.Code)
	}
}

func TestRateLimitedSubmissionSetsRetryAfter(t *testing.T) {
	svc := &stubService{
		submit: func(uuid.UUID, uuid.UUID, domain.SubmitDecisionRequest) (*domain.SubmitDecisionResult, error) {
			return nil, fmt.Errorf("donor x: %w", domain.ErrRateLimited)
		},
	}
	rec := doRequest(newTestRouter(svc), http.MethodPost, "/refunds/decisions/"+uuid.NewString(), `{"decision_type":"refund"}`,
		bearer(signToken(t, testSecret, uuid.New(), "")))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("milestone: %w", domain.ErrNotFound), want: http.StatusNotFound},
		{err: domain.ErrAlreadyInitiated, want: http.StatusConflict},
		{err: domain.ErrInvalidStatus, want: http.StatusConflict},
		{err: domain.ErrDeadlineExpired, want: http.StatusGone},
		{err: domain.ErrCampaignEnding, want: http.StatusUnprocessableEntity},
		{err: domain.ErrInvalidDecision, want: http.StatusUnprocessableEntity},
		{err: domain.ErrNoAllocations, want: http.StatusUnprocessableEntity},
		{err: domain.ErrNoDecisions, want: http.StatusUnprocessableEntity},
		{err: domain.ErrRateLimited, want: http.StatusTooManyRequests},
		{err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			if got := statusForError(tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestListRefundRequestsParsesFilter(t *testing.T) {
	campaignID := uuid.New()
	var got domain.RefundRequestFilter
	svc := &stubService{
		list: func(filter domain.RefundRequestFilter) (*domain.RefundRequestPage, error) {
			got = filter
			return &domain.RefundRequestPage{Items: []domain.RefundRequest{}}, nil
		},
	}
	router := newTestRouter(svc)
	token := bearer(signToken(t, testSecret, uuid.New(), RoleAdmin))

	path := "/refunds/requests?status=processing&campaign_id=" + campaignID.String() + "&from=2026-01-01&limit=5&offset=10"
	rec := doRequest(router, http.MethodGet, path, "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Status == nil || *got.Status != domain.RequestProcessing {
		t.Fatalf("expected processing status filter, got %v", got.Status)
	}
	if got.CampaignID == nil || *got.CampaignID != campaignID {
		t.Fatalf("expected campaign filter %s", campaignID)
	}
	if got.From == nil || !got.From.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected from filter, got %v", got.From)
	}
	if got.Limit != 5 || got.Offset != 10 {
		t.Fatalf("expected paging 5/10, got %d/%d", got.Limit, got.Offset)
	}

	for _, bad := range []string{"status=archived", "campaign_id=nope", "to=yesterday", "limit=ten"} {
		rec := doRequest(router, http.MethodGet, "/refunds/requests?"+bad, "", token)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestProcessRoutesPassActor(t *testing.T) {
	requestID := uuid.New()
	adminID := uuid.New()
	var actors []*uuid.UUID
	svc := &stubService{
		process: func(id uuid.UUID, actorID *uuid.UUID) (*domain.ProcessingResult, error) {
			actors = append(actors, actorID)
			return &domain.ProcessingResult{RefundRequestID: id}, nil
		},
	}
	router := newTestRouter(svc)

	rec := doRequest(router, http.MethodPost, "/refunds/requests/"+requestID.String()+"/process", "", bearer(signToken(t, testSecret, adminID, RoleAdmin)))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin process: expected 200, got %d", rec.Code)
	}
	rec = doRequest(router, http.MethodPost, "/refunds/internal/requests/"+requestID.String()+"/process", "", map[string]string{InternalAPIKeyHeader: testInternalKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("internal process: expected 200, got %d", rec.Code)
	}
	if len(actors) != 2 || actors[0] == nil || *actors[0] != adminID || actors[1] != nil {
		t.Fatalf("expected admin actor then system actor, got %v", actors)
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(svc)

	rec := doRequest(router, http.MethodPost, "/refunds/internal/sweep", "", map[string]string{InternalAPIKeyHeader: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong key, got %d", rec.Code)
	}
	rec = doRequest(router, http.MethodPost, "/refunds/internal/sweep", "", map[string]string{InternalAPIKeyHeader: testInternalKey})
	if rec.Code != http.StatusOK || svc.sweeps != 1 {
		t.Fatalf("expected one sweep, got status %d sweeps %d", rec.Code, svc.sweeps)
	}

	unkeyed := RefundRoutes(NewRefundHandlers(svc), RouterConfig{AuthJWTSecret: testSecret, MetricsHandler: http.NotFoundHandler()})
	rec = doRequest(unkeyed, http.MethodPost, "/refunds/internal/sweep", "", map[string]string{InternalAPIKeyHeader: ""})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected internal routes closed without a configured key, got %d", rec.Code)
	}
}

func TestAllocateDonationHandler(t *testing.T) {
	calls := 0
	svc := &stubService{
		allocate: func(req domain.AllocateDonationRequest) ([]domain.Allocation, bool, error) {
			calls++
			return []domain.Allocation{{DonationID: req.DonationID, AllocatedAmount: req.Amount}}, calls == 1, nil
		},
	}
	router := newTestRouter(svc)
	headers := map[string]string{InternalAPIKeyHeader: testInternalKey}
	payload := fmt.Sprintf(`{"donation_id":%q,"campaign_id":%q,"donor_id":%q,"amount":2500}`, uuid.NewString(), uuid.NewString(), uuid.NewString())

	if rec := doRequest(router, http.MethodPost, "/refunds/internal/allocations", payload, headers); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first allocation, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodPost, "/refunds/internal/allocations", payload, headers); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodPost, "/refunds/internal/allocations", `{"amount":0}`, headers); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an incomplete payload, got %d", rec.Code)
	}
	if calls != 2 {
		t.Fatalf("expected the invalid payload to be rejected before the ledger, got %d calls", calls)
	}
}
