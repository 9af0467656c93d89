package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// memoryRepository is an in-memory store.Repository for workflow tests. It
// enforces the same compare-and-set rules as the PostgreSQL implementation.
type memoryRepository struct {
	mu sync.Mutex

	milestones  map[uuid.UUID]*domain.Milestone
	campaigns   map[uuid.UUID]*domain.Campaign
	donations   map[uuid.UUID]*domain.Donation
	allocations []domain.Allocation
	requests    map[uuid.UUID]*domain.RefundRequest
	decisions   map[uuid.UUID]*domain.DonorRefundDecision
	history     map[uuid.UUID][]domain.DecisionStatus

	notifications []domain.Notification
	audits        []domain.AuditEvent
	outbox        []memoryOutboxRow

	failDecisionInsert    bool
	failCampaignIncrement bool
	failRecordEffects     bool
	failTransitions       bool
}

type memoryOutboxRow struct {
	message   store.OutboxMessage
	published bool
	failures  int
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		milestones: make(map[uuid.UUID]*domain.Milestone),
		campaigns:  make(map[uuid.UUID]*domain.Campaign),
		donations:  make(map[uuid.UUID]*domain.Donation),
		requests:   make(map[uuid.UUID]*domain.RefundRequest),
		decisions:  make(map[uuid.UUID]*domain.DonorRefundDecision),
		history:    make(map[uuid.UUID][]domain.DecisionStatus),
	}
}

func (r *memoryRepository) addCampaign(c domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = &c
}

func (r *memoryRepository) updateCampaign(id uuid.UUID, mutate func(c *domain.Campaign)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.campaigns[id])
}

func (r *memoryRepository) addMilestone(m domain.Milestone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones[m.ID] = &m
}

func (r *memoryRepository) addDonation(d domain.Donation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.donations[d.ID] = &d
}

func (r *memoryRepository) addAllocation(a domain.Allocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations = append(r.allocations, a)
}

func (r *memoryRepository) decision(id uuid.UUID) domain.DonorRefundDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.decisions[id]
}

func (r *memoryRepository) request(id uuid.UUID) domain.RefundRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.requests[id]
}

func (r *memoryRepository) campaign(id uuid.UUID) domain.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaigns[id]
}

func (r *memoryRepository) donationsForCampaign(campaignID uuid.UUID) []domain.Donation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Donation
	for _, d := range r.donations {
		if d.CampaignID == campaignID {
			out = append(out, *d)
		}
	}
	return out
}

func (r *memoryRepository) decisionsFor(requestID uuid.UUID) []domain.DonorRefundDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedDecisionsLocked(requestID, nil)
}

func (r *memoryRepository) notificationsOfType(kind string) []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.notifications {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func (r *memoryRepository) auditsOfType(eventType string) []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEvent
	for _, a := range r.audits {
		if a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out
}

func (r *memoryRepository) statusHistory(id uuid.UUID) []domain.DecisionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DecisionStatus(nil), r.history[id]...)
}

func (r *memoryRepository) AllocateDonation(ctx context.Context, donationID uuid.UUID, campaignID uuid.UUID, plan store.AllocationPlanner) ([]domain.Allocation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	donation, ok := r.donations[donationID]
	if !ok {
		return nil, false, store.ErrDonationNotFound
	}
	if donation.CampaignID != campaignID {
		return nil, false, store.ErrDonationCampaignMismatch
	}
	var existing []domain.Allocation
	for _, a := range r.allocations {
		if a.DonationID == donationID {
			existing = append(existing, a)
		}
	}
	if len(existing) > 0 {
		return existing, false, nil
	}

	allocated := make(map[uuid.UUID]int64)
	for _, a := range r.allocations {
		if a.CampaignID == campaignID {
			allocated[a.MilestoneID] += a.AllocatedAmount
		}
	}
	var funding []domain.MilestoneFunding
	for _, m := range r.milestones {
		if m.CampaignID == campaignID {
			funding = append(funding, domain.MilestoneFunding{Milestone: *m, AllocatedAmount: allocated[m.ID]})
		}
	}
	sort.Slice(funding, func(i, j int) bool { return funding[i].Milestone.SortOrder < funding[j].Milestone.SortOrder })

	planned, err := plan(*donation, funding)
	if err != nil {
		return nil, false, err
	}
	var total int64
	for _, a := range planned {
		total += a.AllocatedAmount
	}
	if total > donation.Amount {
		return nil, false, store.ErrAllocationExceedsDonation
	}
	r.allocations = append(r.allocations, planned...)
	return planned, true, nil
}

func (r *memoryRepository) FindAllocationsByMilestone(ctx context.Context, milestoneID uuid.UUID, onlyUnreleased bool) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Allocation
	for _, a := range r.allocations {
		if a.MilestoneID != milestoneID || (onlyUnreleased && a.IsReleased) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepository) FindAllocationsByDonation(ctx context.Context, donationID uuid.UUID) ([]domain.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Allocation
	for _, a := range r.allocations {
		if a.DonationID == donationID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepository) FindMilestoneByID(ctx context.Context, milestoneID uuid.UUID) (*domain.Milestone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.milestones[milestoneID]
	if !ok {
		return nil, store.ErrMilestoneNotFound
	}
	copied := *m
	return &copied, nil
}

func (r *memoryRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *memoryRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.donations[donationID]
	if !ok {
		return nil, store.ErrDonationNotFound
	}
	copied := *d
	return &copied, nil
}

func (r *memoryRepository) CreateRefundRequestWithDecisions(ctx context.Context, request *domain.RefundRequest, decisions []domain.DonorRefundDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	milestone, ok := r.milestones[request.MilestoneID]
	if !ok {
		return store.ErrMilestoneNotFound
	}
	if milestone.RefundInitiated {
		return store.ErrRefundAlreadyInitiated
	}
	if r.failDecisionInsert {
		return errors.New("insert decision: connection reset")
	}

	seen := make(map[uuid.UUID]bool)
	for _, d := range decisions {
		if seen[d.DonationID] {
			return store.ErrDuplicateDecision
		}
		seen[d.DonationID] = true
	}

	now := request.CreatedAt
	milestone.RefundInitiated = true
	milestone.RefundInitiatedAt = &now
	stored := *request
	r.requests[request.ID] = &stored
	for _, d := range decisions {
		copied := d
		r.decisions[d.ID] = &copied
		r.history[d.ID] = []domain.DecisionStatus{d.Status}
	}
	return nil
}

func (r *memoryRepository) FindRefundRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return nil, store.ErrRefundRequestNotFound
	}
	copied := *req
	return &copied, nil
}

func (r *memoryRepository) ListRefundRequests(ctx context.Context, filter domain.RefundRequestFilter) ([]domain.RefundRequest, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.RefundRequest
	for _, req := range r.requests {
		switch {
		case filter.Status != nil && req.Status != *filter.Status,
			filter.CharityID != nil && req.CharityID != *filter.CharityID,
			filter.CampaignID != nil && req.CampaignID != *filter.CampaignID,
			filter.From != nil && req.CreatedAt.Before(*filter.From),
			filter.To != nil && req.CreatedAt.After(*filter.To):
			continue
		}
		matched = append(matched, *req)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (r *memoryRepository) UpdateRefundRequestStatus(ctx context.Context, requestID uuid.UUID, to domain.RequestStatus, completedAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[requestID]
	if !ok {
		return false, store.ErrRefundRequestNotFound
	}
	if !req.Status.CanTransitionTo(to) {
		return false, nil
	}
	req.Status = to
	if completedAt != nil {
		req.CompletedAt = completedAt
	}
	return true, nil
}

func (r *memoryRepository) FindStaleRefundRequestIDs(ctx context.Context, decidedBefore time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, d := range r.decisions {
		if d.Status.ReadyForSettlement() && d.UpdatedAt.Before(decidedBefore) && !seen[d.RefundRequestID] {
			seen[d.RefundRequestID] = true
			ids = append(ids, d.RefundRequestID)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryRepository) GetRefundStatistics(ctx context.Context) (*domain.RefundStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &domain.RefundStatistics{
		CountsByStatus:     make(map[domain.RequestStatus]int),
		DecisionTypeCounts: make(map[domain.DecisionType]int),
	}
	for _, req := range r.requests {
		stats.CountsByStatus[req.Status]++
	}
	var responseDays float64
	var responded int
	for _, d := range r.decisions {
		if d.DecisionType != "" {
			stats.DecisionTypeCounts[d.DecisionType]++
		}
		if !d.Status.IsSettled() {
			stats.TotalPendingAmount += d.RefundAmount
		}
		if d.DecidedAt != nil {
			responseDays += d.DecidedAt.Sub(d.CreatedAt).Hours() / 24
			responded++
		}
	}
	if responded > 0 {
		stats.AverageResponseTimeDays = responseDays / float64(responded)
	}
	return stats, nil
}

func (r *memoryRepository) FindDecisionByID(ctx context.Context, decisionID uuid.UUID) (*domain.DonorRefundDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.decisions[decisionID]
	if !ok {
		return nil, store.ErrDecisionNotFound
	}
	copied := *d
	return &copied, nil
}

func (r *memoryRepository) FindDecisionsByRefundRequest(ctx context.Context, requestID uuid.UUID, statuses []domain.DecisionStatus) ([]domain.DonorRefundDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedDecisionsLocked(requestID, statuses), nil
}

func (r *memoryRepository) sortedDecisionsLocked(requestID uuid.UUID, statuses []domain.DecisionStatus) []domain.DonorRefundDecision {
	var out []domain.DonorRefundDecision
	for _, d := range r.decisions {
		if d.RefundRequestID != requestID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, d.Status) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RefundAmount > out[j].RefundAmount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *memoryRepository) ListPendingDecisionsByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.PendingDecisionView, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PendingDecisionView
	for _, d := range r.decisions {
		if d.DonorID != donorID || d.Status != domain.DecisionPending {
			continue
		}
		req := r.requests[d.RefundRequestID]
		view := domain.PendingDecisionView{
			DonorRefundDecision: *d,
			DecisionDeadline:    req.DecisionDeadline,
			CampaignID:          req.CampaignID,
			RejectionReason:     req.RejectionReason,
		}
		if m, ok := r.milestones[d.MilestoneID]; ok {
			view.MilestoneTitle = m.Title
		}
		if c, ok := r.campaigns[req.CampaignID]; ok {
			view.CampaignTitle = c.Title
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *memoryRepository) FindExpiredPendingDecisions(ctx context.Context, now time.Time, limit int) ([]domain.ExpiredDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ExpiredDecision
	for _, d := range r.decisions {
		req := r.requests[d.RefundRequestID]
		if d.Status == domain.DecisionPending && req.DecisionDeadline.Before(now) {
			out = append(out, domain.ExpiredDecision{Decision: *d, DecisionDeadline: req.DecisionDeadline})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Decision.RefundAmount > out[j].Decision.RefundAmount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepository) TransitionDecision(ctx context.Context, decisionID uuid.UUID, t domain.DecisionTransition) (*domain.DonorRefundDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTransitions {
		return nil, errors.New("update decision: connection reset")
	}
	return r.transitionLocked(decisionID, t)
}

func (r *memoryRepository) transitionLocked(decisionID uuid.UUID, t domain.DecisionTransition) (*domain.DonorRefundDecision, error) {
	for _, from := range t.From {
		if !from.CanTransitionTo(t.To) {
			return nil, store.ErrInvalidDecisionTransition
		}
	}
	d, ok := r.decisions[decisionID]
	if !ok {
		return nil, store.ErrDecisionNotFound
	}
	if !containsStatus(t.From, d.Status) {
		return nil, store.ErrInvalidDecisionTransition
	}

	d.Status = t.To
	if t.DecisionType != nil {
		d.DecisionType = *t.DecisionType
	}
	if t.ClearRedirect {
		d.RedirectCampaignID = nil
	}
	if t.RedirectCampaignID != nil {
		id := *t.RedirectCampaignID
		d.RedirectCampaignID = &id
	}
	if t.DecidedAt != nil {
		d.DecidedAt = t.DecidedAt
	}
	if t.ProcessedAt != nil {
		d.ProcessedAt = t.ProcessedAt
	}
	if t.RefundTransactionID != nil {
		d.RefundTransactionID = t.RefundTransactionID
	}
	if t.NewDonationID != nil {
		d.NewDonationID = t.NewDonationID
	}
	if t.ProcessingError != nil {
		d.ProcessingError = t.ProcessingError
	}
	if len(t.MetadataPatch) > 0 {
		merged := make(map[string]any, len(d.Metadata)+len(t.MetadataPatch))
		for k, v := range d.Metadata {
			merged[k] = v
		}
		for k, v := range t.MetadataPatch {
			merged[k] = v
		}
		d.Metadata = merged
	}
	r.history[decisionID] = append(r.history[decisionID], t.To)

	copied := *d
	return &copied, nil
}

func (r *memoryRepository) SettleRedirectDecision(ctx context.Context, decisionID uuid.UUID, donation *domain.Donation, processedAt time.Time) (*domain.DonorRefundDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	campaign, ok := r.campaigns[donation.CampaignID]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	if r.failCampaignIncrement {
		return nil, errors.New("increment campaign total: deadlock detected")
	}

	t := domain.NewDecisionTransition(domain.DecisionCompleted)
	t.ProcessedAt = &processedAt
	t.NewDonationID = &donation.ID
	settled, err := r.transitionLocked(decisionID, t)
	if err != nil {
		return nil, err
	}
	stored := *donation
	r.donations[donation.ID] = &stored
	campaign.CurrentAmount += donation.Amount
	return settled, nil
}

func (r *memoryRepository) RecordEffects(ctx context.Context, notifications []domain.Notification, audits []domain.AuditEvent, events []domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRecordEffects {
		return errors.New("notifications table unavailable")
	}
	r.notifications = append(r.notifications, notifications...)
	r.audits = append(r.audits, audits...)
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		r.outbox = append(r.outbox, memoryOutboxRow{message: store.OutboxMessage{
			ID:         int64(len(r.outbox) + 1),
			Exchange:   e.Exchange,
			RoutingKey: e.RoutingKey,
			Payload:    payload,
		}})
	}
	return nil
}

func (r *memoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.OutboxMessage
	for i := range r.outbox {
		if r.outbox[i].published {
			continue
		}
		r.outbox[i].message.Attempts++
		out = append(out, r.outbox[i].message)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox[id-1].published = true
	return nil
}

func (r *memoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox[id-1].failures++
	return nil
}

func containsStatus(statuses []domain.DecisionStatus, status domain.DecisionStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

var _ clock.Clock = (*manualClock)(nil)

// manualClock reports a settable time and fires every timer immediately.
type manualClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	<-c.After(d)
	f()
	return &firedTimer{ch: make(chan time.Time)}
}

func (c *manualClock) NewTimer(d time.Duration) clock.Timer {
	return &firedTimer{ch: c.After(d)}
}

func (c *manualClock) At(t time.Time) <-chan time.Time {
	return c.After(t.Sub(c.Now()))
}

func (c *manualClock) AtFunc(t time.Time, f func()) clock.Alarm {
	<-c.At(t)
	f()
	return &firedAlarm{ch: make(chan time.Time)}
}

func (c *manualClock) NewAlarm(t time.Time) clock.Alarm {
	return &firedAlarm{ch: c.At(t)}
}

func (c *manualClock) recordedWaits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type firedTimer struct {
	ch <-chan time.Time
}

func (t *firedTimer) Chan() <-chan time.Time { return t.ch }

func (t *firedTimer) Reset(time.Duration) bool { return false }

func (t *firedTimer) Stop() bool { return false }

type firedAlarm struct {
	ch <-chan time.Time
}

func (a *firedAlarm) Chan() <-chan time.Time { return a.ch }

func (a *firedAlarm) Reset(time.Time) bool { return false }

func (a *firedAlarm) Stop() bool { return false }

// scriptedProvider returns queued results and records every call.
type scriptedProvider struct {
	mu      sync.Mutex
	results []error
	failFor map[string]error
	calls   []ProviderRefund
}

func (p *scriptedProvider) Refund(ctx context.Context, call ProviderRefund) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if err, ok := p.failFor[call.PaymentReference]; ok {
		return "", err
	}
	if len(p.results) > 0 {
		err := p.results[0]
		p.results = p.results[1:]
		if err != nil {
			return "", err
		}
	}
	return "rf_" + call.IdempotencyKey[:8], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) callsFor(reference string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.PaymentReference == reference {
			n++
		}
	}
	return n
}
