package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/retention/internal/auth"
	"example.com/retention/internal/domain"
)

func testClaims(scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &auth.Claims{
		Subject:   "tester",
		TenantID:  "gym-1",
		Scopes:    set,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func newTestHandler(repo *fakeInterventionRepo, notifier domain.Notifier) *Handler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	service := domain.NewService(repo, notifier)
	tracker := domain.NewCoachTracker(&fakeCoachRepo{}, 10)
	coordinator := domain.NewCoordinator(&fakeRunRepo{}, &fakeMemberRepo{}, repo, tracker, domain.CoordinatorConfig{Risk: domain.DefaultRiskConfig()})
	return NewHandler(service, coordinator, tracker, "demo-gym", time.Minute)
}

func TestRunDailyReturnsSummary(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/run-daily", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeRunsExecute)))

	rr := httptest.NewRecorder()
	handler.runDaily(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp RunSummaryView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TenantID != "gym-1" {
		t.Fatalf("expected claims tenant in summary, got %q", resp.TenantID)
	}
	if !resp.Completed {
		t.Fatalf("expected completed run, got %+v", resp)
	}
	if _, err := time.Parse("2006-01-02", resp.RunDate); err != nil {
		t.Fatalf("expected calendar-date run_date, got %q", resp.RunDate)
	}
}

func TestRunDailyRequiresScope(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/run-daily", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsWrite)))

	rr := httptest.NewRecorder()
	handler.runDaily(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestRunDailyRejectsInvalidTenant(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	claims := testClaims(auth.ScopeRunsExecute)
	claims.TenantID = ""
	req := httptest.NewRequest(http.MethodPost, "/v1/run-daily?tenant_id=bad%20tenant", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), claims))

	rr := httptest.NewRecorder()
	handler.runDaily(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "validation_failed") {
		t.Fatalf("expected validation_failed body, got %s", rr.Body.String())
	}
}

func TestApproveDispatchesAndReportsSent(t *testing.T) {
	repo := newFakeInterventionRepo(domain.Intervention{
		ID:       "iv-1",
		TenantID: "gym-1",
		MemberID: "m-1",
		Type:     domain.TypeWelcomeBackCall,
		Status:   domain.StatusPendingApproval,
	})
	handler := newTestHandler(repo, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/interventions/iv-1/approve", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsWrite)))

	rr := httptest.NewRecorder()
	handler.interventionAction(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	var resp ActionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Success || resp.Status != string(domain.StatusSent) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestApproveRejectsNonPending(t *testing.T) {
	repo := newFakeInterventionRepo(domain.Intervention{
		ID:       "iv-2",
		TenantID: "gym-1",
		MemberID: "m-1",
		Type:     domain.TypeCheckinMessage,
		Status:   domain.StatusSent,
	})
	handler := newTestHandler(repo, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/interventions/iv-2/approve", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsWrite)))

	rr := httptest.NewRecorder()
	handler.interventionAction(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "transition_rejected") {
		t.Fatalf("expected transition_rejected body, got %s", rr.Body.String())
	}
}

func TestApproveDispatchFailureReturnsBadGateway(t *testing.T) {
	repo := newFakeInterventionRepo(domain.Intervention{
		ID:       "iv-3",
		TenantID: "gym-1",
		MemberID: "m-1",
		Type:     domain.TypeWinBackOffer,
		Status:   domain.StatusPendingApproval,
	})
	handler := newTestHandler(repo, failingNotifier{})

	req := httptest.NewRequest(http.MethodPost, "/v1/interventions/iv-3/approve", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsWrite)))

	rr := httptest.NewRecorder()
	handler.interventionAction(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d: %s", rr.Code, rr.Body.String())
	}
	if got := repo.items["iv-3"].Status; got != domain.StatusFailed {
		t.Fatalf("expected FAILED after dispatch error, got %s", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	repo := newFakeInterventionRepo(domain.Intervention{
		ID:       "iv-4",
		TenantID: "gym-1",
		MemberID: "m-1",
		Type:     domain.TypeCoachTouch,
		Status:   domain.StatusCancelled,
	})
	handler := newTestHandler(repo, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/interventions/iv-4/cancel", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsWrite)))

	rr := httptest.NewRecorder()
	handler.interventionAction(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestApprovalsCountFailsSoft(t *testing.T) {
	repo := newFakeInterventionRepo()
	repo.countErr = errors.New("connection refused")
	handler := newTestHandler(repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/count", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsRead)))

	rr := httptest.NewRecorder()
	handler.approvalsCount(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var resp CountResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 0 {
		t.Fatalf("expected count 0 got %d", resp.Count)
	}
}

func TestApprovalsCountRequiresScope(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/count", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeRunsExecute)))

	rr := httptest.NewRecorder()
	handler.approvalsCount(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestResolveTenantPrefersClaims(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/count?tenant_id=query-gym", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsRead)))

	if got := handler.resolveTenant(req); got != "gym-1" {
		t.Fatalf("expected claims tenant, got %s", got)
	}
}

func TestResolveTenantDemoFallback(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	claims := testClaims(auth.ScopeInterventionsRead)
	claims.TenantID = ""
	req := httptest.NewRequest(http.MethodGet, "/v1/approvals/count", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), claims))

	if got := handler.resolveTenant(req); got != "demo-gym" {
		t.Fatalf("expected demo fallback, got %s", got)
	}
}

func TestSavedToggleMissingAssignment(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/assignments/m-404/saved", strings.NewReader(`{"saved":true}`))
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeCoachingWrite)))

	rr := httptest.NewRecorder()
	handler.assignmentAction(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestListInterventionsRejectsUnknownStatus(t *testing.T) {
	handler := newTestHandler(newFakeInterventionRepo(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/interventions?status=BOGUS", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), testClaims(auth.ScopeInterventionsRead)))

	rr := httptest.NewRecorder()
	handler.listInterventions(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(ctx context.Context, intervention domain.Intervention) error { return nil }

type failingNotifier struct{}

func (failingNotifier) Notify(ctx context.Context, intervention domain.Intervention) error {
	return errors.New("broker unavailable")
}

type fakeInterventionRepo struct {
	items    map[string]domain.Intervention
	countErr error
}

func newFakeInterventionRepo(seed ...domain.Intervention) *fakeInterventionRepo {
	items := make(map[string]domain.Intervention, len(seed))
	for _, iv := range seed {
		items[iv.ID] = iv
	}
	return &fakeInterventionRepo{items: items}
}

func (f *fakeInterventionRepo) Get(ctx context.Context, tenantID, id string) (*domain.Intervention, error) {
	iv, ok := f.items[id]
	if !ok || iv.TenantID != tenantID {
		return nil, nil
	}
	copied := iv
	return &copied, nil
}

func (f *fakeInterventionRepo) CreateBatch(ctx context.Context, tenantID string, candidates []domain.Intervention) (int, error) {
	for _, iv := range candidates {
		f.items[iv.ID] = iv
	}
	return len(candidates), nil
}

func (f *fakeInterventionRepo) OpenByMembers(ctx context.Context, tenantID string, memberIDs []string) (map[string][]domain.Intervention, error) {
	return map[string][]domain.Intervention{}, nil
}

func (f *fakeInterventionRepo) Transition(ctx context.Context, tenantID, id string, from, to domain.InterventionStatus, at time.Time, reason *string) (bool, error) {
	iv, ok := f.items[id]
	if !ok || iv.TenantID != tenantID || iv.Status != from {
		return false, nil
	}
	iv.Status = to
	switch to {
	case domain.StatusApproved:
		if iv.ApprovedAt == nil {
			ts := at
			iv.ApprovedAt = &ts
		}
	case domain.StatusSent:
		ts := at
		iv.SentAt = &ts
	case domain.StatusFailed:
		iv.FailureReason = reason
	}
	f.items[id] = iv
	return true, nil
}

func (f *fakeInterventionRepo) CountByStatus(ctx context.Context, tenantID string, status domain.InterventionStatus) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	count := 0
	for _, iv := range f.items {
		if iv.TenantID == tenantID && iv.Status == status {
			count++
		}
	}
	return count, nil
}

func (f *fakeInterventionRepo) List(ctx context.Context, tenantID string, status *domain.InterventionStatus, cursor *domain.Cursor, limit int) ([]domain.Intervention, *domain.Cursor, error) {
	var out []domain.Intervention
	for _, iv := range f.items {
		if iv.TenantID != tenantID {
			continue
		}
		if status != nil && iv.Status != *status {
			continue
		}
		out = append(out, iv)
	}
	return out, nil, nil
}

type fakeCoachRepo struct{}

func (fakeCoachRepo) ActiveAssignment(ctx context.Context, tenantID, memberID string) (*domain.CoachAssignment, error) {
	return nil, nil
}

func (fakeCoachRepo) ListUnassignedMembers(ctx context.Context, tenantID string, limit int) ([]string, error) {
	return nil, nil
}

func (fakeCoachRepo) CoachLoads(ctx context.Context, tenantID string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (fakeCoachRepo) Assign(ctx context.Context, assignment domain.CoachAssignment) error { return nil }

func (fakeCoachRepo) SetSaved(ctx context.Context, tenantID, memberID string, saved bool) (bool, error) {
	return false, nil
}

func (fakeCoachRepo) RecordTouch(ctx context.Context, tenantID, memberID string, at time.Time) (bool, error) {
	return false, nil
}

func (fakeCoachRepo) ListOverdue(ctx context.Context, tenantID string, olderThan time.Time) ([]domain.CoachAssignment, error) {
	return nil, nil
}

type fakeRunRepo struct{}

func (fakeRunRepo) ClaimRun(ctx context.Context, tenantID string, runDate time.Time) (*domain.DailyRunRecord, bool, error) {
	return &domain.DailyRunRecord{TenantID: tenantID, RunDate: runDate, Status: domain.RunInProgress}, true, nil
}

func (fakeRunRepo) AdvanceRun(ctx context.Context, rec *domain.DailyRunRecord, prevCursor string) (bool, error) {
	return true, nil
}

func (fakeRunRepo) CompleteRun(ctx context.Context, rec *domain.DailyRunRecord, prevCursor string) (bool, error) {
	return true, nil
}

type fakeMemberRepo struct{}

func (fakeMemberRepo) ListSnapshots(ctx context.Context, tenantID, afterMemberID string, limit int) ([]domain.MemberSnapshot, error) {
	return nil, nil
}
