// Package api exposes HTTP handlers for the retention engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/retention/internal/auth"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/persistence"
)

// Handler coordinates HTTP requests with the core engine.
type Handler struct {
	service       *domain.Service
	coordinator   *domain.Coordinator
	tracker       *domain.CoachTracker
	defaultTenant string
	runBudget     time.Duration
	now           func() time.Time
}

// NewHandler builds a Handler. defaultTenant is substituted when a caller has
// no resolvable tenant; see resolveTenant. runBudget caps how long a daily run
// may hold the request before it stops at a resumable cursor.
func NewHandler(service *domain.Service, coordinator *domain.Coordinator, tracker *domain.CoachTracker, defaultTenant string, runBudget time.Duration) *Handler {
	return &Handler{
		service:       service,
		coordinator:   coordinator,
		tracker:       tracker,
		defaultTenant: defaultTenant,
		runBudget:     runBudget,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/run-daily", h.runDaily)
	mux.HandleFunc("/v1/interventions", h.listInterventions)
	mux.HandleFunc("/v1/interventions/", h.interventionAction)
	mux.HandleFunc("/v1/approvals/count", h.approvalsCount)
	mux.HandleFunc("/v1/assignments/auto", h.autoAssign)
	mux.HandleFunc("/v1/assignments/overdue", h.overdueAssignments)
	mux.HandleFunc("/v1/assignments/", h.assignmentAction)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// resolveTenant picks the tenant for an operation: claims first, then the
// tenant_id query parameter, then the configured demo tenant. The demo
// fallback silently widens the scope of a call, so every substitution is
// logged for operators.
func (h *Handler) resolveTenant(r *http.Request) string {
	if claims, ok := auth.FromContext(r.Context()); ok && claims.TenantID != "" {
		return claims.TenantID
	}
	if t := strings.TrimSpace(r.URL.Query().Get("tenant_id")); t != "" {
		return t
	}
	log.Printf("WARNING: no resolvable tenant for %s %s, falling back to demo tenant %q", r.Method, r.URL.Path, h.defaultTenant)
	return h.defaultTenant
}

func (h *Handler) runDaily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRunsExecute) {
		writeError(w, http.StatusForbidden, "forbidden", "scope runs:execute required")
		return
	}

	tenantID := h.resolveTenant(r)
	if tenantID == "" || strings.ContainsAny(tenantID, " \t\n") {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid tenant identifier")
		return
	}

	ctx := r.Context()
	if h.runBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runBudget)
		defer cancel()
	}

	summary, err := h.coordinator.RunDaily(ctx, tenantID, h.now())
	if err != nil {
		log.Printf("run-daily failed tenant=%s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error", "daily run failed")
		return
	}

	writeJSON(w, http.StatusOK, toRunSummaryView(summary))
}

func (h *Handler) interventionAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/interventions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing intervention id or action")
		return
	}
	id, action := parts[0], parts[1]

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeInterventionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope interventions:write required")
		return
	}

	tenantID := h.resolveTenant(r)

	switch action {
	case "approve":
		h.approve(w, r, tenantID, id, h.service.ApproveAndSend)
	case "retry":
		h.approve(w, r, tenantID, id, h.service.RetryDispatch)
	case "cancel":
		h.cancel(w, r, tenantID, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request, tenantID, id string, op func(context.Context, string, string) (*domain.Intervention, error)) {
	iv, err := op(r.Context(), tenantID, id)
	if err != nil {
		var te *domain.TransitionError
		switch {
		case errors.As(err, &te):
			writeError(w, http.StatusBadRequest, "transition_rejected", te.Error())
		case errors.Is(err, domain.ErrInterventionNotFound):
			writeError(w, http.StatusBadRequest, "not_found", "intervention not found")
		case errors.Is(err, domain.ErrDispatchFailed):
			writeError(w, http.StatusBadGateway, "dispatch_failed", "outreach delivery failed; intervention marked FAILED")
		default:
			log.Printf("approve failed tenant=%s id=%s: %v", tenantID, id, err)
			writeError(w, http.StatusInternalServerError, "server_error", "approval failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Status: string(iv.Status)})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	err := h.service.CancelIntervention(r.Context(), tenantID, id)
	if err != nil {
		var te *domain.TransitionError
		switch {
		case errors.As(err, &te):
			writeError(w, http.StatusBadRequest, "transition_rejected", te.Error())
		case errors.Is(err, domain.ErrInterventionNotFound):
			writeError(w, http.StatusBadRequest, "not_found", "intervention not found")
		default:
			log.Printf("cancel failed tenant=%s id=%s: %v", tenantID, id, err)
			writeError(w, http.StatusInternalServerError, "server_error", "cancel failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Status: string(domain.StatusCancelled)})
}

func (h *Handler) approvalsCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeInterventionsRead) && !claims.HasScope(auth.ScopeInterventionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope interventions:read required")
		return
	}

	tenantID := h.resolveTenant(r)

	count, err := h.service.PendingApprovalCount(r.Context(), tenantID)
	if err != nil {
		// Fail soft: the badge count is advisory, never worth a broken page.
		log.Printf("approvals count failed tenant=%s: %v", tenantID, err)
		writeJSON(w, http.StatusOK, CountResponse{Count: 0})
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

func (h *Handler) listInterventions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeInterventionsRead) && !claims.HasScope(auth.ScopeInterventionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope interventions:read required")
		return
	}

	tenantID := h.resolveTenant(r)

	var status *domain.InterventionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.InterventionStatus(raw)
		switch s {
		case domain.StatusPendingApproval, domain.StatusApproved, domain.StatusSent, domain.StatusCancelled, domain.StatusFailed:
			status = &s
		default:
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown status")
			return
		}
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	items, next, err := h.service.ListInterventions(r.Context(), tenantID, status, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "listing failed")
		return
	}

	views := make([]InterventionView, 0, len(items))
	for _, iv := range items {
		views = append(views, toInterventionView(iv))
	}
	writeJSON(w, http.StatusOK, ListInterventionsResponse{
		Items:      views,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) autoAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCoachingWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope coaching:write required")
		return
	}

	tenantID := h.resolveTenant(r)

	assigned, err := h.tracker.AutoAssign(r.Context(), tenantID, h.now())
	if err != nil {
		log.Printf("auto-assign failed tenant=%s: %v", tenantID, err)
		writeError(w, http.StatusInternalServerError, "server_error", "auto-assignment failed")
		return
	}
	writeJSON(w, http.StatusOK, AutoAssignResponse{Assigned: assigned})
}

func (h *Handler) overdueAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCoachingWrite) && !claims.HasScope(auth.ScopeInterventionsRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope coaching:write required")
		return
	}

	tenantID := h.resolveTenant(r)

	overdue, err := h.tracker.Overdue(r.Context(), tenantID, h.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "overdue lookup failed")
		return
	}

	views := make([]AssignmentView, 0, len(overdue))
	for _, a := range overdue {
		views = append(views, toAssignmentView(a))
	}
	writeJSON(w, http.StatusOK, OverdueResponse{Items: views})
}

func (h *Handler) assignmentAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/assignments/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "saved" {
		writeError(w, http.StatusNotFound, "not_found", "unknown assignment action")
		return
	}
	memberID := parts[0]

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCoachingWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope coaching:write required")
		return
	}

	var req SavedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	tenantID := h.resolveTenant(r)

	if err := h.tracker.SetSaved(r.Context(), tenantID, memberID, req.Saved); err != nil {
		if errors.Is(err, domain.ErrAssignmentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no active assignment for member")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", "saved toggle failed")
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// SavedRequest toggles the saved flag on a coach assignment.
type SavedRequest struct {
	Saved bool `json:"saved"`
}

// ActionResponse acknowledges a state-changing call.
type ActionResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
}

// CountResponse carries the pending-approval badge count.
type CountResponse struct {
	Count int `json:"count"`
}

// AutoAssignResponse reports how many members received a coach.
type AutoAssignResponse struct {
	Assigned int `json:"assigned"`
}

// RunSummaryView is the wire form of a daily-run result.
type RunSummaryView struct {
	TenantID             string `json:"tenant_id"`
	RunDate              string `json:"run_date"`
	MembersProcessed     int    `json:"members_processed"`
	InterventionsCreated int    `json:"interventions_created"`
	CoachesAssigned      int    `json:"coaches_assigned"`
	Errors               int    `json:"errors"`
	Completed            bool   `json:"completed"`
	AlreadyComplete      bool   `json:"already_complete"`
}

// InterventionView is the wire form of an intervention.
type InterventionView struct {
	InterventionID string     `json:"intervention_id"`
	TenantID       string     `json:"tenant_id"`
	MemberID       string     `json:"member_id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
}

// ListInterventionsResponse is a cursor page of interventions.
type ListInterventionsResponse struct {
	Items      []InterventionView `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// AssignmentView is the wire form of a coach assignment.
type AssignmentView struct {
	AssignmentID string    `json:"assignment_id"`
	TenantID     string    `json:"tenant_id"`
	MemberID     string    `json:"member_id"`
	CoachID      string    `json:"coach_id"`
	Saved        bool      `json:"saved"`
	LastTouchAt  time.Time `json:"last_touch_at"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// OverdueResponse lists assignments past the contact deadline.
type OverdueResponse struct {
	Items []AssignmentView `json:"items"`
}

func toRunSummaryView(s domain.RunSummary) RunSummaryView {
	return RunSummaryView{
		TenantID:             s.TenantID,
		RunDate:              s.RunDate.Format("2006-01-02"),
		MembersProcessed:     s.MembersProcessed,
		InterventionsCreated: s.InterventionsCreated,
		CoachesAssigned:      s.CoachesAssigned,
		Errors:               s.Errors,
		Completed:            s.Completed,
		AlreadyComplete:      s.AlreadyComplete,
	}
}

func toInterventionView(iv domain.Intervention) InterventionView {
	return InterventionView{
		InterventionID: iv.ID,
		TenantID:       iv.TenantID,
		MemberID:       iv.MemberID,
		Type:           string(iv.Type),
		Status:         string(iv.Status),
		CreatedAt:      iv.CreatedAt,
		ApprovedAt:     iv.ApprovedAt,
		SentAt:         iv.SentAt,
		FailureReason:  iv.FailureReason,
	}
}

func toAssignmentView(a domain.CoachAssignment) AssignmentView {
	return AssignmentView{
		AssignmentID: a.ID,
		TenantID:     a.TenantID,
		MemberID:     a.MemberID,
		CoachID:      a.CoachID,
		Saved:        a.Saved,
		LastTouchAt:  a.LastTouchAt,
		AssignedAt:   a.AssignedAt,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
