package domain

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CoachTracker maintains member-to-coach ownership and the bookkeeping used
// for coach accountability.
type CoachTracker struct {
	repo         CoachRepository
	overdueAfter time.Duration
	assignBatch  int
}

// NewCoachTracker constructs a CoachTracker. overdueDays controls when an
// assignment's last touch counts as overdue.
func NewCoachTracker(repo CoachRepository, overdueDays int) *CoachTracker {
	if overdueDays <= 0 {
		overdueDays = 10
	}
	return &CoachTracker{
		repo:         repo,
		overdueAfter: time.Duration(overdueDays) * 24 * time.Hour,
		assignBatch:  500,
	}
}

// AutoAssign gives every unassigned member the least-loaded coach and returns
// how many members were newly assigned.
func (t *CoachTracker) AutoAssign(ctx context.Context, tenantID string, now time.Time) (int, error) {
	loads, err := t.repo.CoachLoads(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(loads) == 0 {
		return 0, nil
	}

	unassigned, err := t.repo.ListUnassignedMembers(ctx, tenantID, t.assignBatch)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, memberID := range unassigned {
		coachID := leastLoaded(loads)
		err := t.repo.Assign(ctx, CoachAssignment{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			MemberID:    memberID,
			CoachID:     coachID,
			LastTouchAt: now,
			AssignedAt:  now,
		})
		if err != nil {
			return assigned, err
		}
		loads[coachID]++
		assigned++
	}
	return assigned, nil
}

// Overdue lists assignments whose last touch exceeds the configured threshold.
func (t *CoachTracker) Overdue(ctx context.Context, tenantID string, now time.Time) ([]CoachAssignment, error) {
	return t.repo.ListOverdue(ctx, tenantID, now.Add(-t.overdueAfter))
}

// SetSaved toggles the saved annotation on a member's assignment. The tenant
// filter on the write enforces that the member belongs to the acting coach's
// tenant.
func (t *CoachTracker) SetSaved(ctx context.Context, tenantID, memberID string, saved bool) error {
	ok, err := t.repo.SetSaved(ctx, tenantID, memberID, saved)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAssignmentNotFound
	}
	return nil
}

// RecordTouch stamps the assignment's last-touch time after coach contact.
func (t *CoachTracker) RecordTouch(ctx context.Context, tenantID, memberID string, at time.Time) error {
	ok, err := t.repo.RecordTouch(ctx, tenantID, memberID, at)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAssignmentNotFound
	}
	return nil
}

// leastLoaded picks the coach with the fewest active members, breaking ties
// by coach ID so the choice is deterministic.
func leastLoaded(loads map[string]int) string {
	ids := make([]string, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := ids[0]
	for _, id := range ids[1:] {
		if loads[id] < loads[best] {
			best = id
		}
	}
	return best
}
