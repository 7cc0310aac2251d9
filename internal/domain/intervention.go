package domain

import (
	"fmt"
	"time"
)

// InterventionStatus is the lifecycle state of a retention intervention.
// Values are persisted as-is, so they must stay stable.
type InterventionStatus string

const (
	StatusPendingApproval InterventionStatus = "PENDING_APPROVAL"
	StatusApproved        InterventionStatus = "APPROVED"
	StatusSent            InterventionStatus = "SENT"
	StatusCancelled       InterventionStatus = "CANCELLED"
	StatusFailed          InterventionStatus = "FAILED"
)

// InterventionType names the retention action to take for a member.
type InterventionType string

const (
	TypeWelcomeBackCall InterventionType = "welcome_back_call"
	TypeCheckinMessage  InterventionType = "checkin_message"
	TypeScheduleSession InterventionType = "schedule_session"
	TypeCoachTouch      InterventionType = "coach_touch"
	TypeWinBackOffer    InterventionType = "win_back_offer"
)

// Intervention is one candidate or executed retention action targeting a member.
type Intervention struct {
	ID            string
	TenantID      string
	MemberID      string
	Type          InterventionType
	Status        InterventionStatus
	CreatedAt     time.Time
	ApprovedAt    *time.Time
	SentAt        *time.Time
	FailureReason *string
}

// transitions is the single source of truth for legal status edges.
var transitions = map[InterventionStatus][]InterventionStatus{
	StatusPendingApproval: {StatusApproved, StatusCancelled},
	StatusApproved:        {StatusSent, StatusFailed},
	StatusFailed:          {StatusApproved},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to InterventionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Open reports whether the status still blocks new interventions of the same
// type for the member.
func (s InterventionStatus) Open() bool {
	return s == StatusPendingApproval || s == StatusApproved
}

// Terminal reports whether the status accepts no further transitions other
// than the manual FAILED retry.
func (s InterventionStatus) Terminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

// TransitionError reports a rejected status transition. It is a precondition
// failure the caller can act on, not an internal fault.
type TransitionError struct {
	ID        string
	Current   InterventionStatus
	Requested InterventionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("intervention %s is %s, cannot transition to %s", e.ID, e.Current, e.Requested)
}
