package domain

import "time"

// Member represents one gym member owned by a tenant.
type Member struct {
	ID       string
	TenantID string
	FullName string
	Email    string
	JoinedAt time.Time
}

// EngagementEvent is one dated activity record for a member (visit, class, session).
type EngagementEvent struct {
	ID          string
	TenantID    string
	MemberID    string
	Kind        string
	OccurredAt  time.Time
	DurationMin int
}

// CoachAssignment links a member to the coach responsible for follow-up.
// At most one active assignment exists per member.
type CoachAssignment struct {
	ID          string
	TenantID    string
	MemberID    string
	CoachID     string
	Saved       bool
	LastTouchAt time.Time
	AssignedAt  time.Time
}

// MemberSnapshot bundles everything the daily run needs to evaluate one member.
type MemberSnapshot struct {
	Member     Member
	History    []EngagementEvent
	Assignment *CoachAssignment
}
