package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInterventionNotFound is returned when an intervention cannot be located.
	ErrInterventionNotFound = errors.New("intervention not found")
	// ErrAssignmentNotFound is returned when a member has no active coach assignment.
	ErrAssignmentNotFound = errors.New("coach assignment not found")
	// ErrDispatchFailed wraps outbound delivery failures during approve-and-send.
	ErrDispatchFailed = errors.New("intervention dispatch failed")
)

// Cursor models the keyset pagination token for intervention listings.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// InterventionRepository captures persistence operations on interventions.
// Transition must be an atomic conditional write: it succeeds only when the
// stored status still equals from, and reports whether the row changed.
type InterventionRepository interface {
	Get(ctx context.Context, tenantID, id string) (*Intervention, error)
	CreateBatch(ctx context.Context, tenantID string, candidates []Intervention) (int, error)
	OpenByMembers(ctx context.Context, tenantID string, memberIDs []string) (map[string][]Intervention, error)
	Transition(ctx context.Context, tenantID, id string, from, to InterventionStatus, at time.Time, reason *string) (bool, error)
	CountByStatus(ctx context.Context, tenantID string, status InterventionStatus) (int, error)
	List(ctx context.Context, tenantID string, status *InterventionStatus, cursor *Cursor, limit int) ([]Intervention, *Cursor, error)
}

// MemberRepository lists member snapshots in stable ID order for chunked runs.
type MemberRepository interface {
	ListSnapshots(ctx context.Context, tenantID, afterMemberID string, limit int) ([]MemberSnapshot, error)
}

// DailyRunRepository anchors the once-per-day idempotency guarantee.
// ClaimRun inserts a provisional record or returns the existing one; progress
// updates are conditional on the cursor the caller last observed.
type DailyRunRepository interface {
	ClaimRun(ctx context.Context, tenantID string, runDate time.Time) (*DailyRunRecord, bool, error)
	AdvanceRun(ctx context.Context, rec *DailyRunRecord, prevCursor string) (bool, error)
	CompleteRun(ctx context.Context, rec *DailyRunRecord, prevCursor string) (bool, error)
}

// CoachRepository captures coach assignment persistence.
type CoachRepository interface {
	ActiveAssignment(ctx context.Context, tenantID, memberID string) (*CoachAssignment, error)
	ListUnassignedMembers(ctx context.Context, tenantID string, limit int) ([]string, error)
	CoachLoads(ctx context.Context, tenantID string) (map[string]int, error)
	Assign(ctx context.Context, assignment CoachAssignment) error
	SetSaved(ctx context.Context, tenantID, memberID string, saved bool) (bool, error)
	RecordTouch(ctx context.Context, tenantID, memberID string, at time.Time) (bool, error)
	ListOverdue(ctx context.Context, tenantID string, olderThan time.Time) ([]CoachAssignment, error)
}
