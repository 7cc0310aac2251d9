// Package events defines the event payloads exchanged over Kafka.
package events

import "time"

// InterventionCreated is emitted when the daily run generates a new candidate.
type InterventionCreated struct {
	InterventionID   string    `json:"intervention_id"`
	TenantID         string    `json:"tenant_id"`
	MemberID         string    `json:"member_id"`
	InterventionType string    `json:"intervention_type"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// InterventionStatusChanged tracks approval-workflow transitions.
type InterventionStatusChanged struct {
	InterventionID string    `json:"intervention_id"`
	TenantID       string    `json:"tenant_id"`
	MemberID       string    `json:"member_id"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
	Reason         string    `json:"reason,omitempty"`
}

// EngagementRecorded is the externally collected engagement event ingested by
// the consumer.
type EngagementRecorded struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	MemberID    string    `json:"member_id"`
	Kind        string    `json:"kind"`
	OccurredAt  time.Time `json:"occurred_at"`
	DurationMin int       `json:"duration_min"`
}

// OutreachRequested is published to the member-outreach channel when an
// approved intervention is dispatched.
type OutreachRequested struct {
	InterventionID   string    `json:"intervention_id"`
	TenantID         string    `json:"tenant_id"`
	MemberID         string    `json:"member_id"`
	InterventionType string    `json:"intervention_type"`
	ApprovedAt       time.Time `json:"approved_at"`
}
