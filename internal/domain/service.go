// Package domain defines the business logic for the retention engine.
package domain

import (
	"context"
	"fmt"
	"time"
)

// Notifier delivers an approved intervention to the member-facing channel.
type Notifier interface {
	Notify(ctx context.Context, intervention Intervention) error
}

// Service exposes the approval workflow on individual interventions.
type Service struct {
	repo     InterventionRepository
	notifier Notifier
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo InterventionRepository, notifier Notifier) *Service {
	return &Service{repo: repo, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

// ApproveAndSend moves a PENDING_APPROVAL intervention to APPROVED and
// attempts dispatch. Exactly one of two concurrent callers wins the
// conditional write; the loser gets a TransitionError. Dispatch failure moves
// the record to FAILED with the approval timestamp preserved.
func (s *Service) ApproveAndSend(ctx context.Context, tenantID, id string) (*Intervention, error) {
	ok, err := s.repo.Transition(ctx, tenantID, id, StatusPendingApproval, StatusApproved, s.now(), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.transitionFailure(ctx, tenantID, id, StatusApproved)
	}
	return s.dispatch(ctx, tenantID, id)
}

// RetryDispatch re-enters APPROVED from FAILED and attempts dispatch again.
// The original approval timestamp is kept; only the send is redone.
func (s *Service) RetryDispatch(ctx context.Context, tenantID, id string) (*Intervention, error) {
	ok, err := s.repo.Transition(ctx, tenantID, id, StatusFailed, StatusApproved, s.now(), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.transitionFailure(ctx, tenantID, id, StatusApproved)
	}
	return s.dispatch(ctx, tenantID, id)
}

func (s *Service) dispatch(ctx context.Context, tenantID, id string) (*Intervention, error) {
	iv, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if iv == nil {
		return nil, ErrInterventionNotFound
	}

	if sendErr := s.notifier.Notify(ctx, *iv); sendErr != nil {
		reason := sendErr.Error()
		if _, markErr := s.repo.Transition(ctx, tenantID, id, StatusApproved, StatusFailed, s.now(), &reason); markErr != nil {
			return nil, fmt.Errorf("marking intervention failed after dispatch error: %w", markErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, sendErr)
	}

	sent, err := s.repo.Transition(ctx, tenantID, id, StatusApproved, StatusSent, s.now(), nil)
	if err != nil {
		return nil, err
	}
	if !sent {
		// Someone moved the record between our approval and the SENT mark.
		return nil, s.transitionFailure(ctx, tenantID, id, StatusSent)
	}
	return s.repo.Get(ctx, tenantID, id)
}

// CancelIntervention moves a PENDING_APPROVAL intervention to CANCELLED.
// Cancelling an already-cancelled record is a no-op success; cancelling
// approved or sent work is a precondition failure.
func (s *Service) CancelIntervention(ctx context.Context, tenantID, id string) error {
	ok, err := s.repo.Transition(ctx, tenantID, id, StatusPendingApproval, StatusCancelled, s.now(), nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	current, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrInterventionNotFound
	}
	if current.Status == StatusCancelled {
		return nil
	}
	return &TransitionError{ID: id, Current: current.Status, Requested: StatusCancelled}
}

// PendingApprovalCount returns the number of interventions awaiting sign-off.
func (s *Service) PendingApprovalCount(ctx context.Context, tenantID string) (int, error) {
	return s.repo.CountByStatus(ctx, tenantID, StatusPendingApproval)
}

// ListInterventions returns a page of interventions, optionally filtered by status.
func (s *Service) ListInterventions(ctx context.Context, tenantID string, status *InterventionStatus, cursor *Cursor, limit int) ([]Intervention, *Cursor, error) {
	return s.repo.List(ctx, tenantID, status, cursor, limit)
}

func (s *Service) transitionFailure(ctx context.Context, tenantID, id string, requested InterventionStatus) error {
	current, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrInterventionNotFound
	}
	return &TransitionError{ID: id, Current: current.Status, Requested: requested}
}
