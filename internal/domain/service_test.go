package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory InterventionRepository with the same conditional
// write semantics as the Postgres implementation.
type memRepo struct {
	mu       sync.Mutex
	items    map[string]Intervention
	countErr error
}

func newMemRepo(seed ...Intervention) *memRepo {
	items := make(map[string]Intervention, len(seed))
	for _, iv := range seed {
		items[iv.ID] = iv
	}
	return &memRepo{items: items}
}

func (m *memRepo) Get(ctx context.Context, tenantID, id string) (*Intervention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.items[id]
	if !ok || iv.TenantID != tenantID {
		return nil, nil
	}
	copied := iv
	return &copied, nil
}

func (m *memRepo) CreateBatch(ctx context.Context, tenantID string, candidates []Intervention) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, c := range candidates {
		duplicate := false
		for _, existing := range m.items {
			if existing.TenantID == c.TenantID && existing.MemberID == c.MemberID &&
				existing.Type == c.Type && existing.Status.Open() {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		m.items[c.ID] = c
		inserted++
	}
	return inserted, nil
}

func (m *memRepo) OpenByMembers(ctx context.Context, tenantID string, memberIDs []string) (map[string][]Intervention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		wanted[id] = true
	}
	out := make(map[string][]Intervention)
	for _, iv := range m.items {
		if iv.TenantID == tenantID && wanted[iv.MemberID] && iv.Status.Open() {
			out[iv.MemberID] = append(out[iv.MemberID], iv)
		}
	}
	return out, nil
}

func (m *memRepo) Transition(ctx context.Context, tenantID, id string, from, to InterventionStatus, at time.Time, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.items[id]
	if !ok || iv.TenantID != tenantID || iv.Status != from {
		return false, nil
	}
	iv.Status = to
	switch to {
	case StatusApproved:
		if iv.ApprovedAt == nil {
			ts := at
			iv.ApprovedAt = &ts
		}
	case StatusSent:
		ts := at
		iv.SentAt = &ts
	case StatusFailed:
		iv.FailureReason = reason
	}
	m.items[id] = iv
	return true, nil
}

func (m *memRepo) CountByStatus(ctx context.Context, tenantID string, status InterventionStatus) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, iv := range m.items {
		if iv.TenantID == tenantID && iv.Status == status {
			count++
		}
	}
	return count, nil
}

func (m *memRepo) List(ctx context.Context, tenantID string, status *InterventionStatus, cursor *Cursor, limit int) ([]Intervention, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Intervention
	for _, iv := range m.items {
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

func (m *memRepo) get(id string) Intervention {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

type stubNotifier struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubNotifier) Notify(ctx context.Context, intervention Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubNotifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type hookNotifier struct {
	fn func(Intervention) error
}

func (h *hookNotifier) Notify(ctx context.Context, intervention Intervention) error {
	return h.fn(intervention)
}

func pendingIntervention(id string) Intervention {
	return Intervention{
		ID:        id,
		TenantID:  "gym-1",
		MemberID:  "m-1",
		Type:      TypeWinBackOffer,
		Status:    StatusPendingApproval,
		CreatedAt: time.Date(2025, time.November, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestApproveAndSendHappyPath(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-1"))
	notifier := &stubNotifier{}
	svc := NewService(repo, notifier)

	got, err := svc.ApproveAndSend(context.Background(), "gym-1", "iv-1")
	require.NoError(t, err)

	require.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.ApprovedAt)
	require.NotNil(t, got.SentAt)
	require.Equal(t, 1, notifier.callCount())
}

func TestApproveRejectsWrongState(t *testing.T) {
	iv := pendingIntervention("iv-2")
	iv.Status = StatusCancelled
	repo := newMemRepo(iv)
	svc := NewService(repo, &stubNotifier{})

	_, err := svc.ApproveAndSend(context.Background(), "gym-1", "iv-2")

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, StatusCancelled, te.Current)
}

func TestApproveUnknownIntervention(t *testing.T) {
	svc := NewService(newMemRepo(), &stubNotifier{})

	_, err := svc.ApproveAndSend(context.Background(), "gym-1", "iv-404")
	require.ErrorIs(t, err, ErrInterventionNotFound)
}

func TestApproveConcurrentCallersOneWins(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-3"))
	notifier := &stubNotifier{}
	svc := NewService(repo, notifier)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApproveAndSend(context.Background(), "gym-1", "iv-3")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			var te *TransitionError
			require.ErrorAs(t, err, &te)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, notifier.callCount())
	require.Equal(t, StatusSent, repo.get("iv-3").Status)
}

func TestApproveDispatchFailureMarksFailed(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-4"))
	notifier := &stubNotifier{err: errors.New("broker down")}
	svc := NewService(repo, notifier)

	_, err := svc.ApproveAndSend(context.Background(), "gym-1", "iv-4")
	require.ErrorIs(t, err, ErrDispatchFailed)

	stored := repo.get("iv-4")
	require.Equal(t, StatusFailed, stored.Status)
	require.NotNil(t, stored.ApprovedAt)
	require.NotNil(t, stored.FailureReason)
	require.Contains(t, *stored.FailureReason, "broker down")
}

func TestApproveDetectsConcurrentSentMark(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-9"))
	svc := NewService(repo, &hookNotifier{fn: func(iv Intervention) error {
		// another worker finishes the send while ours is in flight
		_, err := repo.Transition(context.Background(), "gym-1", "iv-9", StatusApproved, StatusSent, time.Now().UTC(), nil)
		return err
	}})

	_, err := svc.ApproveAndSend(context.Background(), "gym-1", "iv-9")

	var te *TransitionError
	require.ErrorAs(t, err, &te, "losing the SENT mark must not report success")
	require.Equal(t, StatusSent, te.Requested)
	require.Equal(t, StatusSent, repo.get("iv-9").Status)
}

func TestRetryDispatchAfterFailure(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-5"))
	notifier := &stubNotifier{err: errors.New("broker down")}
	svc := NewService(repo, notifier)

	_, err := svc.ApproveAndSend(context.Background(), "gym-1", "iv-5")
	require.ErrorIs(t, err, ErrDispatchFailed)
	firstApproval := repo.get("iv-5").ApprovedAt

	notifier.err = nil
	got, err := svc.RetryDispatch(context.Background(), "gym-1", "iv-5")
	require.NoError(t, err)

	require.Equal(t, StatusSent, got.Status)
	require.Equal(t, firstApproval, got.ApprovedAt, "retry must keep the original approval time")
}

func TestRetryRejectsNonFailed(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-6"))
	svc := NewService(repo, &stubNotifier{})

	_, err := svc.RetryDispatch(context.Background(), "gym-1", "iv-6")

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, StatusPendingApproval, te.Current)
}

func TestCancelPendingIntervention(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-7"))
	svc := NewService(repo, &stubNotifier{})

	require.NoError(t, svc.CancelIntervention(context.Background(), "gym-1", "iv-7"))
	require.Equal(t, StatusCancelled, repo.get("iv-7").Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-8"))
	svc := NewService(repo, &stubNotifier{})

	require.NoError(t, svc.CancelIntervention(context.Background(), "gym-1", "iv-8"))
	require.NoError(t, svc.CancelIntervention(context.Background(), "gym-1", "iv-8"))
}

func TestCancelRejectsSent(t *testing.T) {
	iv := pendingIntervention("iv-9")
	iv.Status = StatusSent
	repo := newMemRepo(iv)
	svc := NewService(repo, &stubNotifier{})

	err := svc.CancelIntervention(context.Background(), "gym-1", "iv-9")

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	require.Equal(t, StatusSent, te.Current)
}

func TestPendingApprovalCount(t *testing.T) {
	repo := newMemRepo(pendingIntervention("iv-10"), pendingIntervention("iv-11"))
	svc := NewService(repo, &stubNotifier{})

	count, err := svc.PendingApprovalCount(context.Background(), "gym-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
