package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to InterventionStatus
		want     bool
	}{
		{StatusPendingApproval, StatusApproved, true},
		{StatusPendingApproval, StatusCancelled, true},
		{StatusApproved, StatusSent, true},
		{StatusApproved, StatusFailed, true},
		{StatusFailed, StatusApproved, true},
		{StatusPendingApproval, StatusSent, false},
		{StatusPendingApproval, StatusFailed, false},
		{StatusApproved, StatusCancelled, false},
		{StatusApproved, StatusPendingApproval, false},
		{StatusSent, StatusApproved, false},
		{StatusSent, StatusFailed, false},
		{StatusCancelled, StatusApproved, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusCancelled, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusOpenAndTerminal(t *testing.T) {
	require.True(t, StatusPendingApproval.Open())
	require.True(t, StatusApproved.Open())
	require.False(t, StatusSent.Open())

	require.True(t, StatusSent.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusApproved.Terminal())
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{ID: "iv-1", Current: StatusSent, Requested: StatusApproved}
	require.Contains(t, err.Error(), "iv-1")
	require.Contains(t, err.Error(), string(StatusSent))
	require.Contains(t, err.Error(), string(StatusApproved))
}
