package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var genNow = time.Date(2025, time.November, 3, 8, 0, 0, 0, time.UTC)

var genMember = Member{ID: "m-1", TenantID: "gym-1", FullName: "Jo Miller"}

func typesOf(ivs []Intervention) []InterventionType {
	out := make([]InterventionType, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, iv.Type)
	}
	return out
}

func TestGenerateMapsFlagsToTypes(t *testing.T) {
	assessment := Assessment{Score: 10, Flags: []RiskFlag{FlagNeverEngaged, FlagAtRisk}}

	got := GenerateInterventions(genMember, assessment, nil, genNow)

	require.Equal(t, []InterventionType{TypeWelcomeBackCall, TypeWinBackOffer}, typesOf(got))
	for _, iv := range got {
		require.Equal(t, StatusPendingApproval, iv.Status)
		require.Equal(t, "gym-1", iv.TenantID)
		require.Equal(t, "m-1", iv.MemberID)
		require.NotEmpty(t, iv.ID)
		require.Equal(t, genNow, iv.CreatedAt)
	}
}

func TestGenerateSkipsTypesWithOpenWork(t *testing.T) {
	assessment := Assessment{Score: 20, Flags: []RiskFlag{FlagOverdueTouch, FlagAtRisk}}
	open := []Intervention{
		{ID: "iv-1", Type: TypeCoachTouch, Status: StatusPendingApproval},
	}

	got := GenerateInterventions(genMember, assessment, open, genNow)

	require.Equal(t, []InterventionType{TypeWinBackOffer}, typesOf(got))
}

func TestGenerateIgnoresClosedWork(t *testing.T) {
	assessment := Assessment{Score: 20, Flags: []RiskFlag{FlagOverdueTouch}}
	open := []Intervention{
		{ID: "iv-1", Type: TypeCoachTouch, Status: StatusSent},
		{ID: "iv-2", Type: TypeCoachTouch, Status: StatusCancelled},
	}

	got := GenerateInterventions(genMember, assessment, open, genNow)

	require.Equal(t, []InterventionType{TypeCoachTouch}, typesOf(got))
}

func TestGenerateNoFlagsNoWork(t *testing.T) {
	got := GenerateInterventions(genMember, Assessment{Score: 95}, nil, genNow)
	require.Empty(t, got)
}

func TestGenerateUniqueIDs(t *testing.T) {
	assessment := Assessment{Score: 5, Flags: []RiskFlag{
		FlagNeverEngaged, FlagOverdueTouch, FlagDecliningFrequency, FlagNoRecentVisit, FlagAtRisk,
	}}

	got := GenerateInterventions(genMember, assessment, nil, genNow)

	require.Len(t, got, 5)
	seen := make(map[string]bool)
	for _, iv := range got {
		require.False(t, seen[iv.ID], "duplicate id %s", iv.ID)
		seen[iv.ID] = true
	}
}
