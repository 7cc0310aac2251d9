package domain

import (
	"time"

	"github.com/google/uuid"
)

// flagRules orders the flag-to-intervention mapping from most to least
// specific. The order is fixed so generation stays deterministic.
var flagRules = []struct {
	Flag RiskFlag
	Type InterventionType
}{
	{FlagNeverEngaged, TypeWelcomeBackCall},
	{FlagOverdueTouch, TypeCoachTouch},
	{FlagDecliningFrequency, TypeScheduleSession},
	{FlagNoRecentVisit, TypeCheckinMessage},
	{FlagAtRisk, TypeWinBackOffer},
}

// GenerateInterventions maps a member's risk flags to new PENDING_APPROVAL
// candidates, skipping any type the member already has open work for.
// It never mutates existing interventions.
func GenerateInterventions(member Member, assessment Assessment, open []Intervention, now time.Time) []Intervention {
	openTypes := make(map[InterventionType]bool, len(open))
	for _, iv := range open {
		if iv.Status.Open() {
			openTypes[iv.Type] = true
		}
	}

	var out []Intervention
	for _, rule := range flagRules {
		if !assessment.Has(rule.Flag) || openTypes[rule.Type] {
			continue
		}
		out = append(out, Intervention{
			ID:        uuid.NewString(),
			TenantID:  member.TenantID,
			MemberID:  member.ID,
			Type:      rule.Type,
			Status:    StatusPendingApproval,
			CreatedAt: now.UTC(),
		})
		openTypes[rule.Type] = true
	}
	return out
}
