package domain

import (
	"math"
	"time"
)

// RiskFlag names a boolean risk condition derived from engagement history.
type RiskFlag string

const (
	FlagNeverEngaged       RiskFlag = "never_engaged"
	FlagNoRecentVisit      RiskFlag = "no_recent_visit"
	FlagDecliningFrequency RiskFlag = "declining_frequency"
	FlagOverdueTouch       RiskFlag = "overdue_touch"
	FlagAtRisk             RiskFlag = "at_risk"
)

// RiskConfig holds the thresholds used when scoring a member.
type RiskConfig struct {
	NoVisitThresholdDays int     // gap in days before no_recent_visit fires
	OverdueTouchDays     int     // days since last coach contact before overdue_touch fires
	AtRiskCutoff         int     // commitment score below this raises at_risk
	DecayPerDay          float64 // score points lost per day without engagement
	FrequencyWindowDays  int     // lookback window for declining-frequency detection
}

// DefaultRiskConfig returns the thresholds used when none are configured.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		NoVisitThresholdDays: 10,
		OverdueTouchDays:     10,
		AtRiskCutoff:         40,
		DecayPerDay:          2.5,
		FrequencyWindowDays:  28,
	}
}

// Assessment is the result of scoring one member as of a point in time.
type Assessment struct {
	Score int
	Flags []RiskFlag
}

// Has reports whether the assessment raised the given flag.
func (a Assessment) Has(flag RiskFlag) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ScoreMember computes the commitment score and risk flags for one member.
// It is a pure function: identical inputs always produce identical output, and
// it is safe to call concurrently across members.
//
// The score decays with the gap since the last engagement and gains a bounded
// bonus for recent visit frequency, so adding engagement never lowers it.
func ScoreMember(history []EngagementEvent, lastTouch *time.Time, asOf time.Time, cfg RiskConfig) Assessment {
	if len(history) == 0 {
		return Assessment{Score: 0, Flags: []RiskFlag{FlagNeverEngaged, FlagAtRisk}}
	}

	lastEngaged := history[0].OccurredAt
	for _, ev := range history[1:] {
		if ev.OccurredAt.After(lastEngaged) {
			lastEngaged = ev.OccurredAt
		}
	}

	gapDays := asOf.Sub(lastEngaged).Hours() / 24
	if gapDays < 0 {
		gapDays = 0
	}

	window := time.Duration(cfg.FrequencyWindowDays) * 24 * time.Hour
	half := window / 2
	var recentHalf, priorHalf int
	for _, ev := range history {
		age := asOf.Sub(ev.OccurredAt)
		switch {
		case age < 0 || age > window:
		case age <= half:
			recentHalf++
		default:
			priorHalf++
		}
	}

	score := 100 - cfg.DecayPerDay*gapDays + 1.5*math.Min(float64(recentHalf+priorHalf), 8)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	flags := make([]RiskFlag, 0, 4)
	if gapDays > float64(cfg.NoVisitThresholdDays) {
		flags = append(flags, FlagNoRecentVisit)
	}
	if recentHalf < priorHalf {
		flags = append(flags, FlagDecliningFrequency)
	}

	// Coach contact counts as a touch; absent any, the last engagement stands in.
	lastContact := lastEngaged
	if lastTouch != nil && lastTouch.After(lastContact) {
		lastContact = *lastTouch
	}
	if asOf.Sub(lastContact).Hours()/24 > float64(cfg.OverdueTouchDays) {
		flags = append(flags, FlagOverdueTouch)
	}

	rounded := int(math.Round(score))
	if rounded < cfg.AtRiskCutoff {
		flags = append(flags, FlagAtRisk)
	}

	return Assessment{Score: rounded, Flags: flags}
}
