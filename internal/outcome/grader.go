package outcome

import (
	"fmt"

	"github.com/avaplatform/ava/internal/domain"
)

// minEventCount is the floor below which a datapoint carries too little
// context to learn from.
const minEventCount = 3

// clarityFloor is the clarity signal below which an evaluation read so little
// from the session that its outcome barely attributes to the decision.
const clarityFloor = 20

// Grade scores a datapoint's fitness for training. Three critical checks can
// reject outright; otherwise the grade is the mean of four sub-scores:
// completeness, confidence, reliability, and richness.
func Grade(dp *domain.TrainingDatapoint) domain.QualityAssessment {
	checks := []domain.QualityCheck{
		{
			Name:     "valid_outcome",
			Critical: true,
			Passed:   dp.Outcome.IsTerminal(),
			Detail:   fmt.Sprintf("outcome=%s", dp.Outcome),
		},
		{
			Name:     "scores_valid",
			Critical: true,
			Passed:   signalsInRange(dp),
		},
		{
			Name:     "min_event_count",
			Critical: true,
			Passed:   dp.EventCount >= minEventCount,
			Detail:   fmt.Sprintf("event_count=%d", dp.EventCount),
		},
	}
	for _, c := range checks {
		if !c.Passed {
			return domain.QualityAssessment{Grade: domain.GradeRejected, Score: 0, Checks: checks}
		}
	}

	completeness, cc := gradeCompleteness(dp)
	confidence, fc := gradeConfidence(dp)
	reliability, rc := gradeReliability(dp)
	richness := gradeRichness(dp)

	checks = append(checks, cc...)
	checks = append(checks, fc...)
	checks = append(checks, rc...)

	score := (completeness + confidence + reliability + richness) / 4

	grade := domain.GradeRejected
	switch {
	case score >= 75:
		grade = domain.GradeHigh
	case score >= 50:
		grade = domain.GradeMedium
	case score >= 25:
		grade = domain.GradeLow
	}
	return domain.QualityAssessment{Grade: grade, Score: score, Checks: checks}
}

func signalsInRange(dp *domain.TrainingDatapoint) bool {
	for _, v := range []int{
		dp.Signals.Intent, dp.Signals.Friction, dp.Signals.Clarity,
		dp.Signals.Receptivity, dp.Signals.Value,
	} {
		if v < 0 || v > 100 {
			return false
		}
	}
	return dp.CompositeScore >= 0 && dp.CompositeScore <= 100
}

// gradeCompleteness checks that the snapshot captured everything a training
// example needs. Four equal-weight components.
func gradeCompleteness(dp *domain.TrainingDatapoint) (float64, []domain.QualityCheck) {
	hasNarrative := dp.Narrative != ""
	hasFrictions := len(dp.FrictionsFound) > 0 || dp.FrictionID != nil
	hasEvents := len(dp.Events) > 0
	hasDevice := dp.DeviceType != ""

	score := 0.0
	for _, ok := range []bool{hasNarrative, hasFrictions, hasEvents, hasDevice} {
		if ok {
			score += 25
		}
	}
	return score, []domain.QualityCheck{
		{Name: "narrative_present", Passed: hasNarrative},
		{Name: "frictions_detected", Passed: hasFrictions},
		{Name: "events_snapshotted", Passed: hasEvents},
		{Name: "device_known", Passed: hasDevice},
	}
}

// gradeConfidence estimates how attributable the outcome is to the decision.
func gradeConfidence(dp *domain.TrainingDatapoint) (float64, []domain.QualityCheck) {
	score := 100.0
	lowSignals := dp.Signals.Intent < 15 && dp.Signals.Friction < 15
	if lowSignals {
		score -= 20
	}
	overridden := dp.GateOverride != nil
	if overridden {
		// A gate decided, not the score; the outcome teaches less.
		score -= 20
	}
	weakComposite := dp.CompositeScore < 30
	if weakComposite {
		score -= 20
	}
	mutedClarity := dp.Signals.Clarity < clarityFloor
	if mutedClarity {
		// The model barely understood the session; its decision is noise.
		score -= 20
	}
	return score, []domain.QualityCheck{
		{Name: "signals_informative", Passed: !lowSignals},
		{Name: "score_decided", Passed: !overridden},
		{Name: "composite_strength", Passed: !weakComposite},
		{Name: "clarity_floor", Passed: !mutedClarity, Detail: fmt.Sprintf("clarity=%d", dp.Signals.Clarity)},
	}
}

// gradeReliability flags timing patterns that suggest noise: sessions too
// young to have real intent, and outcomes reported implausibly fast or after
// the attribution window has gone cold.
func gradeReliability(dp *domain.TrainingDatapoint) (float64, []domain.QualityCheck) {
	score := 100.0
	youngSession := dp.SessionAgeSec < 10
	if youngSession {
		score -= 30
	}
	instantOutcome := dp.OutcomeDelayMs < 500
	if instantOutcome {
		score -= 20
	}
	staleOutcome := dp.OutcomeDelayMs > 60*60*1000
	if staleOutcome {
		score -= 20
	}
	return score, []domain.QualityCheck{
		{Name: "session_mature", Passed: !youngSession},
		{Name: "outcome_delay_plausible", Passed: !instantOutcome && !staleOutcome},
	}
}

// gradeRichness rewards context volume, saturating at five events.
func gradeRichness(dp *domain.TrainingDatapoint) float64 {
	n := dp.EventCount
	if n > 5 {
		n = 5
	}
	return float64(20 * n)
}
