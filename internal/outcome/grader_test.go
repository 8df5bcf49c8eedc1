package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
)

func goodDatapoint() *domain.TrainingDatapoint {
	fid := "F068"
	return &domain.TrainingDatapoint{
		DeviceType:     "mobile",
		SessionAgeSec:  90,
		Narrative:      "hesitating at cart over sizing",
		FrictionsFound: []string{"F068"},
		FrictionID:     &fid,
		Events:         []domain.TrackEvent{{EventType: "cart_view"}},
		EventCount:     6,
		Signals:        domain.MSWIMSignals{Intent: 63, Friction: 20, Clarity: 57, Receptivity: 77, Value: 50},
		CompositeScore: 52.2,
		Outcome:        domain.StatusConverted,
		OutcomeDelayMs: 5000,
	}
}

func TestGradeHighQualityDatapoint(t *testing.T) {
	a := Grade(goodDatapoint())
	assert.Equal(t, domain.GradeHigh, a.Grade)
	assert.Equal(t, 100.0, a.Score)
	for _, c := range a.Checks {
		assert.True(t, c.Passed, c.Name)
	}
}

func TestGradeRejectsNonTerminalOutcome(t *testing.T) {
	dp := goodDatapoint()
	dp.Outcome = domain.StatusDelivered

	a := Grade(dp)
	assert.Equal(t, domain.GradeRejected, a.Grade)
	assert.Zero(t, a.Score)
	require.Len(t, a.Checks, 3, "critical failure short-circuits the sub-scores")
}

func TestGradeRejectsOutOfRangeSignals(t *testing.T) {
	dp := goodDatapoint()
	dp.Signals.Intent = 140
	assert.Equal(t, domain.GradeRejected, Grade(dp).Grade)

	dp = goodDatapoint()
	dp.CompositeScore = -3
	assert.Equal(t, domain.GradeRejected, Grade(dp).Grade)
}

func TestGradeRejectsThinContext(t *testing.T) {
	dp := goodDatapoint()
	dp.EventCount = 2
	assert.Equal(t, domain.GradeRejected, Grade(dp).Grade)
}

func TestGradeDocksConfidenceBelowClarityFloor(t *testing.T) {
	dp := goodDatapoint()
	dp.Signals.Clarity = 10

	a := Grade(dp)
	assert.Equal(t, domain.GradeHigh, a.Grade)
	assert.Equal(t, 95.0, a.Score, "confidence drops to 80, the other sub-scores hold")

	var found bool
	for _, c := range a.Checks {
		if c.Name == "clarity_floor" {
			found = true
			assert.False(t, c.Passed)
		}
	}
	require.True(t, found, "clarity_floor check must be reported")
}

func TestGradeMediumForDegradedDatapoint(t *testing.T) {
	dp := goodDatapoint()
	dp.Narrative = ""
	dp.FrictionsFound = nil
	dp.FrictionID = nil                                        // completeness 50
	dp.GateOverride = &domain.GateOverride{ID: domain.OverrideDismissCap} // confidence 80
	dp.SessionAgeSec = 5
	dp.OutcomeDelayMs = 200 // reliability 50
	dp.EventCount = 3       // richness 60

	a := Grade(dp)
	assert.Equal(t, domain.GradeMedium, a.Grade)
	assert.Equal(t, 60.0, a.Score)
}

func TestGradeLowForNoisyDatapoint(t *testing.T) {
	dp := goodDatapoint()
	dp.Narrative = ""
	dp.FrictionsFound = nil
	dp.FrictionID = nil
	dp.DeviceType = "" // completeness 25
	dp.Signals = domain.MSWIMSignals{Intent: 10, Friction: 10, Clarity: 20, Receptivity: 20, Value: 20}
	dp.CompositeScore = 16
	dp.GateOverride = &domain.GateOverride{ID: domain.OverrideDismissCap} // confidence 40
	dp.SessionAgeSec = 5
	dp.OutcomeDelayMs = 200 // reliability 50
	dp.EventCount = 3       // richness 60

	a := Grade(dp)
	assert.Equal(t, domain.GradeLow, a.Grade)
	assert.InDelta(t, 43.75, a.Score, 0.001)
}
