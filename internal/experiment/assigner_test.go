package experiment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
)

func twoArmExperiment(traffic int) *domain.Experiment {
	return &domain.Experiment{
		ID:             "exp-1",
		Status:         domain.ExperimentRunning,
		TrafficPercent: traffic,
		Variants: []domain.Variant{
			{ID: "control", Weight: 0.5},
			{ID: "treatment", Weight: 0.5},
		},
	}
}

func TestAssignIsDeterministic(t *testing.T) {
	exp := twoArmExperiment(100)
	first := Assign(exp, "sess-42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Assign(exp, "sess-42"))
	}
	require.True(t, first.Enrolled)
}

func TestAssignFullTrafficEnrollsEveryone(t *testing.T) {
	exp := twoArmExperiment(100)
	for i := 0; i < 100; i++ {
		a := Assign(exp, fmt.Sprintf("s-%04d", i))
		assert.True(t, a.Enrolled)
		assert.NotEmpty(t, a.VariantID)
	}
}

func TestAssignZeroTrafficEnrollsNobody(t *testing.T) {
	exp := twoArmExperiment(0)
	for i := 0; i < 100; i++ {
		assert.False(t, Assign(exp, fmt.Sprintf("s-%04d", i)).Enrolled)
	}
}

func TestAssignNonRunningExperiment(t *testing.T) {
	exp := twoArmExperiment(100)
	exp.Status = domain.ExperimentPaused
	assert.False(t, Assign(exp, "sess-42").Enrolled)
}

func TestAssignDistribution(t *testing.T) {
	exp := twoArmExperiment(50)
	const n = 10000

	enrolled := 0
	variantCounts := map[string]int{}
	for i := 0; i < n; i++ {
		a := Assign(exp, fmt.Sprintf("s-%04d", i))
		if a.Enrolled {
			enrolled++
			variantCounts[a.VariantID]++
		}
	}

	// Enrollment tracks traffic percent.
	assert.InDelta(t, 0.50, float64(enrolled)/n, 0.03)
	// Variant split tracks weights among the enrolled.
	assert.InDelta(t, 0.50, float64(variantCounts["control"])/float64(enrolled), 0.03)
	assert.InDelta(t, 0.50, float64(variantCounts["treatment"])/float64(enrolled), 0.03)
}

func TestAssignSkewedWeights(t *testing.T) {
	exp := twoArmExperiment(100)
	exp.Variants[0].Weight = 0.9
	exp.Variants[1].Weight = 0.1

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		a := Assign(exp, fmt.Sprintf("s-%04d", i))
		counts[a.VariantID]++
	}
	assert.InDelta(t, 0.9, float64(counts["control"])/n, 0.03)
}

func TestEnrollmentStableAcrossWeightChange(t *testing.T) {
	// Changing variant weights must not move anyone in or out of the
	// experiment, only across arms.
	a := twoArmExperiment(50)
	b := twoArmExperiment(50)
	b.Variants[0].Weight = 0.8
	b.Variants[1].Weight = 0.2

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("s-%04d", i)
		assert.Equal(t, Assign(a, id).Enrolled, Assign(b, id).Enrolled, id)
	}
}

func TestVariantByID(t *testing.T) {
	exp := twoArmExperiment(100)
	require.NotNil(t, VariantByID(exp, "treatment"))
	assert.Nil(t, VariantByID(exp, "missing"))
}
