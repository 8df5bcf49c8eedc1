package rollout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/persistence/memory"
)

const testSite = "https://shop.example.com"

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(context.Context) { c.calls++ }

func newTestController(t *testing.T) (*Controller, *persistence.Repository, *countingInvalidator) {
	t.Helper()
	repo := memory.NewStore().Repository()
	inv := &countingInvalidator{}
	return NewController(repo, inv), repo, inv
}

func newConfigRollout(t *testing.T, c *Controller, repo *persistence.Repository) *domain.Rollout {
	t.Helper()
	ctx := context.Background()

	cfgID := "cfg-new"
	require.NoError(t, repo.ScoringConfigs.Create(ctx, &domain.ScoringConfig{ID: cfgID, Name: "candidate"}))

	ro := &domain.Rollout{
		Name:        "candidate weights",
		SiteURL:     testSite,
		ChangeType:  domain.ChangeScoringConfig,
		NewConfigID: &cfgID,
		Stages: []domain.RolloutStage{
			{Percent: 10, DurationHours: 1},
			{Percent: 50, DurationHours: 1},
			{Percent: 100, DurationHours: 1},
		},
		HealthCriteria: domain.HealthCriteria{MinSampleSize: 10, MinConversionRate: 0.1, MaxDismissalRate: 0.3},
	}
	require.NoError(t, c.Create(ctx, ro))
	return ro
}

// seedTreatmentOutcomes creates evaluation+intervention pairs attributed to
// the treatment variant with the given terminal mix.
func seedTreatmentOutcomes(t *testing.T, repo *persistence.Repository, converted, dismissed, ignored int) {
	t.Helper()
	ctx := context.Background()
	variantID := TreatmentVariantID
	add := func(status domain.InterventionStatus, n int) {
		for i := 0; i < n; i++ {
			evalID := uuid.NewString()
			require.NoError(t, repo.Evaluations.Create(ctx, &domain.Evaluation{
				ID:        evalID,
				SessionID: fmt.Sprintf("s-%s-%d", status, i),
				SiteURL:   testSite,
				VariantID: &variantID,
				CreatedAt: time.Now().UTC(),
			}))
			require.NoError(t, repo.Interventions.Create(ctx, &domain.Intervention{
				ID:           uuid.NewString(),
				SessionID:    fmt.Sprintf("s-%s-%d", status, i),
				EvaluationID: evalID,
				Status:       status,
				CreatedAt:    time.Now().UTC(),
			}))
		}
	}
	add(domain.StatusConverted, converted)
	add(domain.StatusDismissed, dismissed)
	add(domain.StatusIgnored, ignored)
}

func startedAgo(t *testing.T, c *Controller, repo *persistence.Repository, id string, ago time.Duration) {
	t.Helper()
	ro, err := repo.Rollouts.GetByID(context.Background(), id)
	require.NoError(t, err)
	at := c.now().Add(-ago)
	ro.StageStartedAt = &at
	require.NoError(t, repo.Rollouts.Update(context.Background(), ro))
}

func TestCreateRejectsBadStageShape(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.Create(context.Background(), &domain.Rollout{
		Name:    "broken",
		SiteURL: testSite,
		Stages:  []domain.RolloutStage{{Percent: 50, DurationHours: 1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final stage")
}

func TestStartCreatesLinkedExperiment(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	ro, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutRolling, ro.Status)
	require.NotNil(t, ro.ExperimentID)

	exp, err := repo.Experiments.GetByID(ctx, *ro.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentRunning, exp.Status)
	require.Len(t, exp.Variants, 2)
	assert.Equal(t, ControlVariantID, exp.Variants[0].ID)
	assert.InDelta(t, 0.9, exp.Variants[0].Weight, 1e-9)
	assert.Equal(t, TreatmentVariantID, exp.Variants[1].ID)
	assert.InDelta(t, 0.1, exp.Variants[1].Weight, 1e-9)
	require.NotNil(t, exp.Variants[1].ScoringConfigID)
	assert.Equal(t, "cfg-new", *exp.Variants[1].ScoringConfigID)
}

func TestOneRollingRolloutPerSite(t *testing.T) {
	c, repo, _ := newTestController(t)
	first := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, first.ID)
	require.NoError(t, err)

	second := &domain.Rollout{
		Name:       "second",
		SiteURL:    testSite,
		ChangeType: domain.ChangeScoringConfig,
		Stages:     []domain.RolloutStage{{Percent: 100, DurationHours: 1}},
	}
	require.NoError(t, c.Create(ctx, second))
	_, err = c.Start(ctx, second.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has rollout")
}

func TestPauseAndResume(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)

	paused, err := c.Pause(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutPaused, paused.Status)

	exp, err := repo.Experiments.GetByID(ctx, *paused.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentPaused, exp.Status)

	resumed, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutRolling, resumed.Status)

	exp, err = repo.Experiments.GetByID(ctx, *resumed.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentRunning, exp.Status)
}

func TestPromoteReweightsThenCompletes(t *testing.T) {
	c, repo, inv := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)

	ro, err = c.Promote(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ro.CurrentStage)

	exp, err := repo.Experiments.GetByID(ctx, *ro.ExperimentID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, exp.Variants[1].Weight, 1e-9)

	ro, err = c.Promote(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, ro.CurrentStage)
	assert.True(t, ro.OnFinalStage())

	// Final-stage promote completes: config activated, cache flushed,
	// experiment ended.
	ro, err = c.Promote(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutCompleted, ro.Status)
	assert.Equal(t, 1, inv.calls)

	cfg, err := repo.ScoringConfigs.GetActiveConfig(ctx, testSite)
	require.NoError(t, err)
	assert.Equal(t, "cfg-new", cfg.ID)

	exp, err = repo.Experiments.GetByID(ctx, *ro.ExperimentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentEnded, exp.Status)
}

func TestRollbackKeepsActiveConfig(t *testing.T) {
	c, repo, inv := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)

	ro, err = c.Rollback(ctx, ro.ID, "dismissals spiking")
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutRolledBack, ro.Status)
	require.NotNil(t, ro.RollbackReason)
	assert.Equal(t, "dismissals spiking", *ro.RollbackReason)
	assert.Zero(t, inv.calls, "rollback never touches the active config")

	_, err = repo.ScoringConfigs.GetActiveConfig(ctx, testSite)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	_, err = c.Rollback(ctx, ro.ID, "again")
	assert.Error(t, err, "terminal rollouts reject further commands")
}

func TestHealthHoldsOnInsufficientSample(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	seedTreatmentOutcomes(t, repo, 1, 0, 2) // sample 3 < floor 10

	report, err := c.EvaluateHealth(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHold, report.Recommendation)
	assert.Equal(t, 3, report.Metrics.SampleSize)

	stored, err := repo.Rollouts.GetByID(ctx, ro.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastHealthStatus)
	assert.Equal(t, domain.HealthHold, *stored.LastHealthStatus)
}

func TestHealthRollsBackOnSevereBreach(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	// 12 samples, zero conversions: 0 < 0.5 * 0.1 is a severe breach.
	seedTreatmentOutcomes(t, repo, 0, 2, 10)

	report, err := c.EvaluateHealth(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthRollback, report.Recommendation)
}

func TestHealthPromotesAfterSoak(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	seedTreatmentOutcomes(t, repo, 3, 2, 7) // conv 0.25, dismiss ~0.17, sample 12

	report, err := c.EvaluateHealth(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHold, report.Recommendation, "criteria pass but soak time not served")

	startedAgo(t, c, repo, ro.ID, 2*time.Hour)
	report, err = c.EvaluateHealth(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthPromote, report.Recommendation)
}

func TestCheckAllAppliesRecommendations(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	seedTreatmentOutcomes(t, repo, 3, 2, 7)
	startedAgo(t, c, repo, ro.ID, 2*time.Hour)

	require.NoError(t, c.CheckAll(ctx))

	stored, err := repo.Rollouts.GetByID(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStage, "auto-promote advanced the stage")
	assert.Equal(t, domain.RolloutRolling, stored.Status)
}

func TestCheckAllAutoRollsBack(t *testing.T) {
	c, repo, _ := newTestController(t)
	ro := newConfigRollout(t, c, repo)
	ctx := context.Background()

	_, err := c.Start(ctx, ro.ID)
	require.NoError(t, err)
	seedTreatmentOutcomes(t, repo, 0, 8, 4) // dismissal 0.67 > 1.5 * 0.3

	require.NoError(t, c.CheckAll(ctx))

	stored, err := repo.Rollouts.GetByID(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutRolledBack, stored.Status)
	require.NotNil(t, stored.RollbackReason)
	assert.Contains(t, *stored.RollbackReason, "auto rollback")
}
