package rollout

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
)

// EvaluateHealth checks the treatment arm of a rolling rollout against its
// health criteria and records the recommendation on the rollout row.
//
// The recommendation logic is deliberately asymmetric: rollback needs a
// sufficient sample AND a severe breach (conversion below half the floor, or
// dismissal above 1.5x the ceiling); promotion needs every criterion passing
// AND the stage's soak time served; everything in between holds.
func (c *Controller) EvaluateHealth(ctx context.Context, rolloutID string) (*domain.HealthReport, error) {
	ro, err := c.repo.Rollouts.GetByID(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if ro.Status != domain.RolloutRolling {
		return nil, fmt.Errorf("rollout %s is %s, health applies to rolling only", rolloutID, ro.Status)
	}
	if ro.ExperimentID == nil {
		return nil, fmt.Errorf("rollout %s has no linked experiment", rolloutID)
	}

	m, err := c.repo.Experiments.VariantMetrics(ctx, *ro.ExperimentID, TreatmentVariantID)
	if err != nil {
		return nil, err
	}

	crit := ro.HealthCriteria
	severeConversion := m.ConversionRate < 0.5*crit.MinConversionRate
	severeDismissal := m.DismissalRate > 1.5*crit.MaxDismissalRate
	enoughSample := m.SampleSize >= crit.MinSampleSize

	checks := []domain.HealthCheckResult{
		{
			Name:   "min_sample_size",
			Passed: enoughSample,
			Detail: fmt.Sprintf("sample=%d floor=%d", m.SampleSize, crit.MinSampleSize),
		},
		{
			Name:     "min_conversion_rate",
			Passed:   m.ConversionRate >= crit.MinConversionRate,
			Critical: severeConversion,
			Detail:   fmt.Sprintf("rate=%.4f floor=%.4f", m.ConversionRate, crit.MinConversionRate),
		},
		{
			Name:     "max_dismissal_rate",
			Passed:   m.DismissalRate <= crit.MaxDismissalRate,
			Critical: severeDismissal,
			Detail:   fmt.Sprintf("rate=%.4f ceiling=%.4f", m.DismissalRate, crit.MaxDismissalRate),
		},
	}

	recommendation := domain.HealthHold
	switch {
	case enoughSample && (severeConversion || severeDismissal):
		recommendation = domain.HealthRollback
	case enoughSample && allPassed(checks) && c.hoursInStage(ro) >= ro.Stage().DurationHours:
		recommendation = domain.HealthPromote
	}

	now := c.now()
	ro.LastHealthCheck = &now
	ro.LastHealthStatus = &recommendation
	if err := c.repo.Rollouts.Update(ctx, ro); err != nil {
		return nil, err
	}

	return &domain.HealthReport{
		RolloutID:      ro.ID,
		Recommendation: recommendation,
		Checks:         checks,
		Metrics:        *m,
		EvaluatedAt:    now,
	}, nil
}

// CheckAll evaluates every rolling rollout and applies the recommendation.
// Auto-rollback and auto-promote both go through the same command paths the
// admin API uses.
func (c *Controller) CheckAll(ctx context.Context) error {
	rolling, err := c.repo.Rollouts.ListByStatus(ctx, domain.RolloutRolling)
	if err != nil {
		return err
	}
	for i := range rolling {
		report, err := c.EvaluateHealth(ctx, rolling[i].ID)
		if err != nil {
			log.Error().Err(err).Str("rollout", rolling[i].ID).Msg("rollout health check failed")
			continue
		}
		switch report.Recommendation {
		case domain.HealthRollback:
			reason := healthFailureReason(report)
			if _, err := c.Rollback(ctx, rolling[i].ID, reason); err != nil {
				log.Error().Err(err).Str("rollout", rolling[i].ID).Msg("auto rollback failed")
			}
		case domain.HealthPromote:
			if _, err := c.Promote(ctx, rolling[i].ID); err != nil {
				log.Error().Err(err).Str("rollout", rolling[i].ID).Msg("auto promote failed")
			}
		}
	}
	return nil
}

func (c *Controller) hoursInStage(ro *domain.Rollout) float64 {
	if ro.StageStartedAt == nil {
		return 0
	}
	return c.now().Sub(*ro.StageStartedAt).Hours()
}

func allPassed(checks []domain.HealthCheckResult) bool {
	for _, ch := range checks {
		if !ch.Passed {
			return false
		}
	}
	return true
}

func healthFailureReason(report *domain.HealthReport) string {
	for _, ch := range report.Checks {
		if ch.Critical && !ch.Passed {
			return "auto rollback: " + ch.Name + " (" + ch.Detail + ")"
		}
	}
	return "auto rollback: health criteria breached"
}
