package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
)

// runNightlyBatch executes the nightly subtasks. Each one is wrapped so a
// failure is reported in the summary without blocking the rest.
func (r *Runner) runNightlyBatch(ctx context.Context) (string, error) {
	subtasks := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"quality_stats", r.qualityStats},
		{"regression_check", r.regressionCheck},
		{"drift_check", r.driftCheck},
		{"rollout_health", r.runCanaryCheck},
		{"daily_summary", r.dailySummary},
		{"stale_cleanup", r.staleCleanup},
	}

	parts := make([]string, 0, len(subtasks))
	failures := 0
	for _, st := range subtasks {
		out, err := st.fn(ctx)
		if err != nil {
			failures++
			log.Error().Err(err).Str("subtask", st.name).Msg("nightly subtask failed")
			parts = append(parts, st.name+": FAILED ("+err.Error()+")")
			continue
		}
		parts = append(parts, st.name+": "+out)
	}

	summary := strings.Join(parts, "; ")
	if failures == len(subtasks) {
		return summary, fmt.Errorf("all %d nightly subtasks failed", failures)
	}
	return summary, nil
}

// qualityStats grades the last 24h of datapoints and reports the grade mix.
func (r *Runner) qualityStats(ctx context.Context) (string, error) {
	tr := r.lastDay()
	dps, err := r.repo.Datapoints.List(ctx, persistence.DatapointFilter{Range: &tr})
	if err != nil {
		return "", err
	}
	grades := map[domain.QualityGrade]int{}
	for i := range dps {
		grades[outcome.Grade(&dps[i]).Grade]++
	}
	return fmt.Sprintf("%d datapoints (high=%d medium=%d low=%d rejected=%d)",
		len(dps), grades[domain.GradeHigh], grades[domain.GradeMedium],
		grades[domain.GradeLow], grades[domain.GradeRejected]), nil
}

func (r *Runner) driftCheck(ctx context.Context) (string, error) {
	raised, err := r.drift.RunDriftCheck(ctx, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d alerts raised", len(raised)), nil
}

// dailySummary reports the tier/outcome cross-tab over the last 24h.
func (r *Runner) dailySummary(ctx context.Context) (string, error) {
	tr := r.lastDay()
	crossTab, err := r.repo.Datapoints.TierOutcomeCrossTab(ctx, tr)
	if err != nil {
		return "", err
	}
	var total, converted int64
	for _, outcomes := range crossTab {
		for status, n := range outcomes {
			total += n
			if status == domain.StatusConverted {
				converted += n
			}
		}
	}
	if total == 0 {
		return "no terminal outcomes in window", nil
	}
	return fmt.Sprintf("%d outcomes, %.1f%% converted", total, 100*float64(converted)/float64(total)), nil
}

// staleCleanup prunes snapshots past the retention window, acknowledged
// alerts with them, and job runs past the audit window.
func (r *Runner) staleCleanup(ctx context.Context) (string, error) {
	retention := r.now().AddDate(0, 0, -r.cfg.RetentionDays)

	snaps, err := r.repo.DriftSnapshots.PruneOlderThan(ctx, retention)
	if err != nil {
		return "", err
	}
	alerts, err := r.repo.DriftAlerts.PruneOlderThan(ctx, retention)
	if err != nil {
		return "", err
	}
	runs, err := r.repo.JobRuns.PruneOlderThan(ctx, r.now().Add(-jobRunPruneAge))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pruned %d snapshots, %d alerts, %d job runs", snaps, alerts, runs), nil
}

func (r *Runner) lastDay() persistence.TimeRange {
	now := r.now()
	return persistence.TimeRange{From: now.Add(-domain.Window24h.Duration()), To: now}
}
