// Package drift watches for divergence between the production evaluation
// path and the rule-based shadow, and for outcome-rate regressions, raising
// acknowledgeable alerts when thresholds trip.
package drift

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/config"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// Detector computes window snapshots and runs the alerting rules.
type Detector struct {
	repo *persistence.Repository
	cfg  config.DriftConfig
	hub  *broadcast.Hub
	now  func() time.Time
}

// NewDetector creates a detector. hub may be nil.
func NewDetector(repo *persistence.Repository, cfg config.DriftConfig, hub *broadcast.Hub) *Detector {
	return &Detector{repo: repo, cfg: cfg, hub: hub, now: func() time.Time { return time.Now().UTC() }}
}

// ComputeWindowSnapshot aggregates shadow agreement and outcome rates over
// the sliding window ending now, persists the snapshot, and returns it.
// siteURL "" computes the global snapshot.
func (d *Detector) ComputeWindowSnapshot(ctx context.Context, window domain.DriftWindow, siteURL string) (*domain.DriftSnapshot, error) {
	end := d.now()
	tr := persistence.TimeRange{From: end.Add(-window.Duration()), To: end}

	stats, err := d.repo.Shadows.Stats(ctx, tr, siteURL)
	if err != nil {
		return nil, fmt.Errorf("shadow stats: %w", err)
	}
	outcomes, err := d.repo.Datapoints.OutcomeDistribution(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("outcome distribution: %w", err)
	}

	snap := &domain.DriftSnapshot{
		ID:                     uuid.NewString(),
		WindowType:             window,
		WindowStart:            tr.From,
		WindowEnd:              tr.To,
		AvgCompositeDivergence: stats.AvgCompositeDivergence,
		SignalMeans:            stats.ProductionSignalMeans,
		ComparisonSampleSize:   int(stats.Total),
		CreatedAt:              end,
	}
	if siteURL != "" {
		snap.SiteURL = &siteURL
	}
	if stats.Total > 0 {
		snap.TierAgreementRate = float64(stats.TierMatches) / float64(stats.Total)
		snap.DecisionAgreementRate = float64(stats.DecisionMatches) / float64(stats.Total)
	}

	var total, converted, dismissed int64
	for status, n := range outcomes {
		total += n
		switch status {
		case domain.StatusConverted:
			converted += n
		case domain.StatusDismissed:
			dismissed += n
		}
	}
	snap.OutcomeSampleSize = int(total)
	if total > 0 {
		snap.ConversionRate = float64(converted) / float64(total)
		snap.DismissalRate = float64(dismissed) / float64(total)
	}

	if err := d.repo.DriftSnapshots.Create(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RunDriftCheck computes the 24h window and its 7d baseline, then walks the
// alert rules. Returns the alerts raised in this pass (deduplicated ones are
// not included).
func (d *Detector) RunDriftCheck(ctx context.Context, siteURL string) ([]domain.DriftAlert, error) {
	current, err := d.ComputeWindowSnapshot(ctx, domain.Window24h, siteURL)
	if err != nil {
		return nil, err
	}
	baseline, err := d.ComputeWindowSnapshot(ctx, domain.Window7d, siteURL)
	if err != nil {
		return nil, err
	}

	var raised []domain.DriftAlert
	raise := func(alertType domain.DriftAlertType, severity domain.AlertSeverity, msg string) {
		a, err := d.raiseAlert(ctx, alertType, severity, msg, current.SiteURL)
		if err != nil {
			log.Error().Err(err).Str("alert", string(alertType)).Msg("drift alert persist failed")
			return
		}
		if a != nil {
			raised = append(raised, *a)
		}
	}

	if current.ComparisonSampleSize >= d.cfg.MinSampleSize {
		if current.TierAgreementRate < d.cfg.TierAgreementFloor {
			raise(domain.AlertTierAgreementLow, domain.SeverityWarning,
				fmt.Sprintf("tier agreement %.3f below floor %.3f over 24h", current.TierAgreementRate, d.cfg.TierAgreementFloor))
		}
		if current.DecisionAgreementRate < d.cfg.DecisionAgreementFloor {
			raise(domain.AlertDecisionAgreementLow, domain.SeverityWarning,
				fmt.Sprintf("decision agreement %.3f below floor %.3f over 24h", current.DecisionAgreementRate, d.cfg.DecisionAgreementFloor))
		}
		if current.AvgCompositeDivergence > d.cfg.MaxCompositeDivergence {
			raise(domain.AlertCompositeDivergenceHigh, domain.SeverityWarning,
				fmt.Sprintf("avg composite divergence %.2f above %.2f over 24h", current.AvgCompositeDivergence, d.cfg.MaxCompositeDivergence))
		}
		if name, delta := maxSignalShift(current.SignalMeans, baseline.SignalMeans); delta > d.cfg.SignalShiftThreshold {
			raise(domain.AlertSignalShift, domain.SeverityWarning,
				fmt.Sprintf("%s mean shifted %.1f points vs 7d baseline", name, delta))
		}
	}

	if current.OutcomeSampleSize >= d.cfg.MinSampleSize && baseline.ConversionRate > 0 {
		drop := (baseline.ConversionRate - current.ConversionRate) / baseline.ConversionRate
		if drop > d.cfg.ConversionDropPercent {
			raise(domain.AlertConversionDrop, domain.SeverityCritical,
				fmt.Sprintf("conversion rate dropped %.0f%% vs 7d baseline (%.4f -> %.4f)",
					drop*100, baseline.ConversionRate, current.ConversionRate))
		}
	}

	return raised, nil
}

// raiseAlert creates the alert unless an unacknowledged one of the same type
// and scope already exists. Returns nil when deduplicated.
func (d *Detector) raiseAlert(ctx context.Context, alertType domain.DriftAlertType, severity domain.AlertSeverity, msg string, siteURL *string) (*domain.DriftAlert, error) {
	existing, err := d.repo.DriftAlerts.FindUnacknowledged(ctx, alertType, siteURL)
	if err == nil && existing != nil {
		log.Debug().Str("alert", string(alertType)).Msg("drift alert already open, skipping")
		return nil, nil
	}
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	a := &domain.DriftAlert{
		ID:         uuid.NewString(),
		Severity:   severity,
		AlertType:  alertType,
		Message:    msg,
		SiteURL:    siteURL,
		DetectedAt: d.now(),
	}
	if err := d.repo.DriftAlerts.Create(ctx, a); err != nil {
		return nil, err
	}

	log.Warn().
		Str("alert", string(alertType)).
		Str("severity", string(severity)).
		Str("message", msg).
		Msg("drift alert raised")
	if d.hub != nil {
		d.hub.Publish(broadcast.ChannelDashboard, "", "drift_alert", a)
	}
	return a, nil
}

// maxSignalShift returns the signal with the largest absolute mean shift.
func maxSignalShift(current, baseline domain.SignalMeans) (string, float64) {
	name, max := "", 0.0
	for _, s := range []struct {
		name string
		cur  float64
		base float64
	}{
		{"intent", current.Intent, baseline.Intent},
		{"friction", current.Friction, baseline.Friction},
		{"clarity", current.Clarity, baseline.Clarity},
		{"receptivity", current.Receptivity, baseline.Receptivity},
		{"value", current.Value, baseline.Value},
	} {
		if delta := math.Abs(s.cur - s.base); delta > max {
			name, max = s.name, delta
		}
	}
	return name, max
}
