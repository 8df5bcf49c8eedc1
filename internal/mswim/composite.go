package mswim

import (
	"github.com/avaplatform/ava/internal/domain"
)

// Composite computes the weighted sum of the five signals. The result stays
// in [0,100] whenever the weights sum near 1.0; out-of-band weights are the
// caller's invariant violation to log, not ours to mask.
func Composite(s domain.MSWIMSignals, w domain.SignalWeights) float64 {
	return w.Intent*float64(s.Intent) +
		w.Friction*float64(s.Friction) +
		w.Clarity*float64(s.Clarity) +
		w.Receptivity*float64(s.Receptivity) +
		w.Value*float64(s.Value)
}

// ResolveTier maps a composite score to its tier. A composite exactly at a
// threshold resolves to the higher tier: composite 29 with a monitor
// threshold of 29 is PASSIVE.
func ResolveTier(composite float64, t domain.TierThresholds) domain.Tier {
	switch {
	case composite >= float64(t.Active):
		return domain.TierEscalate
	case composite >= float64(t.Nudge):
		return domain.TierActive
	case composite >= float64(t.Passive):
		return domain.TierNudge
	case composite >= float64(t.Monitor):
		return domain.TierPassive
	default:
		return domain.TierMonitor
	}
}
