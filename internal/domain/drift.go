package domain

import (
	"time"
)

// DriftWindow names the sliding window a snapshot covers.
type DriftWindow string

const (
	Window1h  DriftWindow = "1h"
	Window24h DriftWindow = "24h"
	Window7d  DriftWindow = "7d"
)

// Duration returns the wall-clock span of the window.
func (w DriftWindow) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// SignalMeans holds per-signal averages over a window, used to detect
// signal-distribution shift against the 7d baseline.
type SignalMeans struct {
	Intent      float64 `json:"intent"`
	Friction    float64 `json:"friction"`
	Clarity     float64 `json:"clarity"`
	Receptivity float64 `json:"receptivity"`
	Value       float64 `json:"value"`
}

// DriftSnapshot aggregates shadow agreement and outcome rates over one window.
type DriftSnapshot struct {
	ID                     string      `json:"id" db:"id"`
	WindowType             DriftWindow `json:"window_type" db:"window_type"`
	WindowStart            time.Time   `json:"window_start" db:"window_start"`
	WindowEnd              time.Time   `json:"window_end" db:"window_end"`
	SiteURL                *string     `json:"site_url,omitempty" db:"site_url"`
	TierAgreementRate      float64     `json:"tier_agreement_rate" db:"tier_agreement_rate"`
	DecisionAgreementRate  float64     `json:"decision_agreement_rate" db:"decision_agreement_rate"`
	AvgCompositeDivergence float64     `json:"avg_composite_divergence" db:"avg_composite_divergence"`
	SignalMeans            SignalMeans `json:"signal_means" db:"signal_means"`
	ConversionRate         float64     `json:"conversion_rate" db:"conversion_rate"`
	DismissalRate          float64     `json:"dismissal_rate" db:"dismissal_rate"`
	ComparisonSampleSize   int         `json:"comparison_sample_size" db:"comparison_sample_size"`
	OutcomeSampleSize      int         `json:"outcome_sample_size" db:"outcome_sample_size"`
	CreatedAt              time.Time   `json:"created_at" db:"created_at"`
}

// AlertSeverity grades a drift alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// DriftAlertType names the tripped drift threshold.
type DriftAlertType string

const (
	AlertTierAgreementLow       DriftAlertType = "TIER_AGREEMENT_LOW"
	AlertDecisionAgreementLow   DriftAlertType = "DECISION_AGREEMENT_LOW"
	AlertCompositeDivergenceHigh DriftAlertType = "COMPOSITE_DIVERGENCE_HIGH"
	AlertSignalShift            DriftAlertType = "SIGNAL_SHIFT"
	AlertConversionDrop         DriftAlertType = "CONVERSION_DROP"
)

// DriftAlert is a raised, acknowledgeable drift condition. Alerts are
// de-duplicated by (alert type, site) while unacknowledged.
type DriftAlert struct {
	ID             string         `json:"id" db:"id"`
	Severity       AlertSeverity  `json:"severity" db:"severity"`
	AlertType      DriftAlertType `json:"alert_type" db:"alert_type"`
	Message        string         `json:"message" db:"message"`
	SiteURL        *string        `json:"site_url,omitempty" db:"site_url"`
	DetectedAt     time.Time      `json:"detected_at" db:"detected_at"`
	Acknowledged   bool           `json:"acknowledged" db:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}
