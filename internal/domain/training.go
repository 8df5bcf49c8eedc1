package domain

import (
	"time"
)

// TrainingDatapoint joins the context, decision, and observed outcome of a
// single intervention. Assembled exactly once when the intervention reaches
// a terminal outcome; immutable afterwards. Everything is snapshotted by
// value so the datapoint survives deletion of the originals.
type TrainingDatapoint struct {
	ID             string  `json:"id" db:"id"`
	InterventionID string  `json:"intervention_id" db:"intervention_id"`
	EvaluationID   string  `json:"evaluation_id" db:"evaluation_id"`
	SessionID      string  `json:"session_id" db:"session_id"`
	SiteURL        string  `json:"site_url" db:"site_url"`

	// Session context at evaluation time.
	DeviceType      string   `json:"device_type" db:"device_type"`
	ReferrerType    string   `json:"referrer_type" db:"referrer_type"`
	IsLoggedIn      bool     `json:"is_logged_in" db:"is_logged_in"`
	IsRepeatVisitor bool     `json:"is_repeat_visitor" db:"is_repeat_visitor"`
	CartValue       float64  `json:"cart_value" db:"cart_value"`
	CartItemCount   int      `json:"cart_item_count" db:"cart_item_count"`
	SessionAgeSec   float64  `json:"session_age_sec" db:"session_age_sec"`
	PageType        PageType `json:"page_type" db:"page_type"`

	// Evaluation snapshot.
	Events            []TrackEvent  `json:"events,omitempty" db:"events"`
	EventCount        int           `json:"event_count" db:"event_count"`
	Narrative         string        `json:"narrative,omitempty" db:"narrative"`
	FrictionsFound    []string      `json:"frictions_found,omitempty" db:"frictions_found"`
	Signals           MSWIMSignals  `json:"signals" db:"signals"`
	WeightsUsed       SignalWeights `json:"weights_used" db:"weights_used"`
	CompositeScore    float64       `json:"composite_score" db:"composite_score"`
	Tier              Tier          `json:"tier" db:"tier"`
	Decision          Decision      `json:"decision" db:"decision"`
	GateOverride      *GateOverride `json:"gate_override,omitempty" db:"gate_override"`

	// Intervention snapshot.
	InterventionType InterventionType `json:"intervention_type" db:"intervention_type"`
	ActionCode       string           `json:"action_code" db:"action_code"`
	FrictionID       *string          `json:"friction_id,omitempty" db:"friction_id"`
	MSWIMScoreAtFire float64          `json:"mswim_score_at_fire" db:"mswim_score_at_fire"`
	TierAtFire       Tier             `json:"tier_at_fire" db:"tier_at_fire"`

	// Observed outcome.
	Outcome          InterventionStatus `json:"outcome" db:"outcome"`
	ConversionAction *string            `json:"conversion_action,omitempty" db:"conversion_action"`
	OutcomeDelayMs   int64              `json:"outcome_delay_ms" db:"outcome_delay_ms"`

	// Session history counters at assembly time.
	TotalInterventionsFired int `json:"total_interventions_fired" db:"total_interventions_fired"`
	TotalDismissals         int `json:"total_dismissals" db:"total_dismissals"`
	TotalConversions        int `json:"total_conversions" db:"total_conversions"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// QualityGrade buckets a datapoint's fitness for training.
type QualityGrade string

const (
	GradeHigh     QualityGrade = "high"
	GradeMedium   QualityGrade = "medium"
	GradeLow      QualityGrade = "low"
	GradeRejected QualityGrade = "rejected"
)

// QualityCheck is one named pass/fail check from the grader.
type QualityCheck struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// QualityAssessment is the grader's verdict on one datapoint.
type QualityAssessment struct {
	Grade  QualityGrade   `json:"grade"`
	Score  float64        `json:"score"`
	Checks []QualityCheck `json:"checks"`
}
