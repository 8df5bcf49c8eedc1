package domain

import (
	"time"
)

// ExperimentStatus is the lifecycle state of an A/B experiment.
type ExperimentStatus string

const (
	ExperimentDraft   ExperimentStatus = "draft"
	ExperimentRunning ExperimentStatus = "running"
	ExperimentPaused  ExperimentStatus = "paused"
	ExperimentEnded   ExperimentStatus = "ended"
)

// Variant is one arm of an experiment. Weights across a variant list sum to
// 1.0. A variant may override the scoring config and/or the eval engine.
type Variant struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Weight          float64     `json:"weight"`
	ScoringConfigID *string     `json:"scoring_config_id,omitempty"`
	EvalEngine      *EvalEngine `json:"eval_engine,omitempty"`
}

// Experiment is a deterministic traffic split over enrolled sessions.
type Experiment struct {
	ID             string           `json:"id" db:"id"`
	Name           string           `json:"name" db:"name"`
	SiteURL        *string          `json:"site_url,omitempty" db:"site_url"`
	Status         ExperimentStatus `json:"status" db:"status"`
	TrafficPercent int              `json:"traffic_percent" db:"traffic_percent"`
	Variants       []Variant        `json:"variants" db:"variants"`
	PrimaryMetric  string           `json:"primary_metric" db:"primary_metric"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Assignment is the side-effect-free result of variant assignment.
type Assignment struct {
	Enrolled  bool   `json:"enrolled"`
	VariantID string `json:"variant_id,omitempty"`
}

// VariantMetrics are the observed treatment metrics a rollout health check
// reads from the linked experiment.
type VariantMetrics struct {
	VariantID      string  `json:"variant_id"`
	SampleSize     int     `json:"sample_size"`
	ConversionRate float64 `json:"conversion_rate"`
	DismissalRate  float64 `json:"dismissal_rate"`
}
