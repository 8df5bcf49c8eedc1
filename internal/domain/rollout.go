package domain

import (
	"fmt"
	"time"
)

// RolloutStatus is the lifecycle state of a staged rollout.
type RolloutStatus string

const (
	RolloutPending    RolloutStatus = "pending"
	RolloutRolling    RolloutStatus = "rolling"
	RolloutPaused     RolloutStatus = "paused"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutRolledBack RolloutStatus = "rolled_back"
)

// RolloutChangeType names what the rollout changes.
type RolloutChangeType string

const (
	ChangeScoringConfig RolloutChangeType = "scoring_config"
	ChangeEvalEngine    RolloutChangeType = "eval_engine"
)

// RolloutStage is one traffic step. The final stage must be 100 percent.
type RolloutStage struct {
	Percent       int      `json:"percent"`
	DurationHours float64  `json:"duration_hours"`
	HealthChecks  []string `json:"health_checks,omitempty"`
}

// HealthCriteria are the thresholds the treatment arm must hold.
type HealthCriteria struct {
	MinSampleSize     int     `json:"min_sample_size"`
	MinConversionRate float64 `json:"min_conversion_rate"`
	MaxDismissalRate  float64 `json:"max_dismissal_rate"`
}

// HealthStatus summarises the latest health evaluation of a rollout.
type HealthStatus string

const (
	HealthPromote  HealthStatus = "promote"
	HealthHold     HealthStatus = "hold"
	HealthRollback HealthStatus = "rollback"
)

// HealthCheckResult is one named criterion check.
type HealthCheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Critical bool   `json:"critical"`
}

// HealthReport is the full result of evaluateRolloutHealth.
type HealthReport struct {
	RolloutID      string              `json:"rollout_id"`
	Recommendation HealthStatus        `json:"recommendation"`
	Checks         []HealthCheckResult `json:"checks"`
	Metrics        VariantMetrics      `json:"metrics"`
	EvaluatedAt    time.Time           `json:"evaluated_at"`
}

// Rollout is a staged configuration change traffic-split through a linked
// two-variant experiment. Experiments never back-reference rollouts.
type Rollout struct {
	ID             string            `json:"id" db:"id"`
	Name           string            `json:"name" db:"name"`
	SiteURL        string            `json:"site_url" db:"site_url"`
	ChangeType     RolloutChangeType `json:"change_type" db:"change_type"`
	NewConfigID    *string           `json:"new_config_id,omitempty" db:"new_config_id"`
	NewEvalEngine  *EvalEngine       `json:"new_eval_engine,omitempty" db:"new_eval_engine"`
	Stages         []RolloutStage    `json:"stages" db:"stages"`
	HealthCriteria HealthCriteria    `json:"health_criteria" db:"health_criteria"`
	Status         RolloutStatus     `json:"status" db:"status"`
	CurrentStage   int               `json:"current_stage" db:"current_stage"`
	StartedAt      *time.Time        `json:"started_at,omitempty" db:"started_at"`
	StageStartedAt *time.Time        `json:"stage_started_at,omitempty" db:"stage_started_at"`
	ExperimentID   *string           `json:"experiment_id,omitempty" db:"experiment_id"`
	LastHealthCheck  *time.Time    `json:"last_health_check,omitempty" db:"last_health_check"`
	LastHealthStatus *HealthStatus `json:"last_health_status,omitempty" db:"last_health_status"`
	RollbackReason   *string       `json:"rollback_reason,omitempty" db:"rollback_reason"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// Validate enforces the stage-shape invariants.
func (r *Rollout) Validate() error {
	if len(r.Stages) == 0 {
		return fmt.Errorf("rollout %s has no stages", r.ID)
	}
	if final := r.Stages[len(r.Stages)-1]; final.Percent != 100 {
		return fmt.Errorf("rollout %s final stage percent = %d, want 100", r.ID, final.Percent)
	}
	return nil
}

// Stage returns the current stage definition.
func (r *Rollout) Stage() RolloutStage {
	if r.CurrentStage < 0 || r.CurrentStage >= len(r.Stages) {
		return RolloutStage{}
	}
	return r.Stages[r.CurrentStage]
}

// OnFinalStage reports whether the rollout is at its 100% stage.
func (r *Rollout) OnFinalStage() bool {
	return r.CurrentStage == len(r.Stages)-1
}
