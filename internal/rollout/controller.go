// Package rollout drives staged configuration changes: each rollout
// traffic-splits through a linked two-variant experiment and is promoted or
// rolled back by health checks over the treatment arm.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// Variant ids in the linked experiment. The treatment arm carries the change
// under rollout; the control arm carries no overrides.
const (
	ControlVariantID   = "control"
	TreatmentVariantID = "treatment"
)

// ErrState marks a command that the rollout's current status does not allow.
var ErrState = errors.New("rollout state does not allow this")

// Invalidator flushes cached scoring configs after an activation.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Controller owns the rollout state machine.
type Controller struct {
	repo        *persistence.Repository
	invalidator Invalidator
	now         func() time.Time
}

// NewController creates a controller. invalidator may be nil.
func NewController(repo *persistence.Repository, invalidator Invalidator) *Controller {
	return &Controller{repo: repo, invalidator: invalidator, now: func() time.Time { return time.Now().UTC() }}
}

// Create registers a new rollout in pending state.
func (c *Controller) Create(ctx context.Context, ro *domain.Rollout) error {
	if ro.ID == "" {
		ro.ID = uuid.NewString()
	}
	ro.Status = domain.RolloutPending
	ro.CurrentStage = 0
	ro.CreatedAt = c.now()
	ro.UpdatedAt = ro.CreatedAt
	if err := ro.Validate(); err != nil {
		return err
	}
	return c.repo.Rollouts.Create(ctx, ro)
}

// Start moves a pending rollout to rolling, creating the linked experiment
// with first-stage weights. It also resumes a paused rollout.
func (c *Controller) Start(ctx context.Context, id string) (*domain.Rollout, error) {
	ro, err := c.repo.Rollouts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch ro.Status {
	case domain.RolloutPending:
		if active, err := c.repo.Rollouts.GetActiveRollout(ctx, ro.SiteURL); err == nil && active.ID != ro.ID {
			return nil, fmt.Errorf("%w: site %s already has rollout %s in progress", ErrState, ro.SiteURL, active.ID)
		}
		exp, err := c.createLinkedExperiment(ctx, ro)
		if err != nil {
			return nil, err
		}
		now := c.now()
		ro.ExperimentID = &exp.ID
		ro.Status = domain.RolloutRolling
		ro.StartedAt = &now
		ro.StageStartedAt = &now
		ro.UpdatedAt = now

	case domain.RolloutPaused:
		if err := c.setExperimentStatus(ctx, ro, domain.ExperimentRunning); err != nil {
			return nil, err
		}
		now := c.now()
		ro.Status = domain.RolloutRolling
		ro.StageStartedAt = &now
		ro.UpdatedAt = now

	default:
		return nil, fmt.Errorf("%w: rollout %s cannot start from %s", ErrState, id, ro.Status)
	}

	if err := c.repo.Rollouts.Update(ctx, ro); err != nil {
		return nil, err
	}
	log.Info().Str("rollout", ro.ID).Str("site", ro.SiteURL).Int("stage", ro.CurrentStage).Msg("rollout rolling")
	return ro, nil
}

// Pause suspends a rolling rollout and its experiment.
func (c *Controller) Pause(ctx context.Context, id string) (*domain.Rollout, error) {
	ro, err := c.repo.Rollouts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ro.Status != domain.RolloutRolling {
		return nil, fmt.Errorf("%w: rollout %s cannot pause from %s", ErrState, id, ro.Status)
	}
	if err := c.setExperimentStatus(ctx, ro, domain.ExperimentPaused); err != nil {
		return nil, err
	}
	ro.Status = domain.RolloutPaused
	ro.UpdatedAt = c.now()
	if err := c.repo.Rollouts.Update(ctx, ro); err != nil {
		return nil, err
	}
	return ro, nil
}

// Rollback aborts any non-terminal rollout. The active config stays as it
// was; the experiment ends.
func (c *Controller) Rollback(ctx context.Context, id, reason string) (*domain.Rollout, error) {
	ro, err := c.repo.Rollouts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ro.Status == domain.RolloutCompleted || ro.Status == domain.RolloutRolledBack {
		return nil, fmt.Errorf("%w: rollout %s already terminal (%s)", ErrState, id, ro.Status)
	}
	if err := c.setExperimentStatus(ctx, ro, domain.ExperimentEnded); err != nil {
		return nil, err
	}
	ro.Status = domain.RolloutRolledBack
	ro.RollbackReason = &reason
	ro.UpdatedAt = c.now()
	if err := c.repo.Rollouts.Update(ctx, ro); err != nil {
		return nil, err
	}
	log.Warn().Str("rollout", ro.ID).Str("reason", reason).Msg("rollout rolled back")
	return ro, nil
}

// Promote advances a rolling rollout one stage, or completes it on the final
// stage: the new config becomes the site default and the experiment ends.
func (c *Controller) Promote(ctx context.Context, id string) (*domain.Rollout, error) {
	ro, err := c.repo.Rollouts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ro.Status != domain.RolloutRolling {
		return nil, fmt.Errorf("%w: rollout %s cannot promote from %s", ErrState, id, ro.Status)
	}

	if ro.OnFinalStage() {
		return ro, c.complete(ctx, ro)
	}

	next := ro.CurrentStage + 1
	if err := c.repo.Rollouts.AdvanceStage(ctx, ro.ID, next, c.now()); err != nil {
		return nil, err
	}
	ro, err = c.repo.Rollouts.GetByID(ctx, ro.ID)
	if err != nil {
		return nil, err
	}
	if err := c.reweightExperiment(ctx, ro); err != nil {
		return nil, err
	}
	log.Info().Str("rollout", ro.ID).Int("stage", ro.CurrentStage).Int("percent", ro.Stage().Percent).Msg("rollout promoted")
	return ro, nil
}

func (c *Controller) complete(ctx context.Context, ro *domain.Rollout) error {
	if ro.ChangeType == domain.ChangeScoringConfig && ro.NewConfigID != nil {
		if err := c.repo.ScoringConfigs.Activate(ctx, *ro.NewConfigID); err != nil {
			return fmt.Errorf("activate config %s: %w", *ro.NewConfigID, err)
		}
		if c.invalidator != nil {
			c.invalidator.Invalidate(ctx)
		}
	}
	if err := c.setExperimentStatus(ctx, ro, domain.ExperimentEnded); err != nil {
		return err
	}
	ro.Status = domain.RolloutCompleted
	ro.UpdatedAt = c.now()
	if err := c.repo.Rollouts.Update(ctx, ro); err != nil {
		return err
	}
	log.Info().Str("rollout", ro.ID).Msg("rollout completed")
	return nil
}

// createLinkedExperiment builds the two-variant split at first-stage weights.
func (c *Controller) createLinkedExperiment(ctx context.Context, ro *domain.Rollout) (*domain.Experiment, error) {
	site := ro.SiteURL
	now := c.now()
	exp := &domain.Experiment{
		ID:             uuid.NewString(),
		Name:           ro.Name + " (rollout)",
		SiteURL:        &site,
		Status:         domain.ExperimentRunning,
		TrafficPercent: 100,
		Variants:       c.variantsForStage(ro, ro.Stages[0]),
		PrimaryMetric:  "conversion_rate",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.repo.Experiments.Create(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (c *Controller) variantsForStage(ro *domain.Rollout, stage domain.RolloutStage) []domain.Variant {
	treatment := domain.Variant{
		ID:     TreatmentVariantID,
		Name:   "treatment",
		Weight: float64(stage.Percent) / 100,
	}
	switch ro.ChangeType {
	case domain.ChangeScoringConfig:
		treatment.ScoringConfigID = ro.NewConfigID
	case domain.ChangeEvalEngine:
		treatment.EvalEngine = ro.NewEvalEngine
	}
	return []domain.Variant{
		{ID: ControlVariantID, Name: "control", Weight: 1 - treatment.Weight},
		treatment,
	}
}

func (c *Controller) reweightExperiment(ctx context.Context, ro *domain.Rollout) error {
	if ro.ExperimentID == nil {
		return fmt.Errorf("rollout %s has no linked experiment", ro.ID)
	}
	exp, err := c.repo.Experiments.GetByID(ctx, *ro.ExperimentID)
	if err != nil {
		return err
	}
	exp.Variants = c.variantsForStage(ro, ro.Stage())
	exp.UpdatedAt = c.now()
	return c.repo.Experiments.Update(ctx, exp)
}

func (c *Controller) setExperimentStatus(ctx context.Context, ro *domain.Rollout, status domain.ExperimentStatus) error {
	if ro.ExperimentID == nil {
		return nil
	}
	exp, err := c.repo.Experiments.GetByID(ctx, *ro.ExperimentID)
	if err != nil {
		return err
	}
	exp.Status = status
	exp.UpdatedAt = c.now()
	return c.repo.Experiments.Update(ctx, exp)
}
