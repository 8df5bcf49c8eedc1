// Package outcome closes the intervention loop: it applies widget-reported
// outcomes to the lifecycle state machine and assembles an immutable training
// datapoint the moment an intervention reaches a terminal state.
package outcome

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/metrics"
	"github.com/avaplatform/ava/internal/persistence"
)

// Recorder applies outcome reports and assembles training datapoints.
type Recorder struct {
	repo *persistence.Repository
	hub  *broadcast.Hub
}

// NewRecorder creates a recorder.
func NewRecorder(repo *persistence.Repository, hub *broadcast.Hub) *Recorder {
	return &Recorder{repo: repo, hub: hub}
}

// Record applies one outcome report. Stale or duplicate reports that violate
// the monotonic state machine are dropped, not errored: the widget retries
// and delivery races with terminal outcomes are routine. Returns the updated
// intervention, or nil when the report was dropped.
func (r *Recorder) Record(ctx context.Context, o domain.Outcome) (*domain.Intervention, error) {
	at := o.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	iv, err := r.repo.Interventions.UpdateStatus(ctx, o.InterventionID, o.Status, o.ConversionAction, at)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			log.Debug().
				Str("intervention", o.InterventionID).
				Str("status", string(o.Status)).
				Msg("outcome dropped, transition not allowed")
			return nil, nil
		}
		return nil, err
	}
	metrics.OutcomesRecorded.WithLabelValues(string(o.Status)).Inc()

	if r.hub != nil {
		r.hub.Publish(broadcast.ChannelDashboard, iv.SessionID, "outcome", iv)
	}

	if !iv.Status.IsTerminal() {
		return iv, nil
	}

	r.bumpSessionCounters(ctx, iv)

	if err := r.assembleDatapoint(ctx, iv); err != nil {
		// The outcome itself is recorded; assembly can be retried by the
		// nightly job, so log and move on.
		log.Error().Err(err).Str("intervention", iv.ID).Msg("datapoint assembly failed")
	}
	return iv, nil
}

// bumpSessionCounters feeds the terminal outcome back into the pressure
// counters the gate engine reads.
func (r *Recorder) bumpSessionCounters(ctx context.Context, iv *domain.Intervention) {
	s, err := r.repo.Sessions.GetByID(ctx, iv.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session", iv.SessionID).Msg("session lookup failed for outcome counters")
		return
	}
	switch iv.Status {
	case domain.StatusDismissed:
		s.Counters.TotalDismissals++
	case domain.StatusConverted:
		s.Counters.TotalConversions++
	default:
		return
	}
	if err := r.repo.Sessions.UpdateCounters(ctx, s.ID, s.Counters); err != nil {
		log.Warn().Err(err).Str("session", s.ID).Msg("outcome counter update failed")
	}
}

// assembleDatapoint snapshots the evaluation, intervention, and session into
// one immutable training row. The UNIQUE(intervention_id) constraint makes
// assembly idempotent under concurrent terminal reports.
func (r *Recorder) assembleDatapoint(ctx context.Context, iv *domain.Intervention) error {
	eval, err := r.repo.Evaluations.GetByID(ctx, iv.EvaluationID)
	if err != nil {
		return err
	}
	s, err := r.repo.Sessions.GetByID(ctx, iv.SessionID)
	if err != nil {
		return err
	}

	dp := &domain.TrainingDatapoint{
		ID:             uuid.NewString(),
		InterventionID: iv.ID,
		EvaluationID:   eval.ID,
		SessionID:      s.ID,
		SiteURL:        eval.SiteURL,

		DeviceType:      s.DeviceType,
		ReferrerType:    s.ReferrerType,
		IsLoggedIn:      s.IsLoggedIn,
		IsRepeatVisitor: s.IsRepeatVisitor,
		CartValue:       s.CartValue,
		CartItemCount:   s.CartItemCount,
		SessionAgeSec:   eval.SessionAgeSec,
		PageType:        eval.PageType,

		Events:         eval.Events,
		EventCount:     eval.EventCount,
		Narrative:      eval.Narrative,
		FrictionsFound: eval.DetectedFrictions,
		Signals:        eval.Signals,
		WeightsUsed:    eval.WeightsUsed,
		CompositeScore: eval.CompositeScore,
		Tier:           eval.Tier,
		Decision:       eval.Decision,
		GateOverride:   eval.GateOverride,

		InterventionType: iv.Type,
		ActionCode:       iv.ActionCode,
		FrictionID:       iv.FrictionID,
		MSWIMScoreAtFire: iv.MSWIMScore,
		TierAtFire:       iv.TierAtFire,

		Outcome:          iv.Status,
		ConversionAction: iv.ConversionAction,
		OutcomeDelayMs:   iv.StatusUpdatedAt.Sub(iv.CreatedAt).Milliseconds(),

		TotalInterventionsFired: s.Counters.TotalInterventionsFired,
		TotalDismissals:         s.Counters.TotalDismissals,
		TotalConversions:        s.Counters.TotalConversions,

		CreatedAt: time.Now().UTC(),
	}

	created, err := r.repo.Datapoints.Create(ctx, dp)
	if err != nil {
		return err
	}
	if created {
		metrics.DatapointsAssembled.Inc()
		log.Info().
			Str("intervention", iv.ID).
			Str("outcome", string(iv.Status)).
			Int64("delay_ms", dp.OutcomeDelayMs).
			Msg("training datapoint assembled")
	}
	return nil
}
