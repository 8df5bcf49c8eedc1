// Package evaluator owns the hot path: buffering track events per session,
// flushing them through the MSWIM engine, and firing interventions.
package evaluator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/experiment"
	"github.com/avaplatform/ava/internal/llm"
	"github.com/avaplatform/ava/internal/metrics"
	"github.com/avaplatform/ava/internal/mswim"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/shadow"
)

// llmReevalInterval is the minimum spacing between generative evaluations of
// one session when the engine is "auto".
const llmReevalInterval = 120 * time.Second

// Options tune the buffering and engine selection.
type Options struct {
	BatchInterval    time.Duration
	BatchMaxEvents   int
	MaxContextEvents int
	Engine           domain.EvalEngine
	ShadowEnabled    bool
}

// Evaluator buffers events per session and evaluates on flush. All state for
// one session is serialized behind its own lock; different sessions evaluate
// concurrently.
type Evaluator struct {
	repo    *persistence.Repository
	configs mswim.ConfigSource
	llm     llm.Client
	hub     *broadcast.Hub
	opts    Options

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu      sync.Mutex
	session *domain.Session

	// flushMu serializes whole flushes for one session, snapshot through
	// persist and fire. st.mu only guards the buffered state, so ingest
	// keeps accepting events while an evaluation is in flight.
	flushMu sync.Mutex

	// buffer holds the most recent events, oldest first, capped at
	// MaxContextEvents.
	buffer  []domain.TrackEvent
	pending int // events since the last flush
	timer   *time.Timer

	lastLLMEval time.Time
}

// New creates an evaluator.
func New(repo *persistence.Repository, configs mswim.ConfigSource, llmClient llm.Client, hub *broadcast.Hub, opts Options) *Evaluator {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 5 * time.Second
	}
	if opts.BatchMaxEvents <= 0 {
		opts.BatchMaxEvents = 10
	}
	if opts.MaxContextEvents < opts.BatchMaxEvents {
		opts.MaxContextEvents = 50
	}
	if opts.Engine == "" {
		opts.Engine = domain.EngineAuto
	}
	return &Evaluator{
		repo:     repo,
		configs:  configs,
		llm:      llmClient,
		hub:      hub,
		opts:     opts,
		sessions: make(map[string]*sessionState),
	}
}

// Ingest accepts one track event: persists it, folds it into session state,
// and flushes when the batch is full. The timer flush covers trickling
// sessions; the size flush covers bursts. Each buffered event is evaluated
// exactly once.
func (ev *Evaluator) Ingest(ctx context.Context, session *domain.Session, e *domain.TrackEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.SessionID = session.ID

	if err := ev.repo.Events.Append(ctx, e); err != nil {
		return err
	}
	metrics.EventsIngested.WithLabelValues(string(e.Category)).Inc()

	st := ev.state(session)

	st.mu.Lock()
	applyEventToSession(st.session, e)
	st.buffer = append(st.buffer, *e)
	if over := len(st.buffer) - ev.opts.MaxContextEvents; over > 0 {
		st.buffer = st.buffer[over:]
	}
	st.pending++

	flushNow := st.pending >= ev.opts.BatchMaxEvents
	if flushNow {
		st.stopTimerLocked()
	} else if st.timer == nil {
		st.timer = time.AfterFunc(ev.opts.BatchInterval, func() {
			ev.flush(context.Background(), st, "timer")
		})
	}
	st.mu.Unlock()

	if err := ev.repo.Sessions.Upsert(ctx, st.session); err != nil {
		log.Error().Err(err).Str("session", session.ID).Msg("session upsert failed")
	}

	if flushNow {
		ev.flush(ctx, st, "batch_full")
	}
	return nil
}

// FlushSession forces an immediate evaluation of any pending events, used by
// the idle sweep and by tests.
func (ev *Evaluator) FlushSession(ctx context.Context, sessionID string) {
	ev.mu.Lock()
	st, ok := ev.sessions[sessionID]
	ev.mu.Unlock()
	if ok {
		ev.flush(ctx, st, "forced")
	}
}

// Release drops the in-memory state for a session that ended.
func (ev *Evaluator) Release(sessionID string) {
	ev.mu.Lock()
	if st, ok := ev.sessions[sessionID]; ok {
		st.mu.Lock()
		st.stopTimerLocked()
		st.mu.Unlock()
		delete(ev.sessions, sessionID)
	}
	metrics.ActiveSessions.Set(float64(len(ev.sessions)))
	ev.mu.Unlock()
}

// SessionIDs snapshots the ids currently held in memory.
func (ev *Evaluator) SessionIDs() []string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ids := make([]string, 0, len(ev.sessions))
	for id := range ev.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (ev *Evaluator) state(session *domain.Session) *sessionState {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	st, ok := ev.sessions[session.ID]
	if !ok {
		st = &sessionState{session: session}
		ev.sessions[session.ID] = st
		metrics.ActiveSessions.Set(float64(len(ev.sessions)))
	}
	return st
}

func (st *sessionState) stopTimerLocked() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// flush evaluates the buffered context. flushMu holds from snapshot through
// fire, so a timer flush and a size flush for the same session run strictly
// one after the other and the second sees the counters the first updated.
// The pending counter resets up front, so the follower returns without
// re-evaluating events the leader already took.
func (ev *Evaluator) flush(ctx context.Context, st *sessionState, trigger string) {
	st.flushMu.Lock()
	defer st.flushMu.Unlock()

	st.mu.Lock()
	if st.pending == 0 {
		st.mu.Unlock()
		return
	}
	st.pending = 0
	st.stopTimerLocked()

	events := make([]domain.TrackEvent, len(st.buffer))
	copy(events, st.buffer)
	session := st.session
	sessCtx := buildSessionContext(session, events)
	st.mu.Unlock()

	started := time.Now()

	cfg, configID, variantID, engine := ev.resolveRun(ctx, session)
	hints, usedEngine := ev.produceHints(ctx, st, sessCtx, events, cfg, engine)
	result := mswim.Evaluate(hints, sessCtx, cfg)

	metrics.EvaluationsTotal.WithLabelValues(string(usedEngine), string(result.Decision)).Inc()
	metrics.EvaluationDuration.WithLabelValues(string(usedEngine)).Observe(time.Since(started).Seconds())
	if result.GateOverride != nil {
		metrics.GateOverrides.WithLabelValues(string(result.GateOverride.ID)).Inc()
	}

	eval := &domain.Evaluation{
		ID:                uuid.NewString(),
		SessionID:         session.ID,
		SiteURL:           session.SiteURL,
		Engine:            usedEngine,
		ConfigID:          configID,
		VariantID:         variantID,
		Signals:           result.Signals,
		WeightsUsed:       result.WeightsUsed,
		CompositeScore:    result.CompositeScore,
		Tier:              result.Tier,
		GateOverride:      result.GateOverride,
		Decision:          result.Decision,
		Reasoning:         result.Reasoning,
		Narrative:         hints.Narrative,
		DetectedFrictions: hints.DetectedFrictions,
		EventCount:        len(events),
		SessionAgeSec:     sessCtx.SessionAgeSec,
		PageType:          sessCtx.PageType,
		Events:            events,
		CreatedAt:         time.Now().UTC(),
	}
	if err := withRetry(ctx, func() error { return ev.repo.Evaluations.Create(ctx, eval) }); err != nil {
		metrics.PersistFailures.WithLabelValues("evaluation").Inc()
		log.Error().Err(err).Str("session", session.ID).Msg("evaluation persist failed")
		return
	}

	log.Debug().
		Str("session", session.ID).
		Str("trigger", trigger).
		Str("engine", string(usedEngine)).
		Float64("composite", result.CompositeScore).
		Str("tier", string(result.Tier)).
		Str("decision", string(result.Decision)).
		Msg("evaluation complete")

	ev.hub.Publish(broadcast.ChannelDashboard, session.ID, "evaluation", eval)
	ev.hub.Publish(broadcast.ChannelDemo, session.ID, "evaluation", eval)

	if ev.opts.ShadowEnabled && !hints.Synthetic {
		ev.recordShadow(ctx, eval.ID, sessCtx, cfg, result)
	}

	switch result.Decision {
	case domain.DecisionFire:
		ev.fire(ctx, st, eval, sessCtx, result)
	case domain.DecisionSuppress:
		if result.GateOverride != nil {
			// Suppressions leave an audit trail on the dashboard feed.
			ev.hub.Publish(broadcast.ChannelDashboard, session.ID, "suppressed", result.GateOverride)
		}
	}
}

// resolveRun picks the scoring config and engine, honoring any experiment the
// session is enrolled in.
func (ev *Evaluator) resolveRun(ctx context.Context, session *domain.Session) (domain.ScoringConfig, string, *string, domain.EvalEngine) {
	engine := ev.opts.Engine
	configID := ""
	var variantID *string

	exps, err := ev.repo.Experiments.ListRunningForSite(ctx, session.SiteURL)
	if err != nil {
		log.Warn().Err(err).Str("site", session.SiteURL).Msg("experiment lookup failed")
	}
	for i := range exps {
		a := experiment.Assign(&exps[i], session.ID)
		if !a.Enrolled {
			continue
		}
		variantID = &a.VariantID
		if v := experiment.VariantByID(&exps[i], a.VariantID); v != nil {
			if v.ScoringConfigID != nil {
				configID = *v.ScoringConfigID
			}
			if v.EvalEngine != nil {
				engine = *v.EvalEngine
			}
		}
		break
	}

	cfg, err := ev.configs.Load(ctx, session.SiteURL, configID)
	if err != nil {
		log.Error().Err(err).Str("site", session.SiteURL).Msg("config load failed, using defaults")
		cfg = mswim.DefaultScoringConfig()
	}
	return cfg, cfg.ID, variantID, engine
}

// produceHints runs the selected engine. "auto" scores with rules first and
// only spends a generative call when the rules already see a nudge-grade or
// hotter session and the last generative pass is stale.
func (ev *Evaluator) produceHints(ctx context.Context, st *sessionState, sessCtx *domain.SessionContext, events []domain.TrackEvent, cfg domain.ScoringConfig, engine domain.EvalEngine) (domain.Hints, domain.EvalEngine) {
	fast := shadow.Synthesize(sessCtx)

	switch engine {
	case domain.EngineFast:
		return fast, domain.EngineFast

	case domain.EngineLLM:
		hints, err := ev.callLLM(ctx, st, sessCtx, events)
		if err != nil {
			metrics.LLMFallbacks.Inc()
			log.Warn().Err(err).Str("session", sessCtx.SessionID).Msg("llm evaluation failed, using fast engine")
			return fast, domain.EngineFast
		}
		return hints, domain.EngineLLM

	default: // auto
		fastResult := mswim.Evaluate(fast, sessCtx, cfg)
		st.mu.Lock()
		stale := time.Since(st.lastLLMEval) >= llmReevalInterval
		st.mu.Unlock()
		if fastResult.CompositeScore < float64(cfg.Thresholds.Nudge) || !stale {
			return fast, domain.EngineFast
		}
		hints, err := ev.callLLM(ctx, st, sessCtx, events)
		if err != nil {
			metrics.LLMFallbacks.Inc()
			return fast, domain.EngineFast
		}
		return hints, domain.EngineLLM
	}
}

func (ev *Evaluator) callLLM(ctx context.Context, st *sessionState, sessCtx *domain.SessionContext, events []domain.TrackEvent) (domain.Hints, error) {
	if ev.llm == nil {
		return domain.Hints{}, errors.New("no llm client configured")
	}
	hints, err := ev.llm.Evaluate(ctx, llm.EvalRequest{
		SessionID:     sessCtx.SessionID,
		SiteURL:       sessCtx.SiteURL,
		PageType:      sessCtx.PageType,
		Events:        events,
		CartValue:     sessCtx.CartValue,
		SessionAgeSec: sessCtx.SessionAgeSec,
		Counters:      sessCtx.Counters,
	})
	if err != nil {
		return domain.Hints{}, err
	}
	st.mu.Lock()
	st.lastLLMEval = time.Now()
	st.mu.Unlock()
	return hints, nil
}

func (ev *Evaluator) recordShadow(ctx context.Context, evalID string, sessCtx *domain.SessionContext, cfg domain.ScoringConfig, production *domain.MSWIMResult) {
	sc := shadow.Compare(evalID, sessCtx, cfg, production)
	metrics.ShadowDivergence.Observe(sc.CompositeDivergence)
	if err := ev.repo.Shadows.Create(ctx, sc); err != nil {
		log.Warn().Err(err).Str("evaluation", evalID).Msg("shadow comparison persist failed")
	}
}

// fire creates the intervention, updates session pressure counters, and
// pushes the payload to the widget.
func (ev *Evaluator) fire(ctx context.Context, st *sessionState, eval *domain.Evaluation, sessCtx *domain.SessionContext, result *domain.MSWIMResult) {
	frictionID := primaryFriction(sessCtx.FrictionIDs, mswim.CatalogSeverity)
	payload := BuildPayload(result.Tier, frictionID, sessCtx, result.Signals, eval.Narrative)

	now := time.Now().UTC()
	iv := &domain.Intervention{
		ID:              uuid.NewString(),
		SessionID:       eval.SessionID,
		EvaluationID:    eval.ID,
		Type:            payload.Type,
		FrictionID:      frictionID,
		ActionCode:      payload.ActionCode,
		Message:         payload.Message,
		MSWIMScore:      result.CompositeScore,
		TierAtFire:      result.Tier,
		Payload:         payload,
		Status:          domain.StatusSent,
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}
	if err := withRetry(ctx, func() error { return ev.repo.Interventions.Create(ctx, iv) }); err != nil {
		metrics.PersistFailures.WithLabelValues("intervention").Inc()
		log.Error().Err(err).Str("session", eval.SessionID).Msg("intervention persist failed")
		return
	}
	metrics.InterventionsFired.WithLabelValues(string(result.Tier)).Inc()

	st.mu.Lock()
	recordFiredIntervention(&st.session.Counters, result.Tier, frictionID, now)
	counters := st.session.Counters
	st.mu.Unlock()

	if err := ev.repo.Sessions.UpdateCounters(ctx, eval.SessionID, counters); err != nil {
		log.Error().Err(err).Str("session", eval.SessionID).Msg("counter update failed")
	}

	ev.hub.Publish(broadcast.ChannelWidget, eval.SessionID, "intervention", iv)
	ev.hub.Publish(broadcast.ChannelDashboard, eval.SessionID, "intervention", iv)
}

// recordFiredIntervention applies the pressure bookkeeping for one fire.
func recordFiredIntervention(c *domain.SessionCounters, tier domain.Tier, frictionID *string, at time.Time) {
	c.TotalInterventionsFired++
	c.LastInterventionAt = &at

	switch tier {
	case domain.TierNudge:
		c.TotalNudges++
		c.TotalNonPassive++
		c.LastNudgeAt = &at
	case domain.TierActive:
		c.TotalActive++
		c.TotalNonPassive++
		c.LastActiveAt = &at
	case domain.TierEscalate:
		c.TotalNonPassive++
		c.LastActiveAt = &at
	}

	if frictionID != nil && !c.HasIntervenedOn(*frictionID) {
		c.FrictionIDsIntervened = append(c.FrictionIDsIntervened, *frictionID)
	}
}

// withRetry retries a persistence write twice with short bounded backoff.
// The hot path must not block long on a flapping database.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return err
}
