// Package memory provides an in-memory implementation of every repository
// contract. It backs unit tests and the offline demo mode; it is not meant
// for production traffic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// Store holds all collections behind one lock. Contention is irrelevant at
// test scale and the single lock keeps cross-collection reads consistent.
type Store struct {
	mu sync.Mutex

	sessions      map[string]domain.Session
	events        map[string][]domain.TrackEvent // by session id
	evaluations   map[string]domain.Evaluation
	interventions map[string]domain.Intervention
	configs       map[string]domain.ScoringConfig
	datapoints    map[string]domain.TrainingDatapoint // by intervention id
	shadows       []domain.ShadowComparison
	snapshots     []domain.DriftSnapshot
	alerts        map[string]domain.DriftAlert
	experiments   map[string]domain.Experiment
	rollouts      map[string]domain.Rollout
	jobRuns       map[string]domain.JobRun
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions:      map[string]domain.Session{},
		events:        map[string][]domain.TrackEvent{},
		evaluations:   map[string]domain.Evaluation{},
		interventions: map[string]domain.Intervention{},
		configs:       map[string]domain.ScoringConfig{},
		datapoints:    map[string]domain.TrainingDatapoint{},
		alerts:        map[string]domain.DriftAlert{},
		experiments:   map[string]domain.Experiment{},
		rollouts:      map[string]domain.Rollout{},
		jobRuns:       map[string]domain.JobRun{},
	}
}

// Repository bundles the store behind the persistence contracts.
func (s *Store) Repository() *persistence.Repository {
	return &persistence.Repository{
		Sessions:       (*sessionRepo)(s),
		Events:         (*eventRepo)(s),
		Evaluations:    (*evaluationRepo)(s),
		Interventions:  (*interventionRepo)(s),
		ScoringConfigs: (*configRepo)(s),
		Datapoints:     (*datapointRepo)(s),
		Shadows:        (*shadowRepo)(s),
		DriftSnapshots: (*driftSnapshotRepo)(s),
		DriftAlerts:    (*driftAlertRepo)(s),
		Experiments:    (*experimentRepo)(s),
		Rollouts:       (*rolloutRepo)(s),
		JobRuns:        (*jobRunRepo)(s),
	}
}

func inRange(t time.Time, tr persistence.TimeRange) bool {
	return !t.Before(tr.From) && !t.After(tr.To)
}

// ---- sessions ----

type sessionRepo Store

func (r *sessionRepo) Upsert(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = *s
	return nil
}

func (r *sessionRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &s, nil
}

func (r *sessionRepo) LookupByKeys(_ context.Context, visitorKey, sessionKey string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.VisitorKey == visitorKey && s.SessionKey == sessionKey {
			out := s
			return &out, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (r *sessionRepo) ListSince(_ context.Context, since time.Time, limit int) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if !s.LastSeenAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *sessionRepo) MarkEnded(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Status = domain.SessionEnded
		r.sessions[id] = s
	}
	return nil
}

func (r *sessionRepo) UpdateCounters(_ context.Context, id string, counters domain.SessionCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return persistence.ErrNotFound
	}
	s.Counters = counters
	r.sessions[id] = s
	return nil
}

func (r *sessionRepo) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		if at.After(s.LastSeenAt) {
			s.LastSeenAt = at
		}
		s.Status = domain.SessionActive
		r.sessions[id] = s
	}
	return nil
}

// ---- events ----

type eventRepo Store

func (r *eventRepo) Append(_ context.Context, e *domain.TrackEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.SessionID] = append(r.events[e.SessionID], *e)
	return nil
}

func (r *eventRepo) ListBySession(_ context.Context, sessionID string, limit int) ([]domain.TrackEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.events[sessionID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]domain.TrackEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (r *eventRepo) FunnelStepCounts(_ context.Context, siteURL string, tr persistence.TimeRange) (map[domain.PageType]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.PageType]int64{}
	for sid, evs := range r.events {
		if s, ok := r.sessions[sid]; !ok || s.SiteURL != siteURL {
			continue
		}
		seen := map[domain.PageType]bool{}
		for _, e := range evs {
			if inRange(e.Timestamp, tr) && !seen[e.PageType] {
				seen[e.PageType] = true
				out[e.PageType]++
			}
		}
	}
	return out, nil
}

func (r *eventRepo) PageFlow(_ context.Context, siteURL string, tr persistence.TimeRange) ([]persistence.PageTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[[2]domain.PageType]int64{}
	for sid, evs := range r.events {
		if s, ok := r.sessions[sid]; !ok || s.SiteURL != siteURL {
			continue
		}
		var prev domain.PageType
		for _, e := range evs {
			if e.EventType != "page_view" || !inRange(e.Timestamp, tr) {
				continue
			}
			if prev != "" && prev != e.PageType {
				counts[[2]domain.PageType{prev, e.PageType}]++
			}
			prev = e.PageType
		}
	}
	var out []persistence.PageTransition
	for k, n := range counts {
		out = append(out, persistence.PageTransition{From: k[0], To: k[1], Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func (r *eventRepo) ClickPoints(_ context.Context, _ string, _ persistence.TimeRange) ([]persistence.ClickPoint, error) {
	return nil, nil
}

func (r *eventRepo) AvgTimeOnPage(_ context.Context, siteURL string, tr persistence.TimeRange) (map[domain.PageType]float64, error) {
	return r.avgByPage(siteURL, tr, func(e domain.TrackEvent) (float64, bool) {
		return float64(e.TimeOnPageMs), e.TimeOnPageMs > 0
	})
}

func (r *eventRepo) AvgScrollDepth(_ context.Context, siteURL string, tr persistence.TimeRange) (map[domain.PageType]float64, error) {
	return r.avgByPage(siteURL, tr, func(e domain.TrackEvent) (float64, bool) {
		return e.ScrollDepthPct, e.ScrollDepthPct > 0
	})
}

func (r *eventRepo) avgByPage(siteURL string, tr persistence.TimeRange, value func(domain.TrackEvent) (float64, bool)) (map[domain.PageType]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sums := map[domain.PageType]float64{}
	counts := map[domain.PageType]float64{}
	for sid, evs := range r.events {
		if s, ok := r.sessions[sid]; !ok || s.SiteURL != siteURL {
			continue
		}
		for _, e := range evs {
			if v, ok := value(e); ok && inRange(e.Timestamp, tr) {
				sums[e.PageType] += v
				counts[e.PageType]++
			}
		}
	}
	out := map[domain.PageType]float64{}
	for pt, sum := range sums {
		out[pt] = sum / counts[pt]
	}
	return out, nil
}

// ---- evaluations ----

type evaluationRepo Store

func (r *evaluationRepo) Create(_ context.Context, e *domain.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations[e.ID] = *e
	return nil
}

func (r *evaluationRepo) GetByID(_ context.Context, id string) (*domain.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.evaluations[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &e, nil
}

func (r *evaluationRepo) ListBySession(_ context.Context, sessionID string, limit int) ([]domain.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Evaluation
	for _, e := range r.evaluations {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *evaluationRepo) List(_ context.Context, tr persistence.TimeRange, siteURL string, limit int) ([]domain.Evaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Evaluation
	for _, e := range r.evaluations {
		if inRange(e.CreatedAt, tr) && (siteURL == "" || e.SiteURL == siteURL) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- interventions ----

type interventionRepo Store

func (r *interventionRepo) Create(_ context.Context, iv *domain.Intervention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interventions[iv.ID] = *iv
	return nil
}

func (r *interventionRepo) GetByID(_ context.Context, id string) (*domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iv, ok := r.interventions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &iv, nil
}

func (r *interventionRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Intervention, error) {
	return r.List(ctx, persistence.InterventionFilter{SessionID: sessionID, Limit: limit})
}

func (r *interventionRepo) List(_ context.Context, f persistence.InterventionFilter) ([]domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Intervention
	for _, iv := range r.interventions {
		if f.SessionID != "" && iv.SessionID != f.SessionID {
			continue
		}
		if f.SiteURL != "" {
			if s, ok := r.sessions[iv.SessionID]; !ok || s.SiteURL != f.SiteURL {
				continue
			}
		}
		if f.Status != "" && iv.Status != f.Status {
			continue
		}
		if f.Range != nil && !inRange(iv.CreatedAt, *f.Range) {
			continue
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *interventionRepo) UpdateStatus(_ context.Context, id string, status domain.InterventionStatus, conversionAction *string, at time.Time) (*domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iv, ok := r.interventions[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	if !iv.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("intervention %s: %s -> %s: %w",
			id, iv.Status, status, persistence.ErrInvalidTransition)
	}
	iv.Status = status
	if conversionAction != nil {
		iv.ConversionAction = conversionAction
	}
	iv.StatusUpdatedAt = at
	r.interventions[id] = iv
	return &iv, nil
}

func (r *interventionRepo) ListDeliveredBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Intervention
	for _, iv := range r.interventions {
		if !iv.Status.IsTerminal() && iv.StatusUpdatedAt.Before(cutoff) {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusUpdatedAt.Before(out[j].StatusUpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- scoring configs ----

type configRepo Store

func (r *configRepo) Create(_ context.Context, cfg *domain.ScoringConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = *cfg
	return nil
}

func (r *configRepo) Update(_ context.Context, cfg *domain.ScoringConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[cfg.ID]; !ok {
		return persistence.ErrNotFound
	}
	r.configs[cfg.ID] = *cfg
	return nil
}

func (r *configRepo) GetByID(_ context.Context, id string) (*domain.ScoringConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &cfg, nil
}

func (r *configRepo) List(_ context.Context, siteURL string) ([]domain.ScoringConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ScoringConfig
	for _, cfg := range r.configs {
		if siteURL == "" || cfg.SiteURL == nil || *cfg.SiteURL == siteURL {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *configRepo) Activate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.configs[id]
	if !ok {
		return persistence.ErrNotFound
	}
	for cid, cfg := range r.configs {
		sameScope := (cfg.SiteURL == nil && target.SiteURL == nil) ||
			(cfg.SiteURL != nil && target.SiteURL != nil && *cfg.SiteURL == *target.SiteURL)
		cfg.IsActive = sameScope && cid == id || cfg.IsActive && !sameScope
		r.configs[cid] = cfg
	}
	target.IsActive = true
	r.configs[id] = target
	return nil
}

func (r *configRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return persistence.ErrNotFound
	}
	if cfg.IsActive {
		return fmt.Errorf("scoring config %s is active and cannot be deleted", id)
	}
	delete(r.configs, id)
	return nil
}

func (r *configRepo) GetActiveConfig(_ context.Context, siteURL string) (*domain.ScoringConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var global *domain.ScoringConfig
	for _, cfg := range r.configs {
		if !cfg.IsActive {
			continue
		}
		if cfg.SiteURL != nil && *cfg.SiteURL == siteURL {
			out := cfg
			return &out, nil
		}
		if cfg.SiteURL == nil {
			out := cfg
			global = &out
		}
	}
	if global != nil {
		return global, nil
	}
	return nil, persistence.ErrNotFound
}

// ---- training datapoints ----

type datapointRepo Store

func (r *datapointRepo) Create(_ context.Context, dp *domain.TrainingDatapoint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.datapoints[dp.InterventionID]; exists {
		return false, nil
	}
	r.datapoints[dp.InterventionID] = *dp
	return true, nil
}

func (r *datapointRepo) GetByInterventionID(_ context.Context, interventionID string) (*domain.TrainingDatapoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dp, ok := r.datapoints[interventionID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &dp, nil
}

func (r *datapointRepo) matches(dp domain.TrainingDatapoint, f persistence.DatapointFilter) bool {
	if f.Outcome != "" && dp.Outcome != f.Outcome {
		return false
	}
	if f.Tier != "" && dp.Tier != f.Tier {
		return false
	}
	if f.SiteURL != "" && dp.SiteURL != f.SiteURL {
		return false
	}
	if f.FrictionID != "" && (dp.FrictionID == nil || !strings.EqualFold(*dp.FrictionID, f.FrictionID)) {
		return false
	}
	if f.Range != nil && !inRange(dp.CreatedAt, *f.Range) {
		return false
	}
	return true
}

func (r *datapointRepo) List(_ context.Context, f persistence.DatapointFilter) ([]domain.TrainingDatapoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TrainingDatapoint
	for _, dp := range r.datapoints {
		if r.matches(dp, f) {
			out = append(out, dp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *datapointRepo) Count(_ context.Context, f persistence.DatapointFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, dp := range r.datapoints {
		if r.matches(dp, f) {
			n++
		}
	}
	return n, nil
}

func (r *datapointRepo) OutcomeDistribution(_ context.Context, tr persistence.TimeRange) (map[domain.InterventionStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.InterventionStatus]int64{}
	for _, dp := range r.datapoints {
		if inRange(dp.CreatedAt, tr) {
			out[dp.Outcome]++
		}
	}
	return out, nil
}

func (r *datapointRepo) TierOutcomeCrossTab(_ context.Context, tr persistence.TimeRange) (map[domain.Tier]map[domain.InterventionStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.Tier]map[domain.InterventionStatus]int64{}
	for _, dp := range r.datapoints {
		if !inRange(dp.CreatedAt, tr) {
			continue
		}
		if out[dp.TierAtFire] == nil {
			out[dp.TierAtFire] = map[domain.InterventionStatus]int64{}
		}
		out[dp.TierAtFire][dp.Outcome]++
	}
	return out, nil
}

// ---- shadow comparisons ----

type shadowRepo Store

func (r *shadowRepo) Create(_ context.Context, sc *domain.ShadowComparison) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadows = append(r.shadows, *sc)
	return nil
}

func (r *shadowRepo) List(_ context.Context, f persistence.ShadowFilter) ([]domain.ShadowComparison, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ShadowComparison
	for _, sc := range r.shadows {
		if f.SessionID != "" && sc.SessionID != f.SessionID {
			continue
		}
		if f.SiteURL != "" && sc.SiteURL != f.SiteURL {
			continue
		}
		if f.TierMatch != nil && sc.TierMatch != *f.TierMatch {
			continue
		}
		if f.DecisionMatch != nil && sc.DecisionMatch != *f.DecisionMatch {
			continue
		}
		if f.MinDivergence > 0 && sc.CompositeDivergence < f.MinDivergence {
			continue
		}
		if f.Range != nil && !inRange(sc.CreatedAt, *f.Range) {
			continue
		}
		out = append(out, sc)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *shadowRepo) Stats(_ context.Context, tr persistence.TimeRange, siteURL string) (*persistence.ShadowStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &persistence.ShadowStats{}
	var divSum float64
	var means domain.SignalMeans
	for _, sc := range r.shadows {
		if !inRange(sc.CreatedAt, tr) || (siteURL != "" && sc.SiteURL != siteURL) {
			continue
		}
		stats.Total++
		if sc.TierMatch {
			stats.TierMatches++
		}
		if sc.DecisionMatch {
			stats.DecisionMatches++
		}
		divSum += sc.CompositeDivergence
		means.Intent += float64(sc.Production.Signals.Intent)
		means.Friction += float64(sc.Production.Signals.Friction)
		means.Clarity += float64(sc.Production.Signals.Clarity)
		means.Receptivity += float64(sc.Production.Signals.Receptivity)
		means.Value += float64(sc.Production.Signals.Value)
	}
	if stats.Total > 0 {
		n := float64(stats.Total)
		stats.AvgCompositeDivergence = divSum / n
		stats.ProductionSignalMeans = domain.SignalMeans{
			Intent:      means.Intent / n,
			Friction:    means.Friction / n,
			Clarity:     means.Clarity / n,
			Receptivity: means.Receptivity / n,
			Value:       means.Value / n,
		}
	}
	return stats, nil
}

func (r *shadowRepo) TopDivergences(_ context.Context, tr persistence.TimeRange, limit int) ([]domain.ShadowComparison, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ShadowComparison
	for _, sc := range r.shadows {
		if inRange(sc.CreatedAt, tr) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompositeDivergence > out[j].CompositeDivergence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- drift snapshots ----

type driftSnapshotRepo Store

func (r *driftSnapshotRepo) Create(_ context.Context, s *domain.DriftSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, *s)
	return nil
}

func (r *driftSnapshotRepo) List(_ context.Context, window domain.DriftWindow, siteURL string, limit int) ([]domain.DriftSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DriftSnapshot
	for _, s := range r.snapshots {
		if s.WindowType != window {
			continue
		}
		if siteURL == "" && s.SiteURL != nil {
			continue
		}
		if siteURL != "" && (s.SiteURL == nil || *s.SiteURL != siteURL) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowEnd.After(out[j].WindowEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *driftSnapshotRepo) Latest(ctx context.Context, window domain.DriftWindow, siteURL string) (*domain.DriftSnapshot, error) {
	snaps, err := r.List(ctx, window, siteURL, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, persistence.ErrNotFound
	}
	return &snaps[0], nil
}

func (r *driftSnapshotRepo) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []domain.DriftSnapshot
	var pruned int64
	for _, s := range r.snapshots {
		if s.WindowEnd.Before(cutoff) {
			pruned++
		} else {
			kept = append(kept, s)
		}
	}
	r.snapshots = kept
	return pruned, nil
}

// ---- drift alerts ----

type driftAlertRepo Store

func (r *driftAlertRepo) Create(_ context.Context, a *domain.DriftAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[a.ID] = *a
	return nil
}

func (r *driftAlertRepo) List(_ context.Context, acknowledged *bool, limit int) ([]domain.DriftAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DriftAlert
	for _, a := range r.alerts {
		if acknowledged != nil && a.Acknowledged != *acknowledged {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *driftAlertRepo) FindUnacknowledged(_ context.Context, alertType domain.DriftAlertType, siteURL *string) (*domain.DriftAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.AlertType != alertType || a.Acknowledged {
			continue
		}
		sameScope := (a.SiteURL == nil && siteURL == nil) ||
			(a.SiteURL != nil && siteURL != nil && *a.SiteURL == *siteURL)
		if sameScope {
			out := a
			return &out, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (r *driftAlertRepo) Acknowledge(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return persistence.ErrNotFound
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedAt = &at
		r.alerts[id] = a
	}
	return nil
}

func (r *driftAlertRepo) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned int64
	for id, a := range r.alerts {
		if a.Acknowledged && a.DetectedAt.Before(cutoff) {
			delete(r.alerts, id)
			pruned++
		}
	}
	return pruned, nil
}

// ---- experiments ----

type experimentRepo Store

func (r *experimentRepo) Create(_ context.Context, e *domain.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiments[e.ID] = *e
	return nil
}

func (r *experimentRepo) Update(_ context.Context, e *domain.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.experiments[e.ID]; !ok {
		return persistence.ErrNotFound
	}
	r.experiments[e.ID] = *e
	return nil
}

func (r *experimentRepo) GetByID(_ context.Context, id string) (*domain.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.experiments[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &e, nil
}

func (r *experimentRepo) List(_ context.Context, status domain.ExperimentStatus, limit int) ([]domain.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Experiment
	for _, e := range r.experiments {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *experimentRepo) ListRunningForSite(_ context.Context, siteURL string) ([]domain.Experiment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Experiment
	for _, e := range r.experiments {
		if e.Status != domain.ExperimentRunning {
			continue
		}
		if e.SiteURL == nil || *e.SiteURL == siteURL {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *experimentRepo) VariantMetrics(_ context.Context, _ string, variantID string) (*domain.VariantMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &domain.VariantMetrics{VariantID: variantID}
	var converted, dismissed int
	for _, iv := range r.interventions {
		eval, ok := r.evaluations[iv.EvaluationID]
		if !ok || eval.VariantID == nil || *eval.VariantID != variantID {
			continue
		}
		m.SampleSize++
		switch iv.Status {
		case domain.StatusConverted:
			converted++
		case domain.StatusDismissed:
			dismissed++
		}
	}
	if m.SampleSize > 0 {
		m.ConversionRate = float64(converted) / float64(m.SampleSize)
		m.DismissalRate = float64(dismissed) / float64(m.SampleSize)
	}
	return m, nil
}

// ---- rollouts ----

type rolloutRepo Store

func (r *rolloutRepo) Create(_ context.Context, ro *domain.Rollout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollouts[ro.ID] = *ro
	return nil
}

func (r *rolloutRepo) Update(_ context.Context, ro *domain.Rollout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rollouts[ro.ID]; !ok {
		return persistence.ErrNotFound
	}
	r.rollouts[ro.ID] = *ro
	return nil
}

func (r *rolloutRepo) GetByID(_ context.Context, id string) (*domain.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ro, ok := r.rollouts[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &ro, nil
}

func (r *rolloutRepo) List(_ context.Context, limit int) ([]domain.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Rollout
	for _, ro := range r.rollouts {
		out = append(out, ro)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *rolloutRepo) ListByStatus(_ context.Context, status domain.RolloutStatus) ([]domain.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Rollout
	for _, ro := range r.rollouts {
		if ro.Status == status {
			out = append(out, ro)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *rolloutRepo) GetActiveRollout(_ context.Context, siteURL string) (*domain.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ro := range r.rollouts {
		if ro.SiteURL == siteURL && (ro.Status == domain.RolloutRolling || ro.Status == domain.RolloutPaused) {
			out := ro
			return &out, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (r *rolloutRepo) AdvanceStage(_ context.Context, id string, stage int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ro, ok := r.rollouts[id]
	if !ok || ro.CurrentStage >= stage {
		return persistence.ErrNotFound
	}
	ro.CurrentStage = stage
	ro.StageStartedAt = &at
	ro.UpdatedAt = at
	r.rollouts[id] = ro
	return nil
}

// ---- job runs ----

type jobRunRepo Store

func (r *jobRunRepo) Create(_ context.Context, jr *domain.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobRuns[jr.ID] = *jr
	return nil
}

func (r *jobRunRepo) Complete(_ context.Context, id string, at time.Time, summary string) error {
	return r.finish(id, domain.JobCompleted, at, summary, nil)
}

func (r *jobRunRepo) Fail(_ context.Context, id string, at time.Time, errMsg string) error {
	return r.finish(id, domain.JobFailed, at, "", &errMsg)
}

func (r *jobRunRepo) finish(id string, status domain.JobRunStatus, at time.Time, summary string, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	jr, ok := r.jobRuns[id]
	if !ok || jr.Status != domain.JobRunning {
		return persistence.ErrNotFound
	}
	jr.Status = status
	jr.CompletedAt = &at
	ms := at.Sub(jr.StartedAt).Milliseconds()
	jr.DurationMs = &ms
	jr.Summary = summary
	jr.Error = errMsg
	r.jobRuns[id] = jr
	return nil
}

func (r *jobRunRepo) GetLastRun(_ context.Context, jobName string) (*domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.JobRun
	for _, jr := range r.jobRuns {
		if jr.JobName != jobName {
			continue
		}
		if latest == nil || jr.StartedAt.After(latest.StartedAt) {
			out := jr
			latest = &out
		}
	}
	if latest == nil {
		return nil, persistence.ErrNotFound
	}
	return latest, nil
}

func (r *jobRunRepo) List(_ context.Context, jobName string, limit int) ([]domain.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.JobRun
	for _, jr := range r.jobRuns {
		if jobName == "" || jr.JobName == jobName {
			out = append(out, jr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *jobRunRepo) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned int64
	for id, jr := range r.jobRuns {
		if jr.Status != domain.JobRunning && jr.StartedAt.Before(cutoff) {
			delete(r.jobRuns, id)
			pruned++
		}
	}
	return pruned, nil
}
