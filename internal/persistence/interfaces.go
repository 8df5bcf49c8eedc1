package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/avaplatform/ava/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when an intervention status update would
// regress the monotonic state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// TimeRange bounds a window query; both ends inclusive.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PageTransition is one edge of the page-flow graph with its traversal count.
type PageTransition struct {
	From  domain.PageType `json:"from" db:"from_page"`
	To    domain.PageType `json:"to" db:"to_page"`
	Count int64           `json:"count" db:"count"`
}

// ClickPoint is one aggregated click coordinate bucket.
type ClickPoint struct {
	PageType domain.PageType `json:"page_type" db:"page_type"`
	X        int             `json:"x" db:"x"`
	Y        int             `json:"y" db:"y"`
	Count    int64           `json:"count" db:"count"`
}

// SessionRepo persists visitor sessions and their running counters.
type SessionRepo interface {
	Upsert(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	LookupByKeys(ctx context.Context, visitorKey, sessionKey string) (*domain.Session, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]domain.Session, error)
	MarkEnded(ctx context.Context, id string) error
	UpdateCounters(ctx context.Context, id string, counters domain.SessionCounters) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// EventRepo persists raw track events. The analytics aggregates run off the
// hot path and may be backed by dedicated read queries.
type EventRepo interface {
	Append(ctx context.Context, e *domain.TrackEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.TrackEvent, error)
	FunnelStepCounts(ctx context.Context, siteURL string, tr TimeRange) (map[domain.PageType]int64, error)
	PageFlow(ctx context.Context, siteURL string, tr TimeRange) ([]PageTransition, error)
	ClickPoints(ctx context.Context, siteURL string, tr TimeRange) ([]ClickPoint, error)
	AvgTimeOnPage(ctx context.Context, siteURL string, tr TimeRange) (map[domain.PageType]float64, error)
	AvgScrollDepth(ctx context.Context, siteURL string, tr TimeRange) (map[domain.PageType]float64, error)
}

// EvaluationRepo persists scored evaluation snapshots.
type EvaluationRepo interface {
	Create(ctx context.Context, e *domain.Evaluation) error
	GetByID(ctx context.Context, id string) (*domain.Evaluation, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Evaluation, error)
	List(ctx context.Context, tr TimeRange, siteURL string, limit int) ([]domain.Evaluation, error)
}

// InterventionFilter narrows intervention listings.
type InterventionFilter struct {
	SessionID string
	SiteURL   string
	Status    domain.InterventionStatus
	Range     *TimeRange
	Limit     int
}

// InterventionRepo persists interventions. UpdateStatus enforces the
// monotonic sent -> delivered -> terminal progression; a regressing update
// returns ErrInvalidTransition and leaves the row untouched.
type InterventionRepo interface {
	Create(ctx context.Context, iv *domain.Intervention) error
	GetByID(ctx context.Context, id string) (*domain.Intervention, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Intervention, error)
	List(ctx context.Context, f InterventionFilter) ([]domain.Intervention, error)
	UpdateStatus(ctx context.Context, id string, status domain.InterventionStatus, conversionAction *string, at time.Time) (*domain.Intervention, error)
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Intervention, error)
}

// ScoringConfigRepo persists scoring configurations. GetActiveConfig falls
// back from the site config to the global one; callers layer built-in
// defaults on top when even that misses.
type ScoringConfigRepo interface {
	Create(ctx context.Context, cfg *domain.ScoringConfig) error
	Update(ctx context.Context, cfg *domain.ScoringConfig) error
	GetByID(ctx context.Context, id string) (*domain.ScoringConfig, error)
	List(ctx context.Context, siteURL string) ([]domain.ScoringConfig, error)
	Activate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	GetActiveConfig(ctx context.Context, siteURL string) (*domain.ScoringConfig, error)
}

// DatapointFilter narrows training-datapoint listings.
type DatapointFilter struct {
	Outcome    domain.InterventionStatus
	Tier       domain.Tier
	SiteURL    string
	FrictionID string
	Range      *TimeRange
	Limit      int
	Offset     int
}

// TrainingDatapointRepo persists assembled training datapoints. Create is
// idempotent on intervention id: a duplicate insert is silently dropped and
// reported via the bool return.
type TrainingDatapointRepo interface {
	Create(ctx context.Context, dp *domain.TrainingDatapoint) (created bool, err error)
	GetByInterventionID(ctx context.Context, interventionID string) (*domain.TrainingDatapoint, error)
	List(ctx context.Context, f DatapointFilter) ([]domain.TrainingDatapoint, error)
	Count(ctx context.Context, f DatapointFilter) (int64, error)
	OutcomeDistribution(ctx context.Context, tr TimeRange) (map[domain.InterventionStatus]int64, error)
	TierOutcomeCrossTab(ctx context.Context, tr TimeRange) (map[domain.Tier]map[domain.InterventionStatus]int64, error)
}

// ShadowFilter narrows shadow-comparison listings.
type ShadowFilter struct {
	SessionID     string
	SiteURL       string
	TierMatch     *bool
	DecisionMatch *bool
	MinDivergence float64
	Range         *TimeRange
	Limit         int
}

// ShadowStats aggregates agreement over a window.
type ShadowStats struct {
	Total                  int64              `json:"total"`
	TierMatches            int64              `json:"tier_matches"`
	DecisionMatches        int64              `json:"decision_matches"`
	AvgCompositeDivergence float64            `json:"avg_composite_divergence"`
	ProductionSignalMeans  domain.SignalMeans `json:"production_signal_means"`
}

// ShadowComparisonRepo persists production-vs-shadow comparisons.
type ShadowComparisonRepo interface {
	Create(ctx context.Context, sc *domain.ShadowComparison) error
	List(ctx context.Context, f ShadowFilter) ([]domain.ShadowComparison, error)
	Stats(ctx context.Context, tr TimeRange, siteURL string) (*ShadowStats, error)
	TopDivergences(ctx context.Context, tr TimeRange, limit int) ([]domain.ShadowComparison, error)
}

// DriftSnapshotRepo persists drift window snapshots.
type DriftSnapshotRepo interface {
	Create(ctx context.Context, s *domain.DriftSnapshot) error
	List(ctx context.Context, window domain.DriftWindow, siteURL string, limit int) ([]domain.DriftSnapshot, error)
	Latest(ctx context.Context, window domain.DriftWindow, siteURL string) (*domain.DriftSnapshot, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DriftAlertRepo persists drift alerts with unacknowledged de-duplication.
type DriftAlertRepo interface {
	Create(ctx context.Context, a *domain.DriftAlert) error
	List(ctx context.Context, acknowledged *bool, limit int) ([]domain.DriftAlert, error)
	FindUnacknowledged(ctx context.Context, alertType domain.DriftAlertType, siteURL *string) (*domain.DriftAlert, error)
	Acknowledge(ctx context.Context, id string, at time.Time) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExperimentRepo persists A/B experiments and reads per-variant metrics.
type ExperimentRepo interface {
	Create(ctx context.Context, e *domain.Experiment) error
	Update(ctx context.Context, e *domain.Experiment) error
	GetByID(ctx context.Context, id string) (*domain.Experiment, error)
	List(ctx context.Context, status domain.ExperimentStatus, limit int) ([]domain.Experiment, error)
	ListRunningForSite(ctx context.Context, siteURL string) ([]domain.Experiment, error)
	VariantMetrics(ctx context.Context, experimentID, variantID string) (*domain.VariantMetrics, error)
}

// RolloutRepo persists staged rollouts.
type RolloutRepo interface {
	Create(ctx context.Context, r *domain.Rollout) error
	Update(ctx context.Context, r *domain.Rollout) error
	GetByID(ctx context.Context, id string) (*domain.Rollout, error)
	List(ctx context.Context, limit int) ([]domain.Rollout, error)
	ListByStatus(ctx context.Context, status domain.RolloutStatus) ([]domain.Rollout, error)
	GetActiveRollout(ctx context.Context, siteURL string) (*domain.Rollout, error)
	AdvanceStage(ctx context.Context, id string, stage int, at time.Time) error
}

// JobRunRepo persists scheduled-job executions.
type JobRunRepo interface {
	Create(ctx context.Context, jr *domain.JobRun) error
	Complete(ctx context.Context, id string, at time.Time, summary string) error
	Fail(ctx context.Context, id string, at time.Time, errMsg string) error
	GetLastRun(ctx context.Context, jobName string) (*domain.JobRun, error)
	List(ctx context.Context, jobName string, limit int) ([]domain.JobRun, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Repository bundles every contract the core consumes.
type Repository struct {
	Sessions       SessionRepo
	Events         EventRepo
	Evaluations    EvaluationRepo
	Interventions  InterventionRepo
	ScoringConfigs ScoringConfigRepo
	Datapoints     TrainingDatapointRepo
	Shadows        ShadowComparisonRepo
	DriftSnapshots DriftSnapshotRepo
	DriftAlerts    DriftAlertRepo
	Experiments    ExperimentRepo
	Rollouts       RolloutRepo
	JobRuns        JobRunRepo
}
