// Package jobs schedules the background work: the nightly batch, hourly
// drift snapshots, canary rollout checks, the outcome-timeout closer, and
// the idle-session sweep. Every run leaves a JobRun record.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/config"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/drift"
	"github.com/avaplatform/ava/internal/metrics"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/rollout"
)

// Job names as persisted in job_runs.
const (
	JobNightlyBatch   = "nightly_batch"
	JobHourlySnapshot = "hourly_snapshot"
	JobCanaryCheck    = "canary_check"
	JobOutcomeTimeout = "outcome_timeout"
	JobSessionSweep   = "session_sweep"
)

// sweepInterval paces the outcome-timeout and idle-session sweeps.
const sweepInterval = time.Minute

// jobRunPruneAge bounds the job_runs audit table independently of the data
// retention window.
const jobRunPruneAge = 30 * 24 * time.Hour

// SessionFlusher is the slice of the evaluator the idle sweep needs.
type SessionFlusher interface {
	SessionIDs() []string
	FlushSession(ctx context.Context, sessionID string)
	Release(sessionID string)
}

// Runner wires the timers to the job implementations.
type Runner struct {
	repo     *persistence.Repository
	cfg      config.JobsConfig
	drift    *drift.Detector
	rollouts *rollout.Controller
	outcomes *outcome.Recorder
	flusher  SessionFlusher

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. flusher may be nil when no evaluator runs in
// this process (e.g. a jobs-only deployment).
func NewRunner(repo *persistence.Repository, cfg config.JobsConfig, d *drift.Detector, rc *rollout.Controller, rec *outcome.Recorder, flusher SessionFlusher) *Runner {
	return &Runner{
		repo:     repo,
		cfg:      cfg,
		drift:    d,
		rollouts: rc,
		outcomes: rec,
		flusher:  flusher,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches all timers. Stop cancels them and waits.
func (r *Runner) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.spawn(func() { r.nightlyLoop(ctx) })
	r.spawn(func() { r.tickerLoop(ctx, time.Hour, JobHourlySnapshot) })
	r.spawn(func() { r.tickerLoop(ctx, r.cfg.CanaryInterval, JobCanaryCheck) })
	r.spawn(func() { r.tickerLoop(ctx, sweepInterval, JobOutcomeTimeout) })
	r.spawn(func() { r.tickerLoop(ctx, sweepInterval, JobSessionSweep) })
	log.Info().Int("nightly_hour_utc", r.cfg.NightlyHourUTC).Msg("job runner started")
}

// Stop cancels the timers and waits for in-flight runs.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// nightlyLoop reschedules against the absolute wall clock of the next target
// hour, not now+24h, so timer drift never accumulates.
func (r *Runner) nightlyLoop(ctx context.Context) {
	for {
		next := nextNightly(r.now(), r.cfg.NightlyHourUTC)
		timer := time.NewTimer(next.Sub(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Run(ctx, JobNightlyBatch, "timer")
		}
	}
}

func (r *Runner) tickerLoop(ctx context.Context, interval time.Duration, jobName string) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Run(ctx, jobName, "timer")
		}
	}
}

// nextNightly returns the next occurrence of hourUTC strictly after now.
func nextNightly(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Run executes one named job synchronously, recording a JobRun. Manual API
// triggers call this with triggeredBy="api".
func (r *Runner) Run(ctx context.Context, jobName, triggeredBy string) (*domain.JobRun, error) {
	fn, ok := r.jobFuncs()[jobName]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", jobName)
	}

	jr := &domain.JobRun{
		ID:          uuid.NewString(),
		JobName:     jobName,
		Status:      domain.JobRunning,
		StartedAt:   r.now(),
		TriggeredBy: triggeredBy,
	}
	if err := r.repo.JobRuns.Create(ctx, jr); err != nil {
		return nil, err
	}

	summary, err := fn(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues(jobName, string(domain.JobFailed)).Inc()
		log.Error().Err(err).Str("job", jobName).Msg("job failed")
		if ferr := r.repo.JobRuns.Fail(ctx, jr.ID, r.now(), err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("job", jobName).Msg("job run record update failed")
		}
		return jr, err
	}

	metrics.JobRuns.WithLabelValues(jobName, string(domain.JobCompleted)).Inc()
	log.Info().Str("job", jobName).Str("summary", summary).Msg("job completed")
	if err := r.repo.JobRuns.Complete(ctx, jr.ID, r.now(), summary); err != nil {
		log.Error().Err(err).Str("job", jobName).Msg("job run record update failed")
	}
	return jr, nil
}

func (r *Runner) jobFuncs() map[string]func(context.Context) (string, error) {
	return map[string]func(context.Context) (string, error){
		JobNightlyBatch:   r.runNightlyBatch,
		JobHourlySnapshot: r.runHourlySnapshot,
		JobCanaryCheck:    r.runCanaryCheck,
		JobOutcomeTimeout: r.runOutcomeTimeout,
		JobSessionSweep:   r.runSessionSweep,
	}
}

func (r *Runner) runHourlySnapshot(ctx context.Context) (string, error) {
	snap, err := r.drift.ComputeWindowSnapshot(ctx, domain.Window1h, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("1h snapshot: %d comparisons, %d outcomes", snap.ComparisonSampleSize, snap.OutcomeSampleSize), nil
}

func (r *Runner) runCanaryCheck(ctx context.Context) (string, error) {
	if err := r.rollouts.CheckAll(ctx); err != nil {
		return "", err
	}
	return "rollout health applied", nil
}

// runOutcomeTimeout closes interventions that never reported a terminal
// outcome within the attribution window, recording them as ignored so a
// training datapoint still gets assembled.
func (r *Runner) runOutcomeTimeout(ctx context.Context) (string, error) {
	cutoff := r.now().Add(-r.cfg.OutcomeTimeout)
	stale, err := r.repo.Interventions.ListDeliveredBefore(ctx, cutoff, 500)
	if err != nil {
		return "", err
	}
	closed := 0
	for i := range stale {
		_, err := r.outcomes.Record(ctx, domain.Outcome{
			InterventionID: stale[i].ID,
			Status:         domain.StatusIgnored,
			Timestamp:      r.now(),
		})
		if err != nil {
			log.Warn().Err(err).Str("intervention", stale[i].ID).Msg("outcome timeout close failed")
			continue
		}
		closed++
	}
	return fmt.Sprintf("closed %d of %d stale interventions", closed, len(stale)), nil
}

// runSessionSweep flushes and releases sessions idle past the threshold.
func (r *Runner) runSessionSweep(ctx context.Context) (string, error) {
	if r.flusher == nil {
		return "no evaluator in this process", nil
	}
	cutoff := r.now().Add(-r.cfg.SessionIdleTime)
	swept := 0
	for _, id := range r.flusher.SessionIDs() {
		s, err := r.repo.Sessions.GetByID(ctx, id)
		if err != nil {
			// Unknown to storage: stop holding it in memory.
			r.flusher.Release(id)
			continue
		}
		if s.LastSeenAt.After(cutoff) {
			continue
		}
		r.flusher.FlushSession(ctx, id)
		if err := r.repo.Sessions.MarkEnded(ctx, id); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("session end mark failed")
		}
		r.flusher.Release(id)
		swept++
	}
	return fmt.Sprintf("ended %d idle sessions", swept), nil
}
