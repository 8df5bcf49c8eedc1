package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// JobRunRepo is the PostgreSQL implementation of persistence.JobRunRepo.
type JobRunRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewJobRunRepo(db *sqlx.DB, timeout time.Duration) *JobRunRepo {
	return &JobRunRepo{db: db, timeout: timeout}
}

func (r *JobRunRepo) Create(ctx context.Context, jr *domain.JobRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO job_runs (
			id, job_name, status, started_at, completed_at, duration_ms,
			summary, error, triggered_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := r.db.ExecContext(ctx, query,
		jr.ID, jr.JobName, string(jr.Status), jr.StartedAt, jr.CompletedAt,
		jr.DurationMs, jr.Summary, jr.Error, jr.TriggeredBy)
	if err != nil {
		return fmt.Errorf("create job run %s: %w", jr.ID, err)
	}
	return nil
}

func (r *JobRunRepo) Complete(ctx context.Context, id string, at time.Time, summary string) error {
	return r.finish(ctx, id, domain.JobCompleted, at, summary, nil)
}

func (r *JobRunRepo) Fail(ctx context.Context, id string, at time.Time, errMsg string) error {
	return r.finish(ctx, id, domain.JobFailed, at, "", &errMsg)
}

func (r *JobRunRepo) finish(ctx context.Context, id string, status domain.JobRunStatus, at time.Time, summary string, errMsg *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE job_runs
		 SET status = $2, completed_at = $3,
		     duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
		     summary = $4, error = $5
		 WHERE id = $1 AND status = $6`,
		id, string(status), at, summary, errMsg, string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("finish job run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *JobRunRepo) GetLastRun(ctx context.Context, jobName string) (*domain.JobRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var jr domain.JobRun
	err := r.db.GetContext(ctx, &jr,
		`SELECT * FROM job_runs WHERE job_name = $1 ORDER BY started_at DESC LIMIT 1`,
		jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get last run of %s: %w", jobName, err)
	}
	return &jr, nil
}

func (r *JobRunRepo) List(ctx context.Context, jobName string, limit int) ([]domain.JobRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT * FROM job_runs`
	var args []interface{}
	if jobName != "" {
		query += ` WHERE job_name = $1`
		args = append(args, jobName)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	var out []domain.JobRun
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return out, nil
}

func (r *JobRunRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE started_at < $1 AND status <> $2`,
		cutoff, string(domain.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("prune job runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
