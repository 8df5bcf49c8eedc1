package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// RolloutRepo is the PostgreSQL implementation of persistence.RolloutRepo.
type RolloutRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewRolloutRepo(db *sqlx.DB, timeout time.Duration) *RolloutRepo {
	return &RolloutRepo{db: db, timeout: timeout}
}

type rolloutRow struct {
	ID               string     `db:"id"`
	Name             string     `db:"name"`
	SiteURL          string     `db:"site_url"`
	ChangeType       string     `db:"change_type"`
	NewConfigID      *string    `db:"new_config_id"`
	NewEvalEngine    *string    `db:"new_eval_engine"`
	Stages           []byte     `db:"stages"`
	HealthCriteria   []byte     `db:"health_criteria"`
	Status           string     `db:"status"`
	CurrentStage     int        `db:"current_stage"`
	StartedAt        *time.Time `db:"started_at"`
	StageStartedAt   *time.Time `db:"stage_started_at"`
	ExperimentID     *string    `db:"experiment_id"`
	LastHealthCheck  *time.Time `db:"last_health_check"`
	LastHealthStatus *string    `db:"last_health_status"`
	RollbackReason   *string    `db:"rollback_reason"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r rolloutRow) toDomain() (*domain.Rollout, error) {
	ro := &domain.Rollout{
		ID:              r.ID,
		Name:            r.Name,
		SiteURL:         r.SiteURL,
		ChangeType:      domain.RolloutChangeType(r.ChangeType),
		NewConfigID:     r.NewConfigID,
		Status:          domain.RolloutStatus(r.Status),
		CurrentStage:    r.CurrentStage,
		StartedAt:       r.StartedAt,
		StageStartedAt:  r.StageStartedAt,
		ExperimentID:    r.ExperimentID,
		LastHealthCheck: r.LastHealthCheck,
		RollbackReason:  r.RollbackReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.NewEvalEngine != nil {
		engine := domain.EvalEngine(*r.NewEvalEngine)
		ro.NewEvalEngine = &engine
	}
	if r.LastHealthStatus != nil {
		hs := domain.HealthStatus(*r.LastHealthStatus)
		ro.LastHealthStatus = &hs
	}
	if err := json.Unmarshal(r.Stages, &ro.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal rollout stages: %w", err)
	}
	if err := json.Unmarshal(r.HealthCriteria, &ro.HealthCriteria); err != nil {
		return nil, fmt.Errorf("unmarshal rollout health criteria: %w", err)
	}
	return ro, nil
}

func rolloutArgs(ro *domain.Rollout) (stages, criteria []byte, engine, health *string, err error) {
	if stages, err = json.Marshal(ro.Stages); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal rollout stages: %w", err)
	}
	if criteria, err = json.Marshal(ro.HealthCriteria); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal rollout health criteria: %w", err)
	}
	if ro.NewEvalEngine != nil {
		s := string(*ro.NewEvalEngine)
		engine = &s
	}
	if ro.LastHealthStatus != nil {
		s := string(*ro.LastHealthStatus)
		health = &s
	}
	return stages, criteria, engine, health, nil
}

func (r *RolloutRepo) Create(ctx context.Context, ro *domain.Rollout) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stages, criteria, engine, health, err := rolloutArgs(ro)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO rollouts (
			id, name, site_url, change_type, new_config_id, new_eval_engine,
			stages, health_criteria, status, current_stage, started_at,
			stage_started_at, experiment_id, last_health_check,
			last_health_status, rollback_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err = r.db.ExecContext(ctx, query,
		ro.ID, ro.Name, ro.SiteURL, string(ro.ChangeType), ro.NewConfigID,
		engine, stages, criteria, string(ro.Status), ro.CurrentStage,
		ro.StartedAt, ro.StageStartedAt, ro.ExperimentID, ro.LastHealthCheck,
		health, ro.RollbackReason, ro.CreatedAt, ro.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rollout %s: %w", ro.ID, err)
	}
	return nil
}

func (r *RolloutRepo) Update(ctx context.Context, ro *domain.Rollout) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stages, criteria, engine, health, err := rolloutArgs(ro)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE rollouts
		 SET name = $2, stages = $3, health_criteria = $4, status = $5,
		     current_stage = $6, started_at = $7, stage_started_at = $8,
		     experiment_id = $9, last_health_check = $10,
		     last_health_status = $11, rollback_reason = $12,
		     new_eval_engine = $13, updated_at = $14
		 WHERE id = $1`,
		ro.ID, ro.Name, stages, criteria, string(ro.Status), ro.CurrentStage,
		ro.StartedAt, ro.StageStartedAt, ro.ExperimentID, ro.LastHealthCheck,
		health, ro.RollbackReason, engine, ro.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update rollout %s: %w", ro.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *RolloutRepo) GetByID(ctx context.Context, id string) (*domain.Rollout, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row rolloutRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM rollouts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rollout %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *RolloutRepo) List(ctx context.Context, limit int) ([]domain.Rollout, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []rolloutRow
	err := r.db.SelectContext(ctx, &rows,
		fmt.Sprintf(`SELECT * FROM rollouts ORDER BY created_at DESC LIMIT %d`, limit))
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	return rolloutRowsToDomain(rows)
}

func (r *RolloutRepo) ListByStatus(ctx context.Context, status domain.RolloutStatus) ([]domain.Rollout, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []rolloutRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM rollouts WHERE status = $1 ORDER BY created_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list rollouts by status %s: %w", status, err)
	}
	return rolloutRowsToDomain(rows)
}

// GetActiveRollout returns the in-flight rollout for a site; at most one
// rollout may be rolling per site at a time.
func (r *RolloutRepo) GetActiveRollout(ctx context.Context, siteURL string) (*domain.Rollout, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row rolloutRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM rollouts
		 WHERE site_url = $1 AND status IN ($2, $3)
		 ORDER BY created_at DESC LIMIT 1`,
		siteURL, string(domain.RolloutRolling), string(domain.RolloutPaused))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active rollout for %s: %w", siteURL, err)
	}
	return row.toDomain()
}

func (r *RolloutRepo) AdvanceStage(ctx context.Context, id string, stage int, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE rollouts
		 SET current_stage = $2, stage_started_at = $3, updated_at = $3
		 WHERE id = $1 AND current_stage < $2`,
		id, stage, at)
	if err != nil {
		return fmt.Errorf("advance rollout %s to stage %d: %w", id, stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func rolloutRowsToDomain(rows []rolloutRow) ([]domain.Rollout, error) {
	out := make([]domain.Rollout, 0, len(rows))
	for _, row := range rows {
		ro, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *ro)
	}
	return out, nil
}
