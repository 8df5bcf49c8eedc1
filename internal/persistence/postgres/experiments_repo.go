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

// ExperimentRepo is the PostgreSQL implementation of persistence.ExperimentRepo.
// VariantMetrics joins evaluations to interventions so the rollout health check
// reads live treatment rates without a separate metrics table.
type ExperimentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewExperimentRepo(db *sqlx.DB, timeout time.Duration) *ExperimentRepo {
	return &ExperimentRepo{db: db, timeout: timeout}
}

type experimentRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	SiteURL        *string   `db:"site_url"`
	Status         string    `db:"status"`
	TrafficPercent int       `db:"traffic_percent"`
	Variants       []byte    `db:"variants"`
	PrimaryMetric  string    `db:"primary_metric"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r experimentRow) toDomain() (*domain.Experiment, error) {
	e := &domain.Experiment{
		ID:             r.ID,
		Name:           r.Name,
		SiteURL:        r.SiteURL,
		Status:         domain.ExperimentStatus(r.Status),
		TrafficPercent: r.TrafficPercent,
		PrimaryMetric:  r.PrimaryMetric,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Variants, &e.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal experiment variants: %w", err)
	}
	return e, nil
}

func (r *ExperimentRepo) Create(ctx context.Context, e *domain.Experiment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return fmt.Errorf("marshal experiment variants: %w", err)
	}

	query := `
		INSERT INTO experiments (
			id, name, site_url, status, traffic_percent, variants,
			primary_metric, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.Name, e.SiteURL, string(e.Status), e.TrafficPercent,
		variants, e.PrimaryMetric, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create experiment %s: %w", e.ID, err)
	}
	return nil
}

func (r *ExperimentRepo) Update(ctx context.Context, e *domain.Experiment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	variants, err := json.Marshal(e.Variants)
	if err != nil {
		return fmt.Errorf("marshal experiment variants: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE experiments
		 SET name = $2, status = $3, traffic_percent = $4, variants = $5,
		     primary_metric = $6, updated_at = $7
		 WHERE id = $1`,
		e.ID, e.Name, string(e.Status), e.TrafficPercent, variants,
		e.PrimaryMetric, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update experiment %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *ExperimentRepo) GetByID(ctx context.Context, id string) (*domain.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row experimentRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM experiments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *ExperimentRepo) List(ctx context.Context, status domain.ExperimentStatus, limit int) ([]domain.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT * FROM experiments`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	var rows []experimentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	return experimentRowsToDomain(rows)
}

// ListRunningForSite returns running experiments scoped to the site or global.
func (r *ExperimentRepo) ListRunningForSite(ctx context.Context, siteURL string) ([]domain.Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []experimentRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM experiments
		 WHERE status = $1 AND (site_url = $2 OR site_url IS NULL)
		 ORDER BY created_at ASC`,
		string(domain.ExperimentRunning), siteURL)
	if err != nil {
		return nil, fmt.Errorf("list running experiments for %s: %w", siteURL, err)
	}
	return experimentRowsToDomain(rows)
}

// VariantMetrics aggregates outcome rates for one variant arm from its
// evaluations' interventions.
func (r *ExperimentRepo) VariantMetrics(ctx context.Context, experimentID, variantID string) (*domain.VariantMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT
			COUNT(i.id) AS sample_size,
			COUNT(i.id) FILTER (WHERE i.status = 'converted') AS converted,
			COUNT(i.id) FILTER (WHERE i.status = 'dismissed') AS dismissed
		FROM evaluations e
		JOIN interventions i ON i.evaluation_id = e.id
		WHERE e.variant_id = $1`

	var row struct {
		SampleSize int64 `db:"sample_size"`
		Converted  int64 `db:"converted"`
		Dismissed  int64 `db:"dismissed"`
	}
	if err := r.db.GetContext(ctx, &row, query, variantID); err != nil {
		return nil, fmt.Errorf("variant metrics %s/%s: %w", experimentID, variantID, err)
	}

	m := &domain.VariantMetrics{
		VariantID:  variantID,
		SampleSize: int(row.SampleSize),
	}
	if row.SampleSize > 0 {
		m.ConversionRate = float64(row.Converted) / float64(row.SampleSize)
		m.DismissalRate = float64(row.Dismissed) / float64(row.SampleSize)
	}
	return m, nil
}

func experimentRowsToDomain(rows []experimentRow) ([]domain.Experiment, error) {
	out := make([]domain.Experiment, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}
