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

// ScoringConfigRepo is the PostgreSQL implementation of
// persistence.ScoringConfigRepo. Activation swaps the active flag within the
// config's scope (site or global) in one transaction so at most one config is
// ever active per scope.
type ScoringConfigRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewScoringConfigRepo(db *sqlx.DB, timeout time.Duration) *ScoringConfigRepo {
	return &ScoringConfigRepo{db: db, timeout: timeout}
}

type scoringConfigRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	SiteURL    *string   `db:"site_url"`
	IsActive   bool      `db:"is_active"`
	Weights    []byte    `db:"weights"`
	Thresholds []byte    `db:"thresholds"`
	Gates      []byte    `db:"gates"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r scoringConfigRow) toDomain() (*domain.ScoringConfig, error) {
	cfg := &domain.ScoringConfig{
		ID:        r.ID,
		Name:      r.Name,
		SiteURL:   r.SiteURL,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Weights, &cfg.Weights); err != nil {
		return nil, fmt.Errorf("unmarshal config weights: %w", err)
	}
	if err := json.Unmarshal(r.Thresholds, &cfg.Thresholds); err != nil {
		return nil, fmt.Errorf("unmarshal config thresholds: %w", err)
	}
	if err := json.Unmarshal(r.Gates, &cfg.Gates); err != nil {
		return nil, fmt.Errorf("unmarshal config gates: %w", err)
	}
	return cfg, nil
}

func marshalConfig(cfg *domain.ScoringConfig) (weights, thresholds, gates []byte, err error) {
	if weights, err = json.Marshal(cfg.Weights); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal weights: %w", err)
	}
	if thresholds, err = json.Marshal(cfg.Thresholds); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal thresholds: %w", err)
	}
	if gates, err = json.Marshal(cfg.Gates); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal gates: %w", err)
	}
	return weights, thresholds, gates, nil
}

func (r *ScoringConfigRepo) Create(ctx context.Context, cfg *domain.ScoringConfig) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	weights, thresholds, gates, err := marshalConfig(cfg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scoring_configs (
			id, name, site_url, is_active, weights, thresholds, gates,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = r.db.ExecContext(ctx, query,
		cfg.ID, cfg.Name, cfg.SiteURL, cfg.IsActive, weights, thresholds,
		gates, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create scoring config %s: %w", cfg.ID, err)
	}
	return nil
}

func (r *ScoringConfigRepo) Update(ctx context.Context, cfg *domain.ScoringConfig) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	weights, thresholds, gates, err := marshalConfig(cfg)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE scoring_configs
		 SET name = $2, weights = $3, thresholds = $4, gates = $5, updated_at = $6
		 WHERE id = $1`,
		cfg.ID, cfg.Name, weights, thresholds, gates, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update scoring config %s: %w", cfg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *ScoringConfigRepo) GetByID(ctx context.Context, id string) (*domain.ScoringConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row scoringConfigRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM scoring_configs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scoring config %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *ScoringConfigRepo) List(ctx context.Context, siteURL string) ([]domain.ScoringConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		rows []scoringConfigRow
		err  error
	)
	if siteURL == "" {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT * FROM scoring_configs ORDER BY created_at DESC`)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT * FROM scoring_configs WHERE site_url = $1 OR site_url IS NULL ORDER BY created_at DESC`,
			siteURL)
	}
	if err != nil {
		return nil, fmt.Errorf("list scoring configs: %w", err)
	}

	out := make([]domain.ScoringConfig, 0, len(rows))
	for _, row := range rows {
		cfg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, nil
}

// Activate marks the config active and deactivates every other config in the
// same scope.
func (r *ScoringConfigRepo) Activate(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate: %w", err)
	}
	defer tx.Rollback()

	var siteURL *string
	err = tx.GetContext(ctx, &siteURL, `SELECT site_url FROM scoring_configs WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock scoring config %s: %w", id, err)
	}

	if siteURL == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE scoring_configs SET is_active = false WHERE site_url IS NULL AND id <> $1`, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE scoring_configs SET is_active = false WHERE site_url = $2 AND id <> $1`, id, *siteURL)
	}
	if err != nil {
		return fmt.Errorf("deactivate siblings of %s: %w", id, err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE scoring_configs SET is_active = true, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("activate scoring config %s: %w", id, err)
	}
	return tx.Commit()
}

func (r *ScoringConfigRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scoring_configs WHERE id = $1 AND is_active = false`, id)
	if err != nil {
		return fmt.Errorf("delete scoring config %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or still active; an active config cannot be deleted.
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM scoring_configs WHERE id = $1)`, id); err == nil && exists {
			return fmt.Errorf("scoring config %s is active and cannot be deleted", id)
		}
		return persistence.ErrNotFound
	}
	return nil
}

// GetActiveConfig resolves the active config for the site, falling back to
// the active global config when the site has none.
func (r *ScoringConfigRepo) GetActiveConfig(ctx context.Context, siteURL string) (*domain.ScoringConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row scoringConfigRow
	err := r.db.GetContext(ctx, &row, `
		SELECT * FROM scoring_configs
		WHERE is_active AND (site_url = $1 OR site_url IS NULL)
		ORDER BY site_url NULLS LAST
		LIMIT 1`, siteURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active config for %s: %w", siteURL, err)
	}
	return row.toDomain()
}
