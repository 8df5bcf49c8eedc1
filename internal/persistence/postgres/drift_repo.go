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

// DriftSnapshotRepo is the PostgreSQL implementation of
// persistence.DriftSnapshotRepo.
type DriftSnapshotRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewDriftSnapshotRepo(db *sqlx.DB, timeout time.Duration) *DriftSnapshotRepo {
	return &DriftSnapshotRepo{db: db, timeout: timeout}
}

type driftSnapshotRow struct {
	ID                     string    `db:"id"`
	WindowType             string    `db:"window_type"`
	WindowStart            time.Time `db:"window_start"`
	WindowEnd              time.Time `db:"window_end"`
	SiteURL                *string   `db:"site_url"`
	TierAgreementRate      float64   `db:"tier_agreement_rate"`
	DecisionAgreementRate  float64   `db:"decision_agreement_rate"`
	AvgCompositeDivergence float64   `db:"avg_composite_divergence"`
	SignalMeans            []byte    `db:"signal_means"`
	ConversionRate         float64   `db:"conversion_rate"`
	DismissalRate          float64   `db:"dismissal_rate"`
	ComparisonSampleSize   int       `db:"comparison_sample_size"`
	OutcomeSampleSize      int       `db:"outcome_sample_size"`
	CreatedAt              time.Time `db:"created_at"`
}

func (r driftSnapshotRow) toDomain() (*domain.DriftSnapshot, error) {
	s := &domain.DriftSnapshot{
		ID:                     r.ID,
		WindowType:             domain.DriftWindow(r.WindowType),
		WindowStart:            r.WindowStart,
		WindowEnd:              r.WindowEnd,
		SiteURL:                r.SiteURL,
		TierAgreementRate:      r.TierAgreementRate,
		DecisionAgreementRate:  r.DecisionAgreementRate,
		AvgCompositeDivergence: r.AvgCompositeDivergence,
		ConversionRate:         r.ConversionRate,
		DismissalRate:          r.DismissalRate,
		ComparisonSampleSize:   r.ComparisonSampleSize,
		OutcomeSampleSize:      r.OutcomeSampleSize,
		CreatedAt:              r.CreatedAt,
	}
	if len(r.SignalMeans) > 0 {
		if err := json.Unmarshal(r.SignalMeans, &s.SignalMeans); err != nil {
			return nil, fmt.Errorf("unmarshal drift signal means: %w", err)
		}
	}
	return s, nil
}

func (r *DriftSnapshotRepo) Create(ctx context.Context, s *domain.DriftSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	means, err := json.Marshal(s.SignalMeans)
	if err != nil {
		return fmt.Errorf("marshal drift signal means: %w", err)
	}

	query := `
		INSERT INTO drift_snapshots (
			id, window_type, window_start, window_end, site_url,
			tier_agreement_rate, decision_agreement_rate,
			avg_composite_divergence, signal_means, conversion_rate,
			dismissal_rate, comparison_sample_size, outcome_sample_size,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = r.db.ExecContext(ctx, query,
		s.ID, string(s.WindowType), s.WindowStart, s.WindowEnd, s.SiteURL,
		s.TierAgreementRate, s.DecisionAgreementRate,
		s.AvgCompositeDivergence, means, s.ConversionRate, s.DismissalRate,
		s.ComparisonSampleSize, s.OutcomeSampleSize, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create drift snapshot %s: %w", s.ID, err)
	}
	return nil
}

func (r *DriftSnapshotRepo) List(ctx context.Context, window domain.DriftWindow, siteURL string, limit int) ([]domain.DriftSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT * FROM drift_snapshots WHERE window_type = $1`
	args := []interface{}{string(window)}
	if siteURL != "" {
		query += ` AND site_url = $2`
		args = append(args, siteURL)
	} else {
		query += ` AND site_url IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY window_end DESC LIMIT %d`, limit)

	var rows []driftSnapshotRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list drift snapshots: %w", err)
	}

	out := make([]domain.DriftSnapshot, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *DriftSnapshotRepo) Latest(ctx context.Context, window domain.DriftWindow, siteURL string) (*domain.DriftSnapshot, error) {
	snaps, err := r.List(ctx, window, siteURL, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, persistence.ErrNotFound
	}
	return &snaps[0], nil
}

func (r *DriftSnapshotRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM drift_snapshots WHERE window_end < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune drift snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DriftAlertRepo is the PostgreSQL implementation of persistence.DriftAlertRepo.
type DriftAlertRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewDriftAlertRepo(db *sqlx.DB, timeout time.Duration) *DriftAlertRepo {
	return &DriftAlertRepo{db: db, timeout: timeout}
}

func (r *DriftAlertRepo) Create(ctx context.Context, a *domain.DriftAlert) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO drift_alerts (
			id, severity, alert_type, message, site_url, detected_at,
			acknowledged, acknowledged_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, string(a.Severity), string(a.AlertType), a.Message, a.SiteURL,
		a.DetectedAt, a.Acknowledged, a.AcknowledgedAt)
	if err != nil {
		return fmt.Errorf("create drift alert %s: %w", a.ID, err)
	}
	return nil
}

func (r *DriftAlertRepo) List(ctx context.Context, acknowledged *bool, limit int) ([]domain.DriftAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT * FROM drift_alerts`
	var args []interface{}
	if acknowledged != nil {
		query += ` WHERE acknowledged = $1`
		args = append(args, *acknowledged)
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT %d`, limit)

	var out []domain.DriftAlert
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list drift alerts: %w", err)
	}
	return out, nil
}

// FindUnacknowledged returns the open alert of this type and scope, if any.
// The drift job uses it to avoid stacking duplicate alerts.
func (r *DriftAlertRepo) FindUnacknowledged(ctx context.Context, alertType domain.DriftAlertType, siteURL *string) (*domain.DriftAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT * FROM drift_alerts WHERE alert_type = $1 AND NOT acknowledged`
	args := []interface{}{string(alertType)}
	if siteURL == nil {
		query += ` AND site_url IS NULL`
	} else {
		query += ` AND site_url = $2`
		args = append(args, *siteURL)
	}
	query += ` ORDER BY detected_at DESC LIMIT 1`

	var a domain.DriftAlert
	err := r.db.GetContext(ctx, &a, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find unacknowledged alert: %w", err)
	}
	return &a, nil
}

func (r *DriftAlertRepo) Acknowledge(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE drift_alerts SET acknowledged = true, acknowledged_at = $2
		 WHERE id = $1 AND NOT acknowledged`,
		id, at)
	if err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM drift_alerts WHERE id = $1)`, id); err == nil && exists {
			// Already acknowledged; idempotent.
			return nil
		}
		return persistence.ErrNotFound
	}
	return nil
}

func (r *DriftAlertRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM drift_alerts WHERE acknowledged AND detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune drift alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
