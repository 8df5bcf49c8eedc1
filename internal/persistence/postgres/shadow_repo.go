package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// ShadowComparisonRepo is the PostgreSQL implementation of
// persistence.ShadowComparisonRepo. Match flags and divergence are stored as
// plain columns so the Stats aggregate stays a single SQL pass.
type ShadowComparisonRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewShadowComparisonRepo(db *sqlx.DB, timeout time.Duration) *ShadowComparisonRepo {
	return &ShadowComparisonRepo{db: db, timeout: timeout}
}

type shadowRow struct {
	ID                  string    `db:"id"`
	EvaluationID        string    `db:"evaluation_id"`
	SessionID           string    `db:"session_id"`
	SiteURL             string    `db:"site_url"`
	Production          []byte    `db:"production"`
	Shadow              []byte    `db:"shadow"`
	ShadowHints         []byte    `db:"shadow_hints"`
	CompositeDivergence float64   `db:"composite_divergence"`
	TierMatch           bool      `db:"tier_match"`
	DecisionMatch       bool      `db:"decision_match"`
	GateOverrideMatch   bool      `db:"gate_override_match"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r shadowRow) toDomain() (*domain.ShadowComparison, error) {
	sc := &domain.ShadowComparison{
		ID:                  r.ID,
		EvaluationID:        r.EvaluationID,
		SessionID:           r.SessionID,
		SiteURL:             r.SiteURL,
		CompositeDivergence: r.CompositeDivergence,
		TierMatch:           r.TierMatch,
		DecisionMatch:       r.DecisionMatch,
		GateOverrideMatch:   r.GateOverrideMatch,
		CreatedAt:           r.CreatedAt,
	}
	if err := json.Unmarshal(r.Production, &sc.Production); err != nil {
		return nil, fmt.Errorf("unmarshal production snapshot: %w", err)
	}
	if err := json.Unmarshal(r.Shadow, &sc.Shadow); err != nil {
		return nil, fmt.Errorf("unmarshal shadow snapshot: %w", err)
	}
	if err := json.Unmarshal(r.ShadowHints, &sc.ShadowHints); err != nil {
		return nil, fmt.Errorf("unmarshal shadow hints: %w", err)
	}
	return sc, nil
}

func (r *ShadowComparisonRepo) Create(ctx context.Context, sc *domain.ShadowComparison) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	production, err := json.Marshal(sc.Production)
	if err != nil {
		return fmt.Errorf("marshal production snapshot: %w", err)
	}
	shadow, err := json.Marshal(sc.Shadow)
	if err != nil {
		return fmt.Errorf("marshal shadow snapshot: %w", err)
	}
	hints, err := json.Marshal(sc.ShadowHints)
	if err != nil {
		return fmt.Errorf("marshal shadow hints: %w", err)
	}

	query := `
		INSERT INTO shadow_comparisons (
			id, evaluation_id, session_id, site_url, production, shadow,
			shadow_hints, composite_divergence, tier_match, decision_match,
			gate_override_match, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = r.db.ExecContext(ctx, query,
		sc.ID, sc.EvaluationID, sc.SessionID, sc.SiteURL, production, shadow,
		hints, sc.CompositeDivergence, sc.TierMatch, sc.DecisionMatch,
		sc.GateOverrideMatch, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create shadow comparison %s: %w", sc.ID, err)
	}
	return nil
}

func (r *ShadowComparisonRepo) List(ctx context.Context, f persistence.ShadowFilter) ([]domain.ShadowComparison, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.SiteURL != "" {
		add("site_url = $%d", f.SiteURL)
	}
	if f.TierMatch != nil {
		add("tier_match = $%d", *f.TierMatch)
	}
	if f.DecisionMatch != nil {
		add("decision_match = $%d", *f.DecisionMatch)
	}
	if f.MinDivergence > 0 {
		add("composite_divergence >= $%d", f.MinDivergence)
	}
	if f.Range != nil {
		add("created_at >= $%d", f.Range.From)
		add("created_at <= $%d", f.Range.To)
	}

	query := `SELECT * FROM shadow_comparisons`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	var rows []shadowRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list shadow comparisons: %w", err)
	}
	return shadowRowsToDomain(rows)
}

func (r *ShadowComparisonRepo) Stats(ctx context.Context, tr persistence.TimeRange, siteURL string) (*persistence.ShadowStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE tier_match) AS tier_matches,
			COUNT(*) FILTER (WHERE decision_match) AS decision_matches,
			COALESCE(AVG(composite_divergence), 0) AS avg_divergence,
			COALESCE(AVG((production->'signals'->>'intent')::float), 0) AS mean_intent,
			COALESCE(AVG((production->'signals'->>'friction')::float), 0) AS mean_friction,
			COALESCE(AVG((production->'signals'->>'clarity')::float), 0) AS mean_clarity,
			COALESCE(AVG((production->'signals'->>'receptivity')::float), 0) AS mean_receptivity,
			COALESCE(AVG((production->'signals'->>'value')::float), 0) AS mean_value
		FROM shadow_comparisons
		WHERE created_at BETWEEN $1 AND $2`
	args := []interface{}{tr.From, tr.To}
	if siteURL != "" {
		query += ` AND site_url = $3`
		args = append(args, siteURL)
	}

	var row struct {
		Total           int64   `db:"total"`
		TierMatches     int64   `db:"tier_matches"`
		DecisionMatches int64   `db:"decision_matches"`
		AvgDivergence   float64 `db:"avg_divergence"`
		MeanIntent      float64 `db:"mean_intent"`
		MeanFriction    float64 `db:"mean_friction"`
		MeanClarity     float64 `db:"mean_clarity"`
		MeanReceptivity float64 `db:"mean_receptivity"`
		MeanValue       float64 `db:"mean_value"`
	}
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, fmt.Errorf("shadow stats: %w", err)
	}

	return &persistence.ShadowStats{
		Total:                  row.Total,
		TierMatches:            row.TierMatches,
		DecisionMatches:        row.DecisionMatches,
		AvgCompositeDivergence: row.AvgDivergence,
		ProductionSignalMeans: domain.SignalMeans{
			Intent:      row.MeanIntent,
			Friction:    row.MeanFriction,
			Clarity:     row.MeanClarity,
			Receptivity: row.MeanReceptivity,
			Value:       row.MeanValue,
		},
	}, nil
}

func (r *ShadowComparisonRepo) TopDivergences(ctx context.Context, tr persistence.TimeRange, limit int) ([]domain.ShadowComparison, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []shadowRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM shadow_comparisons
		 WHERE created_at BETWEEN $1 AND $2
		 ORDER BY composite_divergence DESC LIMIT $3`,
		tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("top divergences: %w", err)
	}
	return shadowRowsToDomain(rows)
}

func shadowRowsToDomain(rows []shadowRow) ([]domain.ShadowComparison, error) {
	out := make([]domain.ShadowComparison, 0, len(rows))
	for _, row := range rows {
		sc, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, nil
}
