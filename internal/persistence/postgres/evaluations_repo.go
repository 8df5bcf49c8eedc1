package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// EvaluationRepo is the PostgreSQL implementation of persistence.EvaluationRepo.
type EvaluationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewEvaluationRepo(db *sqlx.DB, timeout time.Duration) *EvaluationRepo {
	return &EvaluationRepo{db: db, timeout: timeout}
}

type evaluationRow struct {
	ID                string         `db:"id"`
	SessionID         string         `db:"session_id"`
	SiteURL           string         `db:"site_url"`
	Engine            string         `db:"engine"`
	ConfigID          string         `db:"config_id"`
	VariantID         *string        `db:"variant_id"`
	Signals           []byte         `db:"signals"`
	WeightsUsed       []byte         `db:"weights_used"`
	CompositeScore    float64        `db:"composite_score"`
	Tier              string         `db:"tier"`
	GateOverride      []byte         `db:"gate_override"`
	Decision          string         `db:"decision"`
	Reasoning         string         `db:"reasoning"`
	Narrative         string         `db:"narrative"`
	DetectedFrictions pq.StringArray `db:"detected_frictions"`
	EventCount        int            `db:"event_count"`
	SessionAgeSec     float64        `db:"session_age_sec"`
	PageType          string         `db:"page_type"`
	Events            []byte         `db:"events"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r evaluationRow) toDomain() (*domain.Evaluation, error) {
	e := &domain.Evaluation{
		ID:                r.ID,
		SessionID:         r.SessionID,
		SiteURL:           r.SiteURL,
		Engine:            domain.EvalEngine(r.Engine),
		ConfigID:          r.ConfigID,
		VariantID:         r.VariantID,
		CompositeScore:    r.CompositeScore,
		Tier:              domain.Tier(r.Tier),
		Decision:          domain.Decision(r.Decision),
		Reasoning:         r.Reasoning,
		Narrative:         r.Narrative,
		DetectedFrictions: r.DetectedFrictions,
		EventCount:        r.EventCount,
		SessionAgeSec:     r.SessionAgeSec,
		PageType:          domain.PageType(r.PageType),
		CreatedAt:         r.CreatedAt,
	}
	if err := json.Unmarshal(r.Signals, &e.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal evaluation signals: %w", err)
	}
	if err := json.Unmarshal(r.WeightsUsed, &e.WeightsUsed); err != nil {
		return nil, fmt.Errorf("unmarshal evaluation weights: %w", err)
	}
	if len(r.GateOverride) > 0 {
		if err := json.Unmarshal(r.GateOverride, &e.GateOverride); err != nil {
			return nil, fmt.Errorf("unmarshal gate override: %w", err)
		}
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &e.Events); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation events: %w", err)
		}
	}
	return e, nil
}

func (r *EvaluationRepo) Create(ctx context.Context, e *domain.Evaluation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	signals, err := json.Marshal(e.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	weights, err := json.Marshal(e.WeightsUsed)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	var override []byte
	if e.GateOverride != nil {
		if override, err = json.Marshal(e.GateOverride); err != nil {
			return fmt.Errorf("marshal gate override: %w", err)
		}
	}
	var events []byte
	if len(e.Events) > 0 {
		if events, err = json.Marshal(e.Events); err != nil {
			return fmt.Errorf("marshal events snapshot: %w", err)
		}
	}

	query := `
		INSERT INTO evaluations (
			id, session_id, site_url, engine, config_id, variant_id, signals,
			weights_used, composite_score, tier, gate_override, decision,
			reasoning, narrative, detected_frictions, event_count,
			session_age_sec, page_type, events, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.SessionID, e.SiteURL, string(e.Engine), e.ConfigID, e.VariantID,
		signals, weights, e.CompositeScore, string(e.Tier), override,
		string(e.Decision), e.Reasoning, e.Narrative,
		pq.StringArray(e.DetectedFrictions), e.EventCount, e.SessionAgeSec,
		string(e.PageType), events, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create evaluation %s: %w", e.ID, err)
	}
	return nil
}

func (r *EvaluationRepo) GetByID(ctx context.Context, id string) (*domain.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row evaluationRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM evaluations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *EvaluationRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []evaluationRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM evaluations WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluations for session %s: %w", sessionID, err)
	}
	return evaluationRowsToDomain(rows)
}

func (r *EvaluationRepo) List(ctx context.Context, tr persistence.TimeRange, siteURL string, limit int) ([]domain.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT * FROM evaluations WHERE created_at BETWEEN $1 AND $2`
	args := []interface{}{tr.From, tr.To}
	if siteURL != "" {
		query += ` AND site_url = $3`
		args = append(args, siteURL)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	var rows []evaluationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	return evaluationRowsToDomain(rows)
}

func evaluationRowsToDomain(rows []evaluationRow) ([]domain.Evaluation, error) {
	out := make([]domain.Evaluation, 0, len(rows))
	for _, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}
