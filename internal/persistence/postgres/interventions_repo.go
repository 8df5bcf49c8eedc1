package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// InterventionRepo is the PostgreSQL implementation of
// persistence.InterventionRepo. UpdateStatus runs inside a transaction with a
// row lock so concurrent outcome reports cannot race the monotonicity check.
type InterventionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewInterventionRepo(db *sqlx.DB, timeout time.Duration) *InterventionRepo {
	return &InterventionRepo{db: db, timeout: timeout}
}

type interventionRow struct {
	ID               string    `db:"id"`
	SessionID        string    `db:"session_id"`
	EvaluationID     string    `db:"evaluation_id"`
	Type             string    `db:"type"`
	FrictionID       *string   `db:"friction_id"`
	ActionCode       string    `db:"action_code"`
	Message          *string   `db:"message"`
	MSWIMScore       float64   `db:"mswim_score"`
	TierAtFire       string    `db:"tier_at_fire"`
	Payload          []byte    `db:"payload"`
	Status           string    `db:"status"`
	ConversionAction *string   `db:"conversion_action"`
	CreatedAt        time.Time `db:"created_at"`
	StatusUpdatedAt  time.Time `db:"status_updated_at"`
}

func (r interventionRow) toDomain() (*domain.Intervention, error) {
	iv := &domain.Intervention{
		ID:               r.ID,
		SessionID:        r.SessionID,
		EvaluationID:     r.EvaluationID,
		Type:             domain.InterventionType(r.Type),
		FrictionID:       r.FrictionID,
		ActionCode:       r.ActionCode,
		Message:          r.Message,
		MSWIMScore:       r.MSWIMScore,
		TierAtFire:       domain.Tier(r.TierAtFire),
		Status:           domain.InterventionStatus(r.Status),
		ConversionAction: r.ConversionAction,
		CreatedAt:        r.CreatedAt,
		StatusUpdatedAt:  r.StatusUpdatedAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &iv.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal intervention payload: %w", err)
		}
	}
	return iv, nil
}

func (r *InterventionRepo) Create(ctx context.Context, iv *domain.Intervention) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(iv.Payload)
	if err != nil {
		return fmt.Errorf("marshal intervention payload: %w", err)
	}

	query := `
		INSERT INTO interventions (
			id, session_id, evaluation_id, type, friction_id, action_code,
			message, mswim_score, tier_at_fire, payload, status,
			conversion_action, created_at, status_updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = r.db.ExecContext(ctx, query,
		iv.ID, iv.SessionID, iv.EvaluationID, string(iv.Type), iv.FrictionID,
		iv.ActionCode, iv.Message, iv.MSWIMScore, string(iv.TierAtFire),
		payload, string(iv.Status), iv.ConversionAction, iv.CreatedAt,
		iv.StatusUpdatedAt)
	if err != nil {
		return fmt.Errorf("create intervention %s: %w", iv.ID, err)
	}
	return nil
}

func (r *InterventionRepo) GetByID(ctx context.Context, id string) (*domain.Intervention, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row interventionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM interventions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *InterventionRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.Intervention, error) {
	return r.List(ctx, persistence.InterventionFilter{SessionID: sessionID, Limit: limit})
}

func (r *InterventionRepo) List(ctx context.Context, f persistence.InterventionFilter) ([]domain.Intervention, error) {
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
		add("i.session_id = $%d", f.SessionID)
	}
	if f.SiteURL != "" {
		add("s.site_url = $%d", f.SiteURL)
	}
	if f.Status != "" {
		add("i.status = $%d", string(f.Status))
	}
	if f.Range != nil {
		add("i.created_at >= $%d", f.Range.From)
		add("i.created_at <= $%d", f.Range.To)
	}

	query := `SELECT i.* FROM interventions i JOIN sessions s ON s.id = i.session_id`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY i.created_at DESC LIMIT %d`, limit)

	var rows []interventionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	return interventionRowsToDomain(rows)
}

// UpdateStatus applies one lifecycle transition. The current row is locked,
// checked against the monotonic state machine, and only then updated; a
// regressing or repeated-terminal update returns ErrInvalidTransition.
func (r *InterventionRepo) UpdateStatus(ctx context.Context, id string, status domain.InterventionStatus, conversionAction *string, at time.Time) (*domain.Intervention, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var row interventionRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM interventions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock intervention %s: %w", id, err)
	}

	current := domain.InterventionStatus(row.Status)
	if !current.CanTransitionTo(status) {
		return nil, fmt.Errorf("intervention %s: %s -> %s: %w",
			id, current, status, persistence.ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE interventions SET status = $2, conversion_action = COALESCE($3, conversion_action), status_updated_at = $4 WHERE id = $1`,
		id, string(status), conversionAction, at)
	if err != nil {
		return nil, fmt.Errorf("update intervention %s status: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}

	row.Status = string(status)
	if conversionAction != nil {
		row.ConversionAction = conversionAction
	}
	row.StatusUpdatedAt = at
	return row.toDomain()
}

// ListDeliveredBefore returns non-terminal interventions whose last status
// change predates cutoff. The outcome-timeout closer sweeps these to ignored.
func (r *InterventionRepo) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Intervention, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []interventionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM interventions
		 WHERE status IN ($1, $2) AND status_updated_at < $3
		 ORDER BY status_updated_at ASC LIMIT $4`,
		string(domain.StatusSent), string(domain.StatusDelivered), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale interventions: %w", err)
	}
	return interventionRowsToDomain(rows)
}

func interventionRowsToDomain(rows []interventionRow) ([]domain.Intervention, error) {
	out := make([]domain.Intervention, 0, len(rows))
	for _, row := range rows {
		iv, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *iv)
	}
	return out, nil
}
