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
	"github.com/lib/pq"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// TrainingDatapointRepo is the PostgreSQL implementation of
// persistence.TrainingDatapointRepo. The unique index on intervention_id makes
// Create idempotent: the duplicate insert is swallowed and reported via the
// bool return.
type TrainingDatapointRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewTrainingDatapointRepo(db *sqlx.DB, timeout time.Duration) *TrainingDatapointRepo {
	return &TrainingDatapointRepo{db: db, timeout: timeout}
}

type datapointRow struct {
	ID             string `db:"id"`
	InterventionID string `db:"intervention_id"`
	EvaluationID   string `db:"evaluation_id"`
	SessionID      string `db:"session_id"`
	SiteURL        string `db:"site_url"`

	DeviceType      string  `db:"device_type"`
	ReferrerType    string  `db:"referrer_type"`
	IsLoggedIn      bool    `db:"is_logged_in"`
	IsRepeatVisitor bool    `db:"is_repeat_visitor"`
	CartValue       float64 `db:"cart_value"`
	CartItemCount   int     `db:"cart_item_count"`
	SessionAgeSec   float64 `db:"session_age_sec"`
	PageType        string  `db:"page_type"`

	Events         []byte         `db:"events"`
	EventCount     int            `db:"event_count"`
	Narrative      string         `db:"narrative"`
	FrictionsFound pq.StringArray `db:"frictions_found"`
	Signals        []byte         `db:"signals"`
	WeightsUsed    []byte         `db:"weights_used"`
	CompositeScore float64        `db:"composite_score"`
	Tier           string         `db:"tier"`
	Decision       string         `db:"decision"`
	GateOverride   []byte         `db:"gate_override"`

	InterventionType string  `db:"intervention_type"`
	ActionCode       string  `db:"action_code"`
	FrictionID       *string `db:"friction_id"`
	MSWIMScoreAtFire float64 `db:"mswim_score_at_fire"`
	TierAtFire       string  `db:"tier_at_fire"`

	Outcome          string  `db:"outcome"`
	ConversionAction *string `db:"conversion_action"`
	OutcomeDelayMs   int64   `db:"outcome_delay_ms"`

	TotalInterventionsFired int `db:"total_interventions_fired"`
	TotalDismissals         int `db:"total_dismissals"`
	TotalConversions        int `db:"total_conversions"`

	CreatedAt time.Time `db:"created_at"`
}

func (r datapointRow) toDomain() (*domain.TrainingDatapoint, error) {
	dp := &domain.TrainingDatapoint{
		ID:             r.ID,
		InterventionID: r.InterventionID,
		EvaluationID:   r.EvaluationID,
		SessionID:      r.SessionID,
		SiteURL:        r.SiteURL,

		DeviceType:      r.DeviceType,
		ReferrerType:    r.ReferrerType,
		IsLoggedIn:      r.IsLoggedIn,
		IsRepeatVisitor: r.IsRepeatVisitor,
		CartValue:       r.CartValue,
		CartItemCount:   r.CartItemCount,
		SessionAgeSec:   r.SessionAgeSec,
		PageType:        domain.PageType(r.PageType),

		EventCount:     r.EventCount,
		Narrative:      r.Narrative,
		FrictionsFound: r.FrictionsFound,
		CompositeScore: r.CompositeScore,
		Tier:           domain.Tier(r.Tier),
		Decision:       domain.Decision(r.Decision),

		InterventionType: domain.InterventionType(r.InterventionType),
		ActionCode:       r.ActionCode,
		FrictionID:       r.FrictionID,
		MSWIMScoreAtFire: r.MSWIMScoreAtFire,
		TierAtFire:       domain.Tier(r.TierAtFire),

		Outcome:          domain.InterventionStatus(r.Outcome),
		ConversionAction: r.ConversionAction,
		OutcomeDelayMs:   r.OutcomeDelayMs,

		TotalInterventionsFired: r.TotalInterventionsFired,
		TotalDismissals:         r.TotalDismissals,
		TotalConversions:        r.TotalConversions,

		CreatedAt: r.CreatedAt,
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &dp.Events); err != nil {
			return nil, fmt.Errorf("unmarshal datapoint events: %w", err)
		}
	}
	if err := json.Unmarshal(r.Signals, &dp.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal datapoint signals: %w", err)
	}
	if err := json.Unmarshal(r.WeightsUsed, &dp.WeightsUsed); err != nil {
		return nil, fmt.Errorf("unmarshal datapoint weights: %w", err)
	}
	if len(r.GateOverride) > 0 {
		if err := json.Unmarshal(r.GateOverride, &dp.GateOverride); err != nil {
			return nil, fmt.Errorf("unmarshal datapoint gate override: %w", err)
		}
	}
	return dp, nil
}

func (r *TrainingDatapointRepo) Create(ctx context.Context, dp *domain.TrainingDatapoint) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	events, err := json.Marshal(dp.Events)
	if err != nil {
		return false, fmt.Errorf("marshal datapoint events: %w", err)
	}
	signals, err := json.Marshal(dp.Signals)
	if err != nil {
		return false, fmt.Errorf("marshal datapoint signals: %w", err)
	}
	weights, err := json.Marshal(dp.WeightsUsed)
	if err != nil {
		return false, fmt.Errorf("marshal datapoint weights: %w", err)
	}
	var override []byte
	if dp.GateOverride != nil {
		if override, err = json.Marshal(dp.GateOverride); err != nil {
			return false, fmt.Errorf("marshal datapoint gate override: %w", err)
		}
	}

	query := `
		INSERT INTO training_datapoints (
			id, intervention_id, evaluation_id, session_id, site_url,
			device_type, referrer_type, is_logged_in, is_repeat_visitor,
			cart_value, cart_item_count, session_age_sec, page_type,
			events, event_count, narrative, frictions_found, signals,
			weights_used, composite_score, tier, decision, gate_override,
			intervention_type, action_code, friction_id, mswim_score_at_fire,
			tier_at_fire, outcome, conversion_action, outcome_delay_ms,
			total_interventions_fired, total_dismissals, total_conversions,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		          $18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,
		          $33,$34,$35)`

	_, err = r.db.ExecContext(ctx, query,
		dp.ID, dp.InterventionID, dp.EvaluationID, dp.SessionID, dp.SiteURL,
		dp.DeviceType, dp.ReferrerType, dp.IsLoggedIn, dp.IsRepeatVisitor,
		dp.CartValue, dp.CartItemCount, dp.SessionAgeSec, string(dp.PageType),
		events, dp.EventCount, dp.Narrative, pq.StringArray(dp.FrictionsFound),
		signals, weights, dp.CompositeScore, string(dp.Tier),
		string(dp.Decision), override, string(dp.InterventionType),
		dp.ActionCode, dp.FrictionID, dp.MSWIMScoreAtFire,
		string(dp.TierAtFire), string(dp.Outcome), dp.ConversionAction,
		dp.OutcomeDelayMs, dp.TotalInterventionsFired, dp.TotalDismissals,
		dp.TotalConversions, dp.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			// A datapoint for this intervention already exists.
			return false, nil
		}
		return false, fmt.Errorf("create training datapoint %s: %w", dp.ID, err)
	}
	return true, nil
}

func (r *TrainingDatapointRepo) GetByInterventionID(ctx context.Context, interventionID string) (*domain.TrainingDatapoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row datapointRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM training_datapoints WHERE intervention_id = $1`, interventionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get datapoint for intervention %s: %w", interventionID, err)
	}
	return row.toDomain()
}

func datapointFilterClauses(f persistence.DatapointFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.Tier != "" {
		add("tier = $%d", string(f.Tier))
	}
	if f.SiteURL != "" {
		add("site_url = $%d", f.SiteURL)
	}
	if f.FrictionID != "" {
		add("friction_id = $%d", f.FrictionID)
	}
	if f.Range != nil {
		add("created_at >= $%d", f.Range.From)
		add("created_at <= $%d", f.Range.To)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *TrainingDatapointRepo) List(ctx context.Context, f persistence.DatapointFilter) ([]domain.TrainingDatapoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := datapointFilterClauses(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query := fmt.Sprintf(
		`SELECT * FROM training_datapoints%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		where, limit, f.Offset)

	var rows []datapointRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list training datapoints: %w", err)
	}

	out := make([]domain.TrainingDatapoint, 0, len(rows))
	for _, row := range rows {
		dp, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *dp)
	}
	return out, nil
}

func (r *TrainingDatapointRepo) Count(ctx context.Context, f persistence.DatapointFilter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := datapointFilterClauses(f)
	var n int64
	if err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM training_datapoints`+where, args...); err != nil {
		return 0, fmt.Errorf("count training datapoints: %w", err)
	}
	return n, nil
}

func (r *TrainingDatapointRepo) OutcomeDistribution(ctx context.Context, tr persistence.TimeRange) (map[domain.InterventionStatus]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []struct {
		Outcome string `db:"outcome"`
		Count   int64  `db:"count"`
	}{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT outcome, COUNT(*) AS count FROM training_datapoints
		 WHERE created_at BETWEEN $1 AND $2 GROUP BY outcome`,
		tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("outcome distribution: %w", err)
	}

	out := make(map[domain.InterventionStatus]int64, len(rows))
	for _, row := range rows {
		out[domain.InterventionStatus(row.Outcome)] = row.Count
	}
	return out, nil
}

func (r *TrainingDatapointRepo) TierOutcomeCrossTab(ctx context.Context, tr persistence.TimeRange) (map[domain.Tier]map[domain.InterventionStatus]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []struct {
		Tier    string `db:"tier_at_fire"`
		Outcome string `db:"outcome"`
		Count   int64  `db:"count"`
	}{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT tier_at_fire, outcome, COUNT(*) AS count FROM training_datapoints
		 WHERE created_at BETWEEN $1 AND $2 GROUP BY tier_at_fire, outcome`,
		tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("tier/outcome cross tab: %w", err)
	}

	out := make(map[domain.Tier]map[domain.InterventionStatus]int64)
	for _, row := range rows {
		tier := domain.Tier(row.Tier)
		if out[tier] == nil {
			out[tier] = make(map[domain.InterventionStatus]int64)
		}
		out[tier][domain.InterventionStatus(row.Outcome)] = row.Count
	}
	return out, nil
}
