package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/persistence"
)

// EventRepo is the PostgreSQL implementation of persistence.EventRepo.
// Events are append-only; the analytics queries aggregate in SQL so the
// service never pages raw events for dashboards.
type EventRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewEventRepo(db *sqlx.DB, timeout time.Duration) *EventRepo {
	return &EventRepo{db: db, timeout: timeout}
}

type eventRow struct {
	ID             string    `db:"id"`
	SessionID      string    `db:"session_id"`
	Timestamp      time.Time `db:"ts"`
	Category       string    `db:"category"`
	EventType      string    `db:"event_type"`
	PageType       string    `db:"page_type"`
	RawSignals     []byte    `db:"raw_signals"`
	FrictionID     *string   `db:"friction_id"`
	PageURL        string    `db:"page_url"`
	ScrollDepthPct float64   `db:"scroll_depth_pct"`
	TimeOnPageMs   int64     `db:"time_on_page_ms"`
	DeviceType     string    `db:"device_type"`
	ReferrerType   string    `db:"referrer_type"`
}

func (r eventRow) toDomain() (domain.TrackEvent, error) {
	e := domain.TrackEvent{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Timestamp:      r.Timestamp,
		Category:       domain.EventCategory(r.Category),
		EventType:      r.EventType,
		PageType:       domain.PageType(r.PageType),
		FrictionID:     r.FrictionID,
		PageURL:        r.PageURL,
		ScrollDepthPct: r.ScrollDepthPct,
		TimeOnPageMs:   r.TimeOnPageMs,
		DeviceType:     r.DeviceType,
		ReferrerType:   r.ReferrerType,
	}
	if len(r.RawSignals) > 0 {
		if err := json.Unmarshal(r.RawSignals, &e.RawSignals); err != nil {
			return e, fmt.Errorf("unmarshal event raw_signals: %w", err)
		}
	}
	return e, nil
}

func (r *EventRepo) Append(ctx context.Context, e *domain.TrackEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var raw []byte
	if e.RawSignals != nil {
		var err error
		raw, err = json.Marshal(e.RawSignals)
		if err != nil {
			return fmt.Errorf("marshal event raw_signals: %w", err)
		}
	}

	query := `
		INSERT INTO track_events (
			id, session_id, ts, category, event_type, page_type, raw_signals,
			friction_id, page_url, scroll_depth_pct, time_on_page_ms,
			device_type, referrer_type
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.SessionID, e.Timestamp, string(e.Category), e.EventType,
		string(e.PageType), raw, e.FrictionID, e.PageURL, e.ScrollDepthPct,
		e.TimeOnPageMs, e.DeviceType, e.ReferrerType)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func (r *EventRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.TrackEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM track_events WHERE session_id = $1 ORDER BY ts DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for session %s: %w", sessionID, err)
	}

	// Reverse to chronological order.
	out := make([]domain.TrackEvent, len(rows))
	for i, row := range rows {
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out[len(rows)-1-i] = e
	}
	return out, nil
}

func (r *EventRepo) FunnelStepCounts(ctx context.Context, siteURL string, tr persistence.TimeRange) (map[domain.PageType]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT e.page_type, COUNT(DISTINCT e.session_id) AS count
		FROM track_events e
		JOIN sessions s ON s.id = e.session_id
		WHERE s.site_url = $1 AND e.ts BETWEEN $2 AND $3
		GROUP BY e.page_type`

	rows := []struct {
		PageType string `db:"page_type"`
		Count    int64  `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, siteURL, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("funnel step counts: %w", err)
	}

	out := make(map[domain.PageType]int64, len(rows))
	for _, row := range rows {
		out[domain.PageType(row.PageType)] = row.Count
	}
	return out, nil
}

func (r *EventRepo) PageFlow(ctx context.Context, siteURL string, tr persistence.TimeRange) ([]persistence.PageTransition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Adjacent page_view pairs per session, via window function.
	query := `
		WITH views AS (
			SELECT e.session_id, e.page_type, e.ts,
			       LEAD(e.page_type) OVER (PARTITION BY e.session_id ORDER BY e.ts) AS next_page
			FROM track_events e
			JOIN sessions s ON s.id = e.session_id
			WHERE s.site_url = $1 AND e.event_type = 'page_view' AND e.ts BETWEEN $2 AND $3
		)
		SELECT page_type AS from_page, next_page AS to_page, COUNT(*) AS count
		FROM views
		WHERE next_page IS NOT NULL AND next_page <> page_type
		GROUP BY page_type, next_page
		ORDER BY count DESC`

	var out []persistence.PageTransition
	if err := r.db.SelectContext(ctx, &out, query, siteURL, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("page flow: %w", err)
	}
	return out, nil
}

func (r *EventRepo) ClickPoints(ctx context.Context, siteURL string, tr persistence.TimeRange) ([]persistence.ClickPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Click coordinates live in raw_signals; bucket to a 20px grid.
	query := `
		SELECT e.page_type,
		       (FLOOR((e.raw_signals->>'x')::float / 20) * 20)::int AS x,
		       (FLOOR((e.raw_signals->>'y')::float / 20) * 20)::int AS y,
		       COUNT(*) AS count
		FROM track_events e
		JOIN sessions s ON s.id = e.session_id
		WHERE s.site_url = $1
		  AND e.event_type = 'click'
		  AND e.raw_signals ? 'x' AND e.raw_signals ? 'y'
		  AND e.ts BETWEEN $2 AND $3
		GROUP BY e.page_type, 2, 3
		ORDER BY count DESC
		LIMIT 5000`

	var out []persistence.ClickPoint
	if err := r.db.SelectContext(ctx, &out, query, siteURL, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("click points: %w", err)
	}
	return out, nil
}

func (r *EventRepo) AvgTimeOnPage(ctx context.Context, siteURL string, tr persistence.TimeRange) (map[domain.PageType]float64, error) {
	return r.avgByPage(ctx, siteURL, tr, `AVG(e.time_on_page_ms)`, `e.time_on_page_ms > 0`)
}

func (r *EventRepo) AvgScrollDepth(ctx context.Context, siteURL string, tr persistence.TimeRange) (map[domain.PageType]float64, error) {
	return r.avgByPage(ctx, siteURL, tr, `AVG(e.scroll_depth_pct)`, `e.scroll_depth_pct > 0`)
}

func (r *EventRepo) avgByPage(ctx context.Context, siteURL string, tr persistence.TimeRange, agg, cond string) (map[domain.PageType]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT e.page_type, %s AS avg_value
		FROM track_events e
		JOIN sessions s ON s.id = e.session_id
		WHERE s.site_url = $1 AND %s AND e.ts BETWEEN $2 AND $3
		GROUP BY e.page_type`, agg, cond)

	rows := []struct {
		PageType string  `db:"page_type"`
		AvgValue float64 `db:"avg_value"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, siteURL, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("avg by page: %w", err)
	}

	out := make(map[domain.PageType]float64, len(rows))
	for _, row := range rows {
		out[domain.PageType(row.PageType)] = row.AvgValue
	}
	return out, nil
}
