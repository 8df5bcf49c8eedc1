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

// SessionRepo is the PostgreSQL implementation of persistence.SessionRepo.
// Counters live in a single JSONB column so the per-event update path touches
// one row with one write.
type SessionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewSessionRepo(db *sqlx.DB, timeout time.Duration) *SessionRepo {
	return &SessionRepo{db: db, timeout: timeout}
}

type sessionRow struct {
	ID              string    `db:"id"`
	VisitorKey      string    `db:"visitor_key"`
	SessionKey      string    `db:"session_key"`
	SiteURL         string    `db:"site_url"`
	StartedAt       time.Time `db:"started_at"`
	LastSeenAt      time.Time `db:"last_seen_at"`
	Status          string    `db:"status"`
	DeviceType      string    `db:"device_type"`
	ReferrerType    string    `db:"referrer_type"`
	IsLoggedIn      bool      `db:"is_logged_in"`
	IsRepeatVisitor bool      `db:"is_repeat_visitor"`
	CartValue       float64   `db:"cart_value"`
	CartItemCount   int       `db:"cart_item_count"`
	Counters        []byte    `db:"counters"`
}

func (r sessionRow) toDomain() (*domain.Session, error) {
	s := &domain.Session{
		ID:              r.ID,
		VisitorKey:      r.VisitorKey,
		SessionKey:      r.SessionKey,
		SiteURL:         r.SiteURL,
		StartedAt:       r.StartedAt,
		LastSeenAt:      r.LastSeenAt,
		Status:          domain.SessionStatus(r.Status),
		DeviceType:      r.DeviceType,
		ReferrerType:    r.ReferrerType,
		IsLoggedIn:      r.IsLoggedIn,
		IsRepeatVisitor: r.IsRepeatVisitor,
		CartValue:       r.CartValue,
		CartItemCount:   r.CartItemCount,
	}
	if len(r.Counters) > 0 {
		if err := json.Unmarshal(r.Counters, &s.Counters); err != nil {
			return nil, fmt.Errorf("unmarshal session counters: %w", err)
		}
	}
	return s, nil
}

func (r *SessionRepo) Upsert(ctx context.Context, s *domain.Session) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	counters, err := json.Marshal(s.Counters)
	if err != nil {
		return fmt.Errorf("marshal session counters: %w", err)
	}

	query := `
		INSERT INTO sessions (
			id, visitor_key, session_key, site_url, started_at, last_seen_at,
			status, device_type, referrer_type, is_logged_in, is_repeat_visitor,
			cart_value, cart_item_count, counters
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			status = EXCLUDED.status,
			is_logged_in = EXCLUDED.is_logged_in,
			is_repeat_visitor = EXCLUDED.is_repeat_visitor,
			cart_value = EXCLUDED.cart_value,
			cart_item_count = EXCLUDED.cart_item_count,
			counters = EXCLUDED.counters`

	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.VisitorKey, s.SessionKey, s.SiteURL, s.StartedAt, s.LastSeenAt,
		string(s.Status), s.DeviceType, s.ReferrerType, s.IsLoggedIn, s.IsRepeatVisitor,
		s.CartValue, s.CartItemCount, counters)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row sessionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return row.toDomain()
}

func (r *SessionRepo) LookupByKeys(ctx context.Context, visitorKey, sessionKey string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row sessionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE visitor_key = $1 AND session_key = $2`,
		visitorKey, sessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session by keys: %w", err)
	}
	return row.toDomain()
}

func (r *SessionRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM sessions WHERE last_seen_at >= $1 ORDER BY last_seen_at DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions since %s: %w", since.Format(time.RFC3339), err)
	}

	out := make([]domain.Session, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *SessionRepo) MarkEnded(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2 WHERE id = $1 AND status <> $2`,
		id, string(domain.SessionEnded))
	if err != nil {
		return fmt.Errorf("mark session %s ended: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already ended or missing; ending is idempotent either way.
		return nil
	}
	return nil
}

func (r *SessionRepo) UpdateCounters(ctx context.Context, id string, counters domain.SessionCounters) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal session counters: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET counters = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("update counters for session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (r *SessionRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = GREATEST(last_seen_at, $2), status = $3 WHERE id = $1`,
		id, at, string(domain.SessionActive))
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}
