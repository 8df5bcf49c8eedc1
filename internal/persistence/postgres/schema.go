package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is the full DDL, idempotent so startup can always run it.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	visitor_key       TEXT NOT NULL,
	session_key       TEXT NOT NULL,
	site_url          TEXT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	status            TEXT NOT NULL,
	device_type       TEXT NOT NULL DEFAULT '',
	referrer_type     TEXT NOT NULL DEFAULT '',
	is_logged_in      BOOLEAN NOT NULL DEFAULT false,
	is_repeat_visitor BOOLEAN NOT NULL DEFAULT false,
	cart_value        DOUBLE PRECISION NOT NULL DEFAULT 0,
	cart_item_count   INTEGER NOT NULL DEFAULT 0,
	counters          JSONB NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_keys ON sessions (visitor_key, session_key);
CREATE INDEX IF NOT EXISTS idx_sessions_site_seen ON sessions (site_url, last_seen_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_seen ON sessions (status, last_seen_at);

CREATE TABLE IF NOT EXISTS track_events (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id),
	ts               TIMESTAMPTZ NOT NULL,
	category         TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	page_type        TEXT NOT NULL,
	raw_signals      JSONB,
	friction_id      TEXT,
	page_url         TEXT NOT NULL DEFAULT '',
	scroll_depth_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	time_on_page_ms  BIGINT NOT NULL DEFAULT 0,
	device_type      TEXT NOT NULL DEFAULT '',
	referrer_type    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_session_ts ON track_events (session_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_ts ON track_events (ts);

CREATE TABLE IF NOT EXISTS evaluations (
	id                 TEXT PRIMARY KEY,
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	site_url           TEXT NOT NULL,
	engine             TEXT NOT NULL,
	config_id          TEXT NOT NULL,
	variant_id         TEXT,
	signals            JSONB NOT NULL,
	weights_used       JSONB NOT NULL,
	composite_score    DOUBLE PRECISION NOT NULL,
	tier               TEXT NOT NULL,
	gate_override      JSONB,
	decision           TEXT NOT NULL,
	reasoning          TEXT NOT NULL DEFAULT '',
	narrative          TEXT NOT NULL DEFAULT '',
	detected_frictions TEXT[] NOT NULL DEFAULT '{}',
	event_count        INTEGER NOT NULL DEFAULT 0,
	session_age_sec    DOUBLE PRECISION NOT NULL DEFAULT 0,
	page_type          TEXT NOT NULL DEFAULT '',
	events             JSONB,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_session ON evaluations (session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evaluations_site_created ON evaluations (site_url, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_evaluations_variant ON evaluations (variant_id) WHERE variant_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS interventions (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	evaluation_id     TEXT NOT NULL REFERENCES evaluations(id),
	type              TEXT NOT NULL,
	friction_id       TEXT,
	action_code       TEXT NOT NULL,
	message           TEXT,
	mswim_score       DOUBLE PRECISION NOT NULL,
	tier_at_fire      TEXT NOT NULL,
	payload           JSONB NOT NULL,
	status            TEXT NOT NULL,
	conversion_action TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	status_updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interventions_session ON interventions (session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_interventions_stale ON interventions (status, status_updated_at);

CREATE TABLE IF NOT EXISTS scoring_configs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	site_url   TEXT,
	is_active  BOOLEAN NOT NULL DEFAULT false,
	weights    JSONB NOT NULL,
	thresholds JSONB NOT NULL,
	gates      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scoring_configs_active ON scoring_configs (site_url, is_active);

CREATE TABLE IF NOT EXISTS training_datapoints (
	id                        TEXT PRIMARY KEY,
	intervention_id           TEXT NOT NULL UNIQUE,
	evaluation_id             TEXT NOT NULL,
	session_id                TEXT NOT NULL,
	site_url                  TEXT NOT NULL,
	device_type               TEXT NOT NULL DEFAULT '',
	referrer_type             TEXT NOT NULL DEFAULT '',
	is_logged_in              BOOLEAN NOT NULL DEFAULT false,
	is_repeat_visitor         BOOLEAN NOT NULL DEFAULT false,
	cart_value                DOUBLE PRECISION NOT NULL DEFAULT 0,
	cart_item_count           INTEGER NOT NULL DEFAULT 0,
	session_age_sec           DOUBLE PRECISION NOT NULL DEFAULT 0,
	page_type                 TEXT NOT NULL DEFAULT '',
	events                    JSONB,
	event_count               INTEGER NOT NULL DEFAULT 0,
	narrative                 TEXT NOT NULL DEFAULT '',
	frictions_found           TEXT[] NOT NULL DEFAULT '{}',
	signals                   JSONB NOT NULL,
	weights_used              JSONB NOT NULL,
	composite_score           DOUBLE PRECISION NOT NULL,
	tier                      TEXT NOT NULL,
	decision                  TEXT NOT NULL,
	gate_override             JSONB,
	intervention_type         TEXT NOT NULL,
	action_code               TEXT NOT NULL,
	friction_id               TEXT,
	mswim_score_at_fire       DOUBLE PRECISION NOT NULL,
	tier_at_fire              TEXT NOT NULL,
	outcome                   TEXT NOT NULL,
	conversion_action         TEXT,
	outcome_delay_ms          BIGINT NOT NULL DEFAULT 0,
	total_interventions_fired INTEGER NOT NULL DEFAULT 0,
	total_dismissals          INTEGER NOT NULL DEFAULT 0,
	total_conversions         INTEGER NOT NULL DEFAULT 0,
	created_at                TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_datapoints_created ON training_datapoints (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_datapoints_outcome ON training_datapoints (outcome, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_datapoints_site ON training_datapoints (site_url, created_at DESC);

CREATE TABLE IF NOT EXISTS shadow_comparisons (
	id                   TEXT PRIMARY KEY,
	evaluation_id        TEXT NOT NULL,
	session_id           TEXT NOT NULL,
	site_url             TEXT NOT NULL,
	production           JSONB NOT NULL,
	shadow               JSONB NOT NULL,
	shadow_hints         JSONB NOT NULL,
	composite_divergence DOUBLE PRECISION NOT NULL,
	tier_match           BOOLEAN NOT NULL,
	decision_match       BOOLEAN NOT NULL,
	gate_override_match  BOOLEAN NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shadow_created ON shadow_comparisons (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_shadow_divergence ON shadow_comparisons (composite_divergence DESC);

CREATE TABLE IF NOT EXISTS drift_snapshots (
	id                       TEXT PRIMARY KEY,
	window_type              TEXT NOT NULL,
	window_start             TIMESTAMPTZ NOT NULL,
	window_end               TIMESTAMPTZ NOT NULL,
	site_url                 TEXT,
	tier_agreement_rate      DOUBLE PRECISION NOT NULL,
	decision_agreement_rate  DOUBLE PRECISION NOT NULL,
	avg_composite_divergence DOUBLE PRECISION NOT NULL,
	signal_means             JSONB NOT NULL,
	conversion_rate          DOUBLE PRECISION NOT NULL,
	dismissal_rate           DOUBLE PRECISION NOT NULL,
	comparison_sample_size   INTEGER NOT NULL,
	outcome_sample_size      INTEGER NOT NULL,
	created_at               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drift_snapshots_window ON drift_snapshots (window_type, window_end DESC);

CREATE TABLE IF NOT EXISTS drift_alerts (
	id              TEXT PRIMARY KEY,
	severity        TEXT NOT NULL,
	alert_type      TEXT NOT NULL,
	message         TEXT NOT NULL,
	site_url        TEXT,
	detected_at     TIMESTAMPTZ NOT NULL,
	acknowledged    BOOLEAN NOT NULL DEFAULT false,
	acknowledged_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_drift_alerts_open ON drift_alerts (alert_type, acknowledged);

CREATE TABLE IF NOT EXISTS experiments (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	site_url        TEXT,
	status          TEXT NOT NULL,
	traffic_percent INTEGER NOT NULL,
	variants        JSONB NOT NULL,
	primary_metric  TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments (status, site_url);

CREATE TABLE IF NOT EXISTS rollouts (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	site_url           TEXT NOT NULL,
	change_type        TEXT NOT NULL,
	new_config_id      TEXT,
	new_eval_engine    TEXT,
	stages             JSONB NOT NULL,
	health_criteria    JSONB NOT NULL,
	status             TEXT NOT NULL,
	current_stage      INTEGER NOT NULL DEFAULT 0,
	started_at         TIMESTAMPTZ,
	stage_started_at   TIMESTAMPTZ,
	experiment_id      TEXT,
	last_health_check  TIMESTAMPTZ,
	last_health_status TEXT,
	rollback_reason    TEXT,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rollouts_site_status ON rollouts (site_url, status);

CREATE TABLE IF NOT EXISTS job_runs (
	id           TEXT PRIMARY KEY,
	job_name     TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	duration_ms  BIGINT,
	summary      TEXT NOT NULL DEFAULT '',
	error        TEXT,
	triggered_by TEXT NOT NULL DEFAULT 'scheduler'
);
CREATE INDEX IF NOT EXISTS idx_job_runs_name_started ON job_runs (job_name, started_at DESC);
`

// EnsureSchema creates all tables and indexes if missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
