package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/persistence"
)

// Config holds database connection settings.
type Config struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    16,
		MaxIdleConns:    8,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("postgres connected")
	return db, nil
}

// NewRepository wires every repository over one pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &persistence.Repository{
		Sessions:       NewSessionRepo(db, timeout),
		Events:         NewEventRepo(db, timeout),
		Evaluations:    NewEvaluationRepo(db, timeout),
		Interventions:  NewInterventionRepo(db, timeout),
		ScoringConfigs: NewScoringConfigRepo(db, timeout),
		Datapoints:     NewTrainingDatapointRepo(db, timeout),
		Shadows:        NewShadowComparisonRepo(db, timeout),
		DriftSnapshots: NewDriftSnapshotRepo(db, timeout),
		DriftAlerts:    NewDriftAlertRepo(db, timeout),
		Experiments:    NewExperimentRepo(db, timeout),
		Rollouts:       NewRolloutRepo(db, timeout),
		JobRuns:        NewJobRunRepo(db, timeout),
	}
}
