package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/broadcast"
	"github.com/avaplatform/ava/internal/config"
	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/drift"
	"github.com/avaplatform/ava/internal/evaluator"
	"github.com/avaplatform/ava/internal/jobs"
	"github.com/avaplatform/ava/internal/llm"
	"github.com/avaplatform/ava/internal/outcome"
	"github.com/avaplatform/ava/internal/persistence"
	"github.com/avaplatform/ava/internal/persistence/memory"
	"github.com/avaplatform/ava/internal/persistence/postgres"
	"github.com/avaplatform/ava/internal/rollout"
)

// app is the wired object graph shared by serve and the job/export commands.
type app struct {
	cfg       config.Config
	repo      *persistence.Repository
	loader    *config.ScoringLoader
	hub       *broadcast.Hub
	evaluator *evaluator.Evaluator
	outcomes  *outcome.Recorder
	rollouts  *rollout.Controller
	drift     *drift.Detector
	jobs      *jobs.Runner

	cleanup []func()
}

// buildApp connects storage and wires every component. inMemory swaps
// PostgreSQL for the in-process store (demo and smoke runs).
func buildApp(ctx context.Context, cfg config.Config, inMemory bool) (*app, error) {
	a := &app{cfg: cfg, hub: broadcast.NewHub()}

	if inMemory {
		a.repo = memory.NewStore().Repository()
		log.Warn().Msg("running on the in-memory store; nothing persists")
	} else {
		db, err := postgres.Connect(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			QueryTimeout:    cfg.Postgres.QueryTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { db.Close() })
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.repo = postgres.NewRepository(db, cfg.Postgres.QueryTimeout)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, config cache runs without L2")
			rdb = nil
		} else {
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
		}
	}
	a.loader = config.NewScoringLoader(a.repo.ScoringConfigs, rdb, cfg.Scoring.CacheTTL)

	var llmClient llm.Client
	if cfg.LLM.BaseURL != "" {
		llmClient = llm.NewHTTPClient(llm.Options{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			RequestTimeout: cfg.LLM.RequestTimeout,
			RatePerSecond:  cfg.LLM.RatePerSecond,
			Burst:          cfg.LLM.Burst,
		})
	} else {
		log.Warn().Msg("no llm base_url configured; generative evaluation is stubbed out")
		llmClient = &llm.StubClient{Err: fmt.Errorf("llm endpoint not configured")}
	}

	a.evaluator = evaluator.New(a.repo, a.loader, llmClient, a.hub, evaluator.Options{
		BatchInterval:    time.Duration(cfg.Evaluation.BatchIntervalMs) * time.Millisecond,
		BatchMaxEvents:   cfg.Evaluation.BatchMaxEvents,
		MaxContextEvents: cfg.Evaluation.MaxContextEvents,
		Engine:           domain.EvalEngine(cfg.Evaluation.Engine),
		ShadowEnabled:    cfg.Shadow.Enabled,
	})
	a.outcomes = outcome.NewRecorder(a.repo, a.hub)
	a.rollouts = rollout.NewController(a.repo, a.loader)
	a.drift = drift.NewDetector(a.repo, cfg.Drift, a.hub)
	a.jobs = jobs.NewRunner(a.repo, cfg.Jobs, a.drift, a.rollouts, a.outcomes, a.evaluator)

	return a, nil
}

// Close releases connections in reverse wiring order.
func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
