package mswim

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/metrics"
)

// ConfigSource supplies the scoring configuration an evaluation runs under.
// The config read is the engine's only I/O.
type ConfigSource interface {
	Load(ctx context.Context, siteURL string, configID string) (domain.ScoringConfig, error)
}

// Engine orchestrates adjusters, composite, tier resolution, and gates into
// one evaluation result. Given the same inputs and config it is pure and
// deterministic.
type Engine struct {
	configs ConfigSource
}

// NewEngine creates an MSWIM engine backed by the given config source.
func NewEngine(configs ConfigSource) *Engine {
	return &Engine{configs: configs}
}

// Run evaluates one set of hints against the session context. configID may
// be empty to use the site's active config.
func (e *Engine) Run(ctx context.Context, hints domain.Hints, sessCtx *domain.SessionContext, configID string) (*domain.MSWIMResult, error) {
	cfg, err := e.configs.Load(ctx, sessCtx.SiteURL, configID)
	if err != nil {
		return nil, fmt.Errorf("load scoring config: %w", err)
	}
	result := Evaluate(hints, sessCtx, cfg)
	return result, nil
}

// Evaluate is the pure core of Run: it needs the config already in hand.
func Evaluate(hints domain.Hints, sessCtx *domain.SessionContext, cfg domain.ScoringConfig) *domain.MSWIMResult {
	weights := sanitizeWeights(cfg.Weights, sessCtx.SiteURL)
	thresholds := sanitizeThresholds(cfg.Thresholds, sessCtx.SiteURL)

	signals := AdjustAll(hints, sessCtx)
	composite := Composite(signals, weights)
	if composite < 0 || composite > 100 {
		metrics.InvariantViolations.Inc()
		log.Error().
			Float64("composite", composite).
			Str("site", sessCtx.SiteURL).
			Str("config", cfg.ID).
			Msg("composite out of range, clamping")
		composite = ClampF(composite)
	}

	tier := ResolveTier(composite, thresholds)
	override := EvaluateGates(GateInput{Tier: tier, Config: cfg.Gates, Ctx: sessCtx})
	finalTier, decision := ApplyOverride(tier, override)

	return &domain.MSWIMResult{
		Signals:        signals,
		WeightsUsed:    weights,
		CompositeScore: composite,
		Tier:           finalTier,
		GateOverride:   override,
		Decision:       decision,
		Reasoning:      reasoning(signals, composite, tier, finalTier, override, decision),
	}
}

// sanitizeWeights logs weight sets far from unit mass but still uses them:
// a mistuned config degrades scores, it must not crash evaluations.
func sanitizeWeights(w domain.SignalWeights, site string) domain.SignalWeights {
	if math.Abs(w.Sum()-1.0) > 0.05 {
		log.Error().
			Float64("weight_sum", w.Sum()).
			Str("site", site).
			Msg("signal weights sum far from 1.0")
	}
	return w
}

// sanitizeThresholds falls back to defaults when ordering is broken.
func sanitizeThresholds(t domain.TierThresholds, site string) domain.TierThresholds {
	if err := t.Validate(); err != nil {
		log.Error().Err(err).Str("site", site).Msg("invalid tier thresholds, using defaults")
		return DefaultThresholds()
	}
	return t
}

// DefaultWeights returns the stock MSWIM weight profile.
func DefaultWeights() domain.SignalWeights {
	return domain.SignalWeights{
		Intent:      0.25,
		Friction:    0.25,
		Clarity:     0.15,
		Receptivity: 0.20,
		Value:       0.15,
	}
}

// DefaultThresholds returns the stock tier boundaries.
func DefaultThresholds() domain.TierThresholds {
	return domain.TierThresholds{Monitor: 29, Passive: 49, Nudge: 64, Active: 79}
}

// DefaultGateConfig returns the stock gate caps and cooldowns.
func DefaultGateConfig() domain.GateConfig {
	return domain.GateConfig{
		MinSessionAgeSec:        30,
		DismissalsToSuppress:    3,
		CooldownAfterActiveSec:  120,
		CooldownAfterNudgeSec:   60,
		MaxActivePerSession:     2,
		MaxNudgesPerSession:     3,
		MaxNonPassivePerSession: 5,
	}
}

// DefaultScoringConfig is the built-in fallback used when persistence is
// unreachable or no config exists yet.
func DefaultScoringConfig() domain.ScoringConfig {
	return domain.ScoringConfig{
		ID:         "builtin-default",
		Name:       "builtin default",
		IsActive:   true,
		Weights:    DefaultWeights(),
		Thresholds: DefaultThresholds(),
		Gates:      DefaultGateConfig(),
	}
}

func reasoning(s domain.MSWIMSignals, composite float64, tier, finalTier domain.Tier, override *domain.GateOverride, decision domain.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "composite=%.1f (I=%d F=%d C=%d R=%d V=%d) tier=%s", composite, s.Intent, s.Friction, s.Clarity, s.Receptivity, s.Value, tier)
	if override != nil {
		fmt.Fprintf(&b, " override=%s(%s): %s", override.ID, override.Action, override.Reason)
		if finalTier != tier {
			fmt.Fprintf(&b, " tier->%s", finalTier)
		}
	}
	fmt.Fprintf(&b, " decision=%s", decision)
	return b.String()
}
