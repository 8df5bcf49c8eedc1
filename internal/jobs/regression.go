package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/mswim"
	"github.com/avaplatform/ava/internal/shadow"
)

// regressionScenario is one canned session the nightly check replays through
// the rules engine against a pinned expectation.
type regressionScenario struct {
	name         string
	ctx          *domain.SessionContext
	wantTier     domain.Tier
	wantDecision domain.Decision
}

func regressionScenarios(now time.Time) []regressionScenario {
	return []regressionScenario{
		{
			name: "cart_abandonment_nudges",
			ctx: &domain.SessionContext{
				SessionID:     "regression-cart",
				PageType:      domain.PageCart,
				SessionAgeSec: 90,
				EventCount:    6,
				CartValue:     129.99,
				Counters:      domain.SessionCounters{IdleSeconds: 20},
				Now:           now,
			},
			wantTier:     domain.TierNudge,
			wantDecision: domain.DecisionFire,
		},
		{
			name: "checkout_friction_goes_active",
			ctx: &domain.SessionContext{
				SessionID:     "regression-checkout",
				PageType:      domain.PageCheckout,
				SessionAgeSec: 90,
				EventCount:    8,
				CartValue:     129.99,
				FrictionIDs:   []string{"F089"},
				Counters:      domain.SessionCounters{IdleSeconds: 20},
				Now:           now,
			},
			wantTier:     domain.TierActive,
			wantDecision: domain.DecisionFire,
		},
		{
			name: "young_session_suppressed",
			ctx: &domain.SessionContext{
				SessionID:     "regression-young",
				PageType:      domain.PageCheckout,
				SessionAgeSec: 10,
				EventCount:    8,
				CartValue:     129.99,
				FrictionIDs:   []string{"F089"},
				Counters:      domain.SessionCounters{IdleSeconds: 20},
				Now:           now,
			},
			wantDecision: domain.DecisionSuppress,
		},
	}
}

// regressionCheck replays the canned scenarios through the synthesizer and
// rules engine under the built-in config. Any divergence from the pinned
// expectations means a scoring change shipped with unintended behavior.
func (r *Runner) regressionCheck(context.Context) (string, error) {
	cfg := mswim.DefaultScoringConfig()
	var failed []string

	scenarios := regressionScenarios(r.now())
	for _, sc := range scenarios {
		res := mswim.Evaluate(shadow.Synthesize(sc.ctx), sc.ctx, cfg)
		if res.Decision != sc.wantDecision {
			failed = append(failed, fmt.Sprintf("%s: decision %s, want %s", sc.name, res.Decision, sc.wantDecision))
			continue
		}
		if sc.wantTier != "" && res.Tier != sc.wantTier {
			failed = append(failed, fmt.Sprintf("%s: tier %s, want %s", sc.name, res.Tier, sc.wantTier))
		}
	}

	if len(failed) > 0 {
		return "", fmt.Errorf("%d of %d scenarios regressed: %s", len(failed), len(scenarios), strings.Join(failed, "; "))
	}
	return fmt.Sprintf("%d scenarios passed", len(scenarios)), nil
}
