package shadow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/mswim"
)

func cartAbandonmentCtx() *domain.SessionContext {
	return &domain.SessionContext{
		SessionID:     "sess-cart",
		SiteURL:       "shop.example.com",
		PageType:      domain.PageCart,
		DeviceType:    "desktop",
		SessionAgeSec: 90,
		EventCount:    6,
		CartValue:     129.99,
		Counters:      domain.SessionCounters{IdleSeconds: 20},
		Now:           time.Now(),
	}
}

func checkoutFrictionCtx() *domain.SessionContext {
	return &domain.SessionContext{
		SessionID:     "sess-checkout",
		SiteURL:       "shop.example.com",
		PageType:      domain.PageCheckout,
		DeviceType:    "desktop",
		SessionAgeSec: 90,
		EventCount:    8,
		CartValue:     129.99,
		FrictionIDs:   []string{"F089"},
		Counters:      domain.SessionCounters{IdleSeconds: 20},
		Now:           time.Now(),
	}
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	ctx := cartAbandonmentCtx()
	a := Synthesize(ctx)
	b := Synthesize(ctx)
	assert.Equal(t, a, b)
	assert.True(t, a.Synthetic)
}

func TestSynthesizeCartAbandonment(t *testing.T) {
	h := Synthesize(cartAbandonmentCtx())

	assert.Equal(t, 5, h.Intent)       // capped at 5 events
	assert.Equal(t, 20, h.Friction)    // no frictions detected
	assert.Equal(t, 57, h.Clarity)     // 45 + capped event bump
	assert.Equal(t, 54, h.Receptivity) // 50 + idle bump
	assert.Equal(t, 50, h.Value)       // 40 + cart bump
	assert.Empty(t, h.DetectedFrictions)
}

func TestSynthesizeChecksFrictionCount(t *testing.T) {
	ctx := checkoutFrictionCtx()
	h := Synthesize(ctx)
	assert.Equal(t, 25, h.Friction) // 20 + 5 per friction
	assert.Equal(t, []string{"F089"}, h.DetectedFrictions)

	ctx.FrictionIDs = []string{"F089", "F068", "F012", "F023", "F046", "F061"}
	h = Synthesize(ctx)
	assert.Equal(t, 40, h.Friction) // friction bump caps at 4 ids
}

// A mid-funnel cart session with no frictions should land in NUDGE and fire.
func TestShadowCartAbandonmentScenario(t *testing.T) {
	ctx := cartAbandonmentCtx()
	cfg := mswim.DefaultScoringConfig()

	res := mswim.Evaluate(Synthesize(ctx), ctx, cfg)

	assert.Equal(t, 63, res.Signals.Intent)
	assert.Equal(t, 20, res.Signals.Friction)
	assert.Equal(t, 57, res.Signals.Clarity)
	assert.Equal(t, 77, res.Signals.Receptivity)
	assert.Equal(t, 50, res.Signals.Value)
	assert.InDelta(t, 52.2, res.CompositeScore, 0.01)
	assert.Equal(t, domain.TierNudge, res.Tier)
	assert.Equal(t, domain.DecisionFire, res.Decision)
	assert.Nil(t, res.GateOverride)
}

// A checkout session with a payment-friction signal should land in ACTIVE.
func TestShadowCheckoutFrictionScenario(t *testing.T) {
	ctx := checkoutFrictionCtx()
	cfg := mswim.DefaultScoringConfig()

	res := mswim.Evaluate(Synthesize(ctx), ctx, cfg)

	assert.Equal(t, 93, res.Signals.Intent)
	assert.Equal(t, 90, res.Signals.Friction) // catalog severity of F089
	assert.Equal(t, 67, res.Signals.Clarity)
	assert.Equal(t, 77, res.Signals.Receptivity)
	assert.Equal(t, 50, res.Signals.Value)
	assert.InDelta(t, 78.7, res.CompositeScore, 0.01)
	assert.Equal(t, domain.TierActive, res.Tier)
	assert.Equal(t, domain.DecisionFire, res.Decision)
}

func TestCompareAgainstIdenticalProduction(t *testing.T) {
	ctx := cartAbandonmentCtx()
	cfg := mswim.DefaultScoringConfig()

	// Production fed the same hints as the shadow path: full agreement.
	prod := mswim.Evaluate(Synthesize(ctx), ctx, cfg)
	sc := Compare("eval-1", ctx, cfg, prod)

	require.NotNil(t, sc)
	assert.Equal(t, "eval-1", sc.EvaluationID)
	assert.True(t, sc.TierMatch)
	assert.True(t, sc.DecisionMatch)
	assert.True(t, sc.GateOverrideMatch)
	assert.Zero(t, sc.CompositeDivergence)
}

func TestCompareDivergentProduction(t *testing.T) {
	ctx := cartAbandonmentCtx()
	cfg := mswim.DefaultScoringConfig()

	// Production believed the visitor was far more frustrated.
	prod := mswim.Evaluate(domain.Hints{Intent: 90, Friction: 85, Clarity: 80, Receptivity: 70, Value: 60}, ctx, cfg)
	sc := Compare("eval-2", ctx, cfg, prod)

	assert.False(t, sc.TierMatch)
	assert.Greater(t, sc.CompositeDivergence, 10.0)
	assert.True(t, sc.ShadowHints.Synthetic)
}
