package mswim

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avaplatform/ava/internal/domain"
)

func baseCtx() *domain.SessionContext {
	return &domain.SessionContext{
		SessionID:     "sess-1",
		SiteURL:       "shop.example.com",
		PageType:      domain.PagePDP,
		DeviceType:    "desktop",
		SessionAgeSec: 120,
		EventCount:    5,
	}
}

func TestAdjustIntentFunnelOrdering(t *testing.T) {
	order := []domain.PageType{
		domain.PageLanding, domain.PageCategory, domain.PageSearchResults,
		domain.PagePDP, domain.PageCart, domain.PageCheckout,
	}

	prev := -1
	for _, pt := range order {
		ctx := baseCtx()
		ctx.PageType = pt
		got := AdjustIntent(0, ctx)
		assert.Greater(t, got, prev, "funnel score must increase at %s", pt)
		prev = got
	}
}

func TestAdjustIntentBonuses(t *testing.T) {
	ctx := baseCtx()
	base := AdjustIntent(20, ctx)

	ctx.IsLoggedIn = true
	withLogin := AdjustIntent(20, ctx)
	assert.Equal(t, base+8, withLogin)

	ctx.IsRepeatVisitor = true
	withRepeat := AdjustIntent(20, ctx)
	assert.Equal(t, withLogin+5, withRepeat)

	ctx.CartValue = 600
	assert.Equal(t, withRepeat+8, AdjustIntent(20, ctx))
}

func TestAdjustIntentClamped(t *testing.T) {
	ctx := baseCtx()
	ctx.PageType = domain.PageCheckout
	ctx.IsLoggedIn = true
	ctx.IsRepeatVisitor = true
	ctx.CartValue = 1000

	assert.Equal(t, 100, AdjustIntent(100, ctx))
	assert.GreaterOrEqual(t, AdjustIntent(0, ctx), 0)
}

func TestAdjustFriction(t *testing.T) {
	tests := []struct {
		name     string
		hint     int
		ids      []string
		expected int
	}{
		{"no frictions keeps hint", 25, nil, 25},
		{"catalog severity wins over low hint", 10, []string{"F089"}, 90},
		{"high hint wins over catalog", 95, []string{"F001"}, 95},
		{"unknown id resolves to 50", 10, []string{"F999"}, 50},
		{"two frictions boost +5", 10, []string{"F089", "F001"}, 95},
		{"boost caps at 15", 10, []string{"F089", "F001", "F012", "F023", "F046"}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AdjustFriction(tt.hint, tt.ids))
		})
	}
}

func TestAdjustClarity(t *testing.T) {
	// Corroboration adds, thin evidence subtracts.
	assert.Equal(t, 60, AdjustClarity(50, 120, 5, true))
	assert.Equal(t, 35, AdjustClarity(50, 30, 5, false))
	assert.Equal(t, 40, AdjustClarity(50, 120, 2, false))
	// Young session with two events and no corroboration stacks both penalties.
	assert.Equal(t, 25, AdjustClarity(50, 30, 1, false))
	assert.Equal(t, 0, AdjustClarity(0, 10, 0, false))
}

func TestComputeReceptivityPressure(t *testing.T) {
	ctx := baseCtx()
	fresh := ComputeReceptivity(50, ctx)

	ctx.Counters.TotalInterventionsFired = 2
	pressured := ComputeReceptivity(50, ctx)
	assert.Less(t, pressured, fresh)

	ctx.Counters.TotalDismissals = 2
	dismissed := ComputeReceptivity(50, ctx)
	assert.Less(t, dismissed, pressured)

	ctx.Counters.WidgetOpenedVoluntarily = true
	voluntary := ComputeReceptivity(50, ctx)
	assert.Greater(t, voluntary, dismissed)
}

func TestComputeReceptivityMobilePenalty(t *testing.T) {
	ctx := baseCtx()
	desktop := ComputeReceptivity(50, ctx)
	ctx.DeviceType = "mobile"
	assert.Less(t, ComputeReceptivity(50, ctx), desktop)
}

func TestComputeValueBrackets(t *testing.T) {
	ctx := baseCtx()

	ctx.CartValue = 0
	empty := ComputeValue(50, ctx)
	ctx.CartValue = 129.99
	mid := ComputeValue(50, ctx)
	ctx.CartValue = 700
	high := ComputeValue(50, ctx)

	assert.Less(t, empty, mid)
	assert.Less(t, mid, high)
}

func TestAdjustersAlwaysInRange(t *testing.T) {
	hints := []int{-50, 0, 50, 100, 150}
	ctx := baseCtx()
	ctx.Counters.TotalDismissals = 10
	ctx.CartValue = 10000
	ctx.FrictionIDs = []string{"F089", "F072", "F093", "F068", "F061"}

	for _, h := range hints {
		s := AdjustAll(domain.Hints{Intent: h, Friction: h, Clarity: h, Receptivity: h, Value: h}, ctx)
		for name, v := range map[string]int{
			"intent": s.Intent, "friction": s.Friction, "clarity": s.Clarity,
			"receptivity": s.Receptivity, "value": s.Value,
		} {
			assert.GreaterOrEqual(t, v, 0, "%s with hint %d", name, h)
			assert.LessOrEqual(t, v, 100, "%s with hint %d", name, h)
		}
	}
}

func TestCatalogSeverity(t *testing.T) {
	assert.Equal(t, 90, CatalogSeverity("F089"))
	assert.Equal(t, 80, CatalogSeverity("F068"))
	assert.Equal(t, 50, CatalogSeverity("F742"))
	assert.Equal(t, 0, MaxCatalogSeverity(nil))
}
