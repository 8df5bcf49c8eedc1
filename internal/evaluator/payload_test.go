package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaplatform/ava/internal/domain"
	"github.com/avaplatform/ava/internal/mswim"
)

func strPtr(s string) *string { return &s }

func samplePayloadCtx() *domain.SessionContext {
	return &domain.SessionContext{
		SessionID:     "sess-1",
		SiteURL:       "https://shop.example.com",
		PageType:      domain.PageCheckout,
		CartValue:     129.99,
		CartItemCount: 2,
		SessionAgeSec: 310,
		FrictionIDs:   []string{"F089"},
	}
}

func TestBuildPayloadPassiveNeverCarriesMessage(t *testing.T) {
	p := BuildPayload(domain.TierPassive, strPtr("F089"), samplePayloadCtx(), domain.MSWIMSignals{}, "")

	assert.Equal(t, domain.InterventionPassive, p.Type)
	assert.Equal(t, "passive_highlight", p.ActionCode)
	assert.Nil(t, p.Message)
	require.NotNil(t, p.UIAdjustment)
	assert.Equal(t, "checkout", p.UIAdjustment["page_type"])
	assert.Nil(t, p.HandoffContext)
}

func TestBuildPayloadEscalateAlwaysCarriesHandoff(t *testing.T) {
	signals := domain.MSWIMSignals{Intent: 93, Friction: 90, Clarity: 67, Receptivity: 77, Value: 50}
	p := BuildPayload(domain.TierEscalate, strPtr("F001"), samplePayloadCtx(), signals, "payment declined twice")

	assert.Equal(t, domain.InterventionEscalate, p.Type)
	assert.Equal(t, "escalate_handoff", p.ActionCode)
	require.NotNil(t, p.Message)
	require.NotNil(t, p.HandoffContext)
	assert.Equal(t, "sess-1", p.HandoffContext["session_id"])
	assert.Equal(t, 129.99, p.HandoffContext["cart_value"])
	assert.Equal(t, signals, p.HandoffContext["signals"])
	assert.Equal(t, "payment declined twice", p.HandoffContext["narrative"])
}

func TestResolveTemplateMatchesFrictionPrefix(t *testing.T) {
	// F089 falls under the F08 family for both tiers.
	nudge := BuildPayload(domain.TierNudge, strPtr("F089"), samplePayloadCtx(), domain.MSWIMSignals{}, "")
	assert.Equal(t, "nudge_payment_help", nudge.ActionCode)

	active := BuildPayload(domain.TierActive, strPtr("F089"), samplePayloadCtx(), domain.MSWIMSignals{}, "")
	assert.Equal(t, "active_checkout_rescue", active.ActionCode)
}

func TestResolveTemplateFallsBackToTierDefault(t *testing.T) {
	// No registered family for F12x, and no friction at all.
	p := BuildPayload(domain.TierNudge, strPtr("F123"), samplePayloadCtx(), domain.MSWIMSignals{}, "")
	assert.Equal(t, "nudge_generic", p.ActionCode)

	p = BuildPayload(domain.TierActive, nil, samplePayloadCtx(), domain.MSWIMSignals{}, "")
	assert.Equal(t, "active_assist", p.ActionCode)
	require.NotNil(t, p.Message)
}

func TestPrimaryFrictionPicksHighestSeverity(t *testing.T) {
	assert.Nil(t, primaryFriction(nil, mswim.CatalogSeverity))

	// F089 (payment, severity 90) outranks F068 (sizing, severity 80) and an
	// unknown id (severity 50), regardless of order.
	got := primaryFriction([]string{"F068", "F999", "F089"}, mswim.CatalogSeverity)
	require.NotNil(t, got)
	assert.Equal(t, "F089", *got)

	got = primaryFriction([]string{"F999"}, mswim.CatalogSeverity)
	require.NotNil(t, got)
	assert.Equal(t, "F999", *got)
}
