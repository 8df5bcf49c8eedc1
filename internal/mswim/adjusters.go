package mswim

import (
	"math"

	"github.com/avaplatform/ava/internal/domain"
)

// The adjusters turn a raw 0-100 hint into an adjusted signal. The hint is a
// soft prior: session-state terms dominate each formula so decisions stay
// stable when the generative model is unavailable and the hint is synthetic.
// Every output is clamped to [0,100].

// funnelScore is a fixed lookup of how far down the purchase funnel each page
// type sits. Ordering is monotonic: landing < category < search_results <
// pdp < cart < checkout.
var funnelScore = map[domain.PageType]int{
	domain.PageLanding:       10,
	domain.PageCategory:      25,
	domain.PageSearchResults: 35,
	domain.PagePDP:           45,
	domain.PageCart:          55,
	domain.PageCheckout:      85,
	domain.PageAccount:       20,
	domain.PageOther:         10,
}

// Clamp bounds a signal to [0,100].
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampF bounds a float score to [0,100].
func ClampF(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

// AdjustIntent folds funnel position and account/cart state into the intent
// hint.
func AdjustIntent(hint int, ctx *domain.SessionContext) int {
	score := hint + funnelScore[ctx.PageType]
	if ctx.IsLoggedIn {
		score += 8
	}
	if ctx.IsRepeatVisitor {
		score += 5
	}
	score += cartBonus(ctx.CartValue)
	return Clamp(score)
}

func cartBonus(cartValue float64) int {
	switch {
	case cartValue <= 0:
		return 0
	case cartValue < 50:
		return 2
	case cartValue < 200:
		return 3
	case cartValue < 500:
		return 5
	default:
		return 8
	}
}

// AdjustFriction takes the worse of the hint and the catalog severity of the
// detected frictions, then boosts for multi-friction sessions. The boost
// rises with the count and caps at 15.
func AdjustFriction(hint int, frictionIDs []string) int {
	base := hint
	if sev := MaxCatalogSeverity(frictionIDs); sev > base {
		base = sev
	}
	return Clamp(base + multiFrictionBoost(len(frictionIDs)))
}

func multiFrictionBoost(count int) int {
	if count <= 1 {
		return 0
	}
	boost := 5 * (count - 1)
	if boost > 15 {
		boost = 15
	}
	return boost
}

// AdjustClarity rewards rule-based corroboration of the hint and penalizes
// thin evidence: very young sessions and near-empty event batches.
func AdjustClarity(hint int, sessionAgeSec float64, eventCount int, corroborated bool) int {
	score := hint
	if corroborated {
		score += 10
	}
	if sessionAgeSec < 60 {
		score -= 15
	}
	if eventCount <= 2 {
		score -= 10
	}
	return Clamp(score)
}

// ComputeReceptivity starts from a base of 80 and degrades with intervention
// pressure. The hint is blended in at ~10% weight.
func ComputeReceptivity(hint int, ctx *domain.SessionContext) int {
	score := 80.0
	score -= 10 * float64(ctx.Counters.TotalInterventionsFired)
	score -= 12 * float64(ctx.Counters.TotalDismissals)
	if since := ctx.SecondsSinceLastIntervention(); since >= 0 && since < 60 {
		score -= 10
	}
	if ctx.Counters.WidgetOpenedVoluntarily {
		score += 15
	}
	if ctx.Counters.IdleSeconds >= 30 {
		score += 5
	}
	if ctx.IsMobile() {
		score -= 8
	}
	blended := 0.9*ClampF(score) + 0.1*float64(Clamp(hint))
	return Clamp(int(math.Round(blended)))
}

// ComputeValue derives a cart-bracketed base and blends the hint at ~20%.
func ComputeValue(hint int, ctx *domain.SessionContext) int {
	base := valueBase(ctx.CartValue)
	if ctx.IsLoggedIn {
		base += 8
	}
	if ctx.IsRepeatVisitor {
		base += 5
	}
	blended := 0.8*ClampF(float64(base)) + 0.2*float64(Clamp(hint))
	return Clamp(int(math.Round(blended)))
}

func valueBase(cartValue float64) int {
	switch {
	case cartValue <= 0:
		return 20
	case cartValue < 50:
		return 40
	case cartValue < 150:
		return 50
	case cartValue < 300:
		return 70
	case cartValue < 600:
		return 85
	default:
		return 95
	}
}

// AdjustAll runs every adjuster over the hints and session context.
// Corroboration holds when rule-based detection found at least one friction,
// backing up whatever the hint source claimed.
func AdjustAll(hints domain.Hints, ctx *domain.SessionContext) domain.MSWIMSignals {
	corroborated := len(ctx.FrictionIDs) > 0
	return domain.MSWIMSignals{
		Intent:      AdjustIntent(Clamp(hints.Intent), ctx),
		Friction:    AdjustFriction(Clamp(hints.Friction), ctx.FrictionIDs),
		Clarity:     AdjustClarity(Clamp(hints.Clarity), ctx.SessionAgeSec, ctx.EventCount, corroborated),
		Receptivity: ComputeReceptivity(hints.Receptivity, ctx),
		Value:       ComputeValue(hints.Value, ctx),
	}
}
