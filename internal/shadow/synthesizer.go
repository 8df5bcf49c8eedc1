// Package shadow runs a rule-only twin of every production evaluation. The
// twin's hints are synthesized deterministically from observable session
// state, so divergence between the two paths measures how much the generative
// hints actually change decisions.
package shadow

import (
	"fmt"

	"github.com/avaplatform/ava/internal/domain"
)

// Synthesize derives rule-based hints from the session context alone. The
// formulas are intentionally simple and fixed: the shadow baseline must stay
// stable across releases or drift comparisons lose their meaning.
func Synthesize(ctx *domain.SessionContext) domain.Hints {
	intent := ctx.EventCount
	if intent > 5 {
		intent = 5
	}

	frictionN := len(ctx.FrictionIDs)
	if frictionN > 4 {
		frictionN = 4
	}
	friction := 20 + 5*frictionN

	clarityBump := 2 * ctx.EventCount
	if clarityBump > 12 {
		clarityBump = 12
	}
	clarity := 45 + clarityBump

	idleBump := int(ctx.Counters.IdleSeconds/10) * 2
	if idleBump > 10 {
		idleBump = 10
	}
	receptivity := 50 + idleBump

	valueBump := int(ctx.CartValue/50) * 5
	if valueBump > 40 {
		valueBump = 40
	}
	value := 40 + valueBump

	return domain.Hints{
		Intent:            intent,
		Friction:          friction,
		Clarity:           clarity,
		Receptivity:       receptivity,
		Value:             value,
		Narrative:         synthNarrative(ctx),
		DetectedFrictions: ctx.FrictionIDs,
		Synthetic:         true,
	}
}

func synthNarrative(ctx *domain.SessionContext) string {
	return fmt.Sprintf("rule-synthesized: %d events on %s, %d frictions, cart %.2f",
		ctx.EventCount, ctx.PageType, len(ctx.FrictionIDs), ctx.CartValue)
}
