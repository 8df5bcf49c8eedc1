package domain

import (
	"math"
	"time"
)

// EvalSnapshot is the comparable core of one evaluation path.
type EvalSnapshot struct {
	Signals        MSWIMSignals  `json:"signals"`
	CompositeScore float64       `json:"composite_score"`
	Tier           Tier          `json:"tier"`
	Decision       Decision      `json:"decision"`
	GateOverride   *GateOverride `json:"gate_override,omitempty"`
}

// ShadowComparison records a production evaluation against its shadow twin
// computed from rule-synthesized hints.
type ShadowComparison struct {
	ID           string       `json:"id" db:"id"`
	EvaluationID string       `json:"evaluation_id" db:"evaluation_id"`
	SessionID    string       `json:"session_id" db:"session_id"`
	SiteURL      string       `json:"site_url" db:"site_url"`
	Production   EvalSnapshot `json:"production" db:"production"`
	Shadow       EvalSnapshot `json:"shadow" db:"shadow"`
	ShadowHints  Hints        `json:"shadow_hints" db:"shadow_hints"`

	CompositeDivergence float64   `json:"composite_divergence" db:"composite_divergence"`
	TierMatch           bool      `json:"tier_match" db:"tier_match"`
	DecisionMatch       bool      `json:"decision_match" db:"decision_match"`
	GateOverrideMatch   bool      `json:"gate_override_match" db:"gate_override_match"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// Compare fills the derived divergence fields from the two snapshots.
func (sc *ShadowComparison) Compare() {
	sc.CompositeDivergence = math.Abs(sc.Production.CompositeScore - sc.Shadow.CompositeScore)
	sc.TierMatch = sc.Production.Tier == sc.Shadow.Tier
	sc.DecisionMatch = sc.Production.Decision == sc.Shadow.Decision
	sc.GateOverrideMatch = overrideID(sc.Production.GateOverride) == overrideID(sc.Shadow.GateOverride)
}

func overrideID(o *GateOverride) GateOverrideID {
	if o == nil {
		return ""
	}
	return o.ID
}
