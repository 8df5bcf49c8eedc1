package domain

import (
	"fmt"
	"time"
)

// Tier is the escalation level resolved from the composite score.
type Tier string

const (
	TierMonitor  Tier = "MONITOR"
	TierPassive  Tier = "PASSIVE"
	TierNudge    Tier = "NUDGE"
	TierActive   Tier = "ACTIVE"
	TierEscalate Tier = "ESCALATE"
)

// tierRanks orders tiers for comparisons; higher means more aggressive.
var tierRanks = map[Tier]int{
	TierMonitor:  0,
	TierPassive:  1,
	TierNudge:    2,
	TierActive:   3,
	TierEscalate: 4,
}

// Rank returns the ordinal position of the tier (MONITOR=0 .. ESCALATE=4).
func (t Tier) Rank() int { return tierRanks[t] }

// Decision is the final verdict of an evaluation.
type Decision string

const (
	DecisionFire     Decision = "fire"
	DecisionSuppress Decision = "suppress"
)

// EvalEngine selects how evaluation hints are produced.
type EvalEngine string

const (
	EngineLLM  EvalEngine = "llm"
	EngineFast EvalEngine = "fast"
	EngineAuto EvalEngine = "auto"
)

// MSWIMSignals holds the five adjusted signals, each clamped to [0,100].
type MSWIMSignals struct {
	Intent      int `json:"intent"`
	Friction    int `json:"friction"`
	Clarity     int `json:"clarity"`
	Receptivity int `json:"receptivity"`
	Value       int `json:"value"`
}

// SignalWeights are the per-signal weights applied to the composite. They
// should sum near 1.0 but are not required to sum exactly.
type SignalWeights struct {
	Intent      float64 `json:"intent" yaml:"intent"`
	Friction    float64 `json:"friction" yaml:"friction"`
	Clarity     float64 `json:"clarity" yaml:"clarity"`
	Receptivity float64 `json:"receptivity" yaml:"receptivity"`
	Value       float64 `json:"value" yaml:"value"`
}

// Sum returns the total weight mass.
func (w SignalWeights) Sum() float64 {
	return w.Intent + w.Friction + w.Clarity + w.Receptivity + w.Value
}

// TierThresholds are the lower bounds of each tier above MONITOR. A composite
// exactly at a bound resolves to the higher tier.
type TierThresholds struct {
	Monitor int `json:"monitor" yaml:"monitor"`
	Passive int `json:"passive" yaml:"passive"`
	Nudge   int `json:"nudge" yaml:"nudge"`
	Active  int `json:"active" yaml:"active"`
}

// Validate enforces strict monotonic ordering of the thresholds.
func (t TierThresholds) Validate() error {
	if !(t.Monitor < t.Passive && t.Passive < t.Nudge && t.Nudge < t.Active) {
		return fmt.Errorf("tier thresholds not strictly increasing: %d/%d/%d/%d",
			t.Monitor, t.Passive, t.Nudge, t.Active)
	}
	return nil
}

// GateConfig holds the session caps and cooldowns the gate engine enforces.
type GateConfig struct {
	MinSessionAgeSec        int `json:"min_session_age_sec" yaml:"min_session_age_sec"`
	DismissalsToSuppress    int `json:"dismissals_to_suppress" yaml:"dismissals_to_suppress"`
	CooldownAfterActiveSec  int `json:"cooldown_after_active_sec" yaml:"cooldown_after_active_sec"`
	CooldownAfterNudgeSec   int `json:"cooldown_after_nudge_sec" yaml:"cooldown_after_nudge_sec"`
	MaxActivePerSession     int `json:"max_active_per_session" yaml:"max_active_per_session"`
	MaxNudgesPerSession     int `json:"max_nudges_per_session" yaml:"max_nudges_per_session"`
	MaxNonPassivePerSession int `json:"max_non_passive_per_session" yaml:"max_non_passive_per_session"`
}

// ScoringConfig is one versioned scoring configuration. At most one config is
// active per site; a nil SiteURL marks the global config. Configs are handed
// out by value so callers never observe torn state.
type ScoringConfig struct {
	ID         string         `json:"id" db:"id"`
	Name       string         `json:"name" db:"name"`
	SiteURL    *string        `json:"site_url,omitempty" db:"site_url"`
	IsActive   bool           `json:"is_active" db:"is_active"`
	Weights    SignalWeights  `json:"weights" db:"weights"`
	Thresholds TierThresholds `json:"thresholds" db:"thresholds"`
	Gates      GateConfig     `json:"gates" db:"gates"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// GateAction is what a matched gate rule does to the tier-derived decision.
type GateAction string

const (
	GateSuppress      GateAction = "suppress"
	GateForcePassive  GateAction = "force_passive"
	GateForceEscalate GateAction = "force_escalate"
)

// GateOverrideID names the rule that produced an override. COOLDOWN_NUDGE
// matches deliberately emit under COOLDOWN_ACTIVE, preserving the behavior
// the training corpus was collected against.
type GateOverrideID string

const (
	OverrideSessionTooYoung       GateOverrideID = "SESSION_TOO_YOUNG"
	OverrideDismissCap            GateOverrideID = "DISMISS_CAP"
	OverrideDuplicateFriction     GateOverrideID = "DUPLICATE_FRICTION"
	OverrideCooldownActive        GateOverrideID = "COOLDOWN_ACTIVE"
	OverrideSessionCap            GateOverrideID = "SESSION_CAP"
	OverrideForcePassiveTechnical GateOverrideID = "FORCE_PASSIVE_TECHNICAL"
	OverrideForcePassiveOOS       GateOverrideID = "FORCE_PASSIVE_OOS"
	OverrideForcePassiveShipping  GateOverrideID = "FORCE_PASSIVE_SHIPPING"
	OverrideForceEscalatePayment  GateOverrideID = "FORCE_ESCALATE_PAYMENT"
	OverrideForceEscalateTimeout  GateOverrideID = "FORCE_ESCALATE_CHECKOUT_TIMEOUT"
	OverrideForceEscalateHelp     GateOverrideID = "FORCE_ESCALATE_HELP_SEARCH"
)

// GateOverride is the at-most-one override a gate evaluation can produce.
type GateOverride struct {
	ID     GateOverrideID `json:"id"`
	Action GateAction     `json:"action"`
	Reason string         `json:"reason"`
}

// MSWIMResult is the full outcome of one MSWIM evaluation.
type MSWIMResult struct {
	Signals        MSWIMSignals  `json:"signals"`
	WeightsUsed    SignalWeights `json:"weights_used"`
	CompositeScore float64       `json:"composite_score"`
	Tier           Tier          `json:"tier"`
	GateOverride   *GateOverride `json:"gate_override,omitempty"`
	Decision       Decision      `json:"decision"`
	Reasoning      string        `json:"reasoning"`
}

// Hints are the raw 0-100 priors fed into the signal adjusters, either from
// the generative model or synthesized by rules.
type Hints struct {
	Intent            int      `json:"intent"`
	Friction          int      `json:"friction"`
	Clarity           int      `json:"clarity"`
	Receptivity       int      `json:"receptivity"`
	Value             int      `json:"value"`
	Narrative         string   `json:"narrative,omitempty"`
	DetectedFrictions []string `json:"detected_frictions,omitempty"`
	Synthetic         bool     `json:"synthetic"`
}
