package mswim

import (
	"fmt"

	"github.com/avaplatform/ava/internal/domain"
)

// GateInput carries everything a gate rule may inspect. Rules are evaluated
// in a fixed order and the first match wins, so a session can receive at
// most one override per evaluation.
type GateInput struct {
	Tier   domain.Tier
	Config domain.GateConfig
	Ctx    *domain.SessionContext
}

// gateRule is one ordered override rule. emits is the override id the rule
// reports under, which is not always the rule's own name: nudge-cooldown
// matches emit as COOLDOWN_ACTIVE (see the rule comment below).
type gateRule struct {
	name    string
	emits   domain.GateOverrideID
	action  domain.GateAction
	matches func(in GateInput) (bool, string)
}

// gateRules is the fixed evaluation order. Reordering changes decisions for
// live sessions, so new rules append only after the suppress block.
var gateRules = []gateRule{
	{
		name:   "session_too_young",
		emits:  domain.OverrideSessionTooYoung,
		action: domain.GateSuppress,
		matches: func(in GateInput) (bool, string) {
			if in.Tier == domain.TierEscalate {
				return false, ""
			}
			min := float64(in.Config.MinSessionAgeSec)
			if in.Ctx.SessionAgeSec < min {
				return true, fmt.Sprintf("session age %.0fs below minimum %.0fs", in.Ctx.SessionAgeSec, min)
			}
			return false, ""
		},
	},
	{
		name:   "dismiss_cap",
		emits:  domain.OverrideDismissCap,
		action: domain.GateSuppress,
		matches: func(in GateInput) (bool, string) {
			if in.Config.DismissalsToSuppress > 0 && in.Ctx.Counters.TotalDismissals >= in.Config.DismissalsToSuppress {
				return true, fmt.Sprintf("%d dismissals reached cap %d", in.Ctx.Counters.TotalDismissals, in.Config.DismissalsToSuppress)
			}
			return false, ""
		},
	},
	{
		name:   "duplicate_friction",
		emits:  domain.OverrideDuplicateFriction,
		action: domain.GateSuppress,
		matches: func(in GateInput) (bool, string) {
			if in.Tier.Rank() >= domain.TierEscalate.Rank() {
				return false, ""
			}
			for _, id := range in.Ctx.FrictionIDs {
				if in.Ctx.Counters.HasIntervenedOn(id) {
					return true, fmt.Sprintf("already intervened on friction %s", id)
				}
			}
			return false, ""
		},
	},
	{
		name:   "cooldown_active",
		emits:  domain.OverrideCooldownActive,
		action: domain.GateSuppress,
		matches: func(in GateInput) (bool, string) {
			if in.Tier.Rank() >= domain.TierEscalate.Rank() {
				return false, ""
			}
			since := in.Ctx.SecondsSinceLastActive()
			cooldown := float64(in.Config.CooldownAfterActiveSec)
			if since >= 0 && since < cooldown {
				return true, fmt.Sprintf("%.0fs since last active intervention, cooldown %.0fs", since, cooldown)
			}
			return false, ""
		},
	},
	{
		// Nudge cooldown deliberately emits under COOLDOWN_ACTIVE: the
		// training corpus and dashboards were collected against that id.
		name:   "cooldown_nudge",
		emits:  domain.OverrideCooldownActive,
		action: domain.GateSuppress,
		matches: func(in GateInput) (bool, string) {
			if in.Tier.Rank() > domain.TierNudge.Rank() {
				return false, ""
			}
			since := in.Ctx.SecondsSinceLastNudge()
			cooldown := float64(in.Config.CooldownAfterNudgeSec)
			if since >= 0 && since < cooldown {
				return true, fmt.Sprintf("%.0fs since last nudge, cooldown %.0fs", since, cooldown)
			}
			return false, ""
		},
	},
	{
		name:   "session_cap",
		emits:  domain.OverrideSessionCap,
		action: domain.GateSuppress,
		matches: func(in GateInput) (bool, string) {
			c := in.Ctx.Counters
			if in.Tier == domain.TierActive && in.Config.MaxActivePerSession > 0 && c.TotalActive >= in.Config.MaxActivePerSession {
				return true, fmt.Sprintf("active cap %d reached", in.Config.MaxActivePerSession)
			}
			if in.Tier == domain.TierNudge && in.Config.MaxNudgesPerSession > 0 && c.TotalNudges >= in.Config.MaxNudgesPerSession {
				return true, fmt.Sprintf("nudge cap %d reached", in.Config.MaxNudgesPerSession)
			}
			if in.Tier.Rank() > domain.TierPassive.Rank() && in.Config.MaxNonPassivePerSession > 0 && c.TotalNonPassive >= in.Config.MaxNonPassivePerSession {
				return true, fmt.Sprintf("non-passive cap %d reached", in.Config.MaxNonPassivePerSession)
			}
			return false, ""
		},
	},
	{
		name:   "force_passive_technical",
		emits:  domain.OverrideForcePassiveTechnical,
		action: domain.GateForcePassive,
		matches: func(in GateInput) (bool, string) {
			if in.Ctx.Counters.Flags.HasTechnicalError && in.Tier.Rank() > domain.TierPassive.Rank() {
				return true, "technical error present, downgrading to passive"
			}
			return false, ""
		},
	},
	{
		name:   "force_passive_oos",
		emits:  domain.OverrideForcePassiveOOS,
		action: domain.GateForcePassive,
		matches: func(in GateInput) (bool, string) {
			if in.Ctx.Counters.Flags.HasOutOfStock && in.Tier.Rank() > domain.TierPassive.Rank() {
				return true, "out-of-stock friction present, downgrading to passive"
			}
			return false, ""
		},
	},
	{
		name:   "force_passive_shipping",
		emits:  domain.OverrideForcePassiveShipping,
		action: domain.GateForcePassive,
		matches: func(in GateInput) (bool, string) {
			if in.Ctx.Counters.Flags.HasShippingIssue && in.Tier.Rank() > domain.TierPassive.Rank() {
				return true, "shipping issue present, downgrading to passive"
			}
			return false, ""
		},
	},
	{
		name:   "force_escalate_payment",
		emits:  domain.OverrideForceEscalatePayment,
		action: domain.GateForceEscalate,
		matches: func(in GateInput) (bool, string) {
			if in.Ctx.Counters.Flags.HasPaymentFailure {
				return true, "payment failure detected, escalating"
			}
			return false, ""
		},
	},
	{
		name:   "force_escalate_checkout_timeout",
		emits:  domain.OverrideForceEscalateTimeout,
		action: domain.GateForceEscalate,
		matches: func(in GateInput) (bool, string) {
			if in.Ctx.Counters.Flags.HasCheckoutTimeout {
				return true, "checkout timeout detected, escalating"
			}
			return false, ""
		},
	},
	{
		name:   "force_escalate_help_search",
		emits:  domain.OverrideForceEscalateHelp,
		action: domain.GateForceEscalate,
		matches: func(in GateInput) (bool, string) {
			if in.Ctx.Counters.Flags.HasHelpSearch {
				return true, "help-seeking search detected, escalating"
			}
			return false, ""
		},
	},
}

// EvaluateGates walks the ordered rule list and returns the first matching
// override, or nil when no rule fires.
func EvaluateGates(in GateInput) *domain.GateOverride {
	for _, rule := range gateRules {
		if matched, reason := rule.matches(in); matched {
			return &domain.GateOverride{
				ID:     rule.emits,
				Action: rule.action,
				Reason: reason,
			}
		}
	}
	return nil
}

// ApplyOverride folds an override into the tier-derived outcome and returns
// the final tier and decision. With no override, MONITOR suppresses and
// everything above it fires.
func ApplyOverride(tier domain.Tier, override *domain.GateOverride) (domain.Tier, domain.Decision) {
	if override == nil {
		if tier == domain.TierMonitor {
			return tier, domain.DecisionSuppress
		}
		return tier, domain.DecisionFire
	}
	switch override.Action {
	case domain.GateSuppress:
		return tier, domain.DecisionSuppress
	case domain.GateForcePassive:
		return domain.TierPassive, domain.DecisionFire
	case domain.GateForceEscalate:
		return domain.TierEscalate, domain.DecisionFire
	default:
		return tier, domain.DecisionSuppress
	}
}
