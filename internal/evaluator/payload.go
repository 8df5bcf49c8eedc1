package evaluator

import (
	"strings"

	"github.com/avaplatform/ava/internal/domain"
)

// payloadTemplate is one registered intervention shape.
type payloadTemplate struct {
	ActionCode string
	Message    string
	CTALabel   string
	CTAAction  string
}

// frictionTemplates maps (intervention type, friction id prefix) to a
// template. Prefixes let one entry cover a family of catalog ids; longest
// prefix wins.
var frictionTemplates = map[domain.InterventionType]map[string]payloadTemplate{
	domain.InterventionNudge: {
		"F06": {ActionCode: "nudge_size_guide", Message: "Not sure about sizing? The size guide has exact measurements.", CTALabel: "Size guide", CTAAction: "open_size_guide"},
		"F07": {ActionCode: "nudge_shipping_info", Message: "Free shipping applies to this order.", CTALabel: "Shipping details", CTAAction: "open_shipping_info"},
		"F08": {ActionCode: "nudge_payment_help", Message: "Having trouble at checkout? We can help.", CTALabel: "Get help", CTAAction: "open_support"},
	},
	domain.InterventionActive: {
		"F06": {ActionCode: "active_fit_assistant", Message: "Let me help you find the right fit.", CTALabel: "Find my size", CTAAction: "start_fit_flow"},
		"F08": {ActionCode: "active_checkout_rescue", Message: "Your cart is saved. Want to finish checkout with a hand?", CTALabel: "Finish checkout", CTAAction: "resume_checkout"},
		"F09": {ActionCode: "active_discount_offer", Message: "Here's 10% off if you complete your order now.", CTALabel: "Apply discount", CTAAction: "apply_discount"},
	},
}

// tierDefaults cover tiers with no friction-specific template.
var tierDefaults = map[domain.InterventionType]payloadTemplate{
	domain.InterventionPassive:  {ActionCode: "passive_highlight"},
	domain.InterventionNudge:    {ActionCode: "nudge_generic", Message: "Anything we can help with?", CTALabel: "Chat with us", CTAAction: "open_widget"},
	domain.InterventionActive:   {ActionCode: "active_assist", Message: "You seem stuck. Want help finishing up?", CTALabel: "Yes, help me", CTAAction: "open_assist"},
	domain.InterventionEscalate: {ActionCode: "escalate_handoff", Message: "Connecting you with a specialist now.", CTALabel: "Start chat", CTAAction: "open_live_chat"},
}

// BuildPayload assembles the widget instruction for a fired intervention.
// Passive payloads carry no message by contract; escalate payloads always
// carry the handoff context snapshot for the human agent.
func BuildPayload(tier domain.Tier, frictionID *string, sessCtx *domain.SessionContext, signals domain.MSWIMSignals, narrative string) domain.InterventionPayload {
	ivType := domain.InterventionTypeForTier(tier)
	tpl := resolveTemplate(ivType, frictionID)

	p := domain.InterventionPayload{
		Type:       ivType,
		ActionCode: tpl.ActionCode,
		CTALabel:   tpl.CTALabel,
		CTAAction:  tpl.CTAAction,
	}

	if ivType != domain.InterventionPassive && tpl.Message != "" {
		msg := tpl.Message
		p.Message = &msg
	}

	if ivType == domain.InterventionPassive {
		p.UIAdjustment = map[string]interface{}{
			"highlight": "assist_entry",
			"page_type": string(sessCtx.PageType),
		}
	}

	if ivType == domain.InterventionEscalate {
		p.HandoffContext = map[string]interface{}{
			"session_id":      sessCtx.SessionID,
			"page_type":       string(sessCtx.PageType),
			"cart_value":      sessCtx.CartValue,
			"cart_item_count": sessCtx.CartItemCount,
			"session_age_sec": sessCtx.SessionAgeSec,
			"frictions":       sessCtx.FrictionIDs,
			"signals":         signals,
			"narrative":       narrative,
		}
	}

	return p
}

func resolveTemplate(ivType domain.InterventionType, frictionID *string) payloadTemplate {
	if frictionID != nil {
		if byPrefix, ok := frictionTemplates[ivType]; ok {
			best, bestLen := payloadTemplate{}, 0
			for prefix, tpl := range byPrefix {
				if strings.HasPrefix(*frictionID, prefix) && len(prefix) > bestLen {
					best, bestLen = tpl, len(prefix)
				}
			}
			if bestLen > 0 {
				return best
			}
		}
	}
	return tierDefaults[ivType]
}

// primaryFriction picks the friction the intervention addresses: the highest
// catalog severity among the detected ids.
func primaryFriction(ids []string, severity func(string) int) *string {
	if len(ids) == 0 {
		return nil
	}
	best, bestSev := ids[0], severity(ids[0])
	for _, id := range ids[1:] {
		if s := severity(id); s > bestSev {
			best, bestSev = id, s
		}
	}
	return &best
}
