package domain

import (
	"time"
)

// InterventionType mirrors the tier the intervention fired at.
type InterventionType string

const (
	InterventionPassive  InterventionType = "passive"
	InterventionNudge    InterventionType = "nudge"
	InterventionActive   InterventionType = "active"
	InterventionEscalate InterventionType = "escalate"
)

// InterventionTypeForTier maps a resolved tier to the intervention type that
// fires for it. MONITOR never fires.
func InterventionTypeForTier(t Tier) InterventionType {
	switch t {
	case TierPassive:
		return InterventionPassive
	case TierNudge:
		return InterventionNudge
	case TierActive:
		return InterventionActive
	case TierEscalate:
		return InterventionEscalate
	default:
		return InterventionPassive
	}
}

// InterventionStatus tracks the delivery/outcome state machine:
// sent -> delivered -> {dismissed | converted | ignored}. Delivered may be
// skipped when a terminal outcome arrives first. Transitions are monotonic.
type InterventionStatus string

const (
	StatusSent      InterventionStatus = "sent"
	StatusDelivered InterventionStatus = "delivered"
	StatusDismissed InterventionStatus = "dismissed"
	StatusConverted InterventionStatus = "converted"
	StatusIgnored   InterventionStatus = "ignored"
)

// statusOrder encodes monotonicity: terminal states share the top rank so a
// second terminal outcome can never replace the first.
var statusOrder = map[InterventionStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusDismissed: 2,
	StatusConverted: 2,
	StatusIgnored:   2,
}

// IsTerminal reports whether the status closes the intervention.
func (s InterventionStatus) IsTerminal() bool {
	return s == StatusDismissed || s == StatusConverted || s == StatusIgnored
}

// CanTransitionTo reports whether moving from s to next respects the
// monotonic state machine. Terminal states accept no further transitions.
func (s InterventionStatus) CanTransitionTo(next InterventionStatus) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return to > from
}

// InterventionPayload is the concrete instruction pushed to the widget.
// Passive payloads never carry a message; escalate always carries a handoff
// context snapshot.
type InterventionPayload struct {
	Type           InterventionType       `json:"type"`
	ActionCode     string                 `json:"action_code"`
	Message        *string                `json:"message,omitempty"`
	UIAdjustment   map[string]interface{} `json:"ui_adjustment,omitempty"`
	Products       []string               `json:"products,omitempty"`
	Comparison     map[string]interface{} `json:"comparison,omitempty"`
	CTALabel       string                 `json:"cta_label,omitempty"`
	CTAAction      string                 `json:"cta_action,omitempty"`
	HandoffContext map[string]interface{} `json:"handoff_context,omitempty"`
}

// Intervention is one fired intervention and its delivery lifecycle.
type Intervention struct {
	ID               string              `json:"id" db:"id"`
	SessionID        string              `json:"session_id" db:"session_id"`
	EvaluationID     string              `json:"evaluation_id" db:"evaluation_id"`
	Type             InterventionType    `json:"type" db:"type"`
	FrictionID       *string             `json:"friction_id,omitempty" db:"friction_id"`
	ActionCode       string              `json:"action_code" db:"action_code"`
	Message          *string             `json:"message,omitempty" db:"message"`
	MSWIMScore       float64             `json:"mswim_score" db:"mswim_score"`
	TierAtFire       Tier                `json:"tier_at_fire" db:"tier_at_fire"`
	Payload          InterventionPayload `json:"payload" db:"payload"`
	Status           InterventionStatus  `json:"status" db:"status"`
	ConversionAction *string             `json:"conversion_action,omitempty" db:"conversion_action"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	StatusUpdatedAt  time.Time           `json:"status_updated_at" db:"status_updated_at"`
}

// Outcome is the widget-reported delivery/outcome message for an intervention.
type Outcome struct {
	InterventionID   string             `json:"intervention_id"`
	SessionID        string             `json:"session_id"`
	Status           InterventionStatus `json:"status"`
	ConversionAction *string            `json:"conversion_action,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}
