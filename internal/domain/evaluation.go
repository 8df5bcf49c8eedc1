package domain

import (
	"time"
)

// Evaluation is one persisted scoring pass over a session's buffered events.
// It snapshots everything the training builder later needs, so late outcomes
// bind to the correct decision regardless of elapsed time.
type Evaluation struct {
	ID                string        `json:"id" db:"id"`
	SessionID         string        `json:"session_id" db:"session_id"`
	SiteURL           string        `json:"site_url" db:"site_url"`
	Engine            EvalEngine    `json:"engine" db:"engine"`
	ConfigID          string        `json:"config_id" db:"config_id"`
	VariantID         *string       `json:"variant_id,omitempty" db:"variant_id"`
	Signals           MSWIMSignals  `json:"signals" db:"signals"`
	WeightsUsed       SignalWeights `json:"weights_used" db:"weights_used"`
	CompositeScore    float64       `json:"composite_score" db:"composite_score"`
	Tier              Tier          `json:"tier" db:"tier"`
	GateOverride      *GateOverride `json:"gate_override,omitempty" db:"gate_override"`
	Decision          Decision      `json:"decision" db:"decision"`
	Reasoning         string        `json:"reasoning" db:"reasoning"`
	Narrative         string        `json:"narrative,omitempty" db:"narrative"`
	DetectedFrictions []string      `json:"detected_frictions,omitempty" db:"detected_frictions"`
	EventCount        int           `json:"event_count" db:"event_count"`
	SessionAgeSec     float64       `json:"session_age_sec" db:"session_age_sec"`
	PageType          PageType      `json:"page_type" db:"page_type"`
	Events            []TrackEvent  `json:"events,omitempty" db:"events"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// SessionContext is the narrow session view the adjusters and gates consume.
// It is assembled once per flush from the session row plus its counters.
type SessionContext struct {
	SessionID       string
	SiteURL         string
	PageType        PageType
	DeviceType      string
	ReferrerType    string
	IsLoggedIn      bool
	IsRepeatVisitor bool
	CartValue       float64
	CartItemCount   int
	SessionAgeSec   float64
	EventCount      int
	Counters        SessionCounters
	FrictionIDs     []string // frictions detected in the evaluated batch
	Now             time.Time
}

// IsMobile reports whether the session device is a handheld.
func (c *SessionContext) IsMobile() bool {
	return c.DeviceType == "mobile" || c.DeviceType == "tablet"
}

// SecondsSinceLastActive returns the elapsed time since the last active-tier
// intervention, or -1 when none fired yet.
func (c *SessionContext) SecondsSinceLastActive() float64 {
	if c.Counters.LastActiveAt == nil {
		return -1
	}
	return c.Now.Sub(*c.Counters.LastActiveAt).Seconds()
}

// SecondsSinceLastNudge returns the elapsed time since the last nudge-tier
// intervention, or -1 when none fired yet.
func (c *SessionContext) SecondsSinceLastNudge() float64 {
	if c.Counters.LastNudgeAt == nil {
		return -1
	}
	return c.Now.Sub(*c.Counters.LastNudgeAt).Seconds()
}

// SecondsSinceLastIntervention returns the elapsed time since any
// intervention fired, or -1 when none fired yet.
func (c *SessionContext) SecondsSinceLastIntervention() float64 {
	if c.Counters.LastInterventionAt == nil {
		return -1
	}
	return c.Now.Sub(*c.Counters.LastInterventionAt).Seconds()
}
