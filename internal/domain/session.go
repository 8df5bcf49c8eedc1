package domain

import (
	"time"
)

// SessionStatus tracks whether a visitor session is still producing events.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// SessionFlags are sticky booleans raised by specific event types. Once set
// they stay set for the life of the session; the gate engine consumes them.
type SessionFlags struct {
	HasTechnicalError  bool `json:"has_technical_error"`
	HasOutOfStock      bool `json:"has_out_of_stock"`
	HasShippingIssue   bool `json:"has_shipping_issue"`
	HasPaymentFailure  bool `json:"has_payment_failure"`
	HasCheckoutTimeout bool `json:"has_checkout_timeout"`
	HasHelpSearch      bool `json:"has_help_search"`
}

// SessionCounters is the materialized view of the session's event and
// intervention history. It is the only history the gate engine sees.
type SessionCounters struct {
	TotalInterventionsFired int        `json:"total_interventions_fired"`
	TotalDismissals         int        `json:"total_dismissals"`
	TotalConversions        int        `json:"total_conversions"`
	TotalNudges             int        `json:"total_nudges"`
	TotalActive             int        `json:"total_active"`
	TotalNonPassive         int        `json:"total_non_passive"`
	LastNudgeAt             *time.Time `json:"last_nudge_at,omitempty"`
	LastActiveAt            *time.Time `json:"last_active_at,omitempty"`
	LastInterventionAt      *time.Time `json:"last_intervention_at,omitempty"`
	FrictionIDsIntervened   []string   `json:"friction_ids_intervened,omitempty"`
	WidgetOpenedVoluntarily bool       `json:"widget_opened_voluntarily"`
	IdleSeconds             float64    `json:"idle_seconds"`
	Flags                   SessionFlags `json:"flags"`
}

// HasIntervenedOn reports whether an intervention already fired for frictionID.
func (c *SessionCounters) HasIntervenedOn(frictionID string) bool {
	for _, id := range c.FrictionIDsIntervened {
		if id == frictionID {
			return true
		}
	}
	return false
}

// Session is one visitor session on one storefront.
type Session struct {
	ID              string          `json:"id" db:"id"`
	VisitorKey      string          `json:"visitor_key" db:"visitor_key"`
	SessionKey      string          `json:"session_key" db:"session_key"`
	SiteURL         string          `json:"site_url" db:"site_url"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	LastSeenAt      time.Time       `json:"last_seen_at" db:"last_seen_at"`
	Status          SessionStatus   `json:"status" db:"status"`
	DeviceType      string          `json:"device_type" db:"device_type"`
	ReferrerType    string          `json:"referrer_type" db:"referrer_type"`
	IsLoggedIn      bool            `json:"is_logged_in" db:"is_logged_in"`
	IsRepeatVisitor bool            `json:"is_repeat_visitor" db:"is_repeat_visitor"`
	CartValue       float64         `json:"cart_value" db:"cart_value"`
	CartItemCount   int             `json:"cart_item_count" db:"cart_item_count"`
	Counters        SessionCounters `json:"counters" db:"counters"`
}

// AgeSeconds returns the session age at the given instant.
func (s *Session) AgeSeconds(now time.Time) float64 {
	return now.Sub(s.StartedAt).Seconds()
}
