package domain

import (
	"time"
)

// EventCategory classifies a tracked storefront event.
type EventCategory string

const (
	CategoryNavigation EventCategory = "navigation"
	CategorySearch     EventCategory = "search"
	CategoryProduct    EventCategory = "product"
	CategoryCart       EventCategory = "cart"
	CategoryCheckout   EventCategory = "checkout"
	CategoryAccount    EventCategory = "account"
	CategoryEngagement EventCategory = "engagement"
	CategoryTechnical  EventCategory = "technical"
	CategorySystem     EventCategory = "system"
)

// PageType identifies the funnel position of the page an event fired on.
type PageType string

const (
	PageLanding       PageType = "landing"
	PageCategory      PageType = "category"
	PageSearchResults PageType = "search_results"
	PagePDP           PageType = "pdp"
	PageCart          PageType = "cart"
	PageCheckout      PageType = "checkout"
	PageAccount       PageType = "account"
	PageOther         PageType = "other"
)

// TrackEvent is a single immutable visitor event as delivered by the widget.
type TrackEvent struct {
	ID             string                 `json:"id" db:"id"`
	SessionID      string                 `json:"session_id" db:"session_id"`
	Timestamp      time.Time              `json:"timestamp" db:"ts"`
	Category       EventCategory          `json:"category" db:"category"`
	EventType      string                 `json:"event_type" db:"event_type"`
	PageType       PageType               `json:"page_type" db:"page_type"`
	RawSignals     map[string]interface{} `json:"raw_signals,omitempty" db:"raw_signals"`
	FrictionID     *string                `json:"friction_id,omitempty" db:"friction_id"`
	PageURL        string                 `json:"page_url,omitempty" db:"page_url"`
	ScrollDepthPct float64                `json:"scroll_depth_pct,omitempty" db:"scroll_depth_pct"`
	TimeOnPageMs   int64                  `json:"time_on_page_ms,omitempty" db:"time_on_page_ms"`
	DeviceType     string                 `json:"device_type,omitempty" db:"device_type"`
	ReferrerType   string                 `json:"referrer_type,omitempty" db:"referrer_type"`
}
