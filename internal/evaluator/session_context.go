package evaluator

import (
	"time"

	"github.com/avaplatform/ava/internal/domain"
)

// applyEventToSession folds one event into the live session row: last-seen,
// sticky flags, cart state, and idle tracking. Flags never clear once raised.
func applyEventToSession(s *domain.Session, e *domain.TrackEvent) {
	if e.Timestamp.After(s.LastSeenAt) {
		s.LastSeenAt = e.Timestamp
	}
	s.Status = domain.SessionActive

	flags := &s.Counters.Flags
	switch e.EventType {
	case "technical_error", "js_error", "page_error":
		flags.HasTechnicalError = true
	case "out_of_stock_view", "out_of_stock":
		flags.HasOutOfStock = true
	case "shipping_issue", "shipping_error":
		flags.HasShippingIssue = true
	case "payment_failure", "payment_declined":
		flags.HasPaymentFailure = true
	case "checkout_timeout":
		flags.HasCheckoutTimeout = true
	case "help_search", "faq_search":
		flags.HasHelpSearch = true
	case "widget_open":
		s.Counters.WidgetOpenedVoluntarily = true
	case "login", "account_login":
		s.IsLoggedIn = true
	}

	if e.RawSignals != nil {
		if v, ok := numSignal(e.RawSignals, "cart_value"); ok {
			s.CartValue = v
		}
		if v, ok := numSignal(e.RawSignals, "cart_item_count"); ok {
			s.CartItemCount = int(v)
		}
		if v, ok := numSignal(e.RawSignals, "idle_seconds"); ok {
			s.Counters.IdleSeconds = v
		}
	}
}

func numSignal(raw map[string]interface{}, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// buildSessionContext assembles the narrow view the adjusters and gates read.
// The page type is the most recent one observed in the buffer; frictions are
// the distinct ids across the buffered events.
func buildSessionContext(s *domain.Session, events []domain.TrackEvent) *domain.SessionContext {
	now := time.Now().UTC()

	pageType := domain.PageOther
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].PageType != "" {
			pageType = events[i].PageType
			break
		}
	}

	var frictions []string
	seen := map[string]bool{}
	for _, e := range events {
		if e.FrictionID != nil && !seen[*e.FrictionID] {
			seen[*e.FrictionID] = true
			frictions = append(frictions, *e.FrictionID)
		}
	}

	return &domain.SessionContext{
		SessionID:       s.ID,
		SiteURL:         s.SiteURL,
		PageType:        pageType,
		DeviceType:      s.DeviceType,
		ReferrerType:    s.ReferrerType,
		IsLoggedIn:      s.IsLoggedIn,
		IsRepeatVisitor: s.IsRepeatVisitor,
		CartValue:       s.CartValue,
		CartItemCount:   s.CartItemCount,
		SessionAgeSec:   s.AgeSeconds(now),
		EventCount:      len(events),
		Counters:        s.Counters,
		FrictionIDs:     frictions,
		Now:             now,
	}
}
