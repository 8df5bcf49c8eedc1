package mswim

// frictionSeverity maps catalog friction ids to their published severities
// (0-100). Unknown ids resolve to a neutral 50 rather than erroring: the
// widget may ship catalog revisions ahead of the backend.
//
// Severities follow the published friction catalog; only ids the detectors
// currently emit are listed here.
var frictionSeverity = map[string]int{
	// Navigation and discoverability
	"F001": 35, // ambiguous top-level navigation
	"F004": 40, // dead-end category page
	"F007": 45, // broken breadcrumb trail
	"F012": 55, // search returning zero results
	"F015": 50, // search results irrelevant to query
	"F019": 30, // excessive pagination depth

	// Product page
	"F023": 45, // missing size/fit guidance
	"F027": 60, // price not visible without interaction
	"F031": 55, // out-of-stock variant selected
	"F034": 40, // image gallery failure
	"F038": 50, // reviews section failed to load

	// Cart
	"F046": 60, // cart quantity update failure
	"F049": 55, // removed item reappearing
	"F052": 65, // cart total mismatch after promo
	"F055": 50, // shipping estimate unavailable
	"F058": 70, // promo code rejected without reason

	// Checkout
	"F061": 75, // address validation loop
	"F064": 70, // payment method not accepted
	"F068": 80, // checkout step regression (back-button loses state)
	"F072": 85, // payment gateway failure
	"F076": 80, // checkout session timeout
	"F081": 75, // unexpected fees revealed at final step
	"F085": 70, // mandatory phone number for digital goods
	"F089": 90, // forced account creation at checkout
	"F093": 85, // card declined with no recovery path

	// Account and trust
	"F101": 45, // password rules revealed only on failure
	"F105": 50, // email verification dead end
	"F112": 40, // unclear returns policy

	// Technical
	"F201": 65, // page error (4xx/5xx) during funnel
	"F205": 60, // script error blocking interaction
	"F209": 55, // slow page (LCP over budget)
	"F214": 50, // layout shift during interaction

	// Engagement
	"F301": 35, // rage click burst
	"F305": 40, // repeated scroll reversal (pogo)
	"F309": 45, // exit intent on funnel page
	"F312": 30, // long idle mid-task
}

const unknownFrictionSeverity = 50

// CatalogSeverity returns the catalog severity for a friction id, or the
// neutral default when the id is not in the table.
func CatalogSeverity(frictionID string) int {
	if sev, ok := frictionSeverity[frictionID]; ok {
		return sev
	}
	return unknownFrictionSeverity
}

// MaxCatalogSeverity returns the highest severity across the detected ids,
// or 0 when none were detected.
func MaxCatalogSeverity(frictionIDs []string) int {
	max := 0
	for _, id := range frictionIDs {
		if sev := CatalogSeverity(id); sev > max {
			max = sev
		}
	}
	return max
}
