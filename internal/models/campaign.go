package models

import "time"

// Campaign is the core entity of the ad marketplace. It is a broker's paid bid
// to appear in one or more placements, with optional page, scenario and
// broker-set targeting. All money fields are integer cents; the allocation
// engine never sees fractional currency.
//
// Campaigns are created and edited by operators outside this service. The
// marketplace treats them as read-only except for SpendCents, which only moves
// through the billing path after a successful wallet debit.
type Campaign struct {
	ID         int    `json:"id"`
	BrokerSlug string `json:"broker_slug"`
	Name       string `json:"name"`

	// Placements lists the placement slugs this campaign may serve in.
	Placements []string `json:"placements"`
	// PagePath, when set, restricts the campaign to requests from that page.
	PagePath string `json:"page_path,omitempty"`
	// Scenario, when set, restricts the campaign to a comparison scenario
	// (e.g. "forex-beginner").
	Scenario string `json:"scenario,omitempty"`
	// BrokerAllowList restricts shared placements to requests whose eligible
	// broker set includes one of these slugs. Empty means no restriction.
	BrokerAllowList []string `json:"broker_allow_list,omitempty"`

	// RateCents is the cost-per-click bid in cents.
	RateCents int64 `json:"rate_cents"`
	// BudgetCapCents is the total budget in cents. Zero means uncapped.
	BudgetCapCents int64 `json:"budget_cap_cents"`
	// SpendCents is the cumulative billed spend in cents.
	SpendCents int64 `json:"spend_cents"`

	StartAt time.Time `json:"start_at,omitempty"`
	EndAt   time.Time `json:"end_at,omitempty"`
	Active  bool      `json:"active"`

	// Weight is the pacing priority used for ranking. Higher wins.
	Weight int `json:"weight"`
}

// BudgetExhausted reports whether cumulative spend has reached the budget cap.
// An exhausted campaign is ineligible regardless of its active flag.
func (c *Campaign) BudgetExhausted() bool {
	return c.BudgetCapCents > 0 && c.SpendCents >= c.BudgetCapCents
}

// TargetsPlacement reports whether the campaign may serve in the given
// placement slug.
func (c *Campaign) TargetsPlacement(slug string) bool {
	for _, p := range c.Placements {
		if p == slug {
			return true
		}
	}
	return false
}

// InFlight reports whether now falls inside the campaign's scheduling window.
// Zero start or end timestamps are open-ended.
func (c *Campaign) InFlight(now time.Time) bool {
	if !c.StartAt.IsZero() && now.Before(c.StartAt) {
		return false
	}
	if !c.EndAt.IsZero() && now.After(c.EndAt) {
		return false
	}
	return true
}
