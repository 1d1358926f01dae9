package allocation

import (
	"time"

	"github.com/brokeratlas/marketplace/internal/models"
)

// Request carries the context of one allocation call: the placement being
// filled plus the optional page, scenario and eligible-broker restrictions
// supplied by the caller.
type Request struct {
	Placement string
	Page      string
	Scenario  string
	// Brokers restricts winners to campaigns owned by one of these slugs.
	// Nil or empty means no restriction.
	Brokers []string
	// Now is the evaluation time; the zero value means time.Now. Tests pin
	// it to exercise scheduling windows deterministically.
	Now time.Time
}

func (r Request) at() time.Time {
	if r.Now.IsZero() {
		return time.Now()
	}
	return r.Now
}

// Filter is one eligibility predicate over a campaign. The engine folds the
// candidate set through every filter in order; a campaign must pass all of
// them to enter the auction. Keeping each targeting rule as a named filter
// (rather than ad hoc optional-field checks) makes the filtering step a
// uniform fold and lets traces name the rule that removed a candidate.
type Filter interface {
	Name() string
	Matches(c *models.Campaign, req Request) bool
}

type activeFilter struct{}

func (activeFilter) Name() string { return "active" }
func (activeFilter) Matches(c *models.Campaign, _ Request) bool {
	return c.Active
}

type scheduleFilter struct{}

func (scheduleFilter) Name() string { return "schedule" }
func (scheduleFilter) Matches(c *models.Campaign, req Request) bool {
	return c.InFlight(req.at())
}

type budgetFilter struct{}

func (budgetFilter) Name() string { return "budget" }
func (budgetFilter) Matches(c *models.Campaign, _ Request) bool {
	return !c.BudgetExhausted()
}

type placementFilter struct{}

func (placementFilter) Name() string { return "placement" }
func (placementFilter) Matches(c *models.Campaign, req Request) bool {
	return c.TargetsPlacement(req.Placement)
}

// pageFilter applies a campaign's optional page-path restriction. A campaign
// with no page path matches every page.
type pageFilter struct{}

func (pageFilter) Name() string { return "page" }
func (pageFilter) Matches(c *models.Campaign, req Request) bool {
	return c.PagePath == "" || c.PagePath == req.Page
}

// scenarioFilter applies a campaign's optional scenario restriction.
type scenarioFilter struct{}

func (scenarioFilter) Name() string { return "scenario" }
func (scenarioFilter) Matches(c *models.Campaign, req Request) bool {
	return c.Scenario == "" || c.Scenario == req.Scenario
}

// allowListFilter applies the campaign's own broker allow-list: on shared
// placements the campaign only serves when the request's eligible broker set
// intersects it. A campaign without an allow-list always matches.
type allowListFilter struct{}

func (allowListFilter) Name() string { return "allow_list" }
func (allowListFilter) Matches(c *models.Campaign, req Request) bool {
	if len(c.BrokerAllowList) == 0 {
		return true
	}
	if len(req.Brokers) == 0 {
		return true
	}
	for _, allowed := range c.BrokerAllowList {
		for _, b := range req.Brokers {
			if allowed == b {
				return true
			}
		}
	}
	return false
}

// callerBrokerFilter restricts candidates to campaigns owned by one of the
// brokers the caller declared eligible for this slot.
type callerBrokerFilter struct{}

func (callerBrokerFilter) Name() string { return "caller_brokers" }
func (callerBrokerFilter) Matches(c *models.Campaign, req Request) bool {
	if len(req.Brokers) == 0 {
		return true
	}
	for _, b := range req.Brokers {
		if c.BrokerSlug == b {
			return true
		}
	}
	return false
}

// defaultFilters is the eligibility pipeline in evaluation order.
func defaultFilters() []Filter {
	return []Filter{
		activeFilter{},
		scheduleFilter{},
		budgetFilter{},
		placementFilter{},
		pageFilter{},
		scenarioFilter{},
		allowListFilter{},
		callerBrokerFilter{},
	}
}
