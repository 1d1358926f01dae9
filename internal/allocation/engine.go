// Package allocation decides which campaigns win a placement. Eligibility is
// a fold over named filters; ranking is a fixed deterministic order so two
// engines over the same snapshot always produce the same winners.
package allocation

import (
	"sort"

	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
)

// Engine selects winning campaigns for a placement from the campaign store.
type Engine struct {
	store   models.CampaignStore
	filters []Filter
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

func NewEngine(store models.CampaignStore, metrics observability.MetricsRegistry, logger *zap.Logger) *Engine {
	if metrics == nil {
		metrics = &observability.NoOpRegistry{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		filters: defaultFilters(),
		metrics: metrics,
		logger:  logger,
	}
}

// SelectWinners returns up to the placement's slot count of campaigns,
// ranked by pacing weight, then rate, then least spend, then id. An unknown
// placement or an empty candidate pool yields an empty slice, never an
// error: an empty slot is a valid allocation outcome.
func (e *Engine) SelectWinners(req Request) []models.Campaign {
	placement := e.store.GetPlacement(req.Placement)
	if placement == nil {
		e.metrics.IncrementEmptyAllocations()
		e.logger.Debug("allocation for unknown placement",
			zap.String("placement", req.Placement))
		return nil
	}

	candidates := e.store.GetCampaignsForPlacement(req.Placement)
	if len(candidates) == 0 {
		e.metrics.IncrementEmptyAllocations()
		return nil
	}

	eligible := e.applyFilters(candidates, req)
	if len(eligible) == 0 {
		e.metrics.IncrementEmptyAllocations()
		return nil
	}

	rankCampaigns(eligible)

	slots := placement.Slots()
	if len(eligible) > slots {
		eligible = eligible[:slots:slots]
	}
	return eligible
}

func (e *Engine) applyFilters(candidates []models.Campaign, req Request) []models.Campaign {
	eligible := make([]models.Campaign, 0, len(candidates))
	for i := range candidates {
		if e.passes(&candidates[i], req) {
			eligible = append(eligible, candidates[i])
		}
	}
	return eligible
}

func (e *Engine) passes(c *models.Campaign, req Request) bool {
	for _, f := range e.filters {
		if !f.Matches(c, req) {
			return false
		}
	}
	return true
}

// rankCampaigns orders candidates in place: higher pacing weight first, then
// higher rate, then lower accumulated spend (so equally priced campaigns
// rotate toward the one furthest behind), then campaign id as the final
// deterministic tiebreak.
func rankCampaigns(cs []models.Campaign) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := &cs[i], &cs[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.RateCents != b.RateCents {
			return a.RateCents > b.RateCents
		}
		if a.SpendCents != b.SpendCents {
			return a.SpendCents < b.SpendCents
		}
		return a.ID < b.ID
	})
}
