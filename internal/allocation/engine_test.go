package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func flight(days int) (time.Time, time.Time) {
	return testNow.Add(-time.Duration(days) * 24 * time.Hour),
		testNow.Add(time.Duration(days) * 24 * time.Hour)
}

func testCampaign(id int, broker string, rate int64, weight int) models.Campaign {
	start, end := flight(7)
	return models.Campaign{
		ID:             id,
		BrokerSlug:     broker,
		Name:           broker,
		Placements:     []string{"compare-top"},
		RateCents:      rate,
		BudgetCapCents: 0,
		Weight:         weight,
		StartAt:        start,
		EndAt:          end,
		Active:         true,
	}
}

func newTestEngine(t *testing.T, campaigns []models.Campaign, placements []models.Placement) *Engine {
	t.Helper()
	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll(campaigns, placements, nil))
	return NewEngine(store, &observability.NoOpRegistry{}, nil)
}

func singleSlot() []models.Placement {
	return []models.Placement{{Slug: "compare-top", Name: "Comparison table top", SlotCount: 1}}
}

func TestSelectWinners_HighestRateWins(t *testing.T) {
	engine := newTestEngine(t, []models.Campaign{
		testCampaign(1, "alpha", 120, 0),
		testCampaign(2, "bravo", 250, 0),
		testCampaign(3, "carden", 180, 0),
	}, singleSlot())

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 1)
	assert.Equal(t, 2, winners[0].ID)
}

func TestSelectWinners_WeightOutranksRate(t *testing.T) {
	boosted := testCampaign(1, "alpha", 50, 10)
	rich := testCampaign(2, "bravo", 400, 0)
	engine := newTestEngine(t, []models.Campaign{rich, boosted}, singleSlot())

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 1)
	assert.Equal(t, 1, winners[0].ID, "pacing weight should outrank rate")
}

func TestSelectWinners_SpendBreaksRateTies(t *testing.T) {
	behind := testCampaign(1, "alpha", 200, 0)
	behind.SpendCents = 100
	ahead := testCampaign(2, "bravo", 200, 0)
	ahead.SpendCents = 900
	engine := newTestEngine(t, []models.Campaign{ahead, behind}, singleSlot())

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 1)
	assert.Equal(t, 1, winners[0].ID, "equal rates should favor the campaign furthest behind on spend")
}

func TestSelectWinners_Deterministic(t *testing.T) {
	// Fully tied candidates must still come back in a stable order.
	campaigns := []models.Campaign{
		testCampaign(3, "carden", 200, 0),
		testCampaign(1, "alpha", 200, 0),
		testCampaign(2, "bravo", 200, 0),
	}
	engine := newTestEngine(t, campaigns, singleSlot())

	req := Request{Placement: "compare-top", Now: testNow}
	first := engine.SelectWinners(req)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].ID)

	for i := 0; i < 20; i++ {
		again := engine.SelectWinners(req)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].ID, again[0].ID)
	}
}

func TestSelectWinners_MultiSlot(t *testing.T) {
	placements := []models.Placement{{Slug: "compare-top", SlotCount: 2}}
	engine := newTestEngine(t, []models.Campaign{
		testCampaign(1, "alpha", 120, 0),
		testCampaign(2, "bravo", 250, 0),
		testCampaign(3, "carden", 180, 0),
	}, placements)

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 2)
	assert.Equal(t, 2, winners[0].ID)
	assert.Equal(t, 3, winners[1].ID)
}

func TestSelectWinners_UnknownPlacement(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll([]models.Campaign{testCampaign(1, "alpha", 100, 0)}, singleSlot(), nil))
	engine := NewEngine(store, metrics, nil)

	winners := engine.SelectWinners(Request{Placement: "no-such-slot", Now: testNow})
	assert.Empty(t, winners)
	assert.Equal(t, 1, metrics.EmptyAlloc)
}

func TestSelectWinners_NoEligibleCandidates(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	paused := testCampaign(1, "alpha", 100, 0)
	paused.Active = false
	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll([]models.Campaign{paused}, singleSlot(), nil))
	engine := NewEngine(store, metrics, nil)

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	assert.Empty(t, winners)
	assert.Equal(t, 1, metrics.EmptyAlloc)
}

func TestSelectWinners_ExhaustedBudgetNeverWins(t *testing.T) {
	spent := testCampaign(1, "alpha", 500, 0)
	spent.BudgetCapCents = 1000
	spent.SpendCents = 1000
	fallback := testCampaign(2, "bravo", 100, 0)
	engine := newTestEngine(t, []models.Campaign{spent, fallback}, singleSlot())

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 1)
	assert.Equal(t, 2, winners[0].ID)
}

func TestSelectWinners_BudgetExhaustionShiftsWinner(t *testing.T) {
	// A winner whose spend reaches its cap drops out of subsequent auctions.
	leader := testCampaign(1, "alpha", 300, 0)
	leader.BudgetCapCents = 600
	runnerUp := testCampaign(2, "bravo", 150, 0)

	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll([]models.Campaign{leader, runnerUp}, singleSlot(), nil))
	engine := NewEngine(store, &observability.NoOpRegistry{}, nil)
	req := Request{Placement: "compare-top", Now: testNow}

	winners := engine.SelectWinners(req)
	require.Len(t, winners, 1)
	require.Equal(t, 1, winners[0].ID)

	require.NoError(t, store.AddCampaignSpend(1, 300))
	winners = engine.SelectWinners(req)
	require.Len(t, winners, 1)
	assert.Equal(t, 1, winners[0].ID, "under cap after one click")

	require.NoError(t, store.AddCampaignSpend(1, 300))
	winners = engine.SelectWinners(req)
	require.Len(t, winners, 1)
	assert.Equal(t, 2, winners[0].ID, "at cap the runner-up takes the slot")
}

func TestSelectWinners_ScheduleWindow(t *testing.T) {
	future := testCampaign(1, "alpha", 300, 0)
	future.StartAt = testNow.Add(24 * time.Hour)
	future.EndAt = testNow.Add(48 * time.Hour)
	expired := testCampaign(2, "bravo", 250, 0)
	expired.StartAt = testNow.Add(-48 * time.Hour)
	expired.EndAt = testNow.Add(-24 * time.Hour)
	live := testCampaign(3, "carden", 100, 0)

	engine := newTestEngine(t, []models.Campaign{future, expired, live}, singleSlot())
	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 1)
	assert.Equal(t, 3, winners[0].ID)
}

func TestSelectWinners_CallerBrokerRestriction(t *testing.T) {
	engine := newTestEngine(t, []models.Campaign{
		testCampaign(1, "alpha", 300, 0),
		testCampaign(2, "bravo", 200, 0),
	}, singleSlot())

	winners := engine.SelectWinners(Request{
		Placement: "compare-top",
		Brokers:   []string{"bravo"},
		Now:       testNow,
	})
	require.Len(t, winners, 1)
	assert.Equal(t, 2, winners[0].ID)
}

func TestSelectWinners_DoesNotMutateStore(t *testing.T) {
	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll([]models.Campaign{testCampaign(1, "alpha", 100, 0)}, singleSlot(), nil))
	engine := NewEngine(store, &observability.NoOpRegistry{}, nil)

	winners := engine.SelectWinners(Request{Placement: "compare-top", Now: testNow})
	require.Len(t, winners, 1)
	winners[0].SpendCents = 999999

	fresh := store.GetCampaign(1)
	require.NotNil(t, fresh)
	assert.Zero(t, fresh.SpendCents)
}
