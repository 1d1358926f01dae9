package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brokeratlas/marketplace/internal/allocation"
	"github.com/brokeratlas/marketplace/internal/analytics"
	"github.com/brokeratlas/marketplace/internal/config"
	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/events"
	"github.com/brokeratlas/marketplace/internal/freqcap"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
	"github.com/brokeratlas/marketplace/internal/ratelimit"
	"github.com/brokeratlas/marketplace/internal/reporting"
	"github.com/brokeratlas/marketplace/internal/wallet"
)

// fakeDatabase satisfies Database without Postgres.
type fakeDatabase struct {
	campaigns  []models.Campaign
	placements []models.Placement
	brokers    []models.Broker
	pending    int64
	loadErr    error
	stats      []db.CampaignClickStats
}

func (f *fakeDatabase) LoadCampaigns() ([]models.Campaign, error)   { return f.campaigns, f.loadErr }
func (f *fakeDatabase) LoadPlacements() ([]models.Placement, error) { return f.placements, f.loadErr }
func (f *fakeDatabase) LoadBrokers() ([]models.Broker, error)       { return f.brokers, f.loadErr }
func (f *fakeDatabase) PendingReconciliationCount(context.Context) (int64, error) {
	return f.pending, nil
}
func (f *fakeDatabase) ListWalletTransactions(context.Context, string, int) ([]models.WalletTransaction, error) {
	return nil, nil
}
func (f *fakeDatabase) SpendStats(context.Context, time.Time, time.Time) ([]db.CampaignClickStats, error) {
	return f.stats, nil
}

// memClickStore mirrors the Postgres click operations in memory.
type memClickStore struct {
	clicks []models.ClickEvent
	spend  map[int]int64
}

func (s *memClickStore) InsertClick(_ context.Context, ev models.ClickEvent) error {
	s.clicks = append(s.clicks, ev)
	return nil
}

func (s *memClickStore) AddCampaignSpend(_ context.Context, id int, delta int64) error {
	s.spend[id] += delta
	return nil
}

type serverFixture struct {
	server  *Server
	wallets *wallet.MemoryStore
	clicks  *memClickStore
	store   *models.InMemoryCampaignStore
	fakeDB  *fakeDatabase
	redis   *miniredis.Miniredis
}

func campaignFixture(id int, broker string, rate int64) models.Campaign {
	return models.Campaign{
		ID:         id,
		BrokerSlug: broker,
		Name:       fmt.Sprintf("%s campaign %d", broker, id),
		Placements: []string{"compare-top"},
		RateCents:  rate,
		StartAt:    time.Now().Add(-time.Hour),
		EndAt:      time.Now().Add(time.Hour),
		Active:     true,
	}
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rds, err := db.InitRedis(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(rds.Close)

	logger := zaptest.NewLogger(t)
	metrics := &observability.NoOpRegistry{}

	store := models.NewInMemoryCampaignStore()
	require.NoError(t, store.ReloadAll(
		[]models.Campaign{
			campaignFixture(1, "alpha", 250),
			campaignFixture(2, "bravo", 100),
		},
		[]models.Placement{{Slug: "compare-top", Name: "Comparison top", SlotCount: 2}},
		[]models.Broker{
			{Slug: "alpha", Name: "Alpha Brokers", APIKey: "alpha-key"},
			{Slug: "bravo", Name: "Bravo & Co", APIKey: "bravo-key"},
		},
	))

	wallets := wallet.NewMemoryStore()
	wallets.Seed("alpha", 1000)
	wallets.Seed("bravo", 50)
	ledger := wallet.NewLedger(wallets, metrics, logger)

	clicks := &memClickStore{spend: make(map[int]int64)}
	recorder := events.NewRecorder(ledger, store, clicks, rds, events.Options{
		Counter: rds,
		Sink:    analytics.NewMockSink(),
		Metrics: metrics,
		Logger:  logger,
	})

	cfg := config.Config{
		OperatorAPIKey:     "op-secret",
		AllocationCacheTTL: 30 * time.Second,
		TopupMinDollars:    50,
		TopupMaxDollars:    50000,
		CheckoutBaseURL:    "https://checkout.example.com/session",
	}
	fakeDB := &fakeDatabase{}

	srv := &Server{
		Logger:      logger,
		Config:      cfg,
		Store:       store,
		DB:          fakeDB,
		Redis:       rds,
		Ledger:      ledger,
		Engine:      allocation.NewEngine(store, metrics, logger),
		Recorder:    recorder,
		FreqCap:     freqcap.NewTracker(freqcap.NewMemorySessionStore(), freqcap.DefaultWindow, 2, logger),
		Limiter:     ratelimit.NewLimiter(ratelimit.Config{Enabled: true, Window: time.Minute, MaxRequests: 30}, ratelimit.NewMemoryCounterStore(), metrics, logger),
		Reporter:    reporting.NewReporter(fakeDB, store),
		Metrics:     metrics,
		TokenSecret: []byte("test-secret"),
		TokenTTL:    time.Minute,
	}
	return &serverFixture{server: srv, wallets: wallets, clicks: clicks, store: store, fakeDB: fakeDB, redis: mr}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAllocationHandler_ReturnsRankedWinners(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Winners, 2)
	assert.Equal(t, 1, resp.Winners[0].CampaignID, "higher rate ranks first")
	assert.Equal(t, 2, resp.Winners[1].CampaignID)
	assert.NotEmpty(t, resp.Winners[0].ClickToken)
	assert.Equal(t, "max-age=30", rec.Header().Get("Cache-Control"))
}

func TestAllocationHandler_RequiresPlacement(t *testing.T) {
	f := newServerFixture(t)
	rec := doJSON(t, f.server.Routes(), http.MethodGet, "/marketplace/allocation", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllocationHandler_UnknownPlacementDegradesToEmpty(t *testing.T) {
	f := newServerFixture(t)
	rec := doJSON(t, f.server.Routes(), http.MethodGet, "/marketplace/allocation?placement=nope", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Winners)
}

func TestAllocationHandler_BrokerFilter(t *testing.T) {
	f := newServerFixture(t)
	rec := doJSON(t, f.server.Routes(), http.MethodGet, "/marketplace/allocation?placement=compare-top&brokers=bravo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Winners, 1)
	assert.Equal(t, "bravo", resp.Winners[0].BrokerSlug)
}

func TestAllocationHandler_CacheServesSnapshot(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Deactivate everything; the cached snapshot still serves until expiry.
	require.NoError(t, f.store.SetCampaigns(nil))
	rec = doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Winners, 2)

	f.redis.FastForward(time.Minute)
	rec = doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Winners, "expired cache re-runs the auction")
}

func TestAllocationHandler_FrequencyCapSuppression(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	// The fixture cap is 2 impressions per campaign.
	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/marketplace/impression", map[string]any{
			"campaign_id": 1, "broker_slug": "alpha", "placement": "compare-top", "session_id": "sess-9",
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top&session=sess-9", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Winners, 1, "capped campaign is suppressed for this session")
	assert.Equal(t, 2, resp.Winners[0].CampaignID)

	// Other sessions are unaffected.
	rec = doJSON(t, router, http.MethodGet, "/marketplace/allocation?placement=compare-top&session=other", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Winners, 2)
}

func TestImpressionHandler_Validation(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodPost, "/marketplace/impression", map[string]any{
		"broker_slug": "alpha", "placement": "compare-top",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/impression", map[string]any{
		"campaign_id": 1, "broker_slug": "alpha", "placement": "compare-top", "page": "/compare/forex",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])
}

func TestClickHandler_BillsViaBody(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"campaign_id": 1, "broker_slug": "alpha", "click_id": "click-1", "page": "/compare/forex",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["billed"])

	w, err := f.wallets.GetWallet(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(750), w.BalanceCents, "the store's rate is billed, not a client-supplied one")
	assert.Equal(t, int64(250), f.clicks.spend[1])
}

func TestClickHandler_ClientCannotChooseRate(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"campaign_id": 1, "broker_slug": "alpha", "rate_cents": 1, "click_id": "cheap-click",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	w, err := f.wallets.GetWallet(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(750), w.BalanceCents)
}

func TestClickHandler_DuplicateNotRebilled(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	body := map[string]any{"campaign_id": 1, "broker_slug": "alpha", "click_id": "click-1"}
	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["duplicate"])

	w, err := f.wallets.GetWallet(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(750), w.BalanceCents)
}

func TestClickHandler_InsufficientFunds(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	// bravo holds 50 cents against a 100 cent rate.
	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"campaign_id": 2, "broker_slug": "bravo", "click_id": "click-1",
	}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Insufficient funds", body["error"])
	assert.Equal(t, false, body["billed"])

	w, err := f.wallets.GetWallet(context.Background(), "bravo")
	require.NoError(t, err)
	assert.Equal(t, int64(50), w.BalanceCents)
	assert.Zero(t, f.clicks.spend[2])
}

func TestClickHandler_Validation(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"broker_slug": "alpha",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"campaign_id": 999, "broker_slug": "alpha",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"campaign_id": 1, "broker_slug": "bravo",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "broker must own the campaign")
}

func TestClickHandler_RateLimit(t *testing.T) {
	f := newServerFixture(t)
	f.server.Limiter = ratelimit.NewLimiter(
		ratelimit.Config{Enabled: true, Window: time.Minute, MaxRequests: 2},
		ratelimit.NewMemoryCounterStore(), nil, nil)
	router := f.server.Routes()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
			"campaign_id": 1, "broker_slug": "alpha", "click_id": fmt.Sprintf("c-%d", i),
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, router, http.MethodPost, "/marketplace/campaign-click", map[string]any{
		"campaign_id": 1, "broker_slug": "alpha", "click_id": "c-over",
	}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWalletAdjustHandler(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()
	opHeader := map[string]string{"X-Operator-Key": "op-secret"}

	rec := doJSON(t, router, http.MethodPost, "/marketplace/wallet-adjust", map[string]any{
		"broker_slug": "alpha", "amount_cents": 500, "description": "promo credit",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "operator key required")

	rec = doJSON(t, router, http.MethodPost, "/marketplace/wallet-adjust", map[string]any{
		"broker_slug": "alpha", "amount_cents": 500, "description": "promo credit",
	}, opHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	w, err := f.wallets.GetWallet(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), w.BalanceCents)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/wallet-adjust", map[string]any{
		"broker_slug": "alpha", "amount_cents": -999999, "description": "oops",
	}, opHeader)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, "overdraw rejected")

	rec = doJSON(t, router, http.MethodPost, "/marketplace/wallet-adjust", map[string]any{
		"broker_slug": "alpha", "amount_cents": 0, "description": "noop",
	}, opHeader)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWalletHandler(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()

	rec := doJSON(t, router, http.MethodGet, "/marketplace/wallet", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/marketplace/wallet", nil, map[string]string{"X-Broker-Key": "alpha-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	wb, ok := body["wallet"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1000), wb["balance_cents"])
}

func TestWalletTopupHandler(t *testing.T) {
	f := newServerFixture(t)
	router := f.server.Routes()
	auth := map[string]string{"X-Broker-Key": "alpha-key"}

	rec := doJSON(t, router, http.MethodPost, "/marketplace/wallet-topup", map[string]any{"amount": 10}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "below minimum")

	rec = doJSON(t, router, http.MethodPost, "/marketplace/wallet-topup", map[string]any{"amount": 100000}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "above maximum")

	rec = doJSON(t, router, http.MethodPost, "/marketplace/wallet-topup", map[string]any{"amount": 100}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	url, ok := decodeBody(t, rec)["checkout_url"].(string)
	require.True(t, ok)
	assert.Contains(t, url, "https://checkout.example.com/session?")
	assert.Contains(t, url, "amount_cents=10000")
	assert.Contains(t, url, "broker=alpha")
}

func TestSpendReportHandler(t *testing.T) {
	f := newServerFixture(t)
	f.fakeDB.stats = []db.CampaignClickStats{
		{CampaignID: 1, BrokerSlug: "alpha", Clicks: 4, BilledClicks: 3, BilledCents: 750},
	}
	router := f.server.Routes()
	opHeader := map[string]string{"X-Operator-Key": "op-secret"}

	rec := doJSON(t, router, http.MethodGet, "/marketplace/report/spend", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/marketplace/report/spend", nil, opHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	rows, ok := body["rows"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)

	rec = doJSON(t, router, http.MethodGet, "/marketplace/report/spend?format=csv", nil, opHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "campaign_id,campaign_name")
	assert.Contains(t, rec.Body.String(), "1,alpha campaign 1,alpha,Alpha Brokers,4,3,7.50")

	rec = doJSON(t, router, http.MethodGet, "/marketplace/report/spend?from=not-a-date", nil, opHeader)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	f := newServerFixture(t)
	f.fakeDB.pending = 3

	rec := doJSON(t, f.server.Routes(), http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["pending_reconciliation"])
}

func TestReloadHandler(t *testing.T) {
	f := newServerFixture(t)
	f.fakeDB.campaigns = []models.Campaign{campaignFixture(9, "carden", 500)}
	f.fakeDB.placements = []models.Placement{{Slug: "compare-top", SlotCount: 1}}
	f.fakeDB.brokers = []models.Broker{{Slug: "carden", Name: "Carden"}}
	router := f.server.Routes()
	opHeader := map[string]string{"X-Operator-Key": "op-secret"}

	rec := doJSON(t, router, http.MethodPost, "/marketplace/reload", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/marketplace/reload", nil, opHeader)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Nil(t, f.store.GetCampaign(1), "old snapshot replaced")
	require.NotNil(t, f.store.GetCampaign(9))

	f.fakeDB.loadErr = errors.New("postgres down")
	rec = doJSON(t, router, http.MethodPost, "/marketplace/reload", nil, opHeader)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
