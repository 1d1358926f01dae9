// Package api wires the marketplace HTTP surface: allocation reads, event
// writes, wallet operations and operator tooling.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/allocation"
	"github.com/brokeratlas/marketplace/internal/config"
	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/events"
	"github.com/brokeratlas/marketplace/internal/freqcap"
	"github.com/brokeratlas/marketplace/internal/geoip"
	"github.com/brokeratlas/marketplace/internal/middleware"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
	"github.com/brokeratlas/marketplace/internal/ratelimit"
	"github.com/brokeratlas/marketplace/internal/reporting"
	"github.com/brokeratlas/marketplace/internal/wallet"
)

var tracer = otel.Tracer("brokeratlas-marketplace")

// Database is the relational backing the handlers read outside the billing
// hot path: reload sources and operational counters.
type Database interface {
	LoadCampaigns() ([]models.Campaign, error)
	LoadPlacements() ([]models.Placement, error)
	LoadBrokers() ([]models.Broker, error)
	PendingReconciliationCount(ctx context.Context) (int64, error)
	ListWalletTransactions(ctx context.Context, brokerSlug string, limit int) ([]models.WalletTransaction, error)
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger      *zap.Logger
	Config      config.Config
	Store       models.CampaignStore
	DB          Database
	Redis       *db.RedisStore
	Ledger      *wallet.Ledger
	Engine      *allocation.Engine
	Recorder    *events.Recorder
	FreqCap     *freqcap.Tracker
	Limiter     *ratelimit.Limiter
	Reporter    *reporting.Reporter
	GeoIP       *geoip.Resolver
	Metrics     observability.MetricsRegistry
	TokenSecret []byte
	TokenTTL    time.Duration

	reloadMu sync.Mutex
}

// Routes builds the gorilla/mux router with all marketplace endpoints.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))

	r.HandleFunc("/marketplace/allocation", s.AllocationHandler).Methods(http.MethodGet)
	r.HandleFunc("/marketplace/impression", s.ImpressionHandler).Methods(http.MethodPost)
	r.HandleFunc("/marketplace/campaign-click", s.ClickHandler).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	operator := middleware.RequireOperator(s.Config.OperatorAPIKey)
	r.Handle("/marketplace/wallet-adjust", operator(http.HandlerFunc(s.WalletAdjustHandler))).Methods(http.MethodPost)
	r.Handle("/marketplace/report/spend", operator(http.HandlerFunc(s.SpendReportHandler))).Methods(http.MethodGet)
	r.Handle("/marketplace/reload", operator(http.HandlerFunc(s.ReloadHandler))).Methods(http.MethodPost)

	broker := middleware.RequireBroker(s.Store)
	r.Handle("/marketplace/wallet", broker(http.HandlerFunc(s.WalletHandler))).Methods(http.MethodGet)
	r.Handle("/marketplace/wallet-topup", broker(http.HandlerFunc(s.WalletTopupHandler))).Methods(http.MethodPost)

	return r
}

// Reload replaces the in-memory read model with fresh Postgres data in one
// snapshot swap.
func (s *Server) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	campaigns, err := s.DB.LoadCampaigns()
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	placements, err := s.DB.LoadPlacements()
	if err != nil {
		return fmt.Errorf("load placements: %w", err)
	}
	brokers, err := s.DB.LoadBrokers()
	if err != nil {
		return fmt.Errorf("load brokers: %w", err)
	}
	if err := s.Store.ReloadAll(campaigns, placements, brokers); err != nil {
		return fmt.Errorf("swap store snapshot: %w", err)
	}
	s.Logger.Info("campaign data reloaded",
		zap.Int("campaigns", len(campaigns)),
		zap.Int("placements", len(placements)),
		zap.Int("brokers", len(brokers)))
	return nil
}

// StartReloadLoop refreshes the read model on the configured interval until
// ctx is cancelled.
func (s *Server) StartReloadLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(); err != nil {
					s.Logger.Error("periodic reload failed", zap.Error(err))
				}
			}
		}
	}()
}

// rateLimited applies the write-endpoint limiter keyed by hashed client IP
// and answers 429 when the budget is spent.
func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request, scope string) bool {
	if s.Limiter == nil {
		return false
	}
	rc := events.ResolveRequestContext(s.GeoIP, r)
	if !s.Limiter.IsRateLimited(scope, rc.IPHash) {
		return false
	}
	writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}
