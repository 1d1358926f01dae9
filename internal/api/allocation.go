package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/allocation"
	"github.com/brokeratlas/marketplace/internal/middleware"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/token"
)

// PlacementWinner is one allocated campaign as returned to the page. The
// click token seals the billing terms the click endpoint will honor.
type PlacementWinner struct {
	CampaignID int    `json:"campaign_id"`
	BrokerSlug string `json:"broker_slug"`
	Name       string `json:"name"`
	RateCents  int64  `json:"rate_cents"`
	Placement  string `json:"placement"`
	ClickToken string `json:"click_token,omitempty"`
}

// AllocationResponse is the body of GET /marketplace/allocation.
type AllocationResponse struct {
	Placement string            `json:"placement"`
	Winners   []PlacementWinner `json:"winners"`
	Timestamp time.Time         `json:"timestamp"`
}

// AllocationHandler serves GET /marketplace/allocation. Failures degrade to
// an empty winner list; organic content is always a safe fallback.
func (s *Server) AllocationHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "AllocationHandler",
		trace.WithAttributes(
			attribute.String("http.method", "GET"),
			attribute.String("http.route", "/marketplace/allocation"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "allocation"
	const method = "GET"

	q := r.URL.Query()
	placement := q.Get("placement")
	if placement == "" {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "placement is required"})
		return
	}
	var brokers []string
	if raw := q.Get("brokers"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	req := allocation.Request{
		Placement: placement,
		Page:      q.Get("page"),
		Scenario:  q.Get("scenario"),
		Brokers:   brokers,
	}
	span.SetAttributes(attribute.String("placement", placement))

	winners := s.cachedWinners(ctx, req, logger)

	// Frequency capping drops campaigns this session has already seen
	// enough of. It runs after the cache so all sessions share cached
	// allocations.
	if session := q.Get("session"); session != "" && s.FreqCap != nil {
		kept := winners[:0]
		for _, c := range winners {
			if !s.FreqCap.ShouldSuppress(session, c.ID, placement) {
				kept = append(kept, c)
			}
		}
		winners = kept
	}

	resp := AllocationResponse{
		Placement: placement,
		Winners:   make([]PlacementWinner, 0, len(winners)),
		Timestamp: time.Now().UTC(),
	}
	requestID := uuid.NewString()
	for _, c := range winners {
		pw := PlacementWinner{
			CampaignID: c.ID,
			BrokerSlug: c.BrokerSlug,
			Name:       c.Name,
			RateCents:  c.RateCents,
			Placement:  placement,
		}
		if len(s.TokenSecret) > 0 {
			tok, err := token.Generate(token.Claims{
				RequestID:  requestID,
				CampaignID: c.ID,
				BrokerSlug: c.BrokerSlug,
				Placement:  placement,
				RateCents:  c.RateCents,
			}, s.TokenSecret)
			if err != nil {
				logger.Error("click token mint failed", zap.Int("campaign_id", c.ID), zap.Error(err))
			} else {
				pw.ClickToken = tok
			}
		}
		resp.Winners = append(resp.Winners, pw)
	}

	if ttl := s.Config.AllocationCacheTTL; ttl > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(ttl.Seconds())))
	}
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// cachedWinners runs the allocation through the Redis response cache. The
// cache stores ranked winner snapshots, not rendered responses, so tokens
// stay per-request.
func (s *Server) cachedWinners(ctx context.Context, req allocation.Request, logger *zap.Logger) []models.Campaign {
	key := allocationCacheKey(req)
	if s.Redis != nil && s.Config.AllocationCacheTTL > 0 {
		if body, err := s.Redis.GetAllocationCache(ctx, key); err == nil && body != nil {
			var cached []models.Campaign
			if err := json.Unmarshal(body, &cached); err == nil {
				return cached
			}
			logger.Warn("dropping unreadable allocation cache entry", zap.String("key", key))
		}
	}

	winners := s.Engine.SelectWinners(req)

	if s.Redis != nil && s.Config.AllocationCacheTTL > 0 {
		if body, err := json.Marshal(winners); err == nil {
			if err := s.Redis.SetAllocationCache(ctx, key, body, s.Config.AllocationCacheTTL); err != nil {
				logger.Warn("allocation cache write failed", zap.Error(err))
			}
		}
	}
	return winners
}

func allocationCacheKey(req allocation.Request) string {
	return strings.Join([]string{req.Placement, req.Page, req.Scenario, strings.Join(req.Brokers, "+")}, "|")
}
