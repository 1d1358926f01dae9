package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/events"
	"github.com/brokeratlas/marketplace/internal/middleware"
	"github.com/brokeratlas/marketplace/internal/models"
)

type impressionBody struct {
	CampaignID int    `json:"campaign_id"`
	BrokerSlug string `json:"broker_slug"`
	Page       string `json:"page"`
	Placement  string `json:"placement"`
	SessionID  string `json:"session_id"`
}

// ImpressionHandler serves POST /marketplace/impression. Recording is fire
// and forget: the response acknowledges receipt, not persistence.
func (s *Server) ImpressionHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "impression"
	const method = "POST"

	if s.rateLimited(w, r, "impression") {
		s.Metrics.IncrementRequests(endpoint, method, "429")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		return
	}

	var body impressionBody
	if err := decodeJSON(r, &body); err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	if body.CampaignID <= 0 || body.BrokerSlug == "" || body.Placement == "" {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "campaign_id, broker_slug and placement are required"})
		return
	}

	rc := events.ResolveRequestContext(s.GeoIP, r)
	accepted := s.Recorder.RecordImpression(models.ImpressionEvent{
		CampaignID: body.CampaignID,
		BrokerSlug: body.BrokerSlug,
		Page:       body.Page,
		Placement:  body.Placement,
		DeviceType: rc.DeviceType,
		Country:    rc.Country,
	})
	if !accepted {
		logger.Warn("impression dropped", zap.Int("campaign_id", body.CampaignID))
	}

	// Shown impressions advance the session's frequency count so repeat
	// allocations can suppress the campaign.
	if body.SessionID != "" && s.FreqCap != nil {
		if err := s.FreqCap.RecordShown(body.SessionID, body.CampaignID, body.Placement); err != nil {
			logger.Warn("frequency count update failed", zap.Error(err))
		}
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
