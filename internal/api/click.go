package api

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/events"
	"github.com/brokeratlas/marketplace/internal/middleware"
	"github.com/brokeratlas/marketplace/internal/token"
	"github.com/brokeratlas/marketplace/internal/wallet"
)

type clickBody struct {
	Token      string `json:"token"`
	CampaignID int    `json:"campaign_id"`
	BrokerSlug string `json:"broker_slug"`
	RateCents  int64  `json:"rate_cents"`
	ClickID    string `json:"click_id"`
	Page       string `json:"page"`
	SessionID  string `json:"session_id"`
}

// ClickHandler serves POST /marketplace/campaign-click, the billable event.
// With a click token the billing terms come from the token; without one the
// body must name the campaign and the rate is taken from the read model so a
// client cannot choose its own price.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ClickHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/marketplace/campaign-click"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "campaign-click"
	const method = "POST"

	status := func(code string) {
		s.Metrics.IncrementRequests(endpoint, method, code)
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	if s.rateLimited(w, r, "click") {
		status("429")
		return
	}

	var body clickBody
	if err := decodeJSON(r, &body); err != nil {
		status("400")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	rc := events.ResolveRequestContext(s.GeoIP, r)
	req := events.ClickRequest{
		ID:         body.ClickID,
		Page:       body.Page,
		SessionID:  body.SessionID,
		UserAgent:  rc.UserAgent,
		DeviceType: rc.DeviceType,
		Country:    rc.Country,
		IPHash:     rc.IPHash,
	}

	if body.Token != "" {
		claims, err := token.Verify(body.Token, s.TokenSecret, s.TokenTTL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid token")
			logger.Warn("click token rejected", zap.Error(err))
			status("401")
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
		req.CampaignID = claims.CampaignID
		req.BrokerSlug = claims.BrokerSlug
		req.RateCents = claims.RateCents
		req.Placement = claims.Placement
		if req.ID == "" {
			// The token doubles as the idempotency identifier: replaying
			// the same tokened click bills once.
			req.ID = claims.RequestID + ":" + claims.Placement
		}
	} else {
		if body.CampaignID <= 0 || body.BrokerSlug == "" {
			status("400")
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "campaign_id and broker_slug are required"})
			return
		}
		c := s.Store.GetCampaign(body.CampaignID)
		if c == nil {
			status("404")
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "campaign not found"})
			return
		}
		if c.BrokerSlug != body.BrokerSlug {
			status("400")
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "broker does not own campaign"})
			return
		}
		req.CampaignID = c.ID
		req.BrokerSlug = c.BrokerSlug
		req.RateCents = c.RateCents
	}
	span.SetAttributes(
		attribute.Int("campaign_id", req.CampaignID),
		attribute.String("broker_slug", req.BrokerSlug),
	)

	ev, err := s.Recorder.RecordClick(ctx, req)
	switch {
	case err == nil:
		status("200")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"billed":         true,
			"click_id":       ev.ID,
			"transaction_id": ev.TransactionID,
		})
	case errors.Is(err, events.ErrDuplicateClick):
		status("200")
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"billed":    true,
			"duplicate": true,
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status("402")
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":  "Insufficient funds",
			"billed": false,
		})
	case errors.Is(err, wallet.ErrWalletNotFound):
		status("404")
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "wallet not found"})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "click billing failed")
		logger.Error("click billing failed",
			zap.Int("campaign_id", req.CampaignID),
			zap.String("broker_slug", req.BrokerSlug),
			zap.Error(err))
		status("500")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "click could not be recorded"})
	}
}
