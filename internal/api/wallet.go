package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/middleware"
	"github.com/brokeratlas/marketplace/internal/wallet"
)

type walletAdjustBody struct {
	BrokerSlug  string `json:"broker_slug"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

// WalletAdjustHandler serves POST /marketplace/wallet-adjust, the operator
// credit/correction path. Positive amounts credit, negative debit; a
// negative adjustment that would overdraw the wallet is rejected.
func (s *Server) WalletAdjustHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "wallet-adjust"
	const method = "POST"

	var body walletAdjustBody
	if err := decodeJSON(r, &body); err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	if body.BrokerSlug == "" || body.AmountCents == 0 || body.Description == "" {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "broker_slug, amount_cents and description are required"})
		return
	}

	tx, err := s.Ledger.Adjust(r.Context(), body.BrokerSlug, body.AmountCents, body.Description, "operator")
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			s.Metrics.IncrementRequests(endpoint, method, "402")
			s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
			writeJSON(w, http.StatusPaymentRequired, map[string]any{"error": "adjustment would overdraw wallet"})
			return
		}
		logger.Error("wallet adjust failed", zap.String("broker_slug", body.BrokerSlug), zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "adjustment failed"})
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "transaction": tx})
}

// WalletHandler serves GET /marketplace/wallet for the authenticated broker:
// current balance plus recent ledger entries.
func (s *Server) WalletHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "wallet"
	const method = "GET"

	broker := middleware.BrokerFromContext(r.Context())
	if broker == nil {
		s.Metrics.IncrementRequests(endpoint, method, "401")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "broker authentication required"})
		return
	}

	wl, err := s.Ledger.Balance(r.Context(), broker.Slug)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			s.Metrics.IncrementRequests(endpoint, method, "404")
			s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "wallet not found"})
			return
		}
		logger.Error("wallet lookup failed", zap.String("broker_slug", broker.Slug), zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "wallet lookup failed"})
		return
	}

	resp := map[string]any{"wallet": wl}
	if s.DB != nil {
		if txs, err := s.DB.ListWalletTransactions(r.Context(), broker.Slug, 50); err == nil {
			resp["transactions"] = txs
		} else {
			logger.Warn("transaction list failed", zap.Error(err))
		}
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

type walletTopupBody struct {
	Amount int `json:"amount"`
}

// WalletTopupHandler serves POST /marketplace/wallet-topup. It validates the
// dollar amount and hands back a checkout URL; the payment provider's
// webhook credits the wallet after completion.
func (s *Server) WalletTopupHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "wallet-topup"
	const method = "POST"

	broker := middleware.BrokerFromContext(r.Context())
	if broker == nil {
		s.Metrics.IncrementRequests(endpoint, method, "401")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "broker authentication required"})
		return
	}

	var body walletTopupBody
	if err := decodeJSON(r, &body); err != nil {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	if body.Amount < s.Config.TopupMinDollars || body.Amount > s.Config.TopupMaxDollars {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": fmt.Sprintf("amount must be between %d and %d dollars",
				s.Config.TopupMinDollars, s.Config.TopupMaxDollars),
		})
		return
	}

	checkout := fmt.Sprintf("%s?%s", s.Config.CheckoutBaseURL, url.Values{
		"broker":       {broker.Slug},
		"amount_cents": {fmt.Sprintf("%d", int64(body.Amount)*100)},
		"ref":          {uuid.NewString()},
	}.Encode())

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"checkout_url": checkout})
}
