package api

import (
	"net/http"
	"time"
)

// HealthHandler reports liveness plus the count of billed clicks awaiting
// reconciliation, so operators see stuck money without querying Postgres.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	body := map[string]any{"status": "ok"}
	if s.DB != nil {
		if pending, err := s.DB.PendingReconciliationCount(r.Context()); err == nil {
			body["pending_reconciliation"] = pending
		} else {
			body["status"] = "degraded"
		}
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	writeJSON(w, http.StatusOK, body)
}
