package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/middleware"
	"github.com/brokeratlas/marketplace/internal/reporting"
)

// SpendReportHandler serves GET /marketplace/report/spend for operators.
// Defaults to the trailing 30 days; format=csv renders RFC 4180 CSV.
func (s *Server) SpendReportHandler(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "report-spend"
	const method = "GET"

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		t, err := parseReportTime(raw)
		if err != nil {
			s.Metrics.IncrementRequests(endpoint, method, "400")
			s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid from timestamp"})
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseReportTime(raw)
		if err != nil {
			s.Metrics.IncrementRequests(endpoint, method, "400")
			s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid to timestamp"})
			return
		}
		to = t
	}
	if !from.Before(to) {
		s.Metrics.IncrementRequests(endpoint, method, "400")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "from must precede to"})
		return
	}

	rows, err := s.Reporter.SpendReport(r.Context(), from, to)
	if err != nil {
		logger.Error("spend report failed", zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "report generation failed"})
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))

	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="spend_report.csv"`)
		_, _ = w.Write([]byte(reporting.RenderCSV(rows)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from": from,
		"to":   to,
		"rows": rows,
	})
}

// parseReportTime accepts RFC 3339 timestamps or bare dates.
func parseReportTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
