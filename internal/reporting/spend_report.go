// Package reporting renders operator-facing spend reports from click data.
// The CSV output targets spreadsheet import, so all quoting follows RFC 4180.
package reporting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/models"
)

// StatsSource provides aggregated click statistics for a reporting window.
type StatsSource interface {
	SpendStats(ctx context.Context, from, to time.Time) ([]db.CampaignClickStats, error)
}

// SpendRow is one line of the spend report with display names resolved.
type SpendRow struct {
	CampaignID   int    `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	BrokerSlug   string `json:"broker_slug"`
	BrokerName   string `json:"broker_name"`
	Clicks       int64  `json:"clicks"`
	BilledClicks int64  `json:"billed_clicks"`
	BilledCents  int64  `json:"billed_cents"`
}

// Reporter builds spend reports, resolving campaign and broker display names
// through the read model.
type Reporter struct {
	stats StatsSource
	store models.CampaignStore
}

func NewReporter(stats StatsSource, store models.CampaignStore) *Reporter {
	return &Reporter{stats: stats, store: store}
}

// SpendReport returns per-campaign totals for the window [from, to).
func (r *Reporter) SpendReport(ctx context.Context, from, to time.Time) ([]SpendRow, error) {
	stats, err := r.stats.SpendStats(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("spend report: %w", err)
	}
	rows := make([]SpendRow, 0, len(stats))
	for _, s := range stats {
		row := SpendRow{
			CampaignID:   s.CampaignID,
			BrokerSlug:   s.BrokerSlug,
			Clicks:       s.Clicks,
			BilledClicks: s.BilledClicks,
			BilledCents:  s.BilledCents,
		}
		if c := r.store.GetCampaign(s.CampaignID); c != nil {
			row.CampaignName = c.Name
		}
		if b := r.store.GetBroker(s.BrokerSlug); b != nil {
			row.BrokerName = b.Name
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// csvHeader is the fixed column order of the CSV rendering.
const csvHeader = "campaign_id,campaign_name,broker_slug,broker_name,clicks,billed_clicks,billed_dollars"

// RenderCSV writes the report as CSV with a header row. Monetary totals are
// rendered in dollars with two decimals.
func RenderCSV(rows []SpendRow) string {
	var b strings.Builder
	b.WriteString(csvHeader)
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(fmt.Sprintf("%d,%s,%s,%s,%d,%d,%s\n",
			row.CampaignID,
			escapeCSV(row.CampaignName),
			escapeCSV(row.BrokerSlug),
			escapeCSV(row.BrokerName),
			row.Clicks,
			row.BilledClicks,
			formatDollars(row.BilledCents)))
	}
	return b.String()
}

func formatDollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// escapeCSV quotes a field per RFC 4180 when it contains a comma, quote or
// newline. Embedded quotes are doubled.
func escapeCSV(field string) string {
	if !strings.ContainsAny(field, ",\"\n\r") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
