package models

import "time"

// ImpressionEvent records one viewable display of a campaign. Impressions are
// free and append-only; duplicates are acceptable noise bounded by the
// client-side frequency cap.
type ImpressionEvent struct {
	CampaignID int       `json:"campaign_id"`
	BrokerSlug string    `json:"broker_slug"`
	Page       string    `json:"page"`
	Placement  string    `json:"placement"`
	DeviceType string    `json:"device_type,omitempty"`
	Country    string    `json:"country,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ClickEvent records one outbound click on a sponsored listing. RateCents is
// a snapshot of the campaign bid rate at billing time. Billed is true iff the
// corresponding wallet debit succeeded; a billed click always has a matching
// ledger transaction.
type ClickEvent struct {
	// ID is the click identifier used for at-most-once billing. Clients may
	// supply it; otherwise the server mints one.
	ID         string `json:"id"`
	CampaignID int    `json:"campaign_id"`
	BrokerSlug string `json:"broker_slug"`
	RateCents  int64  `json:"rate_cents"`
	Billed     bool   `json:"billed"`
	// NeedsReconciliation is set when the wallet debit succeeded but the
	// campaign spend increment could not be applied. Such rows are surfaced
	// to an external reconciliation job, never silently reversed.
	NeedsReconciliation bool `json:"needs_reconciliation,omitempty"`

	// TransactionID links a billed click to its ledger entry.
	TransactionID string `json:"transaction_id,omitempty"`

	IPHash     string    `json:"ip_hash,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Page       string    `json:"page,omitempty"`
	Placement  string    `json:"placement,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	Country    string    `json:"country,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
