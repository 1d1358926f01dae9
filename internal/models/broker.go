package models

// Broker represents an advertiser account on the comparison site. Brokers fund
// a prepaid wallet and run campaigns against placements. The slug is the
// stable identifier used throughout the marketplace; the numeric ID only
// exists for storage.
type Broker struct {
	ID      int    `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	// APIKey authenticates broker-initiated endpoints such as wallet top-ups.
	APIKey string `json:"api_key,omitempty"`
}
