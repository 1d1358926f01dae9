package models

import "time"

// Wallet holds a broker's prepaid balance. All amounts are integer cents.
// The invariant BalanceCents == LifetimeDepositedCents - LifetimeSpentCents
// holds at all times; both lifetime counters are monotonically non-decreasing.
type Wallet struct {
	BrokerSlug             string    `json:"broker_slug"`
	BalanceCents           int64     `json:"balance_cents"`
	LifetimeDepositedCents int64     `json:"lifetime_deposited_cents"`
	LifetimeSpentCents     int64     `json:"lifetime_spent_cents"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// WalletTransaction is one immutable entry in the append-only ledger. Every
// wallet mutation, billing debits and operator adjustments alike, produces
// exactly one transaction record. Records are never edited or deleted.
type WalletTransaction struct {
	ID         string    `json:"id"`
	BrokerSlug string    `json:"broker_slug"`
	// DeltaCents is negative for debits and positive for credits.
	DeltaCents int64     `json:"delta_cents"`
	Reason     string    `json:"reason"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}
