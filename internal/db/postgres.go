package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/models"
)

// Sentinel outcomes of wallet mutations. Insufficient funds is an expected
// business outcome, not a fault.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrWalletNotFound    = errors.New("wallet not found")
)

// Postgres wraps the relational store holding brokers, wallets, the
// append-only transaction ledger, campaigns, placements and click records.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS brokers (
    id SERIAL PRIMARY KEY,
    slug TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    website TEXT,
    api_key TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
    broker_slug TEXT PRIMARY KEY REFERENCES brokers(slug),
    balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
    lifetime_deposited_cents BIGINT NOT NULL DEFAULT 0,
    lifetime_spent_cents BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
    id UUID PRIMARY KEY,
    broker_slug TEXT NOT NULL REFERENCES brokers(slug),
    delta_cents BIGINT NOT NULL,
    reason TEXT NOT NULL,
    actor TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS placements (
    slug TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    slot_count INT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS campaigns (
    id SERIAL PRIMARY KEY,
    broker_slug TEXT NOT NULL REFERENCES brokers(slug),
    name TEXT NOT NULL,
    placements TEXT[] NOT NULL DEFAULT '{}',
    page_path TEXT,
    scenario TEXT,
    broker_allow_list TEXT[],
    rate_cents BIGINT NOT NULL,
    budget_cap_cents BIGINT NOT NULL DEFAULT 0,
    spend_cents BIGINT NOT NULL DEFAULT 0,
    start_at TIMESTAMPTZ NULL,
    end_at TIMESTAMPTZ NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    weight INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clicks (
    id TEXT PRIMARY KEY,
    campaign_id INT NOT NULL,
    broker_slug TEXT NOT NULL,
    rate_cents BIGINT NOT NULL,
    billed BOOLEAN NOT NULL,
    needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
    transaction_id UUID NULL,
    ip_hash TEXT,
    user_agent TEXT,
    session_id TEXT,
    page TEXT,
    placement TEXT,
    device_type TEXT,
    country TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_campaigns_active ON campaigns (active) WHERE active = true;
CREATE INDEX IF NOT EXISTS idx_campaigns_broker_slug ON campaigns (broker_slug);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_broker ON wallet_transactions (broker_slug, created_at);
CREATE INDEX IF NOT EXISTS idx_clicks_campaign_created ON clicks (campaign_id, created_at);
CREATE INDEX IF NOT EXISTS idx_clicks_reconciliation ON clicks (needs_reconciliation) WHERE needs_reconciliation = true;
CREATE INDEX IF NOT EXISTS idx_brokers_api_key ON brokers (api_key);
`

// InitPostgres connects to Postgres with connection pooling configuration and
// ensures the schema exists. The driver is wrapped with otelsql so queries
// show up in traces.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	zap.L().Info("Connected to Postgres")
	return &Postgres{DB: db}, nil
}

// Close shuts down the underlying connection pool.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// DebitWallet atomically subtracts amountCents from a broker's balance and
// appends the matching ledger transaction. The balance check and decrement
// are a single conditional UPDATE, so concurrent debits for the same broker
// cannot race into a negative balance or a double charge.
func (p *Postgres) DebitWallet(ctx context.Context, brokerSlug string, amountCents int64, reason, actor string) (*models.WalletTransaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amountCents)
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE wallets
            SET balance_cents = balance_cents - $1,
                lifetime_spent_cents = lifetime_spent_cents + $1,
                updated_at = now()
          WHERE broker_slug = $2 AND balance_cents >= $1`,
		amountCents, brokerSlug)
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("debit wallet rows: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing wallet from an underfunded one.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallets WHERE broker_slug = $1)`, brokerSlug).Scan(&exists); err != nil {
			return nil, fmt.Errorf("debit wallet lookup: %w", err)
		}
		if !exists {
			return nil, ErrWalletNotFound
		}
		return nil, ErrInsufficientFunds
	}

	rec := &models.WalletTransaction{
		ID:         uuid.NewString(),
		BrokerSlug: brokerSlug,
		DeltaCents: -amountCents,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_transactions (id, broker_slug, delta_cents, reason, actor, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.BrokerSlug, rec.DeltaCents, rec.Reason, rec.Actor, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("append debit transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return rec, nil
}

// AdjustWallet applies an operator-initiated delta (positive or negative) and
// appends the matching ledger transaction. Positive deltas count toward
// lifetime deposits, negative ones toward lifetime spend. A negative delta
// that would push the balance below zero is rejected with
// ErrInsufficientFunds so the ledger invariant holds even under manual
// corrections.
func (p *Postgres) AdjustWallet(ctx context.Context, brokerSlug string, deltaCents int64, reason, actor string) (*models.WalletTransaction, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin adjust tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deposited, spent int64
	if deltaCents >= 0 {
		deposited = deltaCents
	} else {
		spent = -deltaCents
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (broker_slug, balance_cents, lifetime_deposited_cents, lifetime_spent_cents, updated_at)
         VALUES ($1, $2, $3, $4, now())
         ON CONFLICT (broker_slug) DO UPDATE
            SET balance_cents = wallets.balance_cents + $2,
                lifetime_deposited_cents = wallets.lifetime_deposited_cents + $3,
                lifetime_spent_cents = wallets.lifetime_spent_cents + $4,
                updated_at = now()
          WHERE wallets.balance_cents + $2 >= 0`,
		brokerSlug, deltaCents, deposited, spent)
	if err != nil {
		return nil, fmt.Errorf("adjust wallet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("adjust wallet rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrInsufficientFunds
	}

	rec := &models.WalletTransaction{
		ID:         uuid.NewString(),
		BrokerSlug: brokerSlug,
		DeltaCents: deltaCents,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_transactions (id, broker_slug, delta_cents, reason, actor, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.BrokerSlug, rec.DeltaCents, rec.Reason, rec.Actor, rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("append adjust transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit adjust: %w", err)
	}
	return rec, nil
}

// GetWallet returns a broker's wallet or ErrWalletNotFound.
func (p *Postgres) GetWallet(ctx context.Context, brokerSlug string) (*models.Wallet, error) {
	w := &models.Wallet{BrokerSlug: brokerSlug}
	err := p.DB.QueryRowContext(ctx,
		`SELECT balance_cents, lifetime_deposited_cents, lifetime_spent_cents, updated_at
           FROM wallets WHERE broker_slug = $1`, brokerSlug).
		Scan(&w.BalanceCents, &w.LifetimeDepositedCents, &w.LifetimeSpentCents, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListWalletTransactions returns the most recent ledger entries for a broker,
// newest first.
func (p *Postgres) ListWalletTransactions(ctx context.Context, brokerSlug string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, broker_slug, delta_cents, reason, actor, created_at
           FROM wallet_transactions
          WHERE broker_slug = $1
          ORDER BY created_at DESC
          LIMIT $2`, brokerSlug, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.BrokerSlug, &t.DeltaCents, &t.Reason, &t.Actor, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertClick persists one click record. An existing unbilled row for the
// same click ID upgrades in place when the click later bills (funds arrived
// after an insufficient-funds attempt); a billed row is never overwritten.
func (p *Postgres) InsertClick(ctx context.Context, ev models.ClickEvent) error {
	var txID sql.NullString
	if ev.TransactionID != "" {
		txID = sql.NullString{String: ev.TransactionID, Valid: true}
	}
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO clicks (id, campaign_id, broker_slug, rate_cents, billed, needs_reconciliation,
                             transaction_id, ip_hash, user_agent, session_id, page, placement,
                             device_type, country, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
         ON CONFLICT (id) DO UPDATE
            SET billed = EXCLUDED.billed,
                rate_cents = EXCLUDED.rate_cents,
                needs_reconciliation = EXCLUDED.needs_reconciliation,
                transaction_id = EXCLUDED.transaction_id
          WHERE clicks.billed = FALSE`,
		ev.ID, ev.CampaignID, ev.BrokerSlug, ev.RateCents, ev.Billed, ev.NeedsReconciliation,
		txID, ev.IPHash, ev.UserAgent, ev.SessionID, ev.Page, ev.Placement,
		ev.DeviceType, ev.Country, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}

// AddCampaignSpend increments a campaign's cumulative billed spend.
func (p *Postgres) AddCampaignSpend(ctx context.Context, campaignID int, deltaCents int64) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE campaigns SET spend_cents = spend_cents + $1 WHERE id = $2`,
		deltaCents, campaignID)
	if err != nil {
		return fmt.Errorf("add campaign spend: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add campaign spend rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("add campaign spend: campaign %d not found", campaignID)
	}
	return nil
}

// PendingReconciliationCount returns the number of billed clicks whose spend
// increment has not been applied yet.
func (p *Postgres) PendingReconciliationCount(ctx context.Context) (int64, error) {
	var n int64
	err := p.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM clicks WHERE needs_reconciliation`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending reconciliation count: %w", err)
	}
	return n, nil
}

// LoadCampaigns reads the full campaign read model.
func (p *Postgres) LoadCampaigns() ([]models.Campaign, error) {
	rows, err := p.DB.Query(
		`SELECT id, broker_slug, name, placements, COALESCE(page_path, ''), COALESCE(scenario, ''),
                COALESCE(broker_allow_list, '{}'), rate_cents, budget_cap_cents, spend_cents,
                COALESCE(start_at, 'epoch'::timestamptz), COALESCE(end_at, 'epoch'::timestamptz),
                active, weight
           FROM campaigns`)
	if err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var startAt, endAt time.Time
		if err := rows.Scan(&c.ID, &c.BrokerSlug, &c.Name, pq.Array(&c.Placements), &c.PagePath,
			&c.Scenario, pq.Array(&c.BrokerAllowList), &c.RateCents, &c.BudgetCapCents,
			&c.SpendCents, &startAt, &endAt, &c.Active, &c.Weight); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		// Epoch sentinels mean an open-ended window.
		if startAt.Unix() > 0 {
			c.StartAt = startAt
		}
		if endAt.Unix() > 0 {
			c.EndAt = endAt
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadPlacements reads all placements.
func (p *Postgres) LoadPlacements() ([]models.Placement, error) {
	rows, err := p.DB.Query(`SELECT slug, name, slot_count FROM placements`)
	if err != nil {
		return nil, fmt.Errorf("load placements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Placement
	for rows.Next() {
		var pl models.Placement
		if err := rows.Scan(&pl.Slug, &pl.Name, &pl.SlotCount); err != nil {
			return nil, fmt.Errorf("scan placement: %w", err)
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

// LoadBrokers reads all brokers.
func (p *Postgres) LoadBrokers() ([]models.Broker, error) {
	rows, err := p.DB.Query(`SELECT id, slug, name, COALESCE(website, ''), api_key FROM brokers`)
	if err != nil {
		return nil, fmt.Errorf("load brokers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Broker
	for rows.Next() {
		var b models.Broker
		if err := rows.Scan(&b.ID, &b.Slug, &b.Name, &b.Website, &b.APIKey); err != nil {
			return nil, fmt.Errorf("scan broker: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CampaignClickStats is one row of the spend report: per-campaign click and
// billing totals over a reporting window.
type CampaignClickStats struct {
	CampaignID   int
	BrokerSlug   string
	Clicks       int64
	BilledClicks int64
	BilledCents  int64
}

// SpendStats aggregates click records per campaign between from and to.
func (p *Postgres) SpendStats(ctx context.Context, from, to time.Time) ([]CampaignClickStats, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT campaign_id, broker_slug,
                count(*),
                count(*) FILTER (WHERE billed),
                COALESCE(sum(rate_cents) FILTER (WHERE billed), 0)
           FROM clicks
          WHERE created_at >= $1 AND created_at < $2
          GROUP BY campaign_id, broker_slug
          ORDER BY campaign_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("spend stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CampaignClickStats
	for rows.Next() {
		var s CampaignClickStats
		if err := rows.Scan(&s.CampaignID, &s.BrokerSlug, &s.Clicks, &s.BilledClicks, &s.BilledCents); err != nil {
			return nil, fmt.Errorf("scan spend stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
