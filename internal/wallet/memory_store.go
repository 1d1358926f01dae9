package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local development.
// A single mutex stands in for the storage layer's conditional update: the
// balance check and decrement happen under one critical section, so it gives
// the same at-most-once guarantees as the Postgres implementation.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]*models.Wallet
	transactions []models.WalletTransaction
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*models.Wallet)}
}

// Seed creates or replaces a wallet with the given balance, recording it as a
// lifetime deposit so the ledger identity holds.
func (m *MemoryStore) Seed(brokerSlug string, balanceCents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[brokerSlug] = &models.Wallet{
		BrokerSlug:             brokerSlug,
		BalanceCents:           balanceCents,
		LifetimeDepositedCents: balanceCents,
		UpdatedAt:              time.Now().UTC(),
	}
}

// DebitWallet implements Store.
func (m *MemoryStore) DebitWallet(ctx context.Context, brokerSlug string, amountCents int64, reason, actor string) (*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[brokerSlug]
	if !ok {
		return nil, db.ErrWalletNotFound
	}
	if w.BalanceCents < amountCents {
		return nil, db.ErrInsufficientFunds
	}
	w.BalanceCents -= amountCents
	w.LifetimeSpentCents += amountCents
	w.UpdatedAt = time.Now().UTC()

	rec := models.WalletTransaction{
		ID:         uuid.NewString(),
		BrokerSlug: brokerSlug,
		DeltaCents: -amountCents,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  w.UpdatedAt,
	}
	m.transactions = append(m.transactions, rec)
	return &rec, nil
}

// AdjustWallet implements Store.
func (m *MemoryStore) AdjustWallet(ctx context.Context, brokerSlug string, deltaCents int64, reason, actor string) (*models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[brokerSlug]
	if !ok {
		w = &models.Wallet{BrokerSlug: brokerSlug}
		m.wallets[brokerSlug] = w
	}
	if w.BalanceCents+deltaCents < 0 {
		return nil, db.ErrInsufficientFunds
	}
	w.BalanceCents += deltaCents
	if deltaCents >= 0 {
		w.LifetimeDepositedCents += deltaCents
	} else {
		w.LifetimeSpentCents += -deltaCents
	}
	w.UpdatedAt = time.Now().UTC()

	rec := models.WalletTransaction{
		ID:         uuid.NewString(),
		BrokerSlug: brokerSlug,
		DeltaCents: deltaCents,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  w.UpdatedAt,
	}
	m.transactions = append(m.transactions, rec)
	return &rec, nil
}

// GetWallet implements Store.
func (m *MemoryStore) GetWallet(ctx context.Context, brokerSlug string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[brokerSlug]
	if !ok {
		return nil, db.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// Transactions returns a copy of the append-only ledger.
func (m *MemoryStore) Transactions() []models.WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WalletTransaction, len(m.transactions))
	copy(out, m.transactions)
	return out
}
