// Package wallet implements the prepaid-balance ledger used to bill
// campaign clicks. All amounts are integer cents. Every mutation appends an
// immutable transaction record; balances can never go negative because the
// balance check and decrement are a single conditional update in the store.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
)

// Business outcomes of ledger operations.
var (
	// ErrInsufficientFunds is the expected outcome of a debit attempt
	// against an underfunded wallet. It is terminal; callers must not retry.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrWalletNotFound is returned when the broker has no wallet row.
	ErrWalletNotFound = errors.New("wallet not found")
)

// Store is the persistence contract the ledger runs on. The Postgres
// implementation expresses Debit as a single conditional UPDATE; the
// in-memory implementation serializes per call with a mutex. Both reject
// debits that would take a balance negative.
type Store interface {
	DebitWallet(ctx context.Context, brokerSlug string, amountCents int64, reason, actor string) (*models.WalletTransaction, error)
	AdjustWallet(ctx context.Context, brokerSlug string, deltaCents int64, reason, actor string) (*models.WalletTransaction, error)
	GetWallet(ctx context.Context, brokerSlug string) (*models.Wallet, error)
}

// Ledger is the wallet service.
type Ledger struct {
	store   Store
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(store Store, metrics observability.MetricsRegistry, logger *zap.Logger) *Ledger {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, metrics: metrics, logger: logger}
}

// Debit charges amountCents against the broker's wallet. On success it
// returns the appended ledger transaction. ErrInsufficientFunds means the
// balance was too low and nothing was mutated.
func (l *Ledger) Debit(ctx context.Context, brokerSlug string, amountCents int64, reason string) (*models.WalletTransaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amountCents)
	}
	rec, err := l.store.DebitWallet(ctx, brokerSlug, amountCents, reason, "system")
	if err != nil {
		switch {
		case errors.Is(err, db.ErrInsufficientFunds):
			return nil, ErrInsufficientFunds
		case errors.Is(err, db.ErrWalletNotFound):
			return nil, ErrWalletNotFound
		default:
			return nil, fmt.Errorf("wallet debit: %w", err)
		}
	}
	l.publishBalance(ctx, brokerSlug)
	return rec, nil
}

// Adjust applies an operator delta (top-up or correction) and returns the
// appended transaction. Deltas may be positive or negative; a negative delta
// that would overdraw the wallet is rejected with ErrInsufficientFunds.
func (l *Ledger) Adjust(ctx context.Context, brokerSlug string, deltaCents int64, reason, actor string) (*models.WalletTransaction, error) {
	if deltaCents == 0 {
		return nil, fmt.Errorf("adjust delta must be non-zero")
	}
	if reason == "" {
		return nil, fmt.Errorf("adjust reason is required")
	}
	rec, err := l.store.AdjustWallet(ctx, brokerSlug, deltaCents, reason, actor)
	if err != nil {
		if errors.Is(err, db.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("wallet adjust: %w", err)
	}
	l.logger.Info("wallet adjusted",
		zap.String("broker", brokerSlug),
		zap.Int64("delta_cents", deltaCents),
		zap.String("actor", actor),
		zap.String("reason", reason))
	l.publishBalance(ctx, brokerSlug)
	return rec, nil
}

// Balance returns the broker's wallet state.
func (l *Ledger) Balance(ctx context.Context, brokerSlug string) (*models.Wallet, error) {
	w, err := l.store.GetWallet(ctx, brokerSlug)
	if err != nil {
		if errors.Is(err, db.ErrWalletNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("wallet balance: %w", err)
	}
	return w, nil
}

func (l *Ledger) publishBalance(ctx context.Context, brokerSlug string) {
	w, err := l.store.GetWallet(ctx, brokerSlug)
	if err != nil {
		return
	}
	l.metrics.SetWalletBalance(brokerSlug, w.BalanceCents)
}
