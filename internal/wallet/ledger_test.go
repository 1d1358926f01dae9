package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokeratlas/marketplace/internal/observability"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewLedger(store, observability.NewNoOpRegistry(), nil), store
}

func TestDebit_Success(t *testing.T) {
	ledger, store := newTestLedger(t)
	store.Seed("alpha-markets", 1000)

	rec, err := ledger.Debit(context.Background(), "alpha-markets", 300, "click billing")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(-300), rec.DeltaCents)
	assert.Equal(t, "alpha-markets", rec.BrokerSlug)

	w, err := ledger.Balance(context.Background(), "alpha-markets")
	require.NoError(t, err)
	assert.Equal(t, int64(700), w.BalanceCents)
	assert.Equal(t, int64(300), w.LifetimeSpentCents)
}

func TestDebit_InsufficientFunds(t *testing.T) {
	ledger, store := newTestLedger(t)
	store.Seed("alpha-markets", 100)

	rec, err := ledger.Debit(context.Background(), "alpha-markets", 300, "click billing")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Nil(t, rec)

	// No mutation and no ledger entry on the failed path.
	w, err := ledger.Balance(context.Background(), "alpha-markets")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.BalanceCents)
	assert.Empty(t, store.Transactions())
}

func TestDebit_UnknownWallet(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Debit(context.Background(), "ghost", 100, "click billing")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestDebit_RejectsNonPositiveAmounts(t *testing.T) {
	ledger, store := newTestLedger(t)
	store.Seed("alpha-markets", 1000)

	_, err := ledger.Debit(context.Background(), "alpha-markets", 0, "click billing")
	assert.Error(t, err)
	_, err = ledger.Debit(context.Background(), "alpha-markets", -50, "click billing")
	assert.Error(t, err)
}

// Two concurrent debits of 300 against a 500 cent balance: exactly one
// succeeds and the final balance is 200.
func TestDebit_ConcurrentPairNoDoubleSpend(t *testing.T) {
	ledger, store := newTestLedger(t)
	store.Seed("alpha-markets", 500)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(context.Background(), "alpha-markets", 300, "click billing")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, insufficient int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case err == ErrInsufficientFunds:
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)

	w, err := ledger.Balance(context.Background(), "alpha-markets")
	require.NoError(t, err)
	assert.Equal(t, int64(200), w.BalanceCents)
}

// N concurrent debits where N*amount exceeds the balance never yield more
// than floor(balance/amount) successes, and the balance never goes negative.
func TestDebit_ConcurrentBounded(t *testing.T) {
	ledger, store := newTestLedger(t)
	const balance = 1000
	const amount = 150
	const workers = 20
	store.Seed("alpha-markets", balance)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Debit(context.Background(), "alpha-markets", amount, "click billing"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, balance/amount, successes)

	w, err := ledger.Balance(context.Background(), "alpha-markets")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w.BalanceCents, int64(0))
	assert.Equal(t, int64(balance-successes*amount), w.BalanceCents)
}

func TestAdjust_TopUpAndCorrection(t *testing.T) {
	ledger, store := newTestLedger(t)

	rec, err := ledger.Adjust(context.Background(), "alpha-markets", 5000, "initial top-up", "ops@brokeratlas")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), rec.DeltaCents)
	assert.Equal(t, "ops@brokeratlas", rec.Actor)

	_, err = ledger.Adjust(context.Background(), "alpha-markets", -1200, "billing correction", "ops@brokeratlas")
	require.NoError(t, err)

	w, err := ledger.Balance(context.Background(), "alpha-markets")
	require.NoError(t, err)
	assert.Equal(t, int64(3800), w.BalanceCents)
	assert.Len(t, store.Transactions(), 2)
}

func TestAdjust_RejectsOverdraw(t *testing.T) {
	ledger, store := newTestLedger(t)
	store.Seed("alpha-markets", 100)

	_, err := ledger.Adjust(context.Background(), "alpha-markets", -500, "correction", "ops@brokeratlas")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestAdjust_RequiresReason(t *testing.T) {
	ledger, _ := newTestLedger(t)
	_, err := ledger.Adjust(context.Background(), "alpha-markets", 100, "", "ops@brokeratlas")
	assert.Error(t, err)
}

// The ledger identity balance == deposited - spent holds after any sequence
// of adjust and debit calls.
func TestLedgerIdentity(t *testing.T) {
	ledger, store := newTestLedger(t)

	_, err := ledger.Adjust(context.Background(), "alpha-markets", 10000, "top-up", "ops@brokeratlas")
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := ledger.Debit(context.Background(), "alpha-markets", 250, "click billing")
		require.NoError(t, err)
	}
	_, err = ledger.Adjust(context.Background(), "alpha-markets", -300, "correction", "ops@brokeratlas")
	require.NoError(t, err)
	_, err = ledger.Adjust(context.Background(), "alpha-markets", 2000, "top-up", "ops@brokeratlas")
	require.NoError(t, err)

	w, err := ledger.Balance(context.Background(), "alpha-markets")
	require.NoError(t, err)
	assert.Equal(t, w.LifetimeDepositedCents-w.LifetimeSpentCents, w.BalanceCents)

	// The transaction log sums to the balance as well.
	var sum int64
	for _, tx := range store.Transactions() {
		sum += tx.DeltaCents
	}
	assert.Equal(t, w.BalanceCents, sum)
}
