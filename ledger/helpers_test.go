package ledger_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/homepayday/payday/ledger"
	"github.com/homepayday/payday/ledger/memstore"
	"github.com/homepayday/payday/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type backend struct {
	name string
	open func(t *testing.T) ledger.Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(t *testing.T) ledger.Store {
			return memstore.New()
		}},
		{name: "sqlite", open: func(t *testing.T) ledger.Store {
			store, err := sqlite.New(filepath.Join(t.TempDir(), "payday.db"))
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		}},
	}
}

// eachBackend runs fn once per store implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, store ledger.Store)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

// stepClock returns strictly increasing times one second apart.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.True(t, money(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func createAccount(t *testing.T, l *ledger.Ledger, owner ledger.UserID) ledger.AccountID {
	t.Helper()
	a, err := l.CreateAccount(context.Background(), "Savings", owner)
	require.NoError(t, err)
	return a.ID
}

// insertPendingPayment records a payment without reconciling, the way a
// producer that has not yet called the engine leaves it.
func insertPendingPayment(t *testing.T, store ledger.Store, account ledger.AccountID, amount string) ledger.PaymentID {
	t.Helper()
	id := ledger.PaymentID(uuid.NewString())
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertPayment(context.Background(), ledger.Payment{
			ID:               id,
			PayedToAccountID: account,
			PayedByUserID:    "parent-1",
			Amount:           money(amount),
			CreatedOn:        time.Now().UTC(),
		})
	})
	require.NoError(t, err)
	return id
}

func insertPendingWithdrawal(t *testing.T, store ledger.Store, account ledger.AccountID, amount string) ledger.WithdrawalID {
	t.Helper()
	id := ledger.WithdrawalID(uuid.NewString())
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertWithdrawal(context.Background(), ledger.Withdrawal{
			ID:        id,
			AccountID: account,
			LoggedBy:  "parent-1",
			Amount:    money(amount),
			CreatedOn: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
	return id
}

func paymentsByID(t *testing.T, store ledger.Store, account ledger.AccountID) map[ledger.PaymentID]ledger.Payment {
	t.Helper()
	payments, err := store.ListPayments(context.Background(), account)
	require.NoError(t, err)
	out := make(map[ledger.PaymentID]ledger.Payment, len(payments))
	for _, p := range payments {
		out[p.ID] = p
	}
	return out
}

func withdrawalsByID(t *testing.T, store ledger.Store, account ledger.AccountID) map[ledger.WithdrawalID]ledger.Withdrawal {
	t.Helper()
	withdrawals, err := store.ListWithdrawals(context.Background(), account)
	require.NoError(t, err)
	out := make(map[ledger.WithdrawalID]ledger.Withdrawal, len(withdrawals))
	for _, w := range withdrawals {
		out[w.ID] = w
	}
	return out
}

// =============================================================================
// FAKES
// =============================================================================

// conflictStore fails the first n units of work with a concurrency conflict.
type conflictStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
	attempts int
	failWith error
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return s.failWith
	}
	return s.Store.WithTx(ctx, fn)
}

type fakeCache struct {
	mu          sync.Mutex
	values      map[ledger.AccountID]decimal.Decimal
	invalidated []ledger.AccountID
	getErr      error
	setErr      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[ledger.AccountID]decimal.Decimal)}
}

func (c *fakeCache) Get(_ context.Context, id ledger.AccountID) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return decimal.Zero, false, c.getErr
	}
	v, ok := c.values[id]
	return v, ok, nil
}

func (c *fakeCache) Fill(_ context.Context, id ledger.AccountID, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[id]; !ok {
		c.values[id] = amount
	}
	return nil
}

func (c *fakeCache) Set(_ context.Context, id ledger.AccountID, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.values[id] = amount
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id ledger.AccountID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []ledger.BalanceEvent
	err    error
}

func (n *fakeNotifier) BalanceReconciled(_ context.Context, e ledger.BalanceEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}
