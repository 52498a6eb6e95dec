package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/homepayday/payday/ledger"
	"github.com/homepayday/payday/ledger/memstore"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestReconcile_PaymentFromZero(t *testing.T) {
	// GIVEN: A fresh account at balance 0 with one pending payment of 25.00
	// WHEN: The account is reconciled
	// THEN: Balance is 25.00 and the payment points at the new snapshot

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		paymentID := insertPendingPayment(t, store, account, "25.00")

		balance, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		require.NotNil(t, balance)
		assertMoney(t, "25.00", balance.Amount)

		current, err := l.Balance(ctx, account)
		require.NoError(t, err)
		assertMoney(t, "25.00", current)

		p := paymentsByID(t, store, account)[paymentID]
		require.NotNil(t, p.AppliedToBalanceID)
		assert.Equal(t, balance.ID, *p.AppliedToBalanceID)
	})
}

func TestReconcile_WithdrawalReducesBalance(t *testing.T) {
	// GIVEN: An account at 25.00
	// WHEN: A withdrawal of 10.00 is recorded and reconciled
	// THEN: Balance is 15.00

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		insertPendingPayment(t, store, account, "25.00")
		_, err := l.Reconcile(ctx, account)
		require.NoError(t, err)

		insertPendingWithdrawal(t, store, account, "10.00")
		balance, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		require.NotNil(t, balance)
		assertMoney(t, "15.00", balance.Amount)
	})
}

func TestReconcile_BatchesPendingPaymentsIntoOneSnapshot(t *testing.T) {
	// GIVEN: Two payments (5.00 and 7.50) recorded before any reconciliation
	// WHEN: Reconcile runs once
	// THEN: Balance is 12.50 and both payments share the same snapshot

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		p1 := insertPendingPayment(t, store, account, "5.00")
		p2 := insertPendingPayment(t, store, account, "7.50")

		balance, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		require.NotNil(t, balance)
		assertMoney(t, "12.50", balance.Amount)

		payments := paymentsByID(t, store, account)
		require.NotNil(t, payments[p1].AppliedToBalanceID)
		require.NotNil(t, payments[p2].AppliedToBalanceID)
		assert.Equal(t, balance.ID, *payments[p1].AppliedToBalanceID)
		assert.Equal(t, *payments[p1].AppliedToBalanceID, *payments[p2].AppliedToBalanceID)
	})
}

func TestReconcile_NothingPendingIsNoOp(t *testing.T) {
	// GIVEN: An account whose events are all applied
	// WHEN: Reconcile runs again
	// THEN: No balance row is written and lastBalanceId is unchanged

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		insertPendingPayment(t, store, account, "3.00")
		first, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		assert.Nil(t, second, "second call should be a no-op")

		balances, err := store.ListBalances(ctx, account)
		require.NoError(t, err)
		assert.Len(t, balances, 1)

		summary, err := store.GetAccount(ctx, account)
		require.NoError(t, err)
		require.NotNil(t, summary.LastBalanceID)
		assert.Equal(t, first.ID, *summary.LastBalanceID)
	})
}

func TestReconcile_FreshAccountNoOp(t *testing.T) {
	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		balance, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		assert.Nil(t, balance)

		summary, err := store.GetAccount(ctx, account)
		require.NoError(t, err)
		assert.Nil(t, summary.LastBalanceID)
		assert.True(t, summary.Balance.IsZero())
	})
}

func TestReconcile_UnknownAccount(t *testing.T) {
	// GIVEN: No account with the requested id
	// WHEN: Reconcile is called
	// THEN: NotFoundError, nothing written

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)

		balance, err := l.Reconcile(ctx, "no-such-account")
		assert.Nil(t, balance)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ledger.ErrNotFound))

		var nf *ledger.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "account", nf.Kind)

		balances, err := store.ListBalances(ctx, "no-such-account")
		require.NoError(t, err)
		assert.Empty(t, balances)
	})
}

func TestReconcile_SoftDeletedAccountIsNotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")
		insertPendingPayment(t, store, account, "1.00")

		require.NoError(t, l.DeleteAccount(ctx, account))

		_, err := l.Reconcile(ctx, account)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

// =============================================================================
// SNAPSHOT SEMANTICS
// =============================================================================

func TestReconcile_SnapshotsAreCumulative(t *testing.T) {
	// GIVEN: A first reconciliation at 10.00
	// WHEN: A second batch of 2.50 is reconciled
	// THEN: The second snapshot carries the running total 12.50, not the delta

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		insertPendingPayment(t, store, account, "10.00")
		first, err := l.Reconcile(ctx, account)
		require.NoError(t, err)

		insertPendingPayment(t, store, account, "2.50")
		second, err := l.Reconcile(ctx, account)
		require.NoError(t, err)

		assertMoney(t, "10.00", first.Amount)
		assertMoney(t, "12.50", second.Amount, "snapshot must include the previous snapshot")

		balances, err := l.Balances(ctx, account)
		require.NoError(t, err)
		require.Len(t, balances, 2)
		assert.Equal(t, second.ID, balances[0].ID, "newest first")
	})
}

func TestReconcile_DecimalIsExact(t *testing.T) {
	// 0.1 added 30 times is exactly 3 in decimal, not in binary floating point
	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		for i := 0; i < 30; i++ {
			insertPendingPayment(t, store, account, "0.10")
			_, err := l.Reconcile(ctx, account)
			require.NoError(t, err)
		}

		current, err := l.Balance(ctx, account)
		require.NoError(t, err)
		assertMoney(t, "3.00", current)
	})
}

func TestReconcile_BalanceMayGoNegative(t *testing.T) {
	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		insertPendingWithdrawal(t, store, account, "4.00")
		balance, err := l.Reconcile(ctx, account)
		require.NoError(t, err)
		assertMoney(t, "-4.00", balance.Amount)
	})
}

// =============================================================================
// CONSERVATION & EXACTLY-ONCE
// =============================================================================

func TestReconcile_ConservationUnderRandomBatching(t *testing.T) {
	// GIVEN: A random sequence of payments and withdrawals
	// WHEN: Reconciliations are interleaved at random points
	// THEN: The final balance is sum(payments) - sum(withdrawals)

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")
		rng := rand.New(rand.NewSource(42))

		expected := decimal.Zero
		for i := 0; i < 60; i++ {
			amount := decimal.New(int64(rng.Intn(10000)+1), -2)
			if rng.Intn(3) == 0 {
				insertPendingWithdrawal(t, store, account, amount.String())
				expected = expected.Sub(amount)
			} else {
				insertPendingPayment(t, store, account, amount.String())
				expected = expected.Add(amount)
			}
			if rng.Intn(4) == 0 {
				_, err := l.Reconcile(ctx, account)
				require.NoError(t, err)
			}
		}
		_, err := l.Reconcile(ctx, account)
		require.NoError(t, err)

		current, err := l.Balance(ctx, account)
		require.NoError(t, err)
		assertMoney(t, expected.String(), current)
	})
}

func TestReconcile_AppliedEventsNeverMove(t *testing.T) {
	// GIVEN: Events applied by a first reconciliation
	// WHEN: More events arrive and the account is reconciled again
	// THEN: The earlier events keep their snapshot; only new ones point at the new one

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		early := insertPendingPayment(t, store, account, "1.00")
		earlyW := insertPendingWithdrawal(t, store, account, "0.25")
		first, err := l.Reconcile(ctx, account)
		require.NoError(t, err)

		late := insertPendingPayment(t, store, account, "2.00")
		second, err := l.Reconcile(ctx, account)
		require.NoError(t, err)

		payments := paymentsByID(t, store, account)
		withdrawals := withdrawalsByID(t, store, account)
		assert.Equal(t, first.ID, *payments[early].AppliedToBalanceID)
		assert.Equal(t, first.ID, *withdrawals[earlyW].AppliedToBalanceID)
		assert.Equal(t, second.ID, *payments[late].AppliedToBalanceID)

		// every event counted in exactly one delta
		balances, err := l.Balances(ctx, account)
		require.NoError(t, err)
		require.Len(t, balances, 2)
		assertMoney(t, "0.75", balances[1].Amount)
		assertMoney(t, "2.75", balances[0].Amount)
	})
}

func TestReconcile_OtherAccountsUntouched(t *testing.T) {
	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		a := createAccount(t, l, "kid-1")
		b := createAccount(t, l, "kid-2")

		insertPendingPayment(t, store, a, "5.00")
		pb := insertPendingPayment(t, store, b, "9.00")

		_, err := l.Reconcile(ctx, a)
		require.NoError(t, err)

		assert.Nil(t, paymentsByID(t, store, b)[pb].AppliedToBalanceID)
		current, err := l.Balance(ctx, b)
		require.NoError(t, err)
		assert.True(t, current.IsZero())
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestReconcile_ConcurrentWritersSameAccount(t *testing.T) {
	// GIVEN: 12 writers, each recording its own event on one account
	// WHEN: All record and reconcile concurrently
	// THEN: The final balance is the signed sum and every event is applied once

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store, ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts:    10,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
		}))
		account := createAccount(t, l, "kid-1")

		const writers = 12
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				amount := decimal.New(int64(i+1)*100, -2)
				if i%3 == 0 {
					_, _, err := l.RecordWithdrawal(ctx, ledger.NewWithdrawal{
						AccountID: account, LoggedBy: "parent-1", Amount: amount,
					})
					errs <- err
					return
				}
				_, _, err := l.RecordPayment(ctx, ledger.NewPayment{
					AccountID: account, PayerID: "parent-1", Amount: amount,
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		expected := decimal.Zero
		for i := 0; i < writers; i++ {
			amount := decimal.New(int64(i+1)*100, -2)
			if i%3 == 0 {
				expected = expected.Sub(amount)
			} else {
				expected = expected.Add(amount)
			}
		}

		current, err := l.Balance(ctx, account)
		require.NoError(t, err)
		assertMoney(t, expected.String(), current)

		balances, err := l.Balances(ctx, account)
		require.NoError(t, err)
		applied := make(map[ledger.BalanceID]bool)
		for _, b := range balances {
			applied[b.ID] = true
		}
		for _, p := range paymentsByID(t, store, account) {
			require.NotNil(t, p.AppliedToBalanceID)
			assert.True(t, applied[*p.AppliedToBalanceID])
		}
		for _, w := range withdrawalsByID(t, store, account) {
			require.NotNil(t, w.AppliedToBalanceID)
			assert.True(t, applied[*w.AppliedToBalanceID])
		}
	})
}

func TestReconcile_ConcurrentReconcilesOfPendingEvents(t *testing.T) {
	// GIVEN: 20 pending events and 10 goroutines reconciling the same account
	// THEN: Exactly one reconciliation produces a snapshot; the rest are no-ops

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")
		for i := 0; i < 20; i++ {
			insertPendingPayment(t, store, account, "1.00")
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			produced int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b, err := l.Reconcile(ctx, account)
				assert.NoError(t, err)
				if b != nil {
					mu.Lock()
					produced++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, produced)
		current, err := l.Balance(ctx, account)
		require.NoError(t, err)
		assertMoney(t, "20.00", current)
	})
}

// =============================================================================
// FAILURE & RETRY
// =============================================================================

func TestReconcile_ApplyFailureRollsBack(t *testing.T) {
	// GIVEN: A store whose apply step fails
	// WHEN: Reconcile runs
	// THEN: No balance row, lastBalanceId unchanged, the event still pending

	ctx := context.Background()
	store := memstore.New()
	l := ledger.New(store)
	account := createAccount(t, l, "kid-1")
	paymentID := insertPendingPayment(t, store, account, "8.00")

	store.FailApply = errors.New("disk full")
	_, err := l.Reconcile(ctx, account)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorage)

	balances, err := store.ListBalances(ctx, account)
	require.NoError(t, err)
	assert.Empty(t, balances)

	summary, err := store.GetAccount(ctx, account)
	require.NoError(t, err)
	assert.Nil(t, summary.LastBalanceID)
	assert.True(t, summary.HasPendingActivity)
	assert.Nil(t, paymentsByID(t, store, account)[paymentID].AppliedToBalanceID)

	// self-healing: the next reconciliation picks it up
	balance, err := l.Reconcile(ctx, account)
	require.NoError(t, err)
	assertMoney(t, "8.00", balance.Amount)
}

func TestReconcile_RetriesConflicts(t *testing.T) {
	// GIVEN: A store that conflicts twice, then succeeds
	// WHEN: Reconcile runs with 3 attempts
	// THEN: It succeeds on the third attempt

	ctx := context.Background()
	inner := memstore.New()
	store := &conflictStore{Store: inner, failures: 2, failWith: ledger.ErrConcurrencyConflict}
	l := ledger.New(store, ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	}))
	account := createAccount(t, l, "kid-1")
	insertPendingPayment(t, inner, account, "4.00")

	balance, err := l.Reconcile(ctx, account)
	require.NoError(t, err)
	assertMoney(t, "4.00", balance.Amount)
	assert.Equal(t, 3, store.attempts)
}

func TestReconcile_ConflictsExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	store := &conflictStore{
		Store:    inner,
		failures: 100,
		failWith: fmt.Errorf("lock timeout: %w", ledger.ErrConcurrencyConflict),
	}
	l := ledger.New(store, ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	}))
	account := createAccount(t, l, "kid-1")

	_, err := l.Reconcile(ctx, account)
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 3, store.attempts)
}

func TestReconcile_StorageErrorsNotRetried(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	store := &conflictStore{Store: inner, failures: 100, failWith: errors.New("connection reset")}
	l := ledger.New(store)
	account := createAccount(t, l, "kid-1")

	_, err := l.Reconcile(ctx, account)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorage)
	assert.Equal(t, 1, store.attempts)
}

func TestReconcile_CancelledContextDuringBackoff(t *testing.T) {
	inner := memstore.New()
	store := &conflictStore{Store: inner, failures: 100, failWith: ledger.ErrConcurrencyConflict}
	l := ledger.New(store, ledger.WithRetryPolicy(ledger.RetryPolicy{
		MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour,
	}))
	account := createAccount(t, l, "kid-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Reconcile(ctx, account)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, store.attempts)
}

// =============================================================================
// UNIT OF WORK COMPOSITION
// =============================================================================

func TestReconcileTx_JoinsCallerTransaction(t *testing.T) {
	// GIVEN: A caller that inserts a payment and reconciles in its own unit of work
	// WHEN: The caller then fails
	// THEN: Both the payment and the snapshot are rolled back

	eachBackend(t, func(t *testing.T, store ledger.Store) {
		ctx := context.Background()
		l := ledger.New(store)
		account := createAccount(t, l, "kid-1")

		boom := errors.New("caller aborted")
		err := store.WithTx(ctx, func(tx ledger.Tx) error {
			if err := tx.InsertPayment(ctx, ledger.Payment{
				ID: "pay-outer", PayedToAccountID: account, PayedByUserID: "parent-1",
				Amount: money("6.00"), CreatedOn: time.Now().UTC(),
			}); err != nil {
				return err
			}
			b, err := l.ReconcileTx(ctx, tx, account)
			if err != nil {
				return err
			}
			assertMoney(t, "6.00", b.Amount)
			return boom
		})
		require.ErrorIs(t, err, boom)

		payments, err := store.ListPayments(ctx, account)
		require.NoError(t, err)
		assert.Empty(t, payments)
		balances, err := store.ListBalances(ctx, account)
		require.NoError(t, err)
		assert.Empty(t, balances)
	})
}

// =============================================================================
// POST-COMMIT HOOKS
// =============================================================================

func TestReconcile_WritesCacheAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	cache := newFakeCache()
	notifier := &fakeNotifier{}
	l := ledger.New(store, ledger.WithCache(cache), ledger.WithNotifier(notifier))
	account := createAccount(t, l, "kid-1")

	insertPendingPayment(t, store, account, "2.00")
	p2 := insertPendingPayment(t, store, account, "3.00")
	balance, err := l.Reconcile(ctx, account)
	require.NoError(t, err)

	assertMoney(t, "5.00", cache.values[account])
	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, balance.ID, event.Balance.ID)
	assert.True(t, event.PreviousAmount.IsZero())
	assert.Len(t, event.Payments, 2)
	assert.Contains(t, event.Payments, p2)
	assert.Empty(t, event.Withdrawals)
}

func TestReconcile_CacheWriteFailureInvalidates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	cache := newFakeCache()
	cache.setErr = errors.New("redis down")
	l := ledger.New(store, ledger.WithCache(cache), ledger.WithLogger(zerolog.Nop()))
	account := createAccount(t, l, "kid-1")
	cache.values[account] = money("0")
	insertPendingPayment(t, store, account, "2.00")

	_, err := l.Reconcile(ctx, account)
	require.NoError(t, err)
	assert.Contains(t, cache.invalidated, account)
	_, cached := cache.values[account]
	assert.False(t, cached)
}

func TestReconcile_NotifierFailureDoesNotFailReconcile(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	notifier := &fakeNotifier{err: errors.New("broker down")}
	l := ledger.New(store, ledger.WithNotifier(notifier))
	account := createAccount(t, l, "kid-1")
	insertPendingPayment(t, store, account, "2.00")

	balance, err := l.Reconcile(ctx, account)
	require.NoError(t, err)
	assertMoney(t, "2.00", balance.Amount)
}

func TestReconcile_NoOpSkipsHooks(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	l := ledger.New(memstore.New(), ledger.WithNotifier(notifier))
	account := createAccount(t, l, "kid-1")

	_, err := l.Reconcile(ctx, account)
	require.NoError(t, err)
	assert.Empty(t, notifier.events)
}
