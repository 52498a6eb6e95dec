/*
reconcile.go - Reconciliation engine

PURPOSE:
  Folds all pending payments and withdrawals of one account into a new
  Balance snapshot, exactly once per event.

ALGORITHM (one unit of work):
  1. Lock the account, read its current balance (0 if none)
  2. Collect pending payments
  3. Collect pending withdrawals
  4. Nothing pending -> no-op, nothing written
  5. net = current + sum(payments) - sum(withdrawals)
  6. Insert Balance{net}
  7. Point account.lastBalanceId at it
  8. Mark exactly the collected events as applied to it
  9. Commit

SNAPSHOT SEMANTICS:
  Snapshots are cumulative: each Balance carries the running total, not
  the delta of its batch.

CONCURRENCY:
  The account lock serializes reconciliations of one account. The second
  caller blocks, then finds the first caller's events already applied.
  Lock timeouts and serialization failures surface as
  ErrConcurrencyConflict and are retried with exponential backoff.

UNIT OF WORK:
  Reconcile opens its own transaction. ReconcileTx runs inside a
  transaction the caller already holds (a producer inserting an event and
  reconciling atomically).
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// RETRY POLICY
// =============================================================================

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	store    Store
	cache    BalanceCache
	notifier Notifier
	logger   zerolog.Logger
	retry    RetryPolicy
	now      func() time.Time
	newID    func() string
}

type Option func(*Reconciler)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithCache(cache BalanceCache) Option {
	return func(r *Reconciler) {
		if cache != nil {
			r.cache = cache
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.notifier = n
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Reconciler) { r.retry = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithIDGenerator overrides UUID generation, for tests.
func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

// NewReconciler builds an engine over an injected store. The store's
// lifecycle belongs to the caller.
func NewReconciler(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		cache:    nopCache{},
		notifier: nopNotifier{},
		logger:   zerolog.Nop(),
		retry:    DefaultRetryPolicy(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry.MaxAttempts < 1 {
		r.retry.MaxAttempts = 1
	}
	return r
}

// Reconcile folds the account's pending events into a new Balance. It
// returns (nil, nil) when there was nothing to reconcile.
func (r *Reconciler) Reconcile(ctx context.Context, accountID AccountID) (*Balance, error) {
	var event *BalanceEvent
	err := r.withRetry(ctx, "reconcile", func() error {
		return r.store.WithTx(ctx, func(tx Tx) error {
			var err error
			event, err = r.reconcileTx(ctx, tx, accountID)
			return err
		})
	})
	if err != nil {
		r.logger.Error().Err(err).Str("account_id", string(accountID)).Msg("reconciliation failed")
		return nil, err
	}
	if event == nil {
		r.logger.Debug().Str("account_id", string(accountID)).Msg("nothing to reconcile")
		return nil, nil
	}
	r.afterCommit(ctx, event)
	return &event.Balance, nil
}

// ReconcileTx runs steps 1-8 inside the caller's unit of work. The caller
// commits; cache invalidation and notification are the caller's concern
// once the commit succeeds.
func (r *Reconciler) ReconcileTx(ctx context.Context, tx Tx, accountID AccountID) (*Balance, error) {
	event, err := r.reconcileTx(ctx, tx, accountID)
	if err != nil || event == nil {
		return nil, err
	}
	return &event.Balance, nil
}

func (r *Reconciler) reconcileTx(ctx context.Context, tx Tx, accountID AccountID) (*BalanceEvent, error) {
	_, current, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	payments, err := tx.PendingPayments(ctx, accountID)
	if err != nil {
		return nil, err
	}
	withdrawals, err := tx.PendingWithdrawals(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 && len(withdrawals) == 0 {
		return nil, nil
	}

	net := current
	paymentIDs := make([]PaymentID, len(payments))
	for i, p := range payments {
		net = net.Add(p.Amount)
		paymentIDs[i] = p.ID
	}
	withdrawalIDs := make([]WithdrawalID, len(withdrawals))
	for i, w := range withdrawals {
		net = net.Sub(w.Amount)
		withdrawalIDs[i] = w.ID
	}

	balance := Balance{
		ID:           BalanceID(r.newID()),
		AccountID:    accountID,
		Amount:       net,
		CalculatedOn: r.now().UTC(),
	}
	if err := tx.InsertBalance(ctx, balance); err != nil {
		return nil, err
	}
	if err := tx.SetLastBalance(ctx, accountID, balance.ID); err != nil {
		return nil, err
	}
	if err := tx.ApplyPayments(ctx, paymentIDs, balance.ID); err != nil {
		return nil, err
	}
	if err := tx.ApplyWithdrawals(ctx, withdrawalIDs, balance.ID); err != nil {
		return nil, err
	}

	return &BalanceEvent{
		Balance:        balance,
		PreviousAmount: current,
		Payments:       paymentIDs,
		Withdrawals:    withdrawalIDs,
	}, nil
}

// afterCommit runs best-effort hooks. The balance is committed at this
// point, so hook failures are logged and never returned.
func (r *Reconciler) afterCommit(ctx context.Context, event *BalanceEvent) {
	b := event.Balance
	r.logger.Info().
		Str("account_id", string(b.AccountID)).
		Str("balance_id", string(b.ID)).
		Str("amount", b.Amount.StringFixed(2)).
		Str("previous", event.PreviousAmount.StringFixed(2)).
		Int("payments", len(event.Payments)).
		Int("withdrawals", len(event.Withdrawals)).
		Msg("balance reconciled")

	if err := r.cache.Set(ctx, b.AccountID, b.Amount); err != nil {
		r.logger.Warn().Err(err).Str("account_id", string(b.AccountID)).Msg("balance cache write failed")
		if err := r.cache.Invalidate(ctx, b.AccountID); err != nil {
			r.logger.Warn().Err(err).Str("account_id", string(b.AccountID)).Msg("balance cache invalidation failed")
		}
	}
	if err := r.notifier.BalanceReconciled(ctx, *event); err != nil {
		r.logger.Warn().Err(err).Str("balance_id", string(b.ID)).Msg("balance event publish failed")
	}
}

// withRetry reruns fn while it fails with a retryable error, up to
// MaxAttempts. Non-retryable errors are classified and returned at once.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := r.retry.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt >= r.retry.MaxAttempts {
			return wrapStorage(op, err)
		}

		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying after conflict")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if r.retry.MaxBackoff > 0 && backoff > r.retry.MaxBackoff {
			backoff = r.retry.MaxBackoff
		}
	}
}
