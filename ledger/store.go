/*
store.go - Persistence contract for the ledger

PURPOSE:
  Defines the interface between the reconciliation logic and the database.
  Implementations: store/sqlite, store/postgres, ledger/memstore.

KEY INTERFACES:
  Store: Reads, registry writes (accounts, efforts) and WithTx
  Tx:    The unit of work. Everything that moves money runs through it.

LOCKING CONTRACT:
  Tx.LockAccount takes an exclusive per-account lock held until the unit of
  work ends. A second unit of work locking the same account blocks until
  the first commits or rolls back; different accounts do not contend
  (backends permitting). After the lock is granted the holder sees every
  event committed before it.

CONSUME-ONCE CONTRACT:
  ApplyPayments/ApplyWithdrawals set appliedToBalanceId only on the listed
  rows and only where it is still NULL. If fewer rows match than listed,
  the implementation returns ErrConcurrencyConflict and the unit of work
  rolls back.

ERRORS:
  Missing or soft-deleted accounts: NotFoundError (ErrNotFound).
  Lock timeouts, busy databases, serialization failures: wrap
  ErrConcurrencyConflict. A second payment for the same effort:
  InvalidInputError.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithTx runs fn in one database transaction. fn returning an error, a
	// panic, or ctx ending before commit rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	CreateAccount(ctx context.Context, account Account) error
	SoftDeleteAccount(ctx context.Context, id AccountID, at time.Time) error
	SetAccountLocked(ctx context.Context, id AccountID, at *time.Time) error
	InsertEffort(ctx context.Context, effort Effort) error

	// GetAccount returns a live account with its current balance.
	GetAccount(ctx context.Context, id AccountID) (*AccountSummary, error)
	// ListAccounts returns live accounts of a user, newest first.
	ListAccounts(ctx context.Context, owner UserID) ([]AccountSummary, error)
	// CurrentBalance is the amount of the account's last balance, or zero.
	CurrentBalance(ctx context.Context, id AccountID) (decimal.Decimal, error)

	// History reads. Callers check that the account exists.
	ListBalances(ctx context.Context, id AccountID) ([]Balance, error)
	ListPayments(ctx context.Context, id AccountID) ([]Payment, error)
	ListWithdrawals(ctx context.Context, id AccountID) ([]Withdrawal, error)
	ListEfforts(ctx context.Context, id AccountID) ([]Effort, error)

	// AccountsWithPendingActivity lists live accounts that have at least one
	// unapplied payment or withdrawal.
	AccountsWithPendingActivity(ctx context.Context) ([]AccountID, error)

	Close() error
}

// =============================================================================
// TX - unit of work
// =============================================================================

type Tx interface {
	// LockAccount locks a live account and returns it with its current
	// balance amount (zero when LastBalanceID is nil).
	LockAccount(ctx context.Context, id AccountID) (*Account, decimal.Decimal, error)

	PendingPayments(ctx context.Context, id AccountID) ([]Payment, error)
	PendingWithdrawals(ctx context.Context, id AccountID) ([]Withdrawal, error)

	InsertBalance(ctx context.Context, balance Balance) error
	SetLastBalance(ctx context.Context, id AccountID, balanceID BalanceID) error
	ApplyPayments(ctx context.Context, ids []PaymentID, balanceID BalanceID) error
	ApplyWithdrawals(ctx context.Context, ids []WithdrawalID, balanceID BalanceID) error

	InsertPayment(ctx context.Context, payment Payment) error
	InsertWithdrawal(ctx context.Context, withdrawal Withdrawal) error

	// LockEffort locks an effort row for an approve/deny decision.
	LockEffort(ctx context.Context, id EffortID) (*Effort, error)
	DecideEffort(ctx context.Context, id EffortID, status EffortStatus, by UserID) error
	// OldestAccount is the user's earliest created live account.
	OldestAccount(ctx context.Context, owner UserID) (*Account, error)
}

// =============================================================================
// POST-COMMIT HOOKS
// =============================================================================

// BalanceCache is a read-through cache for getBalance. Every committed
// reconciliation overwrites the entry with Set; reads that miss only Fill
// an absent entry, so a value read before a commit never replaces the one
// written after it.
type BalanceCache interface {
	Get(ctx context.Context, id AccountID) (decimal.Decimal, bool, error)
	Fill(ctx context.Context, id AccountID, amount decimal.Decimal) error
	Set(ctx context.Context, id AccountID, amount decimal.Decimal) error
	Invalidate(ctx context.Context, id AccountID) error
}

// BalanceEvent describes one committed reconciliation.
type BalanceEvent struct {
	Balance        Balance
	PreviousAmount decimal.Decimal
	Payments       []PaymentID
	Withdrawals    []WithdrawalID
}

// Notifier publishes committed reconciliations to other systems.
type Notifier interface {
	BalanceReconciled(ctx context.Context, event BalanceEvent) error
}

type nopCache struct{}

func (nopCache) Get(context.Context, AccountID) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
func (nopCache) Fill(context.Context, AccountID, decimal.Decimal) error { return nil }
func (nopCache) Set(context.Context, AccountID, decimal.Decimal) error  { return nil }
func (nopCache) Invalidate(context.Context, AccountID) error            { return nil }

type nopNotifier struct{}

func (nopNotifier) BalanceReconciled(context.Context, BalanceEvent) error { return nil }
