/*
Package ledger tracks per-account money balances derived from payments
and withdrawals.

PURPOSE:
  Children earn money by completing chores (efforts). An approved effort
  produces a Payment; an adult can record a Withdrawal. Neither event
  changes a balance directly. Instead the Reconciler folds every pending
  event of an account into a new immutable Balance snapshot and points the
  account at it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account:    A named money bucket owned by one user
  - Payment:    Credit event, optionally tied to an effort
  - Withdrawal: Debit event logged by an adult
  - Balance:    Immutable snapshot of the running total
  - Effort:     Chore completion awaiting approval (collaborator record)

MONEY:
  All amounts are decimal.Decimal. Repeated reconciliations must conserve
  money exactly, which binary floats cannot guarantee.

PENDING vs APPLIED:
  An event with AppliedToBalanceID == nil is pending. Reconciliation sets
  the field exactly once; nothing ever clears or changes it afterwards.

SEE ALSO:
  - reconcile.go: The reconciliation engine
  - store.go:     Persistence contract
  - ledger.go:    Service API used by the HTTP layer
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type UserID string
type PaymentID string
type WithdrawalID string
type BalanceID string
type EffortID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a named monetary bucket. LastBalanceID points at the most
// recent Balance snapshot; nil means no balance was ever computed (zero).
type Account struct {
	ID            AccountID
	Name          string
	OwnedByUserID UserID
	CreatedOn     time.Time
	DeletedOn     *time.Time
	LockedOn      *time.Time
	LastBalanceID *BalanceID
}

func (a Account) IsDeleted() bool { return a.DeletedOn != nil }
func (a Account) IsLocked() bool  { return a.LockedOn != nil }

// AccountSummary is an account joined with its current balance.
type AccountSummary struct {
	Account
	Balance            decimal.Decimal
	HasPendingActivity bool
}

// =============================================================================
// EVENTS - append-only, consumed once by a Balance
// =============================================================================

type Payment struct {
	ID                 PaymentID
	EffortID           *EffortID // nil for free-form admin credits
	PayedToAccountID   AccountID
	PayedByUserID      UserID
	Amount             decimal.Decimal
	Notes              string
	CreatedOn          time.Time
	AppliedToBalanceID *BalanceID
}

func (p Payment) IsPending() bool { return p.AppliedToBalanceID == nil }

type Withdrawal struct {
	ID                 WithdrawalID
	AccountID          AccountID
	LoggedBy           UserID
	Amount             decimal.Decimal
	Notes              string
	CreatedOn          time.Time
	AppliedToBalanceID *BalanceID
}

func (w Withdrawal) IsPending() bool { return w.AppliedToBalanceID == nil }

// NewPayment is the producer input for RecordPayment.
type NewPayment struct {
	EffortID  *EffortID
	AccountID AccountID
	PayerID   UserID
	Amount    decimal.Decimal
	Notes     string
}

// NewWithdrawal is the producer input for RecordWithdrawal.
type NewWithdrawal struct {
	AccountID AccountID
	LoggedBy  UserID
	Amount    decimal.Decimal
	Notes     string
}

// =============================================================================
// BALANCE SNAPSHOT
// =============================================================================

// Balance is immutable once written. Amount is the running total for the
// account: previous balance + pending payments - pending withdrawals.
type Balance struct {
	ID           BalanceID
	AccountID    AccountID
	Amount       decimal.Decimal
	CalculatedOn time.Time
}

// =============================================================================
// EFFORT - chore completion (owned by the chores collaborator)
// =============================================================================

type EffortStatus string

const (
	EffortPending  EffortStatus = "pending"
	EffortApproved EffortStatus = "approved"
	EffortDenied   EffortStatus = "denied"
)

// Effort is a logged chore completion. Amount is what the chore rate says
// the effort is worth; it becomes the Payment amount on approval.
type Effort struct {
	ID               EffortID
	AccountID        *AccountID
	LoggedByUserID   UserID
	ChoreName        string
	Amount           decimal.Decimal
	Completion       int
	Notes            string
	EffortedOn       time.Time
	ApprovedByUserID *UserID
	DeniedByUserID   *UserID
	CreatedOn        time.Time
}

func (e Effort) Status() EffortStatus {
	switch {
	case e.ApprovedByUserID != nil:
		return EffortApproved
	case e.DeniedByUserID != nil:
		return EffortDenied
	default:
		return EffortPending
	}
}

// NewEffort is the input for LogEffort.
type NewEffort struct {
	AccountID  *AccountID
	LoggedBy   UserID
	ChoreName  string
	Amount     decimal.Decimal
	Completion int
	Notes      string
	EffortedOn time.Time
}

// =============================================================================
// AMOUNTS
// =============================================================================

// ParseAmount parses producer input into a strictly positive decimal.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &InvalidInputError{Field: "amount", Reason: "must be numeric"}
	}
	if err := validateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func validateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return &InvalidInputError{Field: "amount", Reason: "must be greater than zero"}
	}
	if !d.Equal(d.Truncate(2)) {
		return &InvalidInputError{Field: "amount", Reason: "must not have more than two decimal places"}
	}
	return nil
}
