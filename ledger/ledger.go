/*
ledger.go - Service API over the store and the reconciliation engine

PURPOSE:
  The in-process API the HTTP layer calls. Groups:
  - Accounts:  create, read, list, soft delete, freeze/unfreeze
  - Producers: RecordPayment, RecordWithdrawal (event + reconcile, atomic)
  - Efforts:   LogEffort, ApproveEffort, DenyEffort
  - Reads:     Balance, Balances, AccountTransactions

PRODUCERS:
  Inserting an event and reconciling its account is one unit of work. If
  the reconciliation fails the event is rolled back with it and the caller
  gets the error. Events left pending by other writers are folded in by
  the next reconciliation of the account, or by ReconcilePending.
*/
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Ledger embeds the Reconciler, so Reconcile is part of its API.
type Ledger struct {
	*Reconciler
}

func New(store Store, opts ...Option) *Ledger {
	return &Ledger{Reconciler: NewReconciler(store, opts...)}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (l *Ledger) CreateAccount(ctx context.Context, name string, owner UserID) (*Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &InvalidInputError{Field: "name", Reason: "is required"}
	}
	if owner == "" {
		return nil, &InvalidInputError{Field: "owned_by_user_id", Reason: "is required"}
	}

	account := Account{
		ID:            AccountID(l.newID()),
		Name:          name,
		OwnedByUserID: owner,
		CreatedOn:     l.now().UTC(),
	}
	if err := l.store.CreateAccount(ctx, account); err != nil {
		return nil, wrapStorage("create account", err)
	}
	return &account, nil
}

func (l *Ledger) GetAccount(ctx context.Context, id AccountID) (*AccountSummary, error) {
	summary, err := l.store.GetAccount(ctx, id)
	return summary, wrapStorage("get account", err)
}

func (l *Ledger) ListAccounts(ctx context.Context, owner UserID) ([]AccountSummary, error) {
	accounts, err := l.store.ListAccounts(ctx, owner)
	return accounts, wrapStorage("list accounts", err)
}

// DeleteAccount soft-deletes; payment history keeps referencing the row.
func (l *Ledger) DeleteAccount(ctx context.Context, id AccountID) error {
	if err := l.store.SoftDeleteAccount(ctx, id, l.now().UTC()); err != nil {
		return wrapStorage("delete account", err)
	}
	if err := l.cache.Invalidate(ctx, id); err != nil {
		l.logger.Warn().Err(err).Str("account_id", string(id)).Msg("balance cache invalidation failed")
	}
	return nil
}

// FreezeAccount sets lockedOn. A frozen account accepts no new payments or
// withdrawals; events already recorded are still reconciled.
func (l *Ledger) FreezeAccount(ctx context.Context, id AccountID) error {
	now := l.now().UTC()
	return wrapStorage("freeze account", l.store.SetAccountLocked(ctx, id, &now))
}

func (l *Ledger) UnfreezeAccount(ctx context.Context, id AccountID) error {
	return wrapStorage("unfreeze account", l.store.SetAccountLocked(ctx, id, nil))
}

// =============================================================================
// PRODUCERS
// =============================================================================

// RecordPayment inserts a pending payment and reconciles its account in
// the same unit of work. The returned payment is already applied.
func (l *Ledger) RecordPayment(ctx context.Context, in NewPayment) (*Payment, *Balance, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, nil, err
	}
	if in.AccountID == "" {
		return nil, nil, &InvalidInputError{Field: "account_id", Reason: "is required"}
	}
	if in.PayerID == "" {
		return nil, nil, &InvalidInputError{Field: "payed_by_user_id", Reason: "is required"}
	}

	var (
		payment Payment
		event   *BalanceEvent
	)
	err := l.withRetry(ctx, "record payment", func() error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			if in.EffortID != nil {
				effort, err := tx.LockEffort(ctx, *in.EffortID)
				if err != nil {
					return err
				}
				if err := checkEffortPayment(effort, in); err != nil {
					return err
				}
			}
			if err := lockLiveAccount(ctx, tx, in.AccountID); err != nil {
				return err
			}
			if in.EffortID != nil {
				if err := tx.DecideEffort(ctx, *in.EffortID, EffortApproved, in.PayerID); err != nil {
					return err
				}
			}

			payment = Payment{
				ID:               PaymentID(l.newID()),
				EffortID:         in.EffortID,
				PayedToAccountID: in.AccountID,
				PayedByUserID:    in.PayerID,
				Amount:           in.Amount,
				Notes:            in.Notes,
				CreatedOn:        l.now().UTC(),
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}

			var err error
			event, err = l.reconcileTx(ctx, tx, in.AccountID)
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}

	l.afterCommit(ctx, event)
	payment.AppliedToBalanceID = &event.Balance.ID
	return &payment, &event.Balance, nil
}

// checkEffortPayment admits a payment for an effort only while the effort
// is pending, into its own account and for its full amount. Recording the
// payment approves the effort.
func checkEffortPayment(effort *Effort, in NewPayment) error {
	if s := effort.Status(); s != EffortPending {
		return &InvalidInputError{Field: "effort_id", Reason: "effort already " + string(s)}
	}
	if effort.AccountID != nil && *effort.AccountID != in.AccountID {
		return &InvalidInputError{Field: "effort_id", Reason: "effort belongs to another account"}
	}
	if !effort.Amount.Equal(in.Amount) {
		return &InvalidInputError{Field: "amount", Reason: "must equal the effort amount " + effort.Amount.String()}
	}
	return nil
}

// RecordWithdrawal inserts a pending withdrawal and reconciles its
// account in the same unit of work. Balances may go negative; the original
// system never refused a withdrawal on balance grounds.
func (l *Ledger) RecordWithdrawal(ctx context.Context, in NewWithdrawal) (*Withdrawal, *Balance, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, nil, err
	}
	if in.AccountID == "" {
		return nil, nil, &InvalidInputError{Field: "account_id", Reason: "is required"}
	}
	if in.LoggedBy == "" {
		return nil, nil, &InvalidInputError{Field: "logged_by", Reason: "is required"}
	}

	var (
		withdrawal Withdrawal
		event      *BalanceEvent
	)
	err := l.withRetry(ctx, "record withdrawal", func() error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			if err := lockLiveAccount(ctx, tx, in.AccountID); err != nil {
				return err
			}

			withdrawal = Withdrawal{
				ID:        WithdrawalID(l.newID()),
				AccountID: in.AccountID,
				LoggedBy:  in.LoggedBy,
				Amount:    in.Amount,
				Notes:     in.Notes,
				CreatedOn: l.now().UTC(),
			}
			if err := tx.InsertWithdrawal(ctx, withdrawal); err != nil {
				return err
			}

			var err error
			event, err = l.reconcileTx(ctx, tx, in.AccountID)
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}

	l.afterCommit(ctx, event)
	withdrawal.AppliedToBalanceID = &event.Balance.ID
	return &withdrawal, &event.Balance, nil
}

func lockLiveAccount(ctx context.Context, tx Tx, id AccountID) error {
	account, _, err := tx.LockAccount(ctx, id)
	if err != nil {
		return err
	}
	if account.IsLocked() {
		return &InvalidInputError{Field: "account_id", Reason: "account is frozen"}
	}
	return nil
}

// =============================================================================
// EFFORTS
// =============================================================================

// LogEffort records a chore completion awaiting approval. It does not
// touch balances.
func (l *Ledger) LogEffort(ctx context.Context, in NewEffort) (*Effort, error) {
	if in.LoggedBy == "" {
		return nil, &InvalidInputError{Field: "logged_by_user_id", Reason: "is required"}
	}
	if strings.TrimSpace(in.ChoreName) == "" {
		return nil, &InvalidInputError{Field: "chore_name", Reason: "is required"}
	}
	if in.Completion < 0 || in.Completion > 100 {
		return nil, &InvalidInputError{Field: "completion", Reason: "must be between 0 and 100"}
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if in.AccountID != nil {
		account, err := l.store.GetAccount(ctx, *in.AccountID)
		if err != nil {
			return nil, wrapStorage("log effort", err)
		}
		if account.OwnedByUserID != in.LoggedBy {
			return nil, &InvalidInputError{Field: "account_id", Reason: "account belongs to another user"}
		}
	}

	now := l.now().UTC()
	effortedOn := in.EffortedOn
	if effortedOn.IsZero() {
		effortedOn = now
	}
	effort := Effort{
		ID:             EffortID(l.newID()),
		AccountID:      in.AccountID,
		LoggedByUserID: in.LoggedBy,
		ChoreName:      strings.TrimSpace(in.ChoreName),
		Amount:         in.Amount,
		Completion:     in.Completion,
		Notes:          in.Notes,
		EffortedOn:     effortedOn.UTC(),
		CreatedOn:      now,
	}
	if err := l.store.InsertEffort(ctx, effort); err != nil {
		return nil, wrapStorage("log effort", err)
	}
	return &effort, nil
}

// ApproveEffort is the onEffortApproved entry point: it marks the effort
// approved, creates its single payment and reconciles, atomically. An
// effort logged without an account pays into the user's oldest account.
func (l *Ledger) ApproveEffort(ctx context.Context, id EffortID, approver UserID) (*Payment, *Balance, error) {
	if approver == "" {
		return nil, nil, &InvalidInputError{Field: "approved_by_user_id", Reason: "is required"}
	}

	var (
		payment Payment
		event   *BalanceEvent
	)
	err := l.withRetry(ctx, "approve effort", func() error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			effort, err := tx.LockEffort(ctx, id)
			if err != nil {
				return err
			}
			if s := effort.Status(); s != EffortPending {
				return &InvalidInputError{Field: "effort", Reason: "already " + string(s)}
			}

			var accountID AccountID
			if effort.AccountID != nil {
				accountID = *effort.AccountID
			} else {
				oldest, err := tx.OldestAccount(ctx, effort.LoggedByUserID)
				if err != nil {
					return err
				}
				accountID = oldest.ID
			}
			if err := lockLiveAccount(ctx, tx, accountID); err != nil {
				return err
			}

			payment = Payment{
				ID:               PaymentID(l.newID()),
				EffortID:         &effort.ID,
				PayedToAccountID: accountID,
				PayedByUserID:    approver,
				Amount:           effort.Amount,
				Notes:            effort.ChoreName,
				CreatedOn:        l.now().UTC(),
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
			if err := tx.DecideEffort(ctx, id, EffortApproved, approver); err != nil {
				return err
			}

			event, err = l.reconcileTx(ctx, tx, accountID)
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}

	l.afterCommit(ctx, event)
	payment.AppliedToBalanceID = &event.Balance.ID
	return &payment, &event.Balance, nil
}

// DenyEffort marks a pending effort denied. Denied efforts never produce
// money.
func (l *Ledger) DenyEffort(ctx context.Context, id EffortID, denier UserID) error {
	if denier == "" {
		return &InvalidInputError{Field: "denied_by_user_id", Reason: "is required"}
	}
	return l.withRetry(ctx, "deny effort", func() error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			effort, err := tx.LockEffort(ctx, id)
			if err != nil {
				return err
			}
			if s := effort.Status(); s != EffortPending {
				return &InvalidInputError{Field: "effort", Reason: "already " + string(s)}
			}
			return tx.DecideEffort(ctx, id, EffortDenied, denier)
		})
	})
}

// =============================================================================
// READS
// =============================================================================

// Balance is getBalance: the amount of the account's latest snapshot, or
// zero. It takes no locks and may trail an in-flight reconciliation.
func (l *Ledger) Balance(ctx context.Context, id AccountID) (decimal.Decimal, error) {
	if amount, ok, err := l.cache.Get(ctx, id); err != nil {
		l.logger.Warn().Err(err).Str("account_id", string(id)).Msg("balance cache read failed")
	} else if ok {
		return amount, nil
	}

	amount, err := l.store.CurrentBalance(ctx, id)
	if err != nil {
		return decimal.Zero, wrapStorage("get balance", err)
	}
	if err := l.cache.Fill(ctx, id, amount); err != nil {
		l.logger.Warn().Err(err).Str("account_id", string(id)).Msg("balance cache write failed")
	}
	return amount, nil
}

// Balances returns the account's snapshot history, newest first.
func (l *Ledger) Balances(ctx context.Context, id AccountID) ([]Balance, error) {
	if _, err := l.store.GetAccount(ctx, id); err != nil {
		return nil, wrapStorage("list balances", err)
	}
	balances, err := l.store.ListBalances(ctx, id)
	return balances, wrapStorage("list balances", err)
}

// ReconcilePending reconciles every account that has unapplied events and
// reports how many produced a new balance. One account failing does not
// stop the others; all failures are joined into the returned error.
func (l *Ledger) ReconcilePending(ctx context.Context) (int, error) {
	ids, err := l.store.AccountsWithPendingActivity(ctx)
	if err != nil {
		return 0, wrapStorage("list pending accounts", err)
	}

	var (
		reconciled int
		errs       []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		b, err := l.Reconcile(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if b != nil {
			reconciled++
		}
	}
	return reconciled, errors.Join(errs...)
}
