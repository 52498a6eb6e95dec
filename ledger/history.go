package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT TRANSACTIONS - read-only view over events and efforts
// =============================================================================

type EntryType string

const (
	EntryPayment       EntryType = "payment"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryPendingEffort EntryType = "pending-effort"
	EntryDeniedEffort  EntryType = "denied-effort"
)

type EntryStatus string

const (
	StatusPending EntryStatus = "Pending"
	StatusDone    EntryStatus = "Done"
	StatusDenied  EntryStatus = "Denied"
)

// TransactionEntry is one row of an account's activity list. Effort rows
// carry no balance reference: they produce no money until approved.
type TransactionEntry struct {
	Type      EntryType
	ID        string
	Amount    decimal.Decimal
	Timestamp time.Time
	Status    EntryStatus
	Notes     string
	BalanceID *BalanceID
}

// AccountTransactions is listAccountTransactions: payments, withdrawals,
// pending efforts and denied efforts of one account, newest first.
// Approved efforts show up through their payment.
func (l *Ledger) AccountTransactions(ctx context.Context, id AccountID) ([]TransactionEntry, error) {
	if _, err := l.store.GetAccount(ctx, id); err != nil {
		return nil, wrapStorage("list transactions", err)
	}

	payments, err := l.store.ListPayments(ctx, id)
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}
	withdrawals, err := l.store.ListWithdrawals(ctx, id)
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}
	efforts, err := l.store.ListEfforts(ctx, id)
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}

	return mergeEntries(payments, withdrawals, efforts), nil
}

func mergeEntries(payments []Payment, withdrawals []Withdrawal, efforts []Effort) []TransactionEntry {
	entries := make([]TransactionEntry, 0, len(payments)+len(withdrawals)+len(efforts))

	for _, p := range payments {
		entries = append(entries, TransactionEntry{
			Type:      EntryPayment,
			ID:        string(p.ID),
			Amount:    p.Amount,
			Timestamp: p.CreatedOn,
			Status:    appliedStatus(p.AppliedToBalanceID),
			Notes:     p.Notes,
			BalanceID: p.AppliedToBalanceID,
		})
	}
	for _, w := range withdrawals {
		entries = append(entries, TransactionEntry{
			Type:      EntryWithdrawal,
			ID:        string(w.ID),
			Amount:    w.Amount,
			Timestamp: w.CreatedOn,
			Status:    appliedStatus(w.AppliedToBalanceID),
			Notes:     w.Notes,
			BalanceID: w.AppliedToBalanceID,
		})
	}
	for _, e := range efforts {
		entry := TransactionEntry{
			ID:        string(e.ID),
			Amount:    e.Amount,
			Timestamp: e.EffortedOn,
			Notes:     e.ChoreName,
		}
		switch e.Status() {
		case EffortPending:
			entry.Type, entry.Status = EntryPendingEffort, StatusPending
		case EffortDenied:
			entry.Type, entry.Status = EntryDeniedEffort, StatusDenied
		default:
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

func appliedStatus(applied *BalanceID) EntryStatus {
	if applied == nil {
		return StatusPending
	}
	return StatusDone
}
