// Package memstore provides an in-memory ledger.Store for tests and dev.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/homepayday/payday/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps everything in maps guarded by one RWMutex. A unit of work
// holds the write lock for its whole duration, which serializes all
// transactions (not only those of one account) and rolls back by
// restoring a snapshot taken at begin.
type Memory struct {
	mu          sync.RWMutex
	accounts    map[ledger.AccountID]ledger.Account
	balances    map[ledger.BalanceID]ledger.Balance
	balanceSeq  []ledger.BalanceID
	payments    []ledger.Payment
	withdrawals []ledger.Withdrawal
	efforts     map[ledger.EffortID]ledger.Effort
	effortSeq   []ledger.EffortID

	// FailApply, when set, is returned by the next ApplyPayments call.
	// Tests use it to force a rollback after the balance insert.
	FailApply error
}

func New() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		balances: make(map[ledger.BalanceID]ledger.Balance),
		efforts:  make(map[ledger.EffortID]ledger.Effort),
	}
}

func (m *Memory) Close() error { return nil }

// WithTx runs fn under the store lock. On error the pre-transaction
// snapshot is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	defer func() {
		if p := recover(); p != nil {
			m.restore(snap)
			panic(p)
		}
		if err != nil {
			m.restore(snap)
		}
	}()

	if err := fn(&txView{m: m}); err != nil {
		return err
	}
	// A cancelled caller must not observe a commit.
	return ctx.Err()
}

type memorySnapshot struct {
	accounts    map[ledger.AccountID]ledger.Account
	balances    map[ledger.BalanceID]ledger.Balance
	balanceSeq  []ledger.BalanceID
	payments    []ledger.Payment
	withdrawals []ledger.Withdrawal
	efforts     map[ledger.EffortID]ledger.Effort
	effortSeq   []ledger.EffortID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:    make(map[ledger.AccountID]ledger.Account, len(m.accounts)),
		balances:    make(map[ledger.BalanceID]ledger.Balance, len(m.balances)),
		balanceSeq:  append([]ledger.BalanceID{}, m.balanceSeq...),
		payments:    append([]ledger.Payment{}, m.payments...),
		withdrawals: append([]ledger.Withdrawal{}, m.withdrawals...),
		efforts:     make(map[ledger.EffortID]ledger.Effort, len(m.efforts)),
		effortSeq:   append([]ledger.EffortID{}, m.effortSeq...),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.efforts {
		s.efforts[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.balances = s.balances
	m.balanceSeq = s.balanceSeq
	m.payments = s.payments
	m.withdrawals = s.withdrawals
	m.efforts = s.efforts
	m.effortSeq = s.effortSeq
}

// =============================================================================
// REGISTRY WRITES
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) SoftDeleteAccount(_ context.Context, id ledger.AccountID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.liveAccountLocked(id)
	if !ok {
		return ledger.AccountNotFound(id)
	}
	a.DeletedOn = &at
	m.accounts[id] = a
	return nil
}

func (m *Memory) SetAccountLocked(_ context.Context, id ledger.AccountID, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.liveAccountLocked(id)
	if !ok {
		return ledger.AccountNotFound(id)
	}
	a.LockedOn = at
	m.accounts[id] = a
	return nil
}

func (m *Memory) InsertEffort(_ context.Context, e ledger.Effort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.efforts[e.ID] = e
	m.effortSeq = append(m.effortSeq, e.ID)
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.AccountSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.liveAccountLocked(id)
	if !ok {
		return nil, ledger.AccountNotFound(id)
	}
	s := m.summaryLocked(a)
	return &s, nil
}

func (m *Memory) ListAccounts(_ context.Context, owner ledger.UserID) ([]ledger.AccountSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.AccountSummary
	for _, a := range m.accounts {
		if a.OwnedByUserID == owner && !a.IsDeleted() {
			result = append(result, m.summaryLocked(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedOn.Equal(result[j].CreatedOn) {
			return result[i].CreatedOn.After(result[j].CreatedOn)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) CurrentBalance(_ context.Context, id ledger.AccountID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.liveAccountLocked(id)
	if !ok {
		return decimal.Zero, ledger.AccountNotFound(id)
	}
	return m.currentAmountLocked(a), nil
}

func (m *Memory) ListBalances(_ context.Context, id ledger.AccountID) ([]ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Balance
	for i := len(m.balanceSeq) - 1; i >= 0; i-- {
		if b := m.balances[m.balanceSeq[i]]; b.AccountID == id {
			result = append(result, b)
		}
	}
	return result, nil
}

func (m *Memory) ListPayments(_ context.Context, id ledger.AccountID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Payment
	for _, p := range m.payments {
		if p.PayedToAccountID == id {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *Memory) ListWithdrawals(_ context.Context, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Withdrawal
	for _, w := range m.withdrawals {
		if w.AccountID == id {
			result = append(result, w)
		}
	}
	return result, nil
}

func (m *Memory) ListEfforts(_ context.Context, id ledger.AccountID) ([]ledger.Effort, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Effort
	for _, eid := range m.effortSeq {
		e := m.efforts[eid]
		if e.AccountID != nil && *e.AccountID == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) AccountsWithPendingActivity(_ context.Context) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.AccountID
	for id, a := range m.accounts {
		if !a.IsDeleted() && m.hasPendingLocked(id) {
			result = append(result, id)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// =============================================================================
// HELPERS (caller holds m.mu)
// =============================================================================

func (m *Memory) liveAccountLocked(id ledger.AccountID) (ledger.Account, bool) {
	a, ok := m.accounts[id]
	if !ok || a.IsDeleted() {
		return ledger.Account{}, false
	}
	return a, true
}

func (m *Memory) currentAmountLocked(a ledger.Account) decimal.Decimal {
	if a.LastBalanceID == nil {
		return decimal.Zero
	}
	return m.balances[*a.LastBalanceID].Amount
}

func (m *Memory) hasPendingLocked(id ledger.AccountID) bool {
	for _, p := range m.payments {
		if p.PayedToAccountID == id && p.IsPending() {
			return true
		}
	}
	for _, w := range m.withdrawals {
		if w.AccountID == id && w.IsPending() {
			return true
		}
	}
	return false
}

func (m *Memory) summaryLocked(a ledger.Account) ledger.AccountSummary {
	return ledger.AccountSummary{
		Account:            a,
		Balance:            m.currentAmountLocked(a),
		HasPendingActivity: m.hasPendingLocked(a.ID),
	}
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView operates on the parent's maps directly; WithTx already holds the
// write lock.
type txView struct {
	m *Memory
}

func (tv *txView) LockAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, decimal.Decimal, error) {
	a, ok := tv.m.liveAccountLocked(id)
	if !ok {
		return nil, decimal.Zero, ledger.AccountNotFound(id)
	}
	return &a, tv.m.currentAmountLocked(a), nil
}

func (tv *txView) PendingPayments(_ context.Context, id ledger.AccountID) ([]ledger.Payment, error) {
	var result []ledger.Payment
	for _, p := range tv.m.payments {
		if p.PayedToAccountID == id && p.IsPending() {
			result = append(result, p)
		}
	}
	return result, nil
}

func (tv *txView) PendingWithdrawals(_ context.Context, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	var result []ledger.Withdrawal
	for _, w := range tv.m.withdrawals {
		if w.AccountID == id && w.IsPending() {
			result = append(result, w)
		}
	}
	return result, nil
}

func (tv *txView) InsertBalance(_ context.Context, b ledger.Balance) error {
	tv.m.balances[b.ID] = b
	tv.m.balanceSeq = append(tv.m.balanceSeq, b.ID)
	return nil
}

func (tv *txView) SetLastBalance(_ context.Context, id ledger.AccountID, balanceID ledger.BalanceID) error {
	a, ok := tv.m.accounts[id]
	if !ok {
		return ledger.AccountNotFound(id)
	}
	a.LastBalanceID = &balanceID
	tv.m.accounts[id] = a
	return nil
}

func (tv *txView) ApplyPayments(_ context.Context, ids []ledger.PaymentID, balanceID ledger.BalanceID) error {
	if err := tv.m.FailApply; err != nil {
		tv.m.FailApply = nil
		return err
	}

	want := make(map[ledger.PaymentID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	applied := 0
	for i := range tv.m.payments {
		p := &tv.m.payments[i]
		if want[p.ID] && p.IsPending() {
			bid := balanceID
			p.AppliedToBalanceID = &bid
			applied++
		}
	}
	if applied != len(ids) {
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

func (tv *txView) ApplyWithdrawals(_ context.Context, ids []ledger.WithdrawalID, balanceID ledger.BalanceID) error {
	want := make(map[ledger.WithdrawalID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	applied := 0
	for i := range tv.m.withdrawals {
		w := &tv.m.withdrawals[i]
		if want[w.ID] && w.IsPending() {
			bid := balanceID
			w.AppliedToBalanceID = &bid
			applied++
		}
	}
	if applied != len(ids) {
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

func (tv *txView) InsertPayment(_ context.Context, p ledger.Payment) error {
	if p.EffortID != nil {
		for _, existing := range tv.m.payments {
			if existing.EffortID != nil && *existing.EffortID == *p.EffortID {
				return &ledger.InvalidInputError{Field: "effort_id", Reason: "effort already paid"}
			}
		}
	}
	tv.m.payments = append(tv.m.payments, p)
	return nil
}

func (tv *txView) InsertWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	tv.m.withdrawals = append(tv.m.withdrawals, w)
	return nil
}

func (tv *txView) LockEffort(_ context.Context, id ledger.EffortID) (*ledger.Effort, error) {
	e, ok := tv.m.efforts[id]
	if !ok {
		return nil, ledger.EffortNotFound(id)
	}
	return &e, nil
}

func (tv *txView) DecideEffort(_ context.Context, id ledger.EffortID, status ledger.EffortStatus, by ledger.UserID) error {
	e, ok := tv.m.efforts[id]
	if !ok {
		return ledger.EffortNotFound(id)
	}
	switch status {
	case ledger.EffortApproved:
		e.ApprovedByUserID = &by
	case ledger.EffortDenied:
		e.DeniedByUserID = &by
	}
	tv.m.efforts[id] = e
	return nil
}

func (tv *txView) OldestAccount(_ context.Context, owner ledger.UserID) (*ledger.Account, error) {
	var oldest *ledger.Account
	for _, a := range tv.m.accounts {
		if a.OwnedByUserID != owner || a.IsDeleted() {
			continue
		}
		if oldest == nil || a.CreatedOn.Before(oldest.CreatedOn) ||
			(a.CreatedOn.Equal(oldest.CreatedOn) && a.ID < oldest.ID) {
			a := a
			oldest = &a
		}
	}
	if oldest == nil {
		return nil, &ledger.NotFoundError{Kind: "account", ID: "oldest of user " + string(owner)}
	}
	return oldest, nil
}
