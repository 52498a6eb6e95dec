package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/homepayday/payday/ledger"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{
	"id", "name", "owned_by_user_id", "created_on", "deleted_on", "locked_on", "last_balance_id", "amount",
}

var paymentCols = []string{
	"id", "effort_id", "payed_to_account_id", "payed_by_user_id", "amount", "notes", "created_on", "applied_to_balance_id",
}

var withdrawalCols = []string{
	"id", "account_id", "logged_by", "amount", "notes", "created_on", "applied_to_balance_id",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func fixedIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

var created = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: "5432", User: "payday", Password: "secret", Name: "ledger", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=payday password=secret dbname=ledger sslmode=disable", cfg.DSN())
}

func TestMigrate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewWithDB(db, 0).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_CommitFlow(t *testing.T) {
	// GIVEN: An account at 0 with one pending payment of 5.00
	// WHEN: The ledger reconciles it through the postgres store
	// THEN: The account row is locked, a balance inserted, the pointer moved,
	//       the payment applied and the transaction committed

	db, mock := newMock(t)
	l := ledger.New(NewWithDB(db, 0),
		ledger.WithIDGenerator(fixedIDs("bal-1")),
		ledger.WithClock(func() time.Time { return created }),
	)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts a LEFT JOIN balances b ON b.id = a.last_balance_id WHERE a.id = \$1 AND a.deleted_on IS NULL FOR UPDATE OF a`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct-1", "Savings", "kid-1", created, nil, nil, nil, "0"))
	mock.ExpectQuery(`FROM payments WHERE payed_to_account_id = \$1 AND applied_to_balance_id IS NULL`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay-1", nil, "acct-1", "parent-1", "5.00", nil, created, nil))
	mock.ExpectQuery(`FROM withdrawals WHERE account_id = \$1 AND applied_to_balance_id IS NULL`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(withdrawalCols))
	mock.ExpectExec(`INSERT INTO balances`).
		WithArgs("bal-1", "acct-1", "5", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts SET last_balance_id = \$1 WHERE id = \$2`).
		WithArgs("bal-1", "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE payments SET applied_to_balance_id = \$1 WHERE id = ANY\(\$2\) AND applied_to_balance_id IS NULL`).
		WithArgs("bal-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	balance, err := l.Reconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, ledger.BalanceID("bal-1"), balance.ID)
	assert.Equal(t, "5.00", balance.Amount.StringFixed(2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_NothingPendingCommitsWithoutWrites(t *testing.T) {
	db, mock := newMock(t)
	l := ledger.New(NewWithDB(db, 0))

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF a`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct-1", "Savings", "kid-1", created, nil, nil, "bal-0", "7.25"))
	mock.ExpectQuery(`FROM payments`).WithArgs("acct-1").WillReturnRows(sqlmock.NewRows(paymentCols))
	mock.ExpectQuery(`FROM withdrawals`).WithArgs("acct-1").WillReturnRows(sqlmock.NewRows(withdrawalCols))
	mock.ExpectCommit()

	balance, err := l.Reconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Nil(t, balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_ApplyMismatchRollsBack(t *testing.T) {
	// GIVEN: A payment another writer applied between read and update
	// WHEN: The apply step touches fewer rows than collected
	// THEN: The transaction rolls back with a concurrency conflict

	db, mock := newMock(t)
	l := ledger.New(NewWithDB(db, 0),
		ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 1}),
		ledger.WithIDGenerator(fixedIDs("bal-1")),
	)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF a`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct-1", "Savings", "kid-1", created, nil, nil, nil, "0"))
	mock.ExpectQuery(`FROM payments`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow("pay-1", nil, "acct-1", "parent-1", "5.00", nil, created, nil).
			AddRow("pay-2", nil, "acct-1", "parent-1", "1.00", "pocket money", created, nil))
	mock.ExpectQuery(`FROM withdrawals`).WithArgs("acct-1").WillReturnRows(sqlmock.NewRows(withdrawalCols))
	mock.ExpectExec(`INSERT INTO balances`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts SET last_balance_id`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE payments SET applied_to_balance_id`).
		WithArgs("bal-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := l.Reconcile(context.Background(), "acct-1")
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcile_MissingAccountRollsBack(t *testing.T) {
	db, mock := newMock(t)
	l := ledger.New(NewWithDB(db, 0))

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF a`).WithArgs("missing").WillReturnRows(sqlmock.NewRows(accountCols))
	mock.ExpectRollback()

	_, err := l.Reconcile(context.Background(), "missing")
	assert.True(t, ledger.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_SetsLockTimeout(t *testing.T) {
	db, mock := newMock(t)
	store := NewWithDB(db, 2*time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '2000ms'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ledger.Tx) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_LockTimeoutBecomesConflict(t *testing.T) {
	// GIVEN: Another transaction holds the account row past lock_timeout
	// WHEN: LockAccount fails with 55P03
	// THEN: The error is a retryable concurrency conflict

	db, mock := newMock(t)
	store := NewWithDB(db, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF a`).
		WithArgs("acct-1").
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		_, _, err := tx.LockAccount(context.Background(), "acct-1")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPayment_DuplicateEffort(t *testing.T) {
	db, mock := newMock(t)
	store := NewWithDB(db, 0)
	effortID := ledger.EffortID("effort-1")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_payments_effort"})
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertPayment(context.Background(), ledger.Payment{
			ID: "pay-1", EffortID: &effortID, PayedToAccountID: "acct-1", PayedByUserID: "parent-1",
			Amount: decimalOf(t, "2.00"), CreatedOn: created,
		})
	})
	var invalid *ledger.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "effort_id", invalid.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
		storage  bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true, false},
		{"deadlock", &pq.Error{Code: "40P01"}, true, false},
		{"lock not available", &pq.Error{Code: "55P03"}, true, false},
		{"unique violation", &pq.Error{Code: "23505"}, false, true},
		{"connection", errors.New("connection refused"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("op", tt.err)
			assert.Equal(t, tt.conflict, errors.Is(err, ledger.ErrConcurrencyConflict))
			assert.Equal(t, tt.storage, errors.Is(err, ledger.ErrStorage))
		})
	}

	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
}

func TestGetAccount(t *testing.T) {
	db, mock := newMock(t)
	store := NewWithDB(db, 0)
	cols := append(append([]string{}, accountCols...), "pending")

	mock.ExpectQuery(`FROM accounts a LEFT JOIN balances b`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("acct-1", "Savings", "kid-1", created, nil, created, "bal-3", "12.50", true))

	summary, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acct-1"), summary.ID)
	assert.Equal(t, "12.50", summary.Balance.StringFixed(2))
	assert.True(t, summary.HasPendingActivity)
	assert.True(t, summary.IsLocked())
	require.NotNil(t, summary.LastBalanceID)
	assert.Equal(t, ledger.BalanceID("bal-3"), *summary.LastBalanceID)

	mock.ExpectQuery(`FROM accounts a LEFT JOIN balances b`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = store.GetAccount(context.Background(), "gone")
	assert.True(t, ledger.IsNotFound(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteAccount_NotFound(t *testing.T) {
	db, mock := newMock(t)
	store := NewWithDB(db, 0)

	mock.ExpectExec(`UPDATE accounts SET deleted_on`).
		WithArgs(sqlmock.AnyArg(), "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SoftDeleteAccount(context.Background(), "acct-1", created)
	assert.True(t, ledger.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
