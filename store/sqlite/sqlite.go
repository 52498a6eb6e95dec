/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Single-file persistence for development and small installs. The same
  schema runs on PostgreSQL (store/postgres) with dialect changes only.

KEY TABLES:
  accounts:    Money containers, soft-deleted via deleted_on
  balances:    Immutable cumulative snapshots
  payments:    Money in; applied_to_balance_id NULL while pending
  withdrawals: Money out; same pending marker
  efforts:     Chore completions awaiting approval

INDEXES:
  - idx_payments_pending / idx_withdrawals_pending: partial indexes over
    unapplied rows (the reconciliation hot path)
  - idx_payments_effort: unique, one payment per approved effort
  - idx_balances_account: snapshot history per account

CONCURRENCY:
  Transactions begin with BEGIN IMMEDIATE (_txlock=immediate), which takes
  the database write lock up front. The pool is capped at one connection,
  so units of work are fully serialized and LockAccount needs no row lock.
  SQLITE_BUSY / SQLITE_LOCKED surface as ledger.ErrConcurrencyConflict.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/payday.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/memstore: In-memory implementation for testing
  - store/postgres: Production backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/homepayday/payday/ledger"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and migrates it.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owned_by_user_id TEXT NOT NULL,
		created_on TEXT NOT NULL,
		deleted_on TEXT,
		locked_on TEXT,
		last_balance_id TEXT REFERENCES balances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_owner
		ON accounts(owned_by_user_id, created_on);

	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		calculated_on TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_account
		ON balances(account_id, calculated_on);

	CREATE TABLE IF NOT EXISTS efforts (
		id TEXT PRIMARY KEY,
		account_id TEXT REFERENCES accounts(id),
		logged_by_user_id TEXT NOT NULL,
		chore_name TEXT NOT NULL,
		amount TEXT NOT NULL,
		completion INTEGER NOT NULL DEFAULT 100,
		notes TEXT,
		efforted_on TEXT NOT NULL,
		approved_by_user_id TEXT,
		denied_by_user_id TEXT,
		created_on TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_efforts_account
		ON efforts(account_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		effort_id TEXT REFERENCES efforts(id),
		payed_to_account_id TEXT NOT NULL REFERENCES accounts(id),
		payed_by_user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		notes TEXT,
		created_on TEXT NOT NULL,
		applied_to_balance_id TEXT REFERENCES balances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_account
		ON payments(payed_to_account_id);
	CREATE INDEX IF NOT EXISTS idx_payments_pending
		ON payments(payed_to_account_id) WHERE applied_to_balance_id IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_effort
		ON payments(effort_id) WHERE effort_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		logged_by TEXT NOT NULL,
		amount TEXT NOT NULL,
		notes TEXT,
		created_on TEXT NOT NULL,
		applied_to_balance_id TEXT REFERENCES balances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_account
		ON withdrawals(account_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_pending
		ON withdrawals(account_id) WHERE applied_to_balance_id IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return classify("commit", sqlTx.Commit())
}

type txStore struct {
	tx *sql.Tx
}

// LockAccount reads the account under the write lock BEGIN IMMEDIATE
// already holds.
func (ts *txStore) LockAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, decimal.Decimal, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`, COALESCE(b.amount, '0')
		FROM accounts a
		LEFT JOIN balances b ON b.id = a.last_balance_id
		WHERE a.id = ? AND a.deleted_on IS NULL
	`, id)

	var amount decimal.Decimal
	account, err := scanAccount(row, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, decimal.Zero, ledger.AccountNotFound(id)
	}
	if err != nil {
		return nil, decimal.Zero, classify("lock account", err)
	}
	return &account, amount, nil
}

func (ts *txStore) PendingPayments(ctx context.Context, id ledger.AccountID) ([]ledger.Payment, error) {
	return queryPayments(ctx, ts.tx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payed_to_account_id = ? AND applied_to_balance_id IS NULL
		ORDER BY created_on, id
	`, id)
}

func (ts *txStore) PendingWithdrawals(ctx context.Context, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	return queryWithdrawals(ctx, ts.tx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE account_id = ? AND applied_to_balance_id IS NULL
		ORDER BY created_on, id
	`, id)
}

func (ts *txStore) InsertBalance(ctx context.Context, b ledger.Balance) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO balances (id, account_id, amount, calculated_on)
		VALUES (?, ?, ?, ?)
	`, b.ID, b.AccountID, b.Amount.String(), formatTime(b.CalculatedOn))
	return classify("insert balance", err)
}

func (ts *txStore) SetLastBalance(ctx context.Context, id ledger.AccountID, balanceID ledger.BalanceID) error {
	res, err := ts.tx.ExecContext(ctx, `UPDATE accounts SET last_balance_id = ? WHERE id = ?`, balanceID, id)
	if err != nil {
		return classify("set last balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.AccountNotFound(id)
	}
	return nil
}

func (ts *txStore) ApplyPayments(ctx context.Context, ids []ledger.PaymentID, balanceID ledger.BalanceID) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return applyTo(ctx, ts.tx, "payments", balanceID, args)
}

func (ts *txStore) ApplyWithdrawals(ctx context.Context, ids []ledger.WithdrawalID, balanceID ledger.BalanceID) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return applyTo(ctx, ts.tx, "withdrawals", balanceID, args)
}

// applyTo marks exactly the listed rows as applied. Rows already applied by
// someone else do not match and turn into a conflict.
func applyTo(ctx context.Context, q querier, table string, balanceID ledger.BalanceID, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`
		UPDATE %s SET applied_to_balance_id = ?
		WHERE id IN (%s) AND applied_to_balance_id IS NULL
	`, table, placeholders)

	res, err := q.ExecContext(ctx, query, append([]any{balanceID}, ids...)...)
	if err != nil {
		return classify("apply "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("apply "+table, err)
	}
	if int(n) != len(ids) {
		return fmt.Errorf("apply %s: %d of %d rows still pending: %w", table, n, len(ids), ledger.ErrConcurrencyConflict)
	}
	return nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payments
		(id, effort_id, payed_to_account_id, payed_by_user_id, amount, notes, created_on, applied_to_balance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		nullID(p.EffortID),
		p.PayedToAccountID,
		p.PayedByUserID,
		p.Amount.String(),
		nullString(p.Notes),
		formatTime(p.CreatedOn),
		nullID(p.AppliedToBalanceID),
	)
	if isEffortPaidError(err) {
		return &ledger.InvalidInputError{Field: "effort_id", Reason: "effort already paid"}
	}
	return classify("insert payment", err)
}

func (ts *txStore) InsertWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO withdrawals
		(id, account_id, logged_by, amount, notes, created_on, applied_to_balance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID,
		w.AccountID,
		w.LoggedBy,
		w.Amount.String(),
		nullString(w.Notes),
		formatTime(w.CreatedOn),
		nullID(w.AppliedToBalanceID),
	)
	return classify("insert withdrawal", err)
}

func (ts *txStore) LockEffort(ctx context.Context, id ledger.EffortID) (*ledger.Effort, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+effortColumns+` FROM efforts WHERE id = ?`, id)
	e, err := scanEffort(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.EffortNotFound(id)
	}
	if err != nil {
		return nil, classify("lock effort", err)
	}
	return &e, nil
}

func (ts *txStore) DecideEffort(ctx context.Context, id ledger.EffortID, status ledger.EffortStatus, by ledger.UserID) error {
	column := "approved_by_user_id"
	if status == ledger.EffortDenied {
		column = "denied_by_user_id"
	}
	res, err := ts.tx.ExecContext(ctx, `UPDATE efforts SET `+column+` = ? WHERE id = ?`, by, id)
	if err != nil {
		return classify("decide effort", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.EffortNotFound(id)
	}
	return nil
}

func (ts *txStore) OldestAccount(ctx context.Context, owner ledger.UserID) (*ledger.Account, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts a
		WHERE a.owned_by_user_id = ? AND a.deleted_on IS NULL
		ORDER BY a.created_on, a.id
		LIMIT 1
	`, owner)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "account", ID: "oldest of user " + string(owner)}
	}
	if err != nil {
		return nil, classify("oldest account", err)
	}
	return &account, nil
}

// =============================================================================
// REGISTRY WRITES
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, owned_by_user_id, created_on, deleted_on, locked_on, last_balance_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.Name,
		a.OwnedByUserID,
		formatTime(a.CreatedOn),
		nullTime(a.DeletedOn),
		nullTime(a.LockedOn),
		nullID(a.LastBalanceID),
	)
	return classify("create account", err)
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id ledger.AccountID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET deleted_on = ? WHERE id = ? AND deleted_on IS NULL
	`, formatTime(at), id)
	return expectRow("delete account", res, err, id)
}

func (s *Store) SetAccountLocked(ctx context.Context, id ledger.AccountID, at *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET locked_on = ? WHERE id = ? AND deleted_on IS NULL
	`, nullTime(at), id)
	return expectRow("lock account", res, err, id)
}

func (s *Store) InsertEffort(ctx context.Context, e ledger.Effort) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO efforts
		(id, account_id, logged_by_user_id, chore_name, amount, completion, notes,
		 efforted_on, approved_by_user_id, denied_by_user_id, created_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		nullID(e.AccountID),
		e.LoggedByUserID,
		e.ChoreName,
		e.Amount.String(),
		e.Completion,
		nullString(e.Notes),
		formatTime(e.EffortedOn),
		nullID(e.ApprovedByUserID),
		nullID(e.DeniedByUserID),
		formatTime(e.CreatedOn),
	)
	return classify("insert effort", err)
}

// =============================================================================
// READS
// =============================================================================

const summaryQuery = `
	SELECT ` + accountColumns + `, COALESCE(b.amount, '0'),
		EXISTS (SELECT 1 FROM payments p
		        WHERE p.payed_to_account_id = a.id AND p.applied_to_balance_id IS NULL)
		OR EXISTS (SELECT 1 FROM withdrawals w
		        WHERE w.account_id = a.id AND w.applied_to_balance_id IS NULL)
	FROM accounts a
	LEFT JOIN balances b ON b.id = a.last_balance_id
`

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.AccountSummary, error) {
	row := s.db.QueryRowContext(ctx, summaryQuery+` WHERE a.id = ? AND a.deleted_on IS NULL`, id)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.AccountNotFound(id)
	}
	if err != nil {
		return nil, classify("get account", err)
	}
	return &summary, nil
}

func (s *Store) ListAccounts(ctx context.Context, owner ledger.UserID) ([]ledger.AccountSummary, error) {
	rows, err := s.db.QueryContext(ctx, summaryQuery+`
		WHERE a.owned_by_user_id = ? AND a.deleted_on IS NULL
		ORDER BY a.created_on DESC, a.id
	`, owner)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer rows.Close()

	var result []ledger.AccountSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, classify("list accounts", err)
		}
		result = append(result, summary)
	}
	return result, classify("list accounts", rows.Err())
}

func (s *Store) CurrentBalance(ctx context.Context, id ledger.AccountID) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(b.amount, '0')
		FROM accounts a
		LEFT JOIN balances b ON b.id = a.last_balance_id
		WHERE a.id = ? AND a.deleted_on IS NULL
	`, id).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.AccountNotFound(id)
	}
	if err != nil {
		return decimal.Zero, classify("current balance", err)
	}
	return amount, nil
}

func (s *Store) ListBalances(ctx context.Context, id ledger.AccountID) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, calculated_on FROM balances
		WHERE account_id = ?
		ORDER BY calculated_on DESC, rowid DESC
	`, id)
	if err != nil {
		return nil, classify("list balances", err)
	}
	defer rows.Close()

	var result []ledger.Balance
	for rows.Next() {
		var (
			b            ledger.Balance
			calculatedOn string
		)
		if err := rows.Scan(&b.ID, &b.AccountID, &b.Amount, &calculatedOn); err != nil {
			return nil, classify("list balances", err)
		}
		if b.CalculatedOn, err = parseTime(calculatedOn); err != nil {
			return nil, classify("list balances", err)
		}
		result = append(result, b)
	}
	return result, classify("list balances", rows.Err())
}

func (s *Store) ListPayments(ctx context.Context, id ledger.AccountID) ([]ledger.Payment, error) {
	return queryPayments(ctx, s.db, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payed_to_account_id = ?
		ORDER BY created_on DESC, id
	`, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	return queryWithdrawals(ctx, s.db, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE account_id = ?
		ORDER BY created_on DESC, id
	`, id)
}

func (s *Store) ListEfforts(ctx context.Context, id ledger.AccountID) ([]ledger.Effort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+effortColumns+` FROM efforts
		WHERE account_id = ?
		ORDER BY efforted_on DESC, id
	`, id)
	if err != nil {
		return nil, classify("list efforts", err)
	}
	defer rows.Close()

	var result []ledger.Effort
	for rows.Next() {
		e, err := scanEffort(rows)
		if err != nil {
			return nil, classify("list efforts", err)
		}
		result = append(result, e)
	}
	return result, classify("list efforts", rows.Err())
}

func (s *Store) AccountsWithPendingActivity(ctx context.Context) ([]ledger.AccountID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id FROM accounts a
		WHERE a.deleted_on IS NULL AND (
			EXISTS (SELECT 1 FROM payments p
			        WHERE p.payed_to_account_id = a.id AND p.applied_to_balance_id IS NULL)
			OR EXISTS (SELECT 1 FROM withdrawals w
			        WHERE w.account_id = a.id AND w.applied_to_balance_id IS NULL)
		)
		ORDER BY a.id
	`)
	if err != nil {
		return nil, classify("pending accounts", err)
	}
	defer rows.Close()

	var result []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("pending accounts", err)
		}
		result = append(result, id)
	}
	return result, classify("pending accounts", rows.Err())
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const (
	accountColumns    = `a.id, a.name, a.owned_by_user_id, a.created_on, a.deleted_on, a.locked_on, a.last_balance_id`
	paymentColumns    = `id, effort_id, payed_to_account_id, payed_by_user_id, amount, notes, created_on, applied_to_balance_id`
	withdrawalColumns = `id, account_id, logged_by, amount, notes, created_on, applied_to_balance_id`
	effortColumns     = `id, account_id, logged_by_user_id, chore_name, amount, completion, notes,
		efforted_on, approved_by_user_id, denied_by_user_id, created_on`
)

// scanAccount scans accountColumns followed by any extra destinations.
func scanAccount(row scanner, extra ...any) (ledger.Account, error) {
	var (
		a                            ledger.Account
		createdOn                    string
		deletedOn, lockedOn, lastBal sql.NullString
	)
	dest := append([]any{&a.ID, &a.Name, &a.OwnedByUserID, &createdOn, &deletedOn, &lockedOn, &lastBal}, extra...)
	if err := row.Scan(dest...); err != nil {
		return a, err
	}

	var err error
	if a.CreatedOn, err = parseTime(createdOn); err != nil {
		return a, err
	}
	if a.DeletedOn, err = parseNullTime(deletedOn); err != nil {
		return a, err
	}
	if a.LockedOn, err = parseNullTime(lockedOn); err != nil {
		return a, err
	}
	a.LastBalanceID = nullableID[ledger.BalanceID](lastBal)
	return a, nil
}

func scanSummary(row scanner) (ledger.AccountSummary, error) {
	var s ledger.AccountSummary
	account, err := scanAccount(row, &s.Balance, &s.HasPendingActivity)
	s.Account = account
	return s, err
}

func queryPayments(ctx context.Context, q querier, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query payments", err)
	}
	defer rows.Close()

	var result []ledger.Payment
	for rows.Next() {
		var (
			p                 ledger.Payment
			effortID, applied sql.NullString
			notes             sql.NullString
			createdOn         string
		)
		if err := rows.Scan(&p.ID, &effortID, &p.PayedToAccountID, &p.PayedByUserID,
			&p.Amount, &notes, &createdOn, &applied); err != nil {
			return nil, classify("query payments", err)
		}
		if p.CreatedOn, err = parseTime(createdOn); err != nil {
			return nil, classify("query payments", err)
		}
		p.EffortID = nullableID[ledger.EffortID](effortID)
		p.AppliedToBalanceID = nullableID[ledger.BalanceID](applied)
		p.Notes = notes.String
		result = append(result, p)
	}
	return result, classify("query payments", rows.Err())
}

func queryWithdrawals(ctx context.Context, q querier, query string, args ...any) ([]ledger.Withdrawal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query withdrawals", err)
	}
	defer rows.Close()

	var result []ledger.Withdrawal
	for rows.Next() {
		var (
			w              ledger.Withdrawal
			notes, applied sql.NullString
			createdOn      string
		)
		if err := rows.Scan(&w.ID, &w.AccountID, &w.LoggedBy, &w.Amount,
			&notes, &createdOn, &applied); err != nil {
			return nil, classify("query withdrawals", err)
		}
		if w.CreatedOn, err = parseTime(createdOn); err != nil {
			return nil, classify("query withdrawals", err)
		}
		w.AppliedToBalanceID = nullableID[ledger.BalanceID](applied)
		w.Notes = notes.String
		result = append(result, w)
	}
	return result, classify("query withdrawals", rows.Err())
}

func scanEffort(row scanner) (ledger.Effort, error) {
	var (
		e                     ledger.Effort
		accountID, notes      sql.NullString
		approvedBy, deniedBy  sql.NullString
		effortedOn, createdOn string
	)
	if err := row.Scan(&e.ID, &accountID, &e.LoggedByUserID, &e.ChoreName, &e.Amount,
		&e.Completion, &notes, &effortedOn, &approvedBy, &deniedBy, &createdOn); err != nil {
		return e, err
	}

	var err error
	if e.EffortedOn, err = parseTime(effortedOn); err != nil {
		return e, err
	}
	if e.CreatedOn, err = parseTime(createdOn); err != nil {
		return e, err
	}
	e.AccountID = nullableID[ledger.AccountID](accountID)
	e.ApprovedByUserID = nullableID[ledger.UserID](approvedBy)
	e.DeniedByUserID = nullableID[ledger.UserID](deniedBy)
	e.Notes = notes.String
	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by hand or older tooling
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullID[T ~string](id *T) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullableID[T ~string](s sql.NullString) *T {
	if !s.Valid {
		return nil
	}
	id := T(s.String)
	return &id
}

func expectRow(op string, res sql.Result, err error, id ledger.AccountID) error {
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.AccountNotFound(id)
	}
	return nil
}

// classify maps driver errors onto the ledger taxonomy. Busy and locked
// databases are retryable conflicts.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrConcurrencyConflict)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ledger.StorageError{Op: op, Err: err}
}

func isEffortPaidError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "payments.effort_id")
}
