/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Production backend. Multiple server processes can share one database:
  the per-account lock is a row lock, so reconciliations of different
  accounts run in parallel and those of one account serialize.

LOCKING:
  Tx.LockAccount is SELECT ... FOR UPDATE OF a on the accounts row. When
  Config.LockTimeout is set, every unit of work starts with
  SET LOCAL lock_timeout so a stuck holder turns into a retryable
  conflict instead of an unbounded wait.

ERROR MAPPING:
  40001 serialization_failure  -> ledger.ErrConcurrencyConflict
  40P01 deadlock_detected      -> ledger.ErrConcurrencyConflict
  55P03 lock_not_available     -> ledger.ErrConcurrencyConflict
  23505 on idx_payments_effort -> ledger.InvalidInputError
  anything else                -> ledger.StorageError

USAGE:
  store, err := postgres.Open(postgres.Config{Host: "localhost", ...})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite: Same schema, single-file backend
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/homepayday/payday/ledger"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Config holds connection and pool settings.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// Open connects, configures the pool and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := NewWithDB(db, cfg.LockTimeout)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an existing handle without migrating.
func NewWithDB(db *sql.DB, lockTimeout time.Duration) *Store {
	return &Store{db: db, lockTimeout: lockTimeout}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema. accounts.last_balance_id carries no foreign
// key because balances reference accounts.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owned_by_user_id TEXT NOT NULL,
		created_on TIMESTAMPTZ NOT NULL,
		deleted_on TIMESTAMPTZ,
		locked_on TIMESTAMPTZ,
		last_balance_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_owner
		ON accounts(owned_by_user_id, created_on);

	CREATE TABLE IF NOT EXISTS balances (
		seq BIGSERIAL,
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount NUMERIC NOT NULL,
		calculated_on TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balances_account
		ON balances(account_id, calculated_on);

	CREATE TABLE IF NOT EXISTS efforts (
		id TEXT PRIMARY KEY,
		account_id TEXT REFERENCES accounts(id),
		logged_by_user_id TEXT NOT NULL,
		chore_name TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		completion INTEGER NOT NULL DEFAULT 100,
		notes TEXT,
		efforted_on TIMESTAMPTZ NOT NULL,
		approved_by_user_id TEXT,
		denied_by_user_id TEXT,
		created_on TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_efforts_account
		ON efforts(account_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		effort_id TEXT REFERENCES efforts(id),
		payed_to_account_id TEXT NOT NULL REFERENCES accounts(id),
		payed_by_user_id TEXT NOT NULL,
		amount NUMERIC NOT NULL CHECK (amount > 0),
		notes TEXT,
		created_on TIMESTAMPTZ NOT NULL,
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
		amount NUMERIC NOT NULL CHECK (amount > 0),
		notes TEXT,
		created_on TIMESTAMPTZ NOT NULL,
		applied_to_balance_id TEXT REFERENCES balances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_account
		ON withdrawals(account_id);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_pending
		ON withdrawals(account_id) WHERE applied_to_balance_id IS NULL;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return classify("set lock timeout", err)
		}
	}

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return classify("commit", sqlTx.Commit())
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, decimal.Decimal, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`, COALESCE(b.amount, 0)
		FROM accounts a
		LEFT JOIN balances b ON b.id = a.last_balance_id
		WHERE a.id = $1 AND a.deleted_on IS NULL
		FOR UPDATE OF a
	`, string(id))

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
		WHERE payed_to_account_id = $1 AND applied_to_balance_id IS NULL
		ORDER BY created_on, id
	`, id)
}

func (ts *txStore) PendingWithdrawals(ctx context.Context, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	return queryWithdrawals(ctx, ts.tx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE account_id = $1 AND applied_to_balance_id IS NULL
		ORDER BY created_on, id
	`, id)
}

func (ts *txStore) InsertBalance(ctx context.Context, b ledger.Balance) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO balances (id, account_id, amount, calculated_on)
		VALUES ($1, $2, $3, $4)
	`, string(b.ID), string(b.AccountID), b.Amount.String(), b.CalculatedOn)
	return classify("insert balance", err)
}

func (ts *txStore) SetLastBalance(ctx context.Context, id ledger.AccountID, balanceID ledger.BalanceID) error {
	res, err := ts.tx.ExecContext(ctx, `UPDATE accounts SET last_balance_id = $1 WHERE id = $2`, string(balanceID), string(id))
	if err != nil {
		return classify("set last balance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.AccountNotFound(id)
	}
	return nil
}

func (ts *txStore) ApplyPayments(ctx context.Context, ids []ledger.PaymentID, balanceID ledger.BalanceID) error {
	return applyTo(ctx, ts.tx, "payments", balanceID, toStrings(ids))
}

func (ts *txStore) ApplyWithdrawals(ctx context.Context, ids []ledger.WithdrawalID, balanceID ledger.BalanceID) error {
	return applyTo(ctx, ts.tx, "withdrawals", balanceID, toStrings(ids))
}

func applyTo(ctx context.Context, tx *sql.Tx, table string, balanceID ledger.BalanceID, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET applied_to_balance_id = $1
		WHERE id = ANY($2) AND applied_to_balance_id IS NULL
	`, table)

	res, err := tx.ExecContext(ctx, query, string(balanceID), pq.Array(ids))
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		string(p.ID),
		nullID(p.EffortID),
		string(p.PayedToAccountID),
		string(p.PayedByUserID),
		p.Amount.String(),
		nullString(p.Notes),
		p.CreatedOn,
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		string(w.ID),
		string(w.AccountID),
		string(w.LoggedBy),
		w.Amount.String(),
		nullString(w.Notes),
		w.CreatedOn,
		nullID(w.AppliedToBalanceID),
	)
	return classify("insert withdrawal", err)
}

func (ts *txStore) LockEffort(ctx context.Context, id ledger.EffortID) (*ledger.Effort, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+effortColumns+` FROM efforts WHERE id = $1 FOR UPDATE`, string(id))
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
	res, err := ts.tx.ExecContext(ctx, `UPDATE efforts SET `+column+` = $1 WHERE id = $2`, string(by), string(id))
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
		WHERE a.owned_by_user_id = $1 AND a.deleted_on IS NULL
		ORDER BY a.created_on, a.id
		LIMIT 1
	`, string(owner))
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		string(a.ID),
		a.Name,
		string(a.OwnedByUserID),
		a.CreatedOn,
		nullTime(a.DeletedOn),
		nullTime(a.LockedOn),
		nullID(a.LastBalanceID),
	)
	return classify("create account", err)
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id ledger.AccountID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET deleted_on = $1 WHERE id = $2 AND deleted_on IS NULL
	`, at, string(id))
	return expectRow("delete account", res, err, id)
}

func (s *Store) SetAccountLocked(ctx context.Context, id ledger.AccountID, at *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET locked_on = $1 WHERE id = $2 AND deleted_on IS NULL
	`, nullTime(at), string(id))
	return expectRow("lock account", res, err, id)
}

func (s *Store) InsertEffort(ctx context.Context, e ledger.Effort) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO efforts
		(id, account_id, logged_by_user_id, chore_name, amount, completion, notes,
		 efforted_on, approved_by_user_id, denied_by_user_id, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		string(e.ID),
		nullID(e.AccountID),
		string(e.LoggedByUserID),
		e.ChoreName,
		e.Amount.String(),
		e.Completion,
		nullString(e.Notes),
		e.EffortedOn,
		nullID(e.ApprovedByUserID),
		nullID(e.DeniedByUserID),
		e.CreatedOn,
	)
	return classify("insert effort", err)
}

// =============================================================================
// READS
// =============================================================================

const summaryQuery = `
	SELECT ` + accountColumns + `, COALESCE(b.amount, 0),
		EXISTS (SELECT 1 FROM payments p
		        WHERE p.payed_to_account_id = a.id AND p.applied_to_balance_id IS NULL)
		OR EXISTS (SELECT 1 FROM withdrawals w
		        WHERE w.account_id = a.id AND w.applied_to_balance_id IS NULL)
	FROM accounts a
	LEFT JOIN balances b ON b.id = a.last_balance_id
`

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.AccountSummary, error) {
	row := s.db.QueryRowContext(ctx, summaryQuery+` WHERE a.id = $1 AND a.deleted_on IS NULL`, string(id))
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
		WHERE a.owned_by_user_id = $1 AND a.deleted_on IS NULL
		ORDER BY a.created_on DESC, a.id
	`, string(owner))
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
		SELECT COALESCE(b.amount, 0)
		FROM accounts a
		LEFT JOIN balances b ON b.id = a.last_balance_id
		WHERE a.id = $1 AND a.deleted_on IS NULL
	`, string(id)).Scan(&amount)
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
		WHERE account_id = $1
		ORDER BY calculated_on DESC, seq DESC
	`, string(id))
	if err != nil {
		return nil, classify("list balances", err)
	}
	defer rows.Close()

	var result []ledger.Balance
	for rows.Next() {
		var b ledger.Balance
		if err := rows.Scan(&b.ID, &b.AccountID, &b.Amount, &b.CalculatedOn); err != nil {
			return nil, classify("list balances", err)
		}
		result = append(result, b)
	}
	return result, classify("list balances", rows.Err())
}

func (s *Store) ListPayments(ctx context.Context, id ledger.AccountID) ([]ledger.Payment, error) {
	return queryPayments(ctx, s.db, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payed_to_account_id = $1
		ORDER BY created_on DESC, id
	`, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	return queryWithdrawals(ctx, s.db, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE account_id = $1
		ORDER BY created_on DESC, id
	`, id)
}

func (s *Store) ListEfforts(ctx context.Context, id ledger.AccountID) ([]ledger.Effort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+effortColumns+` FROM efforts
		WHERE account_id = $1
		ORDER BY efforted_on DESC, id
	`, string(id))
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

func scanAccount(row scanner, extra ...any) (ledger.Account, error) {
	var (
		a                   ledger.Account
		deletedOn, lockedOn sql.NullTime
		lastBalance         sql.NullString
	)
	dest := append([]any{&a.ID, &a.Name, &a.OwnedByUserID, &a.CreatedOn, &deletedOn, &lockedOn, &lastBalance}, extra...)
	if err := row.Scan(dest...); err != nil {
		return a, err
	}
	a.CreatedOn = a.CreatedOn.UTC()
	a.DeletedOn = timePtr(deletedOn)
	a.LockedOn = timePtr(lockedOn)
	a.LastBalanceID = nullableID[ledger.BalanceID](lastBalance)
	return a, nil
}

func scanSummary(row scanner) (ledger.AccountSummary, error) {
	var s ledger.AccountSummary
	account, err := scanAccount(row, &s.Balance, &s.HasPendingActivity)
	s.Account = account
	return s, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryPayments(ctx context.Context, q queryer, query string, id ledger.AccountID) ([]ledger.Payment, error) {
	rows, err := q.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, classify("query payments", err)
	}
	defer rows.Close()

	var result []ledger.Payment
	for rows.Next() {
		var (
			p                        ledger.Payment
			effortID, notes, applied sql.NullString
		)
		if err := rows.Scan(&p.ID, &effortID, &p.PayedToAccountID, &p.PayedByUserID,
			&p.Amount, &notes, &p.CreatedOn, &applied); err != nil {
			return nil, classify("query payments", err)
		}
		p.CreatedOn = p.CreatedOn.UTC()
		p.EffortID = nullableID[ledger.EffortID](effortID)
		p.AppliedToBalanceID = nullableID[ledger.BalanceID](applied)
		p.Notes = notes.String
		result = append(result, p)
	}
	return result, classify("query payments", rows.Err())
}

func queryWithdrawals(ctx context.Context, q queryer, query string, id ledger.AccountID) ([]ledger.Withdrawal, error) {
	rows, err := q.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, classify("query withdrawals", err)
	}
	defer rows.Close()

	var result []ledger.Withdrawal
	for rows.Next() {
		var (
			w              ledger.Withdrawal
			notes, applied sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.AccountID, &w.LoggedBy, &w.Amount,
			&notes, &w.CreatedOn, &applied); err != nil {
			return nil, classify("query withdrawals", err)
		}
		w.CreatedOn = w.CreatedOn.UTC()
		w.AppliedToBalanceID = nullableID[ledger.BalanceID](applied)
		w.Notes = notes.String
		result = append(result, w)
	}
	return result, classify("query withdrawals", rows.Err())
}

func scanEffort(row scanner) (ledger.Effort, error) {
	var (
		e                    ledger.Effort
		accountID, notes     sql.NullString
		approvedBy, deniedBy sql.NullString
	)
	if err := row.Scan(&e.ID, &accountID, &e.LoggedByUserID, &e.ChoreName, &e.Amount,
		&e.Completion, &notes, &e.EffortedOn, &approvedBy, &deniedBy, &e.CreatedOn); err != nil {
		return e, err
	}
	e.EffortedOn = e.EffortedOn.UTC()
	e.CreatedOn = e.CreatedOn.UTC()
	e.AccountID = nullableID[ledger.AccountID](accountID)
	e.ApprovedByUserID = nullableID[ledger.UserID](approvedBy)
	e.DeniedByUserID = nullableID[ledger.UserID](deniedBy)
	e.Notes = notes.String
	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func toStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
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

// classify maps lib/pq errors onto the ledger taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrConcurrencyConflict)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ledger.StorageError{Op: op, Err: err}
}

func isEffortPaidError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == "idx_payments_effort"
}
