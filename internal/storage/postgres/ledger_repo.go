package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"finledger/internal/core"
	"finledger/internal/storage"
)

var _ storage.Storage = (*Repo)(nil)

type Repo struct {
	db *DB
}

func NewRepo(db *DB) *Repo {
	return &Repo{db: db}
}

// Postgres error codes that mean the call lost a lock fight rather than hit a
// real fault: 40P01 deadlock_detected, 55P03 lock_not_available.
const (
	pgDeadlockDetected = "40P01"
	pgLockNotAvailable = "55P03"
)

// translateErr maps driver-level lock contention onto the retryable
// DeadlockOrTimeout failure. Everything else passes through as a store fault.
func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgDeadlockDetected || pgErr.Code == pgLockNotAvailable {
			return fmt.Errorf("%v: %w", err, storage.ErrDeadlockOrTimeout)
		}
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*core.Account, error) {
	var a core.Account
	if err := row.Scan(&a.ID, &a.CustomerName, &a.Balance, &a.Status, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row scanner) (*core.Transaction, error) {
	var t core.Transaction
	var from, to sql.NullInt64
	var ref sql.NullString
	if err := row.Scan(&t.ID, &from, &to, &t.Amount, &t.Kind, &ref, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	if from.Valid {
		v := int(from.Int64)
		t.FromAccountID = &v
	}
	if to.Valid {
		v := int(to.Int64)
		t.ToAccountID = &v
	}
	if ref.Valid {
		t.Reference = ref.String
	}
	return &t, nil
}

// CreateAccount inserts a new active account. Business rules are not checked
// here; the schema constraints (non-empty name, non-negative balance) are the
// only gate, per the operation contract.
func (r *Repo) CreateAccount(ctx context.Context, customerName string, openingBalance decimal.Decimal) (*core.Account, error) {
	const q = `INSERT INTO accounts (customer_name, balance) VALUES ($1, $2)
		RETURNING id, customer_name, balance, status, created_at`
	row := r.db.QueryRowContext(ctx, q, customerName, openingBalance)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, translateErr(err)
	}
	return acc, nil
}

// GetAccount retrieves an account by id.
func (r *Repo) GetAccount(ctx context.Context, id int) (*core.Account, error) {
	const q = `SELECT id, customer_name, balance, status, created_at FROM accounts WHERE id = $1`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", id, storage.ErrAccountUnavailable)
		}
		return nil, translateErr(err)
	}
	return acc, nil
}

// ListAccounts returns all accounts.
func (r *Repo) ListAccounts(ctx context.Context) ([]*core.Account, error) {
	const q = `SELECT id, customer_name, balance, status, created_at FROM accounts ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var res []*core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAccountStatus marks an account active or inactive.
func (r *Repo) SetAccountStatus(ctx context.Context, id int, status core.AccountStatus) error {
	const q = `UPDATE accounts SET status = $1 WHERE id = $2`
	res, err := r.db.ExecContext(ctx, q, status, id)
	if err != nil {
		return translateErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %d: %w", id, storage.ErrAccountUnavailable)
	}
	return nil
}

// lockAccount takes the exclusive row lock on one account for the duration of
// tx and returns its balance. A missing or inactive row surfaces as the given
// unavailable error.
func lockAccount(ctx context.Context, tx *sql.Tx, id int, unavailable error) (decimal.Decimal, error) {
	const q = `SELECT balance, status FROM accounts WHERE id = $1 FOR UPDATE`

	var balance decimal.Decimal
	var status core.AccountStatus
	if err := tx.QueryRowContext(ctx, q, id).Scan(&balance, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("account %d: %w", id, unavailable)
		}
		return decimal.Zero, translateErr(err)
	}
	if status != core.AccountActive {
		return decimal.Zero, fmt.Errorf("account %d: %w", id, unavailable)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *core.Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	const q = `INSERT INTO transactions (from_account_id, to_account_id, amount, kind, reference, status)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := tx.ExecContext(ctx, q,
		nullInt(txn.FromAccountID), nullInt(txn.ToAccountID),
		txn.Amount, txn.Kind, nullIfEmpty(txn.Reference), core.TransactionSuccess)
	return err
}

// Deposit credits an active account inside one database transaction: row
// lock, balance update, ledger entry, commit.
func (r *Repo) Deposit(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	if _, err := lockAccount(ctx, tx, accountID, storage.ErrAccountUnavailable); err != nil {
		return err
	}

	const upd = `UPDATE accounts SET balance = balance + $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, upd, amount, accountID); err != nil {
		return translateErr(err)
	}

	txn := &core.Transaction{ToAccountID: &accountID, Amount: amount, Kind: core.KindDeposit, Reference: reference}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return translateErr(err)
	}

	return translateErr(tx.Commit())
}

// Withdraw debits an active account. The sufficiency check runs against the
// balance read under the row lock, so a concurrent withdrawal cannot push the
// account negative.
func (r *Repo) Withdraw(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	balance, err := lockAccount(ctx, tx, accountID, storage.ErrAccountUnavailable)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("account %d: %w", accountID, storage.ErrInsufficientFunds)
	}

	const upd = `UPDATE accounts SET balance = balance - $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, upd, amount, accountID); err != nil {
		return translateErr(err)
	}

	txn := &core.Transaction{FromAccountID: &accountID, Amount: amount, Kind: core.KindWithdrawal, Reference: reference}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return translateErr(err)
	}

	return translateErr(tx.Commit())
}

// Transfer moves funds between two accounts in one database transaction.
//
// The source row is always locked before the destination row, whatever the
// numeric order of the ids. Under symmetric concurrent transfers this can
// deadlock; Postgres picks a victim and that call comes back as
// ErrDeadlockOrTimeout for the caller to retry.
func (r *Repo) Transfer(ctx context.Context, fromID, toID int, amount decimal.Decimal, reference string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	balance, err := lockAccount(ctx, tx, fromID, storage.ErrFromAccountUnavailable)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("account %d: %w", fromID, storage.ErrInsufficientFunds)
	}

	if _, err := lockAccount(ctx, tx, toID, storage.ErrToAccountUnavailable); err != nil {
		return err
	}

	const debit = `UPDATE accounts SET balance = balance - $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, debit, amount, fromID); err != nil {
		return translateErr(err)
	}
	const credit = `UPDATE accounts SET balance = balance + $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, credit, amount, toID); err != nil {
		return translateErr(err)
	}

	txn := &core.Transaction{FromAccountID: &fromID, ToAccountID: &toID, Amount: amount, Kind: core.KindTransfer, Reference: reference}
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return translateErr(err)
	}

	return translateErr(tx.Commit())
}

// ListTransactions returns the ledger entries touching an account, newest first.
func (r *Repo) ListTransactions(ctx context.Context, accountID int) ([]*core.Transaction, error) {
	const q = `SELECT id, from_account_id, to_account_id, amount, kind, reference, status, created_at
		FROM transactions WHERE from_account_id = $1 OR to_account_id = $1 ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var res []*core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetTransactionByRef looks a ledger entry up by its reference token. The
// reference index is not unique; the earliest match wins.
func (r *Repo) GetTransactionByRef(ctx context.Context, reference string) (*core.Transaction, error) {
	const q = `SELECT id, from_account_id, to_account_id, amount, kind, reference, status, created_at
		FROM transactions WHERE reference = $1 ORDER BY id LIMIT 1`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, q, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reference %q: %w", reference, storage.ErrTransactionNotFound)
		}
		return nil, translateErr(err)
	}
	return t, nil
}

// AppendErrorAudit writes an audit row on the pool, in its own implicit
// transaction. It is never enlisted in a business unit of work, so the row
// stays put when that unit of work rolls back.
func (r *Repo) AppendErrorAudit(ctx context.Context, entry *core.ErrorAuditEntry) error {
	const q = `INSERT INTO error_log (operation, code, message, line, context)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, q,
		entry.Operation, nullIfEmpty(entry.Code), entry.Message, entry.Line, nullIfEmpty(entry.Context))
	return translateErr(err)
}

// ListErrorAudit returns audit entries after sinceID, oldest first.
func (r *Repo) ListErrorAudit(ctx context.Context, sinceID, limit int) ([]*core.ErrorAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `SELECT id, operation, COALESCE(code, ''), message, line, COALESCE(context, ''), occurred_at
		FROM error_log WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, sinceID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var res []*core.ErrorAuditEntry
	for rows.Next() {
		var e core.ErrorAuditEntry
		if err := rows.Scan(&e.ID, &e.Operation, &e.Code, &e.Message, &e.Line, &e.Context, &e.OccurredAt); err != nil {
			return nil, err
		}
		res = append(res, &e)
	}
	return res, rows.Err()
}

// HealthCheck runs the integrity probes the monitoring layer polls: negative
// balances, ledger entries whose account references dangle, duplicate
// reference tokens.
func (r *Repo) HealthCheck(ctx context.Context) ([]core.HealthIssue, error) {
	var issues []core.HealthIssue

	probes := []struct {
		check string
		query string
	}{
		{
			check: "negative_balance",
			query: `SELECT 'account ' || id || ' balance ' || balance FROM accounts WHERE balance < 0`,
		},
		{
			check: "orphan_transaction",
			query: `SELECT 'transaction ' || t.id || ' references missing account'
				FROM transactions t
				LEFT JOIN accounts f ON f.id = t.from_account_id
				LEFT JOIN accounts d ON d.id = t.to_account_id
				WHERE (t.from_account_id IS NOT NULL AND f.id IS NULL)
				   OR (t.to_account_id IS NOT NULL AND d.id IS NULL)`,
		},
		{
			check: "duplicate_reference",
			query: `SELECT 'reference ' || reference || ' used by ' || COUNT(*) || ' transactions'
				FROM transactions WHERE reference IS NOT NULL
				GROUP BY reference HAVING COUNT(*) > 1`,
		},
	}

	for _, p := range probes {
		rows, err := r.db.QueryContext(ctx, p.query)
		if err != nil {
			return nil, translateErr(err)
		}
		for rows.Next() {
			var detail string
			if err := rows.Scan(&detail); err != nil {
				rows.Close()
				return nil, err
			}
			issues = append(issues, core.HealthIssue{Check: p.check, Detail: detail})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return issues, nil
}

// Helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
