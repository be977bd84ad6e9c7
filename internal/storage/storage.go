package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"finledger/internal/core"
)

// Typed failures of the ledger operations. Every error surfaced by a Storage
// implementation either is (or wraps) one of these, or counts as a store
// failure.
var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrSameAccount            = errors.New("transfer source and destination are the same account")
	ErrAccountUnavailable     = errors.New("account missing or not active")
	ErrFromAccountUnavailable = errors.New("source account missing or not active")
	ErrToAccountUnavailable   = errors.New("destination account missing or not active")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrDeadlockOrTimeout      = errors.New("aborted by lock contention, retry may succeed")
)

// ErrTransactionNotFound is a read-path miss, not part of the operation
// failure taxonomy.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrorCode maps an operation error to its stable audit-log code. Anything
// outside the business taxonomy is a store failure.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrSameAccount):
		return "same_account"
	case errors.Is(err, ErrFromAccountUnavailable):
		return "from_account_unavailable"
	case errors.Is(err, ErrToAccountUnavailable):
		return "to_account_unavailable"
	case errors.Is(err, ErrAccountUnavailable):
		return "account_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDeadlockOrTimeout):
		return "deadlock_or_timeout"
	default:
		return "store_failure"
	}
}

// Storage defines how accounts, transactions and the error audit log are
// persisted. The mutating operations (Deposit, Withdraw, Transfer) are each
// one atomic unit of work: balance changes and the transaction-log row become
// visible together or not at all. AppendErrorAudit is deliberately outside
// any such unit of work so audit rows survive rollbacks.
type Storage interface {
	CreateAccount(ctx context.Context, customerName string, openingBalance decimal.Decimal) (*core.Account, error)
	GetAccount(ctx context.Context, id int) (*core.Account, error)
	ListAccounts(ctx context.Context) ([]*core.Account, error)
	SetAccountStatus(ctx context.Context, id int, status core.AccountStatus) error

	Deposit(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error
	Withdraw(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error
	Transfer(ctx context.Context, fromID, toID int, amount decimal.Decimal, reference string) error

	ListTransactions(ctx context.Context, accountID int) ([]*core.Transaction, error)
	GetTransactionByRef(ctx context.Context, reference string) (*core.Transaction, error)

	AppendErrorAudit(ctx context.Context, entry *core.ErrorAuditEntry) error
	ListErrorAudit(ctx context.Context, sinceID, limit int) ([]*core.ErrorAuditEntry, error)

	HealthCheck(ctx context.Context) ([]core.HealthIssue, error)
}
