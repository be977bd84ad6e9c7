package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"finledger/internal/core"
	"finledger/internal/storage"
)

// Ledger exposes the four balance-mutating operations plus the read surface
// the monitoring layer polls. Each mutating operation is one atomic unit of
// work against the store; any failure is written to the error audit log
// before it is returned to the caller, in its original typed form.
type Ledger struct {
	store  storage.Storage
	logger *slog.Logger
}

func New(store storage.Storage, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// fail records one audit entry for a failed operation. The write happens
// outside the rolled-back unit of work, on a context that survives caller
// cancellation, so the audit trail accumulates regardless of what the caller
// does with the error. An audit write failure is logged but never masks the
// business error.
func (l *Ledger) fail(ctx context.Context, op string, opErr error, callContext string) {
	entry := &core.ErrorAuditEntry{
		Operation:  op,
		Code:       storage.ErrorCode(opErr),
		Message:    opErr.Error(),
		Context:    callContext,
		OccurredAt: time.Now().UTC(),
	}

	if err := l.store.AppendErrorAudit(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Error("error audit write failed", "operation", op, "err", err)
	}

	l.logger.Warn("operation failed", "operation", op, "code", entry.Code, "err", opErr)
}

// CreateAccount opens a new active account and returns its identity. No
// business-rule validation happens here; the store's constraints are the only
// gate, and any store fault is audited with the customer name as context.
func (l *Ledger) CreateAccount(ctx context.Context, customerName string, openingBalance decimal.Decimal) (int, error) {
	acc, err := l.store.CreateAccount(ctx, customerName, openingBalance)
	if err != nil {
		l.fail(ctx, "CreateAccount", err, fmt.Sprintf("CustomerName=%s", customerName))
		return 0, err
	}
	return acc.ID, nil
}

// Deposit credits an account. The amount check fails fast, before any lock is
// taken or unit of work started.
func (l *Ledger) Deposit(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error {
	callContext := fmt.Sprintf("AccountID=%d; Amount=%s; Ref=%s", accountID, amount.StringFixed(4), reference)

	if !amount.IsPositive() {
		err := fmt.Errorf("deposit of %s: %w", amount, storage.ErrInvalidAmount)
		l.fail(ctx, "Deposit", err, callContext)
		return err
	}

	if err := l.store.Deposit(ctx, accountID, amount, reference); err != nil {
		l.fail(ctx, "Deposit", err, callContext)
		return err
	}
	return nil
}

// Withdraw debits an account. Sufficiency is decided inside the store against
// the balance read under the row lock.
func (l *Ledger) Withdraw(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error {
	callContext := fmt.Sprintf("AccountID=%d; Amount=%s; Ref=%s", accountID, amount.StringFixed(4), reference)

	if !amount.IsPositive() {
		err := fmt.Errorf("withdrawal of %s: %w", amount, storage.ErrInvalidAmount)
		l.fail(ctx, "Withdraw", err, callContext)
		return err
	}

	if err := l.store.Withdraw(ctx, accountID, amount, reference); err != nil {
		l.fail(ctx, "Withdraw", err, callContext)
		return err
	}
	return nil
}

// TransferFunds moves funds between two distinct accounts atomically. Both
// precondition checks fail fast; everything else is one unit of work in the
// store, and any failure there leaves both balances untouched.
func (l *Ledger) TransferFunds(ctx context.Context, fromID, toID int, amount decimal.Decimal, reference string) error {
	callContext := fmt.Sprintf("FromAccountID=%d; ToAccountID=%d; Amount=%s; Ref=%s", fromID, toID, amount.StringFixed(4), reference)

	if !amount.IsPositive() {
		err := fmt.Errorf("transfer of %s: %w", amount, storage.ErrInvalidAmount)
		l.fail(ctx, "TransferFunds", err, callContext)
		return err
	}
	if fromID == toID {
		err := fmt.Errorf("account %d: %w", fromID, storage.ErrSameAccount)
		l.fail(ctx, "TransferFunds", err, callContext)
		return err
	}

	if err := l.store.Transfer(ctx, fromID, toID, amount, reference); err != nil {
		l.fail(ctx, "TransferFunds", err, callContext)
		return err
	}
	return nil
}

func (l *Ledger) GetAccount(ctx context.Context, id int) (*core.Account, error) {
	return l.store.GetAccount(ctx, id)
}

func (l *Ledger) ListAccounts(ctx context.Context) ([]*core.Account, error) {
	return l.store.ListAccounts(ctx)
}

func (l *Ledger) SetAccountStatus(ctx context.Context, id int, status core.AccountStatus) error {
	return l.store.SetAccountStatus(ctx, id, status)
}

func (l *Ledger) ListTransactions(ctx context.Context, accountID int) ([]*core.Transaction, error) {
	return l.store.ListTransactions(ctx, accountID)
}

func (l *Ledger) GetTransactionByRef(ctx context.Context, reference string) (*core.Transaction, error) {
	return l.store.GetTransactionByRef(ctx, reference)
}

func (l *Ledger) ListErrorAudit(ctx context.Context, sinceID, limit int) ([]*core.ErrorAuditEntry, error) {
	return l.store.ListErrorAudit(ctx, sinceID, limit)
}

func (l *Ledger) HealthCheck(ctx context.Context) ([]core.HealthIssue, error) {
	return l.store.HealthCheck(ctx)
}
