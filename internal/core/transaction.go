package core

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
	KindTransfer   TransactionKind = "transfer"
)

type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Transaction is one committed ledger entry. Rows are appended only for
// operations that committed; they are never updated or deleted afterwards.
type Transaction struct {
	ID            int
	FromAccountID *int
	ToAccountID   *int
	Amount        decimal.Decimal
	Kind          TransactionKind
	Reference     string
	Status        TransactionStatus
	CreatedAt     time.Time
}

// Validate checks the kind/endpoint shape invariants: deposits carry only a
// destination, withdrawals only a source, transfers both (and distinct), and
// the amount is strictly positive.
func (t *Transaction) Validate() error {
	if !t.Amount.IsPositive() {
		return errors.New("transaction amount must be positive")
	}

	switch t.Kind {
	case KindDeposit:
		if t.FromAccountID != nil || t.ToAccountID == nil {
			return errors.New("deposit must have only a destination account")
		}
	case KindWithdrawal:
		if t.FromAccountID == nil || t.ToAccountID != nil {
			return errors.New("withdrawal must have only a source account")
		}
	case KindTransfer:
		if t.FromAccountID == nil || t.ToAccountID == nil {
			return errors.New("transfer must have both accounts")
		}
		if *t.FromAccountID == *t.ToAccountID {
			return errors.New("transfer accounts must be distinct")
		}
	default:
		return errors.New("unknown transaction kind")
	}

	return nil
}
