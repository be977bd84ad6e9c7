package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finledger/internal/core"
	"finledger/internal/service"
	"finledger/internal/storage"
	"finledger/internal/storage/memory"
)

func newLedger(t *testing.T) (*service.Ledger, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.New(store, logger), store
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func mustCreate(t *testing.T, l *service.Ledger, name, balance string) int {
	t.Helper()
	id, err := l.CreateAccount(context.Background(), name, dec(t, balance))
	require.NoError(t, err)
	return id
}

func auditEntries(t *testing.T, store *memory.Store) []*core.ErrorAuditEntry {
	t.Helper()
	entries, err := store.ListErrorAudit(context.Background(), 0, 100)
	require.NoError(t, err)
	return entries
}

func TestDepositSuccess(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "100.00")

	require.NoError(t, l.Deposit(ctx, id, dec(t, "50.00"), "ref1"))

	acc, err := l.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec(t, "150.00")), "balance = %s", acc.Balance)

	txns, err := l.ListTransactions(ctx, id)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, core.KindDeposit, txns[0].Kind)
	assert.Equal(t, core.TransactionSuccess, txns[0].Status)
	assert.True(t, txns[0].Amount.Equal(dec(t, "50.00")))
	assert.Nil(t, txns[0].FromAccountID)
	require.NotNil(t, txns[0].ToAccountID)
	assert.Equal(t, id, *txns[0].ToAccountID)
	assert.Equal(t, "ref1", txns[0].Reference)

	assert.Empty(t, auditEntries(t, store))
}

func TestDepositZeroAmountFailsWithSingleAuditEntry(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "100.00")

	err := l.Deposit(ctx, id, decimal.Zero, "ref-zero")
	require.ErrorIs(t, err, storage.ErrInvalidAmount)

	acc, err := l.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec(t, "100.00")))

	txns, err := l.ListTransactions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, txns, "a failed operation must not append a transaction row")

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "Deposit", entries[0].Operation)
	assert.Equal(t, "invalid_amount", entries[0].Code)
	assert.NotEmpty(t, entries[0].Message)
	assert.Contains(t, entries[0].Context, "AccountID=")
	assert.Contains(t, entries[0].Context, "Ref=ref-zero")
	assert.False(t, entries[0].OccurredAt.IsZero())
}

func TestDepositInactiveAccount(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "100.00")
	require.NoError(t, l.SetAccountStatus(ctx, id, core.AccountInactive))

	err := l.Deposit(ctx, id, dec(t, "10.00"), "")
	require.ErrorIs(t, err, storage.ErrAccountUnavailable)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "account_unavailable", entries[0].Code)
}

func TestWithdrawSuccess(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "100.00")
	require.NoError(t, l.Withdraw(ctx, id, dec(t, "40.00"), "wd-1"))

	acc, err := l.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec(t, "60.00")))

	txns, err := l.ListTransactions(ctx, id)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, core.KindWithdrawal, txns[0].Kind)
	require.NotNil(t, txns[0].FromAccountID)
	assert.Equal(t, id, *txns[0].FromAccountID)
	assert.Nil(t, txns[0].ToAccountID)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "10.00")

	err := l.Withdraw(ctx, id, dec(t, "20.00"), "")
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)

	acc, err := l.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec(t, "10.00")), "balance must be unchanged, got %s", acc.Balance)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "Withdraw", entries[0].Operation)
	assert.Equal(t, "insufficient_funds", entries[0].Code)
	assert.Contains(t, entries[0].Context, "AccountID=1; Amount=20.00")
}

func TestTransferSuccessConservesTotal(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	from := mustCreate(t, l, "Alice", "100.00")
	to := mustCreate(t, l, "Bob", "50.00")

	require.NoError(t, l.TransferFunds(ctx, from, to, dec(t, "30.00"), "tx-1"))

	fromAcc, err := l.GetAccount(ctx, from)
	require.NoError(t, err)
	toAcc, err := l.GetAccount(ctx, to)
	require.NoError(t, err)

	assert.True(t, fromAcc.Balance.Equal(dec(t, "70.00")))
	assert.True(t, toAcc.Balance.Equal(dec(t, "80.00")))
	assert.True(t, fromAcc.Balance.Add(toAcc.Balance).Equal(dec(t, "150.00")))

	txns, err := l.ListTransactions(ctx, from)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, core.KindTransfer, txns[0].Kind)
	require.NotNil(t, txns[0].FromAccountID)
	require.NotNil(t, txns[0].ToAccountID)
	assert.Equal(t, from, *txns[0].FromAccountID)
	assert.Equal(t, to, *txns[0].ToAccountID)
}

func TestTransferSameAccount(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "100.00")

	err := l.TransferFunds(ctx, id, id, dec(t, "10.00"), "")
	require.ErrorIs(t, err, storage.ErrSameAccount)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "same_account", entries[0].Code)
}

func TestTransferToInactiveAccountLeavesBalancesUntouched(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	from := mustCreate(t, l, "Alice", "100.00")
	to := mustCreate(t, l, "Bob", "50.00")
	require.NoError(t, l.SetAccountStatus(ctx, to, core.AccountInactive))

	err := l.TransferFunds(ctx, from, to, dec(t, "5.00"), "")
	require.ErrorIs(t, err, storage.ErrToAccountUnavailable)

	fromAcc, err := l.GetAccount(ctx, from)
	require.NoError(t, err)
	toAcc, err := l.GetAccount(ctx, to)
	require.NoError(t, err)
	assert.True(t, fromAcc.Balance.Equal(dec(t, "100.00")), "from balance restored, got %s", fromAcc.Balance)
	assert.True(t, toAcc.Balance.Equal(dec(t, "50.00")))

	txns, err := l.ListTransactions(ctx, from)
	require.NoError(t, err)
	assert.Empty(t, txns)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "to_account_unavailable", entries[0].Code)
	assert.Contains(t, entries[0].Context, "FromAccountID=1; ToAccountID=2; Amount=5.00")
}

func TestTransferFromMissingAccount(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	to := mustCreate(t, l, "Bob", "50.00")

	err := l.TransferFunds(ctx, 999, to, dec(t, "5.00"), "")
	require.ErrorIs(t, err, storage.ErrFromAccountUnavailable)
}

func TestConcurrentWithdrawalsExactBalance(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "100.00")
	amount := dec(t, "100.00")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := range 2 {
		go func() {
			defer wg.Done()
			errs[i] = l.Withdraw(ctx, id, amount, "")
		}()
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case storage.ErrorCode(err) == "insufficient_funds":
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one withdrawal must succeed")
	assert.Equal(t, 1, insufficient, "exactly one withdrawal must fail with insufficient funds")

	acc, err := l.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsZero(), "final balance = %s", acc.Balance)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "insufficient_funds", entries[0].Code)
}

func TestBalancesNeverGoNegativeUnderLoad(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	id := mustCreate(t, l, "Alice", "50.00")
	amount := dec(t, "10.00")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			// more withdrawals than the balance covers; the excess must fail
			_ = l.Withdraw(ctx, id, amount, "")
		}()
	}
	wg.Wait()

	acc, err := l.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.False(t, acc.Balance.IsNegative(), "balance went negative: %s", acc.Balance)
	assert.True(t, acc.Balance.IsZero(), "5 of 20 withdrawals should drain the account, got %s", acc.Balance)

	txns, err := l.ListTransactions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, txns, 5)
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	a := mustCreate(t, l, "Alice", "1000.00")
	b := mustCreate(t, l, "Bob", "1000.00")
	amount := dec(t, "1.00")

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			// deadlock-prone opposite directions on purpose; contention
			// aborts are retried
			var err error
			if i%2 == 0 {
				err = l.TransferFunds(ctx, a, b, amount, "")
			} else {
				err = l.TransferFunds(ctx, b, a, amount, "")
			}
			for range 3 {
				if err == nil || storage.ErrorCode(err) != "deadlock_or_timeout" {
					break
				}
				if i%2 == 0 {
					err = l.TransferFunds(ctx, a, b, amount, "")
				} else {
					err = l.TransferFunds(ctx, b, a, amount, "")
				}
			}
		}()
	}
	wg.Wait()

	accA, err := l.GetAccount(ctx, a)
	require.NoError(t, err)
	accB, err := l.GetAccount(ctx, b)
	require.NoError(t, err)

	assert.True(t, accA.Balance.Add(accB.Balance).Equal(dec(t, "2000.00")),
		"total changed: %s + %s", accA.Balance, accB.Balance)
	assert.False(t, accA.Balance.IsNegative())
	assert.False(t, accB.Balance.IsNegative())
}

func TestCreateAccountStoreFaultIsAudited(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "", dec(t, "10.00"))
	require.Error(t, err)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1)
	assert.Equal(t, "CreateAccount", entries[0].Operation)
	assert.Equal(t, "store_failure", entries[0].Code)
	assert.Equal(t, "CustomerName=", entries[0].Context)
}

func TestAuditEntrySurvivesCanceledCaller(t *testing.T) {
	l, store := newLedger(t)

	id := mustCreate(t, l, "Alice", "10.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Withdraw(ctx, id, decimal.Zero, "")
	require.ErrorIs(t, err, storage.ErrInvalidAmount)

	entries := auditEntries(t, store)
	require.Len(t, entries, 1, "audit write must not be suppressed by caller cancellation")
}
