package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finledger/internal/core"
	"finledger/internal/storage"
)

// DefaultLockWait bounds how long an operation waits for an account lock
// before it is aborted as a deadlock victim.
const DefaultLockWait = 2 * time.Second

var _ storage.Storage = (*Store)(nil)

// Store provides in-memory persistence for accounts, transactions and the
// error audit log. Per-account locks are held for the duration of a mutating
// operation; all mutations of one operation are applied under s.mu in a
// single block, so readers never observe a partial effect.
type Store struct {
	mu           sync.RWMutex
	accounts     map[int]*core.Account
	transactions []*core.Transaction
	nextAcctID   int
	nextTxnID    int

	locksMu   sync.Mutex
	acctLocks map[int]chan struct{}
	lockWait  time.Duration

	auditMu     sync.Mutex
	audit       []*core.ErrorAuditEntry
	nextAuditID int
}

// NewStore creates a new in-memory data store.
func NewStore() *Store {
	return &Store{
		accounts:  make(map[int]*core.Account),
		acctLocks: make(map[int]chan struct{}),
		lockWait:  DefaultLockWait,
	}
}

// NewStoreWithLockWait creates a store with a custom lock-wait timeout.
func NewStoreWithLockWait(d time.Duration) *Store {
	s := NewStore()
	s.lockWait = d
	return s
}

func (s *Store) accountLock(id int) chan struct{} {
	s.locksMu.Lock()
	l, ok := s.acctLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.acctLocks[id] = l
	}
	s.locksMu.Unlock()
	return l
}

// lockAccount acquires the exclusive lock for one account row. Waiting longer
// than lockWait aborts the caller the way a database resolves lock contention.
func (s *Store) lockAccount(ctx context.Context, id int) (func(), error) {
	l := s.accountLock(id)

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-timer.C:
		return nil, fmt.Errorf("account %d: %w", id, storage.ErrDeadlockOrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateAccount adds a new active account. Constraint checks mirror what the
// schema enforces: non-empty customer name, non-negative opening balance.
func (s *Store) CreateAccount(ctx context.Context, customerName string, openingBalance decimal.Decimal) (*core.Account, error) {
	if customerName == "" {
		return nil, fmt.Errorf("customer name must be non-empty")
	}
	if openingBalance.IsNegative() {
		return nil, fmt.Errorf("opening balance must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAcctID++
	acc := &core.Account{
		ID:           s.nextAcctID,
		CustomerName: customerName,
		Balance:      openingBalance,
		Status:       core.AccountActive,
		CreatedAt:    time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc

	copyAcc := *acc
	return &copyAcc, nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id int) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, storage.ErrAccountUnavailable)
	}
	copyAcc := *acc
	return &copyAcc, nil
}

// ListAccounts returns all accounts ordered by ID.
func (s *Store) ListAccounts(ctx context.Context) ([]*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*core.Account
	for _, acc := range s.accounts {
		copyAcc := *acc
		list = append(list, &copyAcc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// SetAccountStatus flips an account between active and inactive. Accounts are
// never deleted; setting inactive is how one is retired.
func (s *Store) SetAccountStatus(ctx context.Context, id int, status core.AccountStatus) error {
	if status != core.AccountActive && status != core.AccountInactive {
		return fmt.Errorf("unknown account status %q", status)
	}

	unlock, err := s.lockAccount(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %d: %w", id, storage.ErrAccountUnavailable)
	}
	acc.Status = status
	return nil
}

func (s *Store) appendTransactionLocked(txn *core.Transaction) error {
	if err := txn.Validate(); err != nil {
		return err
	}
	s.nextTxnID++
	txn.ID = s.nextTxnID
	txn.Status = core.TransactionSuccess
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	s.transactions = append(s.transactions, txn)
	return nil
}

// Deposit credits an active account and appends the ledger entry, atomically.
func (s *Store) Deposit(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error {
	unlock, err := s.lockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok || acc.Status != core.AccountActive {
		return fmt.Errorf("account %d: %w", accountID, storage.ErrAccountUnavailable)
	}

	txn := &core.Transaction{
		ToAccountID: &accountID,
		Amount:      amount,
		Kind:        core.KindDeposit,
		Reference:   reference,
	}
	if err := s.appendTransactionLocked(txn); err != nil {
		return err
	}
	acc.Balance = acc.Balance.Add(amount)
	return nil
}

// Withdraw debits an active account if the freshly read balance covers the
// amount, and appends the ledger entry, atomically.
func (s *Store) Withdraw(ctx context.Context, accountID int, amount decimal.Decimal, reference string) error {
	unlock, err := s.lockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok || acc.Status != core.AccountActive {
		return fmt.Errorf("account %d: %w", accountID, storage.ErrAccountUnavailable)
	}
	if acc.Balance.LessThan(amount) {
		return fmt.Errorf("account %d: %w", accountID, storage.ErrInsufficientFunds)
	}

	txn := &core.Transaction{
		FromAccountID: &accountID,
		Amount:        amount,
		Kind:          core.KindWithdrawal,
		Reference:     reference,
	}
	if err := s.appendTransactionLocked(txn); err != nil {
		return err
	}
	acc.Balance = acc.Balance.Sub(amount)
	return nil
}

// Transfer debits the source and credits the destination in one atomic step.
//
// Locks are taken source first, then destination, regardless of the numeric
// order of the IDs. Two concurrent opposite transfers can therefore block
// each other; the lock-wait timeout aborts one of them with
// ErrDeadlockOrTimeout and the caller may retry.
func (s *Store) Transfer(ctx context.Context, fromID, toID int, amount decimal.Decimal, reference string) error {
	unlockFrom, err := s.lockAccount(ctx, fromID)
	if err != nil {
		return err
	}
	defer unlockFrom()

	s.mu.RLock()
	from, okFrom := s.accounts[fromID]
	fromActive := okFrom && from.Status == core.AccountActive
	var fromBalance decimal.Decimal
	if okFrom {
		fromBalance = from.Balance
	}
	s.mu.RUnlock()

	if !fromActive {
		return fmt.Errorf("account %d: %w", fromID, storage.ErrFromAccountUnavailable)
	}
	if fromBalance.LessThan(amount) {
		return fmt.Errorf("account %d: %w", fromID, storage.ErrInsufficientFunds)
	}

	unlockTo, err := s.lockAccount(ctx, toID)
	if err != nil {
		return err
	}
	defer unlockTo()

	s.mu.Lock()
	defer s.mu.Unlock()

	from = s.accounts[fromID]
	to, okTo := s.accounts[toID]
	if !okTo || to.Status != core.AccountActive {
		return fmt.Errorf("account %d: %w", toID, storage.ErrToAccountUnavailable)
	}

	txn := &core.Transaction{
		FromAccountID: &fromID,
		ToAccountID:   &toID,
		Amount:        amount,
		Kind:          core.KindTransfer,
		Reference:     reference,
	}
	if err := s.appendTransactionLocked(txn); err != nil {
		return err
	}
	from.Balance = from.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)
	return nil
}

// ListTransactions lists all ledger entries touching an account.
func (s *Store) ListTransactions(ctx context.Context, accountID int) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*core.Transaction
	for _, t := range s.transactions {
		if (t.FromAccountID != nil && *t.FromAccountID == accountID) ||
			(t.ToAccountID != nil && *t.ToAccountID == accountID) {
			c := *t
			list = append(list, &c)
		}
	}
	return list, nil
}

// GetTransactionByRef returns the earliest ledger entry carrying a reference
// token. References are indexed but not unique.
func (s *Store) GetTransactionByRef(ctx context.Context, reference string) (*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.transactions {
		if t.Reference != "" && t.Reference == reference {
			c := *t
			return &c, nil
		}
	}
	return nil, fmt.Errorf("reference %q: %w", reference, storage.ErrTransactionNotFound)
}

// AppendErrorAudit records one failed operation. The audit log has its own
// lock and is never touched by the mutating operations above, so a rolled
// back business operation cannot undo an audit row.
func (s *Store) AppendErrorAudit(ctx context.Context, entry *core.ErrorAuditEntry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	s.nextAuditID++
	c := *entry
	c.ID = s.nextAuditID
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now().UTC()
	}
	s.audit = append(s.audit, &c)
	return nil
}

// ListErrorAudit returns audit entries with ID greater than sinceID, oldest
// first, capped at limit.
func (s *Store) ListErrorAudit(ctx context.Context, sinceID, limit int) ([]*core.ErrorAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	var list []*core.ErrorAuditEntry
	for _, e := range s.audit {
		if e.ID <= sinceID {
			continue
		}
		c := *e
		list = append(list, &c)
		if len(list) == limit {
			break
		}
	}
	return list, nil
}

// HealthCheck runs the store integrity probes: negative balances, ledger
// entries pointing at missing accounts, duplicate reference tokens.
func (s *Store) HealthCheck(ctx context.Context) ([]core.HealthIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []core.HealthIssue

	for _, acc := range s.accounts {
		if acc.Balance.IsNegative() {
			issues = append(issues, core.HealthIssue{
				Check:  "negative_balance",
				Detail: fmt.Sprintf("account %d balance %s", acc.ID, acc.Balance),
			})
		}
	}

	refs := make(map[string]int)
	for _, t := range s.transactions {
		if t.FromAccountID != nil {
			if _, ok := s.accounts[*t.FromAccountID]; !ok {
				issues = append(issues, core.HealthIssue{
					Check:  "orphan_transaction",
					Detail: fmt.Sprintf("transaction %d references missing account %d", t.ID, *t.FromAccountID),
				})
			}
		}
		if t.ToAccountID != nil {
			if _, ok := s.accounts[*t.ToAccountID]; !ok {
				issues = append(issues, core.HealthIssue{
					Check:  "orphan_transaction",
					Detail: fmt.Sprintf("transaction %d references missing account %d", t.ID, *t.ToAccountID),
				})
			}
		}
		if t.Reference != "" {
			refs[t.Reference]++
		}
	}

	for ref, n := range refs {
		if n > 1 {
			issues = append(issues, core.HealthIssue{
				Check:  "duplicate_reference",
				Detail: fmt.Sprintf("reference %q used by %d transactions", ref, n),
			})
		}
	}

	return issues, nil
}
