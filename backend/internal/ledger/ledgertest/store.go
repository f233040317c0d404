// Package ledgertest provides an in-memory ledger.Store for tests.
//
// Transactions are modeled with copy-on-write state under one mutex:
// WithTx runs the callback against a deep copy and swaps it in only on
// success, so a failed transaction leaves prior state byte-for-byte
// unchanged, and concurrent transactions serialize the way row-locked
// database transactions do.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minibroker/backend/internal/apperr"
	"github.com/user/minibroker/backend/internal/ledger"
	"github.com/user/minibroker/backend/internal/models"
)

type state struct {
	accounts     map[uuid.UUID]*models.Account
	orders       map[uuid.UUID]*models.Order
	positions    map[uuid.UUID]*models.Position
	history      []*models.PositionHistory
	transactions map[uuid.UUID]*models.Transaction
	txnSeq       []uuid.UUID
	txnByKey     map[string]uuid.UUID
	securities   map[string]*models.Security
	bankAccounts map[uuid.UUID]*models.BankAccount
	deposits     map[uuid.UUID]*models.Deposit
	withdrawals  map[uuid.UUID]*models.Withdrawal
	transfers    map[uuid.UUID]*models.Transfer
}

func newState() *state {
	return &state{
		accounts:     map[uuid.UUID]*models.Account{},
		orders:       map[uuid.UUID]*models.Order{},
		positions:    map[uuid.UUID]*models.Position{},
		transactions: map[uuid.UUID]*models.Transaction{},
		txnByKey:     map[string]uuid.UUID{},
		securities:   map[string]*models.Security{},
		bankAccounts: map[uuid.UUID]*models.BankAccount{},
		deposits:     map[uuid.UUID]*models.Deposit{},
		withdrawals:  map[uuid.UUID]*models.Withdrawal{},
		transfers:    map[uuid.UUID]*models.Transfer{},
	}
}

func (st *state) clone() *state {
	next := newState()
	for k, v := range st.accounts {
		next.accounts[k] = copyAccount(v)
	}
	for k, v := range st.orders {
		next.orders[k] = copyOrder(v)
	}
	for k, v := range st.positions {
		next.positions[k] = copyPosition(v)
	}
	next.history = append(next.history, st.history...)
	for k, v := range st.transactions {
		cp := *v
		next.transactions[k] = &cp
	}
	next.txnSeq = append(next.txnSeq, st.txnSeq...)
	for k, v := range st.txnByKey {
		next.txnByKey[k] = v
	}
	for k, v := range st.securities {
		cp := *v
		next.securities[k] = &cp
	}
	for k, v := range st.bankAccounts {
		cp := *v
		next.bankAccounts[k] = &cp
	}
	for k, v := range st.deposits {
		cp := *v
		next.deposits[k] = &cp
	}
	for k, v := range st.withdrawals {
		cp := *v
		next.withdrawals[k] = &cp
	}
	for k, v := range st.transfers {
		cp := *v
		next.transfers[k] = &cp
	}
	return next
}

func copyAccount(a *models.Account) *models.Account {
	cp := *a
	return &cp
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		cp.LimitPrice = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		cp.StopPrice = &p
	}
	if o.AverageFillPrice != nil {
		p := *o.AverageFillPrice
		cp.AverageFillPrice = &p
	}
	if o.ExecutedAt != nil {
		t := *o.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

func copyPosition(p *models.Position) *models.Position {
	cp := *p
	return &cp
}

// Store is an in-memory ledger.Store.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// Seed helpers install fixtures outside any transaction.

func (s *Store) SeedAccount(a *models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.accounts[a.ID] = copyAccount(a)
}

func (s *Store) SeedSecurity(sec *models.Security) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sec
	s.st.securities[sec.Symbol] = &cp
}

func (s *Store) SeedBankAccount(ba *models.BankAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ba
	s.st.bankAccounts[ba.ID] = &cp
}

func (s *Store) SeedPosition(p *models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.positions[p.ID] = copyPosition(p)
}

func (s *Store) SeedOrder(o *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[o.ID] = copyOrder(o)
}

// WithTx serializes all transactions under one mutex and applies
// copy-on-write semantics: fn mutates a clone that replaces the live
// state only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(a), nil
}

func (s *Store) AccountByNumber(ctx context.Context, number string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.st.accounts {
		if a.Number == number {
			return copyAccount(a), nil
		}
	}
	return nil, nil
}

func (s *Store) AccountsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Account
	for _, a := range s.st.accounts {
		if a.UserID == userID {
			out = append(out, copyAccount(a))
		}
	}
	return out, nil
}

func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (s *Store) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (s *Store) OrdersByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.st.orders {
		if o.AccountID == accountID {
			out = append(out, copyOrder(o))
		}
	}
	return out, nil
}

func (s *Store) Position(ctx context.Context, accountID, securityID uuid.UUID) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.st.positions {
		if p.AccountID == accountID && p.SecurityID == securityID {
			return copyPosition(p), nil
		}
	}
	return nil, nil
}

func (s *Store) PositionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Position
	for _, p := range s.st.positions {
		if p.AccountID == accountID {
			out = append(out, copyPosition(p))
		}
	}
	return out, nil
}

func (s *Store) PositionHistoryByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.PositionHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PositionHistory
	for _, h := range s.st.history {
		if h.AccountID == accountID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) TransactionsByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, id := range s.st.txnSeq {
		t := s.st.transactions[id]
		if t.AccountID == accountID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) SecurityBySymbol(ctx context.Context, symbol string) (*models.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.st.securities[symbol]
	if !ok {
		return nil, nil
	}
	cp := *sec
	return &cp, nil
}

func (s *Store) UpsertSecurity(ctx context.Context, sec *models.Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sec
	s.st.securities[sec.Symbol] = &cp
	return nil
}

func (s *Store) BankAccount(ctx context.Context, id uuid.UUID) (*models.BankAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ba, ok := s.st.bankAccounts[id]
	if !ok {
		return nil, nil
	}
	cp := *ba
	return &cp, nil
}

func (s *Store) CreateBankAccount(ctx context.Context, ba *models.BankAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ba
	s.st.bankAccounts[ba.ID] = &cp
	return nil
}

func (s *Store) Deposit(ctx context.Context, id uuid.UUID) (*models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.st.deposits[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *Store) Withdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.st.withdrawals[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

// memTx mutates a cloned state. The enclosing WithTx holds the store
// mutex, so no additional locking is needed here.
type memTx struct {
	st *state
}

var _ ledger.Tx = (*memTx)(nil)

func (m *memTx) AccountForUpdate(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := m.st.accounts[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(a), nil
}

func (m *memTx) SetAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error {
	a, ok := m.st.accounts[id]
	if !ok {
		return apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (m *memTx) AdjustCash(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	a, ok := m.st.accounts[accountID]
	if !ok {
		return apperr.E(apperr.NotFound, "account_not_found", "account not found")
	}
	next := a.CashBalance.Add(delta)
	if next.Sign() < 0 {
		return apperr.E(apperr.FailedPrecondition, "insufficient_funds", "cash balance would go negative")
	}
	a.CashBalance = next
	a.UpdatedAt = time.Now()
	return nil
}

func (m *memTx) PositionForUpdate(ctx context.Context, accountID, securityID uuid.UUID) (*models.Position, error) {
	for _, p := range m.st.positions {
		if p.AccountID == accountID && p.SecurityID == securityID {
			return copyPosition(p), nil
		}
	}
	return nil, nil
}

func (m *memTx) SavePosition(ctx context.Context, pos *models.Position) error {
	if pos.Quantity.Sign() < 0 {
		return apperr.E(apperr.FailedPrecondition, "insufficient_shares", "position quantity would go negative")
	}
	m.st.positions[pos.ID] = copyPosition(pos)
	return nil
}

func (m *memTx) DeletePosition(ctx context.Context, id uuid.UUID) error {
	delete(m.st.positions, id)
	return nil
}

func (m *memTx) ArchivePosition(ctx context.Context, hist *models.PositionHistory) error {
	cp := *hist
	m.st.history = append(m.st.history, &cp)
	return nil
}

func (m *memTx) HasPositions(ctx context.Context, accountID uuid.UUID) (bool, error) {
	for _, p := range m.st.positions {
		if p.AccountID == accountID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTx) CreateOrder(ctx context.Context, o *models.Order) error {
	m.st.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *memTx) OrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := m.st.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (m *memTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	if _, ok := m.st.orders[o.ID]; !ok {
		return apperr.E(apperr.NotFound, "order_not_found", "order not found")
	}
	m.st.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *memTx) HasOpenOrders(ctx context.Context, accountID uuid.UUID) (bool, error) {
	for _, o := range m.st.orders {
		if o.AccountID == accountID && !o.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTx) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	if t.IdempotencyKey != "" {
		if _, dup := m.st.txnByKey[t.IdempotencyKey]; dup {
			return apperr.E(apperr.Conflict, "duplicate_transaction", "idempotency key already used")
		}
		m.st.txnByKey[t.IdempotencyKey] = t.ID
	}
	cp := *t
	m.st.transactions[t.ID] = &cp
	m.st.txnSeq = append(m.st.txnSeq, t.ID)
	return nil
}

func (m *memTx) TransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	id, ok := m.st.txnByKey[key]
	if !ok {
		return nil, nil
	}
	cp := *m.st.transactions[id]
	return &cp, nil
}

func (m *memTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	t, ok := m.st.transactions[id]
	if !ok {
		return apperr.E(apperr.NotFound, "transaction_not_found", "transaction not found")
	}
	if t.Status != models.TxPending {
		return apperr.E(apperr.FailedPrecondition, "ledger_immutable", "only pending ledger rows may change status")
	}
	if status != models.TxCompleted && status != models.TxFailed {
		return apperr.E(apperr.InvalidArgument, "invalid_status", "pending rows move to completed or failed only")
	}
	t.Status = status
	return nil
}

func (m *memTx) CreateDeposit(ctx context.Context, d *models.Deposit) error {
	cp := *d
	m.st.deposits[d.ID] = &cp
	return nil
}

func (m *memTx) DepositForUpdate(ctx context.Context, id uuid.UUID) (*models.Deposit, error) {
	d, ok := m.st.deposits[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memTx) SetDepositStatus(ctx context.Context, id uuid.UUID, status models.FundingStatus) error {
	d, ok := m.st.deposits[id]
	if !ok {
		return apperr.E(apperr.NotFound, "deposit_not_found", "deposit not found")
	}
	d.Status = status
	now := time.Now()
	d.SettledAt = &now
	return nil
}

func (m *memTx) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	cp := *w
	m.st.withdrawals[w.ID] = &cp
	return nil
}

func (m *memTx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	w, ok := m.st.withdrawals[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *memTx) SetWithdrawalStatus(ctx context.Context, id uuid.UUID, status models.FundingStatus) error {
	w, ok := m.st.withdrawals[id]
	if !ok {
		return apperr.E(apperr.NotFound, "withdrawal_not_found", "withdrawal not found")
	}
	w.Status = status
	now := time.Now()
	w.SettledAt = &now
	return nil
}

func (m *memTx) CountPendingWithdrawals(ctx context.Context, accountID uuid.UUID) (int, error) {
	n := 0
	for _, w := range m.st.withdrawals {
		if w.AccountID == accountID && w.Status == models.FundingPending {
			n++
		}
	}
	return n, nil
}

func (m *memTx) CreateTransfer(ctx context.Context, tr *models.Transfer) error {
	cp := *tr
	m.st.transfers[tr.ID] = &cp
	return nil
}
