package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/example-project/services/transfer-service/internal/domain"
)

// memStore is an in-memory ledger with PostgreSQL-like locking: row locks and
// idempotency key reservations are held until the unit of work ends, and
// writes made inside a unit of work become visible only on commit.
type memStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]domain.Account
	cards    map[string]uuid.UUID
	txns     map[uuid.UUID]domain.Transaction
	txnOrder []uuid.UUID
	idem     map[idemKey]domain.IdempotencyRecord

	rowLocks map[uuid.UUID]*sync.Mutex
	keyLocks map[idemKey]*sync.Mutex
	lockLog  []uuid.UUID

	lockTimeout time.Duration

	failBalanceUpdate map[uuid.UUID]error
	failTxnCreate     error
	failCommit        error
	failFindKey       error
}

type idemKey struct {
	key  string
	user uuid.UUID
}

type unitOfWork struct {
	rows     []uuid.UUID
	keys     []idemKey
	balances map[uuid.UUID]decimal.Decimal
	txns     []*domain.Transaction
	idem     map[idemKey]*domain.IdempotencyRecord
}

func (u *unitOfWork) holdsRow(id uuid.UUID) bool {
	for _, held := range u.rows {
		if held == id {
			return true
		}
	}
	return false
}

func (u *unitOfWork) holdsKey(k idemKey) bool {
	for _, held := range u.keys {
		if held == k {
			return true
		}
	}
	return false
}

type uowKey struct{}

func uowFrom(ctx context.Context) *unitOfWork {
	u, _ := ctx.Value(uowKey{}).(*unitOfWork)
	return u
}

func newMemStore() *memStore {
	return &memStore{
		accounts:          make(map[uuid.UUID]domain.Account),
		cards:             make(map[string]uuid.UUID),
		txns:              make(map[uuid.UUID]domain.Transaction),
		idem:              make(map[idemKey]domain.IdempotencyRecord),
		rowLocks:          make(map[uuid.UUID]*sync.Mutex),
		keyLocks:          make(map[idemKey]*sync.Mutex),
		failBalanceUpdate: make(map[uuid.UUID]error),
	}
}

// seed inserts a committed account and returns a copy of it.
func (s *memStore) seed(owner uuid.UUID, card, currency, balance string) domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	account := domain.Account{
		ID:         uuid.New(),
		OwnerID:    owner,
		CardNumber: card,
		Currency:   currency,
		Balance:    decimal.RequireFromString(balance),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.accounts[account.ID] = account
	s.cards[card] = account.ID
	return account
}

func (s *memStore) balance(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id].Balance.StringFixed(4)
}

func (s *memStore) transactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

func (s *memStore) idempotencyRecord(key string, user uuid.UUID) (domain.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[idemKey{key, user}]
	return rec, ok
}

func (s *memStore) lockedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.lockLog...)
}

func (s *memStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[id] = m
	}
	return m
}

func (s *memStore) keyLock(k idemKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.keyLocks[k]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[k] = m
	}
	return m
}

func (s *memStore) acquire(m *sync.Mutex) error {
	if s.lockTimeout <= 0 {
		m.Lock()
		return nil
	}
	deadline := time.Now().Add(s.lockTimeout)
	for !m.TryLock() {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: lock not available", domain.ErrLockTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (s *memStore) commit(u *unitOfWork) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, balance := range u.balances {
		account := s.accounts[id]
		account.Balance = balance
		account.UpdatedAt = now
		s.accounts[id] = account
	}
	for _, txn := range u.txns {
		s.txns[txn.ID] = *txn
		s.txnOrder = append(s.txnOrder, txn.ID)
	}
	for k, rec := range u.idem {
		s.idem[k] = *rec
	}
}

func (s *memStore) release(u *unitOfWork) {
	for i := len(u.rows) - 1; i >= 0; i-- {
		s.rowLock(u.rows[i]).Unlock()
	}
	for _, k := range u.keys {
		s.keyLock(k).Unlock()
	}
}

// memTxManager implements domain.TransactionManager.
type memTxManager struct{ store *memStore }

func (m *memTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if uowFrom(ctx) != nil {
		return fn(ctx)
	}

	u := &unitOfWork{
		balances: make(map[uuid.UUID]decimal.Decimal),
		idem:     make(map[idemKey]*domain.IdempotencyRecord),
	}
	defer m.store.release(u)

	if err := fn(context.WithValue(ctx, uowKey{}, u)); err != nil {
		return err
	}
	if m.store.failCommit != nil {
		return m.store.failCommit
	}
	m.store.commit(u)
	return nil
}

// memAccountRepo implements domain.AccountRepository.
type memAccountRepo struct{ store *memStore }

func (r *memAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	account, ok := r.store.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &account, nil
}

func (r *memAccountRepo) GetByCardNumber(ctx context.Context, cardNumber string) (*domain.Account, error) {
	r.store.mu.Lock()
	id, ok := r.store.cards[cardNumber]
	r.store.mu.Unlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *memAccountRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*domain.Account, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var accounts []*domain.Account
	for _, account := range r.store.accounts {
		if account.OwnerID == ownerID {
			account := account
			accounts = append(accounts, &account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.After(accounts[j].CreatedAt) })
	return accounts, nil
}

func (r *memAccountRepo) CardNumberExists(_ context.Context, cardNumber string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, ok := r.store.cards[cardNumber]
	return ok, nil
}

func (r *memAccountRepo) Create(_ context.Context, account *domain.Account) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.cards[account.CardNumber]; ok {
		return domain.ErrDuplicateCardNumber
	}
	r.store.accounts[account.ID] = *account
	r.store.cards[account.CardNumber] = account.ID
	return nil
}

func (r *memAccountRepo) UpdateBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	u := uowFrom(ctx)
	if u == nil {
		return domain.ErrNoTransaction
	}
	if !u.holdsRow(id) {
		return fmt.Errorf("balance update of %s without row lock", id)
	}
	if err := r.store.failBalanceUpdate[id]; err != nil {
		return err
	}
	if balance.IsNegative() {
		return errors.New("check constraint accounts_balance_non_negative violated")
	}
	u.balances[id] = balance
	return nil
}

func (r *memAccountRepo) Lock(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	u := uowFrom(ctx)
	if u == nil {
		return nil, domain.ErrNoTransaction
	}
	if !u.holdsRow(id) {
		if err := r.store.acquire(r.store.rowLock(id)); err != nil {
			return nil, err
		}
		u.rows = append(u.rows, id)
		r.store.mu.Lock()
		r.store.lockLog = append(r.store.lockLog, id)
		r.store.mu.Unlock()
	}

	account, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending, ok := u.balances[id]; ok {
		account.Balance = pending
	}
	return account, nil
}

// memTransactionRepo implements domain.TransactionRepository.
type memTransactionRepo struct{ store *memStore }

func (r *memTransactionRepo) Create(ctx context.Context, txn *domain.Transaction) error {
	if r.store.failTxnCreate != nil {
		return r.store.failTxnCreate
	}
	stored := *txn
	if u := uowFrom(ctx); u != nil {
		u.txns = append(u.txns, &stored)
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.txns[stored.ID] = stored
	r.store.txnOrder = append(r.store.txnOrder, stored.ID)
	return nil
}

func (r *memTransactionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus) error {
	if u := uowFrom(ctx); u != nil {
		for _, txn := range u.txns {
			if txn.ID == id && txn.Status == domain.TransactionStatusPending {
				txn.Status = status
				return nil
			}
		}
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	txn, ok := r.store.txns[id]
	if !ok || txn.Status != domain.TransactionStatusPending {
		return domain.ErrTransactionNotFound
	}
	txn.Status = status
	r.store.txns[id] = txn
	return nil
}

func (r *memTransactionRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	txn, ok := r.store.txns[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &txn, nil
}

func (r *memTransactionRepo) touching(accountID uuid.UUID) []*domain.Transaction {
	var txns []*domain.Transaction
	for i := len(r.store.txnOrder) - 1; i >= 0; i-- {
		txn := r.store.txns[r.store.txnOrder[i]]
		if (txn.SourceAccountID != nil && *txn.SourceAccountID == accountID) ||
			(txn.TargetAccountID != nil && *txn.TargetAccountID == accountID) {
			txns = append(txns, &txn)
		}
	}
	return txns
}

func (r *memTransactionRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	txns := r.touching(accountID)
	if offset >= len(txns) {
		return nil, nil
	}
	txns = txns[offset:]
	if len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (r *memTransactionRepo) CountByAccount(_ context.Context, accountID uuid.UUID) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return len(r.touching(accountID)), nil
}

// memIdempotencyRepo implements domain.IdempotencyRepository.
type memIdempotencyRepo struct{ store *memStore }

func (r *memIdempotencyRepo) FindByKey(_ context.Context, key string, userID uuid.UUID) (*domain.IdempotencyRecord, error) {
	if r.store.failFindKey != nil {
		return nil, r.store.failFindKey
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.idem[idemKey{key, userID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memIdempotencyRepo) Create(ctx context.Context, record *domain.IdempotencyRecord) error {
	u := uowFrom(ctx)
	if u == nil {
		return domain.ErrNoTransaction
	}
	k := idemKey{record.Key, record.UserID}
	if !u.holdsKey(k) {
		// waits like an insert behind an uncommitted row with the same key
		if err := r.store.acquire(r.store.keyLock(k)); err != nil {
			return err
		}
		u.keys = append(u.keys, k)
	}

	r.store.mu.Lock()
	_, exists := r.store.idem[k]
	r.store.mu.Unlock()
	if _, pending := u.idem[k]; exists || pending {
		return domain.ErrDuplicateIdempotencyKey
	}

	stored := *record
	u.idem[k] = &stored
	return nil
}

func (r *memIdempotencyRepo) Complete(ctx context.Context, key string, userID uuid.UUID, status int, body []byte) error {
	u := uowFrom(ctx)
	if u == nil {
		return domain.ErrNoTransaction
	}
	rec, ok := u.idem[idemKey{key, userID}]
	if !ok {
		return fmt.Errorf("idempotency record %q not found", key)
	}
	rec.ResponseStatus = status
	rec.ResponseBody = body
	return nil
}

// recordingPublisher implements domain.EventPublisher.
type recordingPublisher struct {
	events chan *domain.TransferResult
	err    error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan *domain.TransferResult, 64)}
}

func (p *recordingPublisher) PublishTransferCompleted(_ context.Context, result *domain.TransferResult) error {
	p.events <- result
	return p.err
}

type fixture struct {
	store     *memStore
	publisher *recordingPublisher
	transfers *domain.TransferService
	accounts  *domain.AccountService
}

func newFixture() *fixture {
	store := newMemStore()
	publisher := newRecordingPublisher()
	accountRepo := &memAccountRepo{store: store}
	transactionRepo := &memTransactionRepo{store: store}
	return &fixture{
		store:     store,
		publisher: publisher,
		transfers: domain.NewTransferService(
			accountRepo,
			transactionRepo,
			&memIdempotencyRepo{store: store},
			&memTxManager{store: store},
			publisher,
			zerolog.Nop(),
		),
		accounts: domain.NewAccountService(accountRepo, transactionRepo, zerolog.Nop()),
	}
}
