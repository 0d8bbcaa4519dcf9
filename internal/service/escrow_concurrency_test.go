// internal/service/escrow_concurrency_test.go
package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"
	"bountypay-wallet/pkg/db"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a tiny transactional ledger used to exercise the escrow state
// machine under real goroutine contention. It models the two database
// behaviors the service relies on: per-bounty row locks held until the
// transaction ends, and writes that only become visible on commit.
type memStore struct {
	mu          sync.Mutex
	rows        []domain.WalletTransaction
	balances    map[string]int64
	bountyLocks map[string]*sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		balances:    make(map[string]int64),
		bountyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *memStore) lockFor(bountyID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bountyLocks[bountyID]; !ok {
		s.bountyLocks[bountyID] = &sync.Mutex{}
	}
	return s.bountyLocks[bountyID]
}

func (s *memStore) findByBountyAndType(bountyID string, txType domain.TransactionType) *domain.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		row := s.rows[i]
		if row.Type == txType && row.BountyID != nil && *row.BountyID == bountyID {
			copied := row
			return &copied
		}
	}
	return nil
}

func (s *memStore) countByType(txType domain.TransactionType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.rows {
		if s.rows[i].Type == txType {
			n++
		}
	}
	return n
}

func (s *memStore) balanceOf(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func (s *memStore) seed(row *domain.WalletTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *row)
}

// memTx implements db.TxController and repository.DBExecutor. Repository
// fakes stage writes on it; Commit publishes them to the store and releases
// any bounty locks taken during the transaction.
type memTx struct {
	store   *memStore
	staged  []domain.WalletTransaction
	deltas  map[string]int64
	unlocks []func()
	done    bool
}

func newMemTx(store *memStore) *memTx {
	return &memTx{store: store, deltas: make(map[string]int64)}
}

func (t *memTx) finish() {
	if t.done {
		return
	}
	t.done = true
	for _, unlock := range t.unlocks {
		unlock()
	}
}

func (t *memTx) Commit() error {
	t.store.mu.Lock()
	t.store.rows = append(t.store.rows, t.staged...)
	for userID, delta := range t.deltas {
		t.store.balances[userID] += delta
	}
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback() error {
	t.finish()
	return nil
}

func (t *memTx) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return nil
}

func (t *memTx) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return nil
}

func (t *memTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (t *memTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

type memTransactionRepo struct {
	store *memStore
}

func (r *memTransactionRepo) CreateTransaction(ctx context.Context, q repository.DBExecutor, transaction *domain.WalletTransaction) error {
	tx := q.(*memTx)
	tx.staged = append(tx.staged, *transaction)
	return nil
}

func (r *memTransactionRepo) GetByBountyAndType(ctx context.Context, q repository.DBExecutor, bountyID string, txType domain.TransactionType) (*domain.WalletTransaction, error) {
	if row := r.store.findByBountyAndType(bountyID, txType); row != nil {
		return row, nil
	}
	return nil, util.ErrNotFound
}

func (r *memTransactionRepo) GetEscrowForUpdate(ctx context.Context, q repository.DBExecutor, bountyID string) (*domain.WalletTransaction, error) {
	tx := q.(*memTx)
	lock := r.store.lockFor(bountyID)
	lock.Lock()
	tx.unlocks = append(tx.unlocks, lock.Unlock)
	if row := r.store.findByBountyAndType(bountyID, domain.TransactionTypeEscrow); row != nil {
		return row, nil
	}
	return nil, util.ErrNotFound
}

func (r *memTransactionRepo) GetCompletedByIdempotencyKey(ctx context.Context, q repository.DBExecutor, key string, txType domain.TransactionType) (*domain.WalletTransaction, error) {
	return nil, util.ErrNotFound
}

func (r *memTransactionRepo) SetExternalReference(ctx context.Context, q repository.DBExecutor, transactionID, externalRef string) error {
	return nil
}

func (r *memTransactionRepo) GetTransactionsByUserID(ctx context.Context, q repository.DBExecutor, userID string, limit, offset int) ([]domain.WalletTransaction, int64, error) {
	return nil, 0, nil
}

type memBalance struct {
	store *memStore
}

func (b *memBalance) GetBalance(ctx context.Context, userID string) (*domain.WalletAccount, error) {
	account := domain.NewWalletAccount(userID)
	account.BalanceCents = b.store.balanceOf(userID)
	return account, nil
}

func (b *memBalance) ApplyDelta(ctx context.Context, q repository.DBExecutor, userID string, deltaCents int64) (*domain.WalletAccount, error) {
	tx := q.(*memTx)
	visible := b.store.balanceOf(userID) + tx.deltas[userID]
	if visible+deltaCents < 0 {
		return nil, util.ErrInsufficientFunds
	}
	tx.deltas[userID] += deltaCents
	account := domain.NewWalletAccount(userID)
	account.BalanceCents = visible + deltaCents
	return account, nil
}

type memOutboxRepo struct {
	mu     sync.Mutex
	events []domain.OutboxEvent
}

func (r *memOutboxRepo) CreateEvent(ctx context.Context, q repository.DBExecutor, event *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *memOutboxRepo) FetchDue(ctx context.Context, q repository.DBExecutor, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	return nil, nil
}

func (r *memOutboxRepo) Claim(ctx context.Context, q repository.DBExecutor, eventID string) (bool, error) {
	return false, nil
}

func (r *memOutboxRepo) MarkCompleted(ctx context.Context, q repository.DBExecutor, eventID string) error {
	return nil
}

func (r *memOutboxRepo) RecordFailure(ctx context.Context, q repository.DBExecutor, eventID string, retryCount int, status domain.OutboxStatus, nextRetryAt time.Time, lastError string) error {
	return nil
}

func (r *memOutboxRepo) FetchStuck(ctx context.Context, q repository.DBExecutor, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	return nil, nil
}

func (r *memOutboxRepo) GetEvent(ctx context.Context, q repository.DBExecutor, eventID string) (*domain.OutboxEvent, error) {
	return nil, util.ErrNotFound
}

func newContentionService(store *memStore) EscrowService {
	beginTx := func(ctx context.Context, _ db.DBTxBeginner) (db.TxController, error) {
		return newMemTx(store), nil
	}
	commitTx := func(tx db.TxController) error { return tx.Commit() }
	rollbackTx := func(tx db.TxController) { _ = tx.Rollback() }
	return NewEscrowService(
		nil,
		newMemTx(store), // executor for non-transactional reads
		&memBalance{store: store},
		&memTransactionRepo{store: store},
		&memOutboxRepo{},
		beginTx,
		commitTx,
		rollbackTx,
		decimal.NewFromInt(5),
	)
}

func TestConcurrentReleasesExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(domain.NewWalletTransaction("poster-1", domain.TransactionTypeEscrow, 10000).WithBounty("bounty-1"))
	svc := newContentionService(store)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ReleaseEscrow(ctx, "bounty-1", "hunter-1", nil, "")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, util.ErrConflict)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, store.countByType(domain.TransactionTypeRelease))
	assert.Equal(t, int64(9500), store.balanceOf("hunter-1"))
}

func TestConcurrentReleaseAndRefundAreMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed(domain.NewWalletTransaction("poster-1", domain.TransactionTypeEscrow, 10000).WithBounty("bounty-1"))
	svc := newContentionService(store)

	var wg sync.WaitGroup
	var releaseErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = svc.ReleaseEscrow(ctx, "bounty-1", "hunter-1", nil, "")
	}()
	go func() {
		defer wg.Done()
		_, refundErr = svc.RefundEscrow(ctx, "bounty-1", "poster-1", "deadline missed", "")
	}()
	wg.Wait()

	// Exactly one of the two settles the bounty; the loser gets a conflict.
	if releaseErr == nil {
		require.ErrorIs(t, refundErr, util.ErrConflict)
	} else {
		require.ErrorIs(t, releaseErr, util.ErrConflict)
		require.NoError(t, refundErr)
	}
	terminal := store.countByType(domain.TransactionTypeRelease) + store.countByType(domain.TransactionTypeRefund)
	assert.Equal(t, 1, terminal)
}
