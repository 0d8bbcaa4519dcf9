// internal/service/balance_service_test.go
package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDBExecutor is a mock implementation of repository.DBExecutor.
type MockDBExecutor struct {
	mock.Mock
}

func (m *MockDBExecutor) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	argsCalled := m.Called(ctx, dest, query, args)
	return argsCalled.Error(0)
}

func (m *MockDBExecutor) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	argsCalled := m.Called(ctx, dest, query, args)
	return argsCalled.Error(0)
}

func (m *MockDBExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	argsCalled := m.Called(ctx, query, args)
	return argsCalled.Get(0).(sql.Result), argsCalled.Error(1)
}

func (m *MockDBExecutor) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	m.Called(ctx, query, args)
	return &sql.Row{}
}

// MockAccountRepository is a mock implementation of repository.AccountRepository.
type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) GetAccount(ctx context.Context, q repository.DBExecutor, userID string) (*domain.WalletAccount, error) {
	args := m.Called(ctx, q, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WalletAccount), args.Error(1)
}

func (m *MockAccountRepository) CreateAccount(ctx context.Context, q repository.DBExecutor, account *domain.WalletAccount) error {
	args := m.Called(ctx, q, account)
	return args.Error(0)
}

func (m *MockAccountRepository) UpdateBalance(ctx context.Context, q repository.DBExecutor, userID string, newBalanceCents, expectedVersion int64) (bool, error) {
	args := m.Called(ctx, q, userID, newBalanceCents, expectedVersion)
	return args.Bool(0), args.Error(1)
}

func TestGetBalance(t *testing.T) {
	t.Run("ExistingAccount", func(t *testing.T) {
		ctx := context.Background()
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		account := &domain.WalletAccount{UserID: "user-1", BalanceCents: 2500, Version: 7}
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(account, nil).Once()

		res, err := svc.GetBalance(ctx, "user-1")

		assert.NoError(t, err)
		assert.Equal(t, int64(2500), res.BalanceCents)
		assert.Equal(t, int64(7), res.Version)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})

	t.Run("UnknownUserGetsVirtualZeroAccount", func(t *testing.T) {
		ctx := context.Background()
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "new-user").Return(nil, util.ErrNotFound).Once()

		res, err := svc.GetBalance(ctx, "new-user")

		assert.NoError(t, err)
		assert.Equal(t, "new-user", res.UserID)
		assert.Equal(t, int64(0), res.BalanceCents)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})
}

func TestApplyDelta(t *testing.T) {
	ctx := context.Background()

	t.Run("SuccessfulCredit", func(t *testing.T) {
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		account := &domain.WalletAccount{UserID: "user-1", BalanceCents: 500, Version: 3}
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(account, nil).Once()
		mockAccountRepo.On("UpdateBalance", ctx, mockDBExecutor, "user-1", int64(600), int64(3)).Return(true, nil).Once()

		res, err := svc.ApplyDelta(ctx, mockDBExecutor, "user-1", 100)

		assert.NoError(t, err)
		assert.Equal(t, int64(600), res.BalanceCents)
		assert.Equal(t, int64(4), res.Version)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		account := &domain.WalletAccount{UserID: "user-1", BalanceCents: 500, Version: 3}
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(account, nil).Once()

		res, err := svc.ApplyDelta(ctx, mockDBExecutor, "user-1", -600)

		assert.ErrorIs(t, err, util.ErrInsufficientFunds)
		assert.Nil(t, res)
		mockAccountRepo.AssertNotCalled(t, "UpdateBalance", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})

	t.Run("RetriesAfterVersionConflict", func(t *testing.T) {
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		// First read sees version 3, but a concurrent writer wins the
		// conditional write; the second cycle sees version 4 and succeeds.
		first := &domain.WalletAccount{UserID: "user-1", BalanceCents: 500, Version: 3}
		second := &domain.WalletAccount{UserID: "user-1", BalanceCents: 700, Version: 4}
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(first, nil).Once()
		mockAccountRepo.On("UpdateBalance", ctx, mockDBExecutor, "user-1", int64(600), int64(3)).Return(false, nil).Once()
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(second, nil).Once()
		mockAccountRepo.On("UpdateBalance", ctx, mockDBExecutor, "user-1", int64(800), int64(4)).Return(true, nil).Once()

		res, err := svc.ApplyDelta(ctx, mockDBExecutor, "user-1", 100)

		assert.NoError(t, err)
		assert.Equal(t, int64(800), res.BalanceCents)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})

	t.Run("ExhaustedOptimisticRetries", func(t *testing.T) {
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 3)

		account := &domain.WalletAccount{UserID: "user-1", BalanceCents: 500, Version: 3}
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(account, nil).Times(3)
		mockAccountRepo.On("UpdateBalance", ctx, mockDBExecutor, "user-1", int64(600), int64(3)).Return(false, nil).Times(3)

		res, err := svc.ApplyDelta(ctx, mockDBExecutor, "user-1", 100)

		assert.ErrorIs(t, err, util.ErrConflict)
		assert.Nil(t, res)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})

	t.Run("LazyAccountCreationOnFirstWrite", func(t *testing.T) {
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		created := &domain.WalletAccount{UserID: "new-user", BalanceCents: 0, Version: 1}
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "new-user").Return(nil, util.ErrNotFound).Once()
		mockAccountRepo.On("CreateAccount", ctx, mockDBExecutor, mock.AnythingOfType("*domain.WalletAccount")).Return(nil).Once()
		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "new-user").Return(created, nil).Once()
		mockAccountRepo.On("UpdateBalance", ctx, mockDBExecutor, "new-user", int64(100), int64(1)).Return(true, nil).Once()

		res, err := svc.ApplyDelta(ctx, mockDBExecutor, "new-user", 100)

		assert.NoError(t, err)
		assert.Equal(t, int64(100), res.BalanceCents)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})

	t.Run("ReadError", func(t *testing.T) {
		mockAccountRepo := new(MockAccountRepository)
		mockDBExecutor := new(MockDBExecutor)
		svc := NewBalanceService(mockDBExecutor, mockAccountRepo, 5)

		mockAccountRepo.On("GetAccount", ctx, mockDBExecutor, "user-1").Return(nil, errors.New("db error")).Once()

		res, err := svc.ApplyDelta(ctx, mockDBExecutor, "user-1", 100)

		assert.Error(t, err)
		assert.Nil(t, res)
		mock.AssertExpectationsForObjects(t, mockAccountRepo)
	})
}

// inMemoryAccountRepo implements repository.AccountRepository with real
// version-CAS semantics, for exercising the optimistic protocol under
// genuine goroutine contention.
type inMemoryAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.WalletAccount
}

func newInMemoryAccountRepo() *inMemoryAccountRepo {
	return &inMemoryAccountRepo{accounts: make(map[string]*domain.WalletAccount)}
}

func (r *inMemoryAccountRepo) GetAccount(ctx context.Context, q repository.DBExecutor, userID string) (*domain.WalletAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[userID]
	if !ok {
		return nil, util.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *inMemoryAccountRepo) CreateAccount(ctx context.Context, q repository.DBExecutor, account *domain.WalletAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.UserID]; !ok {
		copied := *account
		r.accounts[account.UserID] = &copied
	}
	return nil
}

func (r *inMemoryAccountRepo) UpdateBalance(ctx context.Context, q repository.DBExecutor, userID string, newBalanceCents, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[userID]
	if !ok || account.Version != expectedVersion {
		return false, nil
	}
	account.BalanceCents = newBalanceCents
	account.Version++
	return true, nil
}

func (r *inMemoryAccountRepo) balanceOf(userID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account, ok := r.accounts[userID]; ok {
		return account.BalanceCents
	}
	return 0
}

func TestApplyDeltaConcurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("ConcurrentCreditsAllLand", func(t *testing.T) {
		repo := newInMemoryAccountRepo()
		svc := NewBalanceService(nil, repo, 100)

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.ApplyDelta(ctx, nil, "user-1", 100)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(workers*100), repo.balanceOf("user-1"))
	})

	t.Run("BalanceNeverGoesNegative", func(t *testing.T) {
		repo := newInMemoryAccountRepo()
		svc := NewBalanceService(nil, repo, 100)

		_, err := svc.ApplyDelta(ctx, nil, "user-1", 500)
		require.NoError(t, err)

		// 10 concurrent debits of 100 against a balance of 500: exactly the
		// debits that fit succeed, the rest fail with insufficient funds,
		// and the balance never dips below zero.
		const workers = 10
		var wg sync.WaitGroup
		var successes int64
		var successMu sync.Mutex
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.ApplyDelta(ctx, nil, "user-1", -100); err == nil {
					successMu.Lock()
					successes++
					successMu.Unlock()
				} else {
					assert.ErrorIs(t, err, util.ErrInsufficientFunds)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(5), successes)
		assert.Equal(t, int64(0), repo.balanceOf("user-1"))
	})
}
