// internal/service/balance_service.go
package service

import (
	"context"
	"errors"
	"fmt"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"
)

// DefaultOptimisticRetries bounds the read-compute-write cycle of ApplyDelta.
const DefaultOptimisticRetries = 5

// BalanceService is the sole mutation path for account balances. Every other
// component routes balance changes through ApplyDelta.
type BalanceService interface {
	// GetBalance returns the account row for a user. A user with no row yet
	// is reported as a zero-balance virtual account, never as not-found.
	GetBalance(ctx context.Context, userID string) (*domain.WalletAccount, error)
	// ApplyDelta adds deltaCents to the user's balance using optimistic
	// concurrency: read (balance, version), compute, conditional write on
	// the version, retrying the whole cycle on conflict up to the bound.
	// A debit that would go negative fails with util.ErrInsufficientFunds;
	// exceeding the retry bound fails with util.ErrConflict. The caller's
	// executor is used so the write can participate in the caller's
	// transaction.
	ApplyDelta(ctx context.Context, q repository.DBExecutor, userID string, deltaCents int64) (*domain.WalletAccount, error)
}

type balanceService struct {
	dbExecutor  repository.DBExecutor // for reads outside any transaction
	accountRepo repository.AccountRepository
	maxRetries  int
}

// NewBalanceService creates a new BalanceService. maxRetries <= 0 selects
// DefaultOptimisticRetries.
func NewBalanceService(dbExecutor repository.DBExecutor, accountRepo repository.AccountRepository, maxRetries int) BalanceService {
	if maxRetries <= 0 {
		maxRetries = DefaultOptimisticRetries
	}
	return &balanceService{
		dbExecutor:  dbExecutor,
		accountRepo: accountRepo,
		maxRetries:  maxRetries,
	}
}

func (s *balanceService) GetBalance(ctx context.Context, userID string) (*domain.WalletAccount, error) {
	account, err := s.accountRepo.GetAccount(ctx, s.dbExecutor, userID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			// Accounts are created lazily on first write; until then the
			// user simply has a zero balance.
			return domain.NewWalletAccount(userID), nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return account, nil
}

func (s *balanceService) ApplyDelta(ctx context.Context, q repository.DBExecutor, userID string, deltaCents int64) (*domain.WalletAccount, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		account, err := s.accountRepo.GetAccount(ctx, q, userID)
		if err != nil {
			if !errors.Is(err, util.ErrNotFound) {
				return nil, fmt.Errorf("apply delta: failed to read account: %w", err)
			}
			// First write for this user: create the row, then go around the
			// loop again so the conditional write sees a real version.
			if err := s.accountRepo.CreateAccount(ctx, q, domain.NewWalletAccount(userID)); err != nil {
				return nil, fmt.Errorf("apply delta: failed to create account: %w", err)
			}
			continue
		}

		newBalance := account.BalanceCents + deltaCents
		if newBalance < 0 {
			return nil, fmt.Errorf("%w: balance %d, requested %d", util.ErrInsufficientFunds, account.BalanceCents, deltaCents)
		}

		ok, err := s.accountRepo.UpdateBalance(ctx, q, userID, newBalance, account.Version)
		if err != nil {
			return nil, fmt.Errorf("apply delta: conditional write failed: %w", err)
		}
		if ok {
			account.BalanceCents = newBalance
			account.Version++
			return account, nil
		}
		// Version mismatch: a concurrent writer won. Retry the full cycle.
	}
	return nil, fmt.Errorf("%w: exhausted optimistic retries for user %s", util.ErrConflict, userID)
}
