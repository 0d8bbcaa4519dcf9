// internal/repository/account_repo.go
package repository

import (
	"context"

	"bountypay-wallet/internal/domain"
)

// AccountRepository defines the data operations for wallet account rows.
type AccountRepository interface {
	// GetAccount retrieves the account row for a user, or util.ErrNotFound
	// if the account has never been created.
	GetAccount(ctx context.Context, q DBExecutor, userID string) (*domain.WalletAccount, error)
	// CreateAccount inserts a zero-balance account row. Creation races are
	// tolerated: a concurrent insert for the same user is not an error.
	CreateAccount(ctx context.Context, q DBExecutor, account *domain.WalletAccount) error
	// UpdateBalance performs the conditional write of the optimistic
	// protocol: the update applies only if the stored version still equals
	// expectedVersion. Returns false when a concurrent writer won.
	UpdateBalance(ctx context.Context, q DBExecutor, userID string, newBalanceCents, expectedVersion int64) (bool, error)
}
