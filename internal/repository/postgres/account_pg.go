// internal/repository/postgres/account_pg.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"

	"github.com/jmoiron/sqlx"
)

// AccountRepository implements repository.AccountRepository for PostgreSQL.
type AccountRepository struct{}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *sqlx.DB) repository.AccountRepository {
	return &AccountRepository{}
}

// GetAccount retrieves an account row using the provided DBExecutor.
func (r *AccountRepository) GetAccount(ctx context.Context, q repository.DBExecutor, userID string) (*domain.WalletAccount, error) {
	var account domain.WalletAccount
	query := `SELECT user_id, balance_cents, version, created_at, updated_at FROM wallet_accounts WHERE user_id = $1`
	err := q.GetContext(ctx, &account, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account for user %s: %w", userID, err)
	}
	return &account, nil
}

// CreateAccount inserts a zero-balance account row. A concurrent insert for
// the same user is tolerated via ON CONFLICT DO NOTHING; the caller re-reads
// and continues its optimistic cycle either way.
func (r *AccountRepository) CreateAccount(ctx context.Context, q repository.DBExecutor, account *domain.WalletAccount) error {
	query := `INSERT INTO wallet_accounts (user_id, balance_cents, version, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5)
              ON CONFLICT (user_id) DO NOTHING`
	_, err := q.ExecContext(ctx, query, account.UserID, account.BalanceCents, account.Version, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account for user %s: %w", account.UserID, err)
	}
	return nil
}

// UpdateBalance performs the optimistic conditional write: the row is
// updated only if its version still equals expectedVersion.
func (r *AccountRepository) UpdateBalance(ctx context.Context, q repository.DBExecutor, userID string, newBalanceCents, expectedVersion int64) (bool, error) {
	query := `UPDATE wallet_accounts
              SET balance_cents = $1, version = version + 1, updated_at = $2
              WHERE user_id = $3 AND version = $4`
	result, err := q.ExecContext(ctx, query, newBalanceCents, time.Now().UTC(), userID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update balance for user %s: %w", userID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for user %s: %w", userID, err)
	}
	return rowsAffected == 1, nil
}
