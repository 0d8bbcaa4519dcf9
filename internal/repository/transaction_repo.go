// internal/repository/transaction_repo.go
package repository

import (
	"context"

	"bountypay-wallet/internal/domain"
)

// TransactionRepository defines the data operations for the wallet
// transaction log.
type TransactionRepository interface {
	// CreateTransaction appends a ledger row. The partial unique indexes on
	// (bounty_id, type-class) surface duplicate escrow/terminal rows as
	// util.ErrConflict.
	CreateTransaction(ctx context.Context, q DBExecutor, transaction *domain.WalletTransaction) error
	// GetByBountyAndType retrieves the single row of the given type for a
	// bounty, or util.ErrNotFound.
	GetByBountyAndType(ctx context.Context, q DBExecutor, bountyID string, txType domain.TransactionType) (*domain.WalletTransaction, error)
	// GetEscrowForUpdate retrieves the escrow row for a bounty with a row
	// lock (SELECT ... FOR UPDATE), serializing concurrent release/refund
	// attempts for the same bounty until the caller's transaction ends.
	GetEscrowForUpdate(ctx context.Context, q DBExecutor, bountyID string) (*domain.WalletTransaction, error)
	// GetCompletedByIdempotencyKey retrieves a completed row recorded under
	// the given key and operation type, or util.ErrNotFound. Failed rows do
	// not satisfy replay, so a retried call re-executes the operation.
	GetCompletedByIdempotencyKey(ctx context.Context, q DBExecutor, key string, txType domain.TransactionType) (*domain.WalletTransaction, error)
	// SetExternalReference records the gateway transfer/refund id once the
	// corresponding outbox event has succeeded.
	SetExternalReference(ctx context.Context, q DBExecutor, transactionID, externalRef string) error
	// GetTransactionsByUserID retrieves a page of a user's ledger history
	// plus the total count.
	GetTransactionsByUserID(ctx context.Context, q DBExecutor, userID string, limit, offset int) ([]domain.WalletTransaction, int64, error)
}
