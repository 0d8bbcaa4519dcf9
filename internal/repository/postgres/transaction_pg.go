// internal/repository/postgres/transaction_pg.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const transactionColumns = `id, user_id, bounty_id, type, amount_cents, platform_fee_cents, status,
              idempotency_key, external_reference, description, created_at, completed_at`

// TransactionRepository implements repository.TransactionRepository for
// PostgreSQL.
type TransactionRepository struct{}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(db *sqlx.DB) repository.TransactionRepository {
	return &TransactionRepository{}
}

// isUniqueViolation reports whether err is a Postgres unique-index violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateTransaction appends a ledger row. The partial unique indexes on the
// table turn a racing duplicate escrow/terminal insert into util.ErrConflict.
func (r *TransactionRepository) CreateTransaction(ctx context.Context, q repository.DBExecutor, transaction *domain.WalletTransaction) error {
	query := `INSERT INTO wallet_transactions (` + transactionColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := q.ExecContext(ctx, query,
		transaction.ID,
		transaction.UserID,
		transaction.BountyID,
		transaction.Type,
		transaction.AmountCents,
		transaction.PlatformFeeCents,
		transaction.Status,
		transaction.IdempotencyKey,
		transaction.ExternalReference,
		transaction.Description,
		transaction.CreatedAt,
		transaction.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate %s transaction", util.ErrConflict, transaction.Type)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetByBountyAndType retrieves the single row of the given type for a bounty.
func (r *TransactionRepository) GetByBountyAndType(ctx context.Context, q repository.DBExecutor, bountyID string, txType domain.TransactionType) (*domain.WalletTransaction, error) {
	var transaction domain.WalletTransaction
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE bounty_id = $1 AND type = $2`
	err := q.GetContext(ctx, &transaction, query, bountyID, txType)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s transaction for bounty %s: %w", txType, bountyID, err)
	}
	return &transaction, nil
}

// GetEscrowForUpdate locks the escrow row for the caller's transaction,
// serializing concurrent release/refund attempts on the same bounty.
func (r *TransactionRepository) GetEscrowForUpdate(ctx context.Context, q repository.DBExecutor, bountyID string) (*domain.WalletTransaction, error) {
	var transaction domain.WalletTransaction
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions
              WHERE bounty_id = $1 AND type = $2 FOR UPDATE`
	err := q.GetContext(ctx, &transaction, query, bountyID, domain.TransactionTypeEscrow)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock escrow for bounty %s: %w", bountyID, err)
	}
	return &transaction, nil
}

// GetCompletedByIdempotencyKey retrieves a completed row recorded under the
// given key and operation type.
func (r *TransactionRepository) GetCompletedByIdempotencyKey(ctx context.Context, q repository.DBExecutor, key string, txType domain.TransactionType) (*domain.WalletTransaction, error) {
	var transaction domain.WalletTransaction
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions
              WHERE idempotency_key = $1 AND type = $2 AND status = $3`
	err := q.GetContext(ctx, &transaction, query, key, txType, domain.TransactionStatusCompleted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return &transaction, nil
}

// SetExternalReference records the gateway transfer/refund id on a ledger
// row after its outbox event succeeds.
func (r *TransactionRepository) SetExternalReference(ctx context.Context, q repository.DBExecutor, transactionID, externalRef string) error {
	query := `UPDATE wallet_transactions SET external_reference = $1 WHERE id = $2`
	result, err := q.ExecContext(ctx, query, externalRef, transactionID)
	if err != nil {
		return fmt.Errorf("failed to set external reference on transaction %s: %w", transactionID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for transaction %s: %w", transactionID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s", util.ErrNotFound, transactionID)
	}
	return nil
}

// GetTransactionsByUserID retrieves a page of a user's ledger history plus
// the total count.
func (r *TransactionRepository) GetTransactionsByUserID(ctx context.Context, q repository.DBExecutor, userID string, limit, offset int) ([]domain.WalletTransaction, int64, error) {
	transactions := []domain.WalletTransaction{}
	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions
              WHERE user_id = $1
              ORDER BY created_at DESC
              LIMIT $2 OFFSET $3`
	if err := q.SelectContext(ctx, &transactions, query, userID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch transactions for user %s: %w", userID, err)
	}

	var totalCount int64
	countQuery := `SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1`
	if err := q.GetContext(ctx, &totalCount, countQuery, userID); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions for user %s: %w", userID, err)
	}

	return transactions, totalCount, nil
}
