// internal/domain/transaction.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType defines the type of a wallet ledger operation.
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTypeEscrow     TransactionType = "ESCROW"
	TransactionTypeRelease    TransactionType = "RELEASE"
	TransactionTypeRefund     TransactionType = "REFUND"
)

// TransactionStatus defines the status of a wallet ledger operation.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// WalletTransaction is the append-only record of a balance-affecting
// operation. Rows are immutable once completed, except for
// external_reference which is filled in when the corresponding outbox
// event succeeds against the payment gateway.
//
// Per-bounty invariants (enforced in the escrow service and backed by
// partial unique indexes): at most one ESCROW row, at most one of
// RELEASE/REFUND, and a RELEASE/REFUND requires a prior ESCROW.
type WalletTransaction struct {
	ID                string            `db:"id" json:"id"`
	UserID            string            `db:"user_id" json:"user_id"`
	BountyID          *string           `db:"bounty_id" json:"bounty_id,omitempty"`
	Type              TransactionType   `db:"type" json:"type"`
	AmountCents       int64             `db:"amount_cents" json:"amount_cents"` // always positive
	PlatformFeeCents  *int64            `db:"platform_fee_cents" json:"platform_fee_cents,omitempty"`
	Status            TransactionStatus `db:"status" json:"status"`
	IdempotencyKey    *string           `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ExternalReference *string           `db:"external_reference" json:"external_reference,omitempty"`
	Description       *string           `db:"description" json:"description,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
}

// NewWalletTransaction creates a completed ledger row. The ledger write is
// synchronous and authoritative; any external money movement it implies is
// reconciled asynchronously by the outbox processor.
func NewWalletTransaction(userID string, txType TransactionType, amountCents int64) *WalletTransaction {
	now := time.Now().UTC()
	return &WalletTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        txType,
		AmountCents: amountCents,
		Status:      TransactionStatusCompleted,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

// WithBounty attaches the bounty this row settles against.
func (t *WalletTransaction) WithBounty(bountyID string) *WalletTransaction {
	t.BountyID = &bountyID
	return t
}

// WithIdempotencyKey attaches the caller-supplied idempotency key.
func (t *WalletTransaction) WithIdempotencyKey(key string) *WalletTransaction {
	if key != "" {
		t.IdempotencyKey = &key
	}
	return t
}

// WithDescription attaches a free-form note (e.g. a refund reason).
func (t *WalletTransaction) WithDescription(description string) *WalletTransaction {
	if description != "" {
		t.Description = &description
	}
	return t
}
