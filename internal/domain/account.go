// internal/domain/account.go
package domain

import "time"

// WalletAccount is the authoritative balance row for one user. Balances are
// integer cents and may only be mutated through the optimistic-update
// protocol in the balance service: read version, compute, conditional write.
type WalletAccount struct {
	UserID       string    `db:"user_id" json:"user_id"`
	BalanceCents int64     `db:"balance_cents" json:"balance_cents"` // never negative
	Version      int64     `db:"version" json:"version"`             // incremented on every successful update
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// NewWalletAccount creates a zero-balance account for a user. Accounts are
// created lazily on first use; until then callers see this virtual row.
func NewWalletAccount(userID string) *WalletAccount {
	now := time.Now().UTC()
	return &WalletAccount{
		UserID:       userID,
		BalanceCents: 0,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
