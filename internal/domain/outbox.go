// internal/domain/outbox.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// OutboxEventType identifies which external side effect an event replays.
type OutboxEventType string

const (
	EventTypeEscrowHold         OutboxEventType = "ESCROW_HOLD"
	EventTypeEscrowRelease      OutboxEventType = "ESCROW_RELEASE"
	EventTypeEscrowRefund       OutboxEventType = "ESCROW_REFUND"
	EventTypeWithdrawalTransfer OutboxEventType = "WITHDRAWAL_TRANSFER"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusCompleted  OutboxStatus = "COMPLETED"
	OutboxStatusFailed     OutboxStatus = "FAILED" // terminal, needs operator attention
)

// OutboxEvent is a durable unit of work for the outbox processor. It is
// inserted in the same database transaction as the wallet transaction that
// triggers it, so a committed ledger change always implies the event exists.
type OutboxEvent struct {
	ID          string         `db:"id" json:"id"`
	EventType   OutboxEventType `db:"event_type" json:"event_type"`
	Payload     types.JSONText `db:"payload" json:"payload"`
	Status      OutboxStatus   `db:"status" json:"status"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	NextRetryAt time.Time      `db:"next_retry_at" json:"next_retry_at"`
	LastError   *string        `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// PaymentEventPayload carries everything needed to replay a payment-gateway
// call: the originating ledger row, the amount, and either a destination
// (transfers) or the original payment to move money back against (refunds).
type PaymentEventPayload struct {
	TransactionID      string `json:"transaction_id"`
	BountyID           string `json:"bounty_id,omitempty"`
	UserID             string `json:"user_id"`
	DestinationRef     string `json:"destination_ref,omitempty"`
	OriginalPaymentRef string `json:"original_payment_ref,omitempty"`
	AmountCents        int64  `json:"amount_cents"`
}

// NewOutboxEvent creates a pending event ready for immediate pickup.
func NewOutboxEvent(eventType OutboxEventType, payload PaymentEventPayload) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	now := time.Now().UTC()
	return &OutboxEvent{
		ID:          uuid.NewString(),
		EventType:   eventType,
		Payload:     types.JSONText(raw),
		Status:      OutboxStatusPending,
		RetryCount:  0,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DecodePayload unmarshals the stored payload.
func (e *OutboxEvent) DecodePayload() (*PaymentEventPayload, error) {
	var payload PaymentEventPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of event %s: %w", e.ID, err)
	}
	return &payload, nil
}

// GatewayIdempotencyKey derives the idempotency key sent to the payment
// gateway. It is a pure function of the event id, so every retry of the same
// event deduplicates on the gateway side and can never double-pay.
func (e *OutboxEvent) GatewayIdempotencyKey() string {
	return "outbox-" + e.ID
}
