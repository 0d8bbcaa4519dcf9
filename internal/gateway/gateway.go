// internal/gateway/gateway.go
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"bountypay-wallet/internal/util"

	"github.com/google/uuid"
)

// PaymentGateway is the contract this core requires from the external
// payment processor. It is invoked only from outbox event handlers, never
// synchronously from the escrow service. Both calls are idempotent on the
// gateway side keyed by the supplied idempotency key, which the outbox
// processor derives deterministically from the event id — repeated attempts
// of the same event can never double-charge or double-pay.
type PaymentGateway interface {
	// CreateTransfer moves amountCents to the destination account and
	// returns the gateway's transfer id.
	CreateTransfer(ctx context.Context, destinationAccountRef string, amountCents int64, idempotencyKey string) (string, error)
	// CreateRefund returns amountCents against the original payment and
	// returns the gateway's refund id.
	CreateRefund(ctx context.Context, originalPaymentRef string, amountCents int64, idempotencyKey string) (string, error)
}

// WrapError classifies a gateway failure as retryable so the outbox
// processor schedules another attempt.
func WrapError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", util.ErrExternalService, op, err)
}

// stubGateway is a development stand-in that pretends every call succeeds.
// The real processor integration lives outside this core.
type stubGateway struct {
	logger *slog.Logger
}

// NewStubGateway creates a gateway that logs calls and fabricates ids.
func NewStubGateway(logger *slog.Logger) PaymentGateway {
	return &stubGateway{logger: logger}
}

func (g *stubGateway) CreateTransfer(ctx context.Context, destinationAccountRef string, amountCents int64, idempotencyKey string) (string, error) {
	transferID := "tr_" + uuid.NewString()
	g.logger.Info("stub gateway transfer",
		"destination", destinationAccountRef,
		"amount_cents", amountCents,
		"idempotency_key", idempotencyKey,
		"transfer_id", transferID,
	)
	return transferID, nil
}

func (g *stubGateway) CreateRefund(ctx context.Context, originalPaymentRef string, amountCents int64, idempotencyKey string) (string, error) {
	refundID := "re_" + uuid.NewString()
	g.logger.Info("stub gateway refund",
		"original_payment", originalPaymentRef,
		"amount_cents", amountCents,
		"idempotency_key", idempotencyKey,
		"refund_id", refundID,
	)
	return refundID, nil
}
