// internal/outbox/handlers.go
package outbox

import (
	"context"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/gateway"
)

// NewGatewayHandlers maps each event type to the payment-gateway call it
// replays. escrowAccountRef is the platform's custodial escrow account: the
// hold moves the poster's funds there, release/withdrawal transfers move
// funds out to users, and refunds reverse the original payment.
func NewGatewayHandlers(gw gateway.PaymentGateway, escrowAccountRef string) map[domain.OutboxEventType]Handler {
	return map[domain.OutboxEventType]Handler{
		domain.EventTypeEscrowHold: func(ctx context.Context, event *domain.OutboxEvent, payload *domain.PaymentEventPayload) (string, error) {
			ref, err := gw.CreateTransfer(ctx, escrowAccountRef, payload.AmountCents, event.GatewayIdempotencyKey())
			if err != nil {
				return "", gateway.WrapError("escrow hold transfer", err)
			}
			return ref, nil
		},
		domain.EventTypeEscrowRelease: func(ctx context.Context, event *domain.OutboxEvent, payload *domain.PaymentEventPayload) (string, error) {
			ref, err := gw.CreateTransfer(ctx, payload.DestinationRef, payload.AmountCents, event.GatewayIdempotencyKey())
			if err != nil {
				return "", gateway.WrapError("release transfer", err)
			}
			return ref, nil
		},
		domain.EventTypeEscrowRefund: func(ctx context.Context, event *domain.OutboxEvent, payload *domain.PaymentEventPayload) (string, error) {
			ref, err := gw.CreateRefund(ctx, payload.OriginalPaymentRef, payload.AmountCents, event.GatewayIdempotencyKey())
			if err != nil {
				return "", gateway.WrapError("escrow refund", err)
			}
			return ref, nil
		},
		domain.EventTypeWithdrawalTransfer: func(ctx context.Context, event *domain.OutboxEvent, payload *domain.PaymentEventPayload) (string, error) {
			ref, err := gw.CreateTransfer(ctx, payload.DestinationRef, payload.AmountCents, event.GatewayIdempotencyKey())
			if err != nil {
				return "", gateway.WrapError("withdrawal transfer", err)
			}
			return ref, nil
		},
	}
}
