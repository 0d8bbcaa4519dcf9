// internal/service/escrow_service.go
package service

import (
	"context"
	"errors"
	"fmt"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"
	"bountypay-wallet/pkg/db"

	"github.com/shopspring/decimal"
)

// EscrowService is the domain state machine for moving a bounty's funds
// through escrow, release and refund, plus the deposit/withdrawal flows that
// top wallets up and cash them out.
//
// Per bounty the states are NONE -> ESCROWED -> {RELEASED | REFUNDED}, with
// no transition out of a terminal state. Every operation is idempotency-key
// aware: a completed transaction recorded under the same key and operation
// short-circuits to the prior result instead of re-executing.
type EscrowService interface {
	CreateEscrow(ctx context.Context, bountyID, posterID string, amountCents int64, idempotencyKey string) (*domain.WalletTransaction, error)
	ReleaseEscrow(ctx context.Context, bountyID, hunterID string, platformFeePercent *decimal.Decimal, idempotencyKey string) (*domain.WalletTransaction, error)
	RefundEscrow(ctx context.Context, bountyID, posterID, reason string, idempotencyKey string) (*domain.WalletTransaction, error)
	IsEscrowed(ctx context.Context, bountyID string) (bool, error)
	IsAlreadyReleased(ctx context.Context, bountyID string) (bool, error)
	IsAlreadyRefunded(ctx context.Context, bountyID string) (bool, error)

	Deposit(ctx context.Context, userID string, amountCents int64, idempotencyKey string) (*domain.WalletTransaction, error)
	Withdraw(ctx context.Context, userID, destinationRef string, amountCents int64, idempotencyKey string) (*domain.WalletTransaction, error)
	GetTransactionHistory(ctx context.Context, userID string, limit, offset int) ([]domain.WalletTransaction, int64, error)
}

type escrowService struct {
	dbBeginner      db.DBTxBeginner
	dbExecutor      repository.DBExecutor
	balance         BalanceService
	transactionRepo repository.TransactionRepository
	outboxRepo      repository.OutboxRepository
	beginTx         db.BeginTxFunc
	commitTx        db.CommitTxFunc
	rollbackTx      db.RollbackTxFunc

	defaultFeePercent decimal.Decimal
}

// NewEscrowService creates a new EscrowService.
func NewEscrowService(
	dbBeginner db.DBTxBeginner,
	dbExecutor repository.DBExecutor,
	balance BalanceService,
	transactionRepo repository.TransactionRepository,
	outboxRepo repository.OutboxRepository,
	beginTx db.BeginTxFunc,
	commitTx db.CommitTxFunc,
	rollbackTx db.RollbackTxFunc,
	defaultFeePercent decimal.Decimal,
) EscrowService {
	return &escrowService{
		dbBeginner:        dbBeginner,
		dbExecutor:        dbExecutor,
		balance:           balance,
		transactionRepo:   transactionRepo,
		outboxRepo:        outboxRepo,
		beginTx:           beginTx,
		commitTx:          commitTx,
		rollbackTx:        rollbackTx,
		defaultFeePercent: defaultFeePercent,
	}
}

// replayByIdempotencyKey returns the prior completed result for key, nil if
// there is none.
func (s *escrowService) replayByIdempotencyKey(ctx context.Context, key string, txType domain.TransactionType) (*domain.WalletTransaction, error) {
	if key == "" {
		return nil, nil
	}
	prior, err := s.transactionRepo.GetCompletedByIdempotencyKey(ctx, s.dbExecutor, key, txType)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return prior, nil
}

func (s *escrowService) txExecutor(ctx context.Context) (db.TxController, repository.DBExecutor, error) {
	txController, err := s.beginTx(ctx, s.dbBeginner)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	txExecutor, ok := txController.(repository.DBExecutor)
	if !ok {
		s.rollbackTx(txController)
		return nil, nil, fmt.Errorf("transaction controller does not implement DBExecutor")
	}
	return txController, txExecutor, nil
}

// CreateEscrow debits the poster and records the escrow hold for a bounty.
// The ledger debit, the escrow row and the ESCROW_HOLD outbox event commit
// in one transaction, so there is no partial state.
func (s *escrowService) CreateEscrow(ctx context.Context, bountyID, posterID string, amountCents int64, idempotencyKey string) (*domain.WalletTransaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: escrow amount must be positive", util.ErrValidation)
	}
	if bountyID == "" || posterID == "" {
		return nil, fmt.Errorf("%w: bounty id and poster id are required", util.ErrValidation)
	}

	if prior, err := s.replayByIdempotencyKey(ctx, idempotencyKey, domain.TransactionTypeEscrow); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	} else if prior != nil {
		return prior, nil
	}

	txController, txExecutor, err := s.txExecutor(ctx)
	if err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	defer s.rollbackTx(txController)

	if _, err := s.transactionRepo.GetByBountyAndType(ctx, txExecutor, bountyID, domain.TransactionTypeEscrow); err == nil {
		return nil, fmt.Errorf("%w: duplicate escrow for bounty %s", util.ErrConflict, bountyID)
	} else if !errors.Is(err, util.ErrNotFound) {
		return nil, fmt.Errorf("create escrow: failed to check existing escrow: %w", err)
	}

	if _, err := s.balance.ApplyDelta(ctx, txExecutor, posterID, -amountCents); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	escrowTx := domain.NewWalletTransaction(posterID, domain.TransactionTypeEscrow, amountCents).
		WithBounty(bountyID).
		WithIdempotencyKey(idempotencyKey)
	if err := s.transactionRepo.CreateTransaction(ctx, txExecutor, escrowTx); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	if err := s.enqueueEvent(ctx, txExecutor, domain.EventTypeEscrowHold, domain.PaymentEventPayload{
		TransactionID: escrowTx.ID,
		BountyID:      bountyID,
		UserID:        posterID,
		AmountCents:   amountCents,
	}); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	if err := s.commitTx(txController); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	return escrowTx, nil
}

// ReleaseEscrow credits the hunter with the escrow amount minus the platform
// fee and closes the escrow. The terminal check and the release insert are
// serialized per bounty by locking the escrow row, so of N concurrent
// release calls exactly one succeeds.
func (s *escrowService) ReleaseEscrow(ctx context.Context, bountyID, hunterID string, platformFeePercent *decimal.Decimal, idempotencyKey string) (*domain.WalletTransaction, error) {
	if bountyID == "" || hunterID == "" {
		return nil, fmt.Errorf("%w: bounty id and hunter id are required", util.ErrValidation)
	}
	feePercent := s.defaultFeePercent
	if platformFeePercent != nil {
		feePercent = *platformFeePercent
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: platform fee percent must be within [0, 100]", util.ErrValidation)
	}

	if prior, err := s.replayByIdempotencyKey(ctx, idempotencyKey, domain.TransactionTypeRelease); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	} else if prior != nil {
		return prior, nil
	}

	txController, txExecutor, err := s.txExecutor(ctx)
	if err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}
	defer s.rollbackTx(txController)

	escrowTx, err := s.lockOpenEscrow(ctx, txExecutor, bountyID)
	if err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}

	fee := computeFee(escrowTx.AmountCents, feePercent)
	payout := escrowTx.AmountCents - fee

	if _, err := s.balance.ApplyDelta(ctx, txExecutor, hunterID, payout); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}

	releaseTx := domain.NewWalletTransaction(hunterID, domain.TransactionTypeRelease, payout).
		WithBounty(bountyID).
		WithIdempotencyKey(idempotencyKey)
	releaseTx.PlatformFeeCents = &fee
	if err := s.transactionRepo.CreateTransaction(ctx, txExecutor, releaseTx); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}

	if err := s.enqueueEvent(ctx, txExecutor, domain.EventTypeEscrowRelease, domain.PaymentEventPayload{
		TransactionID:  releaseTx.ID,
		BountyID:       bountyID,
		UserID:         hunterID,
		DestinationRef: hunterID,
		AmountCents:    payout,
	}); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}

	if err := s.commitTx(txController); err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}
	return releaseTx, nil
}

// RefundEscrow returns the full escrow amount to the poster with no fee.
// Mutually exclusive with release via the same per-bounty serialization.
func (s *escrowService) RefundEscrow(ctx context.Context, bountyID, posterID, reason string, idempotencyKey string) (*domain.WalletTransaction, error) {
	if bountyID == "" || posterID == "" {
		return nil, fmt.Errorf("%w: bounty id and poster id are required", util.ErrValidation)
	}

	if prior, err := s.replayByIdempotencyKey(ctx, idempotencyKey, domain.TransactionTypeRefund); err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	} else if prior != nil {
		return prior, nil
	}

	txController, txExecutor, err := s.txExecutor(ctx)
	if err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}
	defer s.rollbackTx(txController)

	escrowTx, err := s.lockOpenEscrow(ctx, txExecutor, bountyID)
	if err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}

	if _, err := s.balance.ApplyDelta(ctx, txExecutor, posterID, escrowTx.AmountCents); err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}

	refundTx := domain.NewWalletTransaction(posterID, domain.TransactionTypeRefund, escrowTx.AmountCents).
		WithBounty(bountyID).
		WithIdempotencyKey(idempotencyKey).
		WithDescription(reason)
	if err := s.transactionRepo.CreateTransaction(ctx, txExecutor, refundTx); err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}

	payload := domain.PaymentEventPayload{
		TransactionID: refundTx.ID,
		BountyID:      bountyID,
		UserID:        posterID,
		AmountCents:   escrowTx.AmountCents,
	}
	if escrowTx.ExternalReference != nil {
		payload.OriginalPaymentRef = *escrowTx.ExternalReference
	}
	if err := s.enqueueEvent(ctx, txExecutor, domain.EventTypeEscrowRefund, payload); err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}

	if err := s.commitTx(txController); err != nil {
		return nil, fmt.Errorf("refund escrow: %w", err)
	}
	return refundTx, nil
}

// lockOpenEscrow locks the escrow row for bountyID and verifies no terminal
// release/refund exists yet. Callers hold the lock until their transaction
// ends, which closes the race between concurrent release/refund calls.
func (s *escrowService) lockOpenEscrow(ctx context.Context, q repository.DBExecutor, bountyID string) (*domain.WalletTransaction, error) {
	escrowTx, err := s.transactionRepo.GetEscrowForUpdate(ctx, q, bountyID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return nil, fmt.Errorf("%w: no escrow for bounty %s", util.ErrNotFound, bountyID)
		}
		return nil, err
	}

	if _, err := s.transactionRepo.GetByBountyAndType(ctx, q, bountyID, domain.TransactionTypeRelease); err == nil {
		return nil, fmt.Errorf("%w: bounty %s already released", util.ErrConflict, bountyID)
	} else if !errors.Is(err, util.ErrNotFound) {
		return nil, fmt.Errorf("failed to check release state: %w", err)
	}
	if _, err := s.transactionRepo.GetByBountyAndType(ctx, q, bountyID, domain.TransactionTypeRefund); err == nil {
		return nil, fmt.Errorf("%w: bounty %s already refunded", util.ErrConflict, bountyID)
	} else if !errors.Is(err, util.ErrNotFound) {
		return nil, fmt.Errorf("failed to check refund state: %w", err)
	}

	return escrowTx, nil
}

// IsEscrowed reports whether an escrow row exists for the bounty.
func (s *escrowService) IsEscrowed(ctx context.Context, bountyID string) (bool, error) {
	return s.bountyHasType(ctx, bountyID, domain.TransactionTypeEscrow)
}

// IsAlreadyReleased reports whether a release row exists for the bounty.
// Used by callers retrying a higher-level workflow after a crash.
func (s *escrowService) IsAlreadyReleased(ctx context.Context, bountyID string) (bool, error) {
	return s.bountyHasType(ctx, bountyID, domain.TransactionTypeRelease)
}

// IsAlreadyRefunded reports whether a refund row exists for the bounty.
func (s *escrowService) IsAlreadyRefunded(ctx context.Context, bountyID string) (bool, error) {
	return s.bountyHasType(ctx, bountyID, domain.TransactionTypeRefund)
}

func (s *escrowService) bountyHasType(ctx context.Context, bountyID string, txType domain.TransactionType) (bool, error) {
	_, err := s.transactionRepo.GetByBountyAndType(ctx, s.dbExecutor, bountyID, txType)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s state for bounty %s: %w", txType, bountyID, err)
	}
	return true, nil
}

// Deposit credits a user's ledger balance. The external charge has already
// settled by the time the marketplace calls this, so no outbox event is
// needed.
func (s *escrowService) Deposit(ctx context.Context, userID string, amountCents int64, idempotencyKey string) (*domain.WalletTransaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: deposit amount must be positive", util.ErrValidation)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", util.ErrValidation)
	}

	if prior, err := s.replayByIdempotencyKey(ctx, idempotencyKey, domain.TransactionTypeDeposit); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	} else if prior != nil {
		return prior, nil
	}

	txController, txExecutor, err := s.txExecutor(ctx)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	defer s.rollbackTx(txController)

	if _, err := s.balance.ApplyDelta(ctx, txExecutor, userID, amountCents); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}

	depositTx := domain.NewWalletTransaction(userID, domain.TransactionTypeDeposit, amountCents).
		WithIdempotencyKey(idempotencyKey)
	if err := s.transactionRepo.CreateTransaction(ctx, txExecutor, depositTx); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}

	if err := s.commitTx(txController); err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	return depositTx, nil
}

// Withdraw debits a user's ledger balance and enqueues the external transfer
// that moves the money out. The ledger debit is authoritative immediately;
// the transfer is retried by the outbox processor until it lands.
func (s *escrowService) Withdraw(ctx context.Context, userID, destinationRef string, amountCents int64, idempotencyKey string) (*domain.WalletTransaction, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", util.ErrValidation)
	}
	if userID == "" || destinationRef == "" {
		return nil, fmt.Errorf("%w: user id and destination are required", util.ErrValidation)
	}

	if prior, err := s.replayByIdempotencyKey(ctx, idempotencyKey, domain.TransactionTypeWithdrawal); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	} else if prior != nil {
		return prior, nil
	}

	txController, txExecutor, err := s.txExecutor(ctx)
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	defer s.rollbackTx(txController)

	if _, err := s.balance.ApplyDelta(ctx, txExecutor, userID, -amountCents); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	withdrawalTx := domain.NewWalletTransaction(userID, domain.TransactionTypeWithdrawal, amountCents).
		WithIdempotencyKey(idempotencyKey)
	if err := s.transactionRepo.CreateTransaction(ctx, txExecutor, withdrawalTx); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	if err := s.enqueueEvent(ctx, txExecutor, domain.EventTypeWithdrawalTransfer, domain.PaymentEventPayload{
		TransactionID:  withdrawalTx.ID,
		UserID:         userID,
		DestinationRef: destinationRef,
		AmountCents:    amountCents,
	}); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	if err := s.commitTx(txController); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	return withdrawalTx, nil
}

// GetTransactionHistory retrieves a page of a user's ledger history.
func (s *escrowService) GetTransactionHistory(ctx context.Context, userID string, limit, offset int) ([]domain.WalletTransaction, int64, error) {
	transactions, totalCount, err := s.transactionRepo.GetTransactionsByUserID(ctx, s.dbExecutor, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve transaction history: %w", err)
	}
	return transactions, totalCount, nil
}

func (s *escrowService) enqueueEvent(ctx context.Context, q repository.DBExecutor, eventType domain.OutboxEventType, payload domain.PaymentEventPayload) error {
	event, err := domain.NewOutboxEvent(eventType, payload)
	if err != nil {
		return err
	}
	return s.outboxRepo.CreateEvent(ctx, q, event)
}

// computeFee rounds amount * percent / 100 to whole cents, half away from
// zero. Decimal arithmetic keeps fractional fee percents exact.
func computeFee(amountCents int64, feePercent decimal.Decimal) int64 {
	return decimal.NewFromInt(amountCents).
		Mul(feePercent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
