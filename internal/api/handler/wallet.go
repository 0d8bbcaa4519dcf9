// internal/api/handler/wallet.go
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"bountypay-wallet/internal/api/types"
	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/service"
	"bountypay-wallet/internal/util"
)

// DefaultTimeout is the per-request timeout applied by the router.
const DefaultTimeout = 30 * time.Second

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// WalletHandler handles HTTP requests for the escrow and wallet operations.
type WalletHandler struct {
	escrow  service.EscrowService
	balance service.BalanceService
	logger  *slog.Logger
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(escrow service.EscrowService, balance service.BalanceService, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		escrow:  escrow,
		balance: balance,
		logger:  logger,
	}
}

func (h *WalletHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithError maps the error taxonomy to HTTP statuses. Insufficient
// funds and conflicts stay distinguishable so the marketplace can render
// "insufficient balance" vs "this bounty was already paid out".
func (h *WalletHandler) respondWithError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	message := "Internal server error"

	switch {
	case util.IsError(err, util.ErrInsufficientFunds):
		statusCode = http.StatusPaymentRequired
		message = "Insufficient funds"
	case util.IsError(err, util.ErrValidation):
		statusCode = http.StatusBadRequest
		message = err.Error()
	case util.IsError(err, util.ErrNotFound):
		statusCode = http.StatusNotFound
		message = err.Error()
	case util.IsError(err, util.ErrConflict):
		statusCode = http.StatusConflict
		message = err.Error()
	default:
		h.logger.Error("Unhandled service error", "error", err)
	}

	h.respondWithJSON(w, statusCode, map[string]string{"error": message})
}

// CreateEscrowRequest is the body of POST /escrows.
type CreateEscrowRequest struct {
	BountyID       string `json:"bounty_id"`
	PosterID       string `json:"poster_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreateEscrow handles POST /escrows.
func (h *WalletHandler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, util.ErrValidation)
		return
	}

	transaction, err := h.escrow.CreateEscrow(r.Context(), req.BountyID, req.PosterID, req.AmountCents, req.IdempotencyKey)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, transaction)
}

// ReleaseEscrowRequest is the body of POST /escrows/{bountyID}/release.
type ReleaseEscrowRequest struct {
	HunterID           string           `json:"hunter_id"`
	PlatformFeePercent *decimal.Decimal `json:"platform_fee_percent,omitempty"`
	IdempotencyKey     string           `json:"idempotency_key,omitempty"`
}

// ReleaseEscrow handles POST /escrows/{bountyID}/release.
func (h *WalletHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	bountyID := chi.URLParam(r, "bountyID")

	var req ReleaseEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, util.ErrValidation)
		return
	}

	transaction, err := h.escrow.ReleaseEscrow(r.Context(), bountyID, req.HunterID, req.PlatformFeePercent, req.IdempotencyKey)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, transaction)
}

// RefundEscrowRequest is the body of POST /escrows/{bountyID}/refund.
type RefundEscrowRequest struct {
	PosterID       string `json:"poster_id"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RefundEscrow handles POST /escrows/{bountyID}/refund.
func (h *WalletHandler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	bountyID := chi.URLParam(r, "bountyID")

	var req RefundEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, util.ErrValidation)
		return
	}

	transaction, err := h.escrow.RefundEscrow(r.Context(), bountyID, req.PosterID, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, transaction)
}

// GetEscrowStatus handles GET /escrows/{bountyID}.
func (h *WalletHandler) GetEscrowStatus(w http.ResponseWriter, r *http.Request) {
	bountyID := chi.URLParam(r, "bountyID")

	escrowed, err := h.escrow.IsEscrowed(r.Context(), bountyID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	released, err := h.escrow.IsAlreadyReleased(r.Context(), bountyID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	refunded, err := h.escrow.IsAlreadyRefunded(r.Context(), bountyID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, types.EscrowStatusResponse{
		BountyID: bountyID,
		Escrowed: escrowed,
		Released: released,
		Refunded: refunded,
	})
}

// GetBalance handles GET /wallets/{userID}/balance.
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	account, err := h.balance.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, account)
}

// DepositRequest is the body of POST /wallets/{userID}/deposit.
type DepositRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Deposit handles POST /wallets/{userID}/deposit.
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, util.ErrValidation)
		return
	}

	transaction, err := h.escrow.Deposit(r.Context(), userID, req.AmountCents, req.IdempotencyKey)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, transaction)
}

// WithdrawRequest is the body of POST /wallets/{userID}/withdraw.
type WithdrawRequest struct {
	DestinationRef string `json:"destination_ref"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Withdraw handles POST /wallets/{userID}/withdraw.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, util.ErrValidation)
		return
	}

	transaction, err := h.escrow.Withdraw(r.Context(), userID, req.DestinationRef, req.AmountCents, req.IdempotencyKey)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, transaction)
}

// GetTransactionHistory handles GET /wallets/{userID}/transactions.
func (h *WalletHandler) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			h.respondWithError(w, util.ErrValidation)
			return
		}
		limit = parsed
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			h.respondWithError(w, util.ErrValidation)
			return
		}
		offset = parsed
	}

	transactions, totalCount, err := h.escrow.GetTransactionHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, types.PaginatedResponse[domain.WalletTransaction]{
		Data:       transactions,
		Limit:      limit,
		Offset:     offset,
		TotalCount: totalCount,
	})
}
