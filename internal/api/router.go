// internal/api/router.go
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bountypay-wallet/internal/api/handler"
)

// NewRouter sets up and returns a new HTTP router.
func NewRouter(walletHandler *handler.WalletHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(handler.DefaultTimeout))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Escrow lifecycle routes
	r.Route("/escrows", func(r chi.Router) {
		r.Post("/", walletHandler.CreateEscrow)
		r.Get("/{bountyID}", walletHandler.GetEscrowStatus)
		r.Post("/{bountyID}/release", walletHandler.ReleaseEscrow)
		r.Post("/{bountyID}/refund", walletHandler.RefundEscrow)
	})

	// Wallet routes
	r.Route("/wallets", func(r chi.Router) {
		r.Get("/{userID}/balance", walletHandler.GetBalance)
		r.Get("/{userID}/transactions", walletHandler.GetTransactionHistory)
		r.Post("/{userID}/deposit", walletHandler.Deposit)
		r.Post("/{userID}/withdraw", walletHandler.Withdraw)
	})

	return r
}
