// internal/app.go
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmoiron/sqlx"

	router "bountypay-wallet/internal/api"
	"bountypay-wallet/internal/api/handler"
	"bountypay-wallet/internal/config"
	"bountypay-wallet/internal/gateway"
	"bountypay-wallet/internal/outbox"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/repository/postgres"
	"bountypay-wallet/internal/service"
	"bountypay-wallet/internal/util"
	"bountypay-wallet/pkg/db"
)

// Application holds all the initialized components of the application.
type Application struct {
	Config *config.AppConfig
	Logger *slog.Logger
	DB     *sqlx.DB

	// Repositories
	AccountRepository     repository.AccountRepository
	TransactionRepository repository.TransactionRepository
	OutboxRepository      repository.OutboxRepository

	// Services
	BalanceService service.BalanceService
	EscrowService  service.EscrowService

	// Background workers
	OutboxProcessor *outbox.Processor

	// HTTP API
	HTTPHandler http.Handler
}

// NewApplication creates a new Application instance.
func NewApplication() *Application {
	return &Application{}
}

// Initialize initializes all application components.
func (app *Application) Initialize(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	app.Config = cfg

	util.InitLogger()
	app.Logger = util.GetLogger()
	app.Logger.Info("Application configuration loaded successfully.")

	database, err := db.NewPostgresDB(app.Config.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.DB = database
	app.Logger.Info("Database connection established.")

	app.AccountRepository = postgres.NewAccountRepository(app.DB)
	app.TransactionRepository = postgres.NewTransactionRepository(app.DB)
	app.OutboxRepository = postgres.NewOutboxRepository(app.DB)
	app.Logger.Info("Repositories initialized.")

	app.BalanceService = service.NewBalanceService(app.DB, app.AccountRepository, cfg.Escrow.OptimisticRetries)
	app.EscrowService = service.NewEscrowService(
		app.DB, // DBTxBeginner
		app.DB, // DBExecutor for non-transactional reads
		app.BalanceService,
		app.TransactionRepository,
		app.OutboxRepository,
		db.BeginTx,
		db.CommitTx,
		db.RollbackTx,
		cfg.Escrow.DefaultFeePercent,
	)
	app.Logger.Info("Services initialized.")

	// The gateway integration lives outside this core; the stub stands in
	// for local development.
	paymentGateway := gateway.NewStubGateway(app.Logger)
	app.OutboxProcessor = outbox.NewProcessor(
		app.DB,
		app.OutboxRepository,
		app.TransactionRepository,
		outbox.NewGatewayHandlers(paymentGateway, cfg.Escrow.EscrowAccountRef),
		app.Logger,
		outbox.Options{
			PollInterval:      cfg.Outbox.PollInterval,
			BatchSize:         cfg.Outbox.BatchSize,
			MaxRetries:        cfg.Outbox.MaxRetries,
			BaseDelay:         cfg.Outbox.BaseDelay,
			ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
			AttemptTimeout:    cfg.Outbox.AttemptTimeout,
		},
	)
	app.OutboxProcessor.Start(ctx)
	app.Logger.Info("Outbox processor started.")

	walletHandler := handler.NewWalletHandler(app.EscrowService, app.BalanceService, app.Logger)
	app.HTTPHandler = router.NewRouter(walletHandler, app.Logger)
	app.Logger.Info("HTTP router and handlers initialized.")

	return nil
}

// Shutdown gracefully shuts down application resources.
func (app *Application) Shutdown(ctx context.Context) error {
	app.Logger.Info("Shutting down application...")
	if app.OutboxProcessor != nil {
		app.OutboxProcessor.Stop()
	}
	if app.DB != nil {
		if err := app.DB.Close(); err != nil {
			app.Logger.Error("Failed to close database connection", "error", err)
			return fmt.Errorf("failed to close database connection: %w", err)
		}
		app.Logger.Info("Database connection closed.")
	}
	app.Logger.Info("Application shut down gracefully.")
	return nil
}
