// internal/repository/outbox_repo.go
package repository

import (
	"context"
	"time"

	"bountypay-wallet/internal/domain"
)

// OutboxRepository defines the data operations for the durable side-effect
// queue.
type OutboxRepository interface {
	// CreateEvent inserts a pending event. Callers pass the same executor
	// as the triggering ledger write so both commit atomically.
	CreateEvent(ctx context.Context, q DBExecutor, event *domain.OutboxEvent) error
	// FetchDue selects pending events whose next_retry_at has passed,
	// oldest first.
	FetchDue(ctx context.Context, q DBExecutor, now time.Time, limit int) ([]domain.OutboxEvent, error)
	// Claim atomically moves a pending event to processing. Returns false
	// if another worker claimed it first.
	Claim(ctx context.Context, q DBExecutor, eventID string) (bool, error)
	// MarkCompleted finishes a processing event.
	MarkCompleted(ctx context.Context, q DBExecutor, eventID string) error
	// RecordFailure writes the outcome of a failed attempt: either back to
	// pending with a new retry schedule, or terminally failed.
	RecordFailure(ctx context.Context, q DBExecutor, eventID string, retryCount int, status domain.OutboxStatus, nextRetryAt time.Time, lastError string) error
	// FetchStuck selects events sitting in processing since before cutoff,
	// i.e. claimed by a worker that died mid-flight.
	FetchStuck(ctx context.Context, q DBExecutor, cutoff time.Time, limit int) ([]domain.OutboxEvent, error)
	// GetEvent retrieves one event by id, or util.ErrNotFound.
	GetEvent(ctx context.Context, q DBExecutor, eventID string) (*domain.OutboxEvent, error)
}
