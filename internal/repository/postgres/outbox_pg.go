// internal/repository/postgres/outbox_pg.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"

	"github.com/jmoiron/sqlx"
)

const outboxColumns = `id, event_type, payload, status, retry_count, next_retry_at, last_error, created_at, updated_at`

// OutboxRepository implements repository.OutboxRepository for PostgreSQL.
type OutboxRepository struct{}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *sqlx.DB) repository.OutboxRepository {
	return &OutboxRepository{}
}

// CreateEvent inserts a pending event, normally inside the same transaction
// as the ledger write that triggers it.
func (r *OutboxRepository) CreateEvent(ctx context.Context, q repository.DBExecutor, event *domain.OutboxEvent) error {
	query := `INSERT INTO outbox_events (` + outboxColumns + `)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.ExecContext(ctx, query,
		event.ID,
		event.EventType,
		event.Payload,
		event.Status,
		event.RetryCount,
		event.NextRetryAt,
		event.LastError,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	return nil
}

// FetchDue selects pending events ready for an attempt, oldest first.
func (r *OutboxRepository) FetchDue(ctx context.Context, q repository.DBExecutor, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	events := []domain.OutboxEvent{}
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
              WHERE status = $1 AND next_retry_at <= $2
              ORDER BY created_at ASC
              LIMIT $3`
	if err := q.SelectContext(ctx, &events, query, domain.OutboxStatusPending, now, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch due outbox events: %w", err)
	}
	return events, nil
}

// Claim atomically moves a pending event to processing. The conditional
// WHERE clause is what prevents two workers from executing the same event.
func (r *OutboxRepository) Claim(ctx context.Context, q repository.DBExecutor, eventID string) (bool, error) {
	query := `UPDATE outbox_events SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	result, err := q.ExecContext(ctx, query, domain.OutboxStatusProcessing, time.Now().UTC(), eventID, domain.OutboxStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox event %s: %w", eventID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected claiming event %s: %w", eventID, err)
	}
	return rowsAffected == 1, nil
}

// MarkCompleted finishes a processing event.
func (r *OutboxRepository) MarkCompleted(ctx context.Context, q repository.DBExecutor, eventID string) error {
	query := `UPDATE outbox_events SET status = $1, last_error = NULL, updated_at = $2 WHERE id = $3`
	if _, err := q.ExecContext(ctx, query, domain.OutboxStatusCompleted, time.Now().UTC(), eventID); err != nil {
		return fmt.Errorf("failed to mark outbox event %s completed: %w", eventID, err)
	}
	return nil
}

// RecordFailure writes the outcome of a failed attempt.
func (r *OutboxRepository) RecordFailure(ctx context.Context, q repository.DBExecutor, eventID string, retryCount int, status domain.OutboxStatus, nextRetryAt time.Time, lastError string) error {
	query := `UPDATE outbox_events
              SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = $5
              WHERE id = $6`
	if _, err := q.ExecContext(ctx, query, status, retryCount, nextRetryAt, lastError, time.Now().UTC(), eventID); err != nil {
		return fmt.Errorf("failed to record failure on outbox event %s: %w", eventID, err)
	}
	return nil
}

// FetchStuck selects events sitting in processing since before cutoff.
func (r *OutboxRepository) FetchStuck(ctx context.Context, q repository.DBExecutor, cutoff time.Time, limit int) ([]domain.OutboxEvent, error) {
	events := []domain.OutboxEvent{}
	query := `SELECT ` + outboxColumns + ` FROM outbox_events
              WHERE status = $1 AND updated_at < $2
              ORDER BY updated_at ASC
              LIMIT $3`
	if err := q.SelectContext(ctx, &events, query, domain.OutboxStatusProcessing, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch stuck outbox events: %w", err)
	}
	return events, nil
}

// GetEvent retrieves one event by id.
func (r *OutboxRepository) GetEvent(ctx context.Context, q repository.DBExecutor, eventID string) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`
	err := q.GetContext(ctx, &event, query, eventID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outbox event %s: %w", eventID, err)
	}
	return &event, nil
}
