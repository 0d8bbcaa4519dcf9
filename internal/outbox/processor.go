// internal/outbox/processor.go
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bountypay-wallet/internal/domain"
	"bountypay-wallet/internal/repository"
	"bountypay-wallet/internal/util"
)

// Handler executes the external side effect for one event and returns the
// gateway reference it produced (transfer/refund id).
type Handler func(ctx context.Context, event *domain.OutboxEvent, payload *domain.PaymentEventPayload) (string, error)

// Options tunes the processor. Zero values select the defaults.
type Options struct {
	PollInterval      time.Duration // default 5s
	BatchSize         int           // default 50
	MaxRetries        int           // default 3
	BaseDelay         time.Duration // default 1s; backoff is BaseDelay * 2^retryCount
	ProcessingTimeout time.Duration // default 5m; stuck-claim reclaim threshold
	AttemptTimeout    time.Duration // default 30s per handler attempt
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = 5 * time.Minute
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
}

// Processor drives the durable side-effect queue: it polls for due events,
// claims each with an atomic conditional update, executes the handler for
// its type, and retries failures with exponential backoff until the event
// completes or exhausts its attempts.
//
// Multiple processors may run against the same table; the claim update is
// the only coordination they need.
type Processor struct {
	dbExecutor      repository.DBExecutor
	outboxRepo      repository.OutboxRepository
	transactionRepo repository.TransactionRepository
	handlers        map[domain.OutboxEventType]Handler
	logger          *slog.Logger
	opts            Options

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProcessor creates a new Processor.
func NewProcessor(
	dbExecutor repository.DBExecutor,
	outboxRepo repository.OutboxRepository,
	transactionRepo repository.TransactionRepository,
	handlers map[domain.OutboxEventType]Handler,
	logger *slog.Logger,
	opts Options,
) *Processor {
	opts.applyDefaults()
	return &Processor{
		dbExecutor:      dbExecutor,
		outboxRepo:      outboxRepo,
		transactionRepo: transactionRepo,
		handlers:        handlers,
		logger:          logger,
		opts:            opts,
	}
}

// Start launches the poll loop in its own goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.runLoop(ctx)
	p.logger.Info("outbox processor started", "poll_interval", p.opts.PollInterval.String())
}

// Stop signals the poll loop to exit and waits for the in-flight batch.
func (p *Processor) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.logger.Info("outbox processor stopped")
}

func (p *Processor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reclaimStuck(ctx)
			p.ProcessBatch(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessBatch runs one poll-claim-execute pass. Exported so tests and
// administrative tooling can drive the processor without the ticker.
func (p *Processor) ProcessBatch(ctx context.Context) {
	events, err := p.outboxRepo.FetchDue(ctx, p.dbExecutor, time.Now().UTC(), p.opts.BatchSize)
	if err != nil {
		p.logger.Error("failed to fetch due outbox events", "error", err)
		return
	}

	for i := range events {
		event := &events[i]
		claimed, err := p.outboxRepo.Claim(ctx, p.dbExecutor, event.ID)
		if err != nil {
			p.logger.Error("failed to claim outbox event", "event_id", event.ID, "error", err)
			continue
		}
		if !claimed {
			// Another worker got there first.
			continue
		}
		p.execute(ctx, event)
	}
}

func (p *Processor) execute(ctx context.Context, event *domain.OutboxEvent) {
	externalRef, err := p.dispatch(ctx, event)
	if err != nil {
		p.recordFailedAttempt(ctx, event, err)
		return
	}

	if err := p.outboxRepo.MarkCompleted(ctx, p.dbExecutor, event.ID); err != nil {
		p.logger.Error("failed to mark outbox event completed", "event_id", event.ID, "error", err)
		return
	}
	p.logger.Info("outbox event completed",
		"event_id", event.ID,
		"event_type", string(event.EventType),
		"external_ref", externalRef,
	)
}

// dispatch decodes the payload, runs the handler under the per-attempt
// timeout, and reconciles the gateway reference back onto the originating
// ledger row.
func (p *Processor) dispatch(ctx context.Context, event *domain.OutboxEvent) (string, error) {
	handler, ok := p.handlers[event.EventType]
	if !ok {
		return "", fmt.Errorf("no handler registered for event type %s", event.EventType)
	}

	payload, err := event.DecodePayload()
	if err != nil {
		return "", err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()

	externalRef, err := handler(attemptCtx, event, payload)
	if err != nil {
		return "", err
	}

	if externalRef != "" && payload.TransactionID != "" {
		if err := p.transactionRepo.SetExternalReference(ctx, p.dbExecutor, payload.TransactionID, externalRef); err != nil {
			// The gateway call already succeeded and is deduplicated by the
			// idempotency key, so a retry of this event is safe and will
			// write the reference on the next pass.
			return "", fmt.Errorf("failed to reconcile external reference: %w", err)
		}
	}
	return externalRef, nil
}

// recordFailedAttempt increments the retry count and either reschedules the
// event with exponential backoff or marks it terminally failed.
func (p *Processor) recordFailedAttempt(ctx context.Context, event *domain.OutboxEvent, attemptErr error) {
	newRetryCount := event.RetryCount + 1

	if newRetryCount >= p.opts.MaxRetries {
		terminalErr := fmt.Errorf("%w: %v", util.ErrExhaustedRetries, attemptErr)
		if err := p.outboxRepo.RecordFailure(ctx, p.dbExecutor, event.ID, newRetryCount, domain.OutboxStatusFailed, event.NextRetryAt, terminalErr.Error()); err != nil {
			p.logger.Error("failed to record terminal outbox failure", "event_id", event.ID, "error", err)
			return
		}
		// Alert hook: terminal failures need operator attention.
		p.logger.Error("outbox event permanently failed",
			"event_id", event.ID,
			"event_type", string(event.EventType),
			"retry_count", newRetryCount,
			"error", terminalErr,
		)
		return
	}

	nextRetryAt := time.Now().UTC().Add(p.backoff(newRetryCount))
	if err := p.outboxRepo.RecordFailure(ctx, p.dbExecutor, event.ID, newRetryCount, domain.OutboxStatusPending, nextRetryAt, attemptErr.Error()); err != nil {
		p.logger.Error("failed to reschedule outbox event", "event_id", event.ID, "error", err)
		return
	}
	p.logger.Warn("outbox event attempt failed, rescheduled",
		"event_id", event.ID,
		"event_type", string(event.EventType),
		"retry_count", newRetryCount,
		"next_retry_at", nextRetryAt,
		"error", attemptErr,
	)
}

// backoff returns BaseDelay * 2^retryCount.
func (p *Processor) backoff(retryCount int) time.Duration {
	return p.opts.BaseDelay * time.Duration(1<<uint(retryCount))
}

// reclaimStuck sweeps events claimed by a worker that died mid-flight:
// anything in processing longer than ProcessingTimeout counts as a failed
// attempt and goes back through the retry schedule.
func (p *Processor) reclaimStuck(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.opts.ProcessingTimeout)
	events, err := p.outboxRepo.FetchStuck(ctx, p.dbExecutor, cutoff, p.opts.BatchSize)
	if err != nil {
		p.logger.Error("failed to fetch stuck outbox events", "error", err)
		return
	}
	for i := range events {
		event := &events[i]
		p.logger.Warn("reclaiming stuck outbox event", "event_id", event.ID, "claimed_at", event.UpdatedAt)
		p.recordFailedAttempt(ctx, event, errors.New("processing timed out"))
	}
}
