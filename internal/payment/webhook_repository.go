package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rentshield/rentshield/internal/tracing"
)

// ErrEventAlreadyProcessed is returned when a gateway webhook event was already recorded.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// DefaultWebhookEventRetention is how long processed event ids are kept.
// Stripe stops redelivering an event after three days.
const DefaultWebhookEventRetention = 30 * 24 * time.Hour

// WebhookEvent is a processed gateway event, kept for redelivery deduplication.
type WebhookEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// WebhookRepository tracks processed gateway webhook events.
type WebhookRepository interface {
	// RecordEvent claims an event for processing.
	// Returns ErrEventAlreadyProcessed if the event id was already claimed.
	RecordEvent(ctx context.Context, eventID, eventType string) error

	// Forget releases a claim so a failed event can be retried on redelivery.
	Forget(ctx context.Context, eventID string) error

	// HasProcessed reports whether an event id was claimed.
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// PruneBefore deletes events processed before cutoff and returns how many
	// were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.RWMutex
	events map[string]WebhookEvent
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]WebhookEvent),
	}
}

// RecordEvent claims an event for processing.
func (r *InMemoryWebhookRepository) RecordEvent(_ context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[eventID]; exists {
		return ErrEventAlreadyProcessed
	}
	r.events[eventID] = WebhookEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return nil
}

// Forget releases a claim.
func (r *InMemoryWebhookRepository) Forget(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, eventID)
	return nil
}

// HasProcessed reports whether an event id was claimed.
func (r *InMemoryWebhookRepository) HasProcessed(_ context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.events[eventID]
	return exists, nil
}

// PruneBefore deletes events processed before cutoff.
func (r *InMemoryWebhookRepository) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, ev := range r.events {
		if ev.ProcessedAt.Before(cutoff) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

// PostgresWebhookRepository stores processed events in stripe_webhook_events.
type PostgresWebhookRepository struct {
	db *sql.DB
}

// NewPostgresWebhookRepository creates a webhook repository backed by Postgres.
func NewPostgresWebhookRepository(db *sql.DB) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{db: db}
}

// RecordEvent inserts the event id, relying on the primary key for deduplication.
func (r *PostgresWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stripe_webhook_events", tracing.DBOperationInsert)
	var err error
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO stripe_webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if n == 0 {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// Forget deletes the event row.
func (r *PostgresWebhookRepository) Forget(ctx context.Context, eventID string) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stripe_webhook_events", tracing.DBOperationDelete)
	var err error
	defer func() { endSpan(err) }()

	_, err = r.db.ExecContext(ctx, `DELETE FROM stripe_webhook_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}

// HasProcessed reports whether the event row exists.
func (r *PostgresWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stripe_webhook_events", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stripe_webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// PruneBefore deletes rows processed before cutoff.
func (r *PostgresWebhookRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stripe_webhook_events", tracing.DBOperationDelete)
	var err error
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM stripe_webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return n, nil
}
