package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"learnhub/internal/models"
)

// LockWebhookEvent selects the event row by event_id FOR UPDATE, creating a
// PENDING row when absent. Concurrent deliveries of the same event serialize
// here.
func (s *Store) LockWebhookEvent(ctx context.Context, tx *Tx, eventID, eventType, correlationID, signature string, payload json.RawMessage) (*models.WebhookEvent, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, status, correlation_id, signature, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, models.WebhookStatusPending, correlationID, signature, payload)
	if err != nil {
		return nil, err
	}

	var event models.WebhookEvent
	err = tx.GetContext(ctx, &event,
		"SELECT * FROM webhook_events WHERE event_id = $1 FOR UPDATE", eventID)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ResetWebhookEventForRetry clears the error and puts a replayed row back to
// PENDING before dispatch.
func (s *Store) ResetWebhookEventForRetry(ctx context.Context, tx *Tx, id int64, correlationID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, last_error = NULL, correlation_id = $2
		WHERE id = $3`,
		models.WebhookStatusPending, correlationID, id)
	return err
}

// FinishWebhookEvent records the terminal outcome of a dispatch.
func (s *Store) FinishWebhookEvent(ctx context.Context, q Queryer, id int64, status string, orderID sql.NullInt64, lastError sql.NullString) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, order_id = $2, last_error = $3,
		    processed_at = CASE WHEN $1 = 'PROCESSED' THEN NOW() ELSE processed_at END
		WHERE id = $4`,
		status, orderID, lastError, id)
	return err
}

// GetWebhookEvent retrieves a webhook event by event_id.
func (s *Store) GetWebhookEvent(ctx context.Context, q Queryer, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := q.GetContext(ctx, &event,
		"SELECT * FROM webhook_events WHERE event_id = $1", eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
