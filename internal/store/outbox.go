package store

import (
	"context"
	"database/sql"
	"time"

	"learnhub/internal/models"
)

// InsertOutboxMessage enqueues a notification. The unique index on
// (namespace, purpose, dedup_key) with DO NOTHING makes duplicate enqueues
// silent no-ops; the return value reports whether a row was written.
func (s *Store) InsertOutboxMessage(ctx context.Context, q Queryer, msg *models.OutboxMessage) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			namespace, purpose, template_slug, recipients, dedup_key,
			subject, body_html, body_text, metadata, status, next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (namespace, purpose, dedup_key) DO NOTHING`,
		msg.Namespace, msg.Purpose, msg.TemplateSlug, msg.Recipients, msg.DedupKey,
		msg.Subject, msg.BodyHTML, msg.BodyText, msg.Metadata, models.OutboxStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClaimDueOutboxMessages picks PENDING rows whose next attempt is due,
// skipping rows another worker already holds.
func (s *Store) ClaimDueOutboxMessages(ctx context.Context, tx *Tx, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := tx.SelectContext(ctx, &msgs, `
		SELECT * FROM outbox_messages
		WHERE status = $1 AND next_attempt_at <= NOW()
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		models.OutboxStatusPending, limit)
	return msgs, err
}

// MarkOutboxSent records a successful delivery.
func (s *Store) MarkOutboxSent(ctx context.Context, q Queryer, id int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, sent_at = NOW(), attempts = attempts + 1
		WHERE id = $2`,
		models.OutboxStatusSent, id)
	return err
}

// MarkOutboxFailed bumps the attempt counter and schedules the next try, or
// parks the row as FAILED when the budget is spent.
func (s *Store) MarkOutboxFailed(ctx context.Context, q Queryer, id int64, errMsg string, maxAttempts int, nextAttempt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    last_error = $1,
		    status = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE status END,
		    next_attempt_at = $4
		WHERE id = $5`,
		sql.NullString{String: errMsg, Valid: errMsg != ""},
		maxAttempts, models.OutboxStatusFailed, nextAttempt, id)
	return err
}

// DeferOutboxMessage pushes the next attempt forward without spending an
// attempt. The dispatcher uses it as a delivery lease after publishing.
func (s *Store) DeferOutboxMessage(ctx context.Context, q Queryer, id int64, until time.Time) error {
	_, err := q.ExecContext(ctx,
		"UPDATE outbox_messages SET next_attempt_at = $1 WHERE id = $2", until, id)
	return err
}

// GetOutboxMessage retrieves an outbox row by id.
func (s *Store) GetOutboxMessage(ctx context.Context, q Queryer, id int64) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	err := q.GetContext(ctx, &msg, "SELECT * FROM outbox_messages WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetOutboxMessageByDedupKey retrieves an outbox row by its dedup triple.
func (s *Store) GetOutboxMessageByDedupKey(ctx context.Context, q Queryer, namespace, purpose, dedupKey string) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	err := q.GetContext(ctx, &msg, `
		SELECT * FROM outbox_messages
		WHERE namespace = $1 AND purpose = $2 AND dedup_key = $3`,
		namespace, purpose, dedupKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
