package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"learnhub/internal/models"
)

// CreateOrder inserts a new order in DRAFT state.
func (s *Store) CreateOrder(ctx context.Context, q Queryer, order *models.Order) error {
	query := `
		INSERT INTO orders (
			reference, user_id, email, profile_id, plan_slug, course_id,
			amount_subtotal, tax_amount, amount_total, currency,
			status, version, idempotency_key, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	return q.GetContext(ctx, order, query,
		order.Reference, order.UserID, order.Email, order.ProfileID,
		order.PlanSlug, order.CourseID,
		order.AmountSubtotal, order.TaxAmount, order.AmountTotal, order.Currency,
		order.Status, order.Version, order.IdempotencyKey, order.Metadata)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, q Queryer, id int64) (*models.Order, error) {
	var order models.Order
	err := q.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByReference retrieves an order by its opaque reference.
func (s *Store) GetOrderByReference(ctx context.Context, q Queryer, reference string) (*models.Order, error) {
	var order models.Order
	err := q.GetContext(ctx, &order, "SELECT * FROM orders WHERE reference = $1", reference)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", reference, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate locks the order row for the duration of the transaction.
// Every mutator goes through this; it is the only ordering guarantee across
// workers.
func (s *Store) GetOrderForUpdate(ctx context.Context, tx *Tx, id int64) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKeyForUpdate locks the existing order for the given
// key, or returns (nil, nil) when absent.
func (s *Store) GetOrderByIdempotencyKeyForUpdate(ctx context.Context, tx *Tx, key string) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1 FOR UPDATE", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByPaymentIntentID resolves an order via the provider intent id.
func (s *Store) GetOrderByPaymentIntentID(ctx context.Context, q Queryer, intentID string) (*models.Order, error) {
	var order models.Order
	err := q.GetContext(ctx, &order, "SELECT * FROM orders WHERE payment_intent_id = $1", intentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByCheckoutSessionID resolves an order via the provider session id.
func (s *Store) GetOrderByCheckoutSessionID(ctx context.Context, q Queryer, sessionID string) (*models.Order, error) {
	var order models.Order
	err := q.GetContext(ctx, &order, "SELECT * FROM orders WHERE checkout_session_id = $1", sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ApplyOrderTransition persists a state change and bumps the version.
func (s *Store) ApplyOrderTransition(ctx context.Context, tx *Tx, orderID int64, status string, version int) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, version = $2, updated_at = NOW() WHERE id = $3",
		status, version, orderID)
	return err
}

// UpdateOrderProviderIDs writes the provider identifiers onto the order.
func (s *Store) UpdateOrderProviderIDs(ctx context.Context, q Queryer, orderID int64, sessionID, intentID, customerID sql.NullString) error {
	_, err := q.ExecContext(ctx, `
		UPDATE orders SET
			checkout_session_id = COALESCE($1, checkout_session_id),
			payment_intent_id   = COALESCE($2, payment_intent_id),
			stripe_customer_id  = COALESCE($3, stripe_customer_id),
			updated_at = NOW()
		WHERE id = $4`,
		sessionID, intentID, customerID, orderID)
	return err
}

// UpdateOrderProfile binds a customer profile to the order.
func (s *Store) UpdateOrderProfile(ctx context.Context, q Queryer, orderID, profileID int64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE orders SET profile_id = $1, updated_at = NOW() WHERE id = $2",
		profileID, orderID)
	return err
}

// ReplaceOrderItems resyncs line items by deleting and rewriting them, so a
// retried prepare never duplicates lines.
func (s *Store) ReplaceOrderItems(ctx context.Context, tx *Tx, orderID int64, items []models.OrderItem) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM order_items WHERE order_id = $1", orderID); err != nil {
		return fmt.Errorf("failed to clear order items: %w", err)
	}

	for i := range items {
		items[i].OrderID = orderID
		err := tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO order_items (order_id, sku, quantity, unit_amount, description, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			orderID, items[i].SKU, items[i].Quantity, items[i].UnitAmount,
			items[i].Description, items[i].Metadata)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

// GetOrderItems retrieves all items for an order.
func (s *Store) GetOrderItems(ctx context.Context, q Queryer, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := q.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetPaymentAttemptByKey returns the cached attempt for an idempotency key,
// or nil when absent.
func (s *Store) GetPaymentAttemptByKey(ctx context.Context, q Queryer, key string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := q.GetContext(ctx, &attempt,
		"SELECT * FROM payment_attempts WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// UpsertPaymentAttempt records the provider intent call, replacing payload
// and status in place on retry with the same key.
func (s *Store) UpsertPaymentAttempt(ctx context.Context, q Queryer, attempt *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (order_id, intent_id, idempotency_key, status, raw_payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = EXCLUDED.status,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return q.GetContext(ctx, attempt, query,
		attempt.OrderID, attempt.IntentID, attempt.IdempotencyKey,
		attempt.Status, attempt.RawPayload)
}

// UpdatePaymentAttemptByIntent refreshes the attempt matching a provider
// intent with the latest webhook payload.
func (s *Store) UpdatePaymentAttemptByIntent(ctx context.Context, q Queryer, intentID, status string, payload json.RawMessage) error {
	_, err := q.ExecContext(ctx, `
		UPDATE payment_attempts
		SET status = $1, raw_payload = $2, updated_at = NOW()
		WHERE intent_id = $3`,
		status, payload, intentID)
	return err
}

// CreatePayment persists the settled payment summary. One summary per
// provider intent.
func (s *Store) CreatePayment(ctx context.Context, q Queryer, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, intent_id, payment_method, latest_charge, amount_received, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (intent_id) DO UPDATE SET
			payment_method = EXCLUDED.payment_method,
			latest_charge = EXCLUDED.latest_charge,
			amount_received = EXCLUDED.amount_received,
			status = EXCLUDED.status
		RETURNING id, created_at`

	return q.GetContext(ctx, payment, query,
		payment.OrderID, payment.IntentID, payment.PaymentMethod,
		payment.LatestCharge, payment.AmountReceived, payment.Currency, payment.Status)
}

// GetPaymentByOrderID retrieves the latest payment summary for an order.
func (s *Store) GetPaymentByOrderID(ctx context.Context, q Queryer, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := q.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
