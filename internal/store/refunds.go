package store

import (
	"context"
	"database/sql"

	"learnhub/internal/models"
)

// UpsertRefund records a refund keyed by (order, refund_id), replacing status
// and payload on replay.
func (s *Store) UpsertRefund(ctx context.Context, q Queryer, refund *models.Refund) error {
	query := `
		INSERT INTO refunds (order_id, refund_id, amount, status, raw_payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (refund_id) DO UPDATE SET
			status = EXCLUDED.status,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return q.GetContext(ctx, refund, query,
		refund.OrderID, refund.RefundID, refund.Amount, refund.Status, refund.RawPayload)
}

// GetRefundByRefundID retrieves a refund by its provider id, or nil.
func (s *Store) GetRefundByRefundID(ctx context.Context, q Queryer, refundID string) (*models.Refund, error) {
	var refund models.Refund
	err := q.GetContext(ctx, &refund, "SELECT * FROM refunds WHERE refund_id = $1", refundID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// GetRefundsByOrderID lists refunds for an order, newest first.
func (s *Store) GetRefundsByOrderID(ctx context.Context, q Queryer, orderID int64) ([]models.Refund, error) {
	var refunds []models.Refund
	err := q.SelectContext(ctx, &refunds,
		"SELECT * FROM refunds WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return refunds, err
}

// SucceededRefundTotal sums finalized refund amounts for an order. Partial
// refunds must keep this at or below the order total.
func (s *Store) SucceededRefundTotal(ctx context.Context, q Queryer, orderID int64) (int64, error) {
	var total int64
	err := q.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(amount), 0) FROM refunds
		WHERE order_id = $1 AND status IN ($2, $3)`,
		orderID, models.RefundStatusRequested, models.RefundStatusSucceeded)
	return total, err
}
