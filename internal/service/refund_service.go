package service

import (
	"context"
	"encoding/json"
	"fmt"

	"learnhub/internal/broker"
	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/stripeclient"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

// RefundService drives refunds through their two-phase lifecycle: an
// operator-initiated request recorded as REQUESTED, then provider
// confirmation via webhook flipping it to SUCCEEDED and the order to
// REFUNDED. Partial refunds are allowed until they sum to the order total.
type RefundService struct {
	store     *store.Store
	orders    *OrderService
	outbox    *OutboxService
	provider  *stripeclient.Client
	publisher *broker.EventPublisher
	logger    *zap.Logger
}

func NewRefundService(st *store.Store, orders *OrderService, outbox *OutboxService, provider *stripeclient.Client, publisher *broker.EventPublisher) *RefundService {
	return &RefundService{
		store:     st,
		orders:    orders,
		outbox:    outbox,
		provider:  provider,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Initiate requests a refund with the provider and records it. The order
// must be PAID or already partially REFUNDED, and the running refund total
// may not exceed the order total. The idempotency key is derived from the
// order and amount, so retrying a failed call cannot double-refund.
func (r *RefundService) Initiate(ctx context.Context, orderID, amount int64, reason string) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.Initiate")
	defer span.End()

	var refund *models.Refund
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		order, err := r.store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPaid && order.Status != models.OrderStatusRefunded {
			return &models.InvalidTransitionError{From: order.Status, Event: models.EventRefundRequested}
		}

		if amount <= 0 {
			amount = order.AmountTotal
		}
		refunded, err := r.store.SucceededRefundTotal(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to sum prior refunds: %w", err)
		}
		if refunded+amount > order.AmountTotal {
			return fmt.Errorf("refund of %d exceeds remaining balance %d on order %d",
				amount, order.AmountTotal-refunded, order.ID)
		}

		if !order.PaymentIntentID.Valid {
			return fmt.Errorf("order %d has no payment intent to refund", order.ID)
		}

		if err := r.orders.MarkRefundRequested(ctx, tx, order, ""); err != nil {
			return err
		}

		providerRefund, err := r.provider.CreateRefund(ctx, stripeclient.CreateRefundParams{
			PaymentIntentID: order.PaymentIntentID.String,
			Amount:          amount,
			IdempotencyKey:  fmt.Sprintf("refund:%d:%d", order.ID, amount),
		})
		if err != nil {
			return err
		}

		refund = &models.Refund{
			OrderID:  order.ID,
			RefundID: providerRefund.ID,
			Amount:   amount,
			Status:   models.RefundStatusRequested,
		}
		if err := r.store.UpsertRefund(ctx, tx, refund); err != nil {
			return err
		}

		util.RefundsTotal.WithLabelValues("requested").Inc()
		r.logger.Info("Refund requested",
			zap.Int64("order_id", order.ID),
			zap.String("refund_id", providerRefund.ID),
			zap.Int64("amount", amount),
			zap.String("reason", reason))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// MarkSucceeded records provider confirmation of a refund inside the
// caller's transaction and queues the receipt email for after commit.
// Re-delivery upserts the same row and the receipt dedups on its key.
func (r *RefundService) MarkSucceeded(ctx context.Context, tx *store.Tx, order *models.Order, refundID string, amount int64, rawPayload json.RawMessage, correlationID string) error {
	if refundID == "" {
		return fmt.Errorf("refund confirmation without refund id on order %d", order.ID)
	}
	if amount <= 0 {
		amount = order.AmountTotal
	}

	refund := &models.Refund{
		OrderID:    order.ID,
		RefundID:   refundID,
		Amount:     amount,
		Status:     models.RefundStatusSucceeded,
		RawPayload: rawPayload,
	}
	if err := r.store.UpsertRefund(ctx, tx, refund); err != nil {
		return err
	}

	if order.Status != models.OrderStatusRefunded {
		if err := r.orders.MarkRefundSucceeded(ctx, tx, order, correlationID); err != nil {
			return err
		}
	}

	util.RefundsTotal.WithLabelValues("succeeded").Inc()
	tx.OnCommit(func() {
		r.outbox.SendRefundEmail(context.Background(), refundID)
	})
	if r.publisher != nil {
		succeeded := *refund
		tx.OnCommit(func() {
			if err := r.publisher.PublishRefundSucceeded(context.Background(), &succeeded); err != nil {
				r.logger.Warn("RefundSucceeded publish failed",
					zap.String("refund_id", succeeded.RefundID), zap.Error(err))
			}
		})
	}
	return nil
}
