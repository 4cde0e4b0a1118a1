package service

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/stripeclient"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

// WebhookResult summarizes a processed delivery for the HTTP layer.
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   string // processed, duplicate, skipped
	OrderID   int64
}

// WebhookProcessor verifies, deduplicates, and dispatches provider events.
// Each delivery runs in one transaction holding both the event row and the
// order row, so concurrent deliveries of the same event or racing events on
// one order serialize instead of interleaving.
type WebhookProcessor struct {
	store          *store.Store
	provider       *stripeclient.Client
	orders         *OrderService
	entitlements   *EntitlementService
	refunds        *RefundService
	billingEnabled bool
	logger         *zap.Logger
}

func NewWebhookProcessor(st *store.Store, provider *stripeclient.Client, orders *OrderService, entitlements *EntitlementService, refunds *RefundService, billingEnabled bool) *WebhookProcessor {
	return &WebhookProcessor{
		store:          st,
		provider:       provider,
		orders:         orders,
		entitlements:   entitlements,
		refunds:        refunds,
		billingEnabled: billingEnabled,
		logger:         util.GetLogger(),
	}
}

// Handle processes one raw webhook delivery. Signature failures and billing
// kill-switch rejections surface as typed errors for the HTTP layer;
// everything else either processes, records a duplicate, or skips fail-soft.
func (w *WebhookProcessor) Handle(ctx context.Context, rawBody []byte, sigHeader, correlationID string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookProcessor.Handle")
	defer span.End()

	if !w.billingEnabled {
		return nil, models.ErrBillingDisabled
	}

	event, err := w.provider.ConstructEvent(rawBody, sigHeader)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		return nil, err
	}

	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	var failedRowID, failedOrderID int64
	err = w.store.WithTx(ctx, func(tx *store.Tx) error {
		row, err := w.store.LockWebhookEvent(ctx, tx, event.ID, event.Type, correlationID, sigHeader, rawBody)
		if err != nil {
			return err
		}

		if row.Status == models.WebhookStatusProcessed {
			result.Outcome = "duplicate"
			w.logger.Info("Webhook already processed",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.String("correlation_id", correlationID))
			return nil
		}
		if row.Status != models.WebhookStatusPending {
			if err := w.store.ResetWebhookEventForRetry(ctx, tx, row.ID, correlationID); err != nil {
				return err
			}
		}

		outcome, orderID, dispatchErr := w.dispatch(ctx, tx, event, correlationID)
		if dispatchErr != nil {
			// The failure is recorded after rollback, once the row lock is
			// released.
			failedRowID = row.ID
			failedOrderID = orderID
			return dispatchErr
		}

		status := models.WebhookStatusProcessed
		if outcome == "skipped" {
			status = models.WebhookStatusSkipped
		}
		if err := w.store.FinishWebhookEvent(ctx, tx, row.ID, status,
			sql.NullInt64{Int64: orderID, Valid: orderID != 0}, sql.NullString{}); err != nil {
			return err
		}

		result.Outcome = outcome
		result.OrderID = orderID
		return nil
	})
	if err != nil {
		if failedRowID != 0 {
			if ferr := w.store.FinishWebhookEvent(ctx, w.store.DB(), failedRowID, models.WebhookStatusFailed,
				sql.NullInt64{Int64: failedOrderID, Valid: failedOrderID != 0},
				sql.NullString{String: err.Error(), Valid: true}); ferr != nil {
				w.logger.Error("Failed to record webhook failure", zap.Error(ferr))
			}
		}
		util.WebhookEventsTotal.WithLabelValues(event.Type, "failed").Inc()
		return nil, err
	}

	util.WebhookEventsTotal.WithLabelValues(event.Type, result.Outcome).Inc()
	return result, nil
}

// dispatch resolves the order and applies the event-specific handler. An
// event that names no known order is skipped, not failed, because billing
// webhooks can arrive for orders created by other systems.
func (w *WebhookProcessor) dispatch(ctx context.Context, tx *store.Tx, event *stripeclient.Event, correlationID string) (outcome string, orderID int64, err error) {
	obj, err := event.ParseObject()
	if err != nil {
		return "", 0, err
	}

	order, err := w.resolveOrder(ctx, tx, obj)
	if err != nil {
		return "", 0, err
	}
	if order == nil {
		w.logger.Warn("Webhook names no known order",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("object_id", obj.ID))
		return "skipped", 0, nil
	}

	// Re-read under lock so the dispatch sees a stable order version.
	order, err = w.store.GetOrderForUpdate(ctx, tx, order.ID)
	if err != nil {
		return "", 0, err
	}

	switch event.Type {
	case "checkout.session.completed":
		err = w.handleSessionCompleted(ctx, tx, order, obj)
	case "payment_intent.succeeded", "charge.succeeded":
		err = w.entitlements.FinalizePaidOrder(ctx, tx, order, obj, event.Data.Object, correlationID)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		err = w.orders.MarkPaymentFailed(ctx, tx, order, event.Data.Object, correlationID)
	case "charge.refunded", "payment_intent.refunded":
		refundID, amount := refundDetails(obj)
		err = w.refunds.MarkSucceeded(ctx, tx, order, refundID, amount, event.Data.Object, correlationID)
	case "charge.dispute.created", "charge.dispute.closed":
		w.logger.Warn("Payment dispute event received",
			zap.Int64("order_id", order.ID),
			zap.String("event_type", event.Type),
			zap.String("object_id", obj.ID))
	default:
		w.logger.Info("Unhandled webhook type",
			zap.String("event_type", event.Type),
			zap.Int64("order_id", order.ID))
	}
	if err != nil {
		// An event the current state refuses is a delivery-order race, not a
		// failure. The state stands; acknowledging stops the provider's
		// retries.
		if outOfOrderEvent(err) {
			w.logger.Info("Out-of-order webhook ignored",
				zap.Int64("order_id", order.ID),
				zap.String("event_type", event.Type),
				zap.String("state", order.Status),
				zap.String("refusal", err.Error()))
			return "processed", order.ID, nil
		}
		return "", order.ID, err
	}
	return "processed", order.ID, nil
}

// outOfOrderEvent reports whether the handler error is the state machine
// refusing an event that arrived too late for the order's current state.
func outOfOrderEvent(err error) bool {
	return models.IsInvalidTransition(err)
}

// resolveOrder finds the order an event refers to: explicit metadata first,
// then the payment intent, then the checkout session.
func (w *WebhookProcessor) resolveOrder(ctx context.Context, tx *store.Tx, obj *stripeclient.EventObject) (*models.Order, error) {
	if raw, ok := obj.Metadata["order_id"]; ok && raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed order_id metadata %q: %w", raw, err)
		}
		order, err := w.store.GetOrderByID(ctx, tx, id)
		if err == nil {
			return order, nil
		}
		if err != models.ErrNotFound {
			return nil, err
		}
	}

	intentID := obj.PaymentIntent
	if intentID == "" && obj.Object == "payment_intent" {
		intentID = obj.ID
	}
	if intentID != "" {
		order, err := w.store.GetOrderByPaymentIntentID(ctx, tx, intentID)
		if err != nil || order != nil {
			return order, err
		}
	}

	if obj.Object == "checkout.session" && obj.ID != "" {
		return w.store.GetOrderByCheckoutSessionID(ctx, tx, obj.ID)
	}
	return nil, nil
}

// handleSessionCompleted binds the session's provider ids and customer onto
// the order. Payment success arrives separately on the intent event.
func (w *WebhookProcessor) handleSessionCompleted(ctx context.Context, tx *store.Tx, order *models.Order, obj *stripeclient.EventObject) error {
	var sessionID, customerID sql.NullString
	if obj.Object == "checkout.session" && obj.ID != "" {
		sessionID = sql.NullString{String: obj.ID, Valid: true}
	}
	if obj.Customer != "" {
		customerID = sql.NullString{String: obj.Customer, Valid: true}
	}
	var intentID sql.NullString
	if obj.PaymentIntent != "" {
		intentID = sql.NullString{String: obj.PaymentIntent, Valid: true}
	}
	if err := w.store.UpdateOrderProviderIDs(ctx, tx, order.ID, sessionID, intentID, customerID); err != nil {
		return err
	}

	params := EnsureProfileParams{
		Email:            order.Email,
		UserID:           order.UserID,
		StripeCustomerID: customerID,
	}
	if guestID, ok := obj.Metadata["guest_id"]; ok && guestID != "" {
		params.GuestID = sql.NullString{String: guestID, Valid: true}
	}
	profile, err := w.orders.EnsureCustomerProfile(ctx, tx, params)
	if err != nil {
		return err
	}
	if !order.ProfileID.Valid {
		return w.store.UpdateOrderProfile(ctx, tx, order.ID, profile.ID)
	}
	return nil
}

// refundDetails pulls the provider refund id and amount out of a refund
// event, falling back to the charge-level refunded total.
func refundDetails(obj *stripeclient.EventObject) (string, int64) {
	if len(obj.Refunds.Data) > 0 {
		last := obj.Refunds.Data[len(obj.Refunds.Data)-1]
		return last.ID, last.Amount
	}
	if obj.Object == "refund" {
		return obj.ID, obj.Amount
	}
	return "", obj.AmountRefunded
}
