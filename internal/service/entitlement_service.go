package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"learnhub/internal/broker"
	"learnhub/internal/models"
	"learnhub/internal/redisclient"
	"learnhub/internal/store"
	"learnhub/internal/stripeclient"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

// EntitlementService finalizes paid orders: it moves the order to PAID,
// records the payment summary, reconciles the customer profile, issues the
// invoice, and grants course access. Everything runs inside the caller's
// transaction except the invoice files and the notification, which are
// idempotent on their own keys.
type EntitlementService struct {
	store            *store.Store
	invoice          *InvoiceService
	outbox           *OutboxService
	redis            *redisclient.Client
	orders           *OrderService
	publisher        *broker.EventPublisher
	invoicingEnabled bool
	logger           *zap.Logger
}

func NewEntitlementService(st *store.Store, orders *OrderService, invoice *InvoiceService, outbox *OutboxService, redis *redisclient.Client, publisher *broker.EventPublisher, invoicingEnabled bool) *EntitlementService {
	return &EntitlementService{
		store:            st,
		orders:           orders,
		invoice:          invoice,
		outbox:           outbox,
		redis:            redis,
		publisher:        publisher,
		invoicingEnabled: invoicingEnabled,
		logger:           util.GetLogger(),
	}
}

// FinalizePaidOrder processes a successful payment event for an order that
// the caller has already locked. Re-delivery of the same event is a no-op
// because the order is already PAID and every downstream write carries its
// own conflict target.
func (e *EntitlementService) FinalizePaidOrder(ctx context.Context, tx *store.Tx, order *models.Order, obj *stripeclient.EventObject, rawPayload json.RawMessage, correlationID string) error {
	ctx, span := util.StartSpan(ctx, "EntitlementService.FinalizePaidOrder")
	defer span.End()

	if order.Status == models.OrderStatusPaid {
		e.logger.Info("Order already paid, skipping finalization",
			zap.Int64("order_id", order.ID),
			zap.String("correlation_id", correlationID))
		return nil
	}

	if err := e.orders.MarkPaymentSucceeded(ctx, tx, order, rawPayload, correlationID); err != nil {
		return err
	}

	if err := e.recordPayment(ctx, tx, order, obj); err != nil {
		return err
	}
	if err := e.reconcileProfile(ctx, tx, order, obj); err != nil {
		return err
	}
	if err := e.grantCourseAccess(ctx, tx, order); err != nil {
		return err
	}

	// Invoice files live outside the transaction. A failure here must not
	// undo the paid state; the artifact can be regenerated on demand. The
	// payment event carries authoritative amounts, so a full regenerate
	// replaces any stale pre-existing artifact.
	if e.invoicingEnabled {
		items, err := e.store.GetOrderItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if err := e.invoice.IssueInvoice(ctx, tx, order, items, true, tx.OnCommit); err != nil {
			e.logger.Error("Invoice issuance failed, order stays paid",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	if e.publisher != nil {
		paid := *order
		tx.OnCommit(func() {
			if err := e.publisher.PublishOrderPaid(context.Background(), &paid); err != nil {
				e.logger.Warn("OrderPaid publish failed",
					zap.Int64("order_id", paid.ID), zap.Error(err))
			}
		})
	}
	return nil
}

// recordPayment stores the provider's payment summary keyed by intent id.
func (e *EntitlementService) recordPayment(ctx context.Context, tx *store.Tx, order *models.Order, obj *stripeclient.EventObject) error {
	if obj == nil {
		return nil
	}
	intentID := obj.ID
	if obj.PaymentIntent != "" {
		intentID = obj.PaymentIntent
	}
	if intentID == "" {
		return nil
	}

	amount := obj.AmountReceived
	if amount == 0 {
		amount = obj.Amount
	}
	currency := obj.Currency
	if currency == "" {
		currency = order.Currency
	}

	payment := &models.Payment{
		OrderID:        order.ID,
		IntentID:       intentID,
		PaymentMethod:  obj.PaymentMethod,
		LatestCharge:   obj.LatestCharge,
		AmountReceived: amount,
		Currency:       currency,
		Status:         "succeeded",
	}
	if err := e.store.CreatePayment(ctx, tx, payment); err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// reconcileProfile binds the provider customer id and any authenticated
// user carried in the event metadata onto the order's customer profile.
func (e *EntitlementService) reconcileProfile(ctx context.Context, tx *store.Tx, order *models.Order, obj *stripeclient.EventObject) error {
	params := EnsureProfileParams{
		Email:  order.Email,
		UserID: order.UserID,
	}
	if obj != nil {
		if obj.Customer != "" {
			params.StripeCustomerID = sql.NullString{String: obj.Customer, Valid: true}
		}
		if guestID, ok := obj.Metadata["guest_id"]; ok && guestID != "" {
			params.GuestID = sql.NullString{String: guestID, Valid: true}
		}
	}

	profile, err := e.orders.EnsureCustomerProfile(ctx, tx, params)
	if err != nil {
		return err
	}

	if !order.ProfileID.Valid || order.ProfileID.Int64 != profile.ID {
		if err := e.store.UpdateOrderProfile(ctx, tx, order.ID, profile.ID); err != nil {
			return err
		}
		order.ProfileID = sql.NullInt64{Int64: profile.ID, Valid: true}
	}
	if params.StripeCustomerID.Valid && !order.StripeCustomerID.Valid {
		if err := e.store.UpdateOrderProviderIDs(ctx, tx, order.ID,
			sql.NullString{}, sql.NullString{}, params.StripeCustomerID); err != nil {
			return err
		}
		order.StripeCustomerID = params.StripeCustomerID
	}
	return nil
}

// grantCourseAccess inserts the entitlement row when the order names an
// authenticated user and a course. Guest orders get access at account
// merge, not here.
func (e *EntitlementService) grantCourseAccess(ctx context.Context, tx *store.Tx, order *models.Order) error {
	if !order.UserID.Valid || !order.CourseID.Valid {
		return nil
	}

	userID := order.UserID.Int64
	courseID := order.CourseID.Int64
	inserted, err := e.store.GrantEntitlement(ctx, tx, userID, courseID,
		sql.NullInt64{Int64: order.ID, Valid: true})
	if err != nil {
		return fmt.Errorf("failed to grant entitlement: %w", err)
	}
	if !inserted {
		return nil
	}

	util.EntitlementsGrantedTotal.Inc()
	e.logger.Info("Entitlement granted",
		zap.Int64("user_id", userID),
		zap.Int64("course_id", courseID),
		zap.Int64("order_id", order.ID))

	if e.redis != nil {
		tx.OnCommit(func() {
			if err := e.redis.CacheEntitlement(context.Background(), userID, courseID); err != nil {
				e.logger.Warn("Entitlement cache prime failed", zap.Error(err))
			}
		})
	}
	return nil
}
