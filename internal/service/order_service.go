package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/stripeclient"
	"learnhub/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService owns the order lifecycle. All mutations lock the order row
// first; the state machine never decreases the version.
type OrderService struct {
	store    *store.Store
	provider *stripeclient.Client
	logger   *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(st *store.Store, provider *stripeclient.Client) *OrderService {
	return &OrderService{
		store:    st,
		provider: provider,
		logger:   util.GetLogger(),
	}
}

// NewOrderReference mints an opaque human-readable order reference.
func NewOrderReference() string {
	return "LH-" + strings.ToUpper(uuid.New().String()[:8])
}

// ApplyTransition resolves an event against the state table and persists the
// result under the caller's row lock. No-ops leave state and version alone;
// real transitions bump the version and emit one structured log line.
func (s *OrderService) ApplyTransition(ctx context.Context, tx *store.Tx, order *models.Order, event, correlationID string) error {
	from := order.Status
	next, noop, err := models.Transition(from, event)
	if err != nil {
		return err
	}

	if noop {
		s.logger.Info("Order transition noop",
			zap.Int64("order_id", order.ID),
			zap.String("event", event),
			zap.String("state", from),
			zap.String("correlation_id", correlationID))
		return nil
	}

	order.Status = next
	order.Version++
	if err := s.store.ApplyOrderTransition(ctx, tx, order.ID, next, order.Version); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	util.OrderTransitionsTotal.WithLabelValues(event, next).Inc()
	s.logger.Info("Order transition",
		zap.Int64("order_id", order.ID),
		zap.String("event", event),
		zap.String("from", from),
		zap.String("to", next),
		zap.Int("version", order.Version),
		zap.String("correlation_id", correlationID))
	return nil
}

// EnsureProfileParams identifies a customer across guest and authenticated
// checkouts.
type EnsureProfileParams struct {
	Email            string
	UserID           sql.NullInt64
	StripeCustomerID sql.NullString
	GuestID          sql.NullString
}

// EnsureCustomerProfile finds or creates a profile by provider customer id,
// user, or guest id, in that order. Binding a user to a profile that was
// created for a guest records the absorbed guest id.
func (s *OrderService) EnsureCustomerProfile(ctx context.Context, q store.Queryer, params EnsureProfileParams) (*models.CustomerProfile, error) {
	var profile *models.CustomerProfile
	var err error

	if params.StripeCustomerID.Valid {
		profile, err = s.store.GetProfileByStripeCustomerID(ctx, q, params.StripeCustomerID.String)
		if err != nil {
			return nil, err
		}
	}
	if profile == nil && params.UserID.Valid {
		profile, err = s.store.GetProfileByUserID(ctx, q, params.UserID.Int64)
		if err != nil {
			return nil, err
		}
	}
	if profile == nil && params.GuestID.Valid {
		profile, err = s.store.GetProfileByGuestID(ctx, q, params.GuestID.String)
		if err != nil {
			return nil, err
		}
	}

	if profile == nil {
		profile = &models.CustomerProfile{
			Email:            strings.ToLower(params.Email),
			UserID:           params.UserID,
			StripeCustomerID: params.StripeCustomerID,
			GuestID:          params.GuestID,
		}
		if err := s.store.CreateProfile(ctx, q, profile); err != nil {
			return nil, fmt.Errorf("failed to create customer profile: %w", err)
		}
		s.logger.Info("Customer profile created",
			zap.Int64("profile_id", profile.ID),
			zap.Bool("guest", !params.UserID.Valid))
		return profile, nil
	}

	changed := false
	if params.Email != "" && profile.Email == "" {
		profile.Email = strings.ToLower(params.Email)
		changed = true
	}
	if params.UserID.Valid && !profile.UserID.Valid {
		profile.UserID = params.UserID
		if profile.GuestID.Valid {
			profile.MergedFromGuestID = profile.GuestID
		} else if params.GuestID.Valid {
			profile.MergedFromGuestID = params.GuestID
		}
		changed = true
	}
	if params.StripeCustomerID.Valid && !profile.StripeCustomerID.Valid {
		profile.StripeCustomerID = params.StripeCustomerID
		changed = true
	}
	if params.GuestID.Valid && !profile.GuestID.Valid {
		profile.GuestID = params.GuestID
		changed = true
	}

	if changed {
		if err := s.store.UpdateProfile(ctx, q, profile); err != nil {
			return nil, fmt.Errorf("failed to update customer profile: %w", err)
		}
	}
	return profile, nil
}

// PrepareOrderRequest carries everything needed to build a checkout order.
type PrepareOrderRequest struct {
	UserID         sql.NullInt64
	Email          string
	Currency       string
	AmountSubtotal int64
	TaxAmount      int64
	AmountTotal    int64
	PlanSlug       sql.NullString
	CourseID       sql.NullInt64
	IdempotencyKey string
	Metadata       models.Metadata
	ProfileID      sql.NullInt64
	Items          []models.OrderItem
}

// PrepareOrder atomically selects or inserts the order for an idempotency
// key under a row lock, resyncs its items, and applies CHECKOUT_CREATED.
// Concurrent calls with the same key converge on a single row.
func (s *OrderService) PrepareOrder(ctx context.Context, req PrepareOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PrepareOrder")
	defer span.End()

	var result *models.Order
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := s.store.GetOrderByIdempotencyKeyForUpdate(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to check idempotency: %w", err)
		}

		if existing != nil {
			if existing.AmountTotal != req.AmountTotal ||
				!strings.EqualFold(existing.Currency, req.Currency) ||
				!strings.EqualFold(existing.Email, req.Email) {
				return fmt.Errorf("key %s: %w", req.IdempotencyKey, models.ErrIdempotencyConflict)
			}

			s.logger.Info("Duplicate checkout request",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))

			if err := s.store.ReplaceOrderItems(ctx, tx, existing.ID, req.Items); err != nil {
				return err
			}
			if existing.Status == models.OrderStatusDraft {
				if err := s.ApplyTransition(ctx, tx, existing, models.EventCheckoutCreated, ""); err != nil {
					return err
				}
			}
			result = existing
			return nil
		}

		order := &models.Order{
			Reference:      NewOrderReference(),
			UserID:         req.UserID,
			Email:          strings.ToLower(req.Email),
			ProfileID:      req.ProfileID,
			PlanSlug:       req.PlanSlug,
			CourseID:       req.CourseID,
			AmountSubtotal: req.AmountSubtotal,
			TaxAmount:      req.TaxAmount,
			AmountTotal:    req.AmountTotal,
			Currency:       strings.ToUpper(req.Currency),
			Status:         models.OrderStatusDraft,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		}
		if err := order.CheckAmounts(); err != nil {
			return err
		}

		if err := s.store.CreateOrder(ctx, tx, order); err != nil {
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
			return fmt.Errorf("failed to create order: %w", err)
		}
		if err := s.store.ReplaceOrderItems(ctx, tx, order.ID, req.Items); err != nil {
			return err
		}
		if err := s.ApplyTransition(ctx, tx, order, models.EventCheckoutCreated, ""); err != nil {
			return err
		}

		util.OrdersPreparedTotal.Inc()
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnsurePaymentIntent returns the cached provider intent for the attempt key
// when one exists, otherwise calls the provider, persists the attempt and
// writes the provider identifiers onto the order. The row lock serializes
// concurrent calls so both see the single attempt row.
func (s *OrderService) EnsurePaymentIntent(ctx context.Context, orderID int64, idempotencyKey string, metadata map[string]string) (*stripeclient.PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.EnsurePaymentIntent")
	defer span.End()

	var intent *stripeclient.PaymentIntent
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		order, err := s.store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}

		attempt, err := s.store.GetPaymentAttemptByKey(ctx, tx, idempotencyKey)
		if err != nil {
			return err
		}
		if attempt != nil {
			var cached stripeclient.PaymentIntent
			if err := json.Unmarshal(attempt.RawPayload, &cached); err != nil {
				return fmt.Errorf("failed to decode cached intent: %w", err)
			}
			s.logger.Info("Payment intent replayed from attempt",
				zap.Int64("order_id", order.ID),
				zap.String("intent_id", cached.ID))
			intent = &cached
			return nil
		}

		created, err := s.provider.CreatePaymentIntent(ctx, stripeclient.CreateIntentParams{
			Amount:         order.AmountTotal,
			Currency:       order.Currency,
			IdempotencyKey: idempotencyKey,
			Customer:       order.StripeCustomerID.String,
			Metadata:       metadata,
		})
		if err != nil {
			util.PaymentIntentsTotal.WithLabelValues("error").Inc()
			return err
		}

		payload, err := json.Marshal(created)
		if err != nil {
			return fmt.Errorf("failed to encode intent payload: %w", err)
		}
		if err := s.store.UpsertPaymentAttempt(ctx, tx, &models.PaymentAttempt{
			OrderID:        order.ID,
			IntentID:       created.ID,
			IdempotencyKey: idempotencyKey,
			Status:         created.Status,
			RawPayload:     payload,
		}); err != nil {
			return fmt.Errorf("failed to persist payment attempt: %w", err)
		}

		sessionID := sql.NullString{}
		if s.provider.Offline() {
			sessionID = sql.NullString{String: stripeclient.OfflineSessionID(idempotencyKey), Valid: true}
		}
		customerID := sql.NullString{String: created.Customer, Valid: created.Customer != ""}
		intentID := sql.NullString{String: created.ID, Valid: true}
		if err := s.store.UpdateOrderProviderIDs(ctx, tx, order.ID, sessionID, intentID, customerID); err != nil {
			return fmt.Errorf("failed to write provider ids: %w", err)
		}

		if created.Status == stripeclient.IntentStatusRequiresAction {
			if err := s.ApplyTransition(ctx, tx, order, models.EventPaymentRequiresAction, ""); err != nil {
				return err
			}
		}

		util.PaymentIntentsTotal.WithLabelValues("created").Inc()
		intent = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// MarkPaymentSucceeded applies PAYMENT_SUCCEEDED under the caller's lock and
// refreshes the matching attempt with the provider payload.
func (s *OrderService) MarkPaymentSucceeded(ctx context.Context, tx *store.Tx, order *models.Order, payload json.RawMessage, correlationID string) error {
	if err := s.ApplyTransition(ctx, tx, order, models.EventPaymentSucceeded, correlationID); err != nil {
		return err
	}
	if order.PaymentIntentID.Valid {
		if err := s.store.UpdatePaymentAttemptByIntent(ctx, tx, order.PaymentIntentID.String, stripeclient.IntentStatusSucceeded, payload); err != nil {
			return err
		}
	}
	util.OrdersPaidTotal.Inc()
	return nil
}

// MarkPaymentFailed applies PAYMENT_FAILED under the caller's lock.
func (s *OrderService) MarkPaymentFailed(ctx context.Context, tx *store.Tx, order *models.Order, payload json.RawMessage, correlationID string) error {
	if err := s.ApplyTransition(ctx, tx, order, models.EventPaymentFailed, correlationID); err != nil {
		return err
	}
	if order.PaymentIntentID.Valid {
		if err := s.store.UpdatePaymentAttemptByIntent(ctx, tx, order.PaymentIntentID.String, stripeclient.IntentStatusCanceled, payload); err != nil {
			return err
		}
	}
	util.OrdersFailedTotal.WithLabelValues("payment_failed").Inc()
	return nil
}

// MarkRefundRequested applies REFUND_REQUESTED under the caller's lock. On a
// PAID order this is a state no-op; the refund rows carry the progress.
func (s *OrderService) MarkRefundRequested(ctx context.Context, tx *store.Tx, order *models.Order, correlationID string) error {
	return s.ApplyTransition(ctx, tx, order, models.EventRefundRequested, correlationID)
}

// MarkRefundSucceeded applies REFUND_SUCCEEDED under the caller's lock.
func (s *OrderService) MarkRefundSucceeded(ctx context.Context, tx *store.Tx, order *models.Order, correlationID string) error {
	return s.ApplyTransition(ctx, tx, order, models.EventRefundSucceeded, correlationID)
}

// GetOrder retrieves an order with its items by reference.
func (s *OrderService) GetOrder(ctx context.Context, reference string) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByReference(ctx, s.store.DB(), reference)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItems(ctx, s.store.DB(), order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// GetOrderByID retrieves an order on the pool connection.
func (s *OrderService) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return s.store.GetOrderByID(ctx, s.store.DB(), id)
}
