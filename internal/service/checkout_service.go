package service

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payment modes for pack checkout.
const (
	PaymentModeOnline = "online"
	PaymentModeCOD    = "cod"
)

// CheckoutService resolves catalog pricing and drives the order service
// through the prepare-then-intent sequence behind the checkout endpoints.
type CheckoutService struct {
	store  *store.Store
	orders *OrderService
	logger *zap.Logger
}

func NewCheckoutService(st *store.Store, orders *OrderService) *CheckoutService {
	return &CheckoutService{store: st, orders: orders, logger: util.GetLogger()}
}

// CheckoutIntentRequest starts a plan or single-course purchase.
type CheckoutIntentRequest struct {
	PlanSlug   string            `json:"plan_slug"`
	CourseSlug string            `json:"course_slug"`
	Email      string            `json:"email" binding:"required,email"`
	Currency   string            `json:"currency"`
	GuestID    string            `json:"guest_id"`
	UserID     int64             `json:"-"`
	Metadata   map[string]string `json:"metadata"`

	IdempotencyKey string `json:"-"`
}

// CheckoutIntentResponse is the payload the payment page needs.
type CheckoutIntentResponse struct {
	OrderID        int64  `json:"orderId"`
	Reference      string `json:"reference"`
	ClientSecret   string `json:"clientSecret"`
	PublishableKey string `json:"publishableKey"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// CheckoutIntent resolves the priced item, prepares the order under its
// idempotency key, and ensures a payment intent. Safe to retry with the
// same key; the cached intent payload is returned on replay.
func (c *CheckoutService) CheckoutIntent(ctx context.Context, req CheckoutIntentRequest) (*CheckoutIntentResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CheckoutIntent")
	defer span.End()

	prep, err := c.priceIntent(ctx, req)
	if err != nil {
		return nil, err
	}

	profileParams := EnsureProfileParams{Email: req.Email}
	if req.UserID != 0 {
		profileParams.UserID = sql.NullInt64{Int64: req.UserID, Valid: true}
	}
	if req.GuestID != "" {
		profileParams.GuestID = sql.NullString{String: req.GuestID, Valid: true}
	}
	profile, err := c.orders.EnsureCustomerProfile(ctx, c.store.DB(), profileParams)
	if err != nil {
		return nil, err
	}
	prep.ProfileID = sql.NullInt64{Int64: profile.ID, Valid: true}
	prep.UserID = profileParams.UserID

	order, err := c.orders.PrepareOrder(ctx, *prep)
	if err != nil {
		return nil, err
	}

	intentMeta := map[string]string{
		"order_id":  strconv.FormatInt(order.ID, 10),
		"reference": order.Reference,
	}
	if req.GuestID != "" {
		intentMeta["guest_id"] = req.GuestID
	}
	intent, err := c.orders.EnsurePaymentIntent(ctx, order.ID, order.IdempotencyKey, intentMeta)
	if err != nil {
		return nil, err
	}

	return &CheckoutIntentResponse{
		OrderID:      order.ID,
		Reference:    order.Reference,
		ClientSecret: intent.ClientSecret,
		Amount:       order.AmountTotal,
		Currency:     order.Currency,
	}, nil
}

// priceIntent turns a plan or course slug into a prepared-order request.
func (c *CheckoutService) priceIntent(ctx context.Context, req CheckoutIntentRequest) (*PrepareOrderRequest, error) {
	q := c.store.DB()
	prep := &PrepareOrderRequest{
		Email:          strings.ToLower(req.Email),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       models.Metadata(req.Metadata),
	}
	if prep.IdempotencyKey == "" {
		prep.IdempotencyKey = uuid.New().String()
	}

	switch {
	case req.PlanSlug != "":
		plan, err := c.store.GetPlanBySlug(ctx, q, req.PlanSlug)
		if err != nil {
			return nil, err
		}
		prep.PlanSlug = sql.NullString{String: plan.Slug, Valid: true}
		prep.CourseID = plan.CourseID
		prep.Currency = currencyOr(req.Currency, plan.Currency)
		prep.AmountSubtotal = plan.Amount
		prep.AmountTotal = plan.Amount
		prep.Items = []models.OrderItem{{
			SKU:         "plan:" + plan.Slug,
			Quantity:    1,
			UnitAmount:  plan.Amount,
			Description: plan.Title,
		}}
	case req.CourseSlug != "":
		course, err := c.store.GetCourseBySlug(ctx, q, req.CourseSlug)
		if err != nil {
			return nil, err
		}
		prep.CourseID = sql.NullInt64{Int64: course.ID, Valid: true}
		prep.Currency = currencyOr(req.Currency, course.Currency)
		prep.AmountSubtotal = course.PriceAmount
		prep.AmountTotal = course.PriceAmount
		prep.Items = []models.OrderItem{{
			SKU:         "course:" + course.Slug,
			Quantity:    1,
			UnitAmount:  course.PriceAmount,
			Description: course.Title,
		}}
	default:
		return nil, fmt.Errorf("checkout needs a plan_slug or course_slug: %w", models.ErrNotFound)
	}
	return prep, nil
}

// CheckoutPackRequest starts a product pack purchase.
type CheckoutPackRequest struct {
	ProductSlug        string   `json:"product_slug" binding:"required"`
	PackSlug           string   `json:"pack_slug" binding:"required"`
	ComplementarySlugs []string `json:"complementary_slugs"`
	PaymentMode        string   `json:"payment_mode" binding:"required,oneof=online cod"`
	Currency           string   `json:"currency"`
	Email              string   `json:"email"`
	FFSessionKey       string   `json:"ff_session_key"`

	UserID         int64  `json:"-"`
	IdempotencyKey string `json:"-"`
}

// CheckoutPackResponse reports the prepared pack order. ClientSecret is
// empty for cash-on-delivery orders, which wait for offline settlement.
type CheckoutPackResponse struct {
	OrderID      int64  `json:"orderId"`
	Reference    string `json:"reference"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Amount       int64  `json:"amount"`
	Discount     int64  `json:"discount"`
	Currency     string `json:"currency"`
	PaymentMode  string `json:"paymentMode"`
}

// CheckoutPack prices the pack plus complementary products. Online payment
// applies the product's discount, floored at zero, and opens an intent; cod
// leaves the order pending for manual settlement.
func (c *CheckoutService) CheckoutPack(ctx context.Context, req CheckoutPackRequest) (*CheckoutPackResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CheckoutPack")
	defer span.End()

	q := c.store.DB()
	product, err := c.store.GetProductBySlug(ctx, q, req.ProductSlug)
	if err != nil {
		return nil, err
	}
	pack, err := c.store.GetPackOption(ctx, q, req.ProductSlug, req.PackSlug)
	if err != nil {
		return nil, err
	}

	items := []models.OrderItem{{
		SKU:         fmt.Sprintf("pack:%s:%s", product.Slug, pack.Slug),
		Quantity:    1,
		UnitAmount:  pack.Amount,
		Description: fmt.Sprintf("%s (%s)", product.Title, pack.Title),
	}}
	subtotal := pack.Amount
	for _, slug := range req.ComplementarySlugs {
		comp, err := c.store.GetProductBySlug(ctx, q, slug)
		if err != nil {
			return nil, err
		}
		subtotal += comp.Amount
		items = append(items, models.OrderItem{
			SKU:         "product:" + comp.Slug,
			Quantity:    1,
			UnitAmount:  comp.Amount,
			Description: comp.Title,
		})
	}

	var discount int64
	if req.PaymentMode == PaymentModeOnline {
		discount = product.OnlineDiscount
		if discount > subtotal {
			discount = subtotal
		}
	}
	total := subtotal - discount

	prep := PrepareOrderRequest{
		Email:          strings.ToLower(req.Email),
		Currency:       currencyOr(req.Currency, product.Currency),
		AmountSubtotal: total,
		AmountTotal:    total,
		IdempotencyKey: req.IdempotencyKey,
		Items:          items,
		Metadata: models.Metadata{
			"product_slug": product.Slug,
			"pack_slug":    pack.Slug,
			"payment_mode": req.PaymentMode,
		},
	}
	if prep.IdempotencyKey == "" {
		prep.IdempotencyKey = uuid.New().String()
	}
	if req.UserID != 0 {
		prep.UserID = sql.NullInt64{Int64: req.UserID, Valid: true}
	}

	profileParams := EnsureProfileParams{Email: req.Email, UserID: prep.UserID}
	if req.FFSessionKey != "" {
		profileParams.GuestID = sql.NullString{String: req.FFSessionKey, Valid: true}
	}
	if req.Email != "" || req.FFSessionKey != "" || req.UserID != 0 {
		profile, err := c.orders.EnsureCustomerProfile(ctx, q, profileParams)
		if err != nil {
			return nil, err
		}
		prep.ProfileID = sql.NullInt64{Int64: profile.ID, Valid: true}
	}

	order, err := c.orders.PrepareOrder(ctx, prep)
	if err != nil {
		return nil, err
	}

	resp := &CheckoutPackResponse{
		OrderID:     order.ID,
		Reference:   order.Reference,
		Amount:      order.AmountTotal,
		Discount:    discount,
		Currency:    order.Currency,
		PaymentMode: req.PaymentMode,
	}

	if req.PaymentMode == PaymentModeOnline {
		intentMeta := map[string]string{
			"order_id":  strconv.FormatInt(order.ID, 10),
			"reference": order.Reference,
		}
		if req.FFSessionKey != "" {
			intentMeta["guest_id"] = req.FFSessionKey
		}
		intent, err := c.orders.EnsurePaymentIntent(ctx, order.ID, order.IdempotencyKey, intentMeta)
		if err != nil {
			return nil, err
		}
		resp.ClientSecret = intent.ClientSecret
	}

	c.logger.Info("Pack checkout prepared",
		zap.Int64("order_id", order.ID),
		zap.String("product", product.Slug),
		zap.String("pack", pack.Slug),
		zap.String("payment_mode", req.PaymentMode),
		zap.Int64("amount", order.AmountTotal))
	return resp, nil
}

func currencyOr(requested, fallback string) string {
	if requested != "" {
		return strings.ToLower(requested)
	}
	return strings.ToLower(fallback)
}
