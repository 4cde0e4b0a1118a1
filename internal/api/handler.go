package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/service"
	"learnhub/internal/token"
	"learnhub/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HandlerConfig carries the HTTP-layer settings.
type HandlerConfig struct {
	PublishableKey string
	AdminToken     string
	TokenNamespace string
	TokenPurpose   string
}

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutService
	orders   *service.OrderService
	refunds  *service.RefundService
	webhooks *service.WebhookProcessor
	invoices *service.InvoiceService
	access   *service.AccessPolicy
	tokens   *token.Service
	stream   *StreamHandler
	cfg      HandlerConfig
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	orders *service.OrderService,
	refunds *service.RefundService,
	webhooks *service.WebhookProcessor,
	invoices *service.InvoiceService,
	access *service.AccessPolicy,
	tokens *token.Service,
	stream *StreamHandler,
	cfg HandlerConfig,
) *Handler {
	return &Handler{
		checkout: checkout,
		orders:   orders,
		refunds:  refunds,
		webhooks: webhooks,
		invoices: invoices,
		access:   access,
		tokens:   tokens,
		stream:   stream,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhook", h.handleWebhook)

	router.GET("/stream/:lecture_id", h.stream.Serve)
	router.HEAD("/stream/:lecture_id", h.stream.Serve)

	router.GET("/billing/invoices/:order_id", h.downloadInvoice)
	router.GET("/billing/invoices/:order_id/", h.downloadInvoice)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout/intent", h.checkoutIntent)
		v1.POST("/checkout/pack", h.checkoutPack)
		v1.POST("/refund", h.adminGate(), h.initiateRefund)
		v1.POST("/courses/:course_id/invalidate", h.adminGate(), h.invalidateCourse)
		v1.GET("/orders/:reference", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// adminGate rejects requests that do not carry the operator token.
func (h *Handler) adminGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.AdminToken == "" || c.GetHeader("X-Admin-Token") != h.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// checkoutIntent handles plan and single-course purchases.
func (h *Handler) checkoutIntent(c *gin.Context) {
	var req service.CheckoutIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	req.UserID = viewerFrom(c).UserID

	resp, err := h.checkout.CheckoutIntent(c.Request.Context(), req)
	if err != nil {
		h.checkoutError(c, err)
		return
	}
	resp.PublishableKey = h.cfg.PublishableKey

	c.JSON(http.StatusOK, resp)
}

// checkoutPack handles product pack purchases.
func (h *Handler) checkoutPack(c *gin.Context) {
	var req service.CheckoutPackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	req.UserID = viewerFrom(c).UserID

	resp, err := h.checkout.CheckoutPack(c.Request.Context(), req)
	if err != nil {
		h.checkoutError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) checkoutError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown plan or product"})
	case errors.Is(err, models.ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Idempotency key reused with different content"})
	case errors.Is(err, models.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment provider unavailable"})
	default:
		h.logger.Error("Checkout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Checkout failed"})
	}
}

// initiateRefund handles operator-initiated refunds.
func (h *Handler) initiateRefund(c *gin.Context) {
	var req struct {
		OrderReference string `json:"order_reference" binding:"required"`
		Amount         int64  `json:"amount"`
		Reason         string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, _, err := h.orders.GetOrder(c.Request.Context(), req.OrderReference)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	refund, err := h.refunds.Initiate(c.Request.Context(), order.ID, req.Amount, req.Reason)
	if err != nil {
		switch {
		case models.IsInvalidTransition(err):
			c.JSON(http.StatusConflict, gin.H{"error": "Order state does not allow a refund"})
		case errors.Is(err, models.ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment provider unavailable"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, refund)
}

// invalidateCourse bumps the course plan version after an out-of-band
// catalog change, so cached access snapshots expire immediately.
func (h *Handler) invalidateCourse(c *gin.Context) {
	courseID, err := strconv.ParseInt(c.Param("course_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid course id"})
		return
	}

	if err := h.access.InvalidateCourse(c.Request.Context(), courseID); err != nil {
		h.logger.Error("Course invalidation failed",
			zap.Int64("course_id", courseID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalidation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"invalidated": courseID})
}

// getOrder handles get order by reference
func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.orders.GetOrder(c.Request.Context(), c.Param("reference"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// handleWebhook receives provider deliveries. 200 acknowledges, 400 tells
// the provider the delivery is unverifiable, anything else triggers its
// retry.
func (h *Handler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	correlationID := c.GetHeader("X-Request-Id")
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	result, err := h.webhooks.Handle(c.Request.Context(), body,
		c.GetHeader("Stripe-Signature"), correlationID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSignatureInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Signature verification failed"})
		case errors.Is(err, models.ErrBillingDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Billing is disabled"})
		default:
			h.logger.Error("Webhook dispatch failed",
				zap.String("correlation_id", correlationID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Dispatch failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": result.EventID,
		"outcome":  result.Outcome,
	})
}

// downloadInvoice serves the PDF artifact behind a signed link. Every token
// failure maps to 400 with a generic message; the link either works or it
// does not.
func (h *Handler) downloadInvoice(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid token"})
		return
	}

	payload, err := h.tokens.ReadSigned(c.Query("t"), h.cfg.TokenNamespace, h.cfg.TokenPurpose)
	if err != nil {
		msg := "Invalid token"
		if errors.Is(err, token.ErrTokenExpired) {
			msg = "Token expired"
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if payload.Claims["order_id"] != strconv.FormatInt(orderID, 10) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token mismatch"})
		return
	}

	order, err := h.orders.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
		return
	}
	if payload.Claims["email"] != strings.ToLower(order.Email) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token mismatch"})
		return
	}

	pdf, err := h.invoices.ReadInvoicePDFByID(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
			return
		}
		h.logger.Error("Invoice read failed", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invoice unavailable"})
		return
	}

	c.Header("Content-Length", strconv.Itoa(len(pdf)))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
