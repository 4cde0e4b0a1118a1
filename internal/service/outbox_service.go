package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/token"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

// Notification purposes and template slugs.
const (
	PurposeInvoiceReady  = "invoice_ready"
	PurposeRefundReceipt = "refund_receipt"

	TemplateInvoiceReady  = "invoice-ready"
	TemplateRefundReceipt = "refund-receipt"

	NamespaceBilling = "billing"
)

// messageTemplate renders one notification. HTML and text are materialized
// at enqueue time; later template edits do not affect enqueued rows.
type messageTemplate struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

func mustTemplate(slug, subject, html, text string) *messageTemplate {
	return &messageTemplate{
		subject: texttemplate.Must(texttemplate.New(slug + ":subject").Parse(subject)),
		html:    htmltemplate.Must(htmltemplate.New(slug + ":html").Parse(html)),
		text:    texttemplate.Must(texttemplate.New(slug + ":text").Parse(text)),
	}
}

var defaultTemplates = map[string]*messageTemplate{
	TemplateInvoiceReady: mustTemplate(TemplateInvoiceReady,
		"Your invoice for order {{.Reference}}",
		`<p>Hello,</p>
<p>Thank you for your purchase. Your invoice for order <strong>{{.Reference}}</strong> is ready.</p>
<p><a href="{{.InvoiceURL}}">Download your invoice</a></p>
<p>This link is valid for 14 days.</p>`,
		`Hello,

Thank you for your purchase. Your invoice for order {{.Reference}} is ready.

Download it here: {{.InvoiceURL}}

This link is valid for 14 days.`),

	TemplateRefundReceipt: mustTemplate(TemplateRefundReceipt,
		"Refund confirmation for order {{.Reference}}",
		`<p>Hello,</p>
<p>We have refunded <strong>{{.Amount}}</strong> on order <strong>{{.Reference}}</strong>.</p>
<p>The amount will reach your account within a few business days.</p>`,
		`Hello,

We have refunded {{.Amount}} on order {{.Reference}}.

The amount will reach your account within a few business days.`),
}

// OutboxStore is the slice of the store the outbox needs.
type OutboxStore interface {
	InsertOutboxMessage(ctx context.Context, q store.Queryer, msg *models.OutboxMessage) (bool, error)
	GetOrderByID(ctx context.Context, q store.Queryer, id int64) (*models.Order, error)
	GetRefundByRefundID(ctx context.Context, q store.Queryer, refundID string) (*models.Refund, error)
}

// OutboxConfig carries the signed-URL settings.
type OutboxConfig struct {
	SecureBaseURL  string
	TokenNamespace string
	TokenPurpose   string
	TokenTTL       time.Duration
}

// OutboxService enqueues dedup-keyed templated notifications. Duplicate
// enqueues for the same (namespace, purpose, dedup_key) are silent no-ops.
type OutboxService struct {
	store     OutboxStore
	db        store.Queryer
	tokens    *token.Service
	cfg       OutboxConfig
	templates map[string]*messageTemplate
	logger    *zap.Logger
}

func NewOutboxService(st OutboxStore, db store.Queryer, tokens *token.Service, cfg OutboxConfig) *OutboxService {
	return &OutboxService{
		store:     st,
		db:        db,
		tokens:    tokens,
		cfg:       cfg,
		templates: defaultTemplates,
		logger:    util.GetLogger(),
	}
}

// ComposeParams describes one notification enqueue.
type ComposeParams struct {
	Namespace    string
	Purpose      string
	TemplateSlug string
	To           []string
	DedupKey     string
	Context      interface{}
	Metadata     models.Metadata
}

// ComposeAndEnqueue materializes the message from its template and inserts
// the outbox row. A missing template returns ErrTemplateNotFound; callers
// record a skip metric and continue.
func (s *OutboxService) ComposeAndEnqueue(ctx context.Context, q store.Queryer, params ComposeParams) error {
	tmpl, ok := s.templates[params.TemplateSlug]
	if !ok {
		return fmt.Errorf("template %s: %w", params.TemplateSlug, models.ErrTemplateNotFound)
	}

	var subject, htmlBody, textBody bytes.Buffer
	if err := tmpl.subject.Execute(&subject, params.Context); err != nil {
		return fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.html.Execute(&htmlBody, params.Context); err != nil {
		return fmt.Errorf("failed to render html body: %w", err)
	}
	if err := tmpl.text.Execute(&textBody, params.Context); err != nil {
		return fmt.Errorf("failed to render text body: %w", err)
	}

	inserted, err := s.store.InsertOutboxMessage(ctx, q, &models.OutboxMessage{
		Namespace:    params.Namespace,
		Purpose:      params.Purpose,
		TemplateSlug: params.TemplateSlug,
		Recipients:   params.To,
		DedupKey:     params.DedupKey,
		Subject:      strings.TrimSpace(subject.String()),
		BodyHTML:     htmlBody.String(),
		BodyText:     textBody.String(),
		Metadata:     params.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	if !inserted {
		s.logger.Info("Notification enqueue deduplicated",
			zap.String("namespace", params.Namespace),
			zap.String("purpose", params.Purpose),
			zap.String("dedup_key", params.DedupKey))
		return nil
	}

	util.OutboxEnqueuedTotal.Inc()
	return nil
}

// BuildInvoiceURL signs a download token bound to the order and its
// lowercased email and appends it to the invoice endpoint.
func (s *OutboxService) BuildInvoiceURL(order *models.Order) (string, error) {
	claims := map[string]string{
		"order_id": strconv.FormatInt(order.ID, 10),
		"email":    strings.ToLower(order.Email),
	}
	tok, err := s.tokens.Sign(s.cfg.TokenNamespace, s.cfg.TokenPurpose, claims, s.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign invoice token: %w", err)
	}
	return fmt.Sprintf("%s/billing/invoices/%d/?t=%s",
		strings.TrimRight(s.cfg.SecureBaseURL, "/"), order.ID, tok), nil
}

// InvoiceDedupKey is the dedup key for the invoice-ready mail of an order.
func InvoiceDedupKey(orderID int64) string {
	return fmt.Sprintf("order:%d:invoice", orderID)
}

// RefundDedupKey is the dedup key for one refund receipt.
func RefundDedupKey(orderID int64, refundID string, amount int64) string {
	return fmt.Sprintf("refund:%d:%s:%d", orderID, refundID, amount)
}

// SendInvoiceEmail enqueues the invoice-ready notification for an order.
// Best-effort: it runs post-commit, so failures are logged, not raised.
func (s *OutboxService) SendInvoiceEmail(ctx context.Context, orderID int64) {
	order, err := s.store.GetOrderByID(ctx, s.db, orderID)
	if err != nil {
		s.logger.Error("Failed to load order for invoice email",
			zap.Int64("order_id", orderID), zap.Error(err))
		return
	}

	invoiceURL, err := s.BuildInvoiceURL(order)
	if err != nil {
		s.logger.Error("Failed to build invoice url",
			zap.Int64("order_id", orderID), zap.Error(err))
		return
	}

	err = s.ComposeAndEnqueue(ctx, s.db, ComposeParams{
		Namespace:    NamespaceBilling,
		Purpose:      PurposeInvoiceReady,
		TemplateSlug: TemplateInvoiceReady,
		To:           []string{order.Email},
		DedupKey:     InvoiceDedupKey(order.ID),
		Context: map[string]string{
			"Reference":  order.Reference,
			"InvoiceURL": invoiceURL,
		},
		Metadata: models.Metadata{"order_id": strconv.FormatInt(order.ID, 10)},
	})
	s.recordEnqueueOutcome(err, "invoice_ready", orderID)
}

// SendRefundEmail enqueues the refund receipt for a finalized refund.
func (s *OutboxService) SendRefundEmail(ctx context.Context, refundID string) {
	refund, err := s.store.GetRefundByRefundID(ctx, s.db, refundID)
	if err != nil || refund == nil {
		s.logger.Error("Failed to load refund for receipt email",
			zap.String("refund_id", refundID), zap.Error(err))
		return
	}
	order, err := s.store.GetOrderByID(ctx, s.db, refund.OrderID)
	if err != nil {
		s.logger.Error("Failed to load order for refund email",
			zap.Int64("order_id", refund.OrderID), zap.Error(err))
		return
	}

	err = s.ComposeAndEnqueue(ctx, s.db, ComposeParams{
		Namespace:    NamespaceBilling,
		Purpose:      PurposeRefundReceipt,
		TemplateSlug: TemplateRefundReceipt,
		To:           []string{order.Email},
		DedupKey:     RefundDedupKey(order.ID, refund.RefundID, refund.Amount),
		Context: map[string]string{
			"Reference": order.Reference,
			"Amount":    formatMinorUnits(refund.Amount, order.Currency),
		},
		Metadata: models.Metadata{
			"order_id":  strconv.FormatInt(order.ID, 10),
			"refund_id": refund.RefundID,
		},
	})
	s.recordEnqueueOutcome(err, "refund_receipt", order.ID)
}

func (s *OutboxService) recordEnqueueOutcome(err error, purpose string, orderID int64) {
	switch {
	case err == nil:
	case errors.Is(err, models.ErrTemplateNotFound):
		util.OutboxSkippedTotal.WithLabelValues("template_missing").Inc()
		s.logger.Warn("Notification skipped, template missing",
			zap.String("purpose", purpose), zap.Int64("order_id", orderID))
	default:
		s.logger.Error("Failed to enqueue notification",
			zap.String("purpose", purpose), zap.Int64("order_id", orderID), zap.Error(err))
	}
}
