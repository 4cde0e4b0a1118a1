package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

// InvoiceStore is the slice of the store the issuer needs.
type InvoiceStore interface {
	UpsertInvoiceArtifact(ctx context.Context, q store.Queryer, artifact *models.InvoiceArtifact) error
	GetInvoiceArtifact(ctx context.Context, q store.Queryer, orderID int64, kind string) (*models.InvoiceArtifact, error)
}

// InvoiceNotifier schedules the invoice-ready notification.
type InvoiceNotifier interface {
	SendInvoiceEmail(ctx context.Context, orderID int64)
}

// Locker serializes artifact regeneration across instances. A nil locker
// falls back to unguarded regeneration, which is still safe because writes
// are atomic renames.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// InvoiceService renders invoice artifacts deterministically and stores them
// content-addressed under the invoice root. It owns that directory; nothing
// else writes into it.
type InvoiceService struct {
	store    InvoiceStore
	db       store.Queryer
	notifier InvoiceNotifier
	locker   Locker
	root     string
	logger   *zap.Logger
}

func NewInvoiceService(st InvoiceStore, db store.Queryer, notifier InvoiceNotifier, locker Locker, root string) *InvoiceService {
	return &InvoiceService{
		store:    st,
		db:       db,
		notifier: notifier,
		locker:   locker,
		root:     root,
		logger:   util.GetLogger(),
	}
}

var invoiceHTMLTemplate = template.Must(template.New("invoice").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.Order.Reference}}</title></head>
<body>
<h1>Invoice {{.Order.Reference}}</h1>
<p>Billed to: {{.Order.Email}}</p>
<table>
<tr><th>Item</th><th>Qty</th><th>Unit</th></tr>
{{range .Items}}<tr><td>{{.Description}}</td><td>{{.Quantity}}</td><td>{{.UnitAmount}}</td></tr>
{{end}}</table>
<p>Subtotal: {{.Order.AmountSubtotal}} {{.Order.Currency}}</p>
<p>Tax: {{.Order.TaxAmount}} {{.Order.Currency}}</p>
<p><strong>Total: {{.Order.AmountTotal}} {{.Order.Currency}}</strong></p>
</body>
</html>
`))

func (s *InvoiceService) artifactDir(orderID int64) string {
	return filepath.Join(s.root, "billing", "invoices", strconv.FormatInt(orderID, 10))
}

func (s *InvoiceService) artifactPath(order *models.Order, ext string) string {
	return filepath.Join(s.artifactDir(order.ID), fmt.Sprintf("%s-invoice.%s", order.Reference, ext))
}

// writeAtomic writes bytes via a temp file and rename so readers never see a
// partial artifact.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".invoice-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Generate renders the HTML receipt and PDF invoice for an order, replaces
// any prior bytes at the same paths, and upserts both artifact rows keyed by
// (order, kind) with the content SHA-256.
func (s *InvoiceService) Generate(ctx context.Context, q store.Queryer, order *models.Order, items []models.OrderItem) error {
	var htmlBuf bytes.Buffer
	err := invoiceHTMLTemplate.Execute(&htmlBuf, struct {
		Order *models.Order
		Items []models.OrderItem
	}{order, items})
	if err != nil {
		return fmt.Errorf("failed to render invoice html: %w", err)
	}

	pdfBytes := buildInvoicePDF(order, items)

	htmlPath := s.artifactPath(order, "html")
	pdfPath := s.artifactPath(order, "pdf")

	if err := writeAtomic(htmlPath, htmlBuf.Bytes()); err != nil {
		return fmt.Errorf("failed to write invoice html: %w", err)
	}
	if err := writeAtomic(pdfPath, pdfBytes); err != nil {
		return fmt.Errorf("failed to write invoice pdf: %w", err)
	}

	receipt := &models.InvoiceArtifact{
		OrderID:     order.ID,
		Kind:        models.ArtifactKindReceipt,
		StoragePath: htmlPath,
		Checksum:    checksum(htmlBuf.Bytes()),
	}
	if err := s.store.UpsertInvoiceArtifact(ctx, q, receipt); err != nil {
		return fmt.Errorf("failed to upsert receipt artifact: %w", err)
	}

	invoice := &models.InvoiceArtifact{
		OrderID:     order.ID,
		Kind:        models.ArtifactKindInvoice,
		StoragePath: pdfPath,
		Checksum:    checksum(pdfBytes),
	}
	if err := s.store.UpsertInvoiceArtifact(ctx, q, invoice); err != nil {
		return fmt.Errorf("failed to upsert invoice artifact: %w", err)
	}

	s.logger.Info("Invoice artifacts generated",
		zap.Int64("order_id", order.ID),
		zap.String("reference", order.Reference))
	return nil
}

// EnsureInvoicePDF returns the PDF artifact, regenerating only when the row
// is missing or the bytes are gone from disk.
func (s *InvoiceService) EnsureInvoicePDF(ctx context.Context, q store.Queryer, order *models.Order, items []models.OrderItem) (*models.InvoiceArtifact, bool, error) {
	artifact, err := s.store.GetInvoiceArtifact(ctx, q, order.ID, models.ArtifactKindInvoice)
	if err != nil {
		return nil, false, err
	}
	if artifact != nil {
		if _, statErr := os.Stat(artifact.StoragePath); statErr == nil {
			return artifact, false, nil
		}
		s.logger.Warn("Invoice artifact missing on disk, regenerating",
			zap.Int64("order_id", order.ID),
			zap.String("path", artifact.StoragePath))
	}

	if s.locker != nil {
		lockKey := fmt.Sprintf("invoice:regen:%d", order.ID)
		acquired, lockErr := s.locker.AcquireLock(ctx, lockKey, 30*time.Second)
		if lockErr != nil {
			s.logger.Warn("Regeneration lock unavailable", zap.Error(lockErr))
		} else if acquired {
			defer func() {
				if err := s.locker.ReleaseLock(ctx, lockKey); err != nil {
					s.logger.Warn("Regeneration lock release failed", zap.Error(err))
				}
			}()
		} else {
			// Another instance is regenerating. Give it a moment; if the
			// bytes show up we are done, otherwise regenerate anyway.
			time.Sleep(200 * time.Millisecond)
			if artifact != nil {
				if _, statErr := os.Stat(artifact.StoragePath); statErr == nil {
					return artifact, false, nil
				}
			}
		}
	}

	if err := s.Generate(ctx, q, order, items); err != nil {
		return nil, false, err
	}
	artifact, err = s.store.GetInvoiceArtifact(ctx, q, order.ID, models.ArtifactKindInvoice)
	if err != nil {
		return nil, false, err
	}
	return artifact, true, nil
}

// IssueInvoice generates (with provider context) or ensures the artifacts,
// records the outcome metric, and defers the invoice-ready email to the
// enclosing transaction's commit hook.
func (s *InvoiceService) IssueInvoice(ctx context.Context, q store.Queryer, order *models.Order, items []models.OrderItem, regenerate bool, onCommit func(func())) error {
	var err error
	result := "success"

	if regenerate {
		err = s.Generate(ctx, q, order, items)
	} else {
		var generated bool
		_, generated, err = s.EnsureInvoicePDF(ctx, q, order, items)
		if err == nil && !generated {
			result = "idempotent"
		}
	}

	if err != nil {
		util.InvoiceIssueTotal.WithLabelValues("error").Inc()
		return err
	}

	util.InvoiceIssueTotal.WithLabelValues(result).Inc()

	orderID := order.ID
	onCommit(func() {
		s.notifier.SendInvoiceEmail(context.Background(), orderID)
	})
	return nil
}

// ReadInvoicePDF loads the current PDF bytes for download.
func (s *InvoiceService) ReadInvoicePDF(ctx context.Context, q store.Queryer, orderID int64) ([]byte, error) {
	artifact, err := s.store.GetInvoiceArtifact(ctx, q, orderID, models.ArtifactKindInvoice)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, fmt.Errorf("invoice for order %d: %w", orderID, models.ErrNotFound)
	}
	data, err := os.ReadFile(artifact.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("invoice for order %d: %w", orderID, models.ErrNotFound)
	}
	return data, nil
}

// ReadInvoicePDFByID is ReadInvoicePDF on the pool connection, for the
// download endpoint.
func (s *InvoiceService) ReadInvoicePDFByID(ctx context.Context, orderID int64) ([]byte, error) {
	return s.ReadInvoicePDF(ctx, s.db, orderID)
}
