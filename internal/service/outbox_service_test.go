package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutboxStore struct {
	inserted []*models.OutboxMessage
	dedup    map[string]bool
	orders   map[int64]*models.Order
	refunds  map[string]*models.Refund
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{
		dedup:   map[string]bool{},
		orders:  map[int64]*models.Order{},
		refunds: map[string]*models.Refund{},
	}
}

func (f *fakeOutboxStore) InsertOutboxMessage(ctx context.Context, q store.Queryer, msg *models.OutboxMessage) (bool, error) {
	key := msg.Namespace + "/" + msg.Purpose + "/" + msg.DedupKey
	if f.dedup[key] {
		return false, nil
	}
	f.dedup[key] = true
	f.inserted = append(f.inserted, msg)
	return true, nil
}

func (f *fakeOutboxStore) GetOrderByID(ctx context.Context, q store.Queryer, id int64) (*models.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return order, nil
}

func (f *fakeOutboxStore) GetRefundByRefundID(ctx context.Context, q store.Queryer, refundID string) (*models.Refund, error) {
	return f.refunds[refundID], nil
}

func newTestOutboxService(st *fakeOutboxStore) *OutboxService {
	tokens := token.NewService("outbox-test-key")
	return NewOutboxService(st, nil, tokens, OutboxConfig{
		SecureBaseURL:  "https://learnhub.example",
		TokenNamespace: "billing",
		TokenPurpose:   "invoice_download",
		TokenTTL:       14 * 24 * time.Hour,
	})
}

func TestComposeAndEnqueueRendersTemplate(t *testing.T) {
	st := newFakeOutboxStore()
	svc := newTestOutboxService(st)

	err := svc.ComposeAndEnqueue(context.Background(), nil, ComposeParams{
		Namespace:    NamespaceBilling,
		Purpose:      PurposeInvoiceReady,
		TemplateSlug: TemplateInvoiceReady,
		To:           []string{"buyer@example.com"},
		DedupKey:     "order:42:invoice",
		Context: map[string]string{
			"Reference":  "LH-ABCD1234",
			"InvoiceURL": "https://learnhub.example/billing/invoices/42/?t=tok",
		},
	})
	require.NoError(t, err)
	require.Len(t, st.inserted, 1)

	msg := st.inserted[0]
	assert.Equal(t, "Your invoice for order LH-ABCD1234", msg.Subject)
	assert.Contains(t, msg.BodyHTML, `href="https://learnhub.example/billing/invoices/42/?t=tok"`)
	assert.Contains(t, msg.BodyText, "LH-ABCD1234")
	assert.Equal(t, []string(msg.Recipients), []string{"buyer@example.com"})
}

func TestComposeAndEnqueueDeduplicates(t *testing.T) {
	st := newFakeOutboxStore()
	svc := newTestOutboxService(st)

	params := ComposeParams{
		Namespace:    NamespaceBilling,
		Purpose:      PurposeInvoiceReady,
		TemplateSlug: TemplateInvoiceReady,
		To:           []string{"buyer@example.com"},
		DedupKey:     "order:42:invoice",
		Context:      map[string]string{"Reference": "LH-1", "InvoiceURL": "https://x"},
	}
	require.NoError(t, svc.ComposeAndEnqueue(context.Background(), nil, params))
	require.NoError(t, svc.ComposeAndEnqueue(context.Background(), nil, params))

	assert.Len(t, st.inserted, 1)
}

func TestComposeAndEnqueueUnknownTemplate(t *testing.T) {
	svc := newTestOutboxService(newFakeOutboxStore())

	err := svc.ComposeAndEnqueue(context.Background(), nil, ComposeParams{
		Namespace:    NamespaceBilling,
		Purpose:      "welcome",
		TemplateSlug: "welcome-mail",
		To:           []string{"buyer@example.com"},
		DedupKey:     "welcome:1",
	})
	assert.ErrorIs(t, err, models.ErrTemplateNotFound)
}

func TestBuildInvoiceURLTokenRoundTrip(t *testing.T) {
	svc := newTestOutboxService(newFakeOutboxStore())
	order := testOrder()
	order.Email = "Buyer@Example.COM"

	rawURL, err := svc.BuildInvoiceURL(order)
	require.NoError(t, err)
	assert.Contains(t, rawURL, "/billing/invoices/42/?t=")

	tok := rawURL[len("https://learnhub.example/billing/invoices/42/?t="):]
	payload, err := svc.tokens.ReadSigned(tok, "billing", "invoice_download")
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(order.ID, 10), payload.Claims["order_id"])
	assert.Equal(t, "buyer@example.com", payload.Claims["email"])
}

func TestSendInvoiceEmailEnqueues(t *testing.T) {
	st := newFakeOutboxStore()
	order := testOrder()
	st.orders[order.ID] = order
	svc := newTestOutboxService(st)

	svc.SendInvoiceEmail(context.Background(), order.ID)

	require.Len(t, st.inserted, 1)
	msg := st.inserted[0]
	assert.Equal(t, InvoiceDedupKey(order.ID), msg.DedupKey)
	assert.Equal(t, PurposeInvoiceReady, msg.Purpose)
	assert.Contains(t, msg.BodyText, order.Reference)
}

func TestSendRefundEmailEnqueues(t *testing.T) {
	st := newFakeOutboxStore()
	order := testOrder()
	st.orders[order.ID] = order
	st.refunds["re_test"] = &models.Refund{
		OrderID:  order.ID,
		RefundID: "re_test",
		Amount:   5000,
		Status:   models.RefundStatusSucceeded,
	}
	svc := newTestOutboxService(st)

	svc.SendRefundEmail(context.Background(), "re_test")

	require.Len(t, st.inserted, 1)
	msg := st.inserted[0]
	assert.Equal(t, RefundDedupKey(order.ID, "re_test", 5000), msg.DedupKey)
	assert.Contains(t, msg.BodyText, "50.00 eur")
}

func TestDedupKeys(t *testing.T) {
	assert.Equal(t, "order:7:invoice", InvoiceDedupKey(7))
	assert.Equal(t, "refund:7:re_1:500", RefundDedupKey(7, "re_1", 500))
}
