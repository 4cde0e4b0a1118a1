package service

import (
	"context"
	"fmt"
	"os"
	"testing"

	"learnhub/internal/models"
	"learnhub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArtifactStore struct {
	artifacts map[string]*models.InvoiceArtifact
	upserts   int
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: map[string]*models.InvoiceArtifact{}}
}

func (f *fakeArtifactStore) key(orderID int64, kind string) string {
	return fmt.Sprintf("%s/%d", kind, orderID)
}

func (f *fakeArtifactStore) UpsertInvoiceArtifact(ctx context.Context, q store.Queryer, artifact *models.InvoiceArtifact) error {
	f.upserts++
	cp := *artifact
	f.artifacts[f.key(artifact.OrderID, artifact.Kind)] = &cp
	return nil
}

func (f *fakeArtifactStore) GetInvoiceArtifact(ctx context.Context, q store.Queryer, orderID int64, kind string) (*models.InvoiceArtifact, error) {
	return f.artifacts[f.key(orderID, kind)], nil
}

type fakeNotifier struct {
	calls []int64
}

func (f *fakeNotifier) SendInvoiceEmail(ctx context.Context, orderID int64) {
	f.calls = append(f.calls, orderID)
}

func testItems() []models.OrderItem {
	return []models.OrderItem{{Quantity: 1, Description: "Go for Professionals", UnitAmount: 14900}}
}

func TestGenerateWritesBothArtifacts(t *testing.T) {
	st := newFakeArtifactStore()
	svc := NewInvoiceService(st, nil, &fakeNotifier{}, nil, t.TempDir())
	order := testOrder()

	require.NoError(t, svc.Generate(context.Background(), nil, order, testItems()))

	pdfArt, err := st.GetInvoiceArtifact(context.Background(), nil, order.ID, models.ArtifactKindInvoice)
	require.NoError(t, err)
	require.NotNil(t, pdfArt)
	htmlArt, err := st.GetInvoiceArtifact(context.Background(), nil, order.ID, models.ArtifactKindReceipt)
	require.NoError(t, err)
	require.NotNil(t, htmlArt)

	pdfBytes, err := os.ReadFile(pdfArt.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, checksum(pdfBytes), pdfArt.Checksum)

	htmlBytes, err := os.ReadFile(htmlArt.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, checksum(htmlBytes), htmlArt.Checksum)
	assert.Contains(t, string(htmlBytes), order.Reference)
}

func TestEnsureInvoicePDFIdempotent(t *testing.T) {
	st := newFakeArtifactStore()
	svc := NewInvoiceService(st, nil, &fakeNotifier{}, nil, t.TempDir())
	order := testOrder()

	_, generated, err := svc.EnsureInvoicePDF(context.Background(), nil, order, testItems())
	require.NoError(t, err)
	assert.True(t, generated)
	firstUpserts := st.upserts

	_, generated, err = svc.EnsureInvoicePDF(context.Background(), nil, order, testItems())
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, firstUpserts, st.upserts)
}

func TestEnsureInvoicePDFRegeneratesAfterFileLoss(t *testing.T) {
	st := newFakeArtifactStore()
	svc := NewInvoiceService(st, nil, &fakeNotifier{}, nil, t.TempDir())
	order := testOrder()

	artifact, _, err := svc.EnsureInvoicePDF(context.Background(), nil, order, testItems())
	require.NoError(t, err)
	require.NoError(t, os.Remove(artifact.StoragePath))

	artifact, generated, err := svc.EnsureInvoicePDF(context.Background(), nil, order, testItems())
	require.NoError(t, err)
	assert.True(t, generated)
	_, err = os.Stat(artifact.StoragePath)
	assert.NoError(t, err)
}

func TestIssueInvoiceDefersNotification(t *testing.T) {
	st := newFakeArtifactStore()
	notifier := &fakeNotifier{}
	svc := NewInvoiceService(st, nil, notifier, nil, t.TempDir())
	order := testOrder()

	var hooks []func()
	onCommit := func(fn func()) { hooks = append(hooks, fn) }

	require.NoError(t, svc.IssueInvoice(context.Background(), nil, order, testItems(), false, onCommit))

	// Nothing sent until the commit hook runs.
	assert.Empty(t, notifier.calls)
	require.Len(t, hooks, 1)
	hooks[0]()
	assert.Equal(t, []int64{order.ID}, notifier.calls)
}

func TestIssueInvoiceRegenerateReplacesStaleArtifact(t *testing.T) {
	st := newFakeArtifactStore()
	svc := NewInvoiceService(st, nil, &fakeNotifier{}, nil, t.TempDir())
	order := testOrder()
	onCommit := func(fn func()) {}

	require.NoError(t, svc.Generate(context.Background(), nil, order, testItems()))
	artifact, err := st.GetInvoiceArtifact(context.Background(), nil, order.ID, models.ArtifactKindInvoice)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(artifact.StoragePath, []byte("stale bytes"), 0o644))

	require.NoError(t, svc.IssueInvoice(context.Background(), nil, order, testItems(), true, onCommit))

	current, err := st.GetInvoiceArtifact(context.Background(), nil, order.ID, models.ArtifactKindInvoice)
	require.NoError(t, err)
	data, err := os.ReadFile(current.StoragePath)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("stale bytes"), data)
	assert.Equal(t, checksum(data), current.Checksum)
}

func TestReadInvoicePDFMissingRow(t *testing.T) {
	svc := NewInvoiceService(newFakeArtifactStore(), nil, &fakeNotifier{}, nil, t.TempDir())

	_, err := svc.ReadInvoicePDF(context.Background(), nil, 99)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
