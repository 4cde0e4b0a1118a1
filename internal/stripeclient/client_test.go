package stripeclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"learnhub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineIntentDeterministic(t *testing.T) {
	c := New("", "", 15*time.Second, 2)
	require.True(t, c.Offline())

	params := CreateIntentParams{
		Amount:         12900,
		Currency:       "EUR",
		IdempotencyKey: "order:42:intent",
	}

	first, err := c.CreatePaymentIntent(context.Background(), params)
	require.NoError(t, err)
	second, err := c.CreatePaymentIntent(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, strings.HasPrefix(first.ID, "pi_"))
	assert.Equal(t, int64(12900), first.Amount)
	assert.Equal(t, "eur", first.Currency)
	assert.Contains(t, first.ClientSecret, first.ID)

	other, err := c.CreatePaymentIntent(context.Background(), CreateIntentParams{
		Amount: 12900, Currency: "EUR", IdempotencyKey: "order:43:intent",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestOfflineRefundDeterministic(t *testing.T) {
	c := New("", "", 15*time.Second, 2)

	refund, err := c.CreateRefund(context.Background(), CreateRefundParams{
		PaymentIntentID: "pi_abc",
		Amount:          2500,
		IdempotencyKey:  "refund:42:2500",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(refund.ID, "re_"))
	assert.Equal(t, int64(2500), refund.Amount)

	again, err := c.CreateRefund(context.Background(), CreateRefundParams{
		PaymentIntentID: "pi_abc",
		Amount:          2500,
		IdempotencyKey:  "refund:42:2500",
	})
	require.NoError(t, err)
	assert.Equal(t, refund.ID, again.ID)
}

func TestOfflineSessionIDPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(OfflineSessionID("k"), "cs_test_"))
	assert.Equal(t, OfflineSessionID("k"), OfflineSessionID("k"))
}

func TestConstructEventOfflineParsesDirectly(t *testing.T) {
	c := New("", "", 15*time.Second, 2)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","metadata":{"order_id":"42"}}}}`)
	event, err := c.ConstructEvent(payload, "")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "payment_intent.succeeded", event.Type)

	obj, err := event.ParseObject()
	require.NoError(t, err)
	assert.Equal(t, "pi_1", obj.ID)
	assert.Equal(t, "42", obj.Metadata["order_id"])
}

func TestConstructEventSignatureVerification(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := New("sk_test_x", "whsec_test", 15*time.Second, 2, WithClock(func() time.Time { return now }))

	payload := []byte(`{"id":"evt_2","type":"charge.refunded","data":{"object":{}}}`)
	header := c.SignPayload(payload, now)

	event, err := c.ConstructEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_2", event.ID)

	// tampered payload fails closed
	_, err = c.ConstructEvent(append(payload, ' '), header)
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	// stale timestamp fails closed
	stale := c.SignPayload(payload, now.Add(-time.Hour))
	_, err = c.ConstructEvent(payload, stale)
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	// garbage header fails closed
	_, err = c.ConstructEvent(payload, "nonsense")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)
}

func TestConstructEventOnlineRequiresWebhookSecret(t *testing.T) {
	c := New("sk_test_x", "", 15*time.Second, 2)

	payload := []byte(`{"id":"evt_3","type":"payment_intent.succeeded","data":{"object":{}}}`)
	_, err := c.ConstructEvent(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)

	_, err = c.ConstructEvent(payload, "")
	assert.ErrorIs(t, err, models.ErrSignatureInvalid)
}

func TestCreateIntentRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "order:1:intent", r.Header.Get("Idempotency-Key"))
		_ = json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_live_1", Status: IntentStatusRequiresPaymentMethod})
	}))
	defer srv.Close()

	c := New("sk_test_x", "", time.Second, 2, WithBaseURL(srv.URL))
	intent, err := c.CreatePaymentIntent(context.Background(), CreateIntentParams{
		Amount: 100, Currency: "EUR", IdempotencyKey: "order:1:intent",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_live_1", intent.ID)
	assert.Equal(t, 3, calls)
}

func TestCreateIntentExhaustsRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("sk_test_x", "", time.Second, 1, WithBaseURL(srv.URL))
	_, err := c.CreatePaymentIntent(context.Background(), CreateIntentParams{
		Amount: 100, Currency: "EUR", IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestCreateIntentDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New("sk_test_x", "", time.Second, 3, WithBaseURL(srv.URL))
	_, err := c.CreatePaymentIntent(context.Background(), CreateIntentParams{
		Amount: 100, Currency: "EUR", IdempotencyKey: "k",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrProviderUnavailable)
	assert.Equal(t, 1, calls)
}
