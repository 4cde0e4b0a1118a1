package stripeclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"learnhub/internal/models"
	"learnhub/internal/util"

	"go.uber.org/zap"
)

const apiBase = "https://api.stripe.com/v1"

// signatureTolerance bounds how old a webhook timestamp may be.
const signatureTolerance = 5 * time.Minute

// Client is a thin façade over the payment provider. With no secret key it
// runs in offline mode and returns deterministic synthetic responses derived
// from the idempotency key. It never mutates domain state.
type Client struct {
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	baseURL       string
	logger        *zap.Logger

	now func() time.Time
}

type Option func(*Client)

// WithBaseURL overrides the provider endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithClock overrides the signature clock (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(secretKey, webhookSecret string, timeout time.Duration, maxRetries int, opts ...Option) *Client {
	c := &Client{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
		maxRetries:    maxRetries,
		baseURL:       apiBase,
		logger:        util.GetLogger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Offline reports whether the client runs without a provider secret.
func (c *Client) Offline() bool {
	return c.secretKey == ""
}

// PaymentIntent is the provider intent shape the core consumes.
type PaymentIntent struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	ClientSecret   string            `json:"client_secret"`
	Customer       string            `json:"customer"`
	PaymentMethod  string            `json:"payment_method"`
	LatestCharge   string            `json:"latest_charge"`
	Metadata       map[string]string `json:"metadata"`
}

// Intent statuses the core distinguishes.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
)

type Refund struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Charge   string `json:"charge"`
	Currency string `json:"currency"`
}

// Event is a verified webhook event.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Object json.RawMessage `json:"object"`
}

// EventObject is the union of payload fields the processor reads across
// session, intent and charge events.
type EventObject struct {
	ID             string            `json:"id"`
	Object         string            `json:"object"`
	Status         string            `json:"status"`
	Metadata       map[string]string `json:"metadata"`
	PaymentIntent  string            `json:"payment_intent"`
	Customer       string            `json:"customer"`
	PaymentMethod  string            `json:"payment_method"`
	LatestCharge   string            `json:"latest_charge"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunds        struct {
		Data []Refund `json:"data"`
	} `json:"refunds"`
}

// ParseObject decodes the event payload object.
func (e *Event) ParseObject() (*EventObject, error) {
	var obj EventObject
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse event object: %w", err)
	}
	return &obj, nil
}

type CreateIntentParams struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Customer       string
	Metadata       map[string]string
}

// CreatePaymentIntent creates an intent, retrying transient failures. The
// caller-supplied idempotency key makes retries safe on the provider side.
func (c *Client) CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (*PaymentIntent, error) {
	if c.Offline() {
		return c.offlineIntent(params), nil
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	if params.Customer != "" {
		form.Set("customer", params.Customer)
	}
	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var intent PaymentIntent
	if err := c.call(ctx, http.MethodPost, "/payment_intents", params.IdempotencyKey, form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// RetrievePaymentIntent fetches the current intent state.
func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	if c.Offline() {
		return &PaymentIntent{ID: id, Status: IntentStatusSucceeded}, nil
	}

	var intent PaymentIntent
	if err := c.call(ctx, http.MethodGet, "/payment_intents/"+id, "", nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

type CreateRefundParams struct {
	PaymentIntentID string
	ChargeID        string
	Amount          int64
	IdempotencyKey  string
}

// CreateRefund issues a refund against an intent or charge.
func (c *Client) CreateRefund(ctx context.Context, params CreateRefundParams) (*Refund, error) {
	if c.Offline() {
		return c.offlineRefund(params), nil
	}

	form := url.Values{}
	if params.PaymentIntentID != "" {
		form.Set("payment_intent", params.PaymentIntentID)
	}
	if params.ChargeID != "" {
		form.Set("charge", params.ChargeID)
	}
	if params.Amount > 0 {
		form.Set("amount", strconv.FormatInt(params.Amount, 10))
	}

	var refund Refund
	if err := c.call(ctx, http.MethodPost, "/refunds", params.IdempotencyKey, form, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// ConstructEvent verifies the signature header and parses the webhook
// payload. Offline mode parses the JSON directly; an online deployment
// without a webhook secret fails closed instead of accepting unverified
// deliveries.
func (c *Client) ConstructEvent(payload []byte, sigHeader string) (*Event, error) {
	if !c.Offline() || c.webhookSecret != "" {
		if c.webhookSecret == "" {
			return nil, fmt.Errorf("webhook secret not configured: %w", models.ErrSignatureInvalid)
		}
		if err := c.verifySignature(payload, sigHeader); err != nil {
			return nil, err
		}
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("webhook payload missing id or type: %w", models.ErrSignatureInvalid)
	}
	return &event, nil
}

// SignPayload produces a signature header for a payload. Used by tests and
// the offline replay tooling.
func (c *Client) SignPayload(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) verifySignature(payload []byte, sigHeader string) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(sigHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("malformed signature header: %w", models.ErrSignatureInvalid)
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("bad signature timestamp: %w", models.ErrSignatureInvalid)
	}
	age := c.now().Sub(time.Unix(tsInt, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %w", models.ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return models.ErrSignatureInvalid
}

// call performs one provider request with a bounded retry budget and
// exponential backoff on transient failures.
func (c *Client) call(ctx context.Context, method, path, idempotencyKey string, form url.Values, out interface{}) error {
	start := time.Now()
	defer func() {
		util.ProviderCallLatency.Observe(time.Since(start).Seconds())
	}()

	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retryable, err := c.doRequest(ctx, method, path, idempotencyKey, form, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}

		c.logger.Warn("Provider call failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, path, idempotencyKey string, form url.Values, out interface{}) (retryable bool, err error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, err
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("provider rejected request (%d): %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode provider response: %w", err)
	}
	return false, nil
}

// offlineIntent derives a deterministic synthetic intent from the
// idempotency key so repeated calls return identical ids.
func (c *Client) offlineIntent(params CreateIntentParams) *PaymentIntent {
	digest := sha256.Sum256([]byte(params.IdempotencyKey))
	hexDigest := hex.EncodeToString(digest[:])

	return &PaymentIntent{
		ID:           "pi_" + hexDigest[:24],
		Status:       IntentStatusRequiresPaymentMethod,
		Amount:       params.Amount,
		Currency:     strings.ToLower(params.Currency),
		ClientSecret: "pi_" + hexDigest[:24] + "_secret_" + hexDigest[24:40],
		Customer:     params.Customer,
		Metadata:     params.Metadata,
	}
}

func (c *Client) offlineRefund(params CreateRefundParams) *Refund {
	digest := sha256.Sum256([]byte(params.IdempotencyKey))
	hexDigest := hex.EncodeToString(digest[:])

	return &Refund{
		ID:     "re_" + hexDigest[:24],
		Status: "succeeded",
		Amount: params.Amount,
		Charge: params.ChargeID,
	}
}

// OfflineSessionID derives the deterministic synthetic checkout session id
// for an idempotency key.
func OfflineSessionID(idempotencyKey string) string {
	digest := sha256.Sum256([]byte(idempotencyKey))
	return "cs_test_" + hex.EncodeToString(digest[:])[:24]
}
