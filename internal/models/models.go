package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Metadata is a free-form string mapping stored as JSONB.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	return json.Unmarshal(b, m)
}

// Order is the billing aggregate root. Reference is opaque, unique and
// immutable; Version only ever increases.
type Order struct {
	ID                int64          `db:"id" json:"id"`
	Reference         string         `db:"reference" json:"reference"`
	UserID            sql.NullInt64  `db:"user_id" json:"user_id,omitempty"`
	Email             string         `db:"email" json:"email"`
	ProfileID         sql.NullInt64  `db:"profile_id" json:"profile_id,omitempty"`
	PlanSlug          sql.NullString `db:"plan_slug" json:"plan_slug,omitempty"`
	CourseID          sql.NullInt64  `db:"course_id" json:"course_id,omitempty"`
	AmountSubtotal    int64          `db:"amount_subtotal" json:"amount_subtotal"`
	TaxAmount         int64          `db:"tax_amount" json:"tax_amount"`
	AmountTotal       int64          `db:"amount_total" json:"amount_total"`
	Currency          string         `db:"currency" json:"currency"`
	Status            string         `db:"status" json:"status"`
	Version           int            `db:"version" json:"version"`
	CheckoutSessionID sql.NullString `db:"checkout_session_id" json:"checkout_session_id,omitempty"`
	PaymentIntentID   sql.NullString `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	StripeCustomerID  sql.NullString `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	IdempotencyKey    string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Metadata          Metadata       `db:"metadata" json:"metadata"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// CheckAmounts verifies the monetary triplet invariant.
func (o *Order) CheckAmounts() error {
	if o.AmountSubtotal < 0 || o.TaxAmount < 0 || o.AmountTotal < 0 {
		return fmt.Errorf("order %s: negative amount", o.Reference)
	}
	if o.AmountSubtotal+o.TaxAmount != o.AmountTotal {
		return fmt.Errorf("order %s: subtotal %d + tax %d != total %d",
			o.Reference, o.AmountSubtotal, o.TaxAmount, o.AmountTotal)
	}
	return nil
}

// OrderItem is a billing line. The order total is authoritative; line sums
// may differ (bundles, discounts).
type OrderItem struct {
	ID          int64    `db:"id" json:"id"`
	OrderID     int64    `db:"order_id" json:"order_id"`
	SKU         string   `db:"sku" json:"sku"`
	Quantity    int      `db:"quantity" json:"quantity"`
	UnitAmount  int64    `db:"unit_amount" json:"unit_amount"`
	Description string   `db:"description" json:"description"`
	Metadata    Metadata `db:"metadata" json:"metadata"`
}

// CustomerProfile is the stable identity across guest and authenticated
// checkouts. At most one profile per user, one per provider customer id.
type CustomerProfile struct {
	ID                int64          `db:"id" json:"id"`
	Email             string         `db:"email" json:"email"`
	UserID            sql.NullInt64  `db:"user_id" json:"user_id,omitempty"`
	StripeCustomerID  sql.NullString `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	GuestID           sql.NullString `db:"guest_id" json:"guest_id,omitempty"`
	MergedFromGuestID sql.NullString `db:"merged_from_guest_id" json:"merged_from_guest_id,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// PaymentAttempt records one provider intent call per (order, idempotency key)
// so retries replay the cached payload instead of calling out again.
type PaymentAttempt struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        int64           `db:"order_id" json:"order_id"`
	IntentID       string          `db:"intent_id" json:"intent_id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Status         string          `db:"status" json:"status"`
	RawPayload     json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment is the settled summary written when an intent succeeds.
type Payment struct {
	ID             int64     `db:"id" json:"id"`
	OrderID        int64     `db:"order_id" json:"order_id"`
	IntentID       string    `db:"intent_id" json:"intent_id"`
	PaymentMethod  string    `db:"payment_method" json:"payment_method"`
	LatestCharge   string    `db:"latest_charge" json:"latest_charge"`
	AmountReceived int64     `db:"amount_received" json:"amount_received"`
	Currency       string    `db:"currency" json:"currency"`
	Status         string    `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Refund struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    int64           `db:"order_id" json:"order_id"`
	RefundID   string          `db:"refund_id" json:"refund_id"`
	Amount     int64           `db:"amount" json:"amount"`
	Status     string          `db:"status" json:"status"`
	RawPayload json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Refund statuses
const (
	RefundStatusRequested = "REQUESTED"
	RefundStatusSucceeded = "SUCCEEDED"
	RefundStatusFailed    = "FAILED"
)

// InvoiceArtifact is a rendered document addressed by (order, kind) and
// verified by its content checksum.
type InvoiceArtifact struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	Kind        string    `db:"kind" json:"kind"`
	StoragePath string    `db:"storage_path" json:"storage_path"`
	Checksum    string    `db:"checksum" json:"checksum"`
	RenderedAt  time.Time `db:"rendered_at" json:"rendered_at"`
}

// Artifact kinds
const (
	ArtifactKindInvoice = "INVOICE" // PDF
	ArtifactKindReceipt = "RECEIPT" // HTML
)

type WebhookEvent struct {
	ID            int64           `db:"id" json:"id"`
	EventID       string          `db:"event_id" json:"event_id"`
	EventType     string          `db:"event_type" json:"event_type"`
	Status        string          `db:"status" json:"status"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id"`
	Signature     string          `db:"signature" json:"signature,omitempty"`
	RawPayload    json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	LastError     sql.NullString  `db:"last_error" json:"last_error,omitempty"`
	OrderID       sql.NullInt64   `db:"order_id" json:"order_id,omitempty"`
	ProcessedAt   sql.NullTime    `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Webhook event statuses. PROCESSED is terminal and never re-entered with
// side effects; FAILED may go back to PENDING on replay.
const (
	WebhookStatusPending   = "PENDING"
	WebhookStatusProcessed = "PROCESSED"
	WebhookStatusSkipped   = "SKIPPED"
	WebhookStatusFailed    = "FAILED"
)

type Entitlement struct {
	ID        int64         `db:"id" json:"id"`
	UserID    int64         `db:"user_id" json:"user_id"`
	CourseID  int64         `db:"course_id" json:"course_id"`
	OrderID   sql.NullInt64 `db:"order_id" json:"order_id,omitempty"`
	GrantedAt time.Time     `db:"granted_at" json:"granted_at"`
}

type Course struct {
	ID                int64     `db:"id" json:"id"`
	Slug              string    `db:"slug" json:"slug"`
	Title             string    `db:"title" json:"title"`
	IsPublished       bool      `db:"is_published" json:"is_published"`
	FreeLecturesCount int       `db:"free_lectures_count" json:"free_lectures_count"`
	PriceAmount       int64     `db:"price_amount" json:"price_amount"`
	Currency          string    `db:"currency" json:"currency"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

type Section struct {
	ID       int64  `db:"id" json:"id"`
	CourseID int64  `db:"course_id" json:"course_id"`
	Title    string `db:"title" json:"title"`
	Position int    `db:"position" json:"position"`
}

type Lecture struct {
	ID          int64          `db:"id" json:"id"`
	SectionID   int64          `db:"section_id" json:"section_id"`
	Title       string         `db:"title" json:"title"`
	Position    int            `db:"position" json:"position"`
	IsPublished bool           `db:"is_published" json:"is_published"`
	IsFree      bool           `db:"is_free" json:"is_free"`
	IsDemo      bool           `db:"is_demo" json:"is_demo"`
	VideoPath   sql.NullString `db:"video_path" json:"video_path,omitempty"`
}

// VideoVariant is a language-specific asset for a lecture. At most one
// default per lecture.
type VideoVariant struct {
	ID          int64  `db:"id" json:"id"`
	LectureID   int64  `db:"lecture_id" json:"lecture_id"`
	Lang        string `db:"lang" json:"lang"`
	StoragePath string `db:"storage_path" json:"storage_path"`
	IsDefault   bool   `db:"is_default" json:"is_default"`
}

// Plan is a purchasable checkout plan, optionally tied to a course.
type Plan struct {
	ID       int64         `db:"id" json:"id"`
	Slug     string        `db:"slug" json:"slug"`
	Title    string        `db:"title" json:"title"`
	Amount   int64         `db:"amount" json:"amount"`
	Currency string        `db:"currency" json:"currency"`
	CourseID sql.NullInt64 `db:"course_id" json:"course_id,omitempty"`
}

// Product backs the pack checkout flow. OnlineDiscount is subtracted from the
// subtotal when the buyer pays online.
type Product struct {
	ID             int64  `db:"id" json:"id"`
	Slug           string `db:"slug" json:"slug"`
	Title          string `db:"title" json:"title"`
	Amount         int64  `db:"amount" json:"amount"`
	OnlineDiscount int64  `db:"online_discount" json:"online_discount"`
	Currency       string `db:"currency" json:"currency"`
}

// PackOption is a named pack of a product with its own price.
type PackOption struct {
	ID          int64  `db:"id" json:"id"`
	ProductSlug string `db:"product_slug" json:"product_slug"`
	Slug        string `db:"slug" json:"slug"`
	Title       string `db:"title" json:"title"`
	Amount      int64  `db:"amount" json:"amount"`
}

// OutboxMessage is a dedup-keyed notification materialized at enqueue time.
type OutboxMessage struct {
	ID            int64          `db:"id" json:"id"`
	Namespace     string         `db:"namespace" json:"namespace"`
	Purpose       string         `db:"purpose" json:"purpose"`
	TemplateSlug  string         `db:"template_slug" json:"template_slug"`
	Recipients    pq.StringArray `db:"recipients" json:"recipients"`
	DedupKey      string         `db:"dedup_key" json:"dedup_key"`
	Subject       string         `db:"subject" json:"subject"`
	BodyHTML      string         `db:"body_html" json:"body_html"`
	BodyText      string         `db:"body_text" json:"body_text"`
	Metadata      Metadata       `db:"metadata" json:"metadata"`
	Status        string         `db:"status" json:"status"`
	Attempts      int            `db:"attempts" json:"attempts"`
	NextAttemptAt time.Time      `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     sql.NullString `db:"last_error" json:"last_error,omitempty"`
	SentAt        sql.NullTime   `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Outbox statuses
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)
