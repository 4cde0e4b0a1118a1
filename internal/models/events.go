package models

import "time"

// Event types carried on the notification-dispatch topic.
const (
	EventTypeNotificationQueued = "NOTIFICATION_QUEUED"
	EventTypeOrderPaid          = "ORDER_PAID"
	EventTypeRefundSucceeded    = "REFUND_SUCCEEDED"
)

// BaseEvent contains common fields for all broker events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationQueuedEvent tells the mailer worker that an outbox row is due.
type NotificationQueuedEvent struct {
	BaseEvent
	OutboxID  int64  `json:"outbox_id"`
	Namespace string `json:"namespace"`
	Purpose   string `json:"purpose"`
	DedupKey  string `json:"dedup_key"`
}

// OrderPaidEvent is published after a paid transition commits.
type OrderPaidEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// RefundSucceededEvent is published after a refund finalizes.
type RefundSucceededEvent struct {
	BaseEvent
	OrderID  int64  `json:"order_id"`
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
}
