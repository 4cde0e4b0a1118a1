package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"learnhub/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishNotificationQueued tells the mailer worker an outbox row is due.
// Keyed by dedup key so retries of one notification stay on one partition.
func (ep *EventPublisher) PublishNotificationQueued(ctx context.Context, msg *models.OutboxMessage) error {
	event := &models.NotificationQueuedEvent{
		BaseEvent: newBaseEvent(models.EventTypeNotificationQueued),
		OutboxID:  msg.ID,
		Namespace: msg.Namespace,
		Purpose:   msg.Purpose,
		DedupKey:  msg.DedupKey,
	}
	return ep.producer.PublishEvent(ctx, event.DedupKey, event)
}

// PublishOrderPaid publishes OrderPaid for downstream consumers.
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, order *models.Order) error {
	event := &models.OrderPaidEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderPaid),
		OrderID:   order.ID,
		Reference: order.Reference,
		Amount:    order.AmountTotal,
		Currency:  order.Currency,
	}
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%d", order.ID), event)
}

// PublishRefundSucceeded publishes RefundSucceeded for downstream consumers.
func (ep *EventPublisher) PublishRefundSucceeded(ctx context.Context, refund *models.Refund) error {
	event := &models.RefundSucceededEvent{
		BaseEvent: newBaseEvent(models.EventTypeRefundSucceeded),
		OrderID:   refund.OrderID,
		RefundID:  refund.RefundID,
		Amount:    refund.Amount,
	}
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%d", refund.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onNotificationQueued func(context.Context, *models.NotificationQueuedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnNotificationQueued registers a handler for NotificationQueued events
func (eh *EventHandler) OnNotificationQueued(handler func(context.Context, *models.NotificationQueuedEvent) error) {
	eh.onNotificationQueued = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeNotificationQueued:
		if eh.onNotificationQueued != nil {
			var event models.NotificationQueuedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal NotificationQueued event: %w", err)
			}
			return eh.onNotificationQueued(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
