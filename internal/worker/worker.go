package worker

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"learnhub/internal/broker"
	"learnhub/internal/models"
	"learnhub/internal/store"
	"learnhub/internal/util"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

const (
	outboxBatchSize   = 50
	outboxLease       = 2 * time.Minute
	mailerBatchSize   = 20
	mailerMaxAttempts = 5
)

// OutboxWorker polls the outbox for due notifications and hands them to the
// mailer over kafka. Claiming with SKIP LOCKED lets several instances run;
// the lease on published rows keeps one row from being dispatched twice
// while the mailer works on it.
type OutboxWorker struct {
	store     *store.Store
	publisher *broker.EventPublisher
	interval  time.Duration
	logger    *zap.Logger
}

func NewOutboxWorker(st *store.Store, publisher *broker.EventPublisher, interval time.Duration) *OutboxWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxWorker{
		store:     st,
		publisher: publisher,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start runs the dispatch loop until the context is cancelled.
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox dispatcher", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Outbox dispatcher stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.dispatchDue(ctx); err != nil {
				w.logger.Error("Outbox dispatch pass failed", zap.Error(err))
			}
		}
	}
}

func (w *OutboxWorker) dispatchDue(ctx context.Context) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		msgs, err := w.store.ClaimDueOutboxMessages(ctx, tx, outboxBatchSize)
		if err != nil {
			return err
		}
		for i := range msgs {
			msg := msgs[i]
			if err := w.publisher.PublishNotificationQueued(ctx, &msg); err != nil {
				w.logger.Error("Failed to publish notification",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				continue
			}
			if err := w.store.DeferOutboxMessage(ctx, tx, msg.ID, time.Now().Add(outboxLease)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SMTPConfig carries the mailer's transport settings.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Sender delivers one composed message. Satisfied by the SMTP sender; tests
// substitute their own.
type Sender interface {
	Send(msg *models.OutboxMessage) error
}

// SMTPSender sends outbox messages over plain SMTP.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(msg *models.OutboxMessage) error {
	e := email.NewEmail()
	e.From = s.cfg.From
	e.To = msg.Recipients
	e.Subject = msg.Subject
	e.Text = []byte(msg.BodyText)
	e.HTML = []byte(msg.BodyHTML)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
	}
	return e.Send(addr, auth)
}

// MailerWorker consumes NotificationQueued events and delivers the
// referenced outbox rows. Delivery outcome is recorded on the row, so a
// duplicate event for an already sent row is a no-op.
type MailerWorker struct {
	store        *store.Store
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sender       Sender
	logger       *zap.Logger
}

func NewMailerWorker(st *store.Store, consumer *broker.Consumer, sender Sender) *MailerWorker {
	w := &MailerWorker{
		store:    st,
		consumer: consumer,
		sender:   sender,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnNotificationQueued(w.handleNotification)
	w.eventHandler = eventHandler
	return w
}

// Start reads notification batches until the context is cancelled. Handler
// errors are logged and the offsets commit anyway: the outbox row carries
// the delivery state and its backoff schedules the retry, so replaying the
// kafka message would add nothing.
func (w *MailerWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting mailer worker")

	for {
		msgs, err := w.consumer.ConsumeBatch(ctx, mailerBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Mailer worker stopping")
				return ctx.Err()
			}
			w.logger.Error("Fetching notification batch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := w.eventHandler.HandleMessage(ctx, msg); err != nil {
				w.logger.Error("Handling notification failed", zap.Error(err))
			}
		}
		if err := w.consumer.CommitMessages(ctx, msgs...); err != nil {
			w.logger.Error("Committing notification batch failed", zap.Error(err))
		}
	}
}

// Stop stops the worker
func (w *MailerWorker) Stop() error {
	w.logger.Info("Stopping mailer worker")
	return w.consumer.Close()
}

func (w *MailerWorker) handleNotification(ctx context.Context, event *models.NotificationQueuedEvent) error {
	q := w.store.DB()

	msg, err := w.store.GetOutboxMessage(ctx, q, event.OutboxID)
	if err != nil {
		return err
	}
	if msg == nil {
		w.logger.Warn("Notification event names no outbox row",
			zap.Int64("outbox_id", event.OutboxID))
		return nil
	}
	if msg.Status != models.OutboxStatusPending {
		return nil
	}

	if err := w.sender.Send(msg); err != nil {
		util.OutboxDeliveredTotal.WithLabelValues("error").Inc()
		w.logger.Error("Notification delivery failed",
			zap.Int64("outbox_id", msg.ID),
			zap.String("purpose", msg.Purpose),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err))
		next := time.Now().Add(backoffFor(msg.Attempts))
		return w.store.MarkOutboxFailed(ctx, q, msg.ID, err.Error(), mailerMaxAttempts, next)
	}

	if err := w.store.MarkOutboxSent(ctx, q, msg.ID); err != nil {
		return err
	}
	util.OutboxDeliveredTotal.WithLabelValues("sent").Inc()
	w.logger.Info("Notification delivered",
		zap.Int64("outbox_id", msg.ID),
		zap.String("purpose", msg.Purpose),
		zap.String("dedup_key", msg.DedupKey))
	return nil
}

// backoffFor doubles the retry delay per attempt, capped at an hour.
func backoffFor(attempts int) time.Duration {
	d := time.Minute
	for i := 0; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
