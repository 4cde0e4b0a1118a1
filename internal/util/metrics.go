package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPreparedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_prepared_total",
		Help: "Total number of checkout orders prepared",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders successfully paid",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "State machine transitions applied",
	}, []string{"event", "to"})

	PaymentIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intents_total",
		Help: "Payment intents created, by result",
	}, []string{"result"})

	ProviderCallLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "provider_call_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook events processed, by outcome",
	}, []string{"type", "outcome"})

	EntitlementsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_granted_total",
		Help: "Entitlements granted on successful payment",
	})

	InvoiceIssueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoice_issue_total",
		Help: "Invoice artifact issuance, by result",
	}, []string{"result"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Refund operations, by stage",
	}, []string{"stage"})

	OutboxEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_enqueued_total",
		Help: "Notification outbox rows enqueued",
	})

	OutboxSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_skipped_total",
		Help: "Notification enqueues skipped, by reason",
	}, []string{"reason"})

	OutboxDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_delivered_total",
		Help: "Notification deliveries, by result",
	}, []string{"result"})

	AccessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_decisions_total",
		Help: "Lecture access policy decisions",
	}, []string{"reason"})

	StreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_requests_total",
		Help: "Video stream requests, by status",
	}, []string{"status"})

	StreamBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_bytes_total",
		Help: "Video bytes written to clients",
	})

	StreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_request_latency_seconds",
		Help:    "Latency of stream request handling",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
