package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"learnhub/config"
	"learnhub/internal/api"
	"learnhub/internal/broker"
	"learnhub/internal/redisclient"
	"learnhub/internal/service"
	"learnhub/internal/store"
	"learnhub/internal/stripeclient"
	"learnhub/internal/token"
	"learnhub/internal/util"
	"learnhub/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting learnhub commerce core")

	tp, err := util.InitTracer("learnhub", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotification)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	provider := stripeclient.New(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret,
		cfg.Stripe.HTTPTimeout, cfg.Stripe.MaxRetries)
	if provider.Offline() {
		logger.Warn("No provider secret configured, running payment adapter offline")
	}

	tokens := token.NewService(cfg.Invoice.TokenSigningKey)

	orderService := service.NewOrderService(db, provider)
	checkoutService := service.NewCheckoutService(db, orderService)
	outboxService := service.NewOutboxService(db, db.DB(), tokens, service.OutboxConfig{
		SecureBaseURL:  cfg.Server.SecureBaseURL,
		TokenNamespace: cfg.Invoice.TokenNamespace,
		TokenPurpose:   cfg.Invoice.TokenPurpose,
		TokenTTL:       cfg.Invoice.TokenTTL,
	})
	invoiceService := service.NewInvoiceService(db, db.DB(), outboxService, redisClient, cfg.Invoice.Root)
	entitlementService := service.NewEntitlementService(db, orderService, invoiceService, outboxService, redisClient, eventPublisher, cfg.Billing.InvoicingEnabled)
	refundService := service.NewRefundService(db, orderService, outboxService, provider, eventPublisher)
	webhookProcessor := service.NewWebhookProcessor(db, provider, orderService,
		entitlementService, refundService, cfg.Billing.Enabled)
	accessPolicy := service.NewAccessPolicy(db, redisClient)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	outboxWorker := worker.NewOutboxWorker(db, eventPublisher, 5*time.Second)
	go func() {
		if err := outboxWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Outbox worker error: %v", err)
		}
	}()

	smtpPort, _ := strconv.Atoi(cfg.SMTP.Port)
	sender := worker.NewSMTPSender(worker.SMTPConfig{
		Host: cfg.SMTP.Host,
		Port: smtpPort,
		User: cfg.SMTP.User,
		Pass: cfg.SMTP.Pass,
		From: cfg.SMTP.From,
	})
	mailerConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotification, cfg.Kafka.ConsumerGroup)
	mailerWorker := worker.NewMailerWorker(db, mailerConsumer, sender)
	go func() {
		if err := mailerWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Mailer worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	streamHandler := api.NewStreamHandler(accessPolicy,
		api.StoreVariantSource{Store: db}, cfg.Stream.MediaRoot, cfg.Stream.ChunkBytes)

	router := gin.Default()
	handler := api.NewHandler(checkoutService, orderService, refundService,
		webhookProcessor, invoiceService, accessPolicy, tokens, streamHandler, api.HandlerConfig{
			PublishableKey: cfg.Stripe.PublishableKey,
			AdminToken:     cfg.Server.AdminToken,
			TokenNamespace: cfg.Invoice.TokenNamespace,
			TokenPurpose:   cfg.Invoice.TokenPurpose,
		})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	mailerWorker.Stop()

	log.Println("Server exited")
}
