package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"ticket-reservation/internal/config"
	"ticket-reservation/internal/kafka"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/payment"
	handlers "ticket-reservation/internal/payment/handler"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	log := logger.New("payment-service")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Stripe.WebhookSecret == "" {
		log.Warn("CONFIG", "STRIPE_WEBHOOK_SECRET not set, every webhook will be rejected")
	}

	var publisher handlers.OutcomePublisher
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{cfg.Kafka.Topics.PaymentOutcome}, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		publisher = kafka.NewPublisher(producer, cfg.Kafka.Topics)
	} else {
		log.Warn("KAFKA", "Kafka disabled, payment outcomes are only logged")
		publisher = kafka.NewLogPublisher(log)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(handlers.RequestLogger(log), gin.Recovery())

	webhookHandler := handlers.NewWebhookHandler(payment.NewWebhookParser(cfg.Stripe.WebhookSecret), publisher, log)
	webhookHandler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:         cfg.Server.PaymentPort,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Payment Service running on %s", cfg.Server.PaymentPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutting down payment service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Forced shutdown: %v", err))
	}
}
