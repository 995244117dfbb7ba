package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"ticket-reservation/internal/auth"
	"ticket-reservation/internal/booking"
	"ticket-reservation/internal/booking/booking_api"
	bookingdb "ticket-reservation/internal/booking/db"
	"ticket-reservation/internal/config"
	"ticket-reservation/internal/database"
	"ticket-reservation/internal/holds"
	"ticket-reservation/internal/inventory"
	"ticket-reservation/internal/kafka"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/loyalty"
	"ticket-reservation/internal/metrics"
	"ticket-reservation/internal/payment"
	"ticket-reservation/internal/reaper"
	"ticket-reservation/internal/sse"
	"ticket-reservation/internal/tickets/qr"
	"ticket-reservation/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func newVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) (auth.Verifier, error) {
	if cfg.OIDCIssuer != "" {
		log.Info("AUTH", fmt.Sprintf("Verifying tokens against OIDC issuer %s", cfg.OIDCIssuer))
		return auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("either OIDC_ISSUER or JWT_SECRET must be set")
	}
	log.Warn("AUTH", "OIDC_ISSUER not set, verifying HS256 tokens with JWT_SECRET")
	return auth.NewHMACVerifier(cfg.JWTSecret), nil
}

func main() {
	log := logger.New("booking-service")
	defer log.Close()

	log.Info("APP", "Starting Booking Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	redisClient, err := database.ConnectRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()

	tracker := holds.NewTracker(redisClient, log)
	tracker.EnableExpiryNotifications(ctx)

	var events booking.EventPublisher
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, cfg.Kafka.Topics.All(), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		events = kafka.NewPublisher(producer, cfg.Kafka.Topics)

		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentOutcome, cfg.Kafka.GroupID, log)
		defer consumer.Close()
	} else {
		log.Warn("KAFKA", "Kafka disabled, booking events are only logged")
		events = kafka.NewLogPublisher(log)
	}

	gateway, err := payment.NewStripeGateway(cfg.Stripe.SecretKey, nil, log)
	if err != nil {
		log.Fatal("STRIPE", err.Error())
	}

	verifier, err := newVerifier(ctx, cfg.Auth, log)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}

	emitter := sse.NewBookingEventEmitter()
	svc := booking.NewService(booking.Deps{
		Ledger:    bookingdb.New(bunDB),
		Inventory: inventory.NewStore(),
		Loyalty:   loyalty.NewLedger(),
		Gateway:   gateway,
		Tokens:    qr.NewIssuer(cfg.QR.Secret, cfg.QR.Size),
		Holds:     tracker,
		Events:    events,
		Notifier:  emitter,
		Logger:    log,
	}, booking.Options{
		Currency:           cfg.Booking.Currency,
		HoldWindow:         cfg.Booking.HoldWindow,
		CancellationWindow: cfg.Booking.CancellationWindow,
		PaymentLockTTL:     cfg.Booking.PaymentLockTTL,
		PointsDivisor:      cfg.Booking.PointsDivisor,
		MaxLines:           cfg.Booking.MaxLinesPerBooking,
		ReaperBatchSize:    cfg.Booking.ReaperBatchSize,
	})

	// --- Background workers ---
	sweeper := reaper.New(svc, cfg.Booking.ReaperInterval, log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	err = tracker.SubscribeExpired(ctx, func(ctx context.Context, bookingID string) {
		if err := svc.ExpireBooking(ctx, bookingID); err != nil {
			log.Error("HOLD_EXPIRY", fmt.Sprintf("Failed to expire booking %s: %v", bookingID, err))
		}
	})
	if err != nil {
		log.Warn("REDIS", fmt.Sprintf("Hold expiry subscription failed, relying on the reaper: %v", err))
	}

	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx, svc.ApplyPaymentOutcome); err != nil {
				log.Error("KAFKA", fmt.Sprintf("Payment outcome consumer stopped: %v", err))
			}
		}()
	}

	// --- Router ---
	handler := booking_api.NewHandler(svc, log)
	handler.Stream = booking_api.NewSSEHandler(log, emitter)
	handler.StaffRole = cfg.Auth.StaffRole

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(booking_api.RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("booking service is healthy", nil))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		handler.RegisterPublicRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier, log))
			handler.RegisterRoutes(r)
		})
	})
	log.Info("ROUTER", "Booking routes registered under /api")

	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// WriteTimeout stays unset so SSE streams are not cut off.
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Booking Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "Booking Service shutdown complete")
	}
}
