package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/metrics"
	"ticket-reservation/internal/models"
	"ticket-reservation/internal/payment"
	"ticket-reservation/internal/utils"

	"github.com/gin-gonic/gin"
)

// Stripe caps event payloads well below this.
const maxWebhookBytes = 65536

// OutcomePublisher forwards verified payment outcomes to the booking service.
type OutcomePublisher interface {
	PublishPaymentOutcome(ctx context.Context, outcome models.PaymentOutcome) error
}

type WebhookHandler struct {
	parser    *payment.WebhookParser
	publisher OutcomePublisher
	logger    *logger.Logger
}

func NewWebhookHandler(parser *payment.WebhookParser, publisher OutcomePublisher, logger *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		parser:    parser,
		publisher: publisher,
		logger:    logger,
	}
}

func (h *WebhookHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.HandleStripeWebhook)
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// HandleStripeWebhook verifies a Stripe event and relays the payment outcome.
// A publish failure answers 500 so Stripe redelivers the event.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("WEBHOOK", fmt.Sprintf("Rejected webhook body over %d bytes", tooLarge.Limit))
			metrics.TrackWebhookOutcome("rejected")
			c.JSON(http.StatusRequestEntityTooLarge, utils.ErrorResponse("Webhook rejected", "payload too large"))
			return
		}
		h.logger.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook body: %v", err))
		c.JSON(http.StatusServiceUnavailable, utils.ErrorResponse("Error reading request body", err.Error()))
		return
	}

	outcome, err := h.parser.Parse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		var webhookErr *payment.WebhookError
		if errors.As(err, &webhookErr) {
			h.logger.Warn("WEBHOOK", fmt.Sprintf("Rejected webhook (%s): %s", webhookErr.Category, webhookErr.InternalError))
			metrics.TrackWebhookOutcome("rejected")
			c.JSON(webhookErr.StatusCode, utils.ErrorResponse("Webhook rejected", webhookErr.PublicError))
			return
		}
		h.logger.Error("WEBHOOK", fmt.Sprintf("Webhook processing failed: %v", err))
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Webhook processing failed", "internal error"))
		return
	}

	if outcome == nil {
		metrics.TrackWebhookOutcome("ignored")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.publisher.PublishPaymentOutcome(c.Request.Context(), *outcome); err != nil {
		h.logger.Error("WEBHOOK", fmt.Sprintf("Failed to publish outcome for booking %s: %v", outcome.BookingID, err))
		metrics.TrackWebhookOutcome("publish_failed")
		c.JSON(http.StatusInternalServerError, utils.ErrorResponse("Failed to record payment outcome", "please retry"))
		return
	}

	h.logger.LogPayment("WEBHOOK_"+string(outcome.Status), outcome.BookingID, outcome.Reference)
	metrics.TrackWebhookOutcome(string(outcome.Status))
	c.JSON(http.StatusOK, gin.H{"received": true, "bookingId": outcome.BookingID, "status": outcome.Status})
}

func (h *WebhookHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, utils.SuccessResponse("payment service is healthy", nil))
}

func RequestLogger(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		metrics.ObserveRequest(c.Request.Method, c.Writer.Status(), duration)
		l.LogAPI(c.Request.Method, c.Request.URL.Path, c.Writer.Status(), duration)
	}
}
