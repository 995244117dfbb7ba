package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ticket-reservation/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

type WebhookParser struct {
	secret string
	now    func() time.Time
}

func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: secret, now: time.Now}
}

// Parse verifies the Stripe signature and turns a payment intent event into a
// PaymentOutcome. Event types that do not settle a booking return nil, nil.
func (p *WebhookParser) Parse(payload []byte, signature string) (*models.PaymentOutcome, error) {
	if p.secret == "" {
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	opts := webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, opts)
	if err != nil {
		errorMessage := "Invalid webhook signature"
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) {
			errorMessage = "Webhook signature verification failed"
		}
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   errorMessage,
			InternalError: fmt.Sprintf("%s: %v", errorMessage, err),
			OriginalErr:   err,
		}
	}

	var status models.PaymentStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = models.PaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = models.PaymentFailed
	default:
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to unmarshal payment intent: %v", err),
			OriginalErr:   err,
		}
	}

	bookingID, ok := pi.Metadata["booking_id"]
	if !ok || bookingID == "" {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid payment intent data",
			InternalError: fmt.Sprintf("Payment intent %s has no booking_id in metadata", pi.ID),
		}
	}

	return &models.PaymentOutcome{
		EventID:     event.ID,
		BookingID:   bookingID,
		UserID:      pi.Metadata["user_id"],
		Reference:   pi.ID,
		Status:      status,
		AmountMinor: pi.Amount,
		Currency:    strings.ToLower(string(pi.Currency)),
		ReceivedAt:  p.now().UTC(),
	}, nil
}
