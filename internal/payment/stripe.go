package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

var ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")

// StripeGateway handles integration with the Stripe payment gateway
type StripeGateway struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeGateway creates a gateway for the given secret key. backends may be
// nil to use Stripe's public endpoints.
func NewStripeGateway(secretKey string, backends *stripe.Backends, log *logger.Logger) (*StripeGateway, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY is not set")
		return nil, ErrStripeClientInitFailed
	}

	sc := client.New(secretKey, backends)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrStripeClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeGateway{client: sc, log: log}, nil
}

// CreateIntent creates and, when a payment method is supplied, confirms a
// payment intent. A declined card is reported as a Failed intent, not an error.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(ToMinor(req.Amount)),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String("Booking " + req.Reference),
		Metadata: map[string]string{
			"booking_id": req.BookingID,
			"user_id":    req.UserID,
			"reference":  req.Reference,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey(req))

	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
		params.Confirm = stripe.Bool(true)
		if req.ReturnURL != "" {
			params.ReturnURL = stripe.String(req.ReturnURL)
		}
	}
	if req.ReturnURL == "" {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		}
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}

	g.log.LogPayment("CREATE_INTENT", req.BookingID, fmt.Sprintf("%s %s", req.Amount.StringFixed(2), req.Currency))

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			g.log.LogPayment("CARD_DECLINED", req.BookingID, stripeErr.Msg)
			intent := &Intent{
				Status:        models.PaymentFailed,
				BookingID:     req.BookingID,
				AmountMinor:   ToMinor(req.Amount),
				Currency:      strings.ToLower(req.Currency),
				FailureReason: stripeErr.Msg,
			}
			if stripeErr.PaymentIntent != nil {
				intent.ID = stripeErr.PaymentIntent.ID
			}
			return intent, nil
		}
		g.log.Error("STRIPE", fmt.Sprintf("Failed to create payment intent for booking %s: %v", req.BookingID, err))
		return nil, fmt.Errorf("%w: %v", models.ErrGateway, err)
	}

	intent := fromStripe(pi, req.PaymentMethodID != "")
	g.log.LogPayment("INTENT_"+strings.ToUpper(string(intent.Status)), req.BookingID, pi.ID)
	return intent, nil
}

// GetIntent retrieves an intent by ID.
func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.client.PaymentIntents.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, fmt.Errorf("payment intent %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrGateway, err)
	}
	return fromStripe(pi, pi.PaymentMethod != nil || pi.LastPaymentError != nil), nil
}

// CancelIntent cancels an intent that has not succeeded. Cancelling one that
// is already canceled is not an error.
func (g *StripeGateway) CancelIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	_, err := g.client.PaymentIntents.Cancel(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			g.log.Warn("STRIPE", fmt.Sprintf("Payment intent %s not cancellable: %s", id, stripeErr.Msg))
			return nil
		}
		return fmt.Errorf("%w: %v", models.ErrGateway, err)
	}
	g.log.Info("STRIPE", fmt.Sprintf("Cancelled payment intent %s", id))
	return nil
}

// StatusFromIntent folds Stripe's intent lifecycle into the three outcomes the
// booking workflow distinguishes.
func StatusFromIntent(status stripe.PaymentIntentStatus, attempted bool) models.PaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A confirmed attempt that falls back here was declined.
		if attempted {
			return models.PaymentFailed
		}
		return models.PaymentRequiresAction
	default:
		return models.PaymentRequiresAction
	}
}

func fromStripe(pi *stripe.PaymentIntent, attempted bool) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		Status:       StatusFromIntent(pi.Status, attempted),
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount,
		Currency:     strings.ToLower(string(pi.Currency)),
		BookingID:    pi.Metadata["booking_id"],
	}
	if pi.LastPaymentError != nil {
		intent.FailureReason = pi.LastPaymentError.Msg
	}
	return intent
}

// idempotencyKey scopes retries to one booking, payment method and prior
// attempt. A retried request reuses the intent; a new card, or another try
// after an intent was superseded, gets a new one.
func idempotencyKey(req IntentRequest) string {
	key := "booking-" + req.BookingID
	if req.PaymentMethodID != "" {
		key += "-" + req.PaymentMethodID
	}
	if req.Supersedes != "" {
		key += "-after-" + req.Supersedes
	}
	return key
}
