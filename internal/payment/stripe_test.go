package payment

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

// newTestGateway points the Stripe client at an httptest server.
func newTestGateway(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	gw, err := NewStripeGateway("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend}, logger.NewWithWriter(io.Discard))
	require.NoError(t, err)
	return gw
}

func TestStatusFromIntent(t *testing.T) {
	assert.Equal(t, models.PaymentSucceeded, StatusFromIntent(stripe.PaymentIntentStatusSucceeded, true))
	assert.Equal(t, models.PaymentRequiresAction, StatusFromIntent(stripe.PaymentIntentStatusRequiresAction, true))
	assert.Equal(t, models.PaymentRequiresAction, StatusFromIntent(stripe.PaymentIntentStatusProcessing, true))
	assert.Equal(t, models.PaymentRequiresAction, StatusFromIntent(stripe.PaymentIntentStatusRequiresPaymentMethod, false))
	assert.Equal(t, models.PaymentFailed, StatusFromIntent(stripe.PaymentIntentStatusRequiresPaymentMethod, true))
	assert.Equal(t, models.PaymentFailed, StatusFromIntent(stripe.PaymentIntentStatusCanceled, false))
}

func TestToMinor(t *testing.T) {
	assert.Equal(t, int64(18000), ToMinor(decimal.NewFromInt(180)))
	assert.Equal(t, int64(1999), ToMinor(decimal.RequireFromString("19.99")))
}

func TestNewStripeGateway_RequiresKey(t *testing.T) {
	_, err := NewStripeGateway("", nil, logger.NewWithWriter(io.Discard))
	assert.ErrorIs(t, err, ErrStripeClientInitFailed)
}

func TestCreateIntent_Succeeded(t *testing.T) {
	var form url.Values
	var idempotency string
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		idempotency = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"pi_1","object":"payment_intent","amount":18000,"currency":"lkr","status":"succeeded","client_secret":"pi_1_secret","metadata":{"booking_id":"b-1"}}`)
	})

	intent, err := gw.CreateIntent(context.Background(), IntentRequest{
		BookingID:       "b-1",
		UserID:          "u-1",
		Reference:       "BK-1",
		Amount:          decimal.NewFromInt(180),
		Currency:        "LKR",
		PaymentMethodID: "pm_card_visa",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	assert.Equal(t, models.PaymentSucceeded, intent.Status)
	assert.Equal(t, int64(18000), intent.AmountMinor)
	assert.Equal(t, "b-1", intent.BookingID)

	assert.Equal(t, "18000", form.Get("amount"))
	assert.Equal(t, "lkr", form.Get("currency"))
	assert.Equal(t, "true", form.Get("confirm"))
	assert.Equal(t, "b-1", form.Get("metadata[booking_id]"))
	assert.Equal(t, "u-1", form.Get("metadata[user_id]"))
	assert.Equal(t, "booking-b-1-pm_card_visa", idempotency)
}

func TestCreateIntent_CardDeclinedIsFailedOutcome(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined.","payment_intent":{"id":"pi_2","object":"payment_intent","status":"requires_payment_method"}}}`)
	})

	intent, err := gw.CreateIntent(context.Background(), IntentRequest{
		BookingID:       "b-2",
		Amount:          decimal.NewFromInt(50),
		Currency:        "lkr",
		PaymentMethodID: "pm_card_chargeDeclined",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, intent.Status)
	assert.Equal(t, "pi_2", intent.ID)
	assert.Equal(t, "Your card was declined.", intent.FailureReason)
}

func TestCreateIntent_APIErrorIsGatewayError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"Amount must be at least 50 cents"}}`)
	})

	_, err := gw.CreateIntent(context.Background(), IntentRequest{BookingID: "b-3", Amount: decimal.NewFromInt(0), Currency: "lkr"})
	assert.ErrorIs(t, err, models.ErrGateway)
}

func TestCreateIntent_SupersedingAttemptGetsFreshKey(t *testing.T) {
	var keys []string
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"pi_x","object":"payment_intent","amount":5000,"currency":"lkr","status":"requires_action","client_secret":"s","metadata":{"booking_id":"b-4"}}`)
	})

	req := IntentRequest{BookingID: "b-4", Amount: decimal.NewFromInt(50), Currency: "lkr", PaymentMethodID: "pm_x"}
	_, err := gw.CreateIntent(context.Background(), req)
	require.NoError(t, err)
	req.Supersedes = "pi_a"
	_, err = gw.CreateIntent(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.Equal(t, "booking-b-4-pm_x", keys[0])
	assert.Equal(t, "booking-b-4-pm_x-after-pi_a", keys[1])
}

func TestGetIntent(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_9", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"pi_9","object":"payment_intent","amount":500,"currency":"lkr","status":"requires_action","client_secret":"sec","metadata":{"booking_id":"b-9"}}`)
	})

	intent, err := gw.GetIntent(context.Background(), "pi_9")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRequiresAction, intent.Status)
	assert.Equal(t, "sec", intent.ClientSecret)
	assert.Equal(t, "b-9", intent.BookingID)
}

func TestCancelIntent_AlreadyCanceledIsNotAnError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already canceled"}}`)
	})

	assert.NoError(t, gw.CancelIntent(context.Background(), "pi_1"))
}
