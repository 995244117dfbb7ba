package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"
	"ticket-reservation/internal/payment"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const secret = "whsec_handler_test"

type fakePublisher struct {
	published []models.PaymentOutcome
	err       error
}

func (p *fakePublisher) PublishPaymentOutcome(_ context.Context, outcome models.PaymentOutcome) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, outcome)
	return nil
}

func setupRouter(publisher OutcomePublisher, webhookSecret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(payment.NewWebhookParser(webhookSecret), publisher, logger.NewWithWriter(io.Discard))
	h.RegisterRoutes(r)
	return r
}

func event(eventType string) []byte {
	return []byte(`{"id":"evt_1","object":"event","type":"` + eventType + `","data":{"object":{"id":"pi_1","object":"payment_intent","amount":18000,"currency":"lkr","metadata":{"booking_id":"b-1","user_id":"u-1"}}}}`)
}

func post(r *gin.Engine, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func signed(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret}).Header
}

func TestStripeWebhook_PublishesOutcome(t *testing.T) {
	pub := &fakePublisher{}
	r := setupRouter(pub, secret)
	payload := event("payment_intent.succeeded")

	rec := post(r, payload, signed(payload))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "b-1", pub.published[0].BookingID)
	assert.Equal(t, models.PaymentSucceeded, pub.published[0].Status)
	assert.Equal(t, int64(18000), pub.published[0].AmountMinor)
}

func TestStripeWebhook_IgnoresUnrelatedEvents(t *testing.T) {
	pub := &fakePublisher{}
	r := setupRouter(pub, secret)
	payload := event("customer.created")

	rec := post(r, payload, signed(payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.published)
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	pub := &fakePublisher{}
	r := setupRouter(pub, secret)
	payload := event("payment_intent.succeeded")

	assert.Equal(t, http.StatusBadRequest, post(r, payload, "t=1,v1=deadbeef").Code)
	assert.Equal(t, http.StatusBadRequest, post(r, payload, "").Code)
	assert.Empty(t, pub.published)
}

func TestStripeWebhook_MissingSecretIsServerError(t *testing.T) {
	r := setupRouter(&fakePublisher{}, "")
	payload := event("payment_intent.succeeded")

	assert.Equal(t, http.StatusInternalServerError, post(r, payload, signed(payload)).Code)
}

func TestStripeWebhook_OversizeBodyIsRejected(t *testing.T) {
	pub := &fakePublisher{}
	r := setupRouter(pub, secret)
	payload := bytes.Repeat([]byte("x"), maxWebhookBytes+1)

	rec := post(r, payload, signed(payload))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload too large")
	assert.Empty(t, pub.published)
}

func TestStripeWebhook_PublishFailureAsksForRedelivery(t *testing.T) {
	r := setupRouter(&fakePublisher{err: errors.New("broker unavailable")}, secret)
	payload := event("payment_intent.payment_failed")

	assert.Equal(t, http.StatusInternalServerError, post(r, payload, signed(payload)).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := setupRouter(&fakePublisher{}, secret)

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
