package booking_api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ticket-reservation/internal/auth"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"
	"ticket-reservation/internal/sse"
	"ticket-reservation/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Reserve(ctx context.Context, userID string, lines []models.LineRequest) (*models.ReserveResponse, error) {
	args := m.Called(ctx, userID, lines)
	res, _ := args.Get(0).(*models.ReserveResponse)
	return res, args.Error(1)
}

func (m *mockService) Pay(ctx context.Context, userID, bookingID string, req models.PayRequest) (*models.PayResponse, error) {
	args := m.Called(ctx, userID, bookingID, req)
	res, _ := args.Get(0).(*models.PayResponse)
	return res, args.Error(1)
}

func (m *mockService) Confirm(ctx context.Context, userID, bookingID, paymentRef string) (*models.Booking, error) {
	args := m.Called(ctx, userID, bookingID, paymentRef)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *mockService) Cancel(ctx context.Context, userID, bookingID string) (*models.Booking, error) {
	args := m.Called(ctx, userID, bookingID)
	b, _ := args.Get(0).(*models.Booking)
	return b, args.Error(1)
}

func (m *mockService) Get(ctx context.Context, userID, bookingID string) (*models.BookingWithLines, error) {
	args := m.Called(ctx, userID, bookingID)
	b, _ := args.Get(0).(*models.BookingWithLines)
	return b, args.Error(1)
}

func (m *mockService) List(ctx context.Context, userID string) ([]models.Booking, error) {
	args := m.Called(ctx, userID)
	b, _ := args.Get(0).([]models.Booking)
	return b, args.Error(1)
}

func (m *mockService) Redeem(ctx context.Context, staffID, token string) (*models.RedeemResponse, error) {
	args := m.Called(ctx, staffID, token)
	res, _ := args.Get(0).(*models.RedeemResponse)
	return res, args.Error(1)
}

func (m *mockService) TicketQR(ctx context.Context, userID, bookingID, lineID string) ([]byte, error) {
	args := m.Called(ctx, userID, bookingID, lineID)
	png, _ := args.Get(0).([]byte)
	return png, args.Error(1)
}

func (m *mockService) TicketAvailability(ctx context.Context, ticketTypeID string) (*models.TicketAvailability, error) {
	args := m.Called(ctx, ticketTypeID)
	a, _ := args.Get(0).(*models.TicketAvailability)
	return a, args.Error(1)
}

// asUser stands in for the auth middleware.
func asUser(userID string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithRoles(auth.WithUserID(r.Context(), userID), roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRouter(svc BookingService, emitter *sse.BookingEventEmitter) http.Handler {
	return newRouterAs(svc, emitter, "user-1")
}

func newRouterAs(svc BookingService, emitter *sse.BookingEventEmitter, userID string, roles ...string) http.Handler {
	log := logger.NewWithWriter(io.Discard)
	h := NewHandler(svc, log)
	h.StaffRole = "gate_staff"
	if emitter != nil {
		h.Stream = NewSSEHandler(log, emitter)
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.RegisterPublicRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(asUser(userID, roles...))
			h.RegisterRoutes(r)
		})
	})
	return r
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) utils.APIResponse {
	t.Helper()
	var resp utils.APIResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestReserve_Created(t *testing.T) {
	svc := &mockService{}
	svc.On("Reserve", mock.Anything, "user-1", []models.LineRequest{{TicketTypeID: "tt-1", Quantity: 3}}).
		Return(&models.ReserveResponse{BookingID: "b-1", TotalAmount: decimal.NewFromInt(180), Currency: "lkr"}, nil)

	rec := do(t, newRouter(svc, nil), http.MethodPost, "/api/bookings/reserve", `{"ticketTypeId":"tt-1","quantity":3}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var res models.ReserveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "b-1", res.BookingID)
	assert.True(t, decimal.NewFromInt(180).Equal(res.TotalAmount))
	svc.AssertExpectations(t)
}

func TestReserve_MultiLineAndValidation(t *testing.T) {
	svc := &mockService{}
	svc.On("Reserve", mock.Anything, "user-1", mock.MatchedBy(func(lines []models.LineRequest) bool { return len(lines) == 2 })).
		Return(&models.ReserveResponse{BookingID: "b-2"}, nil)
	router := newRouter(svc, nil)

	rec := do(t, router, http.MethodPost, "/api/bookings/reserve", `{"lines":[{"ticketTypeId":"a","quantity":1},{"ticketTypeId":"b","quantity":2}]}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/bookings/reserve", `{"ticketTypeId":"tt-1","quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/bookings/reserve", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code)

	svc.AssertNumberOfCalls(t, "Reserve", 1)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{models.ErrInsufficientStock, http.StatusConflict, "INSUFFICIENT_STOCK"},
		{models.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
		{models.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{models.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{models.ErrCancellationWindowClosed, http.StatusForbidden, "CANCELLATION_WINDOW_CLOSED"},
		{models.ErrPaymentMismatch, http.StatusConflict, "PAYMENT_MISMATCH"},
		{fmt.Errorf("stripe down: %w", models.ErrGateway), http.StatusBadGateway, "PAYMENT_GATEWAY_ERROR"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &mockService{}
			svc.On("Cancel", mock.Anything, "user-1", "b-1").Return(nil, tc.err)

			rec := do(t, newRouter(svc, nil), http.MethodPost, "/api/bookings/cancel", `{"bookingId":"b-1"}`)

			assert.Equal(t, tc.status, rec.Code)
			resp := decodeError(t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	svc := &mockService{}
	svc.On("Get", mock.Anything, "user-1", "b-1").Return(nil, fmt.Errorf("pq: password authentication failed"))

	rec := do(t, newRouter(svc, nil), http.MethodGet, "/api/bookings/b-1", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestConfirm(t *testing.T) {
	svc := &mockService{}
	svc.On("Confirm", mock.Anything, "user-1", "b-1", "pi_1").
		Return(&models.Booking{ID: "b-1", Status: models.StatusConfirmed, PaymentRef: "pi_1"}, nil)
	router := newRouter(svc, nil)

	rec := do(t, router, http.MethodPost, "/api/bookings/confirm", `{"bookingId":"b-1","paymentReference":"pi_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var b models.Booking
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	assert.Equal(t, models.StatusConfirmed, b.Status)

	rec = do(t, router, http.MethodPost, "/api/bookings/confirm", `{"bookingId":"b-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPay(t *testing.T) {
	svc := &mockService{}
	svc.On("Pay", mock.Anything, "user-1", "b-1", models.PayRequest{PaymentMethodID: "pm_1"}).
		Return(&models.PayResponse{BookingID: "b-1", Status: models.PaymentRequiresAction, ClientSecret: "secret"}, nil)
	svc.On("Pay", mock.Anything, "user-1", "b-2", models.PayRequest{}).
		Return(&models.PayResponse{BookingID: "b-2", Status: models.PaymentSucceeded}, nil)
	router := newRouter(svc, nil)

	rec := do(t, router, http.MethodPost, "/api/bookings/b-1/pay", `{"paymentMethodId":"pm_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"clientSecret":"secret"`)

	rec = do(t, router, http.MethodPost, "/api/bookings/b-2/pay", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/bookings/b-3/pay", `{"returnUrl":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListGetAndQR(t *testing.T) {
	svc := &mockService{}
	svc.On("List", mock.Anything, "user-1").Return(nil, nil)
	svc.On("Get", mock.Anything, "user-1", "b-1").
		Return(&models.BookingWithLines{Booking: models.Booking{ID: "b-1"}, Lines: []models.BookingLineView{{ID: "l-1"}}}, nil)
	svc.On("TicketQR", mock.Anything, "user-1", "b-1", "l-1").Return([]byte("\x89PNG..."), nil)
	router := newRouter(svc, nil)

	rec := do(t, router, http.MethodGet, "/api/bookings/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/bookings/b-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"l-1"`)

	rec = do(t, router, http.MethodGet, "/api/bookings/b-1/lines/l-1/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestRedeem(t *testing.T) {
	svc := &mockService{}
	svc.On("Redeem", mock.Anything, "gate-1", "tok-ok").Return(&models.RedeemResponse{BookingID: "b-1", LineID: "l-1", Quantity: 2}, nil)
	svc.On("Redeem", mock.Anything, "gate-1", "tok-used").Return(nil, models.ErrAlreadyRedeemed)
	svc.On("Redeem", mock.Anything, "gate-1", "tok-bad").Return(nil, models.ErrInvalidToken)
	router := newRouterAs(svc, nil, "gate-1", "gate_staff")

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/tickets/redeem", `{"token":"tok-ok"}`).Code)
	assert.Equal(t, http.StatusConflict, do(t, router, http.MethodPost, "/api/tickets/redeem", `{"token":"tok-used"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/tickets/redeem", `{"token":"tok-bad"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/tickets/redeem", `{}`).Code)
}

func TestRedeem_CustomerIsForbidden(t *testing.T) {
	svc := &mockService{}
	router := newRouter(svc, nil)

	rec := do(t, router, http.MethodPost, "/api/tickets/redeem", `{"token":"tok-ok"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")
	svc.AssertNotCalled(t, "Redeem", mock.Anything, mock.Anything, mock.Anything)

	organizer := newRouterAs(svc, nil, "user-2", "organizer")
	assert.Equal(t, http.StatusForbidden, do(t, organizer, http.MethodPost, "/api/tickets/redeem", `{"token":"tok-ok"}`).Code)
}

func TestTicketAvailability(t *testing.T) {
	svc := &mockService{}
	svc.On("TicketAvailability", mock.Anything, "tt-1").Return(&models.TicketAvailability{TicketTypeID: "tt-1", Available: 4, Total: 10}, nil)
	svc.On("TicketAvailability", mock.Anything, "nope").Return(nil, models.ErrNotFound)
	router := newRouter(svc, nil)

	rec := do(t, router, http.MethodGet, "/api/ticket-types/tt-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":4`)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/ticket-types/nope", "").Code)
}

func TestBookingStream(t *testing.T) {
	emitter := sse.NewBookingEventEmitter()
	server := httptest.NewServer(newRouter(&mockService{}, emitter))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/bookings/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: connected")

	require.Eventually(t, func() bool { return emitter.ClientCount("user-1") == 1 }, time.Second, 10*time.Millisecond)
	emitter.Emit(models.BookingEvent{Type: models.EventBookingConfirmed, BookingID: "b-1", UserID: "user-1"})
	emitter.Emit(models.BookingEvent{Type: models.EventBookingConfirmed, BookingID: "b-other", UserID: "user-2"})

	var got strings.Builder
	require.Eventually(t, func() bool {
		n, err := resp.Body.Read(buf)
		if err != nil {
			return false
		}
		got.Write(buf[:n])
		return strings.Contains(got.String(), "b-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, got.String(), "event: booking.confirmed")
	assert.NotContains(t, got.String(), "b-other")
}
