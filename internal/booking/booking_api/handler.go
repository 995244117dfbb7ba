package booking_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ticket-reservation/internal/auth"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/metrics"
	"ticket-reservation/internal/models"
	"ticket-reservation/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// BookingService is the workflow surface the HTTP layer drives.
type BookingService interface {
	Reserve(ctx context.Context, userID string, lines []models.LineRequest) (*models.ReserveResponse, error)
	Pay(ctx context.Context, userID, bookingID string, req models.PayRequest) (*models.PayResponse, error)
	Confirm(ctx context.Context, userID, bookingID, paymentRef string) (*models.Booking, error)
	Cancel(ctx context.Context, userID, bookingID string) (*models.Booking, error)
	Get(ctx context.Context, userID, bookingID string) (*models.BookingWithLines, error)
	List(ctx context.Context, userID string) ([]models.Booking, error)
	Redeem(ctx context.Context, staffID, token string) (*models.RedeemResponse, error)
	TicketQR(ctx context.Context, userID, bookingID, lineID string) ([]byte, error)
	TicketAvailability(ctx context.Context, ticketTypeID string) (*models.TicketAvailability, error)
}

type Handler struct {
	Service BookingService
	Stream  *SSEHandler
	Logger  *logger.Logger

	// StaffRole gates ticket redemption. Empty denies everyone.
	StaffRole string
	validate  *validator.Validate
}

func NewHandler(service BookingService, log *logger.Logger) *Handler {
	return &Handler{
		Service:  service,
		Logger:   log,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the authenticated booking routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/bookings", func(r chi.Router) {
		r.Get("/", h.ListBookings)
		r.Post("/reserve", h.Reserve)
		r.Post("/confirm", h.Confirm)
		r.Post("/cancel", h.Cancel)
		if h.Stream != nil {
			r.Get("/stream", h.Stream.HandleBookingStream)
		}
		r.Get("/{bookingId}", h.GetBooking)
		r.Post("/{bookingId}/pay", h.Pay)
		r.Get("/{bookingId}/lines/{lineId}/qr", h.TicketQR)
	})
	r.With(auth.RequireRole(h.StaffRole, h.Logger)).Post("/tickets/redeem", h.Redeem)
}

// RegisterPublicRoutes mounts routes that need no caller identity.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/ticket-types/{ticketTypeId}", h.TicketAvailability)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req models.ReserveRequest
	if !h.decode(w, r, "Reserve", &req) {
		return
	}
	lines := req.Normalize()
	for _, l := range lines {
		if err := h.validate.Struct(l); err != nil {
			h.fail(w, "Reserve", fmt.Errorf("%v: %w", err, models.ErrInvalidQuantity))
			return
		}
	}

	res, err := h.Service.Reserve(r.Context(), auth.UserID(r.Context()), lines)
	if err != nil {
		h.fail(w, "Reserve", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Reserve: booking %s created", res.BookingID))
	h.respond(w, "Reserve", http.StatusCreated, res)
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingId")

	var req models.PayRequest
	if r.ContentLength != 0 && !h.decode(w, r, "Pay", &req) {
		return
	}

	res, err := h.Service.Pay(r.Context(), auth.UserID(r.Context()), bookingID, req)
	if err != nil {
		h.fail(w, "Pay", err)
		return
	}
	h.respond(w, "Pay", http.StatusOK, res)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmRequest
	if !h.decode(w, r, "Confirm", &req) {
		return
	}

	b, err := h.Service.Confirm(r.Context(), auth.UserID(r.Context()), req.BookingID, req.PaymentReference)
	if err != nil {
		h.fail(w, "Confirm", err)
		return
	}
	h.respond(w, "Confirm", http.StatusOK, b)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req models.CancelRequest
	if !h.decode(w, r, "Cancel", &req) {
		return
	}

	b, err := h.Service.Cancel(r.Context(), auth.UserID(r.Context()), req.BookingID)
	if err != nil {
		h.fail(w, "Cancel", err)
		return
	}
	h.respond(w, "Cancel", http.StatusOK, b)
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingId")

	b, err := h.Service.Get(r.Context(), auth.UserID(r.Context()), bookingID)
	if err != nil {
		h.fail(w, "GetBooking", err)
		return
	}
	h.respond(w, "GetBooking", http.StatusOK, b)
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	bookings, err := h.Service.List(r.Context(), userID)
	if err != nil {
		h.fail(w, "ListBookings", err)
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("ListBookings: found %d bookings for user %s", len(bookings), userID))
	if bookings == nil {
		bookings = []models.Booking{}
	}
	h.respond(w, "ListBookings", http.StatusOK, bookings)
}

func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingId")
	lineID := chi.URLParam(r, "lineId")

	png, err := h.Service.TicketQR(r.Context(), auth.UserID(r.Context()), bookingID, lineID)
	if err != nil {
		h.fail(w, "TicketQR", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", lineID+".png"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.Logger.Error("API", fmt.Sprintf("TicketQR: failed to write image: %v", err))
	}
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req models.RedeemRequest
	if !h.decode(w, r, "Redeem", &req) {
		return
	}

	staffID := auth.UserID(r.Context())
	res, err := h.Service.Redeem(r.Context(), staffID, req.Token)
	if err != nil {
		h.fail(w, "Redeem", err)
		return
	}
	h.Logger.LogSecurity("TICKET_REDEEMED", fmt.Sprintf("line %s of booking %s by %s", res.LineID, res.BookingID, staffID))
	h.respond(w, "Redeem", http.StatusOK, res)
}

func (h *Handler) TicketAvailability(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.TicketAvailability(r.Context(), chi.URLParam(r, "ticketTypeId"))
	if err != nil {
		h.fail(w, "TicketAvailability", err)
		return
	}
	h.respond(w, "TicketAvailability", http.StatusOK, a)
}

// decode reads a JSON body into v and validates it. It writes a 400 and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("%s: failed to decode request body: %v", op, err))
		utils.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("%s: validation failed: %v", op, err))
		utils.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "Validation failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		utils.WriteError(w, status, code, "Internal server error", "")
		return
	}
	h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	utils.WriteError(w, status, code, http.StatusText(status), err.Error())
}

func (h *Handler) respond(w http.ResponseWriter, op string, status int, v interface{}) {
	if err := utils.WriteJSON(w, status, v); err != nil {
		h.Logger.Error("API", fmt.Sprintf("%s: failed to encode response: %v", op, err))
	}
}

// RequestLogger records method, path, status and latency for every request
// in the log and the request duration histogram.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)
			metrics.ObserveRequest(r.Method, sw.status, elapsed)
			log.LogAPI(r.Method, r.URL.Path, sw.status, elapsed)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
