// Package booking is the reservation workflow: it moves a booking from
// Pending to Confirmed, Cancelled or Released and keeps inventory, the
// ledger and loyalty points consistent across every transition.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	bookingdb "ticket-reservation/internal/booking/db"
	"ticket-reservation/internal/inventory"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/loyalty"
	"ticket-reservation/internal/metrics"
	"ticket-reservation/internal/models"
	"ticket-reservation/internal/payment"
	"ticket-reservation/internal/tickets/qr"
	"ticket-reservation/internal/utils"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// HoldTracker mirrors hold windows outside the database and serializes
// payment attempts per booking.
type HoldTracker interface {
	Place(ctx context.Context, bookingID string, ttl time.Duration) error
	Clear(ctx context.Context, bookingID string) error
	AcquirePaymentLock(ctx context.Context, bookingID, owner string, ttl time.Duration) error
	ReleasePaymentLock(ctx context.Context, bookingID, owner string) error
}

type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, ev models.BookingEvent) error
}

type Notifier interface {
	Emit(ev models.BookingEvent)
}

type TokenIssuer interface {
	Issue(bookingID, lineID string) (string, error)
	Open(token string) (qr.Claims, error)
	Render(token string) ([]byte, error)
}

type Options struct {
	Currency           string
	HoldWindow         time.Duration
	CancellationWindow time.Duration
	PaymentLockTTL     time.Duration
	PointsDivisor      int64
	MaxLines           int
	ReaperBatchSize    int
}

// Deps are the collaborators of the workflow. Holds, Events and Notifier are
// optional.
type Deps struct {
	Ledger    *bookingdb.DB
	Inventory *inventory.Store
	Loyalty   *loyalty.Ledger
	Gateway   payment.Gateway
	Tokens    TokenIssuer
	Holds     HoldTracker
	Events    EventPublisher
	Notifier  Notifier
	Logger    *logger.Logger
}

type Service struct {
	Deps
	opts Options
	now  func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	if opts.MaxLines <= 0 {
		opts.MaxLines = 10
	}
	if opts.ReaperBatchSize <= 0 {
		opts.ReaperBatchSize = 100
	}
	return &Service{Deps: deps, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// ---------------- RESERVE ----------------

// Reserve decrements stock for every line and records a Pending booking in
// one transaction. Nothing is written when any line is short.
func (s *Service) Reserve(ctx context.Context, userID string, lines []models.LineRequest) (*models.ReserveResponse, error) {
	merged, err := s.mergeLines(userID, lines)
	if err != nil {
		return nil, err
	}

	now := s.now()
	bookingID := uuid.NewString()
	pending := bookingdb.PendingBooking{
		ID:            bookingID,
		Reference:     utils.GenerateBookingReference(now),
		UserID:        userID,
		Currency:      s.opts.Currency,
		PointsDivisor: s.opts.PointsDivisor,
		CreatedAt:     now,
		HoldExpiresAt: now.Add(s.opts.HoldWindow),
	}
	for _, l := range merged {
		lineID := uuid.NewString()
		token, err := s.Tokens.Issue(bookingID, lineID)
		if err != nil {
			return nil, fmt.Errorf("issue redemption token: %w", err)
		}
		pending.Lines = append(pending.Lines, bookingdb.PendingLine{
			ID:              lineID,
			TicketTypeID:    l.TicketTypeID,
			Quantity:        l.Quantity,
			RedemptionToken: token,
		})
	}

	var booking *models.Booking
	var created []models.BookingLine
	err = s.withRetry(ctx, "reserve", func(ctx context.Context, tx bun.Tx) error {
		ids := make([]string, 0, len(pending.Lines))
		for _, l := range pending.Lines {
			ids = append(ids, l.TicketTypeID)
		}
		types, err := s.Inventory.GetMany(ctx, tx, ids)
		if err != nil {
			return err
		}

		for i := range pending.Lines {
			l := &pending.Lines[i]
			tt, ok := types[l.TicketTypeID]
			if !ok {
				return fmt.Errorf("ticket type %s: %w", l.TicketTypeID, models.ErrNotFound)
			}
			if err := s.Inventory.TryReserve(ctx, tx, l.TicketTypeID, l.Quantity); err != nil {
				return err
			}
			l.UnitPrice = tt.UnitPrice
		}

		booking, created, err = s.Ledger.CreatePending(ctx, tx, pending)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientStock):
			metrics.TrackReservation("insufficient_stock")
		case errors.Is(err, models.ErrNotFound):
			metrics.TrackReservation("not_found")
		default:
			metrics.TrackReservation("error")
		}
		s.Logger.Warn("BOOKING", fmt.Sprintf("Reservation for user %s failed: %v", userID, err))
		return nil, err
	}

	for _, l := range created {
		s.Logger.LogInventory("RESERVED", l.TicketTypeID, l.Quantity)
	}
	metrics.TrackReservation("reserved")
	metrics.TrackTransition(string(models.StatusPending))
	s.Logger.LogBooking("RESERVED", booking.ID, fmt.Sprintf("user=%s total=%s %s", userID, booking.TotalAmount.StringFixed(2), booking.Currency))

	if s.Holds != nil {
		if err := s.Holds.Place(ctx, booking.ID, s.opts.HoldWindow); err != nil {
			s.Logger.Warn("REDIS", fmt.Sprintf("Failed to place hold for booking %s: %v", booking.ID, err))
		}
	}
	s.announce(ctx, models.EventBookingReserved, *booking, created)

	return &models.ReserveResponse{
		BookingID:     booking.ID,
		Reference:     booking.Reference,
		TotalAmount:   booking.TotalAmount,
		Currency:      booking.Currency,
		LoyaltyPoints: booking.LoyaltyPoints,
		HoldExpiresAt: booking.HoldExpiresAt,
	}, nil
}

// mergeLines validates the request and folds repeated ticket types into one
// line. The result is sorted by ticket type so concurrent multi-line
// reservations lock rows in the same order.
func (s *Service) mergeLines(userID string, lines []models.LineRequest) ([]models.LineRequest, error) {
	if userID == "" {
		return nil, models.ErrForbidden
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no lines requested: %w", models.ErrInvalidQuantity)
	}

	qty := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.TicketTypeID == "" {
			return nil, fmt.Errorf("ticket type is required: %w", models.ErrInvalidQuantity)
		}
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("ticket type %s quantity %d: %w", l.TicketTypeID, l.Quantity, models.ErrInvalidQuantity)
		}
		qty[l.TicketTypeID] += l.Quantity
	}
	if len(qty) > s.opts.MaxLines {
		return nil, fmt.Errorf("%d ticket types exceeds the limit of %d: %w", len(qty), s.opts.MaxLines, models.ErrInvalidQuantity)
	}

	merged := make([]models.LineRequest, 0, len(qty))
	for id, q := range qty {
		merged = append(merged, models.LineRequest{TicketTypeID: id, Quantity: q})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TicketTypeID < merged[j].TicketTypeID })
	return merged, nil
}

// ---------------- PAY ----------------

// Pay creates a payment intent for a Pending booking. Requires-action leaves
// the booking Pending and hands the client secret back. A declined payment
// or a gateway failure cancels the booking and returns its stock.
func (s *Service) Pay(ctx context.Context, userID, bookingID string, req models.PayRequest) (*models.PayResponse, error) {
	b, err := s.Ledger.FindOwned(ctx, s.Ledger.Bun, bookingID, userID)
	if err != nil {
		return nil, err
	}

	if b.Status == models.StatusConfirmed {
		return &models.PayResponse{BookingID: b.ID, Status: models.PaymentSucceeded, BookingStatus: b.Status, PaymentReference: b.PaymentRef}, nil
	}
	if b.Status != models.StatusPending {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
	}
	if !s.now().Before(b.HoldExpiresAt) {
		if err := s.ExpireBooking(ctx, b.ID); err != nil {
			s.Logger.Warn("BOOKING", fmt.Sprintf("Failed to expire booking %s: %v", b.ID, err))
		}
		return nil, fmt.Errorf("hold on booking %s expired: %w", b.ID, models.ErrInvalidState)
	}

	if s.Holds != nil {
		owner := uuid.NewString()
		if err := s.Holds.AcquirePaymentLock(ctx, b.ID, owner, s.opts.PaymentLockTTL); err != nil {
			return nil, fmt.Errorf("booking %s: %v: %w", b.ID, err, models.ErrInvalidState)
		}
		defer func() {
			if err := s.Holds.ReleasePaymentLock(context.WithoutCancel(ctx), b.ID, owner); err != nil {
				s.Logger.Warn("REDIS", fmt.Sprintf("Failed to release payment lock for booking %s: %v", b.ID, err))
			}
		}()
	}

	// An earlier attempt may still be awaiting authentication or may have
	// settled without us hearing about it.
	var superseded string
	if b.PaymentRef != "" {
		existing, err := s.Gateway.GetIntent(ctx, b.PaymentRef)
		if err == nil {
			switch {
			case existing.Status == models.PaymentSucceeded:
				return s.settleIntent(ctx, b, existing)
			case existing.Status == models.PaymentRequiresAction && req.PaymentMethodID == "":
				return &models.PayResponse{BookingID: b.ID, Status: existing.Status, BookingStatus: b.Status, PaymentReference: existing.ID, ClientSecret: existing.ClientSecret}, nil
			case existing.Status == models.PaymentRequiresAction:
				// Voided only once the replacement is on record, so its
				// cancellation webhook reads as stale.
				superseded = existing.ID
			}
		} else {
			s.Logger.Warn("PAYMENT", fmt.Sprintf("Could not load existing intent %s for booking %s: %v", b.PaymentRef, b.ID, err))
		}
	}

	intent, err := s.Gateway.CreateIntent(ctx, payment.IntentRequest{
		BookingID:       b.ID,
		UserID:          b.UserID,
		Reference:       b.Reference,
		Amount:          b.TotalAmount,
		Currency:        b.Currency,
		PaymentMethodID: req.PaymentMethodID,
		ReturnURL:       req.ReturnURL,
		Supersedes:      b.PaymentRef,
	})
	if err != nil {
		metrics.TrackPaymentIntent("error")
		s.Logger.LogPayment("GATEWAY_ERROR", b.ID, err.Error())
		if _, cerr := s.terminate(ctx, b.ID, models.StatusPending, models.StatusCancelled, nil); cerr != nil {
			s.Logger.Error("BOOKING", fmt.Sprintf("Failed to cancel booking %s after gateway error: %v", b.ID, cerr))
		}
		s.voidIntent(ctx, b.ID, superseded)
		return nil, err
	}
	metrics.TrackPaymentIntent(string(intent.Status))

	switch intent.Status {
	case models.PaymentSucceeded:
		resp, err := s.settleIntent(ctx, b, intent)
		s.voidIntent(ctx, b.ID, superseded)
		return resp, err

	case models.PaymentRequiresAction:
		if err := s.Ledger.SetPaymentRef(ctx, s.Ledger.Bun, b.ID, intent.ID, s.now()); err != nil {
			s.voidIntent(ctx, b.ID, intent.ID)
			s.voidIntent(ctx, b.ID, superseded)
			return nil, err
		}
		s.voidIntent(ctx, b.ID, superseded)
		s.Logger.LogPayment("REQUIRES_ACTION", b.ID, intent.ID)
		return &models.PayResponse{BookingID: b.ID, Status: intent.Status, BookingStatus: models.StatusPending, PaymentReference: intent.ID, ClientSecret: intent.ClientSecret}, nil

	default:
		s.Logger.LogPayment("FAILED", b.ID, intent.FailureReason)
		cancelled, err := s.terminate(ctx, b.ID, models.StatusPending, models.StatusCancelled, nil)
		s.voidIntent(ctx, b.ID, superseded)
		if err != nil {
			return nil, err
		}
		return &models.PayResponse{BookingID: b.ID, Status: models.PaymentFailed, BookingStatus: cancelled.Status, PaymentReference: intent.ID}, nil
	}
}

// voidIntent cancels an intent the booking no longer waits on.
func (s *Service) voidIntent(ctx context.Context, bookingID, intentID string) {
	if intentID == "" {
		return
	}
	if err := s.Gateway.CancelIntent(ctx, intentID); err != nil {
		s.Logger.Warn("PAYMENT", fmt.Sprintf("Failed to void intent %s for booking %s: %v", intentID, bookingID, err))
		return
	}
	s.Logger.LogPayment("VOIDED", bookingID, intentID)
}

func (s *Service) settleIntent(ctx context.Context, b *models.Booking, intent *payment.Intent) (*models.PayResponse, error) {
	if err := s.verifyIntent(b, intent); err != nil {
		return nil, err
	}
	confirmed, err := s.settleConfirmed(ctx, b.ID, intent.ID)
	if err != nil {
		return nil, err
	}
	return &models.PayResponse{BookingID: b.ID, Status: models.PaymentSucceeded, BookingStatus: confirmed.Status, PaymentReference: intent.ID}, nil
}

// verifyIntent checks that a settled intent pays for exactly this booking.
func (s *Service) verifyIntent(b *models.Booking, intent *payment.Intent) error {
	if intent.Status != models.PaymentSucceeded {
		return fmt.Errorf("intent %s is %s: %w", intent.ID, intent.Status, models.ErrPaymentMismatch)
	}
	if intent.BookingID != "" && intent.BookingID != b.ID {
		return fmt.Errorf("intent %s belongs to booking %s: %w", intent.ID, intent.BookingID, models.ErrPaymentMismatch)
	}
	if want := payment.ToMinor(b.TotalAmount); intent.AmountMinor != want {
		return fmt.Errorf("intent %s amount %d, booking expects %d: %w", intent.ID, intent.AmountMinor, want, models.ErrPaymentMismatch)
	}
	return nil
}

// ---------------- CONFIRM ----------------

// Confirm settles a Pending booking with a payment reference the gateway
// reports as succeeded for the booking's amount. Replaying the reference that
// already confirmed the booking is a no-op success.
func (s *Service) Confirm(ctx context.Context, userID, bookingID, paymentRef string) (*models.Booking, error) {
	b, err := s.Ledger.FindOwned(ctx, s.Ledger.Bun, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status == models.StatusConfirmed && b.PaymentRef == paymentRef {
		s.Logger.LogBooking("CONFIRM_REPLAY", b.ID, paymentRef)
		return b, nil
	}
	if b.Status != models.StatusPending {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
	}

	intent, err := s.Gateway.GetIntent(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("payment %s: %w", paymentRef, models.ErrPaymentMismatch)
		}
		return nil, err
	}
	if err := s.verifyIntent(b, intent); err != nil {
		return nil, err
	}
	return s.settleConfirmed(ctx, b.ID, paymentRef)
}

// ApplyPaymentOutcome resolves a booking from a verified webhook relayed by
// the payment service. Outcomes are at-least-once, so every branch tolerates
// replays.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, outcome models.PaymentOutcome) error {
	b, err := s.Ledger.GetByID(ctx, s.Ledger.Bun, outcome.BookingID)
	if err != nil {
		return err
	}
	if outcome.UserID != "" && outcome.UserID != b.UserID {
		return fmt.Errorf("outcome for booking %s names user %s: %w", b.ID, outcome.UserID, models.ErrForbidden)
	}

	switch outcome.Status {
	case models.PaymentSucceeded:
		if b.Status == models.StatusConfirmed && b.PaymentRef == outcome.Reference {
			return nil
		}
		if b.Status != models.StatusPending {
			// Money was taken for a booking that is no longer held.
			s.Logger.Error("PAYMENT", fmt.Sprintf("Payment %s succeeded for booking %s in status %s; refund required", outcome.Reference, b.ID, b.Status))
			return fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
		}
		if outcome.Currency != "" && outcome.Currency != b.Currency {
			return fmt.Errorf("currency %s, booking expects %s: %w", outcome.Currency, b.Currency, models.ErrPaymentMismatch)
		}
		intent := &payment.Intent{ID: outcome.Reference, Status: outcome.Status, AmountMinor: outcome.AmountMinor, BookingID: outcome.BookingID}
		if err := s.verifyIntent(b, intent); err != nil {
			return err
		}
		_, err := s.settleConfirmed(ctx, b.ID, outcome.Reference)
		return err

	case models.PaymentFailed:
		if b.Status != models.StatusPending {
			s.Logger.LogPayment("FAILED_IGNORED", b.ID, fmt.Sprintf("booking already %s", b.Status))
			return nil
		}
		if b.PaymentRef != "" && b.PaymentRef != outcome.Reference {
			// A superseded attempt failed; the current one is still open.
			s.Logger.LogPayment("FAILED_STALE", b.ID, outcome.Reference)
			return nil
		}
		_, err := s.terminate(ctx, b.ID, models.StatusPending, models.StatusCancelled, nil)
		if errors.Is(err, models.ErrInvalidState) {
			return nil
		}
		return err
	}
	return nil
}

// settleConfirmed moves Pending → Confirmed and credits the booking's points
// in one transaction.
func (s *Service) settleConfirmed(ctx context.Context, bookingID, paymentRef string) (*models.Booking, error) {
	var b *models.Booking
	var lines []models.BookingLine
	replay := false

	err := s.withRetry(ctx, "confirm", func(ctx context.Context, tx bun.Tx) error {
		replay = false
		var err error
		b, err = s.Ledger.GetByID(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status == models.StatusConfirmed && b.PaymentRef == paymentRef {
			replay = true
			return nil
		}
		now := s.now()
		if err := s.Ledger.MarkConfirmed(ctx, tx, bookingID, paymentRef, now); err != nil {
			return err
		}
		if err := s.Loyalty.Credit(ctx, tx, b.UserID, b.LoyaltyPoints, now); err != nil {
			return err
		}
		b.Status = models.StatusConfirmed
		b.PaymentRef = paymentRef
		b.PointsCredited = true
		b.ConfirmedAt = now
		b.UpdatedAt = now
		lines, err = s.Ledger.GetLines(ctx, tx, bookingID)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			s.Logger.Error("PAYMENT", fmt.Sprintf("Payment %s succeeded but booking %s could not be confirmed; refund required", paymentRef, bookingID))
		}
		return nil, err
	}
	if replay {
		return b, nil
	}

	metrics.TrackTransition(string(models.StatusConfirmed))
	s.Logger.LogBooking("CONFIRMED", b.ID, fmt.Sprintf("payment=%s points=%d", paymentRef, b.LoyaltyPoints))
	s.clearHold(ctx, b.ID)
	s.announce(ctx, models.EventBookingConfirmed, *b, lines)
	return b, nil
}

// ---------------- CANCEL ----------------

// Cancel handles a customer cancellation. An unpaid Pending booking is
// Released; one with a payment attempt is Cancelled and the intent voided. A
// Confirmed booking may be cancelled only while its earliest event is more
// than the cancellation window away.
func (s *Service) Cancel(ctx context.Context, userID, bookingID string) (*models.Booking, error) {
	b, err := s.Ledger.FindOwned(ctx, s.Ledger.Bun, bookingID, userID)
	if err != nil {
		return nil, err
	}

	if b.Status == models.StatusPending && b.PaymentRef != "" {
		intent, err := s.Gateway.GetIntent(ctx, b.PaymentRef)
		if err != nil {
			return nil, err
		}
		if intent.Status == models.PaymentSucceeded {
			// Paid before the cancel arrived: settle first, then apply the
			// confirmed-booking rules below.
			if b, err = s.settleConfirmed(ctx, b.ID, intent.ID); err != nil {
				return nil, err
			}
		} else if err := s.Gateway.CancelIntent(ctx, b.PaymentRef); err != nil {
			return nil, err
		}
	}

	switch b.Status {
	case models.StatusPending:
		target := models.StatusReleased
		if b.PaymentRef != "" {
			target = models.StatusCancelled
		}
		return s.terminate(ctx, b.ID, models.StatusPending, target, nil)

	case models.StatusConfirmed:
		return s.terminate(ctx, b.ID, models.StatusConfirmed, models.StatusCancelled, s.checkCancellationWindow)

	default:
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
	}
}

func (s *Service) checkCancellationWindow(ctx context.Context, tx bun.Tx, b *models.Booking) error {
	earliest, err := s.Ledger.EarliestEventStart(ctx, tx, b.ID)
	if err != nil {
		return err
	}
	if !earliest.After(s.now().Add(s.opts.CancellationWindow)) {
		return fmt.Errorf("event starts %s: %w", earliest.Format(time.RFC3339), models.ErrCancellationWindowClosed)
	}
	return nil
}

// terminate moves a booking from → to (Cancelled or Released), returns every
// line's quantity to stock and takes back credited points, all in one
// transaction. check runs inside the transaction before anything is written.
func (s *Service) terminate(ctx context.Context, bookingID string, from, to models.BookingStatus, check func(context.Context, bun.Tx, *models.Booking) error) (*models.Booking, error) {
	var b *models.Booking
	var lines []models.BookingLine

	err := s.withRetry(ctx, "terminate", func(ctx context.Context, tx bun.Tx) error {
		var err error
		b, err = s.Ledger.GetByID(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != from {
			return fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
		}
		if check != nil {
			if err := check(ctx, tx, b); err != nil {
				return err
			}
		}

		now := s.now()
		if to == models.StatusReleased {
			err = s.Ledger.MarkReleased(ctx, tx, b.ID, now)
		} else {
			err = s.Ledger.MarkCancelled(ctx, tx, b.ID, from, now)
		}
		if err != nil {
			return err
		}

		lines, err = s.Ledger.GetLines(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		sorted := append([]models.BookingLine(nil), lines...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TicketTypeID < sorted[j].TicketTypeID })
		for _, l := range sorted {
			if err := s.Inventory.Release(ctx, tx, l.TicketTypeID, l.Quantity); err != nil {
				return err
			}
		}

		if b.PointsCredited {
			if err := s.Loyalty.Debit(ctx, tx, b.UserID, b.LoyaltyPoints, now); err != nil {
				return err
			}
		}

		b.Status = to
		b.PointsCredited = false
		b.CancelledAt = now
		b.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, l := range lines {
		s.Logger.LogInventory("RELEASED", l.TicketTypeID, l.Quantity)
	}
	metrics.TrackTransition(string(to))
	s.Logger.LogBooking(string(to), b.ID, fmt.Sprintf("from %s", from))
	s.clearHold(ctx, b.ID)

	evType := models.EventBookingCancelled
	if to == models.StatusReleased {
		evType = models.EventBookingReleased
	}
	s.announce(ctx, evType, *b, lines)
	return b, nil
}

// ---------------- EXPIRY ----------------

// ExpireBooking releases a Pending booking whose hold has run out. A booking
// that has already left Pending, or whose hold is still running, is left
// alone. An intent that succeeded in the meantime confirms the booking instead.
func (s *Service) ExpireBooking(ctx context.Context, bookingID string) error {
	b, err := s.Ledger.GetByID(ctx, s.Ledger.Bun, bookingID)
	if err != nil {
		return err
	}
	if b.Status != models.StatusPending || s.now().Before(b.HoldExpiresAt) {
		return nil
	}

	if b.PaymentRef != "" {
		intent, err := s.Gateway.GetIntent(ctx, b.PaymentRef)
		if err != nil {
			return err
		}
		if intent.Status == models.PaymentSucceeded && s.verifyIntent(b, intent) == nil {
			_, err := s.settleConfirmed(ctx, b.ID, intent.ID)
			return err
		}
		if err := s.Gateway.CancelIntent(ctx, b.PaymentRef); err != nil {
			return err
		}
	}

	_, err = s.terminate(ctx, b.ID, models.StatusPending, models.StatusReleased, nil)
	if errors.Is(err, models.ErrInvalidState) {
		return nil
	}
	return err
}

// ReleaseExpired sweeps Pending bookings whose hold ended before now and
// returns how many were released. Failures are logged and retried next sweep.
func (s *Service) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.Ledger.ListExpiredPending(ctx, s.Ledger.Bun, now, s.opts.ReaperBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, b := range expired {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		if err := s.ExpireBooking(ctx, b.ID); err != nil {
			s.Logger.Error("REAPER", fmt.Sprintf("Failed to release booking %s: %v", b.ID, err))
			continue
		}
		current, err := s.Ledger.GetByID(ctx, s.Ledger.Bun, b.ID)
		if err == nil && current.Status == models.StatusReleased {
			released++
			metrics.TrackReaperRelease()
		}
	}
	return released, nil
}

// ---------------- READS ----------------

func (s *Service) Get(ctx context.Context, userID, bookingID string) (*models.BookingWithLines, error) {
	b, err := s.Ledger.FindOwned(ctx, s.Ledger.Bun, bookingID, userID)
	if err != nil {
		return nil, err
	}
	lines, err := s.Ledger.GetLines(ctx, s.Ledger.Bun, b.ID)
	if err != nil {
		return nil, err
	}
	view := models.NewBookingWithLines(*b, lines)
	return &view, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]models.Booking, error) {
	return s.Ledger.ListByUser(ctx, s.Ledger.Bun, userID)
}

func (s *Service) TicketAvailability(ctx context.Context, ticketTypeID string) (*models.TicketAvailability, error) {
	tt, err := s.Inventory.Get(ctx, s.Ledger.Bun, ticketTypeID)
	if err != nil {
		return nil, err
	}
	a := tt.Availability()
	return &a, nil
}

// ---------------- TICKETS ----------------

// Redeem checks in one booking line at the gate. Each line is redeemable once
// and only while its booking is Confirmed.
func (s *Service) Redeem(ctx context.Context, staffID, token string) (*models.RedeemResponse, error) {
	if staffID == "" {
		return nil, models.ErrForbidden
	}
	claims, err := s.Tokens.Open(token)
	if err != nil {
		return nil, err
	}
	line, err := s.Ledger.GetLineByID(ctx, s.Ledger.Bun, claims.LineID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidToken
		}
		return nil, err
	}
	if line.BookingID != claims.BookingID {
		return nil, models.ErrInvalidToken
	}

	b, err := s.Ledger.GetByID(ctx, s.Ledger.Bun, line.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
	}

	now := s.now()
	if err := s.Ledger.MarkLineRedeemed(ctx, s.Ledger.Bun, line.ID, token, now); err != nil {
		return nil, err
	}
	s.Logger.LogBooking("REDEEMED", b.ID, fmt.Sprintf("line=%s qty=%d staff=%s", line.ID, line.Quantity, staffID))

	return &models.RedeemResponse{
		BookingID:    b.ID,
		LineID:       line.ID,
		TicketTypeID: line.TicketTypeID,
		Quantity:     line.Quantity,
		RedeemedAt:   now,
	}, nil
}

// TicketQR renders the redemption token of one line of a Confirmed booking.
func (s *Service) TicketQR(ctx context.Context, userID, bookingID, lineID string) ([]byte, error) {
	b, err := s.Ledger.FindOwned(ctx, s.Ledger.Bun, bookingID, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, models.ErrInvalidState)
	}
	line, err := s.Ledger.GetLineByID(ctx, s.Ledger.Bun, lineID)
	if err != nil {
		return nil, err
	}
	if line.BookingID != b.ID {
		return nil, fmt.Errorf("line %s: %w", lineID, models.ErrNotFound)
	}
	return s.Tokens.Render(line.RedemptionToken)
}

// ---------------- HELPERS ----------------

// withRetry runs fn in a transaction, retrying once on a storage conflict. A
// second conflict is reported as InvalidState so callers re-read the booking.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context, tx bun.Tx) error) error {
	err := s.Ledger.RunInTx(ctx, fn)
	if !errors.Is(err, models.ErrStorageConflict) {
		return err
	}

	metrics.TrackStorageConflict()
	s.Logger.Warn("BOOKING", fmt.Sprintf("Storage conflict during %s, retrying: %v", op, err))
	err = s.Ledger.RunInTx(ctx, fn)
	if errors.Is(err, models.ErrStorageConflict) {
		return fmt.Errorf("%s: %v: %w", op, err, models.ErrInvalidState)
	}
	return err
}

func (s *Service) clearHold(ctx context.Context, bookingID string) {
	if s.Holds == nil {
		return
	}
	if err := s.Holds.Clear(ctx, bookingID); err != nil {
		s.Logger.Warn("REDIS", fmt.Sprintf("Failed to clear hold for booking %s: %v", bookingID, err))
	}
}

// announce publishes a committed transition. Delivery failures are logged;
// the database remains the source of truth.
func (s *Service) announce(ctx context.Context, t models.BookingEventType, b models.Booking, lines []models.BookingLine) {
	ev := models.NewBookingEvent(t, b, lines, s.now())
	if s.Events != nil {
		if err := s.Events.PublishBookingEvent(ctx, ev); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for booking %s: %v", t, b.ID, err))
		}
	}
	if s.Notifier != nil {
		s.Notifier.Emit(ev)
	}
}
