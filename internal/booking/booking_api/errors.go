package booking_api

import (
	"errors"
	"net/http"

	"ticket-reservation/internal/models"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{models.ErrInsufficientStock, http.StatusConflict, "INSUFFICIENT_STOCK"},
	{models.ErrCancellationWindowClosed, http.StatusForbidden, "CANCELLATION_WINDOW_CLOSED"},
	{models.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{models.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{models.ErrPaymentMismatch, http.StatusConflict, "PAYMENT_MISMATCH"},
	{models.ErrAlreadyRedeemed, http.StatusConflict, "ALREADY_REDEEMED"},
	{models.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{models.ErrGateway, http.StatusBadGateway, "PAYMENT_GATEWAY_ERROR"},
	{models.ErrInvalidQuantity, http.StatusBadRequest, "INVALID_QUANTITY"},
	{models.ErrInvalidToken, http.StatusBadRequest, "INVALID_TOKEN"},
}

// statusFor maps a workflow error to its HTTP status and error code. Anything
// unrecognized is an internal error.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
