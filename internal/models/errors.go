package models

import "errors"

// Workflow failures. Handlers translate these with errors.Is, so lower layers
// must wrap rather than replace them.
var (
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrInvalidState             = errors.New("invalid booking state")
	ErrNotFound                 = errors.New("not found")
	ErrForbidden                = errors.New("forbidden")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrGateway                  = errors.New("payment gateway error")
	ErrStorageConflict          = errors.New("storage conflict")
	ErrPaymentMismatch          = errors.New("payment does not match booking")
	ErrAlreadyRedeemed          = errors.New("ticket already redeemed")
	ErrInvalidToken             = errors.New("invalid redemption token")
	ErrInvalidQuantity          = errors.New("quantity must be positive")
)
