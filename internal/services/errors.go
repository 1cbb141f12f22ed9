package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrProductUnavailable = errors.New("product is no longer available")
	ErrOrderNotFound      = errors.New("order not found")
	ErrIntentMismatch     = errors.New("payment intent does not match order")
	ErrInvalidSignature   = errors.New("invalid payment signature")
	ErrOrderNotPayable    = errors.New("order can no longer be paid")
	ErrAmountMismatch     = errors.New("captured amount does not match order total")
	ErrCancelNotAllowed   = errors.New("order can no longer be cancelled")
)

// IntentPendingError reports an order that was created but has no payment
// intent yet because the gateway failed. The order stays pending with its
// stock reserved and the intent can be requested again.
type IntentPendingError struct {
	OrderID     uuid.UUID
	OrderNumber string
	Err         error
}

func (e *IntentPendingError) Error() string {
	return fmt.Sprintf("order %s created without payment intent: %v", e.OrderNumber, e.Err)
}

func (e *IntentPendingError) Unwrap() error {
	return e.Err
}
