package services

import "errors"

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrOrderNotFound          = errors.New("order not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrIssueNotFound          = errors.New("reconciliation issue not found")
	ErrCourierAlreadyAssigned = errors.New("courier already assigned")
	ErrInvalidTransition      = errors.New("invalid order status transition")
	ErrPaymentUnverified      = errors.New("payment not verified")
	// ErrOutcomeUnknown means the gateway did not answer in time; the order
	// is untouched and ReconcilePayment can settle it later.
	ErrOutcomeUnknown = errors.New("payment outcome unknown")
)
