// Package payments adapts hosted payment gateways to one normalized contract.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the normalized payment states shared across gateways.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrInvalidSignature is returned when a callback fails authentication.
	ErrInvalidSignature = errors.New("payments: invalid callback signature")
	// ErrMalformedCallback is returned when a callback body cannot be parsed.
	ErrMalformedCallback = errors.New("payments: malformed callback")
	// ErrIgnoredEvent marks a well-formed callback that carries no payment outcome.
	ErrIgnoredEvent = errors.New("payments: event ignored")
	// ErrTransactionNotFound is returned when the gateway has no record of the reference.
	ErrTransactionNotFound = errors.New("payments: transaction not found")
	// ErrTimeout is returned when the gateway did not answer within the deadline.
	ErrTimeout = errors.New("payments: gateway timeout")
)

// Customer carries the billing contact forwarded to hosted checkouts.
type Customer struct {
	Name    string
	Email   string
	Phone   string
	Address string
	City    string
	Country string
}

// IntentRequest describes the payment the customer is asked to make.
type IntentRequest struct {
	TransactionID  string
	OrderID        string
	OrderNumber    string
	Amount         decimal.Decimal
	Currency       string
	Customer       Customer
	ProductName    string
	ItemCount      int
	Metadata       map[string]string
	IdempotencyKey string
}

// IntentHandle is what the client needs to complete payment.
type IntentHandle struct {
	Gateway       string
	TransactionID string
	RedirectURL   string
	ClientSecret  string
	Raw           map[string]any
}

// NormalizedResult is a gateway outcome in gateway-independent form.
type NormalizedResult struct {
	Gateway       string
	TransactionID string
	ValidationID  string
	Status        Status
	Amount        decimal.Decimal
	Currency      string
	Method        string
	// NeedsValidation is set when the outcome came from an unauthenticated
	// channel and must be confirmed through Verify before it is trusted.
	NeedsValidation bool
	OccurredAt      time.Time
	Raw             map[string]any
}

// Gateway is implemented by each payment provider adapter.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (IntentHandle, error)
	// Verify queries the gateway for the authoritative state of a transaction.
	Verify(ctx context.Context, transactionID string) (NormalizedResult, error)
	ParseCallback(body []byte, headers http.Header) (NormalizedResult, error)
}

// GatewayError captures a failed provider call.
type GatewayError struct {
	Gateway    string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{e.Gateway, e.Op}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Satisfies reports whether a result pays at least expected in the given currency.
func Satisfies(result NormalizedResult, expected decimal.Decimal, currency string) bool {
	if result.Status != StatusSucceeded {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(result.Currency), strings.TrimSpace(currency)) {
		return false
	}
	return result.Amount.GreaterThanOrEqual(expected)
}

var zeroDecimalCurrencies = map[string]struct{}{
	"JPY": {}, "KRW": {}, "VND": {}, "CLP": {}, "PYG": {}, "UGX": {}, "XAF": {}, "XOF": {},
}

// ToMinorUnits converts an amount to the smallest currency unit.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
