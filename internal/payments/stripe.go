package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeName is the registration key of the Stripe gateway.
const StripeName = "stripe"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Intents       stripePaymentIntentAPI
}

// Stripe implements Gateway using PaymentIntents.
type Stripe struct {
	intents       stripePaymentIntentAPI
	webhookSecret string
}

// NewStripe constructs the gateway using the given configuration.
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	intents := cfg.Intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	return &Stripe{intents: intents, webhookSecret: secret}, nil
}

func (g *Stripe) Name() string { return StripeName }

// CreateIntent creates a PaymentIntent for the requested amount.
func (g *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (IntentHandle, error) {
	currency := strings.ToLower(req.Currency)
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("order_number", req.OrderNumber)
	if req.TransactionID != "" {
		params.AddMetadata("reference", req.TransactionID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return IntentHandle{}, stripeError("create_intent", err)
	}
	return IntentHandle{
		Gateway:       StripeName,
		TransactionID: intent.ID,
		ClientSecret:  intent.ClientSecret,
		Raw:           map[string]any{"status": string(intent.Status)},
	}, nil
}

// Verify looks up the PaymentIntent.
func (g *Stripe) Verify(ctx context.Context, transactionID string) (NormalizedResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.intents.Get(transactionID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return NormalizedResult{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return NormalizedResult{}, stripeError("verify", err)
	}
	return stripeResult(intent), nil
}

// ParseCallback checks the Stripe-Signature header and extracts the PaymentIntent.
func (g *Stripe) ParseCallback(body []byte, headers http.Header) (NormalizedResult, error) {
	event, err := webhook.ConstructEventWithOptions(body, headers.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return NormalizedResult{}, ErrInvalidSignature
		}
		return NormalizedResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.processing":
	default:
		return NormalizedResult{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}
	if event.Data == nil {
		return NormalizedResult{}, fmt.Errorf("%w: missing data", ErrMalformedCallback)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return NormalizedResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if intent.ID == "" {
		return NormalizedResult{}, fmt.Errorf("%w: missing payment intent id", ErrMalformedCallback)
	}

	result := stripeResult(&intent)
	if event.Created > 0 {
		result.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	return result, nil
}

func stripeResult(intent *stripe.PaymentIntent) NormalizedResult {
	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			status = StatusFailed
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	amount := intent.AmountReceived
	if amount == 0 && status != StatusSucceeded {
		amount = intent.Amount
	}

	method := ""
	if intent.PaymentMethod != nil {
		method = string(intent.PaymentMethod.Type)
	}

	var occurred time.Time
	if intent.Created > 0 {
		occurred = time.Unix(intent.Created, 0).UTC()
	}

	return NormalizedResult{
		Gateway:       StripeName,
		TransactionID: intent.ID,
		Status:        status,
		Amount:        FromMinorUnits(amount, currency),
		Currency:      currency,
		Method:        method,
		OccurredAt:    occurred,
		Raw: map[string]any{
			"status":   string(intent.Status),
			"metadata": intent.Metadata,
		},
	}
}

func stripeError(op string, err error) error {
	gerr := &GatewayError{Gateway: StripeName, Op: op, Err: err}
	var se *stripe.Error
	if errors.As(err, &se) {
		gerr.StatusCode = se.HTTPStatusCode
		gerr.Code = string(se.Code)
		gerr.Message = se.Msg
	}
	if isTimeout(err) {
		gerr.Err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return gerr
}
