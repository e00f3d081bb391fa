package courier

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the normalized courier vocabulary.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPickedUp       Status = "picked_up"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
	// StatusUnknown marks informational events that move nothing.
	StatusUnknown Status = ""
)

// IntegrationEvent is sent once when the webhook URL is registered.
const IntegrationEvent = "webhook_integration"

// ErrMalformedWebhook is returned for bodies that cannot be parsed.
var ErrMalformedWebhook = errors.New("courier: malformed webhook")

var eventStatus = map[string]Status{
	"order.created":                   StatusPending,
	"order.updated":                   StatusPending,
	"order.pickup-requested":          StatusPending,
	"order.assigned-for-pickup":       StatusPending,
	"order.picked":                    StatusPickedUp,
	"order.at-the-sorting-hub":        StatusInTransit,
	"order.in-transit":                StatusInTransit,
	"order.received-at-last-mile-hub": StatusInTransit,
	"order.assigned-for-delivery":     StatusOutForDelivery,
	"order.delivered":                 StatusDelivered,
	"order.partial-delivery":          StatusDelivered,
	"order.pickup-cancelled":          StatusCancelled,
	"order.returned":                  StatusCancelled,
	"order.paid-return":               StatusCancelled,
	"order.pickup-failed":             StatusFailed,
	"order.delivery-failed":           StatusFailed,
}

// NormalizeEvent maps a provider event name onto Status.
func NormalizeEvent(event string) Status {
	return eventStatus[strings.ToLower(strings.TrimSpace(event))]
}

// WebhookEvent is a parsed courier callback.
type WebhookEvent struct {
	Event           string
	ConsignmentID   string
	MerchantOrderID string
	Status          Status
	Reason          string
	Location        string
	DeliveryFee     *decimal.Decimal
	Timestamp       time.Time
}

// IsIntegration reports whether this is the registration handshake.
func (e WebhookEvent) IsIntegration() bool { return e.Event == IntegrationEvent }

type webhookPayload struct {
	Event           string           `json:"event"`
	ConsignmentID   string           `json:"consignment_id"`
	MerchantOrderID string           `json:"merchant_order_id"`
	UpdatedAt       string           `json:"updated_at"`
	Timestamp       string           `json:"timestamp"`
	Reason          string           `json:"reason"`
	HubName         string           `json:"hub_name"`
	DeliveryFee     *decimal.Decimal `json:"delivery_fee"`
}

// ParseWebhook decodes a courier callback body.
func ParseWebhook(raw []byte) (WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	p.Event = strings.ToLower(strings.TrimSpace(p.Event))
	if p.Event == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing event", ErrMalformedWebhook)
	}
	if p.Event == IntegrationEvent {
		return WebhookEvent{Event: p.Event}, nil
	}
	if p.ConsignmentID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing consignment_id", ErrMalformedWebhook)
	}

	ts := parseTimestamp(p.Timestamp)
	if ts.IsZero() {
		ts = parseTimestamp(p.UpdatedAt)
	}

	return WebhookEvent{
		Event:           p.Event,
		ConsignmentID:   p.ConsignmentID,
		MerchantOrderID: p.MerchantOrderID,
		Status:          NormalizeEvent(p.Event),
		Reason:          p.Reason,
		Location:        p.HubName,
		DeliveryFee:     p.DeliveryFee,
		Timestamp:       ts,
	}, nil
}

// VerifySignature compares the X-PATHAO-Signature header with the shared secret.
func (c *Client) VerifySignature(signature string) bool {
	return VerifySignature(c.cfg.WebhookSecret, signature)
}

// WebhookSecret is echoed back on the integration handshake.
func (c *Client) WebhookSecret() string { return c.cfg.WebhookSecret }

// VerifySignature compares a presented signature with secret in constant time.
func VerifySignature(secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(signature)) == 1
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
