package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/localization"
	"github.com/example/fulfillment/internal/models"
	"github.com/example/fulfillment/internal/observability"
)

// NotificationEvent is an order transition customers are told about.
type NotificationEvent string

const (
	EventConfirmed      NotificationEvent = "confirmed"
	EventOutForDelivery NotificationEvent = "out_for_delivery"
	EventDelivered      NotificationEvent = "delivered"
	EventCancelled      NotificationEvent = "cancelled"
)

// NotificationResult reports what happened to one notification.
type NotificationResult struct {
	Event     NotificationEvent `json:"event"`
	Sent      bool              `json:"sent"`
	MessageID string            `json:"message_id,omitempty"`
	Message   string            `json:"message"`
	Error     string            `json:"error,omitempty"`
}

// SMSSender sends one text message.
type SMSSender interface {
	Send(ctx context.Context, phone, message string) (SMSResult, error)
}

// AdminNotifier mirrors order events to operators.
type AdminNotifier interface {
	NotifyOrderEvent(ctx context.Context, order *models.Order, event NotificationEvent) error
}

// NotificationService renders templates and dispatches them best-effort.
type NotificationService struct {
	sms     SMSSender
	admin   AdminNotifier
	policy  *localization.Policy
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotificationService creates a NotificationService. sms and admin may be nil.
func NewNotificationService(sms SMSSender, admin AdminNotifier, policy *localization.Policy, logger *zap.Logger) *NotificationService {
	if policy == nil {
		policy = localization.Default()
	}
	return &NotificationService{
		sms:     sms,
		admin:   admin,
		policy:  policy,
		timeout: 10 * time.Second,
		logger:  observability.OrNop(logger).Named("notifications"),
	}
}

// Render returns the customer message for event.
func (s *NotificationService) Render(order *models.Order, event NotificationEvent) (string, bool) {
	name := order.ShippingAddress.Name
	if name == "" {
		name = "Customer"
	}
	switch event {
	case EventConfirmed:
		return fmt.Sprintf("Dear %s, your order %s is confirmed. We will let you know once it ships.", name, order.OrderNumber), true
	case EventOutForDelivery:
		window := s.policy.DeliveryEstimate(order.CustomerLocation)
		return fmt.Sprintf("Dear %s, your order %s is out for delivery. Expected within %s.", name, order.OrderNumber, window), true
	case EventDelivered:
		return fmt.Sprintf("Dear %s, your order %s has been delivered. Thank you for shopping with us.", name, order.OrderNumber), true
	case EventCancelled:
		return fmt.Sprintf("Dear %s, your order %s has been cancelled. Contact us if you have any questions.", name, order.OrderNumber), true
	}
	return "", false
}

// Notify sends the customer SMS and the operator copy. Failures are logged
// and reported in the result, never returned.
func (s *NotificationService) Notify(ctx context.Context, order *models.Order, event NotificationEvent) NotificationResult {
	res := NotificationResult{Event: event}
	message, ok := s.Render(order, event)
	if !ok {
		res.Error = "unknown notification event"
		return res
	}
	res.Message = message

	log := s.logger.With(
		zap.String("order_id", order.ID.String()),
		zap.String("event", string(event)),
	)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.admin != nil {
		if err := s.admin.NotifyOrderEvent(ctx, order, event); err != nil {
			log.Warn("operator notification failed", zap.Error(err))
		}
	}

	if s.sms == nil {
		res.Error = "sms not configured"
		return res
	}
	sent, err := s.sms.Send(ctx, order.ShippingAddress.Phone, message)
	switch {
	case err != nil:
		res.Error = err.Error()
		log.Warn("sms failed", zap.Error(err))
	case !sent.Success:
		res.Error = sent.Error
		log.Warn("sms rejected", zap.String("reason", sent.Error))
	default:
		res.Sent = true
		res.MessageID = sent.MessageID
		log.Info("sms sent", zap.String("message_id", sent.MessageID))
	}
	return res
}
