package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/courier"
	"github.com/example/fulfillment/internal/observability"
	"github.com/example/fulfillment/internal/payments"
	"github.com/example/fulfillment/internal/services"
)

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	orders *services.OrderService
	logger *zap.Logger
}

// NewWebhookHandler constructs WebhookHandler.
func NewWebhookHandler(orders *services.OrderService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{orders: orders, logger: observability.OrNop(logger).Named("webhooks")}
}

// Payment handles POST /webhooks/payments/:gateway. Anything that is not a
// signature or parse failure is acknowledged with 200.
func (h *WebhookHandler) Payment(c *fiber.Ctx) error {
	gateway := c.Params("gateway")

	headers := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})

	result, err := h.orders.IngestPaymentWebhook(c.UserContext(), gateway, c.Body(), headers)
	if err != nil {
		log := h.logger.With(zap.String("gateway", gateway), zap.Error(err))
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			log.Warn("payment webhook rejected")
			return fiber.NewError(fiber.StatusUnauthorized, "invalid signature")
		case errors.Is(err, payments.ErrMalformedCallback):
			log.Warn("payment webhook malformed")
			return fiber.NewError(fiber.StatusBadRequest, "malformed payload")
		case errors.Is(err, payments.ErrUnsupportedGateway):
			return fiber.NewError(fiber.StatusNotFound, "unknown gateway")
		}
		log.Error("payment webhook failed")
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// Courier handles POST /webhooks/courier. The signature is checked by
// middleware; the integration handshake answers 202.
func (h *WebhookHandler) Courier(c *fiber.Ctx) error {
	result, err := h.orders.IngestCourierWebhook(c.UserContext(), c.Body())
	if err != nil {
		if errors.Is(err, courier.ErrMalformedWebhook) {
			h.logger.Warn("courier webhook malformed", zap.Error(err))
			return fiber.NewError(fiber.StatusBadRequest, "malformed payload")
		}
		h.logger.Error("courier webhook failed", zap.Error(err))
		return err
	}

	status := fiber.StatusOK
	if result.Status == services.WebhookIntegration {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}
