package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/fulfillment/internal/courier"
)

// Courier webhook headers.
const (
	CourierSignatureHeader   = "X-PATHAO-Signature"
	CourierIntegrationHeader = "X-Pathao-Merchant-Webhook-Integration-Secret"
)

// CourierWebhookMiddleware rejects courier callbacks without the shared
// secret and echoes the integration header on every accepted request.
func CourierWebhookMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !courier.VerifySignature(secret, c.Get(CourierSignatureHeader)) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid webhook signature")
		}
		c.Set(CourierIntegrationHeader, secret)
		return c.Next()
	}
}
