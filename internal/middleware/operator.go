package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/fulfillment/internal/utils"
)

// OperatorKeyHeader carries the admin tooling key.
const OperatorKeyHeader = "X-Operator-Key"

// OperatorMiddleware admits requests whose X-Operator-Key matches the
// configured bcrypt hash. An empty hash locks the admin routes.
func OperatorMiddleware(keyHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(OperatorKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing operator key")
		}
		if keyHash == "" || !utils.CheckKey(keyHash, key) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid operator key")
		}
		return c.Next()
	}
}
