package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/example/fulfillment/internal/localization"
)

// ShippingHandler answers checkout pricing questions from the localization policy.
type ShippingHandler struct {
	policy *localization.Policy
}

// NewShippingHandler constructs ShippingHandler.
func NewShippingHandler(policy *localization.Policy) *ShippingHandler {
	return &ShippingHandler{policy: policy}
}

// Quote handles GET /shipping/quote?region=&subtotal=.
func (h *ShippingHandler) Quote(c *fiber.Ctx) error {
	subtotal := decimal.Zero
	if raw := c.Query("subtotal"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.IsNegative() {
			return fiber.NewError(fiber.StatusBadRequest, "invalid subtotal")
		}
		subtotal = parsed
	}

	row := h.policy.Region(c.Query("region"))
	shipping := h.policy.ShippingCost(subtotal, row.Region)
	total := subtotal.Add(shipping)

	data := fiber.Map{
		"region":                  row.Region,
		"currency":                row.Currency,
		"subtotal":                subtotal,
		"shipping_cost":           shipping,
		"total":                   total,
		"free_shipping_threshold": row.FreeShippingThreshold,
		"delivery_estimate":       h.policy.DeliveryEstimate(row.Region),
		"partial_payment_allowed": h.policy.IsPartialPaymentAllowed(row.Region),
	}
	if h.policy.IsPartialPaymentAllowed(row.Region) {
		data["partial_percentage"] = h.policy.PartialPaymentPercentage(row.Region)
		data["partial_payment"] = h.policy.RequiredPayment(total, row.Region, true)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}
