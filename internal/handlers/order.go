package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/fulfillment/internal/middleware"
	"github.com/example/fulfillment/internal/models"
	"github.com/example/fulfillment/internal/repository"
	"github.com/example/fulfillment/internal/services"
	"github.com/example/fulfillment/internal/utils"
)

// OrderHandler manages customer order endpoints.
type OrderHandler struct {
	orders *services.OrderService
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(orders *services.OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

type orderItemRequest struct {
	VariantID     string               `json:"variant_id"`
	Quantity      int                  `json:"quantity"`
	CustomOptions models.CustomOptions `json:"custom_options"`
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	ShippingAddress models.Address     `json:"shipping_address"`
	BillingAddress  *models.Address    `json:"billing_address"`
	Region          string             `json:"region"`
	PaymentMethod   string             `json:"payment_method"`
	PaymentType     string             `json:"payment_type"`
	TipAmount       decimal.Decimal    `json:"tip_amount"`
	Notes           string             `json:"notes"`
}

// CreateOrder allows authenticated users to place an order.
func (h *OrderHandler) CreateOrder(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	items := make([]services.CheckoutItem, 0, len(req.Items))
	for _, item := range req.Items {
		variantID, err := uuid.Parse(item.VariantID)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid variant_id")
		}
		items = append(items, services.CheckoutItem{
			VariantID:     variantID,
			Quantity:      item.Quantity,
			CustomOptions: item.CustomOptions,
		})
	}

	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}

	order, err := h.orders.CreateOrder(c.UserContext(), services.CreateOrderInput{
		UserID:          &userID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		Region:          req.Region,
		PaymentMethod:   req.PaymentMethod,
		PaymentType:     req.PaymentType,
		TipAmount:       req.TipAmount,
		Notes:           req.Notes,
	})
	if err != nil {
		return serviceError(err)
	}

	payment := order.Payments[0]
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"id":               order.ID,
			"order_number":     order.OrderNumber,
			"status":           order.Status,
			"placed_at":        order.PlacedAt,
			"subtotal":         order.Subtotal,
			"shipping_cost":    order.ShippingCost,
			"tip_amount":       order.TipAmount,
			"total":            order.Total,
			"currency":         order.Currency,
			"payment_method":   order.PaymentMethod,
			"payment_type":     order.PaymentType,
			"required_payment": payment.Amount,
			"transaction_id":   payment.TransactionID,
		},
	})
}

// ListOrders returns the current user's orders.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	pg := utils.ParsePagination(c)
	orders, total, err := h.orders.ListOrders(c.UserContext(), repository.OrderFilter{
		UserID: &userID,
		Status: models.OrderStatus(c.Query("status")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    orders,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// GetOrder returns one of the current user's orders with its tracking history.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	order, err := h.orders.GetOrder(c.UserContext(), orderID, &userID)
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    order,
	})
}

// CreatePaymentIntent opens a gateway session for the order's pending payment.
func (h *OrderHandler) CreatePaymentIntent(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	intent, err := h.orders.IssuePaymentIntent(c.UserContext(), orderID, &userID)
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    intent,
	})
}

type verifyPaymentRequest struct {
	Gateway       string `json:"gateway"`
	TransactionID string `json:"transaction_id"`
}

// VerifyPayment is called by the storefront after the gateway redirect.
func (h *OrderHandler) VerifyPayment(c *fiber.Ctx) error {
	var req verifyPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.TransactionID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "transaction_id is required")
	}

	order, err := h.orders.VerifyPayment(c.UserContext(), req.Gateway, req.TransactionID)
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"id":             order.ID,
			"order_number":   order.OrderNumber,
			"status":         order.Status,
			"payment_status": order.PaymentStatus,
			"amount_paid":    order.AmountPaid,
			"total":          order.Total,
			"currency":       order.Currency,
		},
	})
}
