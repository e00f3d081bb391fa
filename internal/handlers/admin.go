package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/fulfillment/internal/models"
	"github.com/example/fulfillment/internal/repository"
	"github.com/example/fulfillment/internal/services"
	"github.com/example/fulfillment/internal/utils"
)

// AdminHandler exposes operator actions on orders.
type AdminHandler struct {
	orders *services.OrderService
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(orders *services.OrderService) *AdminHandler {
	return &AdminHandler{orders: orders}
}

// ListAllOrders returns every order with pagination and an optional status filter.
func (h *AdminHandler) ListAllOrders(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	orders, total, err := h.orders.ListOrders(c.UserContext(), repository.OrderFilter{
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

type assignCourierRequest struct {
	Instruction  string `json:"instruction"`
	DeliveryType int    `json:"delivery_type"`
}

// AssignCourier books a consignment for a paid order.
func (h *AdminHandler) AssignCourier(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	var req assignCourierRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	order, err := h.orders.AssignCourier(c.UserContext(), orderID, services.AssignCourierInput{
		Instruction:  req.Instruction,
		DeliveryType: req.DeliveryType,
	})
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"id":                  order.ID,
			"status":              order.Status,
			"courier_service":     order.CourierService,
			"courier_tracking_id": order.CourierTrackingID,
			"delivery_fee":        order.DeliveryFee,
		},
	})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder cancels an order that has not reached a terminal state.
func (h *AdminHandler) CancelOrder(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	var req cancelOrderRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	order, err := h.orders.CancelOrder(c.UserContext(), orderID, req.Reason)
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    order,
	})
}

// ReconcilePayment re-queries the gateway for a pending payment.
func (h *AdminHandler) ReconcilePayment(c *fiber.Ctx) error {
	orderID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	order, err := h.orders.ReconcilePayment(c.UserContext(), orderID)
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    order,
	})
}

// ListReconciliation returns issues awaiting an operator.
func (h *AdminHandler) ListReconciliation(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	filter := repository.ReconciliationFilter{
		Kind:   models.ReconciliationKind(c.Query("kind")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid resolved filter")
		}
		filter.Resolved = &resolved
	}

	issues, total, err := h.orders.ListReconciliation(c.UserContext(), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    issues,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

type resolveRequest struct {
	Note string `json:"note"`
}

// ResolveReconciliation closes an issue.
func (h *AdminHandler) ResolveReconciliation(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid issue id")
	}

	var req resolveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	if err := h.orders.ResolveReconciliation(c.UserContext(), id, req.Note); err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "issue resolved",
	})
}
