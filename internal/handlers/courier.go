package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/example/fulfillment/internal/courier"
)

// CourierDirectory is the read side of the courier API.
type CourierDirectory interface {
	ListCities(ctx context.Context) ([]courier.City, error)
	ListZones(ctx context.Context, cityID int) ([]courier.Zone, error)
	ListAreas(ctx context.Context, zoneID int) ([]courier.Area, error)
	EstimateCost(ctx context.Context, req courier.CostRequest) (courier.CostEstimate, error)
}

// CourierHandler serves the location hierarchy and price quotes used at checkout.
type CourierHandler struct {
	directory CourierDirectory
}

// NewCourierHandler constructs CourierHandler.
func NewCourierHandler(directory CourierDirectory) *CourierHandler {
	return &CourierHandler{directory: directory}
}

// ListCities returns the delivery cities.
func (h *CourierHandler) ListCities(c *fiber.Ctx) error {
	cities, err := h.directory.ListCities(c.UserContext())
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": cities})
}

// ListZones returns the zones of a city.
func (h *CourierHandler) ListZones(c *fiber.Ctx) error {
	cityID, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid city id")
	}
	zones, err := h.directory.ListZones(c.UserContext(), cityID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": zones})
}

// ListAreas returns the areas of a zone.
func (h *CourierHandler) ListAreas(c *fiber.Ctx) error {
	zoneID, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid zone id")
	}
	areas, err := h.directory.ListAreas(c.UserContext(), zoneID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": areas})
}

type estimateRequest struct {
	CityID       int             `json:"city_id"`
	ZoneID       int             `json:"zone_id"`
	WeightKg     decimal.Decimal `json:"weight_kg"`
	DeliveryType int             `json:"delivery_type"`
	ItemType     int             `json:"item_type"`
}

// Estimate quotes a delivery.
func (h *CourierHandler) Estimate(c *fiber.Ctx) error {
	var req estimateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	estimate, err := h.directory.EstimateCost(c.UserContext(), courier.CostRequest{
		CityID:       req.CityID,
		ZoneID:       req.ZoneID,
		WeightKg:     req.WeightKg,
		DeliveryType: req.DeliveryType,
		ItemType:     req.ItemType,
	})
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": estimate})
}
