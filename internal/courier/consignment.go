package courier

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/example/fulfillment/internal/models"
)

// Delivery and item type codes accepted by the merchant API.
const (
	DeliveryTypeNormal   = 48
	DeliveryTypeOnDemand = 12
	ItemTypeDocument     = 1
	ItemTypeParcel       = 2
)

var minimumWeight = decimal.RequireFromString("0.5")

// CostRequest asks for a price plan to a destination.
type CostRequest struct {
	CityID       int
	ZoneID       int
	WeightKg     decimal.Decimal
	DeliveryType int
	ItemType     int
}

// CostEstimate is the provider's quote.
type CostEstimate struct {
	Price            decimal.Decimal `json:"price"`
	Discount         decimal.Decimal `json:"discount"`
	PromoDiscount    decimal.Decimal `json:"promo_discount"`
	PlanID           int             `json:"plan_id"`
	CODEnabled       int             `json:"cod_enabled"`
	CODPercentage    decimal.Decimal `json:"cod_percentage"`
	AdditionalCharge decimal.Decimal `json:"additional_charge"`
	FinalPrice       decimal.Decimal `json:"final_price"`
}

type pricePlanRequest struct {
	StoreID       int             `json:"store_id"`
	ItemType      int             `json:"item_type"`
	DeliveryType  int             `json:"delivery_type"`
	ItemWeight    decimal.Decimal `json:"item_weight"`
	RecipientCity int             `json:"recipient_city"`
	RecipientZone int             `json:"recipient_zone"`
}

// EstimateCost quotes a delivery without creating anything.
func (c *Client) EstimateCost(ctx context.Context, req CostRequest) (CostEstimate, error) {
	if req.CityID <= 0 || req.ZoneID <= 0 {
		return CostEstimate{}, fmt.Errorf("%w: city %d zone %d", ErrInvalidLocation, req.CityID, req.ZoneID)
	}
	body := pricePlanRequest{
		StoreID:       c.cfg.StoreID,
		ItemType:      orDefault(req.ItemType, ItemTypeParcel),
		DeliveryType:  orDefault(req.DeliveryType, DeliveryTypeNormal),
		ItemWeight:    clampWeight(req.WeightKg),
		RecipientCity: req.CityID,
		RecipientZone: req.ZoneID,
	}
	var out CostEstimate
	if err := c.call(ctx, "price_plan", http.MethodPost, "/aladdin/api/v1/merchant/price-plan", body, &out); err != nil {
		return CostEstimate{}, err
	}
	return out, nil
}

// ConsignmentRequest is the payload for creating a delivery order.
type ConsignmentRequest struct {
	StoreID            int             `json:"store_id"`
	MerchantOrderID    string          `json:"merchant_order_id"`
	RecipientName      string          `json:"recipient_name"`
	RecipientPhone     string          `json:"recipient_phone"`
	RecipientAddress   string          `json:"recipient_address"`
	RecipientCity      int             `json:"recipient_city"`
	RecipientZone      int             `json:"recipient_zone"`
	RecipientArea      int             `json:"recipient_area,omitempty"`
	DeliveryType       int             `json:"delivery_type"`
	ItemType           int             `json:"item_type"`
	SpecialInstruction string          `json:"special_instruction,omitempty"`
	ItemQuantity       int             `json:"item_quantity"`
	ItemWeight         decimal.Decimal `json:"item_weight"`
	ItemDescription    string          `json:"item_description,omitempty"`
	AmountToCollect    int64           `json:"amount_to_collect"`
}

// Consignment is the provider's record of a created delivery.
type Consignment struct {
	ConsignmentID   string          `json:"consignment_id"`
	MerchantOrderID string          `json:"merchant_order_id"`
	Status          string          `json:"order_status"`
	DeliveryFee     decimal.Decimal `json:"delivery_fee"`
}

// TrackingID is the reference webhooks carry for this consignment.
func (c Consignment) TrackingID() string { return c.ConsignmentID }

// CreateConsignment books a pickup. Provider validation failures are
// returned as *ProviderError with per-field messages.
func (c *Client) CreateConsignment(ctx context.Context, req ConsignmentRequest) (Consignment, error) {
	if req.RecipientCity <= 0 || req.RecipientZone <= 0 {
		return Consignment{}, fmt.Errorf("%w: city %d zone %d", ErrInvalidLocation, req.RecipientCity, req.RecipientZone)
	}
	if req.StoreID == 0 {
		req.StoreID = c.cfg.StoreID
	}
	var out Consignment
	if err := c.call(ctx, "create_consignment", http.MethodPost, "/aladdin/api/v1/orders", req, &out); err != nil {
		return Consignment{}, err
	}
	if out.ConsignmentID == "" {
		return Consignment{}, &ProviderError{Op: "create_consignment", Message: "response missing consignment_id"}
	}
	return out, nil
}

// BuildConsignment derives the consignment payload from an order. The
// amount to collect on delivery is whatever the customer has not prepaid.
func BuildConsignment(order *models.Order, storeID int, instruction string) ConsignmentRequest {
	quantity := 0
	weight := decimal.Zero
	parts := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		quantity += item.Quantity
		weight = weight.Add(item.WeightKg.Mul(decimal.NewFromInt(int64(item.Quantity))))
		label := item.ProductName
		if item.VariantLabel != "" {
			label += " (" + item.VariantLabel + ")"
		}
		parts = append(parts, fmt.Sprintf("%dx %s", item.Quantity, label))
	}

	due := order.Total.Sub(order.AmountPaid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	addr := order.ShippingAddress
	address := addr.AddressLine
	for _, extra := range []string{addr.Area, addr.Zone, addr.City} {
		if extra != "" && !strings.Contains(address, extra) {
			address += ", " + extra
		}
	}

	return ConsignmentRequest{
		StoreID:            storeID,
		MerchantOrderID:    order.OrderNumber,
		RecipientName:      addr.Name,
		RecipientPhone:     addr.Phone,
		RecipientAddress:   address,
		RecipientCity:      addr.CityID,
		RecipientZone:      addr.ZoneID,
		RecipientArea:      addr.AreaID,
		DeliveryType:       DeliveryTypeNormal,
		ItemType:           ItemTypeParcel,
		SpecialInstruction: instruction,
		ItemQuantity:       quantity,
		ItemWeight:         clampWeight(weight),
		ItemDescription:    truncate(strings.Join(parts, ", "), 250),
		AmountToCollect:    due.Ceil().IntPart(),
	}
}

func clampWeight(w decimal.Decimal) decimal.Decimal {
	if w.LessThan(minimumWeight) {
		return minimumWeight
	}
	return w.Round(2)
}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
