package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is the fulfillment lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusFailed         OrderStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// PaymentStatus is shared by orders and payment records.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment types chosen at checkout.
const (
	PaymentTypeFull    = "full"
	PaymentTypePartial = "partial"
)

// ErrTotalMismatch is returned when total != subtotal + shipping + tip.
var ErrTotalMismatch = errors.New("order total does not equal subtotal + shipping + tip")

// Address is stored as JSON on the order row.
type Address struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Email       string `json:"email,omitempty"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	Zone        string `json:"zone,omitempty"`
	Area        string `json:"area,omitempty"`
	// Courier location ids resolved through the courier hierarchy lookups.
	CityID int `json:"city_id,omitempty"`
	ZoneID int `json:"zone_id,omitempty"`
	AreaID int `json:"area_id,omitempty"`
}

// IsZero reports whether the address was omitted entirely.
func (a Address) IsZero() bool {
	return a.Name == "" && a.Phone == "" && a.AddressLine == "" && a.City == ""
}

type Order struct {
	BaseModel
	UserID            *uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	OrderNumber       string           `gorm:"uniqueIndex" json:"order_number"`
	Status            OrderStatus      `gorm:"type:varchar(32);index" json:"status"`
	PaymentStatus     PaymentStatus    `gorm:"type:varchar(16)" json:"payment_status"`
	PaymentMethod     string           `json:"payment_method"`
	PaymentType       string           `json:"payment_type"`
	Subtotal          decimal.Decimal  `gorm:"type:numeric(14,2)" json:"subtotal"`
	ShippingCost      decimal.Decimal  `gorm:"type:numeric(14,2)" json:"shipping_cost"`
	TipAmount         decimal.Decimal  `gorm:"type:numeric(14,2)" json:"tip_amount"`
	Total             decimal.Decimal  `gorm:"type:numeric(14,2)" json:"total"`
	AmountPaid        decimal.Decimal  `gorm:"type:numeric(14,2)" json:"amount_paid"`
	DeliveryFee       decimal.Decimal  `gorm:"type:numeric(14,2)" json:"delivery_fee"`
	Currency          string           `gorm:"type:varchar(3)" json:"currency"`
	CustomerLocation  string           `json:"customer_location"`
	ShippingAddress   Address          `gorm:"serializer:json;type:jsonb" json:"shipping_address"`
	BillingAddress    Address          `gorm:"serializer:json;type:jsonb" json:"billing_address"`
	CourierService    *string          `gorm:"uniqueIndex:idx_orders_courier" json:"courier_service"`
	CourierTrackingID *string          `gorm:"uniqueIndex:idx_orders_courier" json:"courier_tracking_id"`
	TrackingNumber    string           `json:"tracking_number"`
	Notes             string           `json:"notes"`
	PlacedAt          time.Time        `json:"placed_at"`
	ConfirmedAt       *time.Time       `json:"confirmed_at"`
	ShippedAt         *time.Time       `json:"shipped_at"`
	DeliveredAt       *time.Time       `json:"delivered_at"`
	CancelledAt       *time.Time       `json:"cancelled_at"`
	Items             []OrderItem      `json:"items,omitempty"`
	Payments          []Payment        `json:"payments,omitempty"`
	TrackingUpdates   []TrackingUpdate `json:"tracking_updates,omitempty"`
}

// CheckTotals enforces total == subtotal + shippingCost + tipAmount.
func (o *Order) CheckTotals() error {
	if !o.Total.Equal(o.Subtotal.Add(o.ShippingCost).Add(o.TipAmount)) {
		return ErrTotalMismatch
	}
	return nil
}

// HasCourier reports whether a consignment was already recorded.
func (o *Order) HasCourier() bool {
	return o.CourierService != nil && *o.CourierService != ""
}

// BeforeCreate assigns the id and rejects inconsistent totals.
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	if err := o.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return o.CheckTotals()
}

// CustomOptions holds per-item personalization chosen at checkout.
type CustomOptions struct {
	Badges          []string `json:"badges,omitempty"`
	Personalization string   `json:"personalization,omitempty"`
	Size            string   `json:"size,omitempty"`
}

type OrderItem struct {
	BaseModel
	OrderID       uuid.UUID       `gorm:"type:uuid;index" json:"order_id"`
	ProductID     uuid.UUID       `gorm:"type:uuid" json:"product_id"`
	VariantID     *uuid.UUID      `gorm:"type:uuid" json:"variant_id"`
	ProductName   string          `json:"product_name"`
	VariantLabel  string          `json:"variant_label"`
	Quantity      int             `json:"quantity"`
	Price         decimal.Decimal `gorm:"type:numeric(14,2)" json:"price"`
	LineTotal     decimal.Decimal `gorm:"type:numeric(14,2)" json:"line_total"`
	WeightKg      decimal.Decimal `gorm:"type:numeric(8,3)" json:"weight_kg"`
	CustomOptions CustomOptions   `gorm:"serializer:json;type:jsonb" json:"custom_options"`
}
