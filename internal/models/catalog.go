package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductVariant is the sellable unit whose inventory checkout draws down.
type ProductVariant struct {
	BaseModel
	ProductID         uuid.UUID       `gorm:"type:uuid;index" json:"product_id"`
	SKU               string          `gorm:"uniqueIndex" json:"sku"`
	ProductName       string          `json:"product_name"`
	Label             string          `json:"label"`
	Price             decimal.Decimal `gorm:"type:numeric(14,2)" json:"price"`
	Currency          string          `gorm:"type:varchar(3)" json:"currency"`
	InventoryQuantity int             `json:"inventory_quantity"`
	WeightKg          decimal.Decimal `gorm:"type:numeric(8,3)" json:"weight_kg"`
	IsActive          bool            `json:"is_active"`
}
