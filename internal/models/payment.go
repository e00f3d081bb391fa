package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment records one payment attempt against an order.
type Payment struct {
	BaseModel
	OrderID       uuid.UUID       `gorm:"type:uuid;index" json:"order_id"`
	Gateway       string          `gorm:"type:varchar(32)" json:"gateway"`
	TransactionID string          `gorm:"uniqueIndex" json:"transaction_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2)" json:"amount"`
	Currency      string          `gorm:"type:varchar(3)" json:"currency"`
	Status        PaymentStatus   `gorm:"type:varchar(16)" json:"status"`
	Metadata      datatypes.JSON  `gorm:"type:jsonb" json:"metadata"`
	ValidatedAt   *time.Time      `json:"validated_at"`
}

// TrackingUpdate is one courier webhook event. Rows are never updated.
type TrackingUpdate struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID        uuid.UUID `gorm:"type:uuid;index" json:"order_id"`
	CourierService string    `json:"courier_service"`
	ExternalStatus string    `json:"external_status"`
	Status         string    `json:"status"`
	Location       string    `json:"location"`
	Description    string    `json:"description"`
	Applied        bool      `json:"applied"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}
