package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ReconciliationKind names an exception the automated flow left for an operator.
type ReconciliationKind string

const (
	ReconciliationStockShortfall    ReconciliationKind = "stock_shortfall"
	ReconciliationPaymentUnknown    ReconciliationKind = "payment_unknown"
	ReconciliationAmountMismatch    ReconciliationKind = "amount_mismatch"
	ReconciliationCourierUnassigned ReconciliationKind = "courier_unassigned"
)

type ReconciliationIssue struct {
	BaseModel
	OrderID    uuid.UUID          `gorm:"type:uuid;index" json:"order_id"`
	Kind       ReconciliationKind `gorm:"type:varchar(32);index" json:"kind"`
	Details    datatypes.JSON     `gorm:"type:jsonb" json:"details"`
	Resolved   bool               `gorm:"index" json:"resolved"`
	ResolvedAt *time.Time         `json:"resolved_at"`
	Note       string             `json:"note"`
}
