// Package repository owns persistence of orders, payments, tracking updates and stock.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/example/fulfillment/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("repository: record not found")
	// ErrCourierAlreadyAssigned is returned when an order already carries a consignment.
	ErrCourierAlreadyAssigned = errors.New("repository: courier already assigned")
	// ErrDuplicate is returned when a unique column would be violated.
	ErrDuplicate = errors.New("repository: duplicate key")
)

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	UserID *uuid.UUID
	Status models.OrderStatus
	Limit  int
	Offset int
}

// ReconciliationFilter narrows ListReconciliation.
type ReconciliationFilter struct {
	Resolved *bool
	Kind     models.ReconciliationKind
	Limit    int
	Offset   int
}

// Store is the order repository used by the orchestrator and handlers.
type Store interface {
	// CreateOrder persists the order, its items and the initial payment atomically.
	CreateOrder(ctx context.Context, order *models.Order, payment *models.Payment) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrderByCourier(ctx context.Context, service, trackingID string) (*models.Order, error)
	FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error)
	ListReconciliation(ctx context.Context, filter ReconciliationFilter) ([]models.ReconciliationIssue, int64, error)
	ResolveReconciliation(ctx context.Context, id uuid.UUID, note string) error
	GetProductVariant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error)

	// WithOrderLock runs fn while holding an exclusive lock on the order row.
	// Writes made through tx are committed only when fn returns nil.
	WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(tx Tx, order *models.Order) error) error
}

// Tx is the write surface available while an order is locked.
type Tx interface {
	// SaveOrder writes lifecycle fields. Monetary totals are never rewritten.
	SaveOrder(ctx context.Context, order *models.Order) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	SavePayment(ctx context.Context, payment *models.Payment) error
	// DecrementStock subtracts qty only if the resulting stock stays >= 0.
	DecrementStock(ctx context.Context, variantID uuid.UUID, qty int) (bool, error)
	// AssignCourier sets the courier pair only when none is set yet.
	AssignCourier(ctx context.Context, orderID uuid.UUID, service, trackingID string) error
	AppendTracking(ctx context.Context, update *models.TrackingUpdate) error
	CreateReconciliation(ctx context.Context, issue *models.ReconciliationIssue) error
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
