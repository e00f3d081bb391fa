package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/fulfillment/internal/models"
)

// immutableOrderColumns are fixed at creation or written only by AssignCourier.
var immutableOrderColumns = []string{
	"subtotal", "shipping_cost", "tip_amount", "total", "order_number", "created_at",
	"courier_service", "courier_tracking_id", "tracking_number",
}

// GormStore implements Store on postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an initialized gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateOrder(ctx context.Context, order *models.Order, payment *models.Payment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return translate(err)
		}
		if payment == nil {
			return nil
		}
		payment.OrderID = order.ID
		return translate(tx.Create(payment).Error)
	})
}

func (s *GormStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Preload("Items").
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		Preload("TrackingUpdates", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp asc") }).
		First(&order, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (s *GormStore) FindOrderByCourier(ctx context.Context, service, trackingID string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Where("courier_service = ? AND courier_tracking_id = ?", service, trackingID).
		First(&order).Error
	if err != nil {
		return nil, translate(err)
	}
	return &order, nil
}

func (s *GormStore) FindPaymentByTransaction(ctx context.Context, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.WithContext(ctx).First(&payment, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, translate(err)
	}
	return &payment, nil
}

func (s *GormStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	query := s.db.WithContext(ctx).Model(&models.Order{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []models.Order
	if err := query.Preload("Items").
		Order("placed_at desc").
		Limit(limit).Offset(offset).
		Find(&orders).Error; err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *GormStore) ListReconciliation(ctx context.Context, filter ReconciliationFilter) ([]models.ReconciliationIssue, int64, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	query := s.db.WithContext(ctx).Model(&models.ReconciliationIssue{})
	if filter.Resolved != nil {
		query = query.Where("resolved = ?", *filter.Resolved)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var issues []models.ReconciliationIssue
	if err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&issues).Error; err != nil {
		return nil, 0, err
	}
	return issues, total, nil
}

func (s *GormStore) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.ReconciliationIssue{}).
		Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "resolved_at": &now, "note": note})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetProductVariant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	if err := s.db.WithContext(ctx).First(&variant, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &variant, nil
}

func (s *GormStore) WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(tx Tx, order *models.Order) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&order, "id = ?", orderID).Error; err != nil {
			return translate(err)
		}
		if err := tx.Where("order_id = ?", orderID).Find(&order.Items).Error; err != nil {
			return err
		}
		if err := tx.Where("order_id = ?", orderID).Order("created_at asc").Find(&order.Payments).Error; err != nil {
			return err
		}
		return fn(&gormTx{db: tx}, &order)
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) SaveOrder(ctx context.Context, order *models.Order) error {
	return t.db.WithContext(ctx).
		Omit(append([]string{clause.Associations}, immutableOrderColumns...)...).
		Save(order).Error
}

func (t *gormTx) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return translate(t.db.WithContext(ctx).Create(payment).Error)
}

func (t *gormTx) SavePayment(ctx context.Context, payment *models.Payment) error {
	return t.db.WithContext(ctx).Save(payment).Error
}

func (t *gormTx) DecrementStock(ctx context.Context, variantID uuid.UUID, qty int) (bool, error) {
	res := t.db.WithContext(ctx).
		Model(&models.ProductVariant{}).
		Where("id = ? AND inventory_quantity >= ?", variantID, qty).
		UpdateColumn("inventory_quantity", gorm.Expr("inventory_quantity - ?", qty))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (t *gormTx) AssignCourier(ctx context.Context, orderID uuid.UUID, service, trackingID string) error {
	res := t.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND (courier_service IS NULL OR courier_service = '')", orderID).
		Updates(map[string]any{
			"courier_service":     service,
			"courier_tracking_id": trackingID,
			"tracking_number":     trackingID,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCourierAlreadyAssigned
	}
	return nil
}

func (t *gormTx) AppendTracking(ctx context.Context, update *models.TrackingUpdate) error {
	if update.ID == uuid.Nil {
		update.ID = uuid.New()
	}
	return t.db.WithContext(ctx).Create(update).Error
}

func (t *gormTx) CreateReconciliation(ctx context.Context, issue *models.ReconciliationIssue) error {
	return t.db.WithContext(ctx).Create(issue).Error
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
