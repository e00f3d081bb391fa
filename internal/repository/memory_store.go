package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fulfillment/internal/models"
)

// MemoryStore is an in-process Store used by tests and local runs without postgres.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]models.Order
	items    map[uuid.UUID][]models.OrderItem
	payments map[uuid.UUID]models.Payment
	tracking map[uuid.UUID][]models.TrackingUpdate
	variants map[uuid.UUID]models.ProductVariant
	issues   map[uuid.UUID]models.ReconciliationIssue

	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[uuid.UUID]models.Order),
		items:    make(map[uuid.UUID][]models.OrderItem),
		payments: make(map[uuid.UUID]models.Payment),
		tracking: make(map[uuid.UUID][]models.TrackingUpdate),
		variants: make(map[uuid.UUID]models.ProductVariant),
		issues:   make(map[uuid.UUID]models.ReconciliationIssue),
		locks:    make(map[uuid.UUID]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutVariant seeds or replaces a product variant.
func (s *MemoryStore) PutVariant(variant models.ProductVariant) models.ProductVariant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if variant.ID == uuid.Nil {
		variant.ID = uuid.New()
	}
	s.variants[variant.ID] = variant
	return variant
}

// Stock returns the current inventory of a variant, or -1 when unknown.
func (s *MemoryStore) Stock(variantID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok {
		return -1
	}
	return v.InventoryQuantity
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *models.Order, payment *models.Payment) error {
	if err := order.CheckTotals(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orders {
		if existing.OrderNumber == order.OrderNumber {
			return errDuplicate("order_number")
		}
	}
	if payment != nil && payment.TransactionID != "" {
		for _, p := range s.payments {
			if p.TransactionID == payment.TransactionID {
				return errDuplicate("transaction_id")
			}
		}
	}

	now := s.now()
	stamp(&order.BaseModel, now)
	items := make([]models.OrderItem, len(order.Items))
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		stamp(&order.Items[i].BaseModel, now)
		items[i] = order.Items[i]
	}
	s.items[order.ID] = items

	row := *order
	row.Items, row.Payments, row.TrackingUpdates = nil, nil, nil
	s.orders[order.ID] = row

	if payment != nil {
		payment.OrderID = order.ID
		stamp(&payment.BaseModel, now)
		s.payments[payment.ID] = *payment
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id, true)
}

func (s *MemoryStore) FindOrderByCourier(_ context.Context, service, trackingID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.orders {
		if o.CourierService != nil && o.CourierTrackingID != nil &&
			*o.CourierService == service && *o.CourierTrackingID == trackingID {
			return s.loadLocked(id, false)
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindPaymentByTransaction(_ context.Context, transactionID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.TransactionID == transactionID {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]models.Order, int64, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Order
	for id, o := range s.orders {
		if filter.UserID != nil && (o.UserID == nil || *o.UserID != *filter.UserID) {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		cp := o
		cp.Items = append([]models.OrderItem(nil), s.items[id]...)
		matched = append(matched, cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].PlacedAt.After(matched[j].PlacedAt) })

	total := int64(len(matched))
	return page(matched, limit, offset), total, nil
}

func (s *MemoryStore) ListReconciliation(_ context.Context, filter ReconciliationFilter) ([]models.ReconciliationIssue, int64, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.ReconciliationIssue
	for _, issue := range s.issues {
		if filter.Resolved != nil && issue.Resolved != *filter.Resolved {
			continue
		}
		if filter.Kind != "" && issue.Kind != filter.Kind {
			continue
		}
		matched = append(matched, issue)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	return page(matched, limit, offset), total, nil
}

func (s *MemoryStore) ResolveReconciliation(_ context.Context, id uuid.UUID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	issue.Resolved = true
	issue.ResolvedAt = &now
	issue.Note = note
	issue.UpdatedAt = now
	s.issues[id] = issue
	return nil
}

func (s *MemoryStore) GetProductVariant(_ context.Context, id uuid.UUID) (*models.ProductVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *MemoryStore) WithOrderLock(ctx context.Context, orderID uuid.UUID, fn func(tx Tx, order *models.Order) error) error {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	order, err := s.loadLocked(orderID, false)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	tx := &memoryTx{store: s}
	if err := fn(tx, order); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) orderLock(id uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// loadLocked must be called with s.mu held.
func (s *MemoryStore) loadLocked(id uuid.UUID, withTracking bool) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	o.Items = append([]models.OrderItem(nil), s.items[id]...)
	for _, p := range s.payments {
		if p.OrderID == id {
			o.Payments = append(o.Payments, p)
		}
	}
	sort.Slice(o.Payments, func(i, j int) bool { return o.Payments[i].CreatedAt.Before(o.Payments[j].CreatedAt) })
	if withTracking {
		o.TrackingUpdates = append([]models.TrackingUpdate(nil), s.tracking[id]...)
	}
	return &o, nil
}

// memoryTx applies writes immediately and keeps an undo log for rollback.
type memoryTx struct {
	store *MemoryStore
	undo  []func()
}

func (t *memoryTx) rollback() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) SaveOrder(_ context.Context, order *models.Order) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	row := *order
	row.Items, row.Payments, row.TrackingUpdates = nil, nil, nil
	row.Subtotal, row.ShippingCost, row.TipAmount, row.Total = prev.Subtotal, prev.ShippingCost, prev.TipAmount, prev.Total
	row.OrderNumber, row.CreatedAt = prev.OrderNumber, prev.CreatedAt
	row.CourierService, row.CourierTrackingID, row.TrackingNumber = prev.CourierService, prev.CourierTrackingID, prev.TrackingNumber
	row.UpdatedAt = s.now()
	s.orders[order.ID] = row
	t.undo = append(t.undo, func() { s.orders[order.ID] = prev })
	return nil
}

func (t *memoryTx) CreatePayment(_ context.Context, payment *models.Payment) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.TransactionID == payment.TransactionID {
			return errDuplicate("transaction_id")
		}
	}
	stamp(&payment.BaseModel, s.now())
	s.payments[payment.ID] = *payment
	id := payment.ID
	t.undo = append(t.undo, func() { delete(s.payments, id) })
	return nil
}

func (t *memoryTx) SavePayment(_ context.Context, payment *models.Payment) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.payments[payment.ID]
	stamp(&payment.BaseModel, s.now())
	payment.UpdatedAt = s.now()
	s.payments[payment.ID] = *payment
	id := payment.ID
	t.undo = append(t.undo, func() {
		if existed {
			s.payments[id] = prev
		} else {
			delete(s.payments, id)
		}
	})
	return nil
}

func (t *memoryTx) DecrementStock(_ context.Context, variantID uuid.UUID, qty int) (bool, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variants[variantID]
	if !ok || v.InventoryQuantity < qty {
		return false, nil
	}
	v.InventoryQuantity -= qty
	s.variants[variantID] = v
	t.undo = append(t.undo, func() {
		cur := s.variants[variantID]
		cur.InventoryQuantity += qty
		s.variants[variantID] = cur
	})
	return true, nil
}

func (t *memoryTx) AssignCourier(_ context.Context, orderID uuid.UUID, service, trackingID string) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.HasCourier() {
		return ErrCourierAlreadyAssigned
	}
	for _, other := range s.orders {
		if other.CourierService != nil && other.CourierTrackingID != nil &&
			*other.CourierService == service && *other.CourierTrackingID == trackingID {
			return errDuplicate("courier_tracking_id")
		}
	}
	prev := o
	o.CourierService = &service
	o.CourierTrackingID = &trackingID
	o.TrackingNumber = trackingID
	s.orders[orderID] = o
	t.undo = append(t.undo, func() { s.orders[orderID] = prev })
	return nil
}

func (t *memoryTx) AppendTracking(_ context.Context, update *models.TrackingUpdate) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.ID == uuid.Nil {
		update.ID = uuid.New()
	}
	if update.CreatedAt.IsZero() {
		update.CreatedAt = s.now()
	}
	orderID := update.OrderID
	s.tracking[orderID] = append(s.tracking[orderID], *update)
	t.undo = append(t.undo, func() {
		list := s.tracking[orderID]
		s.tracking[orderID] = list[:len(list)-1]
	})
	return nil
}

func (t *memoryTx) CreateReconciliation(_ context.Context, issue *models.ReconciliationIssue) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&issue.BaseModel, s.now())
	s.issues[issue.ID] = *issue
	id := issue.ID
	t.undo = append(t.undo, func() { delete(s.issues, id) })
	return nil
}

func stamp(base *models.BaseModel, now time.Time) {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	base.UpdatedAt = now
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func errDuplicate(column string) error {
	return fmt.Errorf("%w: %s", ErrDuplicate, column)
}
