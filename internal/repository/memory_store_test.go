package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/fulfillment/internal/models"
)

func newTestOrder(variantID uuid.UUID, qty int) *models.Order {
	return &models.Order{
		OrderNumber:   "ORD-" + uuid.NewString()[:8],
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPending,
		Subtotal:      decimal.NewFromInt(1000),
		ShippingCost:  decimal.NewFromInt(110),
		TipAmount:     decimal.Zero,
		Total:         decimal.NewFromInt(1110),
		Currency:      "BDT",
		PlacedAt:      time.Now().UTC(),
		Items: []models.OrderItem{{
			VariantID: &variantID,
			Quantity:  qty,
			Price:     decimal.NewFromInt(1000),
			LineTotal: decimal.NewFromInt(1000),
		}},
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	variant := store.PutVariant(models.ProductVariant{SKU: "mug", InventoryQuantity: 5})

	order := newTestOrder(variant.ID, 2)
	payment := &models.Payment{Gateway: "sslcommerz", TransactionID: "tx-1", Amount: order.Total, Status: models.PaymentStatusPending}
	require.NoError(t, store.CreateOrder(ctx, order, payment))
	require.NotEqual(t, uuid.Nil, order.ID)

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.Len(t, got.Payments, 1)
	require.Equal(t, order.ID, got.Payments[0].OrderID)

	found, err := store.FindPaymentByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, order.ID, found.OrderID)

	_, err = store.GetOrder(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsInconsistentTotals(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	order := newTestOrder(uuid.New(), 1)
	order.Total = decimal.NewFromInt(999)
	require.ErrorIs(t, store.CreateOrder(context.Background(), order, nil), models.ErrTotalMismatch)
}

func TestMemoryStoreDecrementStockNeverNegative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	variant := store.PutVariant(models.ProductVariant{SKU: "tee", InventoryQuantity: 3})

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 10; i++ {
		order := newTestOrder(variant.ID, 1)
		require.NoError(t, store.CreateOrder(ctx, order, nil))
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_ = store.WithOrderLock(ctx, id, func(tx Tx, _ *models.Order) error {
				ok, err := tx.DecrementStock(ctx, variant.ID, 1)
				if err == nil && ok {
					success.Add(1)
				}
				return err
			})
		}(order.ID)
	}
	wg.Wait()

	require.EqualValues(t, 3, success.Load())
	require.Equal(t, 0, store.Stock(variant.ID))
}

func TestMemoryStoreRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	variant := store.PutVariant(models.ProductVariant{SKU: "cap", InventoryQuantity: 4})
	order := newTestOrder(variant.ID, 2)
	require.NoError(t, store.CreateOrder(ctx, order, nil))

	boom := errors.New("boom")
	err := store.WithOrderLock(ctx, order.ID, func(tx Tx, o *models.Order) error {
		ok, err := tx.DecrementStock(ctx, variant.ID, 2)
		require.NoError(t, err)
		require.True(t, ok)
		o.Status = models.OrderStatusConfirmed
		require.NoError(t, tx.SaveOrder(ctx, o))
		require.NoError(t, tx.AppendTracking(ctx, &models.TrackingUpdate{OrderID: o.ID, Status: "confirmed"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Equal(t, 4, store.Stock(variant.ID))
	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, got.Status)
	require.Empty(t, got.TrackingUpdates)
}

func TestMemoryStoreSaveOrderKeepsTotals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder(uuid.New(), 1)
	require.NoError(t, store.CreateOrder(ctx, order, nil))

	require.NoError(t, store.WithOrderLock(ctx, order.ID, func(tx Tx, o *models.Order) error {
		o.Total = decimal.NewFromInt(1)
		o.Status = models.OrderStatusConfirmed
		return tx.SaveOrder(ctx, o)
	}))

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, got.Total.Equal(decimal.NewFromInt(1110)))
	require.Equal(t, models.OrderStatusConfirmed, got.Status)
}

func TestMemoryStoreAssignCourierOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder(uuid.New(), 1)
	require.NoError(t, store.CreateOrder(ctx, order, nil))

	assign := func(trackingID string) error {
		return store.WithOrderLock(ctx, order.ID, func(tx Tx, o *models.Order) error {
			if err := tx.AssignCourier(ctx, o.ID, "pathao", trackingID); err != nil {
				return err
			}
			return tx.SaveOrder(ctx, o)
		})
	}
	require.NoError(t, assign("C-1"))
	require.ErrorIs(t, assign("C-2"), ErrCourierAlreadyAssigned)

	got, err := store.FindOrderByCourier(ctx, "pathao", "C-1")
	require.NoError(t, err)
	require.Equal(t, order.ID, got.ID)
	require.Equal(t, "C-1", got.TrackingNumber)

	_, err = store.FindOrderByCourier(ctx, "pathao", "C-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReconciliation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder(uuid.New(), 1)
	require.NoError(t, store.CreateOrder(ctx, order, nil))

	issue := &models.ReconciliationIssue{OrderID: order.ID, Kind: models.ReconciliationStockShortfall}
	require.NoError(t, store.WithOrderLock(ctx, order.ID, func(tx Tx, _ *models.Order) error {
		return tx.CreateReconciliation(ctx, issue)
	}))

	open := false
	issues, total, err := store.ListReconciliation(ctx, ReconciliationFilter{Resolved: &open})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, issue.ID, issues[0].ID)

	require.NoError(t, store.ResolveReconciliation(ctx, issue.ID, "restocked"))
	issues, total, err = store.ListReconciliation(ctx, ReconciliationFilter{Resolved: &open})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, issues)

	require.ErrorIs(t, store.ResolveReconciliation(ctx, uuid.New(), ""), ErrNotFound)
}

func TestMemoryStoreListOrdersPaginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	user := uuid.New()
	for i := 0; i < 3; i++ {
		order := newTestOrder(uuid.New(), 1)
		order.UserID = &user
		order.PlacedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateOrder(ctx, order, nil))
	}
	require.NoError(t, store.CreateOrder(ctx, newTestOrder(uuid.New(), 1), nil))

	orders, total, err := store.ListOrders(ctx, OrderFilter{UserID: &user, Limit: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, orders, 2)
	require.True(t, orders[0].PlacedAt.After(orders[1].PlacedAt))
}
