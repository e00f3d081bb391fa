package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/fulfillment/internal/database"
	"github.com/example/fulfillment/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestGormStoreStockAndCourier(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewGormStore(db)

	variant := models.ProductVariant{SKU: "it-" + uuid.NewString(), InventoryQuantity: 1}
	require.NoError(t, db.Create(&variant).Error)

	order := newTestOrder(variant.ID, 1)
	require.NoError(t, store.CreateOrder(ctx, order, &models.Payment{
		Gateway:       "sslcommerz",
		TransactionID: "it-" + uuid.NewString(),
		Amount:        order.Total,
		Status:        models.PaymentStatusPending,
	}))

	trackingID := "C-" + uuid.NewString()
	err := store.WithOrderLock(ctx, order.ID, func(tx Tx, o *models.Order) error {
		ok, err := tx.DecrementStock(ctx, variant.ID, 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = tx.DecrementStock(ctx, variant.ID, 1)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, tx.AssignCourier(ctx, o.ID, "pathao", trackingID))
		require.ErrorIs(t, tx.AssignCourier(ctx, o.ID, "pathao", "other"), ErrCourierAlreadyAssigned)

		o.Status = models.OrderStatusConfirmed
		return tx.SaveOrder(ctx, o)
	})
	require.NoError(t, err)

	got, err := store.FindOrderByCourier(ctx, "pathao", trackingID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusConfirmed, got.Status)
	require.Equal(t, trackingID, got.TrackingNumber)

	var reloaded models.ProductVariant
	require.NoError(t, db.First(&reloaded, "id = ?", variant.ID).Error)
	require.Zero(t, reloaded.InventoryQuantity)
}
