package courier

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/fulfillment/internal/models"
)

func TestBuildConsignment(t *testing.T) {
	t.Parallel()
	order := &models.Order{
		OrderNumber: "ORD-42",
		Total:       decimal.NewFromInt(1110),
		AmountPaid:  decimal.RequireFromString("222.00"),
		ShippingAddress: models.Address{
			Name:        "Rahim",
			Phone:       "01700000000",
			AddressLine: "House 1, Road 2",
			City:        "Dhaka",
			Zone:        "Gulshan",
			CityID:      1,
			ZoneID:      5,
			AreaID:      9,
		},
		Items: []models.OrderItem{
			{ProductName: "Mug", VariantLabel: "Blue", Quantity: 2, WeightKg: decimal.RequireFromString("0.4")},
			{ProductName: "Tee", Quantity: 1, WeightKg: decimal.RequireFromString("0.25")},
		},
	}

	req := BuildConsignment(order, 77, "call before delivery")
	require.Equal(t, 77, req.StoreID)
	require.Equal(t, "ORD-42", req.MerchantOrderID)
	require.Equal(t, 3, req.ItemQuantity)
	require.True(t, req.ItemWeight.Equal(decimal.RequireFromString("1.05")))
	require.Equal(t, "2x Mug (Blue), 1x Tee", req.ItemDescription)
	require.EqualValues(t, 888, req.AmountToCollect)
	require.Equal(t, "House 1, Road 2, Gulshan, Dhaka", req.RecipientAddress)
	require.Equal(t, 1, req.RecipientCity)
	require.Equal(t, 5, req.RecipientZone)
	require.Equal(t, 9, req.RecipientArea)
}

func TestBuildConsignmentFullyPaid(t *testing.T) {
	t.Parallel()
	order := &models.Order{
		Total:      decimal.NewFromInt(500),
		AmountPaid: decimal.NewFromInt(500),
		Items:      []models.OrderItem{{ProductName: "Card", Quantity: 1, WeightKg: decimal.RequireFromString("0.01")}},
	}
	req := BuildConsignment(order, 1, "")
	require.Zero(t, req.AmountToCollect)
	require.True(t, req.ItemWeight.Equal(decimal.RequireFromString("0.5")))
}
