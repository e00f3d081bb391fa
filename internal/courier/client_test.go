package courier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeCourier struct {
	tokenCalls atomic.Int32
	apiCalls   atomic.Int32
	// rejectFirst makes the first API request answer 401.
	rejectFirst atomic.Bool
	handler     func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeCourier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/aladdin/api/v1/issue-token" {
		n := f.tokenCalls.Add(1)
		time.Sleep(10 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token_type":    "Bearer",
			"expires_in":    3600,
			"access_token":  "tok-" + string(rune('0'+n)),
			"refresh_token": "refresh",
		})
		return
	}
	f.apiCalls.Add(1)
	if f.rejectFirst.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Unauthenticated.","type":"error","code":401}`))
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.handler(w, r)
}

func newTestClient(t *testing.T, fake *fakeCourier) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:       srv.URL,
		ClientID:      "id",
		ClientSecret:  "secret",
		Username:      "merchant@example.com",
		Password:      "pw",
		StoreID:       77,
		WebhookSecret: "hook-secret",
		Timeout:       2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return c
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"message": "ok", "type": "success", "code": 200, "data": data})
}

func TestListCitiesCachesToken(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"data": []map[string]any{{"city_id": 1, "city_name": "Dhaka"}}})
	}}
	c := newTestClient(t, fake)

	for i := 0; i < 3; i++ {
		cities, err := c.ListCities(context.Background())
		require.NoError(t, err)
		require.Equal(t, []City{{ID: 1, Name: "Dhaka"}}, cities)
	}
	require.EqualValues(t, 1, fake.tokenCalls.Load())
}

func TestConcurrentCallsShareOneTokenIssue(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"data": []map[string]any{}})
	}}
	c := newTestClient(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ListCities(context.Background())
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, fake.tokenCalls.Load())
}

func TestRefreshesTokenOnUnauthorized(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"data": []map[string]any{{"zone_id": 5, "zone_name": "Gulshan"}}})
	}}
	fake.rejectFirst.Store(true)
	c := newTestClient(t, fake)

	zones, err := c.ListZones(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	require.EqualValues(t, 2, fake.tokenCalls.Load())
	require.EqualValues(t, 2, fake.apiCalls.Load())
}

func TestZeroLocationIDsSkipProvider(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected provider call to %s", r.URL.Path)
	}}
	c := newTestClient(t, fake)
	ctx := context.Background()

	_, err := c.ListZones(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidLocation)
	_, err = c.ListAreas(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidLocation)
	_, err = c.EstimateCost(ctx, CostRequest{CityID: 1})
	require.ErrorIs(t, err, ErrInvalidLocation)
	_, err = c.CreateConsignment(ctx, ConsignmentRequest{RecipientZone: 3})
	require.ErrorIs(t, err, ErrInvalidLocation)

	require.Zero(t, fake.apiCalls.Load())
	require.Zero(t, fake.tokenCalls.Load())
}

func TestEstimateCost(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/aladdin/api/v1/merchant/price-plan", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.EqualValues(t, 77, body["store_id"])
		require.EqualValues(t, 48, body["delivery_type"])
		require.Equal(t, "0.5", body["item_weight"])
		writeData(w, map[string]any{"price": 80, "discount": 0, "final_price": 80, "cod_enabled": 1, "cod_percentage": 0.01})
	}}
	c := newTestClient(t, fake)

	est, err := c.EstimateCost(context.Background(), CostRequest{CityID: 1, ZoneID: 2, WeightKg: decimal.RequireFromString("0.2")})
	require.NoError(t, err)
	require.True(t, est.FinalPrice.Equal(decimal.NewFromInt(80)))
	require.Equal(t, 1, est.CODEnabled)
}

func TestCreateConsignment(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/aladdin/api/v1/orders", r.URL.Path)
		var body ConsignmentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 77, body.StoreID)
		writeData(w, map[string]any{
			"consignment_id":    "DL121224VS8TTJ",
			"merchant_order_id": body.MerchantOrderID,
			"order_status":      "Pending",
			"delivery_fee":      83.46,
		})
	}}
	c := newTestClient(t, fake)

	got, err := c.CreateConsignment(context.Background(), ConsignmentRequest{
		MerchantOrderID: "ORD-1",
		RecipientCity:   1,
		RecipientZone:   2,
		ItemWeight:      decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	require.Equal(t, "DL121224VS8TTJ", got.TrackingID())
	require.True(t, got.DeliveryFee.Equal(decimal.RequireFromString("83.46")))
}

func TestCreateConsignmentValidationError(t *testing.T) {
	t.Parallel()
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Please fix the given errors","type":"error","code":422,"errors":{"recipient_phone":["The recipient phone must be 11 characters."]}}`))
	}}
	c := newTestClient(t, fake)

	_, err := c.CreateConsignment(context.Background(), ConsignmentRequest{RecipientCity: 1, RecipientZone: 2})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusUnprocessableEntity, perr.StatusCode)
	require.Equal(t, "Please fix the given errors", perr.Message)
	require.Contains(t, perr.Fields, "recipient_phone")
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fake := &fakeCourier{handler: func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}}
	c := newTestClient(t, fake)
	t.Cleanup(func() { close(release) })

	// Warm the token so the deadline hits the API call itself.
	_, err := c.accessToken(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ListCities(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}
