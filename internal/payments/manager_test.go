package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	name   string
	lastOp string
	result NormalizedResult
	handle IntentHandle
	err    error
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) CreateIntent(context.Context, IntentRequest) (IntentHandle, error) {
	f.lastOp = "create"
	return f.handle, f.err
}

func (f *fakeGateway) Verify(context.Context, string) (NormalizedResult, error) {
	f.lastOp = "verify"
	return f.result, f.err
}

func (f *fakeGateway) ParseCallback([]byte, http.Header) (NormalizedResult, error) {
	f.lastOp = "callback"
	return f.result, f.err
}

func TestManagerVerifyRejectsShortPayment(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{name: "sslcommerz", result: NormalizedResult{
		Status:   StatusSucceeded,
		Amount:   decimal.NewFromInt(150),
		Currency: "BDT",
	}}
	mgr, err := NewManager([]Gateway{gw})
	require.NoError(t, err)

	ok, res, err := mgr.Verify(context.Background(), "sslcommerz", "tx-1", decimal.NewFromInt(200), "BDT")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, StatusSucceeded, res.Status)

	ok, _, err = mgr.Verify(context.Background(), "sslcommerz", "tx-1", decimal.NewFromInt(150), "BDT")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManagerVerifyRejectsCurrencyMismatch(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{name: "stripe", result: NormalizedResult{
		Status:   StatusSucceeded,
		Amount:   decimal.NewFromInt(500),
		Currency: "EUR",
	}}
	mgr, err := NewManager([]Gateway{gw})
	require.NoError(t, err)

	ok, _, err := mgr.Verify(context.Background(), "stripe", "pi_1", decimal.NewFromInt(100), "USD")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerVerifyPropagatesGatewayError(t *testing.T) {
	t.Parallel()
	boom := &GatewayError{Gateway: "stripe", Op: "verify", Err: ErrTimeout}
	mgr, err := NewManager([]Gateway{&fakeGateway{name: "stripe", err: boom}})
	require.NoError(t, err)

	_, _, err = mgr.Verify(context.Background(), "stripe", "pi_1", decimal.NewFromInt(1), "USD")
	require.ErrorIs(t, err, ErrTimeout)
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	require.Equal(t, "verify", gerr.Op)
}

func TestManagerResolveRoutesByCurrency(t *testing.T) {
	t.Parallel()
	ssl := &fakeGateway{name: "sslcommerz"}
	st := &fakeGateway{name: "stripe"}
	mgr, err := NewManager([]Gateway{ssl, st},
		WithDefaultGateway("stripe"),
		WithCurrencyRoutes(map[string]string{"bdt": "SSLCommerz"}),
	)
	require.NoError(t, err)

	name, err := mgr.Resolve("", "BDT")
	require.NoError(t, err)
	require.Equal(t, "sslcommerz", name)

	name, err = mgr.Resolve("", "USD")
	require.NoError(t, err)
	require.Equal(t, "stripe", name)

	name, err = mgr.Resolve("stripe", "BDT")
	require.NoError(t, err)
	require.Equal(t, "stripe", name)

	_, err = mgr.Resolve("paypal", "USD")
	require.ErrorIs(t, err, ErrUnsupportedGateway)
}

func TestManagerCreateIntentStampsGateway(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{name: "stripe", handle: IntentHandle{TransactionID: "pi_1"}}
	mgr, err := NewManager([]Gateway{gw})
	require.NoError(t, err)

	handle, err := mgr.CreateIntent(context.Background(), "stripe", IntentRequest{OrderNumber: "ORD-1"})
	require.NoError(t, err)
	require.Equal(t, "stripe", handle.Gateway)
	require.Equal(t, "create", gw.lastOp)

	_, err = mgr.CreateIntent(context.Background(), "paypal", IntentRequest{})
	require.ErrorIs(t, err, ErrUnsupportedGateway)
}

func TestNewManagerValidatesGateways(t *testing.T) {
	t.Parallel()
	_, err := NewManager(nil)
	require.Error(t, err)
	_, err = NewManager([]Gateway{nil})
	require.Error(t, err)
	_, err = NewManager([]Gateway{&fakeGateway{name: "a"}, &fakeGateway{name: "A"}})
	require.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	t.Parallel()
	require.EqualValues(t, 12345, ToMinorUnits(decimal.RequireFromString("123.45"), "USD"))
	require.EqualValues(t, 500, ToMinorUnits(decimal.NewFromInt(500), "JPY"))
	require.True(t, FromMinorUnits(12345, "usd").Equal(decimal.RequireFromString("123.45")))
	require.True(t, FromMinorUnits(500, "JPY").Equal(decimal.NewFromInt(500)))
}
