package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/fulfillment/internal/courier"
	"github.com/example/fulfillment/internal/localization"
	"github.com/example/fulfillment/internal/models"
	"github.com/example/fulfillment/internal/payments"
	"github.com/example/fulfillment/internal/repository"
)

type stubGateway struct {
	mu          sync.Mutex
	intentID    string
	intents     []payments.IntentRequest
	results     map[string]payments.NormalizedResult
	verifyErr   error
	verifyCalls int
	callback    payments.NormalizedResult
	callbackErr error
}

func newStubGateway() *stubGateway {
	return &stubGateway{results: map[string]payments.NormalizedResult{}}
}

func (g *stubGateway) Name() string { return "sslcommerz" }

// CreateIntent answers with intentID when set, like gateways that mint
// their own transaction ids.
func (g *stubGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.IntentHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents = append(g.intents, req)
	id := req.TransactionID
	if g.intentID != "" {
		id = g.intentID
	}
	return payments.IntentHandle{
		TransactionID: id,
		RedirectURL:   "https://pay.example.com/" + id,
	}, nil
}

func (g *stubGateway) Intents() []payments.IntentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.IntentRequest(nil), g.intents...)
}

func (g *stubGateway) Verify(_ context.Context, transactionID string) (payments.NormalizedResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return payments.NormalizedResult{}, g.verifyErr
	}
	r, ok := g.results[transactionID]
	if !ok {
		return payments.NormalizedResult{}, payments.ErrTransactionNotFound
	}
	r.TransactionID = transactionID
	return r, nil
}

func (g *stubGateway) ParseCallback([]byte, http.Header) (payments.NormalizedResult, error) {
	return g.callback, g.callbackErr
}

func (g *stubGateway) settle(transactionID string, status payments.Status, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[transactionID] = payments.NormalizedResult{
		Status:   status,
		Amount:   amount,
		Currency: "BDT",
		Method:   "bkash",
	}
}

type stubCourier struct {
	mu       sync.Mutex
	calls    int
	err      error
	requests []courier.ConsignmentRequest
}

func (c *stubCourier) Name() string { return courier.ServiceName }

func (c *stubCourier) StoreID() int { return 7 }

func (c *stubCourier) CreateConsignment(_ context.Context, req courier.ConsignmentRequest) (courier.Consignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.requests = append(c.requests, req)
	if c.err != nil {
		return courier.Consignment{}, c.err
	}
	return courier.Consignment{
		ConsignmentID:   fmt.Sprintf("CN%04d", c.calls),
		MerchantOrderID: req.MerchantOrderID,
		Status:          "Pending",
		DeliveryFee:     decimal.NewFromInt(80),
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, _ *models.Order, event NotificationEvent) NotificationResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return NotificationResult{Event: event, Sent: true}
}

func (n *recordingNotifier) Events() []NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationEvent(nil), n.events...)
}

type recordingAlerts struct {
	mu    sync.Mutex
	kinds []models.ReconciliationKind
}

func (a *recordingAlerts) AlertReconciliation(_ context.Context, issue models.ReconciliationIssue, _ *models.Order) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, issue.Kind)
	return nil
}

func (a *recordingAlerts) Kinds() []models.ReconciliationKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.ReconciliationKind(nil), a.kinds...)
}

type harness struct {
	store    *repository.MemoryStore
	gateway  *stubGateway
	courier  *stubCourier
	notifier *recordingNotifier
	alerts   *recordingAlerts
	svc      *OrderService
	variant  models.ProductVariant
}

// newHarness seeds one 445 BDT variant so two units plus flat shipping total 1000.
func newHarness(t *testing.T, stock int) *harness {
	t.Helper()

	store := repository.NewMemoryStore()
	gateway := newStubGateway()
	manager, err := payments.NewManager([]payments.Gateway{gateway})
	require.NoError(t, err)

	h := &harness{
		store:    store,
		gateway:  gateway,
		courier:  &stubCourier{},
		notifier: &recordingNotifier{},
		alerts:   &recordingAlerts{},
	}
	h.variant = store.PutVariant(models.ProductVariant{
		SKU:               "MUG-BLUE",
		ProductName:       "Mug",
		Label:             "Blue",
		Price:             decimal.NewFromInt(445),
		Currency:          "BDT",
		InventoryQuantity: stock,
		WeightKg:          decimal.RequireFromString("0.4"),
		IsActive:          true,
	})

	h.svc, err = NewOrderService(OrderServiceDeps{
		Store:    store,
		Payments: manager,
		Courier:  h.courier,
		Policy:   localization.Default(),
		Notifier: h.notifier,
		Alerts:   h.alerts,
	})
	require.NoError(t, err)
	return h
}

func testAddress() models.Address {
	return models.Address{
		Name:        "Rahim Uddin",
		Phone:       "01712345678",
		AddressLine: "House 12, Road 5",
		City:        "Dhaka",
		Zone:        "Dhanmondi",
		CityID:      1,
		ZoneID:      52,
		AreaID:      310,
	}
}

func (h *harness) checkout(qty int) CreateOrderInput {
	return CreateOrderInput{
		Items:           []CheckoutItem{{VariantID: h.variant.ID, Quantity: qty}},
		ShippingAddress: testAddress(),
		BillingAddress:  testAddress(),
		Region:          localization.RegionBangladesh,
	}
}

func (h *harness) createOrder(t *testing.T, in CreateOrderInput) (*models.Order, string) {
	t.Helper()
	order, err := h.svc.CreateOrder(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, order.Payments, 1)
	return order, order.Payments[0].TransactionID
}

// paidOrder returns a confirmed order for qty units.
func (h *harness) paidOrder(t *testing.T, qty int) *models.Order {
	t.Helper()
	order, txID := h.createOrder(t, h.checkout(qty))
	h.gateway.settle(txID, payments.StatusSucceeded, order.Payments[0].Amount)
	paid, err := h.svc.VerifyPayment(context.Background(), "", txID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusConfirmed, paid.Status)
	return paid
}
