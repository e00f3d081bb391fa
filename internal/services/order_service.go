package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/example/fulfillment/internal/courier"
	"github.com/example/fulfillment/internal/localization"
	"github.com/example/fulfillment/internal/models"
	"github.com/example/fulfillment/internal/observability"
	"github.com/example/fulfillment/internal/payments"
	"github.com/example/fulfillment/internal/repository"
)

// Catalog resolves the sellable variant behind a checkout line.
type Catalog interface {
	GetProductVariant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error)
}

// Payments is the gateway surface the orchestrator drives.
type Payments interface {
	Resolve(preferred, currency string) (string, error)
	CreateIntent(ctx context.Context, gateway string, req payments.IntentRequest) (payments.IntentHandle, error)
	Verify(ctx context.Context, gateway, transactionID string, expectedAmount decimal.Decimal, currency string) (bool, payments.NormalizedResult, error)
	ParseCallback(gateway string, body []byte, headers http.Header) (payments.NormalizedResult, error)
}

// Courier books consignments.
type Courier interface {
	Name() string
	StoreID() int
	CreateConsignment(ctx context.Context, req courier.ConsignmentRequest) (courier.Consignment, error)
}

// Notifier delivers customer notifications. It never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, order *models.Order, event NotificationEvent) NotificationResult
}

// Alerter forwards reconciliation issues to operators.
type Alerter interface {
	AlertReconciliation(ctx context.Context, issue models.ReconciliationIssue, order *models.Order) error
}

// OrderServiceDeps bundles the collaborators of OrderService.
type OrderServiceDeps struct {
	Store          repository.Store
	Catalog        Catalog
	Payments       Payments
	Courier        Courier
	Policy         *localization.Policy
	Notifier       Notifier
	Alerts         Alerter
	Clock          func() time.Time
	Logger         *zap.Logger
	PaymentTimeout time.Duration
	CourierTimeout time.Duration
}

// OrderService is the only component that mutates order state.
type OrderService struct {
	store          repository.Store
	catalog        Catalog
	payments       Payments
	courier        Courier
	policy         *localization.Policy
	notifier       Notifier
	alerts         Alerter
	now            func() time.Time
	logger         *zap.Logger
	paymentTimeout time.Duration
	courierTimeout time.Duration
}

// NewOrderService wires the orchestrator. Store, Payments and Policy are required.
func NewOrderService(deps OrderServiceDeps) (*OrderService, error) {
	if deps.Store == nil {
		return nil, errors.New("order service: store is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order service: payments are required")
	}
	if deps.Policy == nil {
		return nil, errors.New("order service: localization policy is required")
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = deps.Store
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	paymentTimeout := deps.PaymentTimeout
	if paymentTimeout <= 0 {
		paymentTimeout = 15 * time.Second
	}
	courierTimeout := deps.CourierTimeout
	if courierTimeout <= 0 {
		courierTimeout = 15 * time.Second
	}
	return &OrderService{
		store:          deps.Store,
		catalog:        catalog,
		payments:       deps.Payments,
		courier:        deps.Courier,
		policy:         deps.Policy,
		notifier:       deps.Notifier,
		alerts:         deps.Alerts,
		now:            func() time.Time { return clock().UTC() },
		logger:         observability.OrNop(deps.Logger),
		paymentTimeout: paymentTimeout,
		courierTimeout: courierTimeout,
	}, nil
}

// CheckoutItem is one cart line.
type CheckoutItem struct {
	VariantID     uuid.UUID
	Quantity      int
	CustomOptions models.CustomOptions
}

// CreateOrderInput is a submitted checkout.
type CreateOrderInput struct {
	UserID          *uuid.UUID
	Items           []CheckoutItem
	ShippingAddress models.Address
	BillingAddress  models.Address
	Region          string
	PaymentMethod   string
	PaymentType     string
	TipAmount       decimal.Decimal
	Notes           string
}

// CreateOrder validates a checkout, prices it and persists the order with
// its items and a pending payment.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (order *models.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.create")
	defer func() { observability.EndSpan(span, err) }()

	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	if in.ShippingAddress.IsZero() {
		return nil, fmt.Errorf("%w: shipping address is required", ErrValidation)
	}
	if in.BillingAddress.IsZero() {
		return nil, fmt.Errorf("%w: billing address is required", ErrValidation)
	}
	if strings.TrimSpace(in.ShippingAddress.Phone) == "" {
		return nil, fmt.Errorf("%w: shipping phone is required", ErrValidation)
	}
	if in.TipAmount.IsNegative() {
		return nil, fmt.Errorf("%w: tip cannot be negative", ErrValidation)
	}

	region := s.policy.Region(in.Region).Region
	currency := s.policy.Currency(region)

	paymentType := strings.ToLower(strings.TrimSpace(in.PaymentType))
	switch paymentType {
	case "", models.PaymentTypeFull:
		paymentType = models.PaymentTypeFull
	case models.PaymentTypePartial:
		if !s.policy.IsPartialPaymentAllowed(region) {
			return nil, fmt.Errorf("%w: partial payment is not available in %s", ErrValidation, region)
		}
	default:
		return nil, fmt.Errorf("%w: unknown payment type %q", ErrValidation, in.PaymentType)
	}

	gateway, err := s.payments.Resolve(in.PaymentMethod, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	requested := make(map[uuid.UUID]int, len(in.Items))
	for _, line := range in.Items {
		requested[line.VariantID] += line.Quantity
	}

	items := make([]models.OrderItem, 0, len(in.Items))
	subtotal := decimal.Zero
	for i, line := range in.Items {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, i+1)
		}
		variant, err := s.catalog.GetProductVariant(ctx, line.VariantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: item %d references unknown variant %s", ErrValidation, i+1, line.VariantID)
			}
			return nil, err
		}
		if !variant.IsActive {
			return nil, fmt.Errorf("%w: %s is not available", ErrValidation, variant.SKU)
		}
		if variant.InventoryQuantity < requested[line.VariantID] {
			return nil, fmt.Errorf("%w: %s has %d left", ErrInsufficientStock, variant.SKU, variant.InventoryQuantity)
		}

		price := variant.Price
		if variant.Currency != "" && !strings.EqualFold(variant.Currency, currency) {
			price, err = s.policy.Convert(variant.Price, variant.Currency, currency)
			if err != nil {
				return nil, fmt.Errorf("price %s: %w", variant.SKU, err)
			}
		}
		lineTotal := price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(lineTotal)

		variantID := variant.ID
		items = append(items, models.OrderItem{
			ProductID:     variant.ProductID,
			VariantID:     &variantID,
			ProductName:   variant.ProductName,
			VariantLabel:  variant.Label,
			Quantity:      line.Quantity,
			Price:         price,
			LineTotal:     lineTotal,
			WeightKg:      variant.WeightKg,
			CustomOptions: line.CustomOptions,
		})
	}

	shipping := s.policy.ShippingCost(subtotal, region)
	total := subtotal.Add(shipping).Add(in.TipAmount)
	required := s.policy.RequiredPayment(total, region, paymentType == models.PaymentTypePartial)

	now := s.now()
	order = &models.Order{
		UserID:           in.UserID,
		OrderNumber:      newOrderNumber(),
		Status:           models.OrderStatusPending,
		PaymentStatus:    models.PaymentStatusPending,
		PaymentMethod:    gateway,
		PaymentType:      paymentType,
		Subtotal:         subtotal,
		ShippingCost:     shipping,
		TipAmount:        in.TipAmount,
		Total:            total,
		AmountPaid:       decimal.Zero,
		DeliveryFee:      decimal.Zero,
		Currency:         currency,
		CustomerLocation: region,
		ShippingAddress:  in.ShippingAddress,
		BillingAddress:   in.BillingAddress,
		Notes:            strings.TrimSpace(in.Notes),
		PlacedAt:         now,
		Items:            items,
	}
	payment := &models.Payment{
		Gateway:       gateway,
		TransactionID: newTransactionRef(),
		Amount:        required,
		Currency:      currency,
		Status:        models.PaymentStatusPending,
		Metadata:      datatypes.JSON(`{}`),
	}

	if err := s.store.CreateOrder(ctx, order, payment); err != nil {
		if errors.Is(err, models.ErrTotalMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	order.Payments = []models.Payment{*payment}

	s.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("region", region),
		zap.String("total", total.String()),
		zap.String("required_payment", required.String()),
		zap.String("gateway", gateway),
	)
	return order, nil
}

// PaymentIntent is what the storefront needs to send the customer to pay.
type PaymentIntent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	Gateway       string          `json:"gateway"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	RedirectURL   string          `json:"redirect_url,omitempty"`
	ClientSecret  string          `json:"client_secret,omitempty"`
}

// IssuePaymentIntent opens a gateway session for the order's pending payment.
func (s *OrderService) IssuePaymentIntent(ctx context.Context, orderID uuid.UUID, userID *uuid.UUID) (intent *PaymentIntent, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.issue_payment_intent", attribute.String("order.id", orderID.String()))
	defer func() { observability.EndSpan(span, err) }()

	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
	}
	pending := pendingPayment(order)
	if pending == nil {
		return nil, fmt.Errorf("%w: no pending payment on order", ErrInvalidTransition)
	}

	// The merchant reference is fixed at checkout. Gateways that mint their
	// own transaction id replace Payment.TransactionID, so every re-issue
	// sends the stored reference to keep the idempotent request identical.
	reference := pending.TransactionID
	if ref, ok := s.decodeMetadata(pending)["reference"].(string); ok && ref != "" {
		reference = ref
	}

	pctx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()
	handle, err := s.payments.CreateIntent(pctx, pending.Gateway, payments.IntentRequest{
		TransactionID:  reference,
		OrderID:        order.ID.String(),
		OrderNumber:    order.OrderNumber,
		Amount:         pending.Amount,
		Currency:       pending.Currency,
		Customer:       customerOf(order),
		ProductName:    productSummary(order),
		ItemCount:      itemCount(order),
		IdempotencyKey: pending.ID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	err = s.store.WithOrderLock(ctx, order.ID, func(tx repository.Tx, locked *models.Order) error {
		p := findPayment(locked, pending.ID)
		if p == nil || p.Status != models.PaymentStatusPending {
			return fmt.Errorf("%w: payment no longer pending", ErrInvalidTransition)
		}
		meta := s.decodeMetadata(p)
		meta["reference"] = reference
		if handle.RedirectURL != "" {
			meta["redirect_url"] = handle.RedirectURL
		}
		for k, v := range handle.Raw {
			if k != "reference" {
				meta[k] = v
			}
		}
		if handle.TransactionID != "" {
			p.TransactionID = handle.TransactionID
		}
		p.Metadata = encodeMetadata(meta)
		return tx.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, translateStoreErr(err)
	}

	gateway := handle.Gateway
	if gateway == "" {
		gateway = pending.Gateway
	}
	txID := handle.TransactionID
	if txID == "" {
		txID = reference
	}
	return &PaymentIntent{
		OrderID:       order.ID,
		Gateway:       gateway,
		TransactionID: txID,
		Amount:        pending.Amount,
		Currency:      pending.Currency,
		RedirectURL:   handle.RedirectURL,
		ClientSecret:  handle.ClientSecret,
	}, nil
}

// PaymentOutcome is an authoritative gateway result for one transaction.
type PaymentOutcome struct {
	Gateway       string
	TransactionID string
	Succeeded     bool
	Amount        decimal.Decimal
	Currency      string
	Method        string
	Raw           map[string]any
	// Issue, when set on a failed outcome, is recorded once as the payment
	// moves from pending to failed.
	Issue        models.ReconciliationKind
	IssueDetails map[string]any
}

// ApplyPaymentResult records a verified outcome. Success confirms the order
// and draws down stock once; failure fails a pending order. Replays of an
// already applied success return the current order unchanged.
func (s *OrderService) ApplyPaymentResult(ctx context.Context, outcome PaymentOutcome) (order *models.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.apply_payment_result",
		attribute.String("transaction.id", outcome.TransactionID),
		attribute.Bool("payment.succeeded", outcome.Succeeded),
	)
	defer func() { observability.EndSpan(span, err) }()

	payment, err := s.store.FindPaymentByTransaction(ctx, outcome.TransactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, outcome.TransactionID)
		}
		return nil, err
	}

	var (
		confirmed  bool
		shortfalls []shortfall
		issues     []models.ReconciliationIssue
	)
	err = s.store.WithOrderLock(ctx, payment.OrderID, func(tx repository.Tx, locked *models.Order) error {
		confirmed, shortfalls, issues = false, nil, nil
		p := findPayment(locked, payment.ID)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPaymentNotFound, outcome.TransactionID)
		}
		if p.Status == models.PaymentStatusCompleted {
			order = locked
			return nil
		}
		if p.Status == models.PaymentStatusFailed && !outcome.Succeeded {
			order = locked
			return nil
		}

		now := s.now()
		meta := s.decodeMetadata(p)
		if outcome.Method != "" {
			meta["method"] = outcome.Method
		}
		for k, v := range outcome.Raw {
			meta[k] = v
		}
		p.Metadata = encodeMetadata(meta)
		p.ValidatedAt = &now

		if !outcome.Succeeded {
			p.Status = models.PaymentStatusFailed
			if err := tx.SavePayment(ctx, p); err != nil {
				return err
			}
			if outcome.Issue != "" {
				issue := models.ReconciliationIssue{
					OrderID: locked.ID,
					Kind:    outcome.Issue,
					Details: encodeMetadata(outcome.IssueDetails),
				}
				if err := tx.CreateReconciliation(ctx, &issue); err != nil {
					return err
				}
				issues = append(issues, issue)
			}
			if locked.Status == models.OrderStatusPending {
				locked.PaymentStatus = models.PaymentStatusFailed
				stampTransition(locked, models.OrderStatusFailed, s.now)
				if err := tx.SaveOrder(ctx, locked); err != nil {
					return err
				}
			}
			order = locked
			return nil
		}

		p.Status = models.PaymentStatusCompleted
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		locked.AmountPaid = locked.AmountPaid.Add(outcome.Amount)
		locked.PaymentStatus = models.PaymentStatusCompleted

		if locked.Status != models.OrderStatusPending {
			// Paid after the order left pending (cancelled by an operator).
			issue := models.ReconciliationIssue{
				OrderID: locked.ID,
				Kind:    models.ReconciliationPaymentUnknown,
				Details: encodeMetadata(map[string]any{
					"reason":         "payment completed on " + string(locked.Status) + " order",
					"transaction_id": outcome.TransactionID,
					"amount":         outcome.Amount.String(),
				}),
			}
			if err := tx.CreateReconciliation(ctx, &issue); err != nil {
				return err
			}
			issues = append(issues, issue)
			if err := tx.SaveOrder(ctx, locked); err != nil {
				return err
			}
			order = locked
			return nil
		}

		for _, item := range locked.Items {
			if item.VariantID == nil {
				continue
			}
			ok, err := tx.DecrementStock(ctx, *item.VariantID, item.Quantity)
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if !ok {
				shortfalls = append(shortfalls, shortfall{VariantID: *item.VariantID, Name: item.ProductName, Quantity: item.Quantity})
			}
		}
		if len(shortfalls) > 0 {
			issue := models.ReconciliationIssue{
				OrderID: locked.ID,
				Kind:    models.ReconciliationStockShortfall,
				Details: encodeMetadata(map[string]any{"items": shortfalls}),
			}
			if err := tx.CreateReconciliation(ctx, &issue); err != nil {
				return err
			}
			issues = append(issues, issue)
		}

		stampTransition(locked, models.OrderStatusConfirmed, s.now)
		if err := tx.SaveOrder(ctx, locked); err != nil {
			return err
		}
		confirmed = true
		order = locked
		return nil
	})
	if err != nil {
		return nil, translateStoreErr(err)
	}

	if confirmed {
		s.logger.Info("order confirmed",
			zap.String("order_id", order.ID.String()),
			zap.String("transaction_id", outcome.TransactionID),
			zap.Int("stock_shortfalls", len(shortfalls)),
		)
		s.notify(ctx, order, EventConfirmed)
	}
	s.alert(ctx, issues, order)
	return order, nil
}

type shortfall struct {
	VariantID uuid.UUID `json:"variant_id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
}

// VerifyPayment queries the gateway for transactionID and applies the
// result. A gateway success for less than the recorded payment amount fails
// the payment and the pending order, records one amount_mismatch issue and
// returns ErrPaymentUnverified.
func (s *OrderService) VerifyPayment(ctx context.Context, gateway, transactionID string) (order *models.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.verify_payment",
		attribute.String("gateway", gateway),
		attribute.String("transaction.id", transactionID),
	)
	defer func() { observability.EndSpan(span, err) }()

	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrValidation)
	}
	payment, err := s.store.FindPaymentByTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, transactionID)
		}
		return nil, err
	}
	if gateway == "" {
		gateway = payment.Gateway
	}
	if !strings.EqualFold(gateway, payment.Gateway) {
		return nil, fmt.Errorf("%w: transaction belongs to %s", ErrValidation, payment.Gateway)
	}
	if payment.Status != models.PaymentStatusPending {
		return s.store.GetOrder(ctx, payment.OrderID)
	}

	vctx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()
	ok, result, err := s.payments.Verify(vctx, payment.Gateway, transactionID, payment.Amount, payment.Currency)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			s.logger.Warn("payment verification timed out",
				zap.String("order_id", payment.OrderID.String()),
				zap.String("transaction_id", transactionID),
			)
			return nil, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		case errors.Is(err, payments.ErrTransactionNotFound):
			return nil, fmt.Errorf("%w: gateway has no record of %s", ErrPaymentUnverified, transactionID)
		}
		return nil, fmt.Errorf("verify payment: %w", err)
	}

	switch result.Status {
	case payments.StatusPending:
		return nil, fmt.Errorf("%w: payment still pending at gateway", ErrPaymentUnverified)
	case payments.StatusFailed:
		return s.ApplyPaymentResult(ctx, outcomeFrom(transactionID, result, false))
	}
	if !ok {
		if _, err := s.ApplyPaymentResult(ctx, shortPayment(transactionID, payment, result)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: gateway reported %s %s, expected %s %s",
			ErrPaymentUnverified, result.Amount, result.Currency, payment.Amount, payment.Currency)
	}
	return s.ApplyPaymentResult(ctx, outcomeFrom(transactionID, result, true))
}

// ReconcilePayment re-queries the gateway for the order's pending payment.
func (s *OrderService) ReconcilePayment(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.GetOrder(ctx, orderID, nil)
	if err != nil {
		return nil, err
	}
	pending := pendingPayment(order)
	if pending == nil {
		return order, nil
	}
	updated, err := s.VerifyPayment(ctx, pending.Gateway, pending.TransactionID)
	if errors.Is(err, ErrOutcomeUnknown) {
		s.recordIssue(ctx, orderID, models.ReconciliationPaymentUnknown, map[string]any{
			"transaction_id": pending.TransactionID,
			"gateway":        pending.Gateway,
		})
	}
	return updated, err
}

// WebhookResult summarizes how a webhook was handled.
type WebhookResult struct {
	Status  string     `json:"status"`
	OrderID *uuid.UUID `json:"order_id,omitempty"`
}

// Webhook result statuses.
const (
	WebhookApplied     = "applied"
	WebhookIgnored     = "ignored"
	WebhookUnknown     = "unknown_reference"
	WebhookUnverified  = "unverified"
	WebhookDeferred    = "deferred"
	WebhookIntegration = "integration"
)

// IngestPaymentWebhook authenticates a gateway callback and applies it.
// Parse and signature errors are returned; every other outcome is
// acknowledged so the gateway stops retrying.
func (s *OrderService) IngestPaymentWebhook(ctx context.Context, gateway string, body []byte, headers http.Header) (WebhookResult, error) {
	result, err := s.payments.ParseCallback(gateway, body, headers)
	if err != nil {
		if errors.Is(err, payments.ErrIgnoredEvent) {
			return WebhookResult{Status: WebhookIgnored}, nil
		}
		return WebhookResult{}, err
	}

	log := s.logger.With(zap.String("gateway", gateway), zap.String("transaction_id", result.TransactionID))

	payment, err := s.store.FindPaymentByTransaction(ctx, result.TransactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("payment webhook for unknown transaction")
			return WebhookResult{Status: WebhookUnknown}, nil
		}
		return WebhookResult{}, err
	}
	orderID := payment.OrderID
	ack := func(status string) WebhookResult { return WebhookResult{Status: status, OrderID: &orderID} }

	if result.Status == payments.StatusPending {
		return ack(WebhookIgnored), nil
	}

	var applyErr error
	switch {
	case result.NeedsValidation:
		_, applyErr = s.VerifyPayment(ctx, gateway, result.TransactionID)
	case result.Status == payments.StatusFailed:
		_, applyErr = s.ApplyPaymentResult(ctx, outcomeFrom(result.TransactionID, result, false))
	case payments.Satisfies(result, payment.Amount, payment.Currency):
		_, applyErr = s.ApplyPaymentResult(ctx, outcomeFrom(result.TransactionID, result, true))
	default:
		_, applyErr = s.ApplyPaymentResult(ctx, shortPayment(result.TransactionID, payment, result))
		if applyErr == nil {
			applyErr = ErrPaymentUnverified
		}
	}

	switch {
	case applyErr == nil:
		return ack(WebhookApplied), nil
	case errors.Is(applyErr, ErrPaymentUnverified):
		log.Warn("payment webhook not verified", zap.Error(applyErr))
		return ack(WebhookUnverified), nil
	case errors.Is(applyErr, ErrOutcomeUnknown):
		s.recordIssue(ctx, orderID, models.ReconciliationPaymentUnknown, map[string]any{
			"transaction_id": result.TransactionID,
			"gateway":        gateway,
		})
		return ack(WebhookDeferred), nil
	case errors.Is(applyErr, ErrPaymentNotFound), errors.Is(applyErr, ErrOrderNotFound):
		return ack(WebhookUnknown), nil
	}
	return WebhookResult{}, applyErr
}

// CourierUpdate is a normalized courier status event.
type CourierUpdate struct {
	Service        string
	TrackingID     string
	ExternalStatus string
	Status         courier.Status
	Location       string
	Description    string
	DeliveryFee    *decimal.Decimal
	Timestamp      time.Time
}

// ApplyCourierStatus appends a tracking update and advances the order when
// the mapped status is ahead of the current one.
func (s *OrderService) ApplyCourierStatus(ctx context.Context, update CourierUpdate) (order *models.Order, applied bool, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.apply_courier_status",
		attribute.String("courier.tracking_id", update.TrackingID),
		attribute.String("courier.status", string(update.Status)),
	)
	defer func() { observability.EndSpan(span, err) }()

	found, err := s.store.FindOrderByCourier(ctx, update.Service, update.TrackingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: consignment %s", ErrOrderNotFound, update.TrackingID)
		}
		return nil, false, err
	}

	err = s.store.WithOrderLock(ctx, found.ID, func(tx repository.Tx, locked *models.Order) error {
		applied = false
		changed := false
		if target, ok := courierTransitions[update.Status]; ok && canTransition(locked.Status, target) {
			stampTransition(locked, target, s.now)
			applied, changed = true, true
		}
		if update.DeliveryFee != nil && !update.DeliveryFee.Equal(locked.DeliveryFee) {
			locked.DeliveryFee = *update.DeliveryFee
			changed = true
		}
		if changed {
			if err := tx.SaveOrder(ctx, locked); err != nil {
				return err
			}
		}

		ts := update.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		tracking := &models.TrackingUpdate{
			OrderID:        locked.ID,
			CourierService: update.Service,
			ExternalStatus: update.ExternalStatus,
			Status:         string(update.Status),
			Location:       update.Location,
			Description:    update.Description,
			Applied:        applied,
			Timestamp:      ts,
		}
		if err := tx.AppendTracking(ctx, tracking); err != nil {
			return err
		}
		order = locked
		return nil
	})
	if err != nil {
		return nil, false, translateStoreErr(err)
	}

	if applied {
		s.logger.Info("order advanced by courier",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(order.Status)),
			zap.String("external_status", update.ExternalStatus),
		)
		if event, ok := notificationFor(order.Status); ok {
			s.notify(ctx, order, event)
		}
	}
	return order, applied, nil
}

// IngestCourierWebhook parses a courier callback and applies it. Unknown
// consignments are acknowledged without recording anything.
func (s *OrderService) IngestCourierWebhook(ctx context.Context, body []byte) (WebhookResult, error) {
	event, err := courier.ParseWebhook(body)
	if err != nil {
		return WebhookResult{}, err
	}
	if event.IsIntegration() {
		return WebhookResult{Status: WebhookIntegration}, nil
	}

	service := courier.ServiceName
	if s.courier != nil {
		service = s.courier.Name()
	}
	order, applied, err := s.ApplyCourierStatus(ctx, CourierUpdate{
		Service:        service,
		TrackingID:     event.ConsignmentID,
		ExternalStatus: event.Event,
		Status:         event.Status,
		Location:       event.Location,
		Description:    event.Reason,
		DeliveryFee:    event.DeliveryFee,
		Timestamp:      event.Timestamp,
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.logger.Warn("courier webhook for unknown consignment",
				zap.String("consignment_id", event.ConsignmentID),
				zap.String("event", event.Event),
			)
			return WebhookResult{Status: WebhookUnknown}, nil
		}
		return WebhookResult{}, err
	}
	status := WebhookIgnored
	if applied {
		status = WebhookApplied
	}
	return WebhookResult{Status: status, OrderID: &order.ID}, nil
}

// AssignCourierInput carries operator options for a consignment.
type AssignCourierInput struct {
	Instruction  string
	DeliveryType int
}

// AssignCourier books a consignment for a confirmed or processing order and
// records the courier pair exactly once.
func (s *OrderService) AssignCourier(ctx context.Context, orderID uuid.UUID, in AssignCourierInput) (order *models.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.assign_courier", attribute.String("order.id", orderID.String()))
	defer func() { observability.EndSpan(span, err) }()

	if s.courier == nil {
		return nil, courier.ErrNotConfigured
	}

	var consignment, booked courier.Consignment
	var bookingUnknown bool
	err = s.store.WithOrderLock(ctx, orderID, func(tx repository.Tx, locked *models.Order) error {
		if locked.HasCourier() {
			return ErrCourierAlreadyAssigned
		}
		if locked.Status != models.OrderStatusConfirmed && locked.Status != models.OrderStatusProcessing {
			return fmt.Errorf("%w: cannot assign courier to %s order", ErrInvalidTransition, locked.Status)
		}
		addr := locked.ShippingAddress
		if addr.CityID <= 0 || addr.ZoneID <= 0 {
			return fmt.Errorf("%w: shipping address has no courier city/zone", ErrValidation)
		}

		req := courier.BuildConsignment(locked, s.courier.StoreID(), in.Instruction)
		if in.DeliveryType != 0 {
			req.DeliveryType = in.DeliveryType
		}

		cctx, cancel := context.WithTimeout(ctx, s.courierTimeout)
		defer cancel()
		c, err := s.courier.CreateConsignment(cctx, req)
		if err != nil {
			if errors.Is(err, courier.ErrInvalidLocation) {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			bookingUnknown = errors.Is(err, courier.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
			return fmt.Errorf("create consignment: %w", err)
		}
		booked = c

		service, trackingID := s.courier.Name(), c.TrackingID()
		if err := tx.AssignCourier(ctx, locked.ID, service, trackingID); err != nil {
			return err
		}
		locked.CourierService = &service
		locked.CourierTrackingID = &trackingID
		locked.TrackingNumber = trackingID
		if !c.DeliveryFee.IsZero() {
			locked.DeliveryFee = c.DeliveryFee
		}
		if err := tx.SaveOrder(ctx, locked); err != nil {
			return err
		}
		consignment = c
		order = locked
		return nil
	})
	if err != nil {
		// A consignment that may exist at the courier without being recorded
		// here needs an operator.
		if booked.ConsignmentID != "" || bookingUnknown {
			s.recordIssue(context.WithoutCancel(ctx), orderID, models.ReconciliationCourierUnassigned, map[string]any{
				"consignment_id": booked.ConsignmentID,
				"courier":        s.courier.Name(),
				"error":          err.Error(),
			})
		}
		return nil, translateStoreErr(err)
	}

	s.logger.Info("courier assigned",
		zap.String("order_id", order.ID.String()),
		zap.String("consignment_id", consignment.ConsignmentID),
		zap.String("delivery_fee", consignment.DeliveryFee.String()),
	)
	return order, nil
}

// CancelOrder cancels a non-terminal order on operator request.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (order *models.Order, err error) {
	ctx, span := observability.StartSpan(ctx, "orders.cancel", attribute.String("order.id", orderID.String()))
	defer func() { observability.EndSpan(span, err) }()

	err = s.store.WithOrderLock(ctx, orderID, func(tx repository.Tx, locked *models.Order) error {
		if !canTransition(locked.Status, models.OrderStatusCancelled) {
			return fmt.Errorf("%w: order is %s", ErrInvalidTransition, locked.Status)
		}
		stampTransition(locked, models.OrderStatusCancelled, s.now)
		if reason = strings.TrimSpace(reason); reason != "" {
			if locked.Notes != "" {
				locked.Notes += "\n"
			}
			locked.Notes += "Cancelled: " + reason
		}
		order = locked
		return tx.SaveOrder(ctx, locked)
	})
	if err != nil {
		return nil, translateStoreErr(err)
	}
	s.notify(ctx, order, EventCancelled)
	return order, nil
}

// GetOrder loads an order. When userID is set the order must belong to it.
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID, userID *uuid.UUID) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if userID != nil && (order.UserID == nil || *order.UserID != *userID) {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders pages through orders.
func (s *OrderService) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]models.Order, int64, error) {
	return s.store.ListOrders(ctx, filter)
}

// ListReconciliation pages through operator issues.
func (s *OrderService) ListReconciliation(ctx context.Context, filter repository.ReconciliationFilter) ([]models.ReconciliationIssue, int64, error) {
	return s.store.ListReconciliation(ctx, filter)
}

// ResolveReconciliation closes an issue with an operator note.
func (s *OrderService) ResolveReconciliation(ctx context.Context, id uuid.UUID, note string) error {
	if err := s.store.ResolveReconciliation(ctx, id, strings.TrimSpace(note)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
		}
		return err
	}
	return nil
}

func (s *OrderService) recordIssue(ctx context.Context, orderID uuid.UUID, kind models.ReconciliationKind, details map[string]any) {
	var (
		issue models.ReconciliationIssue
		order *models.Order
	)
	err := s.store.WithOrderLock(ctx, orderID, func(tx repository.Tx, locked *models.Order) error {
		issue = models.ReconciliationIssue{OrderID: orderID, Kind: kind, Details: encodeMetadata(details)}
		order = locked
		return tx.CreateReconciliation(ctx, &issue)
	})
	if err != nil {
		s.logger.Error("record reconciliation issue failed",
			zap.String("order_id", orderID.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}
	s.alert(ctx, []models.ReconciliationIssue{issue}, order)
}

func (s *OrderService) notify(ctx context.Context, order *models.Order, event NotificationEvent) {
	if s.notifier == nil || order == nil {
		return
	}
	res := s.notifier.Notify(context.WithoutCancel(ctx), order, event)
	if res.Error != "" {
		s.logger.Warn("notification not delivered",
			zap.String("order_id", order.ID.String()),
			zap.String("event", string(event)),
			zap.String("error", res.Error),
		)
	}
}

func (s *OrderService) alert(ctx context.Context, issues []models.ReconciliationIssue, order *models.Order) {
	for _, issue := range issues {
		s.logger.Warn("reconciliation issue recorded",
			zap.String("order_id", issue.OrderID.String()),
			zap.String("kind", string(issue.Kind)),
			zap.ByteString("details", issue.Details),
		)
		if s.alerts == nil {
			continue
		}
		if err := s.alerts.AlertReconciliation(context.WithoutCancel(ctx), issue, order); err != nil {
			s.logger.Warn("reconciliation alert failed", zap.Error(err))
		}
	}
}

func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrOrderNotFound
	case errors.Is(err, repository.ErrCourierAlreadyAssigned):
		return ErrCourierAlreadyAssigned
	}
	return err
}

func outcomeFrom(transactionID string, r payments.NormalizedResult, succeeded bool) PaymentOutcome {
	raw := map[string]any{}
	for k, v := range r.Raw {
		raw[k] = v
	}
	if r.ValidationID != "" {
		raw["validation_id"] = r.ValidationID
	}
	return PaymentOutcome{
		Gateway:       r.Gateway,
		TransactionID: transactionID,
		Succeeded:     succeeded,
		Amount:        r.Amount,
		Currency:      r.Currency,
		Method:        r.Method,
		Raw:           raw,
	}
}

// shortPayment turns a success that does not cover the payment into a
// failed outcome carrying an amount_mismatch issue.
func shortPayment(transactionID string, payment *models.Payment, r payments.NormalizedResult) PaymentOutcome {
	outcome := outcomeFrom(transactionID, r, false)
	outcome.Raw["failure_reason"] = "amount_mismatch"
	outcome.Issue = models.ReconciliationAmountMismatch
	outcome.IssueDetails = map[string]any{
		"transaction_id":    transactionID,
		"expected_amount":   payment.Amount.String(),
		"expected_currency": payment.Currency,
		"reported_amount":   r.Amount.String(),
		"reported_currency": r.Currency,
	}
	return outcome
}

func pendingPayment(order *models.Order) *models.Payment {
	for i := len(order.Payments) - 1; i >= 0; i-- {
		if order.Payments[i].Status == models.PaymentStatusPending {
			return &order.Payments[i]
		}
	}
	return nil
}

func findPayment(order *models.Order, id uuid.UUID) *models.Payment {
	for i := range order.Payments {
		if order.Payments[i].ID == id {
			return &order.Payments[i]
		}
	}
	return nil
}

func customerOf(order *models.Order) payments.Customer {
	addr := order.BillingAddress
	if addr.IsZero() {
		addr = order.ShippingAddress
	}
	return payments.Customer{
		Name:    addr.Name,
		Email:   addr.Email,
		Phone:   addr.Phone,
		Address: addr.AddressLine,
		City:    addr.City,
	}
}

func productSummary(order *models.Order) string {
	names := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		names = append(names, item.ProductName)
	}
	summary := strings.Join(names, ", ")
	if len(summary) > 200 {
		summary = summary[:200]
	}
	return summary
}

func itemCount(order *models.Order) int {
	n := 0
	for _, item := range order.Items {
		n += item.Quantity
	}
	return n
}

// decodeMetadata reads a payment's metadata blob. An unreadable blob is
// logged and carried along under previous_metadata so a later save keeps it.
func (s *OrderService) decodeMetadata(p *models.Payment) map[string]any {
	out := map[string]any{}
	if len(p.Metadata) == 0 {
		return out
	}
	if err := json.Unmarshal(p.Metadata, &out); err != nil {
		s.logger.Warn("payment metadata unreadable",
			zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", p.TransactionID),
			zap.Error(err),
		)
		return map[string]any{"previous_metadata": string(p.Metadata)}
	}
	return out
}

func encodeMetadata(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON(`{}`)
	}
	return datatypes.JSON(data)
}

func newOrderNumber() string {
	return "ORD-" + ulid.Make().String()
}

func newTransactionRef() string {
	return "TXN-" + ulid.Make().String()
}
