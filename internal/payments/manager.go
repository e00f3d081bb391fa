package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/fulfillment/internal/observability"
)

// Manager routes calls to registered gateways and applies the amount rule.
type Manager struct {
	gateways       map[string]Gateway
	defaultGateway string
	currencyRoutes map[string]string
	logger         *zap.Logger
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the gateway used when no route matches.
func WithDefaultGateway(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = strings.ToLower(strings.TrimSpace(name))
	}
}

// WithCurrencyRoutes configures static currency to gateway mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = observability.OrNop(logger)
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways []Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	m := &Manager{
		gateways: make(map[string]Gateway, len(gateways)),
		logger:   zap.NewNop(),
	}
	for _, g := range gateways {
		if g == nil {
			return nil, errors.New("payments: nil gateway registration")
		}
		key := strings.ToLower(strings.TrimSpace(g.Name()))
		if key == "" {
			return nil, errors.New("payments: gateway name is required")
		}
		if _, dup := m.gateways[key]; dup {
			return nil, fmt.Errorf("payments: gateway %q registered twice", key)
		}
		m.gateways[key] = g
	}
	if len(gateways) == 1 {
		m.defaultGateway = strings.ToLower(gateways[0].Name())
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Gateway returns the gateway registered under name.
func (m *Manager) Gateway(name string) (Gateway, error) {
	g, ok := m.gateways[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGateway, name)
	}
	return g, nil
}

// Resolve picks a gateway name for a checkout in the given currency.
func (m *Manager) Resolve(preferred, currency string) (string, error) {
	if p := strings.ToLower(strings.TrimSpace(preferred)); p != "" {
		if _, ok := m.gateways[p]; ok {
			return p, nil
		}
		return "", fmt.Errorf("%w: %q", ErrUnsupportedGateway, preferred)
	}
	if route, ok := m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		if _, ok := m.gateways[route]; ok {
			return route, nil
		}
	}
	if _, ok := m.gateways[m.defaultGateway]; ok {
		return m.defaultGateway, nil
	}
	return "", ErrUnsupportedGateway
}

// CreateIntent delegates to the named gateway.
func (m *Manager) CreateIntent(ctx context.Context, gateway string, req IntentRequest) (handle IntentHandle, err error) {
	ctx, span := observability.StartSpan(ctx, "payments.create_intent",
		attribute.String("gateway", gateway),
		attribute.String("order.number", req.OrderNumber),
	)
	defer func() { observability.EndSpan(span, err) }()

	g, err := m.Gateway(gateway)
	if err != nil {
		return IntentHandle{}, err
	}
	handle, err = g.CreateIntent(ctx, req)
	if err != nil {
		m.logger.Warn("payment intent failed",
			zap.String("gateway", gateway),
			zap.String("order_number", req.OrderNumber),
			zap.Error(err),
		)
		return IntentHandle{}, err
	}
	handle.Gateway = g.Name()
	return handle, nil
}

// Verify queries the gateway and reports whether the transaction pays at
// least expectedAmount in currency. A gateway success for less than the
// expected amount, or in another currency, is not verified.
func (m *Manager) Verify(ctx context.Context, gateway, transactionID string, expectedAmount decimal.Decimal, currency string) (ok bool, result NormalizedResult, err error) {
	ctx, span := observability.StartSpan(ctx, "payments.verify",
		attribute.String("gateway", gateway),
		attribute.String("transaction.id", transactionID),
	)
	defer func() { observability.EndSpan(span, err) }()

	g, err := m.Gateway(gateway)
	if err != nil {
		return false, NormalizedResult{}, err
	}
	result, err = g.Verify(ctx, transactionID)
	if err != nil {
		return false, NormalizedResult{}, err
	}
	result.Gateway = g.Name()

	ok = Satisfies(result, expectedAmount, currency)
	if !ok && result.Status == StatusSucceeded {
		m.logger.Warn("gateway success does not cover expected amount",
			zap.String("gateway", gateway),
			zap.String("transaction_id", transactionID),
			zap.String("reported_amount", result.Amount.String()),
			zap.String("reported_currency", result.Currency),
			zap.String("expected_amount", expectedAmount.String()),
			zap.String("expected_currency", currency),
		)
	}
	return ok, result, nil
}

// ParseCallback authenticates and normalizes a webhook for the named gateway.
func (m *Manager) ParseCallback(gateway string, body []byte, headers http.Header) (NormalizedResult, error) {
	g, err := m.Gateway(gateway)
	if err != nil {
		return NormalizedResult{}, err
	}
	result, err := g.ParseCallback(body, headers)
	if err != nil {
		return NormalizedResult{}, err
	}
	result.Gateway = g.Name()
	return result, nil
}
