// Package localization computes region-dependent shipping, payment and currency rules.
//
// Every threshold and charge comes from a RegionPolicy row; call sites never
// hardcode per-region numbers.
package localization

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Region tags used by checkout.
const (
	RegionBangladesh    = "bangladesh"
	RegionInternational = "international"
)

// ErrUnknownCurrency is returned by Convert when no rate is configured.
var ErrUnknownCurrency = errors.New("localization: unknown currency")

// RegionPolicy is one row of the policy table.
type RegionPolicy struct {
	Region                string
	Currency              string
	FreeShippingThreshold decimal.Decimal
	ShippingCharge        decimal.Decimal
	DeliveryDaysMin       int
	DeliveryDaysMax       int
	PartialPayment        bool
	PartialPercentage     decimal.Decimal
}

// DaysRange is an inclusive delivery estimate in days.
type DaysRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (r DaysRange) String() string {
	if r.Min == r.Max {
		return fmt.Sprintf("%d days", r.Min)
	}
	return fmt.Sprintf("%d-%d days", r.Min, r.Max)
}

// Policy answers localization questions from an immutable table.
type Policy struct {
	regions  map[string]RegionPolicy
	fallback string
	// rates maps currency code to units per 1 USD.
	rates map[string]decimal.Decimal
}

// DefaultRegions returns the built-in policy rows.
func DefaultRegions() []RegionPolicy {
	return []RegionPolicy{
		{
			Region:                RegionBangladesh,
			Currency:              "BDT",
			FreeShippingThreshold: decimal.NewFromInt(2000),
			ShippingCharge:        decimal.NewFromInt(110),
			DeliveryDaysMin:       2,
			DeliveryDaysMax:       5,
			PartialPayment:        true,
			PartialPercentage:     decimal.NewFromInt(20),
		},
		{
			Region:                RegionInternational,
			Currency:              "USD",
			FreeShippingThreshold: decimal.NewFromInt(150),
			ShippingCharge:        decimal.NewFromInt(25),
			DeliveryDaysMin:       7,
			DeliveryDaysMax:       14,
		},
	}
}

// DefaultRates returns currency units per 1 USD.
func DefaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"BDT": decimal.NewFromInt(120),
		"EUR": decimal.RequireFromString("0.92"),
		"GBP": decimal.RequireFromString("0.79"),
	}
}

// NewPolicy builds a Policy. Regions not in the table resolve to fallback.
func NewPolicy(rows []RegionPolicy, rates map[string]decimal.Decimal, fallback string) (*Policy, error) {
	if len(rows) == 0 {
		return nil, errors.New("localization: at least one region policy is required")
	}
	p := &Policy{
		regions: make(map[string]RegionPolicy, len(rows)),
		rates:   make(map[string]decimal.Decimal, len(rates)),
	}
	for _, row := range rows {
		key := normalizeRegion(row.Region)
		if key == "" {
			return nil, errors.New("localization: region name is required")
		}
		row.Region = key
		row.Currency = strings.ToUpper(strings.TrimSpace(row.Currency))
		p.regions[key] = row
	}
	for code, rate := range rates {
		if rate.Sign() <= 0 {
			return nil, fmt.Errorf("localization: rate for %s must be positive", code)
		}
		p.rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	p.fallback = normalizeRegion(fallback)
	if _, ok := p.regions[p.fallback]; !ok {
		return nil, fmt.Errorf("localization: fallback region %q has no policy", fallback)
	}
	return p, nil
}

// Default returns the policy built from DefaultRegions and DefaultRates.
func Default() *Policy {
	p, err := NewPolicy(DefaultRegions(), DefaultRates(), RegionInternational)
	if err != nil {
		panic(err)
	}
	return p
}

// Region returns the policy row for region, falling back when unknown.
func (p *Policy) Region(region string) RegionPolicy {
	if row, ok := p.regions[normalizeRegion(region)]; ok {
		return row
	}
	return p.regions[p.fallback]
}

// Known reports whether region has its own row.
func (p *Policy) Known(region string) bool {
	_, ok := p.regions[normalizeRegion(region)]
	return ok
}

// Currency returns the checkout currency for region.
func (p *Policy) Currency(region string) string {
	return p.Region(region).Currency
}

// ShippingCost is zero at or above the free-shipping threshold, otherwise the flat regional charge.
func (p *Policy) ShippingCost(subtotal decimal.Decimal, region string) decimal.Decimal {
	row := p.Region(region)
	if subtotal.GreaterThanOrEqual(row.FreeShippingThreshold) {
		return decimal.Zero
	}
	return row.ShippingCharge
}

// DeliveryEstimate returns the delivery window for region.
func (p *Policy) DeliveryEstimate(region string) DaysRange {
	row := p.Region(region)
	return DaysRange{Min: row.DeliveryDaysMin, Max: row.DeliveryDaysMax}
}

func (p *Policy) IsPartialPaymentAllowed(region string) bool {
	return p.Region(region).PartialPayment
}

// PartialPaymentPercentage is zero for regions without partial payment.
func (p *Policy) PartialPaymentPercentage(region string) decimal.Decimal {
	row := p.Region(region)
	if !row.PartialPayment {
		return decimal.Zero
	}
	return row.PartialPercentage
}

// RequiredPayment is the amount the gateway must capture up front.
// Partial payment only applies where the region allows it; otherwise the full total is due.
func (p *Policy) RequiredPayment(total decimal.Decimal, region string, partial bool) decimal.Decimal {
	if !partial || !p.IsPartialPaymentAllowed(region) {
		return total
	}
	return total.Mul(p.PartialPaymentPercentage(region)).Div(decimal.NewFromInt(100)).Round(2)
}

// Convert translates amount between currencies through the USD rate table.
func (p *Policy) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == to {
		return amount, nil
	}
	fromRate, ok := p.rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	toRate, ok := p.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return amount.Div(fromRate).Mul(toRate).Round(2), nil
}

func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
