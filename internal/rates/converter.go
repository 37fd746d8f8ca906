package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"invoicewatch/internal/logging"
	"invoicewatch/internal/payments"
)

const (
	UnitSat  = payments.UnitSat
	UnitMsat = payments.UnitMsat

	// DefaultTTL is how long a fetched price is reused.
	DefaultTTL = 5 * time.Minute
)

var (
	satsPerBTC     = decimal.New(1, 8)
	msatsPerSat    = decimal.New(1, 3)
	minorPerMajor  = decimal.New(1, 2) // fiat amounts are in cents
	defaultCallTTL = 5 * time.Second
)

// Converter converts integer amounts between units. Fiat units are ISO codes
// with amounts in minor units (cents).
type Converter interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, error)
}

// CachedConverter converts through BTC prices from a primary provider, a
// fallback provider when the primary fails, and a cache in front of both.
type CachedConverter struct {
	primary  Provider
	fallback Provider
	cache    Cache
	ttl      time.Duration
	timeout  time.Duration
}

// ConverterConfig configures a CachedConverter.
type ConverterConfig struct {
	Primary  Provider
	Fallback Provider // optional
	Cache    Cache    // defaults to a MemoryCache
	TTL      time.Duration
	Timeout  time.Duration // per provider call
}

// NewCachedConverter creates a converter.
func NewCachedConverter(cfg ConverterConfig) (*CachedConverter, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("primary rate provider is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTTL
	}
	return &CachedConverter{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		cache:    cfg.Cache,
		ttl:      cfg.TTL,
		timeout:  cfg.Timeout,
	}, nil
}

func (c *CachedConverter) Convert(ctx context.Context, amount int64, from, to string) (int64, error) {
	from, to = payments.NormalizeUnit(from), payments.NormalizeUnit(to)
	if from == to {
		return amount, nil
	}

	sats, err := c.toSats(ctx, decimal.NewFromInt(amount), from)
	if err != nil {
		return 0, err
	}
	out, err := c.fromSats(ctx, sats, to)
	if err != nil {
		return 0, err
	}
	return out.Round(0).IntPart(), nil
}

func (c *CachedConverter) toSats(ctx context.Context, amount decimal.Decimal, unit string) (decimal.Decimal, error) {
	switch unit {
	case UnitSat:
		return amount, nil
	case UnitMsat:
		return amount.Div(msatsPerSat), nil
	}
	price, err := c.Price(ctx, unit)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Div(minorPerMajor).Div(price).Mul(satsPerBTC), nil
}

func (c *CachedConverter) fromSats(ctx context.Context, sats decimal.Decimal, unit string) (decimal.Decimal, error) {
	switch unit {
	case UnitSat:
		return sats, nil
	case UnitMsat:
		return sats.Mul(msatsPerSat), nil
	}
	price, err := c.Price(ctx, unit)
	if err != nil {
		return decimal.Zero, err
	}
	return sats.Div(satsPerBTC).Mul(price).Mul(minorPerMajor), nil
}

// Price returns the BTC price in currency, from cache when fresh.
func (c *CachedConverter) Price(ctx context.Context, currency string) (decimal.Decimal, error) {
	if !isFiat(currency) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnsupportedUnit, currency)
	}

	if rate, ok, err := c.cache.Get(ctx, currency); err != nil {
		logging.Rates.Printf("cache read failed for %s: %v", currency, err)
	} else if ok {
		return rate, nil
	}

	rate, err := c.fetch(ctx, c.primary, currency)
	if err != nil && c.fallback != nil {
		logging.Rates.Printf("%s failed for %s: %v; trying %s", c.primary.Name(), currency, err, c.fallback.Name())
		var fbErr error
		rate, fbErr = c.fetch(ctx, c.fallback, currency)
		if fbErr != nil {
			return decimal.Zero, errors.Join(err, fbErr)
		}
		err = nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.cache.Set(ctx, currency, rate, c.ttl); err != nil {
		logging.Rates.Printf("cache write failed for %s: %v", currency, err)
	}
	return rate, nil
}

func (c *CachedConverter) fetch(ctx context.Context, p Provider, currency string) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rate, err := p.BTCPrice(callCtx, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return rate, nil
}

func isFiat(unit string) bool {
	if len(unit) != 3 {
		return false
	}
	for _, r := range unit {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
