package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedUnit = errors.New("unsupported unit")
	ErrNoRate          = errors.New("no rate available")
)

// Provider returns the price of one bitcoin in a fiat currency.
type Provider interface {
	BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error)
	Name() string
}

const (
	albyRatesBase  = "https://getalby.com/api/rates"
	coingeckoBase  = "https://api.coingecko.com/api/v3"
	defaultTimeout = 10 * time.Second
)

// AlbyProvider reads rates from the public Alby rates endpoint.
type AlbyProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewAlbyProvider creates a provider. An empty baseURL uses the public API.
func NewAlbyProvider(baseURL string, timeout time.Duration) *AlbyProvider {
	if baseURL == "" {
		baseURL = albyRatesBase
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &AlbyProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *AlbyProvider) Name() string { return "alby" }

func (p *AlbyProvider) BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	var resp struct {
		RateFloat json.Number `json:"rate_float"`
	}
	if err := getJSON(ctx, p.httpClient, p.baseURL+"/"+strings.ToLower(currency)+".json", &resp); err != nil {
		return decimal.Zero, err
	}
	return positiveRate(resp.RateFloat.String())
}

// CoinGeckoProvider reads rates from the CoinGecko simple price API.
type CoinGeckoProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGeckoProvider creates a provider. An empty baseURL uses the public API.
func NewCoinGeckoProvider(baseURL string, timeout time.Duration) *CoinGeckoProvider {
	if baseURL == "" {
		baseURL = coingeckoBase
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &CoinGeckoProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *CoinGeckoProvider) Name() string { return "coingecko" }

func (p *CoinGeckoProvider) BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	cur := strings.ToLower(currency)
	var resp map[string]map[string]json.Number
	if err := getJSON(ctx, p.httpClient, p.baseURL+"/simple/price?ids=bitcoin&vs_currencies="+cur, &resp); err != nil {
		return decimal.Zero, err
	}
	price, ok := resp["bitcoin"][cur]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoRate, cur)
	}
	return positiveRate(price.String())
}

func positiveRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrNoRate, s)
	}
	return rate, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
