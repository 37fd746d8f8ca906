package rates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type stubProvider struct {
	mu    sync.Mutex
	name  string
	price decimal.Decimal
	err   error
	calls int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) BTCPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.price, p.err
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestCachedConverter_Convert(t *testing.T) {
	primary := &stubProvider{name: "primary", price: decimal.NewFromInt(50000)}
	conv, err := NewCachedConverter(ConverterConfig{Primary: primary})
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
		from   string
		to     string
		want   int64
	}{
		{"same unit", 922, "sat", "sat", 922},
		{"sat to msat", 2, "sat", "msat", 2000},
		{"msat to sat rounds", 1499, "msat", "sat", 1},
		{"sat to usd cents", 2000, "sat", "usd", 100},
		{"usd cents to sat", 100, "usd", "sat", 2000},
		{"unit aliases", 5, "sats", "", 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := conv.Convert(ctx, tc.amount, tc.from, tc.to)
			if err != nil {
				t.Fatalf("Convert(%d, %s, %s) error: %v", tc.amount, tc.from, tc.to, err)
			}
			if got != tc.want {
				t.Errorf("Convert(%d, %s, %s) = %d, want %d", tc.amount, tc.from, tc.to, got, tc.want)
			}
		})
	}

	if primary.Calls() != 1 {
		t.Errorf("expected one provider call thanks to the cache, got %d", primary.Calls())
	}

	if _, err := conv.Convert(ctx, 1, "sat", "dollars"); !errors.Is(err, ErrUnsupportedUnit) {
		t.Errorf("expected ErrUnsupportedUnit, got %v", err)
	}
}

func TestCachedConverter_Fallback(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("timeout")}
	fallback := &stubProvider{name: "fallback", price: decimal.NewFromInt(100000)}
	conv, _ := NewCachedConverter(ConverterConfig{Primary: primary, Fallback: fallback})

	got, err := conv.Convert(context.Background(), 1000, "sat", "eur")
	if err != nil {
		t.Fatalf("expected fallback to serve the rate, got %v", err)
	}
	if got != 100 {
		t.Errorf("expected 100 cents, got %d", got)
	}

	fallback.err = errors.New("also down")
	conv2, _ := NewCachedConverter(ConverterConfig{Primary: primary, Fallback: fallback})
	if _, err := conv2.Convert(context.Background(), 1000, "sat", "eur"); err == nil {
		t.Error("expected error when both providers fail")
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "usd", decimal.NewFromInt(1), time.Minute)
	if _, ok, _ := c.Get(ctx, "usd"); !ok {
		t.Fatal("expected fresh entry")
	}

	now = now.Add(time.Minute)
	if _, ok, _ := c.Get(ctx, "usd"); ok {
		t.Error("expected entry to expire after ttl")
	}
}

func TestProviders_HTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rates/usd.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"USD","rate_float":64123.45}`))
	})
	mux.HandleFunc("GET /rates/xxx.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rate_float":0}`))
	})
	mux.HandleFunc("GET /cg/simple/price", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("vs_currencies") != "eur" {
			w.Write([]byte(`{"bitcoin":{}}`))
			return
		}
		w.Write([]byte(`{"bitcoin":{"eur":59000.5}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	alby := NewAlbyProvider(srv.URL+"/rates", time.Second)
	price, err := alby.BTCPrice(ctx, "USD")
	if err != nil {
		t.Fatalf("alby price: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("64123.45")) {
		t.Errorf("unexpected alby price %s", price)
	}
	if _, err := alby.BTCPrice(ctx, "xxx"); !errors.Is(err, ErrNoRate) {
		t.Errorf("expected ErrNoRate for zero rate, got %v", err)
	}
	if _, err := alby.BTCPrice(ctx, "missing"); err == nil {
		t.Error("expected error for 404")
	}

	cg := NewCoinGeckoProvider(srv.URL+"/cg", time.Second)
	price, err = cg.BTCPrice(ctx, "EUR")
	if err != nil {
		t.Fatalf("coingecko price: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("59000.5")) {
		t.Errorf("unexpected coingecko price %s", price)
	}
	if _, err := cg.BTCPrice(ctx, "gbp"); !errors.Is(err, ErrNoRate) {
		t.Errorf("expected ErrNoRate for missing currency, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	c := NewRedisCache(rdb, "invoicewatch:test:rate:")
	defer rdb.Del(ctx, "invoicewatch:test:rate:usd")

	if _, ok, err := c.Get(ctx, "usd"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "usd", decimal.RequireFromString("65000.1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	rate, ok, err := c.Get(ctx, "usd")
	if err != nil || !ok || !rate.Equal(decimal.RequireFromString("65000.1")) {
		t.Errorf("unexpected get result %s ok=%v err=%v", rate, ok, err)
	}
}
