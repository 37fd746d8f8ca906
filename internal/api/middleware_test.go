package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_AllowAll(t *testing.T) {
	corsHandler := CORS(CORSConfig{})(okHandler())

	req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()

	corsHandler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	corsHandler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://shop.example", "https://localhost:3000"},
	})(okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
		req.Header.Set("Origin", "https://shop.example")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
			t.Errorf("expected https://shop.example, got %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/invoices", nil)
		req.Header.Set("Origin", "https://shop.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204 for preflight, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
			t.Errorf("expected origin echoed on preflight, got %q", got)
		}
	})
}

func TestRateLimit(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond:       1,
		BurstSize:               2,
		CreateRequestsPerMinute: 1,
		CreateBurstSize:         1,
	}

	rateLimiter := NewRateLimiter(cfg)
	defer rateLimiter.Stop()
	limited := rateLimiter.Middleware(okHandler())

	t.Run("allows requests within limit", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rec := httptest.NewRecorder()

		limited.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			rec := httptest.NewRecorder()

			limited.ServeHTTP(rec, req)

			if i < 2 && rec.Code != http.StatusOK {
				t.Errorf("request %d: expected 200, got %d", i, rec.Code)
			}
			if i >= 2 && rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: expected 429, got %d", i, rec.Code)
			}
		}
	})

	t.Run("invoice creation has its own limit", func(t *testing.T) {
		ip := "10.0.0.2:1"
		for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
			req := httptest.NewRequest("POST", "/api/invoices", nil)
			req.RemoteAddr = ip
			rec := httptest.NewRecorder()
			limited.ServeHTTP(rec, req)
			if rec.Code != want {
				t.Errorf("create %d: expected %d, got %d", i, want, rec.Code)
			}
		}

		// General budget for the same IP is untouched.
		req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
		req.RemoteAddr = ip
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for status read, got %d", rec.Code)
		}
	})

	t.Run("uses X-Forwarded-For header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
		req.RemoteAddr = "127.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
		rec := httptest.NewRecorder()

		limited.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func countLimiters(rl *ipRateLimiter) int {
	n := 0
	rl.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, time.Minute)
	defer rl.Stop()

	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	rl.getLimiter("192.168.1.1")
	rl.getLimiter("192.168.1.2")
	rl.getLimiter("192.168.1.3")

	if got := countLimiters(rl); got != 3 {
		t.Errorf("expected 3 entries, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	rl.cleanup()

	if got := countLimiters(rl); got != 0 {
		t.Errorf("expected 0 entries after cleanup, got %d", got)
	}
}

func TestRateLimiterCleanupPreservesActive(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, time.Minute)
	defer rl.Stop()

	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	rl.getLimiter("192.168.1.2")
	now = now.Add(2 * time.Minute)
	rl.getLimiter("192.168.1.1")

	rl.cleanup()

	var remaining []string
	rl.limiters.Range(func(key, _ any) bool {
		remaining = append(remaining, key.(string))
		return true
	})

	if len(remaining) != 1 || remaining[0] != "192.168.1.1" {
		t.Errorf("expected only 192.168.1.1 to remain, got: %v", remaining)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, 10*time.Millisecond)

	// Calling Stop multiple times should not panic
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()

	if cfg.RequestsPerSecond <= 0 {
		t.Error("RequestsPerSecond should be positive")
	}
	if cfg.BurstSize <= 0 {
		t.Error("BurstSize should be positive")
	}
	if cfg.CreateRequestsPerMinute <= 0 {
		t.Error("CreateRequestsPerMinute should be positive")
	}
	if cfg.CreateBurstSize <= 0 {
		t.Error("CreateBurstSize should be positive")
	}
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestChain(t *testing.T) {
	t.Run("development mode skips rate limiting", func(t *testing.T) {
		h := Chain(nil, CORSConfig{}).Then(okHandler())
		for i := 0; i < 50; i++ {
			req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
			req.RemoteAddr = "10.1.1.1:1"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
			}
		}
	})

	t.Run("rate limited and CORS applied", func(t *testing.T) {
		rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, CreateRequestsPerMinute: 1, CreateBurstSize: 1})
		defer rl.Stop()
		h := Chain(rl, CORSConfig{AllowedOrigins: []string{"https://shop.example"}}).Then(okHandler())

		codes := make([]int, 2)
		for i := range codes {
			req := httptest.NewRequest("GET", "/api/invoices/abc", nil)
			req.RemoteAddr = "10.1.1.2:1"
			req.Header.Set("Origin", "https://shop.example")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
			if i == 0 && rec.Header().Get("Access-Control-Allow-Origin") != "https://shop.example" {
				t.Errorf("missing CORS header on first response")
			}
		}
		if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
			t.Errorf("codes = %v, want [200 429]", codes)
		}
	})

	t.Run("panic below the chain is recovered", func(t *testing.T) {
		h := Chain(nil, CORSConfig{}).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr only", "192.168.1.1:12345", "", "", "192.168.1.1"},
		{"X-Forwarded-For single", "127.0.0.1:80", "203.0.113.50", "", "203.0.113.50"},
		{"X-Forwarded-For chain", "127.0.0.1:80", "203.0.113.50, 70.41.3.18", "", "203.0.113.50"},
		{"X-Real-IP", "127.0.0.1:80", "", "203.0.113.100", "203.0.113.100"},
		{"X-Forwarded-For takes precedence", "127.0.0.1:80", "1.2.3.4", "5.6.7.8", "1.2.3.4"},
		{"IPv6", "[::1]:8080", "", "", "[::1]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			got := extractIP(req)
			if got != tc.want {
				t.Errorf("extractIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
