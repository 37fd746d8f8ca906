package api

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"invoicewatch/internal/tracker"
)

func resolved(id string, status tracker.Status) tracker.Invoice {
	return tracker.Invoice{ID: id, Status: status}
}

func TestPendingInvoiceLimiter_CanCreate(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	ip := "192.168.1.1"

	for i := 0; i < 3; i++ {
		if !limiter.CanCreate(ip) {
			t.Errorf("invoice %d should be allowed", i+1)
		}
		limiter.Track(ip, fmt.Sprintf("inv%d", i))
	}

	if limiter.CanCreate(ip) {
		t.Error("4th invoice should be blocked")
	}
}

func TestPendingInvoiceLimiter_DifferentIPs(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i)
		for j := 0; j < 3; j++ {
			limiter.Track(ip, fmt.Sprintf("inv-%d-%d", i, j))
		}
	}

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i)
		if limiter.CanCreate(ip) {
			t.Errorf("IP %s should be at limit", ip)
		}
		if limiter.PendingCount(ip) != 3 {
			t.Errorf("IP %s should have 3 pending, got %d", ip, limiter.PendingCount(ip))
		}
	}

	if !limiter.CanCreate("10.0.0.1") {
		t.Error("new IP should be able to create")
	}
}

func TestPendingInvoiceLimiter_OnResolved(t *testing.T) {
	statuses := []tracker.Status{
		tracker.StatusPaid,
		tracker.StatusFailed,
		tracker.StatusTimeout,
		tracker.StatusExpired,
	}

	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			limiter := NewPendingInvoiceLimiter(2)
			ip := "192.168.1.1"
			limiter.Track(ip, "inv1")
			limiter.Track(ip, "inv2")

			if limiter.CanCreate(ip) {
				t.Fatal("should be at limit")
			}

			limiter.OnResolved(resolved("inv1", status))

			if !limiter.CanCreate(ip) {
				t.Error("should allow a new invoice after resolution")
			}
			if got := limiter.PendingCount(ip); got != 1 {
				t.Errorf("expected 1 pending, got %d", got)
			}
		})
	}
}

func TestPendingInvoiceLimiter_OnResolved_UnknownAndDuplicate(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	ip := "192.168.1.1"
	limiter.Track(ip, "inv1")
	limiter.Track(ip, "inv2")

	limiter.OnResolved(resolved("nope", tracker.StatusPaid))
	if got := limiter.PendingCount(ip); got != 2 {
		t.Errorf("unknown invoice changed count to %d", got)
	}

	limiter.OnResolved(resolved("inv1", tracker.StatusPaid))
	limiter.OnResolved(resolved("inv1", tracker.StatusPaid))
	if got := limiter.PendingCount(ip); got != 1 {
		t.Errorf("expected 1 pending after duplicate resolution, got %d", got)
	}

	limiter.OnResolved(resolved("inv2", tracker.StatusTimeout))
	if len(limiter.pendingByIP) != 0 {
		t.Errorf("empty IP entry should be removed, got %v", limiter.pendingByIP)
	}
}

func TestPendingInvoiceLimiter_CleanupExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewPendingInvoiceLimiter(5)
	limiter.now = func() time.Time { return now }

	limiter.Track("192.168.1.1", "old1")
	limiter.Track("192.168.1.2", "old2")

	now = now.Add(2 * time.Hour)
	limiter.Track("192.168.1.1", "fresh")

	removed := limiter.CleanupExpired(time.Hour)
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if got := limiter.PendingCount("192.168.1.1"); got != 1 {
		t.Errorf("expected fresh invoice to remain, got %d pending", got)
	}
	if got := limiter.PendingCount("192.168.1.2"); got != 0 {
		t.Errorf("expected 0 pending for second IP, got %d", got)
	}
	if _, ok := limiter.invoiceToIP["old1"]; ok {
		t.Error("reverse lookup for old1 should be removed")
	}
}

func TestPendingInvoiceLimiter_SameInvoiceDifferentIPs(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)

	limiter.Track("192.168.1.1", "inv1")
	limiter.Track("192.168.1.2", "inv1")

	if got := limiter.PendingCount("192.168.1.1"); got != 0 {
		t.Errorf("first IP should have been released, got %d", got)
	}
	if got := limiter.PendingCount("192.168.1.2"); got != 1 {
		t.Errorf("second IP should hold the invoice, got %d", got)
	}

	limiter.OnResolved(resolved("inv1", tracker.StatusPaid))
	if got := limiter.PendingCount("192.168.1.2"); got != 0 {
		t.Errorf("expected 0 after resolution, got %d", got)
	}
}

func TestPendingInvoiceLimiter_DuplicateTrack(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(3)
	ip := "192.168.1.1"

	limiter.Track(ip, "inv1")
	limiter.Track(ip, "inv1")

	if got := limiter.PendingCount(ip); got != 1 {
		t.Errorf("duplicate track should count once, got %d", got)
	}
}

func TestPendingInvoiceLimiter_MaxPending(t *testing.T) {
	if got := NewPendingInvoiceLimiter(7).MaxPending(); got != 7 {
		t.Errorf("MaxPending() = %d, want 7", got)
	}
}

func TestPendingInvoiceLimiter_Concurrency(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(1000)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.0.%d", n)
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("inv-%d-%d", n, j)
				limiter.Track(ip, id)
				limiter.CanCreate(ip)
				if j%2 == 0 {
					limiter.OnResolved(resolved(id, tracker.StatusPaid))
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			limiter.CleanupExpired(time.Hour)
		}
	}()

	wg.Wait()

	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		if got := limiter.PendingCount(ip); got != 25 {
			t.Errorf("IP %s: expected 25 pending, got %d", ip, got)
		}
	}
}
