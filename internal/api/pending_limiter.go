package api

import (
	"sync"
	"time"

	"invoicewatch/internal/tracker"
)

// PendingInvoiceLimiter tracks unresolved invoices per IP address and caps
// how many one client can hold open at a time.
type PendingInvoiceLimiter struct {
	mu          sync.RWMutex
	maxPending  int
	pendingByIP map[string]map[string]time.Time // IP -> invoiceID -> tracked time
	invoiceToIP map[string]string               // invoiceID -> IP (reverse lookup)
	now         func() time.Time
}

// NewPendingInvoiceLimiter creates a limiter allowing maxPending open
// invoices per IP.
func NewPendingInvoiceLimiter(maxPending int) *PendingInvoiceLimiter {
	return &PendingInvoiceLimiter{
		maxPending:  maxPending,
		pendingByIP: make(map[string]map[string]time.Time),
		invoiceToIP: make(map[string]string),
		now:         time.Now,
	}
}

// CanCreate reports whether ip is under its limit.
func (l *PendingInvoiceLimiter) CanCreate(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pendingByIP[ip]) < l.maxPending
}

// PendingCount returns the number of open invoices for an IP.
func (l *PendingInvoiceLimiter) PendingCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pendingByIP[ip])
}

// MaxPending returns the configured maximum per IP.
func (l *PendingInvoiceLimiter) MaxPending() int {
	return l.maxPending
}

// Track records a new open invoice for an IP.
func (l *PendingInvoiceLimiter) Track(ip, invoiceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.invoiceToIP[invoiceID]; ok && prev != ip {
		l.releaseLocked(invoiceID)
	}
	if l.pendingByIP[ip] == nil {
		l.pendingByIP[ip] = make(map[string]time.Time)
	}
	l.pendingByIP[ip][invoiceID] = l.now()
	l.invoiceToIP[invoiceID] = ip
}

// OnResolved releases the slot held by an invoice. It has the shape of
// tracker.ResolutionCallback and runs for every terminal status.
func (l *PendingInvoiceLimiter) OnResolved(inv tracker.Invoice) {
	l.release(inv.ID)
}

func (l *PendingInvoiceLimiter) release(invoiceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(invoiceID)
}

func (l *PendingInvoiceLimiter) releaseLocked(invoiceID string) {
	ip, ok := l.invoiceToIP[invoiceID]
	if !ok {
		return
	}

	delete(l.invoiceToIP, invoiceID)
	if invoices := l.pendingByIP[ip]; invoices != nil {
		delete(invoices, invoiceID)
		if len(invoices) == 0 {
			delete(l.pendingByIP, ip)
		}
	}
}

// CleanupExpired drops entries older than maxAge, covering invoices that
// were swept before their resolution was observed. Returns the number of
// entries removed.
func (l *PendingInvoiceLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0

	for ip, invoices := range l.pendingByIP {
		for id, trackedAt := range invoices {
			if trackedAt.Before(cutoff) {
				delete(invoices, id)
				delete(l.invoiceToIP, id)
				removed++
			}
		}
		if len(invoices) == 0 {
			delete(l.pendingByIP, ip)
		}
	}

	return removed
}
