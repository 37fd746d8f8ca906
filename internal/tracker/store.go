package tracker

import (
	"sort"
	"sync"
	"time"
)

// InvoiceStore is the shared map of tracked invoices. Every caller that holds
// a reference sees the same invoices keyed by ledger invoice id.
type InvoiceStore struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
	consumed map[string]consumedRef // external transaction ref -> payer
}

type consumedRef struct {
	invoiceID string
	at        time.Time
}

// NewInvoiceStore creates an empty store.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices: make(map[string]*Invoice),
		consumed: make(map[string]consumedRef),
	}
}

// Put inserts or replaces an invoice.
func (s *InvoiceStore) Put(inv Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = &inv
}

// Get returns a snapshot of the invoice.
func (s *InvoiceStore) Get(id string) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return *inv, nil
}

// MarkPaid moves a pending invoice to paid. Only the first call for an
// invoice succeeds; later calls return ErrAlreadyTerminal and change nothing.
// A transaction ref that already paid a different invoice is refused with
// ErrTransactionConsumed.
func (s *InvoiceStore) MarkPaid(id, txRef string, amountReceived int64, paidAt time.Time) (Invoice, error) {
	return s.markPaid(id, txRef, amountReceived, paidAt, paidAt, func(*Invoice) {})
}

// markPaid also remembers when the consumed record was last seen, the later
// of its own timestamp and paidAt, so PruneConsumedBefore never forgets a
// record that a fetch can still return as recent.
func (s *InvoiceStore) markPaid(id, txRef string, amountReceived int64, paidAt, recordAt time.Time, annotate func(*Invoice)) (Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	if inv.Status.Terminal() {
		return *inv, ErrAlreadyTerminal
	}
	if owner, used := s.consumed[txRef]; used && owner.invoiceID != id {
		return *inv, ErrTransactionConsumed
	}

	annotate(inv)
	inv.Status = StatusPaid
	inv.ExternalTransactionRef = txRef
	inv.AmountReceived = amountReceived
	inv.PaidAt = &paidAt
	inv.ResolvedAt = &paidAt
	at := paidAt
	if recordAt.After(at) {
		at = recordAt
	}
	s.consumed[txRef] = consumedRef{invoiceID: id, at: at}
	return *inv, nil
}

// MarkTerminal moves a pending invoice to a non-paid terminal status.
func (s *InvoiceStore) MarkTerminal(id string, status Status, at time.Time) (Invoice, error) {
	if status == StatusPaid || !status.Terminal() {
		return Invoice{}, ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	if inv.Status.Terminal() {
		return *inv, ErrAlreadyTerminal
	}
	inv.Status = status
	inv.ResolvedAt = &at
	return *inv, nil
}

// ListPending returns pending invoices, oldest first.
func (s *InvoiceStore) ListPending() []Invoice {
	s.mu.RLock()
	out := make([]Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if inv.Status == StatusPending {
			out = append(out, *inv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove deletes an invoice. Its transaction ref stays consumed until
// PruneConsumedBefore drops it.
func (s *InvoiceStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invoices, id)
}

// IsConsumed reports whether txRef already paid an invoice.
func (s *InvoiceStore) IsConsumed(txRef string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.consumed[txRef]
	return ok
}

// PruneConsumedBefore forgets transaction refs that paid an invoice before
// cutoff and returns how many were dropped.
func (s *InvoiceStore) PruneConsumedBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for ref, c := range s.consumed {
		if c.at.Before(cutoff) {
			delete(s.consumed, ref)
			pruned++
		}
	}
	return pruned
}

// RemoveCreatedBefore deletes every invoice created before cutoff, whatever
// its status, and returns how many were removed.
func (s *InvoiceStore) RemoveCreatedBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, inv := range s.invoices {
		if inv.CreatedAt.Before(cutoff) {
			delete(s.invoices, id)
			removed++
		}
	}
	return removed
}

// Counts returns the number of invoices per status.
func (s *InvoiceStore) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, inv := range s.invoices {
		counts[inv.Status]++
	}
	return counts
}
