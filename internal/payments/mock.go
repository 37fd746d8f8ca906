package payments

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockLedger implements Ledger in memory for tests and development. It never
// settles anything on its own; records only appear through Deposit.
type MockLedger struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	memos    map[string]string
	txs      []Transaction // oldest first
	updates  chan Transaction
	push     bool
	fetchErr error
	fetches  int
}

// NewMockLedger creates a mock ledger. With push disabled SubscribeToUpdates
// returns ErrPushUnsupported.
func NewMockLedger(push bool) *MockLedger {
	return &MockLedger{
		invoices: make(map[string]*Invoice),
		memos:    make(map[string]string),
		updates:  make(chan Transaction, 100),
		push:     push,
	}
}

func (m *MockLedger) CreateInvoice(ctx context.Context, amount int64, memo string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := strings.ReplaceAll(uuid.NewString(), "-", "")
	inv := &Invoice{
		ID:             hash,
		PaymentRequest: "lnbcmock" + hash[:20],
		Amount:         amount,
	}
	m.invoices[hash] = inv
	m.memos[hash] = memo
	return inv, nil
}

// Memo returns the memo an invoice was created with.
func (m *MockLedger) Memo(invoiceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memos[invoiceID]
}

func (m *MockLedger) FetchRecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}

	out := make([]Transaction, 0, limit)
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.txs[i])
	}
	return out, nil
}

// SetFetchError makes FetchRecentTransactions fail with err until reset with nil.
func (m *MockLedger) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FetchCount returns how many times the feed was fetched.
func (m *MockLedger) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *MockLedger) SubscribeToUpdates(ctx context.Context) (<-chan Transaction, error) {
	if !m.push {
		return nil, ErrPushUnsupported
	}
	return m.updates, nil
}

// Deposit appends a record to the ledger feed. When push is enabled the
// record is also delivered on the update stream.
func (m *MockLedger) Deposit(tx Transaction) Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Direction == "" {
		tx.Direction = DirectionIncoming
	}
	if tx.Status == "" {
		tx.Status = TxSettled
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, tx)
	if m.push {
		m.updates <- tx
	}
	return tx
}

func (m *MockLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.push {
		close(m.updates)
		m.push = false
	}
	return nil
}
