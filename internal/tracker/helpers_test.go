package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"invoicewatch/internal/payments"
)

// fakeClock is a manually advanced clock shared by the tracker and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(unix int64) *fakeClock {
	return &fakeClock{now: time.Unix(unix, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memJournal records outcomes in memory.
type memJournal struct {
	mu       sync.Mutex
	outcomes []Invoice
}

func (j *memJournal) RecordOutcome(ctx context.Context, inv Invoice) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, inv)
	return nil
}

func (j *memJournal) statuses() []Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Status, 0, len(j.outcomes))
	for _, inv := range j.outcomes {
		out = append(out, inv.Status)
	}
	return out
}

// rateConverter converts with a fixed number of sats per fiat minor unit.
type rateConverter struct {
	satsPerMinor int64
	err          error
}

func (c rateConverter) Convert(ctx context.Context, amount int64, from, to string) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	switch {
	case from == to:
		return amount, nil
	case from == payments.UnitSat:
		return amount / c.satsPerMinor, nil
	default:
		return amount * c.satsPerMinor, nil
	}
}

func testConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.Retry = RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.PushReconnectDelay = 10 * time.Millisecond
	return cfg
}

type testEnv struct {
	clock   *fakeClock
	ledger  *payments.MockLedger
	journal *memJournal
	tracker *Tracker
}

func newTestEnv(t *testing.T, push bool, tweak func(*Config)) *testEnv {
	t.Helper()
	clock := newFakeClock(1700000000)
	ledger := payments.NewMockLedger(push)
	journal := &memJournal{}
	cfg := testConfig(clock)
	if tweak != nil {
		tweak(&cfg)
	}
	tr, err := New(Deps{Ledger: ledger, Journal: journal, Converter: rateConverter{satsPerMinor: 20}}, cfg)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return &testEnv{clock: clock, ledger: ledger, journal: journal, tracker: tr}
}

func (e *testEnv) create(t *testing.T, amount int64) Invoice {
	t.Helper()
	inv, err := e.tracker.CreateTrackedInvoice(context.Background(), InvoiceRequest{
		Reference: "order-1",
		Amount:    amount,
		Memo:      "test invoice",
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func settledRecord(id string, amount int64, ts time.Time, memo string) payments.Transaction {
	return payments.Transaction{
		ID:        id,
		Direction: payments.DirectionIncoming,
		Status:    payments.TxSettled,
		Amount:    amount,
		Unit:      payments.UnitSat,
		Timestamp: ts,
		Memo:      memo,
	}
}

func pendingInvoice(id string, expected int64, created time.Time) Invoice {
	return Invoice{
		ID:             id,
		ExpectedAmount: expected,
		Unit:           payments.UnitSat,
		AmountKnown:    true,
		ToleranceRange: ToleranceFor(expected),
		CreatedAt:      created,
		ExpiresAt:      created.Add(time.Hour),
		Status:         StatusPending,
	}
}
