package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"invoicewatch/internal/logging"
	"invoicewatch/internal/payments"
)

// OutcomeRecorder receives every terminal transition, e.g. to journal it for
// external reconciliation.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, inv Invoice) error
}

// ResolutionCallback is called once per invoice when it leaves Pending.
type ResolutionCallback func(inv Invoice)

// Config holds the tracker's timings and thresholds.
type Config struct {
	PollInterval         time.Duration // reconciliation loop sleep
	FetchWindow          int           // records per reconciliation fetch
	FetchTimeout         time.Duration // per ledger call
	FinalScanWindow      int           // records fetched by the final scan
	SettleTimeout        time.Duration // bounded wait before the timeout policy applies
	SmallAmountThreshold int64         // below this a final scan runs, then Failed
	DefaultExpiry        time.Duration
	Retention            time.Duration // invoices older than this are swept
	TokenTTL             time.Duration
	SweepInterval        time.Duration
	PushReconnectDelay   time.Duration
	Retry                RetryPolicy
	Matcher              MatcherConfig

	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		FetchWindow:          50,
		FetchTimeout:         15 * time.Second,
		FinalScanWindow:      200,
		SettleTimeout:        2 * time.Minute,
		SmallAmountThreshold: 10000,
		DefaultExpiry:        time.Hour,
		Retention:            24 * time.Hour,
		TokenTTL:             DefaultTokenTTL,
		SweepInterval:        5 * time.Minute,
		PushReconnectDelay:   5 * time.Second,
		Retry:                DefaultRetryPolicy(),
		Matcher:              DefaultMatcherConfig(),
	}
}

func (c Config) retention() time.Duration {
	if c.Retention <= 0 {
		return 24 * time.Hour
	}
	return c.Retention
}

// consumedHorizon is how long a consumed transaction ref is remembered after
// its invoice is swept. Older records are ignored outright.
func (c Config) consumedHorizon() time.Duration {
	return 2 * c.retention()
}

// Tracker creates invoices on the ledger, follows the ledger until each one
// is resolved, and delivers paid invoices to a single consumer.
type Tracker struct {
	ledger    payments.Ledger
	converter Converter
	journal   OutcomeRecorder
	cfg       Config
	now       func() time.Time

	store   *InvoiceStore
	tokens  *TokenIssuer
	matcher *Matcher
	queue   *NotificationQueue

	reconciler *Reconciler
	push       *PushListener
	sweeper    *Sweeper

	mu         sync.RWMutex
	onResolved ResolutionCallback

	wg sync.WaitGroup
}

// Deps are the tracker's collaborators. Ledger is required.
type Deps struct {
	Ledger    payments.Ledger
	Converter Converter       // optional; disables unit conversion when nil
	Journal   OutcomeRecorder // optional
	Store     *InvoiceStore   // optional; share one store between trackers
}

// New creates a tracker.
func New(deps Deps, cfg Config) (*Tracker, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Store == nil {
		deps.Store = NewInvoiceStore()
	}

	t := &Tracker{
		ledger:    deps.Ledger,
		converter: deps.Converter,
		journal:   deps.Journal,
		cfg:       cfg,
		now:       cfg.Now,
		store:     deps.Store,
		tokens:    NewTokenIssuer(cfg.TokenTTL, cfg.Now),
		queue:     NewNotificationQueue(),
	}
	t.matcher = NewMatcher(t.tokens, deps.Converter, cfg.Matcher)
	t.reconciler = newReconciler(t)
	t.push = newPushListener(t)
	t.sweeper = newSweeper(t)
	return t, nil
}

// Store returns the shared invoice store.
func (t *Tracker) Store() *InvoiceStore { return t.store }

// Tokens returns the correlation token registry.
func (t *Tracker) Tokens() *TokenIssuer { return t.tokens }

// Reconciler returns the polling loop.
func (t *Tracker) Reconciler() *Reconciler { return t.reconciler }

// Push returns the push listener.
func (t *Tracker) Push() *PushListener { return t.push }

// Sweeper returns the retention sweeper.
func (t *Tracker) Sweeper() *Sweeper { return t.sweeper }

// SetResolutionCallback sets a function called when an invoice leaves
// Pending. It runs outside every lock; panics are recovered.
func (t *Tracker) SetResolutionCallback(cb ResolutionCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolved = cb
}

// Start launches the reconciliation loop, the push listener and the sweeper.
// They stop when ctx is done.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.reconciler.Run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.push.Run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.sweeper.Run(ctx)
	}()
}

// Wait blocks until the background loops started by Start have returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Close stops delivering notifications. Queued events can still be drained.
func (t *Tracker) Close() {
	t.queue.Close()
}

// CreateTrackedInvoice creates an invoice on the ledger with a correlation
// token in its memo and starts tracking it as Pending.
func (t *Tracker) CreateTrackedInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	if err := req.validate(); err != nil {
		return Invoice{}, err
	}
	unit := payments.NormalizeUnit(req.Unit)
	expiry := req.Expiry
	if expiry == 0 {
		expiry = t.cfg.DefaultExpiry
	}

	ledgerAmount := req.Amount
	if !req.AmountUnknown && unit != payments.UnitSat {
		if t.converter == nil {
			return Invoice{}, errors.Join(ErrInvalidRequest, fmt.Errorf("no converter for unit %q", unit))
		}
		sats, err := t.converter.Convert(ctx, req.Amount, unit, payments.UnitSat)
		if err != nil {
			return Invoice{}, fmt.Errorf("convert %d %s to sats: %w", req.Amount, unit, err)
		}
		ledgerAmount = sats
	}

	token := t.tokens.Reserve()
	memo := FormatMemo(req.Memo, MemoTag{
		Reference:   req.Reference,
		Amount:      req.Amount,
		Unit:        unit,
		AmountKnown: !req.AmountUnknown,
		Token:       token,
	})

	li, err := t.ledger.CreateInvoice(ctx, ledgerAmount, memo)
	if err != nil {
		t.tokens.Release(token)
		return Invoice{}, fmt.Errorf("create ledger invoice: %w", err)
	}
	t.tokens.Bind(token, li.ID)

	now := t.now()
	inv := Invoice{
		ID:               li.ID,
		Reference:        req.Reference,
		ExpectedAmount:   req.Amount,
		Unit:             unit,
		AmountKnown:      !req.AmountUnknown,
		CorrelationToken: token,
		Memo:             memo,
		PaymentRequest:   li.PaymentRequest,
		CreatedAt:        now,
		ExpiresAt:        now.Add(expiry),
		Status:           StatusPending,
	}
	if inv.AmountKnown {
		inv.ToleranceRange = ToleranceFor(inv.ExpectedAmount)
	}
	t.store.Put(inv)

	logging.Tracker.Printf("tracking invoice %s (ref=%s amount=%d%s token=%s)", shortID(inv.ID), inv.Reference, inv.ExpectedAmount, inv.Unit, token)
	return inv, nil
}

// AwaitNextPaidInvoice blocks until a paid invoice is available or ctx is
// done.
func (t *Tracker) AwaitNextPaidInvoice(ctx context.Context) (Invoice, error) {
	ev, err := t.NextEvent(ctx)
	if err != nil {
		return Invoice{}, err
	}
	return ev.Invoice, nil
}

// NextEvent is AwaitNextPaidInvoice with the event metadata.
func (t *Tracker) NextEvent(ctx context.Context) (Event, error) {
	return t.queue.Next(ctx)
}

// Redeliver returns an event obtained from NextEvent to the head of the
// queue when it could not be delivered.
func (t *Tracker) Redeliver(ev Event) {
	t.queue.Redeliver(ev)
}

// GetInvoiceStatus returns the current state of an invoice.
func (t *Tracker) GetInvoiceStatus(id string) (Invoice, error) {
	return t.store.Get(id)
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	ByStatus     map[Status]int
	Tokens       int
	QueuedEvents int
}

// Stats returns invoice counts, registered tokens and queued events.
func (t *Tracker) Stats() Stats {
	return Stats{
		ByStatus:     t.store.Counts(),
		Tokens:       t.tokens.Len(),
		QueuedEvents: t.queue.Len(),
	}
}

// resolve runs one record through the matcher and, on a hit, settles the
// invoice. It is the single path shared by polling, push and the final scan.
func (t *Tracker) resolve(ctx context.Context, rec payments.Transaction, source Source) bool {
	return t.resolveAgainst(ctx, rec, t.store.ListPending(), source)
}

func (t *Tracker) resolveAgainst(ctx context.Context, rec payments.Transaction, candidates []Invoice, source Source) bool {
	if len(candidates) == 0 {
		return false
	}
	if t.store.IsConsumed(rec.ID) {
		return false
	}
	// Records this old predate every live invoice and may have had their
	// consumed ref pruned already.
	if !rec.Timestamp.IsZero() && rec.Timestamp.Before(t.now().Add(-t.cfg.consumedHorizon())) {
		return false
	}
	m, ok := t.matcher.TryMatch(ctx, rec, candidates)
	if !ok {
		return false
	}
	return t.settle(ctx, m, source)
}

func (t *Tracker) settle(ctx context.Context, m Match, source Source) bool {
	paidAt := t.now()
	inv, err := t.store.markPaid(m.Invoice.ID, m.Record.ID, m.AmountReceived(), paidAt, m.Record.Timestamp, func(inv *Invoice) {
		inv.ObservedAmount = m.Record.Amount
		inv.MatchedBy = m.Rule
	})
	switch {
	case errors.Is(err, ErrAlreadyTerminal):
		// The other path got there first.
		return false
	case errors.Is(err, ErrTransactionConsumed):
		logging.Tracker.Printf("record %s matched invoice %s by %s but already paid another invoice", m.Record.ID, shortID(m.Invoice.ID), m.Rule)
		return false
	case err != nil:
		logging.Tracker.Printf("mark paid %s: %v", shortID(m.Invoice.ID), err)
		return false
	}

	if !t.queue.Push(Event{
		ID:         uuid.NewString(),
		Invoice:    inv,
		Rule:       m.Rule,
		Source:     source,
		EnqueuedAt: paidAt,
	}) {
		logging.Tracker.Printf("CRITICAL: invoice %s paid after notifications closed; no event delivered (record %s)", inv.ID, m.Record.ID)
	}
	logging.Tracker.Printf("invoice %s paid via %s (%s, record %s, observed %d, credited %d)",
		shortID(inv.ID), m.Rule, source, m.Record.ID, inv.ObservedAmount, inv.AmountReceived)
	if m.Rule == RuleDefectFallback {
		logging.Tracker.Printf("WARNING: invoice %s matched by the defect fallback rule; review record %s", shortID(inv.ID), m.Record.ID)
	}

	t.afterResolve(ctx, inv)
	return true
}

// finish moves an invoice to a non-paid terminal status.
func (t *Tracker) finish(ctx context.Context, id string, status Status) {
	inv, err := t.store.MarkTerminal(id, status, t.now())
	if err != nil {
		if !errors.Is(err, ErrAlreadyTerminal) {
			logging.Tracker.Printf("mark %s %s: %v", shortID(id), status, err)
		}
		return
	}
	logging.Tracker.Printf("invoice %s is %s (expected %d%s)", shortID(id), status, inv.ExpectedAmount, inv.Unit)
	t.afterResolve(ctx, inv)
}

func (t *Tracker) afterResolve(ctx context.Context, inv Invoice) {
	if t.journal != nil {
		if err := t.journal.RecordOutcome(ctx, inv); err != nil {
			logging.Tracker.Printf("CRITICAL: failed to journal %s outcome for invoice %s: %v", inv.Status, inv.ID, err)
		}
	}

	t.mu.RLock()
	cb := t.onResolved
	t.mu.RUnlock()
	if cb == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Tracker.Printf("resolution callback panic for invoice %s: %v", inv.ID, r)
			}
		}()
		cb(inv)
	}()
}

// fetch reads the ledger feed with the retry policy and a per-call timeout.
func (t *Tracker) fetch(ctx context.Context, limit int) ([]payments.Transaction, error) {
	var txs []payments.Transaction
	err := t.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
		defer cancel()
		var err error
		txs, err = t.ledger.FetchRecentTransactions(callCtx, limit)
		if err != nil {
			logging.Ledger.Printf("fetch %d records failed: %v", limit, err)
		}
		return err
	})
	return txs, err
}

// applyTimeouts resolves pending invoices whose wait is over: expired ones
// become Expired, small ones get a final ledger scan and otherwise Failed,
// large ones become Timeout. Nothing here ever marks an invoice Paid without
// a matching record.
func (t *Tracker) applyTimeouts(ctx context.Context) {
	now := t.now()
	var small []Invoice

	for _, inv := range t.store.ListPending() {
		switch {
		case !inv.ExpiresAt.IsZero() && !now.Before(inv.ExpiresAt):
			t.finish(ctx, inv.ID, StatusExpired)
		case now.Sub(inv.CreatedAt) < t.cfg.SettleTimeout:
		case inv.AmountKnown && inv.ExpectedAmount < t.cfg.SmallAmountThreshold:
			small = append(small, inv)
		default:
			t.finish(ctx, inv.ID, StatusTimeout)
		}
	}
	if len(small) == 0 {
		return
	}

	txs, err := t.fetch(ctx, t.cfg.FinalScanWindow)
	if err != nil {
		// Ledger trouble is not evidence of non-payment; retry next pass.
		logging.Tracker.Printf("final scan for %d invoice(s) postponed: %v", len(small), err)
		return
	}
	for _, inv := range small {
		matched := false
		for _, rec := range txs {
			if t.resolveAgainst(ctx, rec, []Invoice{inv}, SourceFinalScan) {
				matched = true
				break
			}
		}
		if !matched {
			t.finish(ctx, inv.ID, StatusFailed)
		}
	}
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
