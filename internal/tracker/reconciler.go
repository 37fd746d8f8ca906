package tracker

import (
	"context"
	"sync"
	"time"

	"invoicewatch/internal/logging"
)

// Reconciler periodically re-reads the ledger feed and resolves pending
// invoices against it.
type Reconciler struct {
	t      *Tracker
	passMu sync.Mutex
}

func newReconciler(t *Tracker) *Reconciler {
	return &Reconciler{t: t}
}

// Run sleeps, reconciles, and repeats until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.t.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logging.Tracker.Printf("reconciler started: interval=%s window=%d", interval, r.t.cfg.FetchWindow)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Tracker.Printf("reconciler stopping: %v", ctx.Err())
			return
		case <-timer.C:
		}

		r.RunOnce(ctx)
		timer.Reset(interval)
	}
}

// PassResult summarises one reconciliation pass.
type PassResult struct {
	Fetched int
	Matched int
	Err     error // fetch error after retries; timeouts wait for a clean pass
}

// RunOnce performs a single pass. Concurrent calls are serialised so passes
// never overlap.
func (r *Reconciler) RunOnce(ctx context.Context) PassResult {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var res PassResult
	if len(r.t.store.ListPending()) == 0 {
		return res
	}

	txs, err := r.t.fetch(ctx, r.t.cfg.FetchWindow)
	if err != nil {
		if ctx.Err() != nil {
			return PassResult{Err: err}
		}
		logging.Tracker.Printf("reconciler: fetch failed after retries: %v", err)
		res.Err = err
	}
	res.Fetched = len(txs)

	// Oldest first, so earlier payments claim invoices before later ones.
	for i := len(txs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return res
		}
		if r.t.resolve(ctx, txs[i], SourcePoll) {
			res.Matched++
		}
	}

	if res.Err != nil {
		// A failed fetch is not evidence of non-payment.
		return res
	}
	r.t.applyTimeouts(ctx)
	return res
}
