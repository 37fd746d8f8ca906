package tracker

import (
	"context"
	"time"

	"invoicewatch/internal/logging"
)

// Sweeper drops invoices past the retention window and correlation tokens
// past their TTL. Queued notifications are never touched. Transaction refs
// that paid an invoice outlive it by another retention window.
type Sweeper struct {
	t *Tracker
}

func newSweeper(t *Tracker) *Sweeper {
	return &Sweeper{t: t}
}

// Run sweeps once immediately and then every SweepInterval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.t.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs one sweep and returns the number of invoices and tokens
// removed.
func (s *Sweeper) RunOnce() (invoices, tokens int) {
	now := s.t.now()
	invoices = s.t.store.RemoveCreatedBefore(now.Add(-s.t.cfg.retention()))
	tokens = s.t.tokens.Purge()
	refs := s.t.store.PruneConsumedBefore(now.Add(-s.t.cfg.consumedHorizon()))

	if invoices > 0 || tokens > 0 || refs > 0 {
		logging.Tracker.Printf("sweeper: removed %d invoice(s), %d token(s) and %d consumed ref(s)", invoices, tokens, refs)
	}
	return invoices, tokens
}
