package tracker

import (
	"context"
	"errors"
	"time"

	"invoicewatch/internal/logging"
	"invoicewatch/internal/payments"
)

// PushListener feeds records pushed by the ledger into the same resolve path
// the reconciler uses.
type PushListener struct {
	t *Tracker
}

func newPushListener(t *Tracker) *PushListener {
	return &PushListener{t: t}
}

// Run subscribes to ledger updates and handles them until ctx is done. A
// ledger without push support leaves polling as the only source.
func (p *PushListener) Run(ctx context.Context) {
	delay := p.t.cfg.PushReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := p.t.ledger.SubscribeToUpdates(ctx)
		if errors.Is(err, payments.ErrPushUnsupported) {
			logging.Tracker.Println("push: ledger has no push channel, relying on polling")
			return
		}
		if err != nil {
			logging.Tracker.Printf("push: subscribe failed: %v. Retrying in %s...", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		logging.Tracker.Println("push: listening for ledger updates")
		if !p.consume(ctx, updates) {
			return
		}

		logging.Tracker.Printf("push: update stream closed, reconnecting in %s...", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// consume returns false when ctx is done, true when the stream closed.
func (p *PushListener) consume(ctx context.Context, updates <-chan payments.Transaction) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case rec, ok := <-updates:
			if !ok {
				return true
			}
			p.Handle(ctx, rec)
		}
	}
}

// Handle resolves one pushed record. It reports whether an invoice was paid.
func (p *PushListener) Handle(ctx context.Context, rec payments.Transaction) (paid bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Tracker.Printf("push: panic handling record %s: %v", rec.ID, r)
			paid = false
		}
	}()
	return p.t.resolve(ctx, rec, SourcePush)
}
