package payments

import (
	"context"
	"errors"
	"testing"
)

func TestMockLedger_CreateInvoice(t *testing.T) {
	ledger := NewMockLedger(false)

	inv, err := ledger.CreateInvoice(context.Background(), 1000, "memo text")
	if err != nil {
		t.Fatalf("create invoice failed: %v", err)
	}
	if inv.ID == "" {
		t.Error("expected non-empty invoice id")
	}
	if inv.Amount != 1000 {
		t.Errorf("expected 1000 sats, got %d", inv.Amount)
	}
	if got := ledger.Memo(inv.ID); got != "memo text" {
		t.Errorf("expected memo to be recorded, got %q", got)
	}
}

func TestMockLedger_FetchNewestFirst(t *testing.T) {
	ledger := NewMockLedger(false)
	for _, amt := range []int64{1, 2, 3} {
		ledger.Deposit(Transaction{Amount: amt})
	}

	txs, err := ledger.FetchRecentTransactions(context.Background(), 2)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(txs) != 2 || txs[0].Amount != 3 || txs[1].Amount != 2 {
		t.Errorf("expected newest two records, got %+v", txs)
	}
	if !txs[0].Settled() {
		t.Error("expected deposit defaults to a settled incoming record")
	}

	ledger.SetFetchError(errors.New("down"))
	if _, err := ledger.FetchRecentTransactions(context.Background(), 2); err == nil {
		t.Error("expected injected fetch error")
	}
	if ledger.FetchCount() != 2 {
		t.Errorf("expected 2 fetches, got %d", ledger.FetchCount())
	}
}

func TestMockLedger_Push(t *testing.T) {
	if _, err := NewMockLedger(false).SubscribeToUpdates(context.Background()); !errors.Is(err, ErrPushUnsupported) {
		t.Errorf("expected ErrPushUnsupported, got %v", err)
	}

	ledger := NewMockLedger(true)
	ch, err := ledger.SubscribeToUpdates(context.Background())
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	tx := ledger.Deposit(Transaction{Amount: 5})
	got := <-ch
	if got.ID != tx.ID {
		t.Errorf("expected pushed record %s, got %s", tx.ID, got.ID)
	}

	ledger.Close()
	if _, ok := <-ch; ok {
		t.Error("expected stream to be closed")
	}
}
