package payments

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrPushUnsupported is returned by SubscribeToUpdates when the ledger has no
// push channel. Callers fall back to polling.
var ErrPushUnsupported = errors.New("ledger does not support push updates")

// Direction of a ledger record relative to our wallet.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// TxStatus is the ledger's own settlement status for a record.
type TxStatus string

const (
	TxSettled TxStatus = "settled"
	TxPending TxStatus = "pending"
	TxFailed  TxStatus = "failed"
)

// Units amounts are expressed in. Invoices default to UnitSat.
const (
	UnitSat  = "sat"
	UnitMsat = "msat"
)

// NormalizeUnit lowercases a unit and maps its aliases to the canonical
// name. Empty means sats.
func NormalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	switch u {
	case "", "sats", "satoshi", "satoshis":
		return UnitSat
	case "msats", "millisat", "millisats":
		return UnitMsat
	}
	return u
}

// Invoice is what the ledger hands back when an invoice is created.
type Invoice struct {
	ID             string // payment hash
	PaymentRequest string // BOLT11 encoded invoice
	Amount         int64
}

// Transaction is one entry of the ledger's account activity feed. It is
// external input and never mutated after decoding.
type Transaction struct {
	ID        string
	Direction Direction
	Amount    int64
	Unit      string // empty means UnitSat
	Status    TxStatus
	Timestamp time.Time
	Memo      string
}

// Settled reports whether the record is a settled incoming payment.
func (t Transaction) Settled() bool {
	return t.Direction == DirectionIncoming && t.Status == TxSettled
}

// AmountUnit returns the record's normalized unit, defaulting to UnitSat.
func (t Transaction) AmountUnit() string {
	return NormalizeUnit(t.Unit)
}

// Ledger defines the operations the tracker needs from the payment network.
type Ledger interface {
	CreateInvoice(ctx context.Context, amount int64, memo string) (*Invoice, error)
	FetchRecentTransactions(ctx context.Context, limit int) ([]Transaction, error)
	SubscribeToUpdates(ctx context.Context) (<-chan Transaction, error)
	Close() error
}
