package tracker

import (
	"errors"
	"time"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrAlreadyTerminal     = errors.New("invoice already in a terminal state")
	ErrTransactionConsumed = errors.New("transaction already credited to another invoice")
	ErrInvalidRequest      = errors.New("invalid invoice request")
)

// Status is the lifecycle state of a tracked invoice.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
	StatusTimeout Status = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Invoice is a snapshot of a tracked invoice. Values handed out by the store
// are copies; mutating them has no effect on tracked state.
type Invoice struct {
	ID               string
	Reference        string // caller's logical entity id
	ExpectedAmount   int64
	Unit             string
	AmountKnown      bool
	ToleranceRange   int64
	CorrelationToken string
	Memo             string
	PaymentRequest   string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Status           Status

	// Set together, exactly once, when the invoice is paid.
	PaidAt                 *time.Time
	ExternalTransactionRef string
	AmountReceived         int64
	ObservedAmount         int64
	MatchedBy              Rule

	ResolvedAt *time.Time // any terminal transition
}

// InvoiceRequest is the input to CreateTrackedInvoice. Set AmountUnknown for
// invoices whose amount cannot be known up front; those only resolve through
// their correlation token.
type InvoiceRequest struct {
	Reference     string
	Amount        int64
	Unit          string // defaults to sat
	AmountUnknown bool
	Memo          string
	Expiry        time.Duration // defaults to Config.DefaultExpiry
}

func (r InvoiceRequest) validate() error {
	if r.Expiry < 0 {
		return errors.Join(ErrInvalidRequest, errors.New("expiry must not be negative"))
	}
	if r.AmountUnknown {
		if r.Amount != 0 {
			return errors.Join(ErrInvalidRequest, errors.New("amount must be zero when unknown"))
		}
		return nil
	}
	if r.Amount <= 0 {
		return errors.Join(ErrInvalidRequest, errors.New("amount must be positive"))
	}
	return nil
}

// ToleranceFor returns the amount slack allowed when matching by amount and
// timing instead of by token.
func ToleranceFor(expected int64) int64 {
	switch {
	case expected <= 1000:
		return 10
	case expected <= 10000:
		return 50
	default:
		return max(100, expected/100)
	}
}
