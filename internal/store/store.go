package store

import (
	"context"
	"time"
)

// Outcome is the journaled terminal state of one invoice.
type Outcome struct {
	InvoiceID              string
	Reference              string
	Status                 string
	ExpectedAmount         int64
	Unit                   string
	AmountKnown            bool
	AmountReceived         int64
	ObservedAmount         int64
	ExternalTransactionRef string
	MatchedBy              string
	CorrelationToken       string
	CreatedAt              time.Time
	ResolvedAt             time.Time
}

// ListFilter narrows ListOutcomes. Zero values match everything.
type ListFilter struct {
	Statuses []string
	Since    time.Time // resolved at or after
	Limit    int
}

// DailyStat counts paid invoices for one calendar day (UTC).
type DailyStat struct {
	Date     string
	Paid     int
	Credited int64 // sum of AmountReceived in sats
}

// Stats contains aggregate statistics about journaled outcomes.
type Stats struct {
	Total          int
	Paid           int
	Failed         int
	Expired        int
	Timeout        int
	DefectMatches  int // paid through the defect fallback rule
	CreditedSats   int64
	OldestResolved time.Time
	NewestResolved time.Time
	DailyStats     []DailyStat // last 14 days, newest first
}

// Journal defines the interface for outcome persistence.
type Journal interface {
	SaveOutcome(ctx context.Context, o *Outcome) error
	GetOutcome(ctx context.Context, invoiceID string) (*Outcome, error)
	ListOutcomes(ctx context.Context, f ListFilter) ([]*Outcome, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
