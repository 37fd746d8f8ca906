package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"invoicewatch/internal/logging"
	"invoicewatch/internal/store"
)

// reportPrefix starts the name of every report the reporter writes.
const reportPrefix = "review-"

// ReviewStatuses are the outcomes that need a human to reconcile them
// against the ledger.
var ReviewStatuses = []string{"failed", "timeout"}

// OutcomeLister is the part of the journal the reporter reads.
type OutcomeLister interface {
	ListOutcomes(ctx context.Context, f store.ListFilter) ([]*store.Outcome, error)
}

// Report is the JSON document written for each reporting period.
type Report struct {
	ID          string         `json:"id"`
	GeneratedAt time.Time      `json:"generated_at"`
	From        time.Time      `json:"from"`
	To          time.Time      `json:"to"`
	Counts      map[string]int `json:"counts"`
	Items       []ReportItem   `json:"items"`
}

// ReportItem is one invoice awaiting review.
type ReportItem struct {
	InvoiceID        string    `json:"invoice_id"`
	Reference        string    `json:"reference"`
	Status           string    `json:"status"`
	ExpectedAmount   int64     `json:"expected_amount"`
	Unit             string    `json:"unit"`
	CorrelationToken string    `json:"correlation_token"`
	CreatedAt        time.Time `json:"created_at"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Reporter periodically writes the invoices that ended Failed or Timeout to
// report storage.
type Reporter struct {
	source   OutcomeLister
	storage  Storage
	interval time.Duration
	now      func() time.Time

	last time.Time // end of the previous report window
}

// NewReporter creates a reporter. The first report covers one interval
// back from the first run. Run and RunOnce must not be called concurrently.
func NewReporter(source OutcomeLister, storage Storage, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reporter{
		source:   source,
		storage:  storage,
		interval: interval,
		now:      time.Now,
	}
}

// Run writes a report every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logging.Reports.Printf("report failed: %v", err)
			}
		}
	}
}

// RunOnce writes a report covering the time since the previous one and
// returns its name. Nothing is written, and "" is returned, when no invoice
// needs review. A failed run leaves the window open for the next one.
func (r *Reporter) RunOnce(ctx context.Context) (string, error) {
	to := r.now()
	if r.last.IsZero() {
		r.last = to.Add(-r.interval)
	}
	from := r.last

	outcomes, err := r.source.ListOutcomes(ctx, store.ListFilter{Statuses: ReviewStatuses, Since: from})
	if err != nil {
		return "", fmt.Errorf("list outcomes: %w", err)
	}

	rep := Report{
		ID:          uuid.NewString(),
		GeneratedAt: to,
		From:        from,
		To:          to,
		Counts:      make(map[string]int),
		Items:       []ReportItem{},
	}
	for _, o := range outcomes {
		if !o.ResolvedAt.Before(to) {
			continue
		}
		rep.Counts[o.Status]++
		rep.Items = append(rep.Items, ReportItem{
			InvoiceID:        o.InvoiceID,
			Reference:        o.Reference,
			Status:           o.Status,
			ExpectedAmount:   o.ExpectedAmount,
			Unit:             o.Unit,
			CorrelationToken: o.CorrelationToken,
			CreatedAt:        o.CreatedAt,
			ResolvedAt:       o.ResolvedAt,
		})
	}
	if len(rep.Items) == 0 {
		r.last = to
		return "", nil
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s%s-%s.json", reportPrefix, to.UTC().Format("20060102T150405Z"), rep.ID[:8])
	if _, err := r.storage.Save(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}

	r.last = to
	logging.Reports.Printf("wrote %s: %d invoice(s) need review %v", name, len(rep.Items), rep.Counts)
	if p, ok := r.storage.(PublicURLProvider); ok {
		if url := p.GetPublicURL(name); url != "" {
			logging.Reports.Printf("report available at %s", url)
		}
	}
	return name, nil
}

// Prune deletes review reports last modified before cutoff and returns how
// many were removed. Other files in the storage are left alone.
func (r *Reporter) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	stored, err := r.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list reports: %w", err)
	}
	removed := 0
	for _, rep := range stored {
		if !strings.HasPrefix(rep.Name, reportPrefix) || !rep.Modified.Before(cutoff) {
			continue
		}
		if err := r.storage.Delete(ctx, rep.Name); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, fmt.Errorf("delete %s: %w", rep.Name, err)
		}
		removed++
	}
	return removed, nil
}
