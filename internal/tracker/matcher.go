package tracker

import (
	"context"
	"time"

	"invoicewatch/internal/logging"
	"invoicewatch/internal/payments"
)

// Rule names the matching rule that linked a record to an invoice. Rules are
// tried in the order declared here.
type Rule string

const (
	RuleToken           Rule = "token"
	RuleAmountTiming    Rule = "amount-timing"
	RuleUnitConverted   Rule = "unit-converted"
	RuleDefectFallback  Rule = "defect-fallback"
	RuleDirectTolerance Rule = "direct-tolerance"
)

// Converter converts amounts between units.
type Converter interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, error)
}

// MatcherConfig holds the matching windows and tolerances.
type MatcherConfig struct {
	AmountTimingWindow   time.Duration // rule 2
	ConvertedTolerance   int64         // rule 3
	DefectFallbackWindow time.Duration // rule 4
	DirectTolerance      int64         // rule 5

	// DisableDefectFallback turns rule 4 off once the ledger reports amounts
	// in the right unit again.
	DisableDefectFallback bool
}

// DefaultMatcherConfig returns the production windows.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		AmountTimingWindow:   30 * time.Second,
		ConvertedTolerance:   1,
		DefectFallbackWindow: 10 * time.Second,
		DirectTolerance:      10,
	}
}

// Match is a positive matching decision.
type Match struct {
	Invoice Invoice
	Rule    Rule
	Record  payments.Transaction
}

// AmountReceived is the amount credited to the invoice. Ledger amounts are
// unreliable, so known-amount invoices are credited their expected amount and
// the raw figure is only kept for audit.
func (m Match) AmountReceived() int64 {
	if m.Invoice.AmountKnown {
		return m.Invoice.ExpectedAmount
	}
	return m.Record.Amount
}

// Matcher decides whether a ledger record proves payment of a pending invoice.
type Matcher struct {
	tokens    *TokenIssuer
	converter Converter // optional; rule 3 is skipped without it
	cfg       MatcherConfig
}

// NewMatcher creates a matcher.
func NewMatcher(tokens *TokenIssuer, converter Converter, cfg MatcherConfig) *Matcher {
	return &Matcher{tokens: tokens, converter: converter, cfg: cfg}
}

// TryMatch runs the rules in priority order against candidates and returns
// the first hit. Candidates are expected oldest first, as ListPending returns
// them. Records that are not settled incoming payments never match.
func (m *Matcher) TryMatch(ctx context.Context, rec payments.Transaction, candidates []Invoice) (Match, bool) {
	if rec.ID == "" || !rec.Settled() {
		return Match{}, false
	}

	if token := ExtractToken(rec.Memo); token != "" {
		if invoiceID, ok := m.tokens.Resolve(token); ok {
			for _, inv := range candidates {
				if inv.ID == invoiceID && inv.ExternalTransactionRef == "" {
					return Match{Invoice: inv, Rule: RuleToken, Record: rec}, true
				}
			}
			// The record belongs to an invoice that is no longer pending and
			// must not be credited to anyone else.
			return Match{}, false
		}
	}

	known := make([]Invoice, 0, len(candidates))
	for _, inv := range candidates {
		if inv.AmountKnown && inv.ExternalTransactionRef == "" {
			known = append(known, inv)
		}
	}
	if len(known) == 0 {
		return Match{}, false
	}

	if inv, ok := m.amountTiming(rec, known); ok {
		return Match{Invoice: inv, Rule: RuleAmountTiming, Record: rec}, true
	}
	if inv, ok := m.unitConverted(ctx, rec, known); ok {
		return Match{Invoice: inv, Rule: RuleUnitConverted, Record: rec}, true
	}
	if !m.cfg.DisableDefectFallback {
		if inv, ok := m.defectFallback(rec, known); ok {
			return Match{Invoice: inv, Rule: RuleDefectFallback, Record: rec}, true
		}
	}
	if inv, ok := m.directTolerance(rec, known); ok {
		return Match{Invoice: inv, Rule: RuleDirectTolerance, Record: rec}, true
	}
	return Match{}, false
}

func (m *Matcher) amountTiming(rec payments.Transaction, candidates []Invoice) (Invoice, bool) {
	var best Invoice
	found := false
	for _, inv := range candidates {
		if inv.Unit != rec.AmountUnit() {
			continue
		}
		if absDuration(rec.Timestamp.Sub(inv.CreatedAt)) > m.cfg.AmountTimingWindow {
			continue
		}
		delta := absInt(rec.Amount - inv.ExpectedAmount)
		if delta > inv.ToleranceRange {
			continue
		}
		if !found || closer(rec, inv, best) {
			best, found = inv, true
		}
	}
	return best, found
}

func (m *Matcher) unitConverted(ctx context.Context, rec payments.Transaction, candidates []Invoice) (Invoice, bool) {
	if m.converter == nil {
		return Invoice{}, false
	}
	type key struct {
		amount int64
		unit   string
	}
	converted := make(map[key]int64)

	for _, inv := range candidates {
		if inv.Unit == rec.AmountUnit() {
			continue
		}
		k := key{inv.ExpectedAmount, inv.Unit}
		v, ok := converted[k]
		if !ok {
			var err error
			v, err = m.converter.Convert(ctx, inv.ExpectedAmount, inv.Unit, rec.AmountUnit())
			if err != nil {
				logging.Tracker.Printf("matcher: convert %d %s -> %s for invoice %s failed: %v",
					inv.ExpectedAmount, inv.Unit, rec.AmountUnit(), inv.ID, err)
				continue
			}
			converted[k] = v
		}
		if absInt(v-rec.Amount) <= m.cfg.ConvertedTolerance {
			return inv, true
		}
	}
	return Invoice{}, false
}

// defectFallback accepts any positive amount shortly after creation. It only
// exists because the upstream ledger misreports amount units, and it cannot
// tell apart two invoices created within the same window.
func (m *Matcher) defectFallback(rec payments.Transaction, candidates []Invoice) (Invoice, bool) {
	if rec.Amount <= 0 {
		return Invoice{}, false
	}
	var best Invoice
	var bestGap time.Duration
	found := false
	for _, inv := range candidates {
		gap := absDuration(rec.Timestamp.Sub(inv.CreatedAt))
		if gap > m.cfg.DefectFallbackWindow {
			continue
		}
		if !found || gap < bestGap {
			best, bestGap, found = inv, gap, true
		}
	}
	return best, found
}

func (m *Matcher) directTolerance(rec payments.Transaction, candidates []Invoice) (Invoice, bool) {
	var best Invoice
	var bestDelta int64
	found := false
	for _, inv := range candidates {
		if inv.Unit != rec.AmountUnit() {
			continue
		}
		delta := absInt(rec.Amount - inv.ExpectedAmount)
		if delta > m.cfg.DirectTolerance {
			continue
		}
		if !found || delta < bestDelta {
			best, bestDelta, found = inv, delta, true
		}
	}
	return best, found
}

// closer prefers the smaller amount delta, then the smaller time gap. Equal
// candidates keep the earlier (older) one.
func closer(rec payments.Transaction, a, b Invoice) bool {
	da, db := absInt(rec.Amount-a.ExpectedAmount), absInt(rec.Amount-b.ExpectedAmount)
	if da != db {
		return da < db
	}
	return absDuration(rec.Timestamp.Sub(a.CreatedAt)) < absDuration(rec.Timestamp.Sub(b.CreatedAt))
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
