package tracker

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTokenTTL bounds how long a correlation token can match, whatever
// the state of its invoice.
const DefaultTokenTTL = time.Hour

type tokenEntry struct {
	invoiceID string // empty while reserved
	issuedAt  time.Time
}

// TokenIssuer hands out unique correlation tokens and remembers which invoice
// each one belongs to.
type TokenIssuer struct {
	seqMu   sync.Mutex
	counter uint64

	mu      sync.RWMutex
	entries map[string]tokenEntry

	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl uses DefaultTokenTTL.
func NewTokenIssuer(ttl time.Duration, now func() time.Time) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		entries: make(map[string]tokenEntry),
		ttl:     ttl,
		now:     now,
	}
}

// IssueToken creates a token already bound to invoiceID.
func (t *TokenIssuer) IssueToken(invoiceID string) string {
	token := t.Reserve()
	t.Bind(token, invoiceID)
	return token
}

// Reserve creates a token that resolves to nothing until Bind is called. It
// exists because the ledger assigns the invoice id only after the memo
// carrying the token has been sent.
func (t *TokenIssuer) Reserve() string {
	issuedAt := t.now()

	t.seqMu.Lock()
	t.counter++
	n := t.counter
	t.seqMu.Unlock()

	token := fmt.Sprintf("SEQ%06dT%d", n, issuedAt.Unix())

	t.mu.Lock()
	t.entries[token] = tokenEntry{issuedAt: issuedAt}
	t.mu.Unlock()
	return token
}

// Bind attaches a reserved token to its invoice. Unknown tokens are ignored.
func (t *TokenIssuer) Bind(token, invoiceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[token]; ok {
		e.invoiceID = invoiceID
		t.entries[token] = e
	}
}

// Release forgets a token, e.g. when invoice creation failed.
func (t *TokenIssuer) Release(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}

// Resolve returns the invoice bound to token. Tokens older than the TTL never
// resolve, even if they have not been purged yet.
func (t *TokenIssuer) Resolve(token string) (string, bool) {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[token]
	if !ok || e.invoiceID == "" {
		return "", false
	}
	if now.Sub(e.issuedAt) > t.ttl {
		return "", false
	}
	return e.invoiceID, true
}

// Purge drops every entry older than the TTL and returns how many were
// removed.
func (t *TokenIssuer) Purge() int {
	cutoff := t.now().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for token, e := range t.entries {
		if e.issuedAt.Before(cutoff) {
			delete(t.entries, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered tokens.
func (t *TokenIssuer) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
