package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"invoicewatch/internal/tracker"
)

var ErrNotFound = errors.New("not found")

// SQLiteJournal implements Journal using SQLite. Times are stored as unix
// milliseconds.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteJournal opens (and migrates) the journal at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteJournal{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outcomes (
			invoice_id TEXT PRIMARY KEY,
			reference TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			expected_amount INTEGER NOT NULL DEFAULT 0,
			unit TEXT NOT NULL,
			amount_known INTEGER NOT NULL DEFAULT 1,
			amount_received INTEGER NOT NULL DEFAULT 0,
			observed_amount INTEGER NOT NULL DEFAULT 0,
			external_ref TEXT NOT NULL DEFAULT '',
			matched_by TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS outcomes_status_resolved ON outcomes (status, resolved_at)`)
	return err
}

// RecordOutcome journals a terminal invoice.
func (s *SQLiteJournal) RecordOutcome(ctx context.Context, inv tracker.Invoice) error {
	return s.SaveOutcome(ctx, OutcomeFromInvoice(inv))
}

// OutcomeFromInvoice converts a tracker snapshot into a journal row.
func OutcomeFromInvoice(inv tracker.Invoice) *Outcome {
	o := &Outcome{
		InvoiceID:              inv.ID,
		Reference:              inv.Reference,
		Status:                 string(inv.Status),
		ExpectedAmount:         inv.ExpectedAmount,
		Unit:                   inv.Unit,
		AmountKnown:            inv.AmountKnown,
		AmountReceived:         inv.AmountReceived,
		ObservedAmount:         inv.ObservedAmount,
		ExternalTransactionRef: inv.ExternalTransactionRef,
		MatchedBy:              string(inv.MatchedBy),
		CorrelationToken:       inv.CorrelationToken,
		CreatedAt:              inv.CreatedAt,
	}
	if inv.ResolvedAt != nil {
		o.ResolvedAt = *inv.ResolvedAt
	}
	return o
}

func (s *SQLiteJournal) SaveOutcome(ctx context.Context, o *Outcome) error {
	if o.InvoiceID == "" {
		return fmt.Errorf("outcome without invoice id")
	}
	resolved := o.ResolvedAt
	if resolved.IsZero() {
		resolved = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (invoice_id, reference, status, expected_amount, unit, amount_known,
			amount_received, observed_amount, external_ref, matched_by, token, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invoice_id) DO UPDATE SET
			status = excluded.status,
			amount_received = excluded.amount_received,
			observed_amount = excluded.observed_amount,
			external_ref = excluded.external_ref,
			matched_by = excluded.matched_by,
			resolved_at = excluded.resolved_at
	`, o.InvoiceID, o.Reference, o.Status, o.ExpectedAmount, o.Unit, o.AmountKnown,
		o.AmountReceived, o.ObservedAmount, o.ExternalTransactionRef, o.MatchedBy, o.CorrelationToken,
		o.CreatedAt.UnixMilli(), resolved.UnixMilli())
	return err
}

const outcomeColumns = `invoice_id, reference, status, expected_amount, unit, amount_known,
	amount_received, observed_amount, external_ref, matched_by, token, created_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (*Outcome, error) {
	var o Outcome
	var known int
	var created, resolved int64
	err := row.Scan(&o.InvoiceID, &o.Reference, &o.Status, &o.ExpectedAmount, &o.Unit, &known,
		&o.AmountReceived, &o.ObservedAmount, &o.ExternalTransactionRef, &o.MatchedBy, &o.CorrelationToken,
		&created, &resolved)
	if err != nil {
		return nil, err
	}
	o.AmountKnown = known == 1
	o.CreatedAt = time.UnixMilli(created)
	o.ResolvedAt = time.UnixMilli(resolved)
	return &o, nil
}

func (s *SQLiteJournal) GetOutcome(ctx context.Context, invoiceID string) (*Outcome, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE invoice_id = ?`, invoiceID)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// ListOutcomes returns matching outcomes, oldest resolution first.
func (s *SQLiteJournal) ListOutcomes(ctx context.Context, f ListFilter) ([]*Outcome, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "resolved_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	query := `SELECT ` + outcomeColumns + ` FROM outcomes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY resolved_at, invoice_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneBefore deletes outcomes resolved before cutoff.
func (s *SQLiteJournal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE resolved_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteJournal) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'paid' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'expired' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN matched_by = 'defect-fallback' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'paid' AND unit = 'sat' THEN amount_received ELSE 0 END), 0),
			COALESCE(MIN(resolved_at), 0),
			COALESCE(MAX(resolved_at), 0)
		FROM outcomes
	`)

	var oldest, newest int64
	err := row.Scan(
		&stats.Total,
		&stats.Paid,
		&stats.Failed,
		&stats.Expired,
		&stats.Timeout,
		&stats.DefectMatches,
		&stats.CreditedSats,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, err
	}
	if stats.Total > 0 {
		stats.OldestResolved = time.UnixMilli(oldest)
		stats.NewestResolved = time.UnixMilli(newest)
	}

	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -13)
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(resolved_at / 1000, 'unixepoch') AS day,
			COUNT(*),
			COALESCE(SUM(CASE WHEN unit = 'sat' THEN amount_received ELSE 0 END), 0)
		FROM outcomes
		WHERE status = 'paid' AND resolved_at >= ?
		GROUP BY day
		ORDER BY day DESC
	`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ds DailyStat
		if err := rows.Scan(&ds.Date, &ds.Paid, &ds.Credited); err != nil {
			return nil, err
		}
		stats.DailyStats = append(stats.DailyStats, ds)
	}
	return stats, rows.Err()
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}
