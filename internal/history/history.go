package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/refund"
	"github.com/trainalyze/trainalyze/internal/scan"
)

// ErrNotFound is returned by Get for an unknown scan id.
var ErrNotFound = errors.New("scan not found")

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one stored scan.
type Record struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	ScannedAt time.Time    `json:"scanned_at"`
	Summary   scan.Summary `json:"summary"`
}

type Store struct {
	db       *sql.DB
	postgres bool
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "trainalyze_history.db"
	}
	return filepath.Join(home, ".trainalyze", "history.db")
}

// Open connects to the history database. For sqlite the dsn is a file path
// (DefaultDBPath when empty); for postgres it is a connection URL.
func Open(driver, dsn string) (*Store, error) {
	var driverName string
	switch driver {
	case config.DriverSQLite, "":
		driverName = "sqlite"
		if dsn == "" {
			dsn = DefaultDBPath()
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	case config.DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driverName == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, postgres: driverName == "pgx"}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			scanned_at TEXT NOT NULL,
			total_emails INTEGER NOT NULL,
			total_bookings INTEGER NOT NULL,
			total_delays INTEGER NOT NULL,
			total_refunds INTEGER NOT NULL,
			total_spend DOUBLE PRECISION NOT NULL,
			total_potential DOUBLE PRECISION NOT NULL,
			total_expired DOUBLE PRECISION NOT NULL,
			recommendations TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_scanned_at ON scans(scanned_at)`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			email_date TEXT,
			journey_date TEXT,
			operator TEXT NOT NULL,
			booking_ref TEXT,
			origin TEXT,
			destination TEXT,
			price DOUBLE PRECISION,
			delay_mins INTEGER,
			refund_amount DOUBLE PRECISION,
			refund_pct INTEGER,
			deadline TEXT,
			deadline_status TEXT NOT NULL,
			confidence TEXT NOT NULL,
			subject TEXT,
			category TEXT NOT NULL,
			claim_url TEXT,
			PRIMARY KEY (scan_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_operator ON opportunities(operator)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

// Save stores a scan summary and returns its record with a new id.
func (s *Store) Save(ctx context.Context, source string, scannedAt time.Time, summary scan.Summary) (*Record, error) {
	rec := &Record{
		ID:        uuid.New().String(),
		Source:    source,
		ScannedAt: scannedAt.UTC(),
		Summary:   summary,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
	INSERT INTO scans (id, source, scanned_at, total_emails, total_bookings, total_delays, total_refunds,
		total_spend, total_potential, total_expired, recommendations)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Source, rec.ScannedAt.Format(timeLayout),
		summary.TotalEmails, summary.TotalBookings, summary.TotalDelays, summary.TotalRefunds,
		summary.TotalSpend, summary.TotalPotential, summary.TotalExpired,
		strings.Join(summary.Recommendations, "\n"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scan: %w", err)
	}

	insert := s.rebind(`
	INSERT INTO opportunities (scan_id, seq, email_date, journey_date, operator, booking_ref, origin, destination,
		price, delay_mins, refund_amount, refund_pct, deadline, deadline_status, confidence, subject, category, claim_url)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, o := range summary.Opportunities {
		_, err := tx.ExecContext(ctx, insert,
			rec.ID, i, o.Date, o.JourneyDate, o.Operator, o.BookingRef, o.Origin, o.Destination,
			nullFloat(o.Price), nullInt(o.DelayMins), nullFloat(o.RefundAmount), nullInt(o.RefundPct),
			o.Deadline, string(o.DeadlineStatus), string(o.Confidence), o.Subject, string(o.Category), o.ClaimURL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert opportunity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit scan: %w", err)
	}
	return rec, nil
}

const scanColumns = `id, source, scanned_at, total_emails, total_bookings, total_delays, total_refunds,
	total_spend, total_potential, total_expired, recommendations`

// scanRecord reads the scans columns of a row; opportunities are loaded
// separately.
func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var scannedAt string
	var recommendations sql.NullString

	err := scanner.Scan(&r.ID, &r.Source, &scannedAt,
		&r.Summary.TotalEmails, &r.Summary.TotalBookings, &r.Summary.TotalDelays, &r.Summary.TotalRefunds,
		&r.Summary.TotalSpend, &r.Summary.TotalPotential, &r.Summary.TotalExpired, &recommendations)
	if err != nil {
		return nil, err
	}

	r.ScannedAt, err = time.Parse(timeLayout, scannedAt)
	if err != nil {
		return nil, fmt.Errorf("bad scanned_at %q: %w", scannedAt, err)
	}
	r.Summary.Recommendations = []string{}
	if recommendations.String != "" {
		r.Summary.Recommendations = strings.Split(recommendations.String, "\n")
	}
	r.Summary.Opportunities = []scan.Opportunity{}
	r.Summary.Bookings = []scan.Email{}
	return &r, nil
}

// Recent returns up to limit scans, newest first, without their
// opportunities.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+scanColumns+` FROM scans ORDER BY scanned_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Get returns a scan with its opportunities in their stored order.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+scanColumns+` FROM scans WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scan: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
	SELECT email_date, journey_date, operator, booking_ref, origin, destination, price, delay_mins,
		refund_amount, refund_pct, deadline, deadline_status, confidence, subject, category, claim_url
	FROM opportunities WHERE scan_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o scan.Opportunity
		var date, journeyDate, bookingRef, origin, destination, deadline, subject, claimURL sql.NullString
		var status, confidence, category string
		var price, refundAmount sql.NullFloat64
		var delayMins, refundPct sql.NullInt64

		err := rows.Scan(&date, &journeyDate, &o.Operator, &bookingRef, &origin, &destination,
			&price, &delayMins, &refundAmount, &refundPct, &deadline, &status, &confidence,
			&subject, &category, &claimURL)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}

		o.Date = date.String
		o.JourneyDate = journeyDate.String
		o.BookingRef = bookingRef.String
		o.Origin = origin.String
		o.Destination = destination.String
		o.Price = floatPtr(price)
		o.DelayMins = intPtr(delayMins)
		o.RefundAmount = floatPtr(refundAmount)
		o.RefundPct = intPtr(refundPct)
		o.Deadline = deadline.String
		o.DeadlineStatus = refund.Status(status)
		o.Confidence = scan.Confidence(confidence)
		o.Subject = subject.String
		o.Category = inbox.Category(category)
		o.ClaimURL = claimURL.String
		rec.Summary.Opportunities = append(rec.Summary.Opportunities, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Prune deletes scans taken before the cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// sqlite only honours ON DELETE CASCADE with foreign_keys enabled
	_, err = tx.ExecContext(ctx, s.rebind(
		`DELETE FROM opportunities WHERE scan_id IN (SELECT id FROM scans WHERE scanned_at < ?)`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete opportunities: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM scans WHERE scanned_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete scans: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
