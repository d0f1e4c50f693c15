/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements loan.Store, loan.TxStore, loan.AuditStore and loan.Resetter
  using SQLite. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on modifications or payments
  - The only UPDATE on modifications is ACTIVE -> REVERSED, guarded by
    "WHERE status = 'ACTIVE'" so it succeeds at most once
  - Payments are "deleted" by setting a flag

KEY TABLES:
  loans:               Loan record, baseline snapshot, derived current parameters
  modifications:       Ledger entries (typed payload stored as JSON)
  payments:            Payment history with soft-delete flag
  reconciliation_runs: Audit history written by the reconciliation scheduler

INDEXES:
  - idx_modifications_loan_created: Ledger replay order (hot path)
  - idx_unique_reversal_target: At most one reversal per target entry
  - idx_payments_loan: Balance derivation

CONCURRENCY:
  One connection, so statements are serialized by database/sql. WithTx
  holds a mutex for the lifetime of the transaction; everything the
  callback does goes through the transaction's connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := loan.NewService(store, loan.Options{Logger: logger})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loan/store.go: Interface definitions
  - loan/store/memory.go: In-memory implementation for testing
  - factory/: JSON form of payloads and parameter snapshots
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements all storage interfaces using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Loans
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		borrower TEXT NOT NULL DEFAULT '',
		baseline_json TEXT,
		baseline_inferred INTEGER NOT NULL DEFAULT 0,
		current_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Modifications (append-only ledger)
	CREATE TABLE IF NOT EXISTS modifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		mod_type TEXT NOT NULL,
		change_json TEXT NOT NULL,
		target_id TEXT,
		reason TEXT,
		approved_by TEXT,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TEXT NOT NULL,
		reversed_at TEXT,
		reversed_by TEXT,
		reversal_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_modifications_loan_created
		ON modifications(loan_id, created_at, seq);

	-- A target can be reversed once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_reversal_target
		ON modifications(target_id)
		WHERE mod_type = 'REVERSAL';

	-- Payments (append-only, soft delete)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		amount TEXT NOT NULL,
		principal_portion TEXT NOT NULL,
		interest_portion TEXT NOT NULL,
		fee_portion TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		paid_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		deleted_by TEXT,
		delete_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_loan
		ON payments(loan_id, created_at);

	-- Reconciliation Runs (written by the audit scheduler)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		drift INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_loan
		ON reconciliation_runs(loan_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loan.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loan.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset deletes all data. Used when loading demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"reconciliation_runs", "payments", "modifications", "loans"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// queries implements loan.Store against either the database or a
// transaction.
type queries struct {
	q querier
}

// =============================================================================
// LEDGER (loan.LedgerStore interface)
// =============================================================================

const modificationColumns = `seq, id, loan_id, mod_type, change_json, reason, approved_by,
	status, created_at, reversed_at, reversed_by, reversal_reason`

// Append adds an entry to the ledger.
func (qs *queries) Append(ctx context.Context, e loan.Entry) (loan.Entry, error) {
	kind, payload, err := factory.EncodeChange(e.Change)
	if err != nil {
		return loan.Entry{}, err
	}

	var targetID sql.NullString
	if rev, ok := e.Change.(loan.Reversal); ok {
		targetID = nullString(string(rev.TargetID))
	}

	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO modifications
		(id, loan_id, mod_type, change_json, target_id, reason, approved_by, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.LoanID,
		string(kind),
		string(payload),
		targetID,
		nullString(e.Reason),
		nullString(e.ApprovedBy),
		string(e.Status),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if targetID.Valid {
				return loan.Entry{}, loan.ErrAlreadyReversed
			}
			return loan.Entry{}, fmt.Errorf("entry %s: %w", e.ID, loan.ErrAlreadyExists)
		}
		return loan.Entry{}, fmt.Errorf("failed to append modification: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return loan.Entry{}, fmt.Errorf("failed to read modification seq: %w", err)
	}
	e.Seq = seq
	return e, nil
}

// List returns a loan's entries in replay order.
func (qs *queries) List(ctx context.Context, loanID loan.LoanID) ([]loan.Entry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+modificationColumns+`
		FROM modifications
		WHERE loan_id = ?
		ORDER BY created_at ASC, seq ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query modifications: %w", err)
	}
	defer rows.Close()

	var entries []loan.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns nil, nil when the entry does not exist.
func (qs *queries) Get(ctx context.Context, id loan.EntryID) (*loan.Entry, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT `+modificationColumns+`
		FROM modifications
		WHERE id = ?
	`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkReversed flips an ACTIVE entry to REVERSED.
func (qs *queries) MarkReversed(ctx context.Context, id loan.EntryID, stamp loan.ReversalStamp) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE modifications
		SET status = ?, reversed_at = ?, reversed_by = ?, reversal_reason = ?
		WHERE id = ? AND status = ?
	`,
		string(loan.StatusReversed),
		formatTime(stamp.At),
		nullString(stamp.By),
		nullString(stamp.Reason),
		id,
		string(loan.StatusActive),
	)
	if err != nil {
		return fmt.Errorf("failed to mark modification reversed: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark modification reversed: %w", err)
	}
	if n == 0 {
		existing, err := qs.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return loan.ErrTargetNotFound
		}
		return loan.ErrAlreadyReversed
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (loan.Entry, error) {
	var (
		e              loan.Entry
		kind           string
		payload        string
		reason         sql.NullString
		approvedBy     sql.NullString
		status         string
		createdAt      string
		reversedAt     sql.NullString
		reversedBy     sql.NullString
		reversalReason sql.NullString
	)

	err := row.Scan(
		&e.Seq, &e.ID, &e.LoanID, &kind, &payload, &reason, &approvedBy,
		&status, &createdAt, &reversedAt, &reversedBy, &reversalReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("failed to scan modification: %w", err)
	}

	change, err := factory.DecodeChange(loan.ModificationType(kind), []byte(payload))
	if err != nil {
		return e, fmt.Errorf("decode modification %s: %w", e.ID, err)
	}
	e.Change = change
	e.Reason = reason.String
	e.ApprovedBy = approvedBy.String
	e.Status = loan.Status(status)
	e.CreatedAt = parseTime(createdAt)
	if reversedAt.Valid {
		t := parseTime(reversedAt.String)
		e.ReversedAt = &t
	}
	e.ReversedBy = reversedBy.String
	e.ReversalReason = reversalReason.String
	return e, nil
}

// =============================================================================
// LOANS (loan.LoanStore interface)
// =============================================================================

// SaveLoan inserts a new loan.
func (qs *queries) SaveLoan(ctx context.Context, l loan.Loan) error {
	var baselineJSON sql.NullString
	if l.Baseline != nil {
		raw, err := json.Marshal(factory.BaselineToJSON(*l.Baseline))
		if err != nil {
			return fmt.Errorf("encode baseline: %w", err)
		}
		baselineJSON = nullString(string(raw))
	}
	currentJSON, err := json.Marshal(factory.ParametersToJSON(l.Current))
	if err != nil {
		return fmt.Errorf("encode current parameters: %w", err)
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO loans
		(id, borrower, baseline_json, baseline_inferred, current_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID,
		l.Borrower,
		baselineJSON,
		l.BaselineInferred,
		string(currentJSON),
		formatTime(l.CreatedAt),
		formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("loan %s: %w", l.ID, loan.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return nil
}

const loanColumns = `id, borrower, baseline_json, baseline_inferred, current_json, created_at, updated_at`

// GetLoan returns nil, nil when the loan does not exist.
func (qs *queries) GetLoan(ctx context.Context, id loan.LoanID) (*loan.Loan, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLoans returns every loan ordered by id.
func (qs *queries) ListLoans(ctx context.Context) ([]loan.Loan, error) {
	rows, err := qs.q.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []loan.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// SetBaseline records a baseline on a loan that has none.
func (qs *queries) SetBaseline(ctx context.Context, id loan.LoanID, b loan.Baseline, inferred bool) error {
	raw, err := json.Marshal(factory.BaselineToJSON(b))
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	return qs.updateLoan(ctx, id, `
		UPDATE loans SET baseline_json = ?, baseline_inferred = ?, updated_at = ?
		WHERE id = ?
	`, string(raw), inferred, formatTime(time.Now()), id)
}

// UpdateCurrent persists the derived current parameters.
func (qs *queries) UpdateCurrent(ctx context.Context, id loan.LoanID, p loan.EffectiveParameters) error {
	raw, err := json.Marshal(factory.ParametersToJSON(p))
	if err != nil {
		return fmt.Errorf("encode current parameters: %w", err)
	}
	return qs.updateLoan(ctx, id, `
		UPDATE loans SET current_json = ?, updated_at = ?
		WHERE id = ?
	`, string(raw), formatTime(time.Now()), id)
}

func (qs *queries) updateLoan(ctx context.Context, id loan.LoanID, query string, args ...any) error {
	res, err := qs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("loan %s: %w", id, loan.ErrLoanNotFound)
	}
	return nil
}

func scanLoan(row scanner) (loan.Loan, error) {
	var (
		l            loan.Loan
		baselineJSON sql.NullString
		currentJSON  string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&l.ID, &l.Borrower, &baselineJSON, &l.BaselineInferred, &currentJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, err
	}
	if err != nil {
		return l, fmt.Errorf("failed to scan loan: %w", err)
	}

	if baselineJSON.Valid {
		var pj factory.ParametersJSON
		if err := json.Unmarshal([]byte(baselineJSON.String), &pj); err != nil {
			return l, fmt.Errorf("decode baseline of loan %s: %w", l.ID, err)
		}
		b, err := factory.DecodeBaseline(pj)
		if err != nil {
			return l, fmt.Errorf("decode baseline of loan %s: %w", l.ID, err)
		}
		l.Baseline = &b
	}

	var pj factory.ParametersJSON
	if err := json.Unmarshal([]byte(currentJSON), &pj); err != nil {
		return l, fmt.Errorf("decode current parameters of loan %s: %w", l.ID, err)
	}
	if l.Current, err = factory.ParametersFromJSON(pj); err != nil {
		return l, fmt.Errorf("decode current parameters of loan %s: %w", l.ID, err)
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return l, nil
}

// =============================================================================
// PAYMENTS (loan.PaymentStore interface)
// =============================================================================

const paymentColumns = `id, loan_id, amount, principal_portion, interest_portion, fee_portion,
	status, paid_at, created_at, deleted, deleted_at, deleted_by, delete_reason`

// AppendPayment inserts a payment.
func (qs *queries) AppendPayment(ctx context.Context, p loan.Payment) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, loan_id, amount, principal_portion, interest_portion, fee_portion, status, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.LoanID,
		p.Amount,
		p.PrincipalPortion,
		p.InterestPortion,
		p.FeePortion,
		string(p.Status),
		formatTime(p.PaidAt),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("payment %s: %w", p.ID, loan.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

// GetPayment returns nil, nil when the payment does not exist.
func (qs *queries) GetPayment(ctx context.Context, id loan.PaymentID) (*loan.Payment, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPayments returns every payment of a loan, soft-deleted ones included.
func (qs *queries) ListPayments(ctx context.Context, loanID loan.LoanID) ([]loan.Payment, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE loan_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []loan.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// UpdatePaymentStatus changes a payment's status.
func (qs *queries) UpdatePaymentStatus(ctx context.Context, id loan.PaymentID, status loan.PaymentStatus) error {
	res, err := qs.q.ExecContext(ctx, `UPDATE payments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n == 0 {
		return loan.ErrPaymentNotFound
	}
	return nil
}

// SoftDeletePayment flags a payment deleted. Repeated deletes keep the first
// stamp.
func (qs *queries) SoftDeletePayment(ctx context.Context, id loan.PaymentID, stamp loan.ReversalStamp) error {
	_, err := qs.q.ExecContext(ctx, `
		UPDATE payments
		SET deleted = 1, deleted_at = ?, deleted_by = ?, delete_reason = ?
		WHERE id = ? AND deleted = 0
	`,
		formatTime(stamp.At),
		nullString(stamp.By),
		nullString(stamp.Reason),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}

	existing, err := qs.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return loan.ErrPaymentNotFound
	}
	return nil
}

func scanPayment(row scanner) (loan.Payment, error) {
	var (
		p            loan.Payment
		status       string
		paidAt       string
		createdAt    string
		deletedAt    sql.NullString
		deletedBy    sql.NullString
		deleteReason sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.LoanID, &p.Amount, &p.PrincipalPortion, &p.InterestPortion, &p.FeePortion,
		&status, &paidAt, &createdAt, &p.Deleted, &deletedAt, &deletedBy, &deleteReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}

	p.Status = loan.PaymentStatus(status)
	p.PaidAt = parseTime(paidAt)
	p.CreatedAt = parseTime(createdAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		p.DeletedAt = &t
	}
	p.DeletedBy = deletedBy.String
	p.DeleteReason = deleteReason.String
	return p, nil
}

// =============================================================================
// RECONCILIATION RUNS (loan.AuditStore interface)
// =============================================================================

// SaveAuditRun records one audit pass.
func (qs *queries) SaveAuditRun(ctx context.Context, run loan.AuditRun) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, loan_id, drift, degraded, skipped, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.LoanID,
		run.Drift,
		run.Degraded,
		run.Skipped,
		nullString(run.Error),
		formatTime(run.StartedAt),
		formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListAuditRuns returns the most recent runs first. An empty loanID matches
// every loan.
func (qs *queries) ListAuditRuns(ctx context.Context, loanID loan.LoanID, limit int) ([]loan.AuditRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, loan_id, drift, degraded, skipped, error, started_at, completed_at
		FROM reconciliation_runs
		WHERE (? = '' OR loan_id = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, loanID, loanID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []loan.AuditRun
	for rows.Next() {
		var (
			run         loan.AuditRun
			errText     sql.NullString
			startedAt   string
			completedAt string
		)
		if err := rows.Scan(&run.ID, &run.LoanID, &run.Drift, &run.Degraded, &run.Skipped,
			&errText, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		run.Error = errText.String
		run.StartedAt = parseTime(startedAt)
		run.CompletedAt = parseTime(completedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
