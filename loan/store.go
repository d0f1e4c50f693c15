/*
store.go - Persistence ports for loans, ledger entries and payments

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete. The single permitted mutation is
  MarkReversed, which flips an ACTIVE entry to REVERSED exactly once.
  Payments are append-only as well; "deletion" is a soft-delete flag.

IMPLEMENTATIONS:
  - loan/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
*/
package loan

import (
	"context"
	"time"
)

// LedgerStore persists ledger entries.
type LedgerStore interface {
	// Append persists a new entry and assigns its Seq.
	Append(ctx context.Context, e Entry) (Entry, error)

	// List returns every entry of a loan ordered by CreatedAt then Seq.
	List(ctx context.Context, loanID LoanID) ([]Entry, error)

	// Get returns nil, nil when the entry does not exist.
	Get(ctx context.Context, id EntryID) (*Entry, error)

	// MarkReversed flips an ACTIVE entry to REVERSED.
	// Returns ErrAlreadyReversed if it is not ACTIVE.
	MarkReversed(ctx context.Context, id EntryID, stamp ReversalStamp) error
}

// LoanStore persists loan records and their derived current parameters.
type LoanStore interface {
	SaveLoan(ctx context.Context, l Loan) error

	// GetLoan returns nil, nil when the loan does not exist.
	GetLoan(ctx context.Context, id LoanID) (*Loan, error)

	ListLoans(ctx context.Context) ([]Loan, error)

	// SetBaseline records an inferred baseline for a legacy loan.
	SetBaseline(ctx context.Context, id LoanID, b Baseline, inferred bool) error

	UpdateCurrent(ctx context.Context, id LoanID, p EffectiveParameters) error
}

// PaymentStore persists payments.
type PaymentStore interface {
	AppendPayment(ctx context.Context, p Payment) error

	// GetPayment returns nil, nil when the payment does not exist.
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	ListPayments(ctx context.Context, loanID LoanID) ([]Payment, error)
	UpdatePaymentStatus(ctx context.Context, id PaymentID, status PaymentStatus) error
	SoftDeletePayment(ctx context.Context, id PaymentID, stamp ReversalStamp) error
}

// Store is the full persistence surface used by Service.
type Store interface {
	LedgerStore
	LoanStore
	PaymentStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error every write made through the Store passed to fn is
// rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// OPTIONAL PORTS
// =============================================================================

// AuditRun records one pass of the reconciliation audit over a loan.
type AuditRun struct {
	ID          string
	LoanID      LoanID
	Drift       bool
	Degraded    bool
	Skipped     int
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// AuditStore is implemented by stores that keep audit history.
type AuditStore interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	ListAuditRuns(ctx context.Context, loanID LoanID, limit int) ([]AuditRun, error)
}

// Resetter is implemented by stores that can be wiped, e.g. before loading
// a demo scenario.
type Resetter interface {
	Reset(ctx context.Context) error
}
