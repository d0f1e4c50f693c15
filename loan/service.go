/*
service.go - Orchestration of ledger writes and reconciliation

PURPOSE:
  Service is the surface the rest of the application talks to. Every write
  follows the same two-phase protocol, visible at the call site:

    1. ledger.Append(entry)          -> stored entry
    2. s.recompute(loan)             -> replay + persist current parameters

  Both phases run under the loan's lock and, when the store supports it,
  inside one store transaction, so a caller never observes a ledger write
  without the matching parameters (or vice versa).

CONCURRENCY:
  Writers are serialized per loan (loanLocks). Loans never contend with each
  other. Reads go straight to the store.

LEGACY LOANS:
  A loan without a captured baseline reconciles from its current parameters
  (logged as a warning). The first write freezes those parameters as an
  inferred baseline so later replays do not compound on their own output.
*/
package loan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Observer receives domain events, e.g. for metrics.
type Observer interface {
	ModificationAppended(t ModificationType)
	Reconciled(res Result, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) ModificationAppended(ModificationType) {}
func (nopObserver) Reconciled(Result, time.Duration)     {}

type Options struct {
	Clock    Clock
	Logger   *zap.Logger
	Observer Observer
}

type Service struct {
	store      Store
	clock      Clock
	log        *zap.Logger
	obs        Observer
	reconciler *Reconciler
	locks      *loanLocks
	balances   *balanceCache
}

func NewService(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Service{
		store:      store,
		clock:      opts.Clock,
		log:        opts.Logger,
		obs:        opts.Observer,
		reconciler: NewReconciler(opts.Clock, opts.Logger),
		locks:      newLoanLocks(),
		balances:   newBalanceCache(),
	}
}

// =============================================================================
// LOANS
// =============================================================================

type NewLoan struct {
	ID       LoanID
	Borrower string
	Baseline Baseline
}

// CreateLoan stores a loan and captures its baseline.
func (s *Service) CreateLoan(ctx context.Context, in NewLoan) (Loan, error) {
	if in.ID == "" {
		in.ID = LoanID(uuid.NewString())
	}
	unlock := s.locks.Lock(in.ID)
	defer unlock()

	existing, err := s.store.GetLoan(ctx, in.ID)
	if err != nil {
		return Loan{}, err
	}
	if existing != nil {
		return Loan{}, fmt.Errorf("loan %s: %w", in.ID, ErrAlreadyExists)
	}

	now := s.clock.Now().UTC()
	baseline := in.Baseline
	l := Loan{
		ID:        in.ID,
		Borrower:  in.Borrower,
		Baseline:  &baseline,
		Current:   baseline.Effective(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveLoan(ctx, l); err != nil {
		return Loan{}, err
	}
	s.log.Info("loan created", zap.String("loan_id", string(l.ID)))
	return l, nil
}

// ImportLegacyLoan stores a loan as-is, typically one without a baseline.
func (s *Service) ImportLegacyLoan(ctx context.Context, l Loan) (Loan, error) {
	if l.ID == "" {
		l.ID = LoanID(uuid.NewString())
	}
	unlock := s.locks.Lock(l.ID)
	defer unlock()

	existing, err := s.store.GetLoan(ctx, l.ID)
	if err != nil {
		return Loan{}, err
	}
	if existing != nil {
		return Loan{}, fmt.Errorf("loan %s: %w", l.ID, ErrAlreadyExists)
	}
	now := s.clock.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if err := s.store.SaveLoan(ctx, l); err != nil {
		return Loan{}, err
	}
	if l.Baseline == nil {
		s.log.Warn("legacy loan imported without baseline", zap.String("loan_id", string(l.ID)))
	}
	return l, nil
}

func (s *Service) GetLoan(ctx context.Context, id LoanID) (Loan, error) {
	l, err := requireLoan(ctx, s.store, id)
	if err != nil {
		return Loan{}, err
	}
	return *l, nil
}

func (s *Service) ListLoans(ctx context.Context) ([]Loan, error) {
	return s.store.ListLoans(ctx)
}

// =============================================================================
// LEDGER OPERATIONS
// =============================================================================

// AppendModification appends a change to the loan's ledger and re-derives
// its effective parameters. A Reversal change is handled exactly like
// AppendReversal.
func (s *Service) AppendModification(ctx context.Context, loanID LoanID, change Change, reason, approver string) (Entry, error) {
	if change == nil {
		return Entry{}, &ChangeError{Msg: "missing change payload"}
	}

	unlock := s.locks.Lock(loanID)
	defer unlock()

	var stored Entry
	err := s.withTx(ctx, func(st Store) error {
		l, err := requireLoan(ctx, st, loanID)
		if err != nil {
			return err
		}

		stored, err = NewLedger(st, s.clock).Append(ctx, Entry{
			LoanID:     loanID,
			Change:     change,
			Reason:     reason,
			ApprovedBy: approver,
		})
		if err != nil {
			return err
		}

		_, err = s.recompute(ctx, st, *l)
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	s.obs.ModificationAppended(stored.Type())
	s.log.Info("modification appended",
		zap.String("loan_id", string(loanID)),
		zap.String("entry_id", string(stored.ID)),
		zap.String("type", string(stored.Type())),
		zap.String("approved_by", approver),
	)
	return stored, nil
}

// AppendReversal deactivates a prior modification and replays the ledger.
func (s *Service) AppendReversal(ctx context.Context, loanID LoanID, targetID EntryID, reason, actor string) (Entry, error) {
	return s.AppendModification(ctx, loanID, Reversal{TargetID: targetID, Reason: reason}, reason, actor)
}

// ListModifications returns the loan's full ledger, reversed entries included.
func (s *Service) ListModifications(ctx context.Context, loanID LoanID) ([]Entry, error) {
	if _, err := requireLoan(ctx, s.store, loanID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, loanID)
}

// GetEffectiveParameters re-derives the loan's current terms without
// persisting them.
func (s *Service) GetEffectiveParameters(ctx context.Context, loanID LoanID) (EffectiveParameters, error) {
	res, _, err := s.derive(ctx, s.store, loanID)
	if err != nil {
		return EffectiveParameters{}, err
	}
	return res.Parameters, nil
}

// Reconcile re-derives the loan's current terms without persisting them and
// returns the full result.
func (s *Service) Reconcile(ctx context.Context, loanID LoanID) (Result, error) {
	res, _, err := s.derive(ctx, s.store, loanID)
	return res, err
}

// Recompute re-derives and persists the loan's current terms.
func (s *Service) Recompute(ctx context.Context, loanID LoanID) (Result, error) {
	unlock := s.locks.Lock(loanID)
	defer unlock()

	var res Result
	err := s.withTx(ctx, func(st Store) error {
		l, err := requireLoan(ctx, st, loanID)
		if err != nil {
			return err
		}
		res, err = s.recompute(ctx, st, *l)
		return err
	})
	return res, err
}

func (s *Service) derive(ctx context.Context, st Store, loanID LoanID) (Result, *Loan, error) {
	l, err := requireLoan(ctx, st, loanID)
	if err != nil {
		return Result{}, nil, err
	}
	entries, err := st.List(ctx, loanID)
	if err != nil {
		return Result{}, nil, fmt.Errorf("list modifications: %w", err)
	}
	return s.reconciler.Reconcile(*l, entries), l, nil
}

// recompute replays the ledger and persists the result. Callers hold the
// loan's lock.
func (s *Service) recompute(ctx context.Context, st Store, l Loan) (Result, error) {
	started := time.Now()

	entries, err := st.List(ctx, l.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list modifications: %w", err)
	}

	res := s.reconciler.Reconcile(l, entries)

	if l.Baseline == nil {
		inferred := baselineFromParameters(l.Current)
		if err := st.SetBaseline(ctx, l.ID, inferred, true); err != nil {
			return Result{}, fmt.Errorf("freeze inferred baseline: %w", err)
		}
	}

	if err := st.UpdateCurrent(ctx, l.ID, res.Parameters); err != nil {
		return Result{}, fmt.Errorf("update current parameters: %w", err)
	}

	s.obs.Reconciled(res, time.Since(started))
	if res.Skipped > 0 {
		s.log.Warn("reconciliation skipped entries",
			zap.String("loan_id", string(l.ID)),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func baselineFromParameters(p EffectiveParameters) Baseline {
	return Baseline{
		Principal:        p.Principal,
		InterestRate:     p.InterestRate,
		TermMonths:       p.TermMonths,
		StartDate:        p.StartDate,
		PaymentFrequency: p.PaymentFrequency,
		InterestType:     p.InterestType,
		Calendar:         p.Calendar,
		Rounding:         p.Rounding,
		PaymentAmount:    p.PaymentAmount,
	}
}

// =============================================================================
// PAYMENTS & BALANCE
// =============================================================================

// GetCurrentBalance returns baseline principal minus completed, non-deleted
// principal payments.
func (s *Service) GetCurrentBalance(ctx context.Context, loanID LoanID) (decimal.Decimal, error) {
	if v, ok := s.balances.get(loanID); ok {
		return v, nil
	}

	// Hold the loan's lock so a concurrent payment write cannot invalidate
	// between the read below and the cache fill.
	unlock := s.locks.Lock(loanID)
	defer unlock()
	if v, ok := s.balances.get(loanID); ok {
		return v, nil
	}

	l, err := requireLoan(ctx, s.store, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	payments, err := s.store.ListPayments(ctx, loanID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list payments: %w", err)
	}

	principal := l.Current.Principal
	if l.Baseline != nil {
		principal = l.Baseline.Principal
	}
	balance := CurrentBalance(principal, payments)
	s.balances.put(loanID, balance)
	return balance, nil
}

// RecordPayment appends a payment. Status defaults to PENDING.
func (s *Service) RecordPayment(ctx context.Context, p Payment) (Payment, error) {
	unlock := s.locks.Lock(p.LoanID)
	defer unlock()
	defer s.balances.invalidate(p.LoanID)

	if _, err := requireLoan(ctx, s.store, p.LoanID); err != nil {
		return Payment{}, err
	}
	now := s.clock.Now().UTC()
	if p.ID == "" {
		p.ID = PaymentID(uuid.NewString())
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = now
	}
	p.CreatedAt = now
	p.Deleted = false
	p.DeletedAt = nil

	if err := s.store.AppendPayment(ctx, p); err != nil {
		return Payment{}, err
	}
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, loanID LoanID) ([]Payment, error) {
	if _, err := requireLoan(ctx, s.store, loanID); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, loanID)
}

// UpdatePaymentStatus changes a payment's status.
func (s *Service) UpdatePaymentStatus(ctx context.Context, id PaymentID, status PaymentStatus) (Payment, error) {
	p, err := s.requirePayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	unlock := s.locks.Lock(p.LoanID)
	defer unlock()
	defer s.balances.invalidate(p.LoanID)

	if err := s.store.UpdatePaymentStatus(ctx, id, status); err != nil {
		return Payment{}, err
	}
	p.Status = status
	return *p, nil
}

// DeletePayment soft-deletes a payment. It stays in the store.
func (s *Service) DeletePayment(ctx context.Context, id PaymentID, by, reason string) (Payment, error) {
	p, err := s.requirePayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	unlock := s.locks.Lock(p.LoanID)
	defer unlock()
	defer s.balances.invalidate(p.LoanID)

	now := s.clock.Now().UTC()
	if err := s.store.SoftDeletePayment(ctx, id, ReversalStamp{At: now, By: by, Reason: reason}); err != nil {
		return Payment{}, err
	}
	// A repeated delete keeps the first stamp.
	stored, err := s.requirePayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	return *stored, nil
}

func (s *Service) requirePayment(ctx context.Context, id PaymentID) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("payment %s: %w", id, ErrPaymentNotFound)
	}
	return p, nil
}

// Reset wipes the store and every cached balance. Returns an error when the
// store cannot be wiped.
func (s *Service) Reset(ctx context.Context) error {
	r, ok := s.store.(Resetter)
	if !ok {
		return fmt.Errorf("store %T does not support reset", s.store)
	}
	if err := r.Reset(ctx); err != nil {
		return err
	}
	s.balances.clear()
	s.log.Warn("store reset")
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) withTx(ctx context.Context, fn func(Store) error) error {
	if tx, ok := s.store.(TxStore); ok {
		return tx.WithTx(ctx, fn)
	}
	return fn(s.store)
}

func requireLoan(ctx context.Context, st LoanStore, id LoanID) (*Loan, error) {
	l, err := st.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("loan %s: %w", id, ErrLoanNotFound)
	}
	return l, nil
}
