/*
reconciler.go - Derive effective parameters by replaying the ledger

PURPOSE:
  EffectiveParameters are never patched incrementally. They are recomputed
  from scratch: start at the baseline, then fold every active entry in
  creation order. Reversing an entry simply removes it from the active set,
  so the next replay "undoes" it while re-applying everything after it.

ALGORITHM:
  1. Resolve the baseline (stored; else current parameters + warning)
  2. Active set: not REVERSED, not a REVERSAL, stable-sorted by CreatedAt
  3. Fold one step per entry type
  4. The fold result is the new EffectiveParameters

DETERMINISM:
  Same baseline + same active set = same result. Windows without an explicit
  start date open on the day their entry was recorded, so replaying later
  never moves them.

SEE ALSO:
  - change.go: Payload variants
  - service.go: Persists the result after every ledger write
*/
package loan

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Reconciler folds ledger entries over a baseline. It holds no mutable state.
type Reconciler struct {
	clock Clock
	log   *zap.Logger
}

func NewReconciler(clock Clock, log *zap.Logger) *Reconciler {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{clock: clock, log: log}
}

// Result is the outcome of one reconciliation.
type Result struct {
	Parameters EffectiveParameters

	// Degraded is set when no baseline was captured and current parameters
	// were used as the starting point.
	Degraded bool

	Applied int
	Skipped int
}

// ResolveBaseline returns the starting point for replay and whether it is a
// best-effort substitute for a baseline captured at origination.
func (r *Reconciler) ResolveBaseline(l Loan) (EffectiveParameters, bool) {
	if l.Baseline != nil {
		return l.Baseline.Effective(), l.BaselineInferred
	}
	r.log.Warn("reconciling without captured baseline; using current parameters",
		zap.String("loan_id", string(l.ID)),
		zap.Error(ErrMissingBaseline),
	)
	return l.Current, true
}

// Active returns the entries that take part in replay, in replay order.
func Active(entries []Entry) []Entry {
	active := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsReversed() || e.Type() == TypeReversal {
			continue
		}
		active = append(active, e)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// Reconcile derives a loan's effective parameters from its ledger.
func (r *Reconciler) Reconcile(l Loan, entries []Entry) Result {
	start, degraded := r.ResolveBaseline(l)
	res := r.Fold(start, Active(entries))
	res.Degraded = degraded
	return res
}

// Fold applies entries to start in the given order.
func (r *Reconciler) Fold(start EffectiveParameters, entries []Entry) Result {
	res := Result{Parameters: start.Clone()}
	for _, e := range entries {
		next, ok := r.apply(res.Parameters, e.Change, e)
		if !ok {
			res.Skipped++
			continue
		}
		res.Parameters = next
		res.Applied++
	}
	return res
}

// apply performs one fold step. ok is false when the change was skipped.
func (r *Reconciler) apply(p EffectiveParameters, c Change, e Entry) (EffectiveParameters, bool) {
	switch ch := c.(type) {
	case RateChange:
		p.InterestRate = ch.NewRate

	case TermExtension:
		p.TermMonths += ch.AdditionalMonths
		p.TermAdjustmentMonths += ch.AdditionalMonths

	case PrincipalReduction:
		p.Principal = p.Principal.Sub(ch.Amount)

	case TemporaryPaymentReduction:
		start := StartOfDay(e.CreatedAt)
		p.TemporaryPayment = &TemporaryPayment{
			Amount:           ch.Amount,
			DurationMonths:   ch.DurationMonths,
			InterestHandling: ch.InterestHandling,
			StartDate:        start,
			EndDate:          AddMonths(start, ch.DurationMonths),
		}

	case PermanentPaymentReduction:
		p.PaymentAmount = ch.NewPayment
		if ch.NewTermMonths > 0 {
			p = replaceTerm(p, ch.NewTermMonths)
		}

	case BalloonAssignment:
		p.Balloon = &Balloon{
			Amount:              ch.Amount,
			DueDate:             ch.DueDate,
			ReamortizationStart: ch.ReamortizationStart,
		}

	case BalloonRemoval:
		p.Balloon = nil
		if ch.NewTermMonths > 0 {
			p = replaceTerm(p, ch.NewTermMonths)
		}
		if ch.NewPayment.Valid {
			p.PaymentAmount = ch.NewPayment.Decimal
		}

	case Forbearance:
		p.Forbearance = &ForbearanceWindow{
			Kind:    ch.Kind,
			EndDate: AddMonths(r.windowStart(ch.StartDate, e), ch.DurationMonths),
		}

	case Deferment:
		p.Deferment = &DefermentWindow{
			Reason:             ch.Reason,
			InterestSubsidized: ch.InterestSubsidized,
			EndDate:            AddMonths(r.windowStart(ch.StartDate, e), ch.DurationMonths),
		}

	case Reamortization:
		if ch.NewTermMonths > 0 {
			p = replaceTerm(p, ch.NewTermMonths)
		}
		if ch.NewRate.Valid {
			p.InterestRate = ch.NewRate.Decimal
		}

	case Restructure:
		if ch.Projected != nil {
			return ch.Projected.Clone(), true
		}
		for _, nested := range ch.Changes {
			next, ok := r.apply(p, nested, e)
			if ok {
				p = next
			}
		}

	default:
		kind := ModificationType("")
		if c != nil {
			kind = c.Type()
		}
		r.log.Warn("skipping modification of unknown type",
			zap.String("loan_id", string(e.LoanID)),
			zap.String("entry_id", string(e.ID)),
			zap.String("type", string(kind)),
			zap.Error(ErrUnknownModificationType),
		)
		return p, false
	}
	return p, true
}

// windowStart anchors a window on its explicit start, else on the day the
// entry was recorded. Only unsaved entries fall back to the clock.
func (r *Reconciler) windowStart(explicit time.Time, e Entry) time.Time {
	switch {
	case !explicit.IsZero():
		return StartOfDay(explicit)
	case !e.CreatedAt.IsZero():
		return StartOfDay(e.CreatedAt)
	}
	return StartOfDay(r.clock.Now())
}

// replaceTerm sets a new term and keeps the adjustment relative to the
// original term.
func replaceTerm(p EffectiveParameters, term int) EffectiveParameters {
	p.TermMonths = term
	p.TermAdjustmentMonths = term - p.OriginalTermMonths
	return p
}

// Clone returns a copy that shares no pointers with p.
func (p EffectiveParameters) Clone() EffectiveParameters {
	if p.Balloon != nil {
		b := *p.Balloon
		p.Balloon = &b
	}
	if p.TemporaryPayment != nil {
		t := *p.TemporaryPayment
		p.TemporaryPayment = &t
	}
	if p.Forbearance != nil {
		f := *p.Forbearance
		p.Forbearance = &f
	}
	if p.Deferment != nil {
		d := *p.Deferment
		p.Deferment = &d
	}
	return p
}
