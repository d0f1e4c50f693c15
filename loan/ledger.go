/*
ledger.go - Append-only modification log

PURPOSE:
  The Ledger is the source of truth for "what happened" to a loan's terms.
  It owns no derived state. Effective parameters are computed by the
  Reconciler from the baseline plus the active entries listed here.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. SINGLE REVERSAL: an entry flips ACTIVE -> REVERSED at most once, and only
     as the side effect of appending a REVERSAL that targets it
  3. REVERSALS ARE FINAL: a REVERSAL entry can never itself be reversed
  4. NO PARTIAL APPLY: a rejected reversal writes nothing

EXAMPLE FLOW:
  1. RATE_CHANGE 6% -> 5%         (entry A, ACTIVE)
  2. PRINCIPAL_REDUCTION $10,000  (entry B, ACTIVE)
  3. REVERSAL of A                (entry C; A becomes REVERSED)

  Replay: baseline -> B  (A and C are excluded from the active set)

SEE ALSO:
  - store.go: LedgerStore port
  - reconciler.go: Replay of the active set
*/
package loan

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store LedgerStore
	clock Clock
}

func NewLedger(store LedgerStore, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{store: store, clock: clock}
}

// Append stores an entry. ID and CreatedAt are assigned when absent and the
// status is always set to ACTIVE. Payloads are not validated here.
//
// For a REVERSAL the target is validated first, then marked REVERSED, then
// the reversal itself is appended.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now().UTC()
	}
	e.Status = StatusActive
	e.ReversedAt = nil
	e.ReversedBy = ""
	e.ReversalReason = ""

	if rev, ok := e.Change.(Reversal); ok {
		target, err := l.reversalTarget(ctx, e.LoanID, rev.TargetID)
		if err != nil {
			return Entry{}, err
		}
		if rev.TargetType != "" && rev.TargetType != target.Type() {
			return Entry{}, &ReversalError{LoanID: e.LoanID, TargetID: target.ID, Err: &ChangeError{
				Type:  TypeReversal,
				Field: "targetType",
				Msg:   fmt.Sprintf("target is %s, not %s", target.Type(), rev.TargetType),
			}}
		}
		rev.TargetType = target.Type()
		e.Change = rev
		reason := rev.Reason
		if reason == "" {
			reason = e.Reason
		}
		stamp := ReversalStamp{At: e.CreatedAt, By: e.ApprovedBy, Reason: reason}
		if err := l.store.MarkReversed(ctx, target.ID, stamp); err != nil {
			return Entry{}, &ReversalError{LoanID: e.LoanID, TargetID: target.ID, Err: err}
		}
	}

	return l.store.Append(ctx, e)
}

// List returns a loan's entries ordered by creation time.
func (l *Ledger) List(ctx context.Context, loanID LoanID) ([]Entry, error) {
	return l.store.List(ctx, loanID)
}

// Get returns nil, nil when the entry does not exist.
func (l *Ledger) Get(ctx context.Context, id EntryID) (*Entry, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) reversalTarget(ctx context.Context, loanID LoanID, targetID EntryID) (*Entry, error) {
	target, err := l.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target == nil || target.LoanID != loanID {
		return nil, &ReversalError{LoanID: loanID, TargetID: targetID, Err: ErrTargetNotFound}
	}
	if target.Type() == TypeReversal {
		return nil, &ReversalError{LoanID: loanID, TargetID: targetID, Err: ErrReversalNotReversible}
	}
	if target.IsReversed() {
		return nil, &ReversalError{LoanID: loanID, TargetID: targetID, Err: ErrAlreadyReversed}
	}
	return target, nil
}
