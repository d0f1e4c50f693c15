/*
Package loan provides the loan modification ledger and parameter reconciler.

PURPOSE:
  A loan's current terms are never edited in place. Every change (rate cut,
  term extension, forbearance, ...) is appended to a per-loan ledger, and the
  current "effective parameters" are always re-derived by replaying the
  active ledger entries on top of the loan's original baseline.

KEY CONCEPTS IN THIS FILE (types.go):
  - Baseline: the loan's original terms, captured once at creation
  - EffectiveParameters: the derived, current terms
  - Entry: one immutable ledger record (modification or reversal)
  - Identifiers: type-safe LoanID / EntryID / PaymentID

DESIGN PRINCIPLES:
  1. Immutability: Entries are never edited, only reversed
  2. Precision: decimal.Decimal for every money and rate value
  3. Determinism: EffectiveParameters = f(Baseline, active entries)
  4. Auditability: reversed entries stay in the ledger with who/when/why

SEE ALSO:
  - change.go: Typed change payloads (one struct per modification type)
  - ledger.go: Append-only ledger
  - reconciler.go: Replay of active entries
  - service.go: Orchestration (append + reconcile under a per-loan lock)
*/
package loan

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type EntryID string
type PaymentID string

// =============================================================================
// LOAN TERMS
// =============================================================================

type PaymentFrequency string

const (
	FrequencyMonthly   PaymentFrequency = "monthly"
	FrequencyBiweekly  PaymentFrequency = "biweekly"
	FrequencyWeekly    PaymentFrequency = "weekly"
	FrequencyQuarterly PaymentFrequency = "quarterly"
)

// PeriodsPerYear returns the number of payment periods in a year.
func (f PaymentFrequency) PeriodsPerYear() int64 {
	switch f {
	case FrequencyBiweekly:
		return 26
	case FrequencyWeekly:
		return 52
	case FrequencyQuarterly:
		return 4
	default:
		return 12
	}
}

type InterestType string

const (
	InterestAmortized    InterestType = "amortized"
	InterestSimple       InterestType = "simple"
	InterestInterestOnly InterestType = "interest_only"
)

// Calendar is the day-count convention used for interest accrual.
type Calendar string

const (
	CalendarActual365 Calendar = "actual/365"
	CalendarActual360 Calendar = "actual/360"
	Calendar30360     Calendar = "30/360"
)

type RoundingMode string

const (
	RoundHalfUp   RoundingMode = "half_up"
	RoundBankers  RoundingMode = "bankers"
	RoundTruncate RoundingMode = "truncate"
)

// Rounding is the currency rounding policy of a loan.
type Rounding struct {
	Places int32
	Mode   RoundingMode
}

// Apply rounds d according to the policy. A zero policy rounds half-up to cents.
func (r Rounding) Apply(d decimal.Decimal) decimal.Decimal {
	places := r.Places
	if places == 0 && r.Mode == "" {
		places = 2
	}
	switch r.Mode {
	case RoundBankers:
		return d.RoundBank(places)
	case RoundTruncate:
		return d.Truncate(places)
	default:
		return d.Round(places)
	}
}

// Baseline is the loan's original parameter set.
// Captured once when the loan is created and never mutated afterwards.
type Baseline struct {
	Principal        decimal.Decimal
	InterestRate     decimal.Decimal // annual, percent (6.5 = 6.5%)
	TermMonths       int
	StartDate        time.Time
	PaymentFrequency PaymentFrequency
	InterestType     InterestType
	Calendar         Calendar
	Rounding         Rounding

	// PaymentAmount is the scheduled payment at origination, zero when the
	// originating system did not supply one.
	PaymentAmount decimal.Decimal
}

// Effective returns the effective parameters of an unmodified loan.
func (b Baseline) Effective() EffectiveParameters {
	return EffectiveParameters{
		Principal:          b.Principal,
		InterestRate:       b.InterestRate,
		TermMonths:         b.TermMonths,
		PaymentAmount:      b.PaymentAmount,
		StartDate:          b.StartDate,
		PaymentFrequency:   b.PaymentFrequency,
		InterestType:       b.InterestType,
		Calendar:           b.Calendar,
		Rounding:           b.Rounding,
		OriginalTermMonths: b.TermMonths,
	}
}

// =============================================================================
// EFFECTIVE PARAMETERS - Derived state, never a source of truth
// =============================================================================

// EffectiveParameters are a loan's current terms after folding every active
// modification over the baseline. Always recomputable from
// (Baseline, active entries).
type EffectiveParameters struct {
	Principal        decimal.Decimal
	InterestRate     decimal.Decimal
	TermMonths       int
	PaymentAmount    decimal.Decimal
	StartDate        time.Time
	PaymentFrequency PaymentFrequency
	InterestType     InterestType
	Calendar         Calendar
	Rounding         Rounding

	// Term adjustment bookkeeping.
	OriginalTermMonths   int
	TermAdjustmentMonths int

	Balloon          *Balloon
	TemporaryPayment *TemporaryPayment
	Forbearance      *ForbearanceWindow
	Deferment        *DefermentWindow
}

type Balloon struct {
	Amount              decimal.Decimal
	DueDate             time.Time
	ReamortizationStart time.Time
}

type InterestHandling string

const (
	InterestCapitalize InterestHandling = "capitalize"
	InterestDefer      InterestHandling = "defer"
	InterestWaive      InterestHandling = "waive"
)

// TemporaryPayment is an advisory overlay. It never feeds back into
// principal, rate or term.
type TemporaryPayment struct {
	Amount           decimal.Decimal
	DurationMonths   int
	InterestHandling InterestHandling
	StartDate        time.Time
	EndDate          time.Time
}

type ForbearanceWindow struct {
	Kind    string
	EndDate time.Time
}

type DefermentWindow struct {
	Reason             string
	InterestSubsidized bool
	EndDate            time.Time
}

// Equal compares two parameter sets by value (decimals compared numerically).
func (p EffectiveParameters) Equal(o EffectiveParameters) bool {
	if !p.Principal.Equal(o.Principal) ||
		!p.InterestRate.Equal(o.InterestRate) ||
		!p.PaymentAmount.Equal(o.PaymentAmount) {
		return false
	}
	if p.TermMonths != o.TermMonths ||
		p.OriginalTermMonths != o.OriginalTermMonths ||
		p.TermAdjustmentMonths != o.TermAdjustmentMonths {
		return false
	}
	if !p.StartDate.Equal(o.StartDate) ||
		p.PaymentFrequency != o.PaymentFrequency ||
		p.InterestType != o.InterestType ||
		p.Calendar != o.Calendar ||
		p.Rounding != o.Rounding {
		return false
	}
	return balloonEqual(p.Balloon, o.Balloon) &&
		temporaryEqual(p.TemporaryPayment, o.TemporaryPayment) &&
		forbearanceEqual(p.Forbearance, o.Forbearance) &&
		defermentEqual(p.Deferment, o.Deferment)
}

func balloonEqual(a, b *Balloon) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Amount.Equal(b.Amount) && a.DueDate.Equal(b.DueDate) && a.ReamortizationStart.Equal(b.ReamortizationStart)
}

func temporaryEqual(a, b *TemporaryPayment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Amount.Equal(b.Amount) && a.DurationMonths == b.DurationMonths &&
		a.InterestHandling == b.InterestHandling && a.StartDate.Equal(b.StartDate) && a.EndDate.Equal(b.EndDate)
}

func forbearanceEqual(a, b *ForbearanceWindow) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.EndDate.Equal(b.EndDate)
}

func defermentEqual(a, b *DefermentWindow) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Reason == b.Reason && a.InterestSubsidized == b.InterestSubsidized && a.EndDate.Equal(b.EndDate)
}

// =============================================================================
// LOAN
// =============================================================================

type Loan struct {
	ID       LoanID
	Borrower string

	// Baseline is nil for legacy loans created before baseline capture.
	Baseline *Baseline

	// BaselineInferred is set when the baseline was frozen from the loan's
	// current parameters instead of being captured at origination.
	BaselineInferred bool

	Current   EffectiveParameters
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type ModificationType string

const (
	TypeRateChange                ModificationType = "RATE_CHANGE"
	TypeTermExtension             ModificationType = "TERM_EXTENSION"
	TypePrincipalReduction        ModificationType = "PRINCIPAL_REDUCTION"
	TypePaymentReductionTemporary ModificationType = "PAYMENT_REDUCTION_TEMPORARY"
	TypePaymentReductionPermanent ModificationType = "PAYMENT_REDUCTION_PERMANENT"
	TypeBalloonAssignment         ModificationType = "BALLOON_PAYMENT_ASSIGNMENT"
	TypeBalloonRemoval            ModificationType = "BALLOON_PAYMENT_REMOVAL"
	TypeForbearance               ModificationType = "FORBEARANCE"
	TypeDeferment                 ModificationType = "DEFERMENT"
	TypeReamortization            ModificationType = "REAMORTIZATION"
	TypeRestructure               ModificationType = "RESTRUCTURE"
	TypeReversal                  ModificationType = "REVERSAL"
)

// KnownTypes lists every modification type this version understands.
var KnownTypes = []ModificationType{
	TypeRateChange,
	TypeTermExtension,
	TypePrincipalReduction,
	TypePaymentReductionTemporary,
	TypePaymentReductionPermanent,
	TypeBalloonAssignment,
	TypeBalloonRemoval,
	TypeForbearance,
	TypeDeferment,
	TypeReamortization,
	TypeRestructure,
	TypeReversal,
}

// IsKnown reports whether t is one of KnownTypes.
func (t ModificationType) IsKnown() bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusReversed   Status = "REVERSED"
	StatusSuperseded Status = "SUPERSEDED"
)

// Entry is one immutable ledger record. The only permitted mutation is the
// single ACTIVE -> REVERSED transition, performed by a REVERSAL entry.
type Entry struct {
	ID         EntryID
	LoanID     LoanID
	Change     Change
	CreatedAt  time.Time
	Reason     string
	ApprovedBy string
	Status     Status

	// Set only once Status is REVERSED.
	ReversedAt     *time.Time
	ReversedBy     string
	ReversalReason string

	// Seq is the store's insertion order, used to break CreatedAt ties.
	Seq int64
}

// Type returns the entry's modification type.
func (e Entry) Type() ModificationType {
	if e.Change == nil {
		return ""
	}
	return e.Change.Type()
}

// IsReversed reports whether the entry has been deactivated by a reversal.
func (e Entry) IsReversed() bool { return e.Status == StatusReversed }

// ReversalStamp carries the audit fields written onto a reversed entry.
type ReversalStamp struct {
	At     time.Time
	By     string
	Reason string
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentReversed  PaymentStatus = "REVERSED"
)

// Payment is append-only with a soft-delete flag.
type Payment struct {
	ID               PaymentID
	LoanID           LoanID
	Amount           decimal.Decimal
	PrincipalPortion decimal.Decimal
	InterestPortion  decimal.Decimal
	FeePortion       decimal.Decimal
	Status           PaymentStatus
	PaidAt           time.Time
	CreatedAt        time.Time

	Deleted      bool
	DeletedAt    *time.Time
	DeletedBy    string
	DeleteReason string
}
