package loan

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHANGE - One typed payload per modification type
// =============================================================================

// Change is the type-specific payload of a ledger entry. The set of
// implementations is closed: every variant lives in this file.
type Change interface {
	Type() ModificationType
	isChange()
}

type RateChange struct {
	NewRate decimal.Decimal
}

type TermExtension struct {
	AdditionalMonths int
}

type PrincipalReduction struct {
	Amount decimal.Decimal
}

type TemporaryPaymentReduction struct {
	Amount           decimal.Decimal
	DurationMonths   int
	InterestHandling InterestHandling
}

// PermanentPaymentReduction sets a new payment. NewTermMonths is zero when no
// term was computed for the reduced payment.
type PermanentPaymentReduction struct {
	NewPayment    decimal.Decimal
	NewTermMonths int
}

type BalloonAssignment struct {
	Amount              decimal.Decimal
	DueDate             time.Time
	ReamortizationStart time.Time
}

// BalloonRemoval clears the balloon. Replacement term and payment are optional.
type BalloonRemoval struct {
	NewTermMonths int
	NewPayment    decimal.NullDecimal
}

type Forbearance struct {
	Kind           string
	DurationMonths int
	// StartDate is optional; the entry's creation day is used when zero.
	StartDate time.Time
}

type Deferment struct {
	Reason             string
	DurationMonths     int
	InterestSubsidized bool
	StartDate          time.Time
}

// Reamortization replaces term and/or rate wholesale.
type Reamortization struct {
	NewTermMonths int
	NewRate       decimal.NullDecimal
}

// Restructure is a package of changes committed together. When Projected is
// set it is taken as the result of the package and Changes are not folded.
type Restructure struct {
	Changes   []Change
	Projected *EffectiveParameters
}

type Reversal struct {
	TargetID   EntryID
	TargetType ModificationType
	Reason     string
}

// Unrecognized holds a payload whose type this version does not know.
// The reconciler skips it.
type Unrecognized struct {
	Kind ModificationType
	Raw  []byte
}

func (RateChange) Type() ModificationType                { return TypeRateChange }
func (TermExtension) Type() ModificationType             { return TypeTermExtension }
func (PrincipalReduction) Type() ModificationType        { return TypePrincipalReduction }
func (TemporaryPaymentReduction) Type() ModificationType { return TypePaymentReductionTemporary }
func (PermanentPaymentReduction) Type() ModificationType { return TypePaymentReductionPermanent }
func (BalloonAssignment) Type() ModificationType         { return TypeBalloonAssignment }
func (BalloonRemoval) Type() ModificationType            { return TypeBalloonRemoval }
func (Forbearance) Type() ModificationType               { return TypeForbearance }
func (Deferment) Type() ModificationType                 { return TypeDeferment }
func (Reamortization) Type() ModificationType            { return TypeReamortization }
func (Restructure) Type() ModificationType               { return TypeRestructure }
func (Reversal) Type() ModificationType                  { return TypeReversal }
func (u Unrecognized) Type() ModificationType            { return u.Kind }

func (RateChange) isChange()                {}
func (TermExtension) isChange()             {}
func (PrincipalReduction) isChange()        {}
func (TemporaryPaymentReduction) isChange() {}
func (PermanentPaymentReduction) isChange() {}
func (BalloonAssignment) isChange()         {}
func (BalloonRemoval) isChange()            {}
func (Forbearance) isChange()               {}
func (Deferment) isChange()                 {}
func (Reamortization) isChange()            {}
func (Restructure) isChange()               {}
func (Reversal) isChange()                  {}
func (Unrecognized) isChange()              {}
