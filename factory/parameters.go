package factory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// PARAMETER SNAPSHOTS
// =============================================================================

// ParametersJSON is the JSON form of a baseline or an effective parameter set.
// "rate" and "term" are accepted as short aliases on input.
type ParametersJSON struct {
	Principal            decimal.Decimal  `json:"principal"`
	InterestRate         *decimal.Decimal `json:"interestRate,omitempty"`
	Rate                 *decimal.Decimal `json:"rate,omitempty"`
	TermMonths           int              `json:"termMonths,omitempty"`
	Term                 int              `json:"term,omitempty"`
	PaymentAmount        *decimal.Decimal `json:"paymentAmount,omitempty"`
	StartDate            string           `json:"startDate,omitempty"`
	PaymentFrequency     string           `json:"paymentFrequency,omitempty"`
	InterestType         string           `json:"interestType,omitempty"`
	Calendar             string           `json:"calendar,omitempty"`
	RoundingPlaces       *int32           `json:"roundingPlaces,omitempty"`
	RoundingMode         string           `json:"roundingMode,omitempty"`
	OriginalTermMonths   int              `json:"originalTermMonths,omitempty"`
	TermAdjustmentMonths int              `json:"termAdjustmentMonths,omitempty"`

	Balloon          *BalloonJSON          `json:"balloon,omitempty"`
	TemporaryPayment *TemporaryPaymentJSON `json:"temporaryPayment,omitempty"`
	Forbearance      *ForbearanceJSON      `json:"forbearance,omitempty"`
	Deferment        *DefermentJSON        `json:"deferment,omitempty"`
}

type BalloonJSON struct {
	Amount              decimal.Decimal `json:"amount"`
	DueDate             string          `json:"dueDate,omitempty"`
	ReamortizationStart string          `json:"reamortizationStart,omitempty"`
}

type TemporaryPaymentJSON struct {
	Amount           decimal.Decimal `json:"amount"`
	DurationMonths   int             `json:"durationMonths"`
	InterestHandling string          `json:"interestHandling,omitempty"`
	StartDate        string          `json:"startDate,omitempty"`
	EndDate          string          `json:"endDate,omitempty"`
}

type ForbearanceJSON struct {
	Type    string `json:"type,omitempty"`
	EndDate string `json:"endDate"`
}

type DefermentJSON struct {
	Reason             string `json:"reason,omitempty"`
	InterestSubsidized bool   `json:"interestSubsidized"`
	EndDate            string `json:"endDate"`
}

// ParametersToJSON converts effective parameters to their JSON form.
func ParametersToJSON(p loan.EffectiveParameters) ParametersJSON {
	places := p.Rounding.Places
	pj := ParametersJSON{
		Principal:            p.Principal,
		InterestRate:         decPtr(p.InterestRate),
		TermMonths:           p.TermMonths,
		StartDate:            formatDate(p.StartDate),
		PaymentFrequency:     string(p.PaymentFrequency),
		InterestType:         string(p.InterestType),
		Calendar:             string(p.Calendar),
		RoundingPlaces:       &places,
		RoundingMode:         string(p.Rounding.Mode),
		OriginalTermMonths:   p.OriginalTermMonths,
		TermAdjustmentMonths: p.TermAdjustmentMonths,
	}
	if !p.PaymentAmount.IsZero() {
		pj.PaymentAmount = decPtr(p.PaymentAmount)
	}
	if b := p.Balloon; b != nil {
		pj.Balloon = &BalloonJSON{
			Amount:              b.Amount,
			DueDate:             formatDate(b.DueDate),
			ReamortizationStart: formatDate(b.ReamortizationStart),
		}
	}
	if t := p.TemporaryPayment; t != nil {
		pj.TemporaryPayment = &TemporaryPaymentJSON{
			Amount:           t.Amount,
			DurationMonths:   t.DurationMonths,
			InterestHandling: string(t.InterestHandling),
			StartDate:        formatDate(t.StartDate),
			EndDate:          formatDate(t.EndDate),
		}
	}
	if f := p.Forbearance; f != nil {
		pj.Forbearance = &ForbearanceJSON{Type: f.Kind, EndDate: formatDate(f.EndDate)}
	}
	if d := p.Deferment; d != nil {
		pj.Deferment = &DefermentJSON{
			Reason:             d.Reason,
			InterestSubsidized: d.InterestSubsidized,
			EndDate:            formatDate(d.EndDate),
		}
	}
	return pj
}

// ParametersFromJSON converts the JSON form back to effective parameters.
// Fields absent from the JSON stay zero: a projected snapshot is taken
// exactly as given.
func ParametersFromJSON(pj ParametersJSON) (loan.EffectiveParameters, error) {
	p := loan.EffectiveParameters{
		Principal:            pj.Principal,
		TermMonths:           pj.TermMonths,
		PaymentFrequency:     loan.PaymentFrequency(pj.PaymentFrequency),
		InterestType:         loan.InterestType(pj.InterestType),
		Calendar:             loan.Calendar(pj.Calendar),
		Rounding:             loan.Rounding{Mode: loan.RoundingMode(pj.RoundingMode)},
		OriginalTermMonths:   pj.OriginalTermMonths,
		TermAdjustmentMonths: pj.TermAdjustmentMonths,
	}
	switch {
	case pj.InterestRate != nil:
		p.InterestRate = *pj.InterestRate
	case pj.Rate != nil:
		p.InterestRate = *pj.Rate
	}
	if p.TermMonths == 0 {
		p.TermMonths = pj.Term
	}
	if pj.PaymentAmount != nil {
		p.PaymentAmount = *pj.PaymentAmount
	}
	if pj.RoundingPlaces != nil {
		p.Rounding.Places = *pj.RoundingPlaces
	}

	var err error
	if p.StartDate, err = optionalDate("startDate", pj.StartDate); err != nil {
		return loan.EffectiveParameters{}, err
	}

	if b := pj.Balloon; b != nil {
		due, err := optionalDate("balloon.dueDate", b.DueDate)
		if err != nil {
			return loan.EffectiveParameters{}, err
		}
		start, err := optionalDate("balloon.reamortizationStart", b.ReamortizationStart)
		if err != nil {
			return loan.EffectiveParameters{}, err
		}
		p.Balloon = &loan.Balloon{Amount: b.Amount, DueDate: due, ReamortizationStart: start}
	}
	if t := pj.TemporaryPayment; t != nil {
		start, err := optionalDate("temporaryPayment.startDate", t.StartDate)
		if err != nil {
			return loan.EffectiveParameters{}, err
		}
		end, err := optionalDate("temporaryPayment.endDate", t.EndDate)
		if err != nil {
			return loan.EffectiveParameters{}, err
		}
		p.TemporaryPayment = &loan.TemporaryPayment{
			Amount:           t.Amount,
			DurationMonths:   t.DurationMonths,
			InterestHandling: loan.InterestHandling(t.InterestHandling),
			StartDate:        start,
			EndDate:          end,
		}
	}
	if f := pj.Forbearance; f != nil {
		end, err := optionalDate("forbearance.endDate", f.EndDate)
		if err != nil {
			return loan.EffectiveParameters{}, err
		}
		p.Forbearance = &loan.ForbearanceWindow{Kind: f.Type, EndDate: end}
	}
	if d := pj.Deferment; d != nil {
		end, err := optionalDate("deferment.endDate", d.EndDate)
		if err != nil {
			return loan.EffectiveParameters{}, err
		}
		p.Deferment = &loan.DefermentWindow{Reason: d.Reason, InterestSubsidized: d.InterestSubsidized, EndDate: end}
	}
	return p, nil
}

// BaselineToJSON converts a baseline to its JSON form.
func BaselineToJSON(b loan.Baseline) ParametersJSON {
	pj := ParametersToJSON(b.Effective())
	pj.OriginalTermMonths = 0
	pj.TermAdjustmentMonths = 0
	return pj
}

// BaselineFromJSON converts the JSON form of a new loan's terms to a
// baseline. Frequency, interest type, calendar and rounding default to
// monthly, amortized, 30/360 and half-up cents.
func BaselineFromJSON(pj ParametersJSON) (loan.Baseline, error) {
	b, err := DecodeBaseline(pj)
	if err != nil {
		return loan.Baseline{}, err
	}
	if b.Principal.IsNegative() {
		return loan.Baseline{}, fmt.Errorf("principal must not be negative")
	}
	if b.TermMonths < 0 {
		return loan.Baseline{}, fmt.Errorf("term must not be negative")
	}
	if b.PaymentFrequency == "" {
		b.PaymentFrequency = loan.FrequencyMonthly
	}
	if b.InterestType == "" {
		b.InterestType = loan.InterestAmortized
	}
	if b.Calendar == "" {
		b.Calendar = loan.Calendar30360
	}
	if b.Rounding == (loan.Rounding{}) {
		b.Rounding = loan.Rounding{Places: 2, Mode: loan.RoundHalfUp}
	}
	return b, nil
}

// DecodeBaseline converts the JSON form to a baseline exactly as stored.
func DecodeBaseline(pj ParametersJSON) (loan.Baseline, error) {
	p, err := ParametersFromJSON(pj)
	if err != nil {
		return loan.Baseline{}, err
	}
	return loan.Baseline{
		Principal:        p.Principal,
		InterestRate:     p.InterestRate,
		TermMonths:       p.TermMonths,
		StartDate:        p.StartDate,
		PaymentFrequency: p.PaymentFrequency,
		InterestType:     p.InterestType,
		Calendar:         p.Calendar,
		Rounding:         p.Rounding,
		PaymentAmount:    p.PaymentAmount,
	}, nil
}

func optionalDate(field, s string) (t time.Time, err error) {
	if s == "" {
		return t, nil
	}
	if t, err = ParseDate(s); err != nil {
		return t, fmt.Errorf("%s: %w", field, err)
	}
	return t, nil
}
