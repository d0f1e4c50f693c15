/*
Package amortization computes payment schedules for a loan's effective
parameters.

PURPOSE:
  The reconciler never does payment maths: it only folds terms. This package
  turns the folded terms into something a borrower sees (level payment,
  per-period principal/interest split, remaining balance). Nothing here is
  written back to the ledger.

FORMULA:
  r   = annual rate / 100 / periods per year
  n   = term months * periods per year / 12
  PMT = (P * (1+r)^n - B) * r / ((1+r)^n - 1)      B = balloon (0 if none)
  PMT = (P - B) / n                                 when r = 0

  Interest-only loans pay P * r each period and the principal with the last.

OVERLAYS:
  - Balloon: the remaining balance is due with the final installment
  - Temporary payment: inside its window the reduced amount is paid; the
    interest shortfall is capitalized, deferred to the final installment,
    or waived according to its interest handling
  - Explicit PaymentAmount on the parameters wins over the computed payment

All money is decimal; rounding follows the loan's rounding policy.
*/
package amortization

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-servicing/loan"
)

// ErrInvalidTerm is returned when the parameters have no payment periods.
var ErrInvalidTerm = errors.New("term must cover at least one payment period")

// ratePrecision is the number of decimal places kept in intermediate rate
// arithmetic.
const ratePrecision = 20

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
)

// Installment is one row of a schedule.
type Installment struct {
	Period    int
	DueDate   time.Time
	Payment   decimal.Decimal
	Principal decimal.Decimal
	Interest  decimal.Decimal
	Balance   decimal.Decimal
}

// Schedule is a full repayment plan.
type Schedule struct {
	Payment          decimal.Decimal
	Installments     []Installment
	TotalInterest    decimal.Decimal
	TotalPaid        decimal.Decimal
	DeferredInterest decimal.Decimal
}

// PeriodicRate converts an annual percentage rate to a per-period fraction.
func PeriodicRate(annualPercent decimal.Decimal, f loan.PaymentFrequency) decimal.Decimal {
	return annualPercent.
		DivRound(hundred, ratePrecision).
		DivRound(decimal.NewFromInt(f.PeriodsPerYear()), ratePrecision)
}

// Periods returns the number of payments in a term of the given length.
func Periods(termMonths int, f loan.PaymentFrequency) int {
	return int(decimal.NewFromInt(int64(termMonths)).
		Mul(decimal.NewFromInt(f.PeriodsPerYear())).
		Div(twelve).
		Round(0).
		IntPart())
}

// LevelPayment returns the unrounded payment that amortizes principal down
// to balloon over n periods at periodic rate r.
func LevelPayment(principal, r decimal.Decimal, n int, balloon decimal.Decimal) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	if r.IsZero() {
		return principal.Sub(balloon).DivRound(decimal.NewFromInt(int64(n)), ratePrecision)
	}
	growth := pow(decimal.NewFromInt(1).Add(r), n)
	numerator := principal.Mul(growth).Sub(balloon).Mul(r)
	return numerator.DivRound(growth.Sub(decimal.NewFromInt(1)), ratePrecision)
}

// Payment returns the scheduled payment for p: the explicit PaymentAmount if
// set, else the rounded level payment.
func Payment(p loan.EffectiveParameters) decimal.Decimal {
	if !p.PaymentAmount.IsZero() {
		return p.PaymentAmount
	}
	return computedPayment(p)
}

func computedPayment(p loan.EffectiveParameters) decimal.Decimal {
	n := Periods(p.TermMonths, p.PaymentFrequency)
	r := PeriodicRate(p.InterestRate, p.PaymentFrequency)
	if p.InterestType == loan.InterestInterestOnly {
		return p.Rounding.Apply(p.Principal.Mul(r))
	}
	balloon := decimal.Zero
	if p.Balloon != nil {
		balloon = p.Balloon.Amount
	}
	return p.Rounding.Apply(LevelPayment(p.Principal, r, n, balloon))
}

// Build generates the full schedule for p.
func Build(p loan.EffectiveParameters) (Schedule, error) {
	n := Periods(p.TermMonths, p.PaymentFrequency)
	if n <= 0 {
		return Schedule{}, ErrInvalidTerm
	}

	r := PeriodicRate(p.InterestRate, p.PaymentFrequency)
	payment := Payment(p)
	sched := Schedule{
		Payment:          payment,
		Installments:     make([]Installment, 0, n),
		TotalInterest:    decimal.Zero,
		TotalPaid:        decimal.Zero,
		DeferredInterest: decimal.Zero,
	}

	balance := p.Principal
	for period := 1; period <= n; period++ {
		due := DueDate(p.StartDate, p.PaymentFrequency, period)
		interest := p.Rounding.Apply(balance.Mul(r))

		amount := payment
		if t := p.TemporaryPayment; t != nil && inWindow(due, t.StartDate, t.EndDate) {
			amount = t.Amount
			if shortfall := interest.Sub(amount); shortfall.IsPositive() {
				switch t.InterestHandling {
				case loan.InterestCapitalize:
					balance = balance.Add(shortfall)
				case loan.InterestDefer:
					sched.DeferredInterest = sched.DeferredInterest.Add(shortfall)
				}
				interest = amount
			}
		}

		principal := amount.Sub(interest)
		if period == n || principal.GreaterThan(balance) {
			// Final installment (or early payoff) settles the balance,
			// balloon and any deferred interest included.
			principal = balance
			amount = principal.Add(interest)
			if period == n {
				amount = amount.Add(sched.DeferredInterest)
				interest = interest.Add(sched.DeferredInterest)
			}
		}
		balance = balance.Sub(principal)

		sched.Installments = append(sched.Installments, Installment{
			Period:    period,
			DueDate:   due,
			Payment:   amount,
			Principal: principal,
			Interest:  interest,
			Balance:   balance,
		})
		sched.TotalInterest = sched.TotalInterest.Add(interest)
		sched.TotalPaid = sched.TotalPaid.Add(amount)

		if balance.IsZero() {
			break
		}
	}
	return sched, nil
}

// DueDate returns the due date of the given period (1-based).
func DueDate(start time.Time, f loan.PaymentFrequency, period int) time.Time {
	switch f {
	case loan.FrequencyWeekly:
		return start.AddDate(0, 0, 7*period)
	case loan.FrequencyBiweekly:
		return start.AddDate(0, 0, 14*period)
	case loan.FrequencyQuarterly:
		return loan.AddMonths(start, 3*period)
	default:
		return loan.AddMonths(start, period)
	}
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// pow raises base to a non-negative integer power by squaring, rounding
// intermediates to ratePrecision places.
func pow(base decimal.Decimal, n int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(ratePrecision)
		}
		base = base.Mul(base).Round(ratePrecision)
		n >>= 1
	}
	return result
}
