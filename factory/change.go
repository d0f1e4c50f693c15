/*
Package factory provides JSON to Go conversion of modification payloads.

PURPOSE:
  Ledger entries carry a typed loan.Change. On the wire (HTTP bodies, stored
  rows, scenario files) the same payload is a small JSON object whose keys
  depend on the modification type. The factory turns one into the other and
  validates required fields on the way in.

JSON SCHEMA (keys per type):
  RATE_CHANGE                  {"newRate": "5.0"}
  TERM_EXTENSION               {"additionalMonths": 12}   (legacy: "extensionMonths")
  PRINCIPAL_REDUCTION          {"reductionAmount": "5000"}
  PAYMENT_REDUCTION_TEMPORARY  {"temporaryPayment": "400", "durationMonths": 6,
                                "interestHandling": "capitalize"}
  PAYMENT_REDUCTION_PERMANENT  {"newPayment": "550", "newTermMonths": 400}
  BALLOON_PAYMENT_ASSIGNMENT   {"balloonAmount": "20000", "balloonDueDate": "2030-01-01",
                                "reamortizationStart": "2025-01-01"}
  BALLOON_PAYMENT_REMOVAL      {"newTermMonths": 360, "newPayment": "610"}
  FORBEARANCE                  {"forbearanceType": "hardship", "durationMonths": 3}
  DEFERMENT                    {"deferralReason": "education", "durationMonths": 6,
                                "interestSubsidized": true}
  REAMORTIZATION               {"newTermMonths": 300, "newRate": "4.5"}
  RESTRUCTURE                  {"changes": [{"type": "RATE_CHANGE", "changes": {...}}],
                                "projectedParameters": {...}}
  REVERSAL                     {"targetId": "...", "targetType": "RATE_CHANGE",
                                "reversalReason": "..."}

  Money and rates accept either JSON strings or numbers. Dates accept
  "2006-01-02" or RFC 3339.

USAGE:
  change, err := factory.ParseChange(loan.TypeRateChange, []byte(`{"newRate": 5}`))
  if err != nil { ... }          // *loan.ChangeError, errors.Is(err, loan.ErrInvalidChange)
  svc.AppendModification(ctx, loanID, change, "hardship", "officer-1")

  kind, raw, err := factory.EncodeChange(change)

SEE ALSO:
  - loan/change.go: Typed payload variants
  - parameters.go: Baseline / EffectiveParameters snapshots
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ChangeJSON is the union of every payload key. Only the keys relevant to the
// entry's type are read.
type ChangeJSON struct {
	NewRate          *decimal.Decimal `json:"newRate,omitempty"`
	AdditionalMonths *int             `json:"additionalMonths,omitempty"`
	ExtensionMonths  *int             `json:"extensionMonths,omitempty"` // legacy alias
	ReductionAmount  *decimal.Decimal `json:"reductionAmount,omitempty"`

	TemporaryPayment *decimal.Decimal `json:"temporaryPayment,omitempty"`
	DurationMonths   *int             `json:"durationMonths,omitempty"`
	InterestHandling string           `json:"interestHandling,omitempty"`

	NewPayment    *decimal.Decimal `json:"newPayment,omitempty"`
	NewTermMonths *int             `json:"newTermMonths,omitempty"`

	BalloonAmount       *decimal.Decimal `json:"balloonAmount,omitempty"`
	BalloonDueDate      string           `json:"balloonDueDate,omitempty"`
	ReamortizationStart string           `json:"reamortizationStart,omitempty"`

	ForbearanceType    string `json:"forbearanceType,omitempty"`
	DeferralReason     string `json:"deferralReason,omitempty"`
	InterestSubsidized *bool  `json:"interestSubsidized,omitempty"`
	StartDate          string `json:"startDate,omitempty"`

	Changes             []NestedChangeJSON `json:"changes,omitempty"`
	ProjectedParameters *ParametersJSON    `json:"projectedParameters,omitempty"`

	TargetID       string `json:"targetId,omitempty"`
	TargetType     string `json:"targetType,omitempty"`
	ReversalReason string `json:"reversalReason,omitempty"`
}

// NestedChangeJSON is one member of a RESTRUCTURE package.
type NestedChangeJSON struct {
	Type    string          `json:"type"`
	Changes json.RawMessage `json:"changes"`
}

const dateLayout = "2006-01-02"

// =============================================================================
// DECODING
// =============================================================================

// ParseChange decodes and validates a payload. Unknown types decode to
// loan.Unrecognized without error.
func ParseChange(t loan.ModificationType, raw []byte) (loan.Change, error) {
	c, err := DecodeChange(t, raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DecodeChange decodes a payload without validating it. Stored history is
// read with DecodeChange so a tightened rule never hides old entries.
func DecodeChange(t loan.ModificationType, raw []byte) (loan.Change, error) {
	if !t.IsKnown() {
		return loan.Unrecognized{Kind: t, Raw: append([]byte(nil), raw...)}, nil
	}

	var cj ChangeJSON
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cj); err != nil {
			return nil, &loan.ChangeError{Type: t, Msg: fmt.Sprintf("malformed payload: %v", err)}
		}
	}
	return FromJSON(t, cj)
}

// FromJSON converts ChangeJSON to the typed variant for t.
func FromJSON(t loan.ModificationType, cj ChangeJSON) (loan.Change, error) {
	switch t {
	case loan.TypeRateChange:
		return loan.RateChange{NewRate: decOrZero(cj.NewRate)}, nil

	case loan.TypeTermExtension:
		months := intOrZero(cj.AdditionalMonths)
		if cj.AdditionalMonths == nil {
			months = intOrZero(cj.ExtensionMonths)
		}
		return loan.TermExtension{AdditionalMonths: months}, nil

	case loan.TypePrincipalReduction:
		return loan.PrincipalReduction{Amount: decOrZero(cj.ReductionAmount)}, nil

	case loan.TypePaymentReductionTemporary:
		handling := loan.InterestHandling(cj.InterestHandling)
		if handling == "" {
			handling = loan.InterestCapitalize
		}
		return loan.TemporaryPaymentReduction{
			Amount:           decOrZero(cj.TemporaryPayment),
			DurationMonths:   intOrZero(cj.DurationMonths),
			InterestHandling: handling,
		}, nil

	case loan.TypePaymentReductionPermanent:
		return loan.PermanentPaymentReduction{
			NewPayment:    decOrZero(cj.NewPayment),
			NewTermMonths: intOrZero(cj.NewTermMonths),
		}, nil

	case loan.TypeBalloonAssignment:
		due, err := parseDate(t, "balloonDueDate", cj.BalloonDueDate)
		if err != nil {
			return nil, err
		}
		start, err := parseDate(t, "reamortizationStart", cj.ReamortizationStart)
		if err != nil {
			return nil, err
		}
		return loan.BalloonAssignment{
			Amount:              decOrZero(cj.BalloonAmount),
			DueDate:             due,
			ReamortizationStart: start,
		}, nil

	case loan.TypeBalloonRemoval:
		c := loan.BalloonRemoval{NewTermMonths: intOrZero(cj.NewTermMonths)}
		if cj.NewPayment != nil {
			c.NewPayment = decimal.NewNullDecimal(*cj.NewPayment)
		}
		return c, nil

	case loan.TypeForbearance:
		start, err := parseDate(t, "startDate", cj.StartDate)
		if err != nil {
			return nil, err
		}
		return loan.Forbearance{
			Kind:           cj.ForbearanceType,
			DurationMonths: intOrZero(cj.DurationMonths),
			StartDate:      start,
		}, nil

	case loan.TypeDeferment:
		start, err := parseDate(t, "startDate", cj.StartDate)
		if err != nil {
			return nil, err
		}
		return loan.Deferment{
			Reason:             cj.DeferralReason,
			DurationMonths:     intOrZero(cj.DurationMonths),
			InterestSubsidized: cj.InterestSubsidized != nil && *cj.InterestSubsidized,
			StartDate:          start,
		}, nil

	case loan.TypeReamortization:
		c := loan.Reamortization{NewTermMonths: intOrZero(cj.NewTermMonths)}
		if cj.NewRate != nil {
			c.NewRate = decimal.NewNullDecimal(*cj.NewRate)
		}
		return c, nil

	case loan.TypeRestructure:
		return restructureFromJSON(cj)

	case loan.TypeReversal:
		return loan.Reversal{
			TargetID:   loan.EntryID(cj.TargetID),
			TargetType: loan.ModificationType(cj.TargetType),
			Reason:     cj.ReversalReason,
		}, nil
	}
	return nil, &loan.ChangeError{Type: t, Msg: "unsupported type"}
}

func restructureFromJSON(cj ChangeJSON) (loan.Change, error) {
	r := loan.Restructure{}
	for i, n := range cj.Changes {
		nested, err := DecodeChange(loan.ModificationType(n.Type), n.Changes)
		if err != nil {
			return nil, fmt.Errorf("restructure change %d: %w", i, err)
		}
		r.Changes = append(r.Changes, nested)
	}
	if cj.ProjectedParameters != nil {
		p, err := ParametersFromJSON(*cj.ProjectedParameters)
		if err != nil {
			return nil, &loan.ChangeError{Type: loan.TypeRestructure, Field: "projectedParameters", Msg: err.Error()}
		}
		r.Projected = &p
	}
	return r, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the required fields of a typed payload.
func Validate(c loan.Change) error {
	switch ch := c.(type) {
	case loan.RateChange:
		if ch.NewRate.IsNegative() {
			return invalid(ch, "newRate", "must not be negative")
		}

	case loan.TermExtension:
		if ch.AdditionalMonths <= 0 {
			return invalid(ch, "additionalMonths", "must be positive")
		}

	case loan.PrincipalReduction:
		if !ch.Amount.IsPositive() {
			return invalid(ch, "reductionAmount", "must be positive")
		}

	case loan.TemporaryPaymentReduction:
		if ch.Amount.IsNegative() {
			return invalid(ch, "temporaryPayment", "must not be negative")
		}
		if ch.DurationMonths <= 0 {
			return invalid(ch, "durationMonths", "must be positive")
		}
		switch ch.InterestHandling {
		case loan.InterestCapitalize, loan.InterestDefer, loan.InterestWaive:
		default:
			return invalid(ch, "interestHandling", fmt.Sprintf("unknown value %q", ch.InterestHandling))
		}

	case loan.PermanentPaymentReduction:
		if !ch.NewPayment.IsPositive() {
			return invalid(ch, "newPayment", "must be positive")
		}
		if ch.NewTermMonths < 0 {
			return invalid(ch, "newTermMonths", "must not be negative")
		}

	case loan.BalloonAssignment:
		if !ch.Amount.IsPositive() {
			return invalid(ch, "balloonAmount", "must be positive")
		}
		if ch.DueDate.IsZero() {
			return invalid(ch, "balloonDueDate", "required")
		}

	case loan.BalloonRemoval:
		if ch.NewTermMonths < 0 {
			return invalid(ch, "newTermMonths", "must not be negative")
		}

	case loan.Forbearance:
		if ch.DurationMonths <= 0 {
			return invalid(ch, "durationMonths", "must be positive")
		}

	case loan.Deferment:
		if ch.DurationMonths <= 0 {
			return invalid(ch, "durationMonths", "must be positive")
		}

	case loan.Reamortization:
		if ch.NewTermMonths <= 0 && !ch.NewRate.Valid {
			return invalid(ch, "", "newTermMonths or newRate required")
		}
		if ch.NewTermMonths < 0 {
			return invalid(ch, "newTermMonths", "must not be negative")
		}

	case loan.Restructure:
		if len(ch.Changes) == 0 && ch.Projected == nil {
			return invalid(ch, "", "changes or projectedParameters required")
		}
		for _, nested := range ch.Changes {
			switch nested.Type() {
			case loan.TypeRestructure, loan.TypeReversal:
				return invalid(ch, "changes", fmt.Sprintf("%s cannot be nested", nested.Type()))
			}
			if err := Validate(nested); err != nil {
				return err
			}
		}

	case loan.Reversal:
		if ch.TargetID == "" {
			return invalid(ch, "targetId", "required")
		}

	case loan.Unrecognized:
		// Stored for forward compatibility; the reconciler skips it.

	case nil:
		return &loan.ChangeError{Msg: "missing change payload"}
	}
	return nil
}

func invalid(c loan.Change, field, msg string) error {
	return &loan.ChangeError{Type: c.Type(), Field: field, Msg: msg}
}

// =============================================================================
// ENCODING
// =============================================================================

// EncodeChange returns the type tag and JSON payload of a change.
func EncodeChange(c loan.Change) (loan.ModificationType, []byte, error) {
	if c == nil {
		return "", nil, &loan.ChangeError{Msg: "missing change payload"}
	}
	if u, ok := c.(loan.Unrecognized); ok {
		raw := u.Raw
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		return u.Kind, raw, nil
	}
	cj, err := ToJSON(c)
	if err != nil {
		return "", nil, err
	}
	raw, err := json.Marshal(cj)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", c.Type(), err)
	}
	return c.Type(), raw, nil
}

// ToJSON converts a typed change to its JSON form.
func ToJSON(c loan.Change) (ChangeJSON, error) {
	var cj ChangeJSON
	switch ch := c.(type) {
	case loan.RateChange:
		cj.NewRate = decPtr(ch.NewRate)

	case loan.TermExtension:
		cj.AdditionalMonths = intPtr(ch.AdditionalMonths)

	case loan.PrincipalReduction:
		cj.ReductionAmount = decPtr(ch.Amount)

	case loan.TemporaryPaymentReduction:
		cj.TemporaryPayment = decPtr(ch.Amount)
		cj.DurationMonths = intPtr(ch.DurationMonths)
		cj.InterestHandling = string(ch.InterestHandling)

	case loan.PermanentPaymentReduction:
		cj.NewPayment = decPtr(ch.NewPayment)
		if ch.NewTermMonths > 0 {
			cj.NewTermMonths = intPtr(ch.NewTermMonths)
		}

	case loan.BalloonAssignment:
		cj.BalloonAmount = decPtr(ch.Amount)
		cj.BalloonDueDate = formatDate(ch.DueDate)
		cj.ReamortizationStart = formatDate(ch.ReamortizationStart)

	case loan.BalloonRemoval:
		if ch.NewTermMonths > 0 {
			cj.NewTermMonths = intPtr(ch.NewTermMonths)
		}
		if ch.NewPayment.Valid {
			cj.NewPayment = decPtr(ch.NewPayment.Decimal)
		}

	case loan.Forbearance:
		cj.ForbearanceType = ch.Kind
		cj.DurationMonths = intPtr(ch.DurationMonths)
		cj.StartDate = formatDate(ch.StartDate)

	case loan.Deferment:
		cj.DeferralReason = ch.Reason
		cj.DurationMonths = intPtr(ch.DurationMonths)
		subsidized := ch.InterestSubsidized
		cj.InterestSubsidized = &subsidized
		cj.StartDate = formatDate(ch.StartDate)

	case loan.Reamortization:
		if ch.NewTermMonths > 0 {
			cj.NewTermMonths = intPtr(ch.NewTermMonths)
		}
		if ch.NewRate.Valid {
			cj.NewRate = decPtr(ch.NewRate.Decimal)
		}

	case loan.Restructure:
		for _, nested := range ch.Changes {
			kind, raw, err := EncodeChange(nested)
			if err != nil {
				return ChangeJSON{}, err
			}
			cj.Changes = append(cj.Changes, NestedChangeJSON{Type: string(kind), Changes: raw})
		}
		if ch.Projected != nil {
			pj := ParametersToJSON(*ch.Projected)
			cj.ProjectedParameters = &pj
		}

	case loan.Reversal:
		cj.TargetID = string(ch.TargetID)
		cj.TargetType = string(ch.TargetType)
		cj.ReversalReason = ch.Reason

	default:
		return ChangeJSON{}, &loan.ChangeError{Type: c.Type(), Msg: "cannot encode payload"}
	}
	return cj, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDate(t loan.ModificationType, field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return time.Time{}, &loan.ChangeError{Type: t, Field: field, Msg: err.Error()}
	}
	return d, nil
}

// ParseDate accepts a calendar date or an RFC 3339 timestamp, returned in UTC.
func ParseDate(s string) (time.Time, error) {
	if d, err := time.Parse(dateLayout, s); err == nil {
		return d, nil
	}
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return d.UTC(), nil
}

// formatDate writes a calendar date for midnight UTC and a full RFC 3339
// timestamp otherwise, so whatever ParseDate accepted reads back unchanged.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.UTC()
	if t.Equal(loan.StartOfDay(t)) {
		return t.Format(dateLayout)
	}
	return t.Format(time.RFC3339Nano)
}

func decOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func intOrZero(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
func intPtr(i int) *int                         { return &i }
