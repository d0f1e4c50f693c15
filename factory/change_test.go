package factory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// PARSE TESTS
// =============================================================================

func TestParseChange_EachType(t *testing.T) {
	tests := []struct {
		name string
		kind loan.ModificationType
		raw  string
		want loan.Change
	}{
		{
			name: "rate change accepts a JSON number",
			kind: loan.TypeRateChange,
			raw:  `{"newRate": 5.25}`,
			want: loan.RateChange{NewRate: dec("5.25")},
		},
		{
			name: "term extension",
			kind: loan.TypeTermExtension,
			raw:  `{"additionalMonths": 12}`,
			want: loan.TermExtension{AdditionalMonths: 12},
		},
		{
			name: "term extension legacy key",
			kind: loan.TypeTermExtension,
			raw:  `{"extensionMonths": 6}`,
			want: loan.TermExtension{AdditionalMonths: 6},
		},
		{
			name: "principal reduction accepts a JSON string",
			kind: loan.TypePrincipalReduction,
			raw:  `{"reductionAmount": "5000.00"}`,
			want: loan.PrincipalReduction{Amount: dec("5000")},
		},
		{
			name: "temporary reduction defaults to capitalize",
			kind: loan.TypePaymentReductionTemporary,
			raw:  `{"temporaryPayment": "400", "durationMonths": 6}`,
			want: loan.TemporaryPaymentReduction{Amount: dec("400"), DurationMonths: 6, InterestHandling: loan.InterestCapitalize},
		},
		{
			name: "permanent reduction",
			kind: loan.TypePaymentReductionPermanent,
			raw:  `{"newPayment": "550", "newTermMonths": 400}`,
			want: loan.PermanentPaymentReduction{NewPayment: dec("550"), NewTermMonths: 400},
		},
		{
			name: "forbearance",
			kind: loan.TypeForbearance,
			raw:  `{"forbearanceType": "hardship", "durationMonths": 3, "startDate": "2025-01-10"}`,
			want: loan.Forbearance{Kind: "hardship", DurationMonths: 3, StartDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)},
		},
		{
			name: "deferment",
			kind: loan.TypeDeferment,
			raw:  `{"deferralReason": "education", "durationMonths": 6, "interestSubsidized": true}`,
			want: loan.Deferment{Reason: "education", DurationMonths: 6, InterestSubsidized: true},
		},
		{
			name: "reversal",
			kind: loan.TypeReversal,
			raw:  `{"targetId": "e1", "reversalReason": "entered in error"}`,
			want: loan.Reversal{TargetID: "e1", Reason: "entered in error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := factory.ParseChange(tt.kind, []byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Type())
			assert.Equal(t, encode(t, tt.want), encode(t, got))
		})
	}
}

func TestParseChange_BalloonAndReamortization(t *testing.T) {
	c, err := factory.ParseChange(loan.TypeBalloonAssignment,
		[]byte(`{"balloonAmount": 20000, "balloonDueDate": "2030-01-01", "reamortizationStart": "2025-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	balloon := c.(loan.BalloonAssignment)
	assert.True(t, dec("20000").Equal(balloon.Amount))
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), balloon.DueDate)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), balloon.ReamortizationStart)

	c, err = factory.ParseChange(loan.TypeBalloonRemoval, []byte(`{"newTermMonths": 360}`))
	require.NoError(t, err)
	assert.False(t, c.(loan.BalloonRemoval).NewPayment.Valid)

	c, err = factory.ParseChange(loan.TypeReamortization, []byte(`{"newRate": "4.5"}`))
	require.NoError(t, err)
	reamort := c.(loan.Reamortization)
	assert.True(t, reamort.NewRate.Valid)
	assert.Zero(t, reamort.NewTermMonths)
}

func TestParseChange_Restructure(t *testing.T) {
	// GIVEN: A restructure with two nested changes and a projected snapshot
	// WHEN: Parsing
	// THEN: Nested changes are typed and the snapshot is decoded
	raw := `{
		"changes": [
			{"type": "RATE_CHANGE", "changes": {"newRate": "5.5"}},
			{"type": "TERM_EXTENSION", "changes": {"additionalMonths": 12}}
		],
		"projectedParameters": {"principal": "190000", "rate": "5.5", "term": 372}
	}`

	c, err := factory.ParseChange(loan.TypeRestructure, []byte(raw))
	require.NoError(t, err)

	r := c.(loan.Restructure)
	require.Len(t, r.Changes, 2)
	assert.Equal(t, loan.TypeRateChange, r.Changes[0].Type())
	assert.Equal(t, loan.TermExtension{AdditionalMonths: 12}, r.Changes[1])
	require.NotNil(t, r.Projected)
	assert.True(t, dec("190000").Equal(r.Projected.Principal))
	assert.True(t, dec("5.5").Equal(r.Projected.InterestRate))
	assert.Equal(t, 372, r.Projected.TermMonths)
}

func TestParseChange_UnknownTypeKeptRaw(t *testing.T) {
	c, err := factory.ParseChange("INTEREST_HOLIDAY", []byte(`{"months": 2}`))

	require.NoError(t, err)
	u, ok := c.(loan.Unrecognized)
	require.True(t, ok)
	assert.Equal(t, loan.ModificationType("INTEREST_HOLIDAY"), u.Type())
	assert.JSONEq(t, `{"months": 2}`, string(u.Raw))
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestParseChange_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		kind  loan.ModificationType
		raw   string
		field string
	}{
		{"negative rate", loan.TypeRateChange, `{"newRate": -1}`, "newRate"},
		{"zero extension", loan.TypeTermExtension, `{}`, "additionalMonths"},
		{"zero reduction", loan.TypePrincipalReduction, `{"reductionAmount": 0}`, "reductionAmount"},
		{"unknown interest handling", loan.TypePaymentReductionTemporary, `{"temporaryPayment": 400, "durationMonths": 6, "interestHandling": "forgive"}`, "interestHandling"},
		{"missing balloon due date", loan.TypeBalloonAssignment, `{"balloonAmount": 100}`, "balloonDueDate"},
		{"bad balloon due date", loan.TypeBalloonAssignment, `{"balloonAmount": 100, "balloonDueDate": "next year"}`, "balloonDueDate"},
		{"forbearance without duration", loan.TypeForbearance, `{"forbearanceType": "hardship"}`, "durationMonths"},
		{"empty reamortization", loan.TypeReamortization, `{}`, ""},
		{"empty restructure", loan.TypeRestructure, `{}`, ""},
		{"reversal without target", loan.TypeReversal, `{}`, "targetId"},
		{
			"nested reversal",
			loan.TypeRestructure,
			`{"changes": [{"type": "REVERSAL", "changes": {"targetId": "e1"}}]}`,
			"changes",
		},
		{
			"invalid nested change",
			loan.TypeRestructure,
			`{"changes": [{"type": "TERM_EXTENSION", "changes": {"additionalMonths": 0}}]}`,
			"additionalMonths",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.ParseChange(tt.kind, []byte(tt.raw))

			require.Error(t, err)
			assert.ErrorIs(t, err, loan.ErrInvalidChange)
			var ce *loan.ChangeError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestParseChange_MalformedJSON(t *testing.T) {
	_, err := factory.ParseChange(loan.TypeRateChange, []byte(`{"newRate":`))

	assert.ErrorIs(t, err, loan.ErrInvalidChange)
}

func TestDecodeChange_SkipsValidation(t *testing.T) {
	// Stored history decodes even when it would fail today's rules.
	c, err := factory.DecodeChange(loan.TypeTermExtension, []byte(`{"additionalMonths": 0}`))

	require.NoError(t, err)
	assert.Equal(t, loan.TermExtension{}, c)
}

// =============================================================================
// ENCODE TESTS
// =============================================================================

func TestEncodeChange_RoundTripsRestructure(t *testing.T) {
	projected := loan.EffectiveParameters{Principal: dec("190000"), InterestRate: dec("5.5"), TermMonths: 372}
	in := loan.Restructure{
		Changes: []loan.Change{
			loan.RateChange{NewRate: dec("5.5")},
			loan.Deferment{Reason: "medical", DurationMonths: 3},
		},
		Projected: &projected,
	}

	kind, raw, err := factory.EncodeChange(in)
	require.NoError(t, err)
	assert.Equal(t, loan.TypeRestructure, kind)

	out, err := factory.DecodeChange(kind, raw)
	require.NoError(t, err)
	r := out.(loan.Restructure)
	require.Len(t, r.Changes, 2)
	assert.Equal(t, loan.Deferment{Reason: "medical", DurationMonths: 3}, r.Changes[1])
	require.NotNil(t, r.Projected)
	assert.True(t, projected.Equal(*r.Projected))
}

func TestEncodeChange_BalloonDates(t *testing.T) {
	// GIVEN: A balloon due mid-day and reamortizing at midnight
	// WHEN: Encoded and decoded again
	// THEN: Both instants survive; midnight stays a plain date
	in := loan.BalloonAssignment{
		Amount:              dec("25000"),
		DueDate:             time.Date(2030, time.June, 1, 15, 30, 0, 0, time.UTC),
		ReamortizationStart: time.Date(2030, time.July, 1, 0, 0, 0, 0, time.UTC),
	}

	kind, raw, err := factory.EncodeChange(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"2030-06-01T15:30:00Z"`)
	assert.Contains(t, string(raw), `"2030-07-01"`)

	out, err := factory.DecodeChange(kind, raw)
	require.NoError(t, err)
	b := out.(loan.BalloonAssignment)
	assert.True(t, in.DueDate.Equal(b.DueDate), b.DueDate.String())
	assert.True(t, in.ReamortizationStart.Equal(b.ReamortizationStart))
	assert.True(t, in.Amount.Equal(b.Amount))
}

func TestEncodeChange_UnrecognizedKeepsPayload(t *testing.T) {
	kind, raw, err := factory.EncodeChange(loan.Unrecognized{Kind: "INTEREST_HOLIDAY"})

	require.NoError(t, err)
	assert.Equal(t, loan.ModificationType("INTEREST_HOLIDAY"), kind)
	assert.Equal(t, "{}", string(raw))
}

func TestEncodeChange_Nil(t *testing.T) {
	_, _, err := factory.EncodeChange(nil)

	assert.ErrorIs(t, err, loan.ErrInvalidChange)
}

func TestParseDate(t *testing.T) {
	d, err := factory.ParseDate("2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), d)

	d, err = factory.ParseDate("2025-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), d)

	_, err = factory.ParseDate("03/01/2025")
	assert.Error(t, err)
}

func encode(t *testing.T, c loan.Change) string {
	t.Helper()
	_, raw, err := factory.EncodeChange(c)
	require.NoError(t, err)
	return string(raw)
}
