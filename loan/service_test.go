package loan_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// LOAN TESTS
// =============================================================================

func TestService_CreateLoan_CapturesBaseline(t *testing.T) {
	env := newTestEnv(t)
	b := testBaseline("200000", "6.5", 360)

	l := env.createLoan(t, "loan-1", b)

	require.NotNil(t, l.Baseline)
	assert.False(t, l.BaselineInferred)
	assert.True(t, l.Current.Equal(b.Effective()))
}

func TestService_CreateLoan_DuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))

	_, err := env.svc.CreateLoan(env.ctx, loan.NewLoan{ID: "loan-1", Baseline: testBaseline("1", "1", 1)})

	assert.ErrorIs(t, err, loan.ErrAlreadyExists)
	assert.True(t, loan.IsConflict(err))
}

func TestService_UnknownLoan_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.AppendModification(env.ctx, "missing", loan.RateChange{NewRate: dec("5")}, "", "")
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)

	_, err = env.svc.GetCurrentBalance(env.ctx, "missing")
	assert.True(t, loan.IsNotFound(err))
}

// =============================================================================
// LEDGER WRITE TESTS
// =============================================================================

func TestService_AppendModification_PersistsReplayedParameters(t *testing.T) {
	// GIVEN: A loan at 6.5%
	// WHEN: A rate change to 5% is appended
	// THEN: The stored current parameters equal a fresh replay
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))

	entry := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5.0")})

	assert.Equal(t, loan.StatusActive, entry.Status)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "officer-1", entry.ApprovedBy)

	stored := env.current(t, "loan-1")
	assertDecimal(t, "5.0", stored.InterestRate)

	derived, err := env.svc.GetEffectiveParameters(env.ctx, "loan-1")
	require.NoError(t, err)
	assert.True(t, stored.Equal(derived))

	assert.Equal(t, []loan.ModificationType{loan.TypeRateChange}, env.obs.appended)
	assert.Equal(t, 1, env.obs.reconciled)
}

func TestService_OrderOfRateAndTerm_DoesNotMatter(t *testing.T) {
	env := newTestEnv(t)
	b := testBaseline("200000", "6.5", 360)
	env.createLoan(t, "loan-a", b)
	env.createLoan(t, "loan-b", b)

	env.appendChange(t, "loan-a", loan.RateChange{NewRate: dec("5.0")})
	env.appendChange(t, "loan-a", loan.TermExtension{AdditionalMonths: 12})
	env.appendChange(t, "loan-b", loan.TermExtension{AdditionalMonths: 12})
	env.appendChange(t, "loan-b", loan.RateChange{NewRate: dec("5.0")})

	assert.True(t, env.current(t, "loan-a").Equal(env.current(t, "loan-b")))
}

func TestService_TwoPrincipalReductions(t *testing.T) {
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.0", 360))

	env.appendChange(t, "loan-1", loan.PrincipalReduction{Amount: dec("5000")})
	env.appendChange(t, "loan-1", loan.PrincipalReduction{Amount: dec("5000")})

	assertDecimal(t, "90000", env.current(t, "loan-1").Principal)
}

func TestService_Restructure_Projected(t *testing.T) {
	env := newTestEnv(t)
	b := testBaseline("200000", "6.0", 360)
	env.createLoan(t, "loan-1", b)

	projected := b.Effective()
	projected.Principal = dec("190000")
	projected.InterestRate = dec("5.5")
	projected.TermMonths = 372
	env.appendChange(t, "loan-1", loan.Restructure{
		Changes: []loan.Change{
			loan.RateChange{NewRate: dec("5.5")},
			loan.TermExtension{AdditionalMonths: 12},
			loan.PrincipalReduction{Amount: dec("10000")},
		},
		Projected: &projected,
	})

	p := env.current(t, "loan-1")
	assertDecimal(t, "190000", p.Principal)
	assertDecimal(t, "5.5", p.InterestRate)
	assert.Equal(t, 372, p.TermMonths)
}

func TestService_UnrecognizedType_StoredAndSkipped(t *testing.T) {
	// GIVEN: An entry of a type this version does not know
	// WHEN: It is appended and the loan reconciled
	// THEN: It stays in the ledger and is skipped in the replay
	env := newTestEnv(t)
	b := testBaseline("100000", "6.0", 360)
	env.createLoan(t, "loan-1", b)

	env.appendChange(t, "loan-1", loan.Unrecognized{Kind: "INTEREST_HOLIDAY", Raw: []byte(`{}`)})

	res, err := env.svc.Reconcile(env.ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, res.Parameters.Equal(b.Effective()))

	ledger, err := env.svc.ListModifications(env.ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, loan.ModificationType("INTEREST_HOLIDAY"), ledger[0].Type())
}

// =============================================================================
// REVERSAL TESTS
// =============================================================================

func TestService_Reversal_RoundTripEveryType(t *testing.T) {
	// GIVEN: A fresh loan and one modification of each type
	// WHEN: The modification is reversed
	// THEN: The loan's parameters are back to the baseline
	b := testBaseline("200000", "6.5", 360)
	projected := b.Effective()
	projected.Principal = dec("150000")

	changes := map[string]loan.Change{
		"rate":        loan.RateChange{NewRate: dec("5.0")},
		"term":        loan.TermExtension{AdditionalMonths: 12},
		"principal":   loan.PrincipalReduction{Amount: dec("10000")},
		"temporary":   loan.TemporaryPaymentReduction{Amount: dec("400"), DurationMonths: 6, InterestHandling: loan.InterestDefer},
		"permanent":   loan.PermanentPaymentReduction{NewPayment: dec("900"), NewTermMonths: 420},
		"balloon":     loan.BalloonAssignment{Amount: dec("20000"), DueDate: time.Date(2054, 1, 1, 0, 0, 0, 0, time.UTC)},
		"unballoon":   loan.BalloonRemoval{NewTermMonths: 300},
		"forbearance": loan.Forbearance{Kind: "hardship", DurationMonths: 3},
		"deferment":   loan.Deferment{Reason: "military", DurationMonths: 12},
		"reamortize":  loan.Reamortization{NewTermMonths: 240, NewRate: decimal.NewNullDecimal(dec("4.0"))},
		"restructure": loan.Restructure{Changes: []loan.Change{loan.RateChange{NewRate: dec("3")}}},
		"projected":   loan.Restructure{Projected: &projected},
	}

	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.createLoan(t, "loan-1", b)
			entry := env.appendChange(t, "loan-1", change)

			rev, err := env.svc.AppendReversal(env.ctx, "loan-1", entry.ID, "entered in error", "supervisor")
			require.NoError(t, err)

			assert.True(t, env.current(t, "loan-1").Equal(b.Effective()))

			rc, ok := rev.Change.(loan.Reversal)
			require.True(t, ok)
			assert.Equal(t, entry.ID, rc.TargetID)
			assert.Equal(t, change.Type(), rc.TargetType)
		})
	}
}

func TestService_Reversal_LaterEntriesSurvive(t *testing.T) {
	// GIVEN: A rate cut followed by a term extension
	// WHEN: The rate cut is reversed
	// THEN: The rate returns to baseline and the extension stays;
	//       the target is stamped REVERSED with who/when/why
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5.0")})
	env.appendChange(t, "loan-1", loan.TermExtension{AdditionalMonths: 12})

	_, err := env.svc.AppendReversal(env.ctx, "loan-1", cut.ID, "documents rejected", "supervisor")
	require.NoError(t, err)

	p := env.current(t, "loan-1")
	assertDecimal(t, "6.5", p.InterestRate)
	assert.Equal(t, 372, p.TermMonths)

	ledger, err := env.svc.ListModifications(env.ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, ledger, 3)
	assert.Equal(t, loan.StatusReversed, ledger[0].Status)
	assert.Equal(t, "supervisor", ledger[0].ReversedBy)
	assert.Equal(t, "documents rejected", ledger[0].ReversalReason)
	require.NotNil(t, ledger[0].ReversedAt)
	assert.Equal(t, loan.TypeReversal, ledger[2].Type())
}

func TestService_Reversal_Rejections_WriteNothing(t *testing.T) {
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))
	env.createLoan(t, "loan-2", testBaseline("100000", "6.0", 360))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5.0")})
	rev, err := env.svc.AppendReversal(env.ctx, "loan-1", cut.ID, "", "supervisor")
	require.NoError(t, err)
	other := env.appendChange(t, "loan-2", loan.TermExtension{AdditionalMonths: 6})

	tests := []struct {
		name   string
		target loan.EntryID
		want   error
	}{
		{"unknown target", "no-such-entry", loan.ErrTargetNotFound},
		{"target on another loan", other.ID, loan.ErrTargetNotFound},
		{"double reversal", cut.ID, loan.ErrAlreadyReversed},
		{"reversal of a reversal", rev.ID, loan.ErrReversalNotReversible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := env.svc.ListModifications(env.ctx, "loan-1")
			require.NoError(t, err)
			params := env.current(t, "loan-1")

			_, err = env.svc.AppendReversal(env.ctx, "loan-1", tt.target, "", "supervisor")

			assert.ErrorIs(t, err, tt.want)
			var revErr *loan.ReversalError
			assert.True(t, errors.As(err, &revErr))

			after, err := env.svc.ListModifications(env.ctx, "loan-1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.True(t, params.Equal(env.current(t, "loan-1")))
		})
	}
}

func TestService_Reversal_TargetTypeMismatch_WritesNothing(t *testing.T) {
	// GIVEN: A rate cut
	// WHEN: A reversal names the right entry but the wrong type
	// THEN: It is rejected as an invalid change and the ledger is untouched
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5.0")})

	_, err := env.svc.AppendModification(env.ctx, "loan-1",
		loan.Reversal{TargetID: cut.ID, TargetType: loan.TypeTermExtension}, "typo", "supervisor")

	assert.ErrorIs(t, err, loan.ErrInvalidChange)
	var revErr *loan.ReversalError
	require.True(t, errors.As(err, &revErr))
	assert.Equal(t, cut.ID, revErr.TargetID)

	ledger, err := env.svc.ListModifications(env.ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, loan.StatusActive, ledger[0].Status)
	assertDecimal(t, "5.0", env.current(t, "loan-1").InterestRate)
}

func TestService_Reversal_TargetTypeFilledFromTarget(t *testing.T) {
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5.0")})

	rev := env.appendChange(t, "loan-1", loan.Reversal{TargetID: cut.ID, TargetType: loan.TypeRateChange})

	rc, ok := rev.Change.(loan.Reversal)
	require.True(t, ok)
	assert.Equal(t, loan.TypeRateChange, rc.TargetType)
}

func TestService_Reversal_RateCutThenPrincipalReduction(t *testing.T) {
	// GIVEN: Principal 100000, a rate cut to 5%, then a 10000 principal reduction
	// WHEN: The rate cut is reversed
	// THEN: The baseline rate returns and the principal stays at 90000
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.5", 360))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5")})
	env.appendChange(t, "loan-1", loan.PrincipalReduction{Amount: dec("10000")})

	_, err := env.svc.AppendReversal(env.ctx, "loan-1", cut.ID, "documents rejected", "supervisor")
	require.NoError(t, err)

	p, err := env.svc.GetEffectiveParameters(env.ctx, "loan-1")
	require.NoError(t, err)
	assertDecimal(t, "90000", p.Principal)
	assertDecimal(t, "6.5", p.InterestRate)
	assert.Equal(t, 360, p.TermMonths)
}

func TestService_GetEffectiveParameters_Idempotent(t *testing.T) {
	// GIVEN: A loan with several active entries and one reversal
	// WHEN: Effective parameters are read twice with no write in between
	// THEN: Both reads agree with each other and with the stored parameters
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.5", 360))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5")})
	env.appendChange(t, "loan-1", loan.PrincipalReduction{Amount: dec("10000")})
	env.appendChange(t, "loan-1", loan.Forbearance{Kind: "hardship", DurationMonths: 3})
	_, err := env.svc.AppendReversal(env.ctx, "loan-1", cut.ID, "", "supervisor")
	require.NoError(t, err)

	first, err := env.svc.GetEffectiveParameters(env.ctx, "loan-1")
	require.NoError(t, err)
	second, err := env.svc.GetEffectiveParameters(env.ctx, "loan-1")
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.True(t, first.Equal(env.current(t, "loan-1")))
}

func TestService_ForbearanceWindow_StableAcrossLaterReplays(t *testing.T) {
	// GIVEN: A 3-month forbearance without a start date, appended 2025-01-10,
	//        then a rate cut
	// WHEN: The rate cut is reversed and the loan recomputed weeks later
	// THEN: The forbearance still ends 2025-04-10
	clock := &manualClock{t: time.Date(2025, time.January, 10, 14, 0, 0, 0, time.UTC)}
	env := newTestEnvWithOptions(t, clock, zap.NewNop())
	env.createLoan(t, "loan-1", testBaseline("200000", "6.5", 360))
	env.appendChange(t, "loan-1", loan.Forbearance{Kind: "hardship", DurationMonths: 3})
	env.appendChange(t, "loan-1", loan.Deferment{Reason: "education", DurationMonths: 6})
	clock.set(time.Date(2025, time.January, 20, 9, 0, 0, 0, time.UTC))
	cut := env.appendChange(t, "loan-1", loan.RateChange{NewRate: dec("5")})

	wantForbearance := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)
	wantDeferment := time.Date(2025, time.July, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, wantForbearance, env.current(t, "loan-1").Forbearance.EndDate)

	clock.set(time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC))
	_, err := env.svc.AppendReversal(env.ctx, "loan-1", cut.ID, "", "supervisor")
	require.NoError(t, err)
	_, err = env.svc.Recompute(env.ctx, "loan-1")
	require.NoError(t, err)

	p := env.current(t, "loan-1")
	require.NotNil(t, p.Forbearance)
	assert.Equal(t, wantForbearance, p.Forbearance.EndDate)
	require.NotNil(t, p.Deferment)
	assert.Equal(t, wantDeferment, p.Deferment.EndDate)
	assertDecimal(t, "6.5", p.InterestRate)
}

// =============================================================================
// LEGACY LOAN TESTS
// =============================================================================

func TestService_LegacyLoan_FreezesInferredBaseline(t *testing.T) {
	// GIVEN: A legacy loan imported without a baseline
	// WHEN: A modification is appended and then reversed
	// THEN: The first write freezes the current terms as an inferred
	//       baseline, and the reversal returns to exactly those terms
	core, logs := observer.New(zapcore.WarnLevel)
	env := newTestEnvWithLogger(t, zap.New(core))
	current := testBaseline("145000", "7.25", 300).Effective()

	_, err := env.svc.ImportLegacyLoan(env.ctx, loan.Loan{ID: "legacy-1", Current: current})
	require.NoError(t, err)

	res, err := env.svc.Reconcile(env.ctx, "legacy-1")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.GreaterOrEqual(t, logs.FilterMessageSnippet("without captured baseline").Len(), 1)

	entry := env.appendChange(t, "legacy-1", loan.RateChange{NewRate: dec("6.25")})

	l, err := env.svc.GetLoan(env.ctx, "legacy-1")
	require.NoError(t, err)
	require.NotNil(t, l.Baseline)
	assert.True(t, l.BaselineInferred)
	assertDecimal(t, "7.25", l.Baseline.InterestRate)
	assertDecimal(t, "6.25", l.Current.InterestRate)

	_, err = env.svc.AppendReversal(env.ctx, "legacy-1", entry.ID, "", "supervisor")
	require.NoError(t, err)
	assertDecimal(t, "7.25", env.current(t, "legacy-1").InterestRate)
}

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestService_Balance_CompletedPaymentsOnly(t *testing.T) {
	// GIVEN: Principal 100000 and payments in every status
	// WHEN: Reading the balance
	// THEN: Only completed, non-deleted principal is subtracted
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.0", 360))

	record := func(id string, principal string, status loan.PaymentStatus) {
		_, err := env.svc.RecordPayment(env.ctx, loan.Payment{
			ID:               loan.PaymentID(id),
			LoanID:           "loan-1",
			Amount:           dec(principal),
			PrincipalPortion: dec(principal),
			Status:           status,
		})
		require.NoError(t, err)
	}
	record("p1", "1000", loan.PaymentCompleted)
	record("p2", "500", loan.PaymentPending)
	record("p3", "700", loan.PaymentFailed)
	record("p4", "300", loan.PaymentReversed)

	balance, err := env.svc.GetCurrentBalance(env.ctx, "loan-1")
	require.NoError(t, err)
	assertDecimal(t, "99000", balance)
}

func TestService_Balance_InvalidatedOnPaymentWrites(t *testing.T) {
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.0", 360))
	balance := func() decimal.Decimal {
		b, err := env.svc.GetCurrentBalance(env.ctx, "loan-1")
		require.NoError(t, err)
		return b
	}
	assertDecimal(t, "100000", balance())

	p, err := env.svc.RecordPayment(env.ctx, loan.Payment{LoanID: "loan-1", Amount: dec("600"), PrincipalPortion: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, loan.PaymentPending, p.Status)
	assertDecimal(t, "100000", balance())

	_, err = env.svc.UpdatePaymentStatus(env.ctx, p.ID, loan.PaymentCompleted)
	require.NoError(t, err)
	assertDecimal(t, "99900", balance())

	deleted, err := env.svc.DeletePayment(env.ctx, p.ID, "ops", "duplicate")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assertDecimal(t, "100000", balance())

	again, err := env.svc.DeletePayment(env.ctx, p.ID, "someone-else", "again")
	require.NoError(t, err)
	assert.Equal(t, "ops", again.DeletedBy)

	payments, err := env.svc.ListPayments(env.ctx, "loan-1")
	require.NoError(t, err)
	assert.Len(t, payments, 1, "soft-deleted payments stay in the store")
}

func TestService_Balance_UsesBaselinePrincipal(t *testing.T) {
	// GIVEN: A principal reduction modification
	// WHEN: Reading the balance
	// THEN: The balance derives from baseline principal, not the modified one
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.0", 360))
	env.appendChange(t, "loan-1", loan.PrincipalReduction{Amount: dec("5000")})

	balance, err := env.svc.GetCurrentBalance(env.ctx, "loan-1")
	require.NoError(t, err)
	assertDecimal(t, "100000", balance)
}

func TestService_PaymentNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.UpdatePaymentStatus(env.ctx, "nope", loan.PaymentCompleted)
	assert.ErrorIs(t, err, loan.ErrPaymentNotFound)

	_, err = env.svc.DeletePayment(env.ctx, "nope", "", "")
	assert.ErrorIs(t, err, loan.ErrPaymentNotFound)
}

func TestService_Reset_ClearsStoreAndBalances(t *testing.T) {
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.0", 360))
	_, err := env.svc.GetCurrentBalance(env.ctx, "loan-1")
	require.NoError(t, err)

	require.NoError(t, env.svc.Reset(env.ctx))

	_, err = env.svc.GetCurrentBalance(env.ctx, "loan-1")
	assert.ErrorIs(t, err, loan.ErrLoanNotFound)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestService_ConcurrentAppends_Serialized(t *testing.T) {
	// GIVEN: Many writers appending to the same loan at once
	// WHEN: All appends complete
	// THEN: Every entry is in the ledger and the stored parameters include
	//       all of them
	env := newTestEnv(t)
	env.createLoan(t, "loan-1", testBaseline("100000", "6.0", 360))
	env.createLoan(t, "loan-2", testBaseline("100000", "6.0", 360))

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := 0; i < writers; i++ {
		for _, id := range []loan.LoanID{"loan-1", "loan-2"} {
			wg.Add(1)
			go func(id loan.LoanID, i int) {
				defer wg.Done()
				_, err := env.svc.AppendModification(env.ctx, id, loan.PrincipalReduction{Amount: dec("100")}, fmt.Sprintf("w%d", i), "bot")
				errs <- err
			}(id, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []string{"loan-1", "loan-2"} {
		assertDecimal(t, "98000", env.current(t, id).Principal)
		ledger, err := env.svc.ListModifications(env.ctx, loan.LoanID(id))
		require.NoError(t, err)
		assert.Len(t, ledger, writers)
	}
}
