package loan_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/loan/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, time.June, 15, 9, 30, 0, 0, time.UTC)

// stepClock advances one minute on every call so entries get distinct
// CreatedAt values in append order.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock { return &stepClock{t: testNow} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

// manualClock stays put until moved.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func testBaseline(principal, rate string, term int) loan.Baseline {
	return loan.Baseline{
		Principal:        dec(principal),
		InterestRate:     dec(rate),
		TermMonths:       term,
		StartDate:        time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		PaymentFrequency: loan.FrequencyMonthly,
		InterestType:     loan.InterestAmortized,
		Calendar:         loan.Calendar30360,
		Rounding:         loan.Rounding{Places: 2, Mode: loan.RoundHalfUp},
	}
}

// countingObserver records observer callbacks.
type countingObserver struct {
	mu         sync.Mutex
	appended   []loan.ModificationType
	reconciled int
}

func (o *countingObserver) ModificationAppended(t loan.ModificationType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended = append(o.appended, t)
}

func (o *countingObserver) Reconciled(loan.Result, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconciled++
}

type testEnv struct {
	svc   *loan.Service
	store *store.TxMemory
	obs   *countingObserver
	ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLogger(t, zap.NewNop())
}

func newTestEnvWithLogger(t *testing.T, log *zap.Logger) *testEnv {
	return newTestEnvWithOptions(t, newStepClock(), log)
}

func newTestEnvWithOptions(t *testing.T, clock loan.Clock, log *zap.Logger) *testEnv {
	t.Helper()
	st := store.NewTxMemory()
	obs := &countingObserver{}
	svc := loan.NewService(st, loan.Options{
		Clock:    clock,
		Logger:   log,
		Observer: obs,
	})
	return &testEnv{svc: svc, store: st, obs: obs, ctx: context.Background()}
}

func (e *testEnv) createLoan(t *testing.T, id string, b loan.Baseline) loan.Loan {
	t.Helper()
	l, err := e.svc.CreateLoan(e.ctx, loan.NewLoan{ID: loan.LoanID(id), Borrower: "Test Borrower", Baseline: b})
	require.NoError(t, err)
	return l
}

func (e *testEnv) appendChange(t *testing.T, id string, c loan.Change) loan.Entry {
	t.Helper()
	entry, err := e.svc.AppendModification(e.ctx, loan.LoanID(id), c, "test", "officer-1")
	require.NoError(t, err)
	return entry
}

func (e *testEnv) current(t *testing.T, id string) loan.EffectiveParameters {
	t.Helper()
	l, err := e.svc.GetLoan(e.ctx, loan.LoanID(id))
	require.NoError(t, err)
	return l.Current
}
