/*
scenarios_test.go - Tests for the embedded demo scenarios

PURPOSE:
	Every scenario must load cleanly and leave the ledger in the state its
	description promises. These double as end-to-end tests of the
	append / reverse / replay path over SQLite.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id}, nil))
}

func TestScenarios_AllLoad(t *testing.T) {
	files, err := loadScenarioFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	s := setupTestServer(t)
	for i, f := range files {
		t.Run(f.ID, func(t *testing.T) {
			if i > 0 {
				assert.Less(t, files[i-1].Order, f.Order)
			}
			s.loadScenario(t, f.ID)

			var loans []LoanDTO
			require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans", nil, &loans))
			assert.Len(t, loans, len(f.Loans))
		})
	}

	var listed []ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/scenarios", nil, &listed))
	assert.Len(t, listed, len(files))
}

func TestScenario_RateCutReversal(t *testing.T) {
	// GIVEN: The rate-cut-reversal scenario
	// THEN: The rate is back at baseline, the extension survives, and the
	//       first entry is marked reversed
	s := setupTestServer(t)
	s.loadScenario(t, "rate-cut-reversal")

	l := s.getLoan(t, "loan-rate-001")
	assert.True(t, dec("6.5").Equal(*l.Current.InterestRate))
	assert.Equal(t, 372, l.Current.TermMonths)

	var ledger []ModificationDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans/loan-rate-001/modifications", nil, &ledger))
	require.Len(t, ledger, 3)
	assert.Equal(t, "REVERSED", ledger[0].Status)
	assert.Equal(t, "supervisor-ortiz", ledger[0].ReversedBy)
	assert.Equal(t, "REVERSAL", ledger[2].Type)
}

func TestScenario_RestructurePackage(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "restructure-package")

	l := s.getLoan(t, "loan-restr-001")
	assert.True(t, dec("190000").Equal(l.Current.Principal))
	assert.True(t, dec("5.5").Equal(*l.Current.InterestRate))
	assert.Equal(t, 372, l.Current.TermMonths)
}

func TestScenario_PaymentsBalance(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "payments-balance")

	var b BalanceDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans/loan-pay-001/balance", nil, &b))
	assert.True(t, dec("99000").Equal(b.Balance), b.Balance.String())

	var payments []PaymentDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans/loan-pay-001/payments", nil, &payments))
	require.Len(t, payments, 5)
	assert.True(t, payments[4].Deleted)
	assert.Equal(t, "ops-lee", payments[4].DeletedBy)
}

func TestScenario_LegacyLoan(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "legacy-loan")

	l := s.getLoan(t, "loan-legacy-001")
	require.NotNil(t, l.Baseline)
	assert.True(t, l.BaselineInferred)
	assert.True(t, dec("7.25").Equal(*l.Baseline.InterestRate))
	assert.True(t, dec("6.25").Equal(*l.Current.InterestRate))
}

func TestScenario_HardshipForbearance(t *testing.T) {
	s := setupTestServer(t)
	s.loadScenario(t, "hardship-forbearance")

	l := s.getLoan(t, "loan-hard-001")
	require.NotNil(t, l.Current.Forbearance)
	assert.Equal(t, "2025-04-01", l.Current.Forbearance.EndDate)
	require.NotNil(t, l.Current.Deferment)
	assert.Equal(t, "2025-10-01", l.Current.Deferment.EndDate)
	require.NotNil(t, l.Current.TemporaryPayment)
	assert.Nil(t, l.Current.Balloon)
	assert.Equal(t, 372, l.Current.TermMonths)
}

func TestScenario_CurrentAndReset(t *testing.T) {
	s := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"}, nil))

	s.loadScenario(t, "legacy-loan")
	var current ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Equal(t, "legacy-loan", current.ID)

	// Cached balances must not survive the reset.
	var b BalanceDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans/loan-legacy-001/balance", nil, &b))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/reset", nil, nil))

	var loans []LoanDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans", nil, &loans))
	assert.Empty(t, loans)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/loans/loan-legacy-001/balance", nil, nil))

	rec := newRecorder(s, http.MethodGet, "/api/scenarios/current")
	assert.Equal(t, "null\n", rec.Body.String())
}
