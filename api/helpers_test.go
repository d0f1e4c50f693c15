package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/loan-servicing/loan"
	"github.com/warp/loan-servicing/metrics"
	"github.com/warp/loan-servicing/store/sqlite"
)

// =============================================================================
// TEST SERVER
// =============================================================================

type testServer struct {
	router    *chi.Mux
	handler   *Handler
	store     *sqlite.Store
	svc       *loan.Service
	scheduler *AuditScheduler
	metrics   *metrics.Metrics
	obs       *countingAuditObserver
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	svc := loan.NewService(store, loan.Options{Logger: zap.NewNop(), Observer: m})
	h := NewHandler(svc, store, zap.NewNop())

	obs := &countingAuditObserver{}
	sched := NewAuditScheduler(svc, store, zap.NewNop())
	sched.Observer = obs
	h.Scheduler = sched

	return &testServer{
		router:    NewRouter(h, RouterOptions{Metrics: m}),
		handler:   h,
		store:     store,
		svc:       svc,
		scheduler: sched,
		metrics:   m,
		obs:       obs,
	}
}

// do sends a request with an optional JSON body and decodes the response
// into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (s *testServer) createLoan(t *testing.T, id, principal, rate string, term int) LoanDTO {
	t.Helper()
	var dto LoanDTO
	code := s.do(t, http.MethodPost, "/api/loans", map[string]any{
		"id":       id,
		"borrower": "Test Borrower",
		"baseline": map[string]any{
			"principal":    principal,
			"interestRate": rate,
			"termMonths":   term,
			"startDate":    "2024-01-01",
		},
	}, &dto)
	require.Equal(t, http.StatusCreated, code)
	return dto
}

func (s *testServer) appendModification(t *testing.T, loanID, kind string, changes map[string]any) ModificationDTO {
	t.Helper()
	var dto ModificationDTO
	code := s.do(t, http.MethodPost, "/api/loans/"+loanID+"/modifications", map[string]any{
		"type":        kind,
		"changes":     changes,
		"reason":      "test",
		"approved_by": "officer-1",
	}, &dto)
	require.Equal(t, http.StatusCreated, code)
	return dto
}

func (s *testServer) getLoan(t *testing.T, id string) LoanDTO {
	t.Helper()
	var dto LoanDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/loans/"+id, nil, &dto))
	return dto
}

type countingAuditObserver struct {
	drift   int
	windows map[string]int
}

func (o *countingAuditObserver) Drift() { o.drift++ }

func (o *countingAuditObserver) ElapsedWindow(kind string) {
	if o.windows == nil {
		o.windows = make(map[string]int)
	}
	o.windows[kind]++
}

var farFuture = loan.FixedClock(time.Date(2060, time.January, 1, 0, 0, 0, 0, time.UTC))

func newRecorder(s *testServer, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}
