/*
handlers.go - HTTP API handlers for the loan modification ledger

PURPOSE:
  Exposes loan.Service via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Loans:
    GET    /api/loans                               List loans
    POST   /api/loans                               Create loan (or import legacy)
    GET    /api/loans/{id}                          Loan with current parameters

  Ledger:
    GET    /api/loans/{id}/modifications            Full ledger, reversed entries included
    POST   /api/loans/{id}/modifications            Append modification
    POST   /api/loans/{id}/modifications/{entryID}/reverse   Append reversal

  Derived state:
    GET    /api/loans/{id}/parameters               Re-derive (no persist)
    POST   /api/loans/{id}/recompute                Re-derive and persist
    GET    /api/loans/{id}/balance                  Current balance
    GET    /api/loans/{id}/schedule                 Amortization schedule

  Payments:
    GET    /api/loans/{id}/payments                 List payments
    POST   /api/loans/{id}/payments                 Record payment
    POST   /api/payments/{id}/status                Change status
    DELETE /api/payments/{id}?by=&reason=           Soft delete

  Reconciliation audit:
    GET    /api/reconciliation/runs                 Audit history
    POST   /api/reconciliation/run                  Run the audit now

REQUEST FLOW:
  1. Parse HTTP request
  2. Decode payload through the factory (typed change, validated)
  3. Call loan.Service
  4. Serialize response
  5. Map errors to status codes (writeServiceError)

ERROR HANDLING:
  Errors are returned as JSON {"error": ..., "details": ...}:
  - 400: Malformed JSON, invalid payload (loan.ErrInvalidChange)
  - 404: Loan, payment or reversal target not found
  - 409: Already reversed, reversal of a reversal, duplicate id
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loan-servicing/amortization"
	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *loan.Service
	Store     loan.Store
	Scheduler *AuditScheduler
	Log       *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. store must be the store svc was built on.
func NewHandler(svc *loan.Service, store loan.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Service: svc, Store: store, Log: log}
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns all loans.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Service.ListLoans(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list loans", err)
		return
	}

	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLoan creates a loan and captures its baseline. Without a baseline
// the loan is imported as legacy data from "current".
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Baseline == nil {
		if req.Current == nil {
			writeError(w, http.StatusBadRequest, "baseline or current parameters required", nil)
			return
		}
		current, err := factory.ParametersFromJSON(*req.Current)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid current parameters", err)
			return
		}
		l, err := h.Service.ImportLegacyLoan(r.Context(), loan.Loan{
			ID:       loan.LoanID(req.ID),
			Borrower: req.Borrower,
			Current:  current,
		})
		if err != nil {
			h.writeServiceError(w, r, "Failed to import loan", err)
			return
		}
		writeJSON(w, http.StatusCreated, toLoanDTO(l))
		return
	}

	baseline, err := factory.BaselineFromJSON(*req.Baseline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid baseline", err)
		return
	}
	l, err := h.Service.CreateLoan(r.Context(), loan.NewLoan{
		ID:       loan.LoanID(req.ID),
		Borrower: req.Borrower,
		Baseline: baseline,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to create loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(l))
}

// GetLoan returns a loan with its stored current parameters.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Service.GetLoan(r.Context(), loanIDParam(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(l))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListModifications returns the loan's ledger in replay order.
func (h *Handler) ListModifications(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.ListModifications(r.Context(), loanIDParam(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list modifications", err)
		return
	}

	dtos := make([]ModificationDTO, 0, len(entries))
	for _, e := range entries {
		dto, err := toModificationDTO(e)
		if err != nil {
			h.writeServiceError(w, r, "Failed to encode modification", err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AppendModification appends a typed modification and returns the stored
// entry.
func (h *Handler) AppendModification(w http.ResponseWriter, r *http.Request) {
	var req AppendModificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required", nil)
		return
	}

	kind := loan.ModificationType(req.Type)
	if !kind.IsKnown() {
		writeError(w, http.StatusBadRequest, "Unknown modification type", loan.ErrUnknownModificationType)
		return
	}
	change, err := factory.ParseChange(kind, req.Changes)
	if err != nil {
		h.writeServiceError(w, r, "Invalid modification", err)
		return
	}

	entry, err := h.Service.AppendModification(r.Context(), loanIDParam(r), change, req.Reason, req.ApprovedBy)
	if err != nil {
		h.writeServiceError(w, r, "Failed to append modification", err)
		return
	}
	h.writeEntry(w, r, http.StatusCreated, entry)
}

// ReverseModification reverses the entry named in the path.
func (h *Handler) ReverseModification(w http.ResponseWriter, r *http.Request) {
	var req ReverseModificationRequest
	// The body is optional; chunked requests may carry none.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entryID := loan.EntryID(chi.URLParam(r, "entryID"))
	entry, err := h.Service.AppendReversal(r.Context(), loanIDParam(r), entryID, req.Reason, req.Actor)
	if err != nil {
		h.writeServiceError(w, r, "Failed to reverse modification", err)
		return
	}
	h.writeEntry(w, r, http.StatusCreated, entry)
}

func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, status int, e loan.Entry) {
	dto, err := toModificationDTO(e)
	if err != nil {
		h.writeServiceError(w, r, "Failed to encode modification", err)
		return
	}
	writeJSON(w, status, dto)
}

// =============================================================================
// DERIVED STATE HANDLERS
// =============================================================================

// GetParameters re-derives the loan's effective parameters without
// persisting them.
func (h *Handler) GetParameters(w http.ResponseWriter, r *http.Request) {
	id := loanIDParam(r)
	res, err := h.Service.Reconcile(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to derive parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(id, res))
}

// Recompute re-derives and persists the loan's effective parameters.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	id := loanIDParam(r)
	res, err := h.Service.Recompute(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to recompute parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(id, res))
}

func toReconcileDTO(id loan.LoanID, res loan.Result) ReconcileResultDTO {
	return ReconcileResultDTO{
		LoanID:     string(id),
		Parameters: factory.ParametersToJSON(res.Parameters),
		Degraded:   res.Degraded,
		Applied:    res.Applied,
		Skipped:    res.Skipped,
	}
}

// GetBalance returns the current balance from completed payments.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := loanIDParam(r)
	balance, err := h.Service.GetCurrentBalance(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{LoanID: string(id), Balance: balance})
}

// GetSchedule returns an amortization schedule on the effective parameters.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id := loanIDParam(r)
	params, err := h.Service.GetEffectiveParameters(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to derive parameters", err)
		return
	}
	sched, err := amortization.Build(params)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Cannot amortize loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(id, sched))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns a loan's payments, soft-deleted ones included.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Service.ListPayments(r.Context(), loanIDParam(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordPayment appends a payment to a loan.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount.IsNegative() || req.PrincipalPortion.IsNegative() {
		writeError(w, http.StatusBadRequest, "amounts must not be negative", nil)
		return
	}
	status, ok := parsePaymentStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid payment status", nil)
		return
	}

	p := loan.Payment{
		ID:               loan.PaymentID(req.ID),
		LoanID:           loanIDParam(r),
		Amount:           req.Amount,
		PrincipalPortion: req.PrincipalPortion,
		InterestPortion:  req.InterestPortion,
		FeePortion:       req.FeePortion,
		Status:           status,
	}
	if req.PaidAt != "" {
		paidAt, err := factory.ParseDate(req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at", err)
			return
		}
		p.PaidAt = paidAt
	}

	stored, err := h.Service.RecordPayment(r.Context(), p)
	if err != nil {
		h.writeServiceError(w, r, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(stored))
}

// UpdatePaymentStatus changes a payment's status.
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status, ok := parsePaymentStatus(req.Status)
	if !ok || req.Status == "" {
		writeError(w, http.StatusBadRequest, "Invalid payment status", nil)
		return
	}

	p, err := h.Service.UpdatePaymentStatus(r.Context(), loan.PaymentID(chi.URLParam(r, "id")), status)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// DeletePayment soft-deletes a payment.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := h.Service.DeletePayment(r.Context(), loan.PaymentID(chi.URLParam(r, "id")), q.Get("by"), q.Get("reason"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to delete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

func parsePaymentStatus(s string) (loan.PaymentStatus, bool) {
	switch st := loan.PaymentStatus(s); st {
	case "":
		return loan.PaymentPending, true
	case loan.PaymentPending, loan.PaymentCompleted, loan.PaymentFailed, loan.PaymentReversed:
		return st, true
	}
	return "", false
}

// =============================================================================
// RECONCILIATION AUDIT HANDLERS
// =============================================================================

// ListReconciliationRuns returns recent audit runs, optionally for one loan.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	audits, ok := h.Store.(loan.AuditStore)
	if !ok {
		writeJSON(w, http.StatusOK, []AuditRunDTO{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := audits.ListAuditRuns(r.Context(), loan.LoanID(r.URL.Query().Get("loan_id")), limit)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list reconciliation runs", err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerReconciliation runs the audit over every loan now.
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation audit not configured", nil)
		return
	}
	summary, err := h.Scheduler.RunOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Reconciliation audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// =============================================================================
// HELPERS
// =============================================================================

func loanIDParam(r *http.Request) loan.LoanID {
	return loan.LoanID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps domain errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case loan.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case loan.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, loan.ErrInvalidChange):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.Error(message,
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
