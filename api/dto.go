/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Loans:          LoanDTO, CreateLoanRequest
  Modifications:  ModificationDTO, AppendModificationRequest, ReverseModificationRequest
  Derived state:  ReconcileResultDTO, BalanceDTO, ScheduleDTO
  Payments:       PaymentDTO, RecordPaymentRequest, UpdatePaymentStatusRequest
  Audit:          AuditRunDTO
  Scenarios:      ScenarioDTO, LoadScenarioRequest

  Parameter snapshots reuse factory.ParametersJSON (camelCase, the same form
  as "projectedParameters" in a RESTRUCTURE payload). Modification payloads
  are passed through as raw JSON in the factory schema.

VALIDATION:
  Validation is done in handlers and the factory, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/: Payload and parameter JSON forms
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-servicing/amortization"
	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// LOANS
// =============================================================================

// LoanDTO represents a loan in API responses.
type LoanDTO struct {
	ID               string                  `json:"id"`
	Borrower         string                  `json:"borrower"`
	Baseline         *factory.ParametersJSON `json:"baseline"`
	BaselineInferred bool                    `json:"baseline_inferred"`
	Current          factory.ParametersJSON  `json:"current"`
	ScheduledPayment decimal.Decimal         `json:"scheduled_payment"`
	CreatedAt        string                  `json:"created_at"`
	UpdatedAt        string                  `json:"updated_at"`
}

// CreateLoanRequest is the request to create a loan. A request with no
// baseline is imported as a legacy loan using Current.
type CreateLoanRequest struct {
	ID       string                  `json:"id"`
	Borrower string                  `json:"borrower"`
	Baseline *factory.ParametersJSON `json:"baseline"`
	Current  *factory.ParametersJSON `json:"current,omitempty"`
}

// =============================================================================
// MODIFICATIONS
// =============================================================================

// ModificationDTO represents a ledger entry.
type ModificationDTO struct {
	ID             string          `json:"id"`
	LoanID         string          `json:"loan_id"`
	Type           string          `json:"type"`
	Changes        json.RawMessage `json:"changes"`
	CreatedAt      string          `json:"created_at"`
	Reason         string          `json:"reason,omitempty"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	Status         string          `json:"status"`
	ReversedAt     *string         `json:"reversed_at,omitempty"`
	ReversedBy     string          `json:"reversed_by,omitempty"`
	ReversalReason string          `json:"reversal_reason,omitempty"`
}

// AppendModificationRequest appends a modification. Changes follow the
// factory payload schema for Type.
type AppendModificationRequest struct {
	Type       string          `json:"type"`
	Changes    json.RawMessage `json:"changes"`
	Reason     string          `json:"reason"`
	ApprovedBy string          `json:"approved_by"`
}

// ReverseModificationRequest reverses a modification.
type ReverseModificationRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// =============================================================================
// DERIVED STATE
// =============================================================================

// ReconcileResultDTO is the outcome of a replay.
type ReconcileResultDTO struct {
	LoanID     string                 `json:"loan_id"`
	Parameters factory.ParametersJSON `json:"parameters"`
	Degraded   bool                   `json:"degraded"`
	Applied    int                    `json:"applied"`
	Skipped    int                    `json:"skipped"`
}

// BalanceDTO is a loan's current balance.
type BalanceDTO struct {
	LoanID  string          `json:"loan_id"`
	Balance decimal.Decimal `json:"balance"`
}

// ScheduleDTO is an amortization schedule on the effective parameters.
type ScheduleDTO struct {
	LoanID           string           `json:"loan_id"`
	Payment          decimal.Decimal  `json:"payment"`
	TotalInterest    decimal.Decimal  `json:"total_interest"`
	TotalPaid        decimal.Decimal  `json:"total_paid"`
	DeferredInterest decimal.Decimal  `json:"deferred_interest"`
	Installments     []InstallmentDTO `json:"installments"`
}

type InstallmentDTO struct {
	Period    int             `json:"period"`
	DueDate   string          `json:"due_date"`
	Payment   decimal.Decimal `json:"payment"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Balance   decimal.Decimal `json:"balance"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents a payment.
type PaymentDTO struct {
	ID               string          `json:"id"`
	LoanID           string          `json:"loan_id"`
	Amount           decimal.Decimal `json:"amount"`
	PrincipalPortion decimal.Decimal `json:"principal_portion"`
	InterestPortion  decimal.Decimal `json:"interest_portion"`
	FeePortion       decimal.Decimal `json:"fee_portion"`
	Status           string          `json:"status"`
	PaidAt           string          `json:"paid_at"`
	CreatedAt        string          `json:"created_at"`
	Deleted          bool            `json:"deleted"`
	DeletedAt        *string         `json:"deleted_at,omitempty"`
	DeletedBy        string          `json:"deleted_by,omitempty"`
	DeleteReason     string          `json:"delete_reason,omitempty"`
}

// RecordPaymentRequest records a payment. Status defaults to PENDING.
type RecordPaymentRequest struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	PrincipalPortion decimal.Decimal `json:"principal_portion"`
	InterestPortion  decimal.Decimal `json:"interest_portion"`
	FeePortion       decimal.Decimal `json:"fee_portion"`
	Status           string          `json:"status"`
	PaidAt           string          `json:"paid_at"`
}

// UpdatePaymentStatusRequest changes a payment's status.
type UpdatePaymentStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditRunDTO is one reconciliation audit pass over a loan.
type AuditRunDTO struct {
	ID          string `json:"id"`
	LoanID      string `json:"loan_id"`
	Drift       bool   `json:"drift"`
	Degraded    bool   `json:"degraded"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

// AuditSummaryDTO summarizes a manually triggered audit.
type AuditSummaryDTO struct {
	Checked        int `json:"checked"`
	Drifted        int `json:"drifted"`
	ElapsedWindows int `json:"elapsed_windows"`
	Errors         int `json:"errors"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse represents an error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLoanDTO(l loan.Loan) LoanDTO {
	dto := LoanDTO{
		ID:               string(l.ID),
		Borrower:         l.Borrower,
		BaselineInferred: l.BaselineInferred,
		Current:          factory.ParametersToJSON(l.Current),
		ScheduledPayment: scheduledPayment(l.Current),
		CreatedAt:        formatTime(l.CreatedAt),
		UpdatedAt:        formatTime(l.UpdatedAt),
	}
	if l.Baseline != nil {
		b := factory.BaselineToJSON(*l.Baseline)
		dto.Baseline = &b
	}
	return dto
}

// scheduledPayment is the ledger's payment amount, else the computed level
// payment. Zero when the term cannot be amortized.
func scheduledPayment(p loan.EffectiveParameters) decimal.Decimal {
	if p.TermMonths <= 0 && p.PaymentAmount.IsZero() {
		return decimal.Zero
	}
	return amortization.Payment(p)
}

func toModificationDTO(e loan.Entry) (ModificationDTO, error) {
	kind, raw, err := factory.EncodeChange(e.Change)
	if err != nil {
		return ModificationDTO{}, err
	}
	dto := ModificationDTO{
		ID:             string(e.ID),
		LoanID:         string(e.LoanID),
		Type:           string(kind),
		Changes:        raw,
		CreatedAt:      formatTime(e.CreatedAt),
		Reason:         e.Reason,
		ApprovedBy:     e.ApprovedBy,
		Status:         string(e.Status),
		ReversedBy:     e.ReversedBy,
		ReversalReason: e.ReversalReason,
	}
	if e.ReversedAt != nil {
		s := formatTime(*e.ReversedAt)
		dto.ReversedAt = &s
	}
	return dto, nil
}

func toPaymentDTO(p loan.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:               string(p.ID),
		LoanID:           string(p.LoanID),
		Amount:           p.Amount,
		PrincipalPortion: p.PrincipalPortion,
		InterestPortion:  p.InterestPortion,
		FeePortion:       p.FeePortion,
		Status:           string(p.Status),
		PaidAt:           formatTime(p.PaidAt),
		CreatedAt:        formatTime(p.CreatedAt),
		Deleted:          p.Deleted,
		DeletedBy:        p.DeletedBy,
		DeleteReason:     p.DeleteReason,
	}
	if p.DeletedAt != nil {
		s := formatTime(*p.DeletedAt)
		dto.DeletedAt = &s
	}
	return dto
}

func toScheduleDTO(loanID loan.LoanID, s amortization.Schedule) ScheduleDTO {
	dto := ScheduleDTO{
		LoanID:           string(loanID),
		Payment:          s.Payment,
		TotalInterest:    s.TotalInterest,
		TotalPaid:        s.TotalPaid,
		DeferredInterest: s.DeferredInterest,
		Installments:     make([]InstallmentDTO, len(s.Installments)),
	}
	for i, in := range s.Installments {
		dto.Installments[i] = InstallmentDTO{
			Period:    in.Period,
			DueDate:   in.DueDate.Format("2006-01-02"),
			Payment:   in.Payment,
			Principal: in.Principal,
			Interest:  in.Interest,
			Balance:   in.Balance,
		}
	}
	return dto
}

func toAuditRunDTO(r loan.AuditRun) AuditRunDTO {
	return AuditRunDTO{
		ID:          r.ID,
		LoanID:      string(r.LoanID),
		Drift:       r.Drift,
		Degraded:    r.Degraded,
		Skipped:     r.Skipped,
		Error:       r.Error,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTime(r.CompletedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
