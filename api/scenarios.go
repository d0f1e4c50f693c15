/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the store with realistic
	loans, modifications and payments. Each scenario demonstrates one
	behavior of the ledger.

AVAILABLE SCENARIOS (scenarios/*.yaml):
	rate-cut-reversal:     Reversal removes one entry, later entries survive
	restructure-package:   RESTRUCTURE with projected parameters
	payments-balance:      Balance from completed, non-deleted payments
	legacy-loan:           Loan without baseline, inferred on first write
	hardship-forbearance:  Forbearance, temporary payment, deferment, balloon

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create each loan (baseline) or import it (current only)
 3. Append modifications through the service, in file order
 4. Record payments, then apply status changes and soft deletes

FILE FORMAT:
	Payloads under "changes" use the same keys as the HTTP API. A REVERSAL
	names its target by the "ref" of an earlier modification in the same
	loan. Money values are quoted strings.

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "rate-cut-reversal"}

NOTE:
	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Loan and ledger handlers
  - factory/change.go: Payload schema
*/
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/loan-servicing/factory"
	"github.com/warp/loan-servicing/loan"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioFile struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Order       int            `yaml:"order"`
	Loans       []scenarioLoan `yaml:"loans"`
}

type scenarioLoan struct {
	ID       string         `yaml:"id"`
	Borrower string         `yaml:"borrower"`
	Baseline map[string]any `yaml:"baseline"`
	// Current without Baseline imports a legacy loan.
	Current       map[string]any         `yaml:"current"`
	Modifications []scenarioModification `yaml:"modifications"`
	Payments      []scenarioPayment      `yaml:"payments"`
}

type scenarioModification struct {
	Ref        string         `yaml:"ref"`
	Type       string         `yaml:"type"`
	Changes    map[string]any `yaml:"changes"`
	Target     string         `yaml:"target"`
	Reason     string         `yaml:"reason"`
	ApprovedBy string         `yaml:"approved_by"`
}

type scenarioPayment struct {
	ID           string `yaml:"id"`
	Amount       string `yaml:"amount"`
	Principal    string `yaml:"principal"`
	Interest     string `yaml:"interest"`
	Fee          string `yaml:"fee"`
	Status       string `yaml:"status"`
	PaidAt       string `yaml:"paid_at"`
	Deleted      bool   `yaml:"deleted"`
	DeletedBy    string `yaml:"deleted_by"`
	DeleteReason string `yaml:"delete_reason"`
}

// loadScenarioFiles parses every embedded scenario, ordered by "order".
func loadScenarioFiles() ([]scenarioFile, error) {
	paths, err := fs.Glob(scenarioFS, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}
	files := make([]scenarioFile, 0, len(paths))
	for _, p := range paths {
		raw, err := scenarioFS.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var f scenarioFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		files = append(files, f)
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Order < files[j].Order })
	return files, nil
}

func findScenario(id string) (*scenarioFile, error) {
	files, err := loadScenarioFiles()
	if err != nil {
		return nil, err
	}
	for i := range files {
		if files[i].ID == id {
			return &files[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	files, err := loadScenarioFiles()
	if err != nil {
		h.writeServiceError(w, r, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(files))
	for i, f := range files {
		dtos[i] = ScenarioDTO{ID: f.ID, Name: f.Name, Description: f.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	f, err := findScenario(current)
	if err != nil || f == nil {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: f.ID, Name: f.Name, Description: f.Description})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	f, err := findScenario(req.ScenarioID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to read scenarios", err)
		return
	}
	if f == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Service.Reset(ctx); err != nil {
		h.writeServiceError(w, r, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := h.loadScenario(ctx, *f); err != nil {
		h.Log.Error("failed to load scenario", zap.String("scenario", f.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = f.ID
	h.Log.Info("scenario loaded", zap.String("scenario", f.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": f.ID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Service.Reset(r.Context()); err != nil {
		h.writeServiceError(w, r, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, f scenarioFile) error {
	for _, sl := range f.Loans {
		if err := h.loadScenarioLoan(ctx, sl); err != nil {
			return fmt.Errorf("loan %s: %w", sl.ID, err)
		}
	}
	return nil
}

func (h *Handler) loadScenarioLoan(ctx context.Context, sl scenarioLoan) error {
	id := loan.LoanID(sl.ID)

	switch {
	case sl.Baseline != nil:
		var pj factory.ParametersJSON
		if err := convertYAML(sl.Baseline, &pj); err != nil {
			return fmt.Errorf("baseline: %w", err)
		}
		baseline, err := factory.BaselineFromJSON(pj)
		if err != nil {
			return fmt.Errorf("baseline: %w", err)
		}
		if _, err := h.Service.CreateLoan(ctx, loan.NewLoan{ID: id, Borrower: sl.Borrower, Baseline: baseline}); err != nil {
			return err
		}
	case sl.Current != nil:
		var pj factory.ParametersJSON
		if err := convertYAML(sl.Current, &pj); err != nil {
			return fmt.Errorf("current: %w", err)
		}
		current, err := factory.ParametersFromJSON(pj)
		if err != nil {
			return fmt.Errorf("current: %w", err)
		}
		if _, err := h.Service.ImportLegacyLoan(ctx, loan.Loan{ID: id, Borrower: sl.Borrower, Current: current}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("baseline or current required")
	}

	refs := make(map[string]loan.EntryID)
	for i, m := range sl.Modifications {
		entry, err := h.appendScenarioModification(ctx, id, m, refs)
		if err != nil {
			return fmt.Errorf("modification %d (%s): %w", i, m.Type, err)
		}
		if m.Ref != "" {
			refs[m.Ref] = entry.ID
		}
	}

	for i, sp := range sl.Payments {
		if err := h.recordScenarioPayment(ctx, id, sp); err != nil {
			return fmt.Errorf("payment %d: %w", i, err)
		}
	}
	return nil
}

func (h *Handler) appendScenarioModification(ctx context.Context, id loan.LoanID, m scenarioModification, refs map[string]loan.EntryID) (loan.Entry, error) {
	kind := loan.ModificationType(m.Type)
	if kind == loan.TypeReversal {
		target, ok := refs[m.Target]
		if !ok {
			return loan.Entry{}, fmt.Errorf("unknown reversal target ref %q", m.Target)
		}
		return h.Service.AppendReversal(ctx, id, target, m.Reason, m.ApprovedBy)
	}

	raw, err := json.Marshal(m.Changes)
	if err != nil {
		return loan.Entry{}, err
	}
	change, err := factory.ParseChange(kind, raw)
	if err != nil {
		return loan.Entry{}, err
	}
	return h.Service.AppendModification(ctx, id, change, m.Reason, m.ApprovedBy)
}

func (h *Handler) recordScenarioPayment(ctx context.Context, id loan.LoanID, sp scenarioPayment) error {
	p := loan.Payment{
		ID:     loan.PaymentID(sp.ID),
		LoanID: id,
		Status: loan.PaymentStatus(sp.Status),
	}
	var err error
	if p.Amount, err = scenarioDecimal(sp.Amount); err != nil {
		return err
	}
	if p.PrincipalPortion, err = scenarioDecimal(sp.Principal); err != nil {
		return err
	}
	if p.InterestPortion, err = scenarioDecimal(sp.Interest); err != nil {
		return err
	}
	if p.FeePortion, err = scenarioDecimal(sp.Fee); err != nil {
		return err
	}
	if sp.PaidAt != "" {
		if p.PaidAt, err = factory.ParseDate(sp.PaidAt); err != nil {
			return err
		}
	}

	stored, err := h.Service.RecordPayment(ctx, p)
	if err != nil {
		return err
	}
	if sp.Deleted {
		if _, err := h.Service.DeletePayment(ctx, stored.ID, sp.DeletedBy, sp.DeleteReason); err != nil {
			return err
		}
	}
	return nil
}

// convertYAML re-encodes a decoded YAML mapping as JSON into out, so scenario
// files share the API's JSON schema.
func convertYAML(in map[string]any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func scenarioDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
