// Package store provides in-memory loan.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/loan-servicing/loan"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	seq      int64
	entries  map[loan.LoanID][]loan.Entry
	entryIdx map[loan.EntryID]loan.LoanID
	loans    map[loan.LoanID]loan.Loan
	payments map[loan.LoanID][]loan.Payment
	payIdx   map[loan.PaymentID]loan.LoanID
	audits   []loan.AuditRun
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[loan.LoanID][]loan.Entry),
		entryIdx: make(map[loan.EntryID]loan.LoanID),
		loans:    make(map[loan.LoanID]loan.Loan),
		payments: make(map[loan.LoanID][]loan.Payment),
		payIdx:   make(map[loan.PaymentID]loan.LoanID),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// Append adds an entry. Append-only.
func (m *Memory) Append(_ context.Context, e loan.Entry) (loan.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e loan.Entry) (loan.Entry, error) {
	if _, exists := m.entryIdx[e.ID]; exists {
		return loan.Entry{}, fmt.Errorf("entry %s: %w", e.ID, loan.ErrAlreadyExists)
	}
	m.seq++
	e.Seq = m.seq

	entries := m.entries[e.LoanID]

	// Insert after every entry created at or before e, keeping ties in
	// insertion order.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(e.CreatedAt)
	})
	entries = append(entries, loan.Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e

	m.entries[e.LoanID] = entries
	m.entryIdx[e.ID] = e.LoanID
	return e, nil
}

func (m *Memory) List(_ context.Context, loanID loan.LoanID) ([]loan.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(loanID), nil
}

func (m *Memory) listLocked(loanID loan.LoanID) []loan.Entry {
	result := make([]loan.Entry, len(m.entries[loanID]))
	copy(result, m.entries[loanID])
	return result
}

func (m *Memory) Get(_ context.Context, id loan.EntryID) (*loan.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id), nil
}

func (m *Memory) getLocked(id loan.EntryID) *loan.Entry {
	_, i := m.findEntry(id)
	if i < 0 {
		return nil
	}
	e := m.entries[m.entryIdx[id]][i]
	return &e
}

func (m *Memory) findEntry(id loan.EntryID) (loan.LoanID, int) {
	loanID, ok := m.entryIdx[id]
	if !ok {
		return "", -1
	}
	for i, e := range m.entries[loanID] {
		if e.ID == id {
			return loanID, i
		}
	}
	return "", -1
}

// MarkReversed is the ledger's only mutation.
func (m *Memory) MarkReversed(_ context.Context, id loan.EntryID, stamp loan.ReversalStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markReversedLocked(id, stamp)
}

func (m *Memory) markReversedLocked(id loan.EntryID, stamp loan.ReversalStamp) error {
	loanID, i := m.findEntry(id)
	if i < 0 {
		return loan.ErrTargetNotFound
	}
	e := &m.entries[loanID][i]
	if e.Status != loan.StatusActive && e.Status != "" {
		return loan.ErrAlreadyReversed
	}
	at := stamp.At
	e.Status = loan.StatusReversed
	e.ReversedAt = &at
	e.ReversedBy = stamp.By
	e.ReversalReason = stamp.Reason
	return nil
}

// =============================================================================
// LOANS
// =============================================================================

func (m *Memory) SaveLoan(_ context.Context, l loan.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLoanLocked(l)
}

func (m *Memory) saveLoanLocked(l loan.Loan) error {
	m.loans[l.ID] = cloneLoan(l)
	return nil
}

func (m *Memory) GetLoan(_ context.Context, id loan.LoanID) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoanLocked(id), nil
}

func (m *Memory) getLoanLocked(id loan.LoanID) *loan.Loan {
	l, ok := m.loans[id]
	if !ok {
		return nil
	}
	c := cloneLoan(l)
	return &c
}

func (m *Memory) ListLoans(_ context.Context) ([]loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loans := make([]loan.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		loans = append(loans, cloneLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].ID < loans[j].ID })
	return loans, nil
}

func (m *Memory) SetBaseline(_ context.Context, id loan.LoanID, b loan.Baseline, inferred bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBaselineLocked(id, b, inferred)
}

func (m *Memory) setBaselineLocked(id loan.LoanID, b loan.Baseline, inferred bool) error {
	l, ok := m.loans[id]
	if !ok {
		return loan.ErrLoanNotFound
	}
	l.Baseline = &b
	l.BaselineInferred = inferred
	m.loans[id] = l
	return nil
}

func (m *Memory) UpdateCurrent(_ context.Context, id loan.LoanID, p loan.EffectiveParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCurrentLocked(id, p)
}

func (m *Memory) updateCurrentLocked(id loan.LoanID, p loan.EffectiveParameters) error {
	l, ok := m.loans[id]
	if !ok {
		return loan.ErrLoanNotFound
	}
	l.Current = p.Clone()
	m.loans[id] = l
	return nil
}

func cloneLoan(l loan.Loan) loan.Loan {
	if l.Baseline != nil {
		b := *l.Baseline
		l.Baseline = &b
	}
	l.Current = l.Current.Clone()
	return l
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) AppendPayment(_ context.Context, p loan.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendPaymentLocked(p)
}

func (m *Memory) appendPaymentLocked(p loan.Payment) error {
	if _, exists := m.payIdx[p.ID]; exists {
		return fmt.Errorf("payment %s: %w", p.ID, loan.ErrAlreadyExists)
	}
	m.payments[p.LoanID] = append(m.payments[p.LoanID], p)
	m.payIdx[p.ID] = p.LoanID
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id loan.PaymentID) (*loan.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.findPayment(id); p != nil {
		c := *p
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) findPayment(id loan.PaymentID) *loan.Payment {
	loanID, ok := m.payIdx[id]
	if !ok {
		return nil
	}
	for i := range m.payments[loanID] {
		if m.payments[loanID][i].ID == id {
			return &m.payments[loanID][i]
		}
	}
	return nil
}

func (m *Memory) ListPayments(_ context.Context, loanID loan.LoanID) ([]loan.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPaymentsLocked(loanID), nil
}

func (m *Memory) listPaymentsLocked(loanID loan.LoanID) []loan.Payment {
	result := make([]loan.Payment, len(m.payments[loanID]))
	copy(result, m.payments[loanID])
	return result
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, id loan.PaymentID, status loan.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPayment(id)
	if p == nil {
		return loan.ErrPaymentNotFound
	}
	p.Status = status
	return nil
}

// SoftDeletePayment flags a payment deleted. Repeated deletes are no-ops.
func (m *Memory) SoftDeletePayment(_ context.Context, id loan.PaymentID, stamp loan.ReversalStamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPayment(id)
	if p == nil {
		return loan.ErrPaymentNotFound
	}
	if p.Deleted {
		return nil
	}
	at := stamp.At
	p.Deleted = true
	p.DeletedAt = &at
	p.DeletedBy = stamp.By
	p.DeleteReason = stamp.Reason
	return nil
}

// =============================================================================
// AUDIT & RESET
// =============================================================================

func (m *Memory) SaveAuditRun(_ context.Context, run loan.AuditRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, run)
	return nil
}

// ListAuditRuns returns the most recent runs first. An empty loanID matches
// every loan.
func (m *Memory) ListAuditRuns(_ context.Context, loanID loan.LoanID, limit int) ([]loan.AuditRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []loan.AuditRun
	for i := len(m.audits) - 1; i >= 0; i-- {
		if loanID != "" && m.audits[i].LoanID != loanID {
			continue
		}
		runs = append(runs, m.audits[i])
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = 0
	m.entries = make(map[loan.LoanID][]loan.Entry)
	m.entryIdx = make(map[loan.EntryID]loan.LoanID)
	m.loans = make(map[loan.LoanID]loan.Loan)
	m.payments = make(map[loan.LoanID][]loan.Payment)
	m.payIdx = make(map[loan.PaymentID]loan.LoanID)
	m.audits = nil
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(loan.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	seq      int64
	entries  map[loan.LoanID][]loan.Entry
	entryIdx map[loan.EntryID]loan.LoanID
	loans    map[loan.LoanID]loan.Loan
	payments map[loan.LoanID][]loan.Payment
	payIdx   map[loan.PaymentID]loan.LoanID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		seq:      tm.seq,
		entries:  make(map[loan.LoanID][]loan.Entry, len(tm.entries)),
		entryIdx: make(map[loan.EntryID]loan.LoanID, len(tm.entryIdx)),
		loans:    make(map[loan.LoanID]loan.Loan, len(tm.loans)),
		payments: make(map[loan.LoanID][]loan.Payment, len(tm.payments)),
		payIdx:   make(map[loan.PaymentID]loan.LoanID, len(tm.payIdx)),
	}
	for k, v := range tm.entries {
		s.entries[k] = append([]loan.Entry{}, v...)
	}
	for k, v := range tm.entryIdx {
		s.entryIdx[k] = v
	}
	for k, v := range tm.loans {
		s.loans[k] = cloneLoan(v)
	}
	for k, v := range tm.payments {
		s.payments[k] = append([]loan.Payment{}, v...)
	}
	for k, v := range tm.payIdx {
		s.payIdx[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.seq = s.seq
	tm.entries = s.entries
	tm.entryIdx = s.entryIdx
	tm.loans = s.loans
	tm.payments = s.payments
	tm.payIdx = s.payIdx
}

// txMemoryView runs against the parent with its lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Append(_ context.Context, e loan.Entry) (loan.Entry, error) {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) List(_ context.Context, loanID loan.LoanID) ([]loan.Entry, error) {
	return tv.parent.listLocked(loanID), nil
}

func (tv *txMemoryView) Get(_ context.Context, id loan.EntryID) (*loan.Entry, error) {
	return tv.parent.getLocked(id), nil
}

func (tv *txMemoryView) MarkReversed(_ context.Context, id loan.EntryID, stamp loan.ReversalStamp) error {
	return tv.parent.markReversedLocked(id, stamp)
}

func (tv *txMemoryView) SaveLoan(_ context.Context, l loan.Loan) error {
	return tv.parent.saveLoanLocked(l)
}

func (tv *txMemoryView) GetLoan(_ context.Context, id loan.LoanID) (*loan.Loan, error) {
	return tv.parent.getLoanLocked(id), nil
}

func (tv *txMemoryView) ListLoans(_ context.Context) ([]loan.Loan, error) {
	loans := make([]loan.Loan, 0, len(tv.parent.loans))
	for _, l := range tv.parent.loans {
		loans = append(loans, cloneLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].ID < loans[j].ID })
	return loans, nil
}

func (tv *txMemoryView) SetBaseline(_ context.Context, id loan.LoanID, b loan.Baseline, inferred bool) error {
	return tv.parent.setBaselineLocked(id, b, inferred)
}

func (tv *txMemoryView) UpdateCurrent(_ context.Context, id loan.LoanID, p loan.EffectiveParameters) error {
	return tv.parent.updateCurrentLocked(id, p)
}

func (tv *txMemoryView) AppendPayment(_ context.Context, p loan.Payment) error {
	return tv.parent.appendPaymentLocked(p)
}

func (tv *txMemoryView) GetPayment(_ context.Context, id loan.PaymentID) (*loan.Payment, error) {
	if p := tv.parent.findPayment(id); p != nil {
		c := *p
		return &c, nil
	}
	return nil, nil
}

func (tv *txMemoryView) ListPayments(_ context.Context, loanID loan.LoanID) ([]loan.Payment, error) {
	return tv.parent.listPaymentsLocked(loanID), nil
}

func (tv *txMemoryView) UpdatePaymentStatus(_ context.Context, id loan.PaymentID, status loan.PaymentStatus) error {
	p := tv.parent.findPayment(id)
	if p == nil {
		return loan.ErrPaymentNotFound
	}
	p.Status = status
	return nil
}

func (tv *txMemoryView) SoftDeletePayment(_ context.Context, id loan.PaymentID, stamp loan.ReversalStamp) error {
	p := tv.parent.findPayment(id)
	if p == nil {
		return loan.ErrPaymentNotFound
	}
	if !p.Deleted {
		at := stamp.At
		p.Deleted = true
		p.DeletedAt = &at
		p.DeletedBy = stamp.By
		p.DeleteReason = stamp.Reason
	}
	return nil
}
