/*
scheduler.go - Periodic reconciliation audit

PURPOSE:
  Current parameters are persisted after every ledger write, so in a healthy
  system they always equal a fresh replay. The audit periodically re-derives
  every loan and compares. A mismatch (drift) means something wrote
  parameters outside the two-phase protocol; the audit repairs it by
  persisting the replayed value and reports it.

  The audit also reports elapsed temporary-payment, forbearance and
  deferment windows. It never ends them: ending a window takes an explicit
  follow-up modification by a servicer.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Records one AuditRun per loan when the store keeps audit history

DRIFT:
  Replay is deterministic, so any difference between the stored parameters
  and a fresh replay is drift, window end dates included.

USAGE:
  scheduler := NewAuditScheduler(service, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconciliation endpoint (manual audit)
  - loan/reconciler.go: Replay
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-servicing/loan"
)

// AuditObserver receives audit findings, e.g. for metrics.
type AuditObserver interface {
	Drift()
	ElapsedWindow(kind string)
}

type nopAuditObserver struct{}

func (nopAuditObserver) Drift()               {}
func (nopAuditObserver) ElapsedWindow(string) {}

// Window kinds reported to AuditObserver.ElapsedWindow.
const (
	WindowTemporaryPayment = "temporary_payment"
	WindowForbearance      = "forbearance"
	WindowDeferment        = "deferment"
)

// AuditScheduler runs the reconciliation audit on an interval.
type AuditScheduler struct {
	Service       *loan.Service
	Store         loan.Store
	Log           *zap.Logger
	Observer      AuditObserver
	Clock         loan.Clock
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// runMu serializes audit passes (ticker vs. manual trigger).
	runMu sync.Mutex
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(svc *loan.Service, store loan.Store, log *zap.Logger) *AuditScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditScheduler{
		Service:       svc,
		Store:         store,
		Log:           log.Named("audit"),
		Observer:      nopAuditObserver{},
		Clock:         loan.SystemClock{},
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Log.Info("scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info("scheduler stopped")
	}
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.tick()

	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *AuditScheduler) tick() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.Log.Error("audit failed", zap.Error(err))
	}
}

// RunOnce audits every loan once.
func (s *AuditScheduler) RunOnce(ctx context.Context) (AuditSummaryDTO, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var summary AuditSummaryDTO

	loans, err := s.Service.ListLoans(ctx)
	if err != nil {
		return summary, err
	}

	for _, l := range loans {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		run := s.auditLoan(ctx, l, &summary)
		s.saveRun(ctx, run)
	}

	if summary.Drifted > 0 || summary.ElapsedWindows > 0 || summary.Errors > 0 {
		s.Log.Info("audit completed",
			zap.Int("checked", summary.Checked),
			zap.Int("drifted", summary.Drifted),
			zap.Int("elapsed_windows", summary.ElapsedWindows),
			zap.Int("errors", summary.Errors),
		)
	}
	return summary, nil
}

func (s *AuditScheduler) auditLoan(ctx context.Context, l loan.Loan, summary *AuditSummaryDTO) loan.AuditRun {
	run := loan.AuditRun{
		ID:        uuid.NewString(),
		LoanID:    l.ID,
		StartedAt: s.Clock.Now().UTC(),
	}
	log := s.Log.With(zap.String("loan_id", string(l.ID)))
	summary.Checked++

	res, err := s.Service.Reconcile(ctx, l.ID)
	if err != nil {
		summary.Errors++
		run.Error = err.Error()
		run.CompletedAt = s.Clock.Now().UTC()
		log.Error("audit reconcile failed", zap.Error(err))
		return run
	}
	run.Degraded = res.Degraded
	run.Skipped = res.Skipped

	if !res.Parameters.Equal(l.Current) {
		run.Drift = true
		summary.Drifted++
		s.Observer.Drift()
		log.Warn("stored parameters drifted from ledger replay; repairing")

		if _, err := s.Service.Recompute(ctx, l.ID); err != nil {
			summary.Errors++
			run.Error = err.Error()
			log.Error("audit repair failed", zap.Error(err))
		}
	}

	for _, kind := range elapsedWindows(l.Current, s.Clock.Now()) {
		summary.ElapsedWindows++
		s.Observer.ElapsedWindow(kind)
		log.Warn("modification window elapsed; follow-up modification required",
			zap.String("window", kind))
	}

	run.CompletedAt = s.Clock.Now().UTC()
	return run
}

func (s *AuditScheduler) saveRun(ctx context.Context, run loan.AuditRun) {
	audits, ok := s.Store.(loan.AuditStore)
	if !ok {
		return
	}
	if err := audits.SaveAuditRun(ctx, run); err != nil {
		s.Log.Error("failed to save audit run",
			zap.String("loan_id", string(run.LoanID)),
			zap.Error(err),
		)
	}
}

// elapsedWindows lists the windows of p that ended on or before now.
func elapsedWindows(p loan.EffectiveParameters, now time.Time) []string {
	var kinds []string
	if t := p.TemporaryPayment; t != nil && !t.EndDate.IsZero() && !now.Before(t.EndDate) {
		kinds = append(kinds, WindowTemporaryPayment)
	}
	if f := p.Forbearance; f != nil && !f.EndDate.IsZero() && !now.Before(f.EndDate) {
		kinds = append(kinds, WindowForbearance)
	}
	if d := p.Deferment; d != nil && !d.EndDate.IsZero() && !now.Before(d.EndDate) {
		kinds = append(kinds, WindowDeferment)
	}
	return kinds
}
