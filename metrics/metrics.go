/*
Package metrics exposes Prometheus collectors for the HTTP surface and the
loan ledger.

HTTP:
  loans_http_requests_total{method,route,status}
  loans_http_request_duration_seconds{method,route}
  loans_http_inflight_requests

LEDGER (via loan.Observer):
  loans_ledger_modifications_total{type}
  loans_ledger_reversals_total
  loans_reconciler_runs_total{outcome}        outcome = ok | degraded
  loans_reconciler_skipped_entries_total
  loans_reconciler_duration_seconds

AUDIT (scheduler):
  loans_audit_drift_total
  loans_audit_elapsed_windows_total{kind}

Each Metrics value owns its registry, so tests can create as many as they
like.
*/
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/loan-servicing/loan"
)

const namespace = "loans"

type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	modifications  *prometheus.CounterVec
	reversals      prometheus.Counter
	reconciles     *prometheus.CounterVec
	skipped        prometheus.Counter
	reconcileTime  prometheus.Histogram
	drift          prometheus.Counter
	elapsedWindows *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),

		modifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "modifications_total",
			Help:      "Ledger entries appended, by modification type.",
		}, []string{"type"}),
		reversals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reversals_total",
			Help:      "Reversal entries appended.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Persisted reconciliations, by outcome.",
		}, []string{"outcome"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "skipped_entries_total",
			Help:      "Entries of unknown type skipped during replay.",
		}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "duration_seconds",
			Help:      "Duration of replay plus persist.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}),
		drift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "drift_total",
			Help:      "Loans whose stored parameters differed from the replayed ones.",
		}),
		elapsedWindows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "elapsed_windows_total",
			Help:      "Temporary payment, forbearance or deferment windows found elapsed.",
		}, []string{"kind"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.modifications,
		m.reversals,
		m.reconciles,
		m.skipped,
		m.reconcileTime,
		m.drift,
		m.elapsedWindows,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection. Routes are
// labelled by their chi pattern so ids do not explode cardinality.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)

		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// =============================================================================
// LEDGER OBSERVER
// =============================================================================

// ModificationAppended implements loan.Observer.
func (m *Metrics) ModificationAppended(t loan.ModificationType) {
	if t == loan.TypeReversal {
		m.reversals.Inc()
	}
	if !t.IsKnown() {
		t = "UNKNOWN"
	}
	m.modifications.WithLabelValues(string(t)).Inc()
}

// Reconciled implements loan.Observer.
func (m *Metrics) Reconciled(res loan.Result, took time.Duration) {
	outcome := "ok"
	if res.Degraded {
		outcome = "degraded"
	}
	m.reconciles.WithLabelValues(outcome).Inc()
	m.skipped.Add(float64(res.Skipped))
	m.reconcileTime.Observe(took.Seconds())
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Metrics) Drift() {
	m.drift.Inc()
}

func (m *Metrics) ElapsedWindow(kind string) {
	m.elapsedWindows.WithLabelValues(kind).Inc()
}

var _ loan.Observer = (*Metrics)(nil)
