// Package metrics exposes Prometheus collectors for ledger submissions,
// outcomes, guard rejections and reconciliation passes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledgerflow"

// Metrics is safe to use through a nil pointer; every recorder is a no-op then.
type Metrics struct {
	Registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	confirmSeconds  *prometheus.HistogramVec
	guardRejections *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	batchHalts      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Ledger submissions by method and result.",
		}, []string{"method", "result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Observed operation outcomes by method.",
		}, []string{"method", "outcome"}),
		confirmSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_seconds",
			Help:      "Time from submission to a terminal outcome seen by a watcher.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 180},
		}, []string{"method"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Starts rejected because the target already had work in flight.",
		}, []string{"scope"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		batchHalts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_halts_total",
			Help:      "Batch jobs halted before exhausting their items.",
		}),
	}
	reg.MustRegister(
		m.submissions, m.outcomes, m.confirmSeconds, m.guardRejections, m.reconciliations, m.batchHalts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Submission(method, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(method, result).Inc()
}

func (m *Metrics) Outcome(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(method, outcome).Inc()
	if elapsed > 0 {
		m.confirmSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) GuardRejection(scope string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(scope).Inc()
}

func (m *Metrics) Reconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}

func (m *Metrics) BatchHalt() {
	if m == nil {
		return
	}
	m.batchHalts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
