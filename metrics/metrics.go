// Package metrics holds the Prometheus instruments for the ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for transactions, transfers and the API.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transactions      *prometheus.CounterVec
	TransactionTime   *prometheus.HistogramVec
	Retries           *prometheus.CounterVec
	Mismatches        prometheus.Counter
	EntriesAppended   *prometheus.CounterVec
	PublishFailures   prometheus.Counter
	SweepResolutions  prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPRequestTiming *prometheus.HistogramVec
}

// New registers every instrument on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_transactions_total",
			Help: "Units of work by migration mode and outcome class",
		}, []string{"mode", "outcome"}),
		TransactionTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_transaction_duration_seconds",
			Help:    "Duration of a unit of work including retries and commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"mode"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_transaction_retries_total",
			Help: "Attempts retried after a concurrent modification or transient failure",
		}, []string{"mode", "reason"}),
		Mismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_consistency_mismatches_total",
			Help: "Dual-write-verify units of work where the backends diverged",
		}),
		EntriesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_history_entries_total",
			Help: "Committed history entries by type",
		}, []string{"type"}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_publish_failures_total",
			Help: "Committed entry batches that could not be delivered to subscribers",
		}),
		SweepResolutions: f.NewCounter(prometheus.CounterOpts{
			Name: "registry_transfer_server_approvals_total",
			Help: "Transfers approved by the deadline sweep",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPRequestTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registry_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// ObserveTransaction records the outcome and duration of a unit of work.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveTransaction(mode, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(mode, outcome).Inc()
	m.TransactionTime.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncRetry(mode, reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(mode, reason).Inc()
}

func (m *Metrics) IncMismatch() {
	if m == nil {
		return
	}
	m.Mismatches.Inc()
}

func (m *Metrics) IncEntry(typ string) {
	if m == nil {
		return
	}
	m.EntriesAppended.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) AddSweepResolutions(n int) {
	if m == nil {
		return
	}
	m.SweepResolutions.Add(float64(n))
}

// ObserveHTTP records one request. Call with time.Now() at the start.
func (m *Metrics) ObserveHTTP(route, status string, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
	m.HTTPRequestTiming.WithLabelValues(route).Observe(time.Since(start).Seconds())
}
