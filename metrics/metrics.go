// Package metrics holds the Prometheus collectors of the price updater.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for fetches, runs and reviews.
type Metrics struct {
	Registry         *prometheus.Registry
	FetchesTotal     *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	RetriesTotal     prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	ItemsTotal       *prometheus.CounterVec
	PriceChanges     *prometheus.CounterVec
	ApprovalsTotal   *prometheus.CounterVec
	LastRunSuccess   prometheus.Gauge
	LastRunDuration  prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updater_fetches_total",
			Help: "Product page fetches by resulting status.",
		},
		[]string{"status"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "price_updater_fetch_duration_seconds",
			Help:    "Wall time of a product page fetch including retries.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "price_updater_fetch_retries_total",
			Help: "Total number of in-fetch retries.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updater_fetch_errors_total",
			Help: "Fetch failures by error type.",
		},
		[]string{"error_type"},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updater_items_total",
			Help: "Items processed by run outcome.",
		},
		[]string{"outcome"},
	)
	changes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updater_price_changes_total",
			Help: "Applied price changes by direction.",
		},
		[]string{"direction"},
	)
	approvals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_updater_approvals_total",
			Help: "Reviewer decisions on flagged changes.",
		},
		[]string{"decision"},
	)
	lastSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "price_updater_last_run_success_rate",
		Help: "Success rate percentage of the last completed run.",
	})
	lastDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "price_updater_last_run_duration_seconds",
		Help: "Duration of the last completed run.",
	})
	lastTimestamp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "price_updater_last_run_timestamp_seconds",
		Help: "Unix time the last run finished.",
	})

	registry.MustRegister(fetches, fetchDuration, retries, errorsTotal, items, changes, approvals,
		lastSuccess, lastDuration, lastTimestamp)

	return &Metrics{
		Registry:         registry,
		FetchesTotal:     fetches,
		FetchDuration:    fetchDuration,
		RetriesTotal:     retries,
		ErrorsTotal:      errorsTotal,
		ItemsTotal:       items,
		PriceChanges:     changes,
		ApprovalsTotal:   approvals,
		LastRunSuccess:   lastSuccess,
		LastRunDuration:  lastDuration,
		LastRunTimestamp: lastTimestamp,
	}
}

// ObserveFetch records one finished fetch.
func (m *Metrics) ObserveFetch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(status).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncOutcome counts an item outcome.
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(outcome).Inc()
}

// IncPriceChange counts an applied change as "increase" or "decrease".
func (m *Metrics) IncPriceChange(direction string) {
	if m == nil {
		return
	}
	m.PriceChanges.WithLabelValues(direction).Inc()
}

// IncApproval counts a reviewer decision.
func (m *Metrics) IncApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// ObserveRun sets the last-run gauges.
func (m *Metrics) ObserveRun(successRate float64, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.LastRunSuccess.Set(successRate)
	m.LastRunDuration.Set(d.Seconds())
	m.LastRunTimestamp.Set(float64(finished.Unix()))
}
