// Package metrics exposes Prometheus collectors for scrape runs.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeAttemptsTotal   *prometheus.CounterVec
	scrapeDurationSeconds prometheus.Histogram
	fetchRetriesTotal     prometheus.Counter
	runSuccessRate        prometheus.Gauge
	recordChangesTotal    *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iuk_scrape_attempts_total",
				Help: "Competition scrape attempts, labeled by status and error kind.",
			},
			[]string{"status", "error_kind"},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "iuk_scrape_duration_seconds",
				Help:    "Duration of a single competition scrape including retries.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "iuk_fetch_retries_total",
				Help: "Fetch retries spent across all competitions.",
			},
		)

		runSuccessRate = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "iuk_run_success_rate",
				Help: "Success rate percentage of the most recently finalized run.",
			},
		)

		recordChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iuk_record_changes_total",
				Help: "Stored competitions by change classification (new, updated, unchanged).",
			},
			[]string{"change"},
		)
	})
}

// ObserveAttempt records one scrape outcome.
func ObserveAttempt(success bool, errorKind string, retries int, d time.Duration) {
	Init()
	status := "success"
	if !success {
		status = "failure"
	}
	scrapeAttemptsTotal.WithLabelValues(status, errorKind).Inc()
	scrapeDurationSeconds.Observe(d.Seconds())
	if retries > 0 {
		fetchRetriesTotal.Add(float64(retries))
	}
}

// ObserveChange counts a stored record by change classification.
func ObserveChange(change string) {
	Init()
	recordChangesTotal.WithLabelValues(change).Inc()
}

// SetRunSuccessRate publishes the finalized run's success rate.
func SetRunSuccessRate(pct float64) {
	Init()
	runSuccessRate.Set(pct)
}

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
