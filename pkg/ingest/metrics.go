package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

const prometheusMetricNamespace = "billing_ingest"

var (
	periodsTotalCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "periods_total",
			Help:      "Billing periods processed, by outcome.",
		},
		[]string{"export", "outcome"},
	)

	rowsTotalCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "rows_total",
			Help:      "Rows loaded into destination tables.",
		},
		[]string{"export"},
	)

	periodDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "period_duration_seconds",
			Help:      "Duration to process a billing period.",
			Buckets:   []float64{1, 10, 60, 300, 900},
		},
		[]string{"export", "outcome"},
	)

	resolveRetriesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "resolve_retries_total",
			Help:      "Manifest resolutions retried after a transient storage failure.",
		},
		[]string{"export"},
	)
)

func init() {
	prometheus.MustRegister(periodsTotalCounter)
	prometheus.MustRegister(rowsTotalCounter)
	prometheus.MustRegister(periodDurationHistogram)
	prometheus.MustRegister(resolveRetriesCounter)
}

func observe(export string, res PeriodResult) {
	outcome := string(res.Outcome)
	periodsTotalCounter.WithLabelValues(export, outcome).Inc()
	periodDurationHistogram.WithLabelValues(export, outcome).Observe(res.Duration.Seconds())
	if res.Rows > 0 {
		rowsTotalCounter.WithLabelValues(export).Add(float64(res.Rows))
	}
}
