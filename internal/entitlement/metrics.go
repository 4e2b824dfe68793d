// internal/entitlement/metrics.go
package entitlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clubpass_deductions_total",
	Help: "Consumption attempts by outcome (deducted, skipped, rejected, conflict, error).",
}, []string{"outcome"})

var reconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clubpass_reconciliations_total",
	Help: "Lazy balance reconciliations performed.",
})

var conflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clubpass_conflict_retries_total",
	Help: "Consume attempts re-run after a concurrent modification.",
})

var consumeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "clubpass_consume_duration_seconds",
	Help:    "End-to-end duration of consume calls.",
	Buckets: prometheus.DefBuckets,
})
