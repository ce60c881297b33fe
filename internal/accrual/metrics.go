package accrual

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the hourly accrual job's counters under the
// nhb_loanbridge_accrual namespace, registered lazily as a process-wide
// singleton.
type Metrics struct {
	PenaltyDeltaApplied   prometheus.Counter
	EntriesSkippedIdempot prometheus.Counter
}

var (
	accrualMetrics     *Metrics
	accrualMetricsOnce sync.Once
)

// AccrualMetrics returns the process-wide singleton accrual metrics
// registry, registering collectors with the default Prometheus registerer
// on first use.
func AccrualMetrics() *Metrics {
	accrualMetricsOnce.Do(func() {
		accrualMetrics = &Metrics{
			PenaltyDeltaApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "accrual", Name: "penalty_deltas_applied_total",
				Help: "Installment entries that received a new AccrualSnapshot and penalty delta this run.",
			}),
			EntriesSkippedIdempot: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "accrual", Name: "entries_skipped_idempotent_total",
				Help: "Installment entries skipped because an AccrualSnapshot already existed for the hour bucket.",
			}),
		}
		prometheus.MustRegister(
			accrualMetrics.PenaltyDeltaApplied,
			accrualMetrics.EntriesSkippedIdempot,
		)
	})
	return accrualMetrics
}
