package recon

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects reconciliation/integrity anomaly counts under the
// nhb_loanbridge_recon namespace, registered lazily as a process-wide
// singleton.
type Metrics struct {
	AnomaliesByType *prometheus.CounterVec
}

var (
	reconMetrics     *Metrics
	reconMetricsOnce sync.Once
)

// ReconMetrics returns the process-wide singleton reconciliation metrics
// registry, registering collectors with the default Prometheus registerer
// on first use.
func ReconMetrics() *Metrics {
	reconMetricsOnce.Do(func() {
		reconMetrics = &Metrics{
			AnomaliesByType: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "recon", Name: "anomalies_total",
				Help: "Reconciliation and integrity anomalies recorded, by incident kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(reconMetrics.AnomaliesByType)
	})
	return reconMetrics
}
