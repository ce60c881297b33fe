package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the action pipeline's counters and gauges under the
// nhb_loanbridge_pipeline namespace, registered lazily as a process-wide
// singleton.
type Metrics struct {
	ActionsSent       *prometheus.CounterVec
	ActionsMined      *prometheus.CounterVec
	ActionsDLQ        *prometheus.CounterVec
	ActionsRetried    *prometheus.CounterVec
	BumpCount         *prometheus.CounterVec
	NonceConflicts    prometheus.Counter
	LoopLatencySecond *prometheus.HistogramVec
	Paused            prometheus.Gauge
}

var (
	pipelineMetrics     *Metrics
	pipelineMetricsOnce sync.Once
)

// PipelineMetrics returns the process-wide singleton pipeline metrics
// registry, registering collectors with the default Prometheus registerer
// on first use.
func PipelineMetrics() *Metrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = &Metrics{
			ActionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "actions_sent_total",
				Help: "Actions transitioned to SENT by action type.",
			}, []string{"type"}),
			ActionsMined: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "actions_mined_total",
				Help: "Actions transitioned to MINED by action type.",
			}, []string{"type"}),
			ActionsDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "actions_dlq_total",
				Help: "Actions transitioned to DLQ by action type and reason.",
			}, []string{"type", "reason"}),
			ActionsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "actions_retried_total",
				Help: "Failed sends classified RETRY and requeued with backoff, by action type.",
			}, []string{"type"}),
			BumpCount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "bump_total",
				Help: "Replace-by-fee bumps issued by the stuck loop.",
			}, []string{"type"}),
			NonceConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "nonce_conflicts_total",
				Help: "Nonce conflicts observed by the sender loop.",
			}),
			LoopLatencySecond: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "loop_duration_seconds",
				Help:    "Wall-clock duration of one iteration of a pipeline loop.",
				Buckets: prometheus.DefBuckets,
			}, []string{"loop"}),
			Paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb_loanbridge", Subsystem: "pipeline", Name: "paused",
				Help: "1 if the dispatcher is paused, 0 otherwise.",
			}),
		}
		prometheus.MustRegister(
			pipelineMetrics.ActionsSent,
			pipelineMetrics.ActionsMined,
			pipelineMetrics.ActionsDLQ,
			pipelineMetrics.ActionsRetried,
			pipelineMetrics.BumpCount,
			pipelineMetrics.NonceConflicts,
			pipelineMetrics.LoopLatencySecond,
			pipelineMetrics.Paused,
		)
	})
	return pipelineMetrics
}
