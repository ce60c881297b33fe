package webhook

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the webhook ingress's counters under the
// nhb_loanbridge_webhook namespace, registered lazily as a process-wide
// singleton (the same pattern internal/pipeline/metrics.go follows).
type Metrics struct {
	Accepted     *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
	Replayed     *prometheus.CounterVec
}

var (
	webhookMetrics     *Metrics
	webhookMetricsOnce sync.Once
)

// WebhookMetrics returns the process-wide singleton webhook metrics
// registry, registering collectors with the default Prometheus registerer
// on first use.
func WebhookMetrics() *Metrics {
	webhookMetricsOnce.Do(func() {
		webhookMetrics = &Metrics{
			Accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "webhook", Name: "accepted_total",
				Help: "Webhook deliveries that passed verification and were dispatched to a state machine.",
			}, []string{"provider", "endpoint"}),
			DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "webhook", Name: "dead_lettered_total",
				Help: "Webhook deliveries recorded as dead letters instead of processed, by reason.",
			}, []string{"provider", "endpoint", "reason"}),
			Replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb_loanbridge", Subsystem: "webhook", Name: "replayed_total",
				Help: "Webhook deliveries rejected by the (source, nonce) replay gate.",
			}, []string{"provider", "endpoint"}),
		}
		prometheus.MustRegister(
			webhookMetrics.Accepted,
			webhookMetrics.DeadLettered,
			webhookMetrics.Replayed,
		)
	})
	return webhookMetrics
}
