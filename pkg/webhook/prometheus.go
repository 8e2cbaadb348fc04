package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the intake metrics to Prometheus without double
// bookkeeping: scrape time reads the same atomic counters the handler
// writes.
type Collector struct {
	metrics *Metrics

	received         *prometheus.Desc
	processed        *prometheus.Desc
	ignored          *prometheus.Desc
	failed           *prometheus.Desc
	invalidSignature *prometheus.Desc
	syncTriggered    *prometheus.Desc
	syncSuccess      *prometheus.Desc
	syncFailure      *prometheus.Desc
	rateLimited      *prometheus.Desc
	alerts           *prometheus.Desc
	failureStreak    *prometheus.Desc
}

// NewCollector wraps the handler's metrics for registration.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics: m,
		received: prometheus.NewDesc("openfleet_webhook_received_total",
			"Webhook deliveries received.", nil, nil),
		processed: prometheus.NewDesc("openfleet_webhook_processed_total",
			"Webhook deliveries that triggered a successful sync.", nil, nil),
		ignored: prometheus.NewDesc("openfleet_webhook_ignored_total",
			"Webhook deliveries ignored by event filter.", nil, nil),
		failed: prometheus.NewDesc("openfleet_webhook_failed_total",
			"Webhook deliveries that failed.", nil, nil),
		invalidSignature: prometheus.NewDesc("openfleet_webhook_invalid_signature_total",
			"Webhook deliveries rejected for bad signatures.", nil, nil),
		syncTriggered: prometheus.NewDesc("openfleet_sync_triggered_total",
			"Syncs triggered by webhook deliveries.", nil, nil),
		syncSuccess: prometheus.NewDesc("openfleet_sync_success_total",
			"Webhook-triggered syncs that succeeded.", nil, nil),
		syncFailure: prometheus.NewDesc("openfleet_sync_failure_total",
			"Webhook-triggered syncs that failed.", nil, nil),
		rateLimited: prometheus.NewDesc("openfleet_sync_rate_limited_total",
			"Backend rate-limit events observed during webhook syncs.", nil, nil),
		alerts: prometheus.NewDesc("openfleet_sync_alerts_total",
			"Alerts fired for repeated sync failures.", nil, nil),
		failureStreak: prometheus.NewDesc("openfleet_sync_consecutive_failures",
			"Current consecutive sync failure streak.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.received
	ch <- c.processed
	ch <- c.ignored
	ch <- c.failed
	ch <- c.invalidSignature
	ch <- c.syncTriggered
	ch <- c.syncSuccess
	ch <- c.syncFailure
	ch <- c.rateLimited
	ch <- c.alerts
	ch <- c.failureStreak
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	counter := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.received, s.Received)
	counter(c.processed, s.Processed)
	counter(c.ignored, s.Ignored)
	counter(c.failed, s.Failed)
	counter(c.invalidSignature, s.InvalidSignature)
	counter(c.syncTriggered, s.SyncTriggered)
	counter(c.syncSuccess, s.SyncSuccess)
	counter(c.syncFailure, s.SyncFailure)
	counter(c.rateLimited, s.RateLimitObserved)
	counter(c.alerts, s.AlertsTriggered)
	ch <- prometheus.MustNewConstMetric(c.failureStreak, prometheus.GaugeValue, float64(s.ConsecutiveFailures))
}
