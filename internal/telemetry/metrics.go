package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tasks_created_total", Help: "Tasks accepted for dispatch"})
	TasksDispatched  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tasks_dispatched_total", Help: "Tasks handed to a device channel"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tasks_completed_total", Help: "Tasks reconciled as completed"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tasks_failed_total", Help: "Tasks reconciled or exhausted as failed"})
	TasksDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_tasks_dead_letter_total", Help: "Tasks pushed to the DLQ"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_quota_rejects_total", Help: "Task creations rejected by quota"})
	WebhookDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_webhooks_delivered_total", Help: "Webhook deliveries acknowledged with 2xx"})
	WebhookFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_webhooks_failed_total", Help: "Webhook deliveries that failed"})
	SessionsReaped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_sessions_reaped_total", Help: "Stale device sessions demoted"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Ready queue depth across categories"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_tasks_inflight", Help: "Tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TasksDispatched,
			TasksCompleted,
			TasksFailed,
			TasksDeadLetter,
			QuotaRejects,
			WebhookDelivered,
			WebhookFailures,
			SessionsReaped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
