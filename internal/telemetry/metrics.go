package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueuedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_enqueued_total", Help: "Jobs accepted into the queue"})
	DuplicateCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_duplicate_skipped_total", Help: "Enqueues skipped because an active job already existed"})
	SentCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_sent_total", Help: "Emails delivered successfully"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_retry_scheduled_total", Help: "Delivery failures rescheduled with backoff"})
	FailedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_failed_total", Help: "Jobs that exhausted their attempts"})
	CancelledCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "emails_cancelled_total", Help: "Pending jobs cancelled by campaign"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})

	PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "email_queue_pending", Help: "Jobs waiting to be claimed"})
	ClaimedGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "email_queue_claimed", Help: "Jobs currently being delivered"})
	FailedGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "email_queue_failed", Help: "Jobs parked after exhausting attempts"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueuedCounter,
			DuplicateCounter,
			SentCounter,
			RetryCounter,
			FailedCounter,
			CancelledCounter,
			RateLimitRejects,
			PendingGauge,
			ClaimedGauge,
			FailedGauge,
		)
	})
	return promhttp.Handler()
}
