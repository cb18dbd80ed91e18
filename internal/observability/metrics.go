package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	DispatchedTotal       *prometheus.CounterVec
	SendsTotal            *prometheus.CounterVec
	RetriesScheduledTotal *prometheus.CounterVec
	DeadLetteredTotal     prometheus.Counter
	RateLimitRejections   *prometheus.CounterVec
	ScheduledQueueDepth   prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		DispatchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_dispatched_total",
				Help: "SMS dispatch decisions by selected provider",
			},
			[]string{"provider"},
		),
		SendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_sends_total",
				Help: "Upstream send attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		RetriesScheduledTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sms_retries_scheduled_total",
				Help: "Retry attempts scheduled by failed provider",
			},
			[]string{"provider"},
		),
		DeadLetteredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sms_dead_lettered_total",
				Help: "Requests moved to the dead-letter list after retry exhaustion",
			},
		),
		RateLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_rejections_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"scope"},
		),
		ScheduledQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sms_scheduled_queue_depth",
				Help: "Number of retry dispatches waiting in the scheduler",
			},
		),
	}
}
