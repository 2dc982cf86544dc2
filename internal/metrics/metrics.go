package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for the credit service.
type Collector struct {
	registry *prometheus.Registry

	creditsAdded      *prometheus.CounterVec
	creditsConsumed   prometheus.Counter
	consumeRejections *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	usageQueueDepth   prometheus.Gauge
	usageDropped      prometheus.Counter
}

// NewCollector registers the credit service instruments on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		creditsAdded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credits_added_total",
			Help: "Credits added to accounts, by transaction type.",
		}, []string{"type"}),
		creditsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Credits successfully debited from accounts.",
		}),
		consumeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_consume_rejections_total",
			Help: "Rejected consume attempts, by reason.",
		}, []string{"reason"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		usageQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "usage_recorder_queue_depth",
			Help: "Usage events queued for asynchronous consumption.",
		}),
		usageDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "usage_recorder_rejected_total",
			Help: "Usage events rejected because the recorder queue was full.",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CreditsAdded records a successful add of amount credits with the given type.
func (c *Collector) CreditsAdded(typ string, amount float64) {
	c.creditsAdded.WithLabelValues(typ).Add(amount)
}

// CreditsConsumed records a successful debit of amount credits.
func (c *Collector) CreditsConsumed(amount float64) {
	c.creditsConsumed.Add(amount)
}

// ConsumeRejected records a rejected consume attempt.
func (c *Collector) ConsumeRejected(reason string) {
	c.consumeRejections.WithLabelValues(reason).Inc()
}

// ObserveRequest records one HTTP request observation.
func (c *Collector) ObserveRequest(route, status string, elapsed time.Duration) {
	c.requestDuration.WithLabelValues(route, status).Observe(elapsed.Seconds())
}

// SetUsageQueueDepth reports the current recorder queue depth.
func (c *Collector) SetUsageQueueDepth(n int) {
	c.usageQueueDepth.Set(float64(n))
}

// UsageDropped records a usage event rejected at enqueue time.
func (c *Collector) UsageDropped() {
	c.usageDropped.Inc()
}
