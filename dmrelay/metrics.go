package dmrelay

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"strconv"
	"time"
)

const (
	metricNamespace = "dmrelay"

	metricResultSuccess = "success"
	metricResultFailure = "failure"
	metricResultSkipped = "skipped"
)

// metrics holds the collectors for one DMRelay instance. Each instance
// has its own registry, so multiple instances (tests) don't collide.
type metrics struct {
	registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	bulkBatches      prometheus.Counter
	bulkDuration     prometheus.Histogram
	repliesIngested  prometheus.Counter
	liveSubscribers  prometheus.Gauge
	replyListeners   prometheus.Gauge
	storageDegraded  prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpInflight     prometheus.Gauge
	tokenSubmissions prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "messages_sent_total",
				Help:      "Direct messages by dispatch kind and result.",
			},
			[]string{"kind", "result"},
		),
		bulkBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "bulk_batches_total",
				Help:      "Bulk dispatch batches run.",
			},
		),
		bulkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "bulk_batch_duration_seconds",
				Help:      "Duration of bulk dispatch batches, including pauses.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		),
		repliesIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "replies_ingested_total",
				Help:      "Replies persisted and published to the live feed.",
			},
		),
		liveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "live_feed_subscribers",
				Help:      "Connected live feed subscribers.",
			},
		),
		replyListeners: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "reply_listeners",
				Help:      "Open discord gateway sessions listening for replies.",
			},
		),
		storageDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "storage_degraded",
				Help:      "1 if the in-memory fallback store is in use.",
			},
		),
		tokenSubmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "token_submissions_total",
				Help:      "Bot tokens received.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		httpInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      "http_requests_inflight",
				Help:      "In-flight HTTP requests.",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent,
		m.bulkBatches,
		m.bulkDuration,
		m.repliesIngested,
		m.liveSubscribers,
		m.replyListeners,
		m.storageDegraded,
		m.tokenSubmissions,
		m.httpRequests,
		m.httpDuration,
		m.httpInflight,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ginMetricsMiddleware records request counts and latency by the matched
// route (not the raw path), to keep label cardinality bounded
func ginMetricsMiddleware(m *metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.httpInflight.Inc()
		defer m.httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(
			method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
