package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ragchat"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	ChatTurns        *prometheus.CounterVec
	StreamChunks     prometheus.Counter
	RetrievalSeconds *prometheus.HistogramVec
	IngestedChunks   prometheus.Counter
	IngestJobs       *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		// Buckets: 5ms .. 60s, streaming responses land at the top
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),

		ChatTurns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by mode (sync|stream) and outcome",
		}, []string{"mode", "outcome"}),

		StreamChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Streamed increments forwarded to clients",
		}),

		RetrievalSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Query embedding plus index search latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "status"}),

		IngestedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_chunks_total",
			Help:      "Chunks embedded and written to an index",
		}),

		IngestJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_jobs_total",
			Help:      "Ingestion job transitions by status",
		}, []string{"status"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ChatTurn(mode, outcome string) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) StreamChunk() {
	if m == nil {
		return
	}
	m.StreamChunks.Inc()
}

func (m *Metrics) ObserveRetrieval(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RetrievalSeconds.WithLabelValues(mode, status).Observe(d.Seconds())
}

func (m *Metrics) AddIngestedChunks(n int) {
	if m == nil {
		return
	}
	m.IngestedChunks.Add(float64(n))
}

func (m *Metrics) IngestJob(status string) {
	if m == nil {
		return
	}
	m.IngestJobs.WithLabelValues(status).Inc()
}

func (m *Metrics) RateLimit(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}
