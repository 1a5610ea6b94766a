// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 网关指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 上游指标
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamFailovers       *prometheus.CounterVec
	tokensUsed              *prometheus.CounterVec
	amountSpent             *prometheus.CounterVec

	// 流式指标
	streamsActive     prometheus.Gauge
	streamTermination *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream chat requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	c.upstreamFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failovers_total",
			Help:      "Number of key failover attempts",
		},
		[]string{"provider"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens consumed",
		},
		[]string{"provider", "model", "kind"},
	)

	c.amountSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_spent_total",
			Help:      "Accumulated cost across all client tokens",
		},
		[]string{"provider", "model"},
	)

	c.streamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of SSE relays currently open",
		},
	)

	c.streamTermination = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_terminations_total",
			Help:      "Stream relay terminations by cause",
		},
		[]string{"cause"}, // done, eof, upstream_error, client_gone
	)

	return c
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpstreamRequest 记录一次上游请求
func (c *Collector) RecordUpstreamRequest(provider, model, status string, duration time.Duration) {
	c.upstreamRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.upstreamRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordFailover 记录一次密钥切换
func (c *Collector) RecordFailover(provider string) {
	c.upstreamFailovers.WithLabelValues(provider).Inc()
}

// RecordTokens 记录 token 消耗与费用
func (c *Collector) RecordTokens(provider, model string, prompt, completion int, amount float64) {
	c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	if amount > 0 {
		c.amountSpent.WithLabelValues(provider, model).Add(amount)
	}
}

// StreamOpened / StreamClosed 维护活跃流计数
func (c *Collector) StreamOpened() { c.streamsActive.Inc() }

// StreamClosed 记录一次流结束及其原因
func (c *Collector) StreamClosed(cause string) {
	c.streamsActive.Dec()
	c.streamTermination.WithLabelValues(cause).Inc()
}
