// Package metrics exposes Prometheus instrumentation for workflows, stages,
// the cache and the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records every metric the service exports. It satisfies the
// orchestrator's Metrics interface.
type Collector struct {
	// Workflow metrics
	workflowsSubmitted prometheus.Counter
	workflowsRejected  *prometheus.CounterVec
	workflowsFinished  *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	workflowsRunning   prometheus.Gauge
	workflowsQueued    prometheus.Gauge

	// Stage metrics
	agentExecutions *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	agentRetries    *prometheus.CounterVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	wsConnections       prometheus.Gauge

	registerer prometheus.Registerer
	namespace  string
	logger     *zap.Logger
}

// NewCollector registers the collector's metrics with reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		registerer: reg,
		namespace:  namespace,
		logger:     logger.With(zap.String("component", "metrics")),
	}

	c.workflowsSubmitted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_submitted_total",
		Help:      "Total number of accepted workflow submissions",
	})
	c.workflowsRejected = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_rejected_total",
		Help:      "Total number of rejected workflow submissions",
	}, []string{"reason"})
	c.workflowsFinished = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_finished_total",
		Help:      "Total number of workflows reaching a terminal state",
	}, []string{"status"})
	c.workflowDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_duration_seconds",
		Help:      "Time from admission to terminal state",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"status"})
	c.workflowsRunning = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflows_running",
		Help:      "Workflows currently holding a concurrency slot",
	})
	c.workflowsQueued = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workflows_queued",
		Help:      "Workflows waiting for a concurrency slot",
	})

	c.agentExecutions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_executions_total",
		Help:      "Total number of stage executions by outcome",
	}, []string{"agent_kind", "status", "error_class"})
	c.agentDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_execution_duration_seconds",
		Help:      "Stage execution time including retries",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"agent_kind"})
	c.agentRetries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_retries_total",
		Help:      "Total number of stage retries",
	}, []string{"agent_kind", "error_class"})

	c.cacheHits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of stage cache hits",
	}, []string{"agent_kind"})
	c.cacheMisses = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of stage cache misses",
	}, []string{"agent_kind"})

	c.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
	c.wsConnections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_connections",
		Help:      "Open progress WebSocket connections",
	})

	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c
}

// CacheLookup implements pipeline.Observer.
func (c *Collector) CacheLookup(k pipeline.Kind, hit bool) {
	if hit {
		c.cacheHits.WithLabelValues(string(k)).Inc()
		return
	}
	c.cacheMisses.WithLabelValues(string(k)).Inc()
}

// AgentRetry implements pipeline.Observer.
func (c *Collector) AgentRetry(k pipeline.Kind, class pipeline.ErrorClass) {
	c.agentRetries.WithLabelValues(string(k), string(class)).Inc()
}

// AgentFinished implements pipeline.Observer.
func (c *Collector) AgentFinished(k pipeline.Kind, status pipeline.Status, class pipeline.ErrorClass, elapsed float64) {
	c.agentExecutions.WithLabelValues(string(k), string(status), string(class)).Inc()
	c.agentDuration.WithLabelValues(string(k)).Observe(elapsed)
}

func (c *Collector) WorkflowSubmitted() { c.workflowsSubmitted.Inc() }

func (c *Collector) WorkflowRejected(reason string) {
	c.workflowsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) WorkflowFinished(status pipeline.Status, seconds float64) {
	c.workflowsFinished.WithLabelValues(string(status)).Inc()
	c.workflowDuration.WithLabelValues(string(status)).Observe(seconds)
}

func (c *Collector) SetActive(running, queued int) {
	c.workflowsRunning.Set(float64(running))
	c.workflowsQueued.Set(float64(queued))
}

// RecordHTTPRequest records one served request. path should be the route
// pattern, not the raw URL, to bound label cardinality.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// WebSocketOpened and WebSocketClosed track live progress streams.
func (c *Collector) WebSocketOpened() { c.wsConnections.Inc() }
func (c *Collector) WebSocketClosed() { c.wsConnections.Dec() }

// WatchDropped exports a counter read from fn, typically the progress
// broadcaster's drop count.
func (c *Collector) WatchDropped(fn func() int64) {
	c.registerer.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      "progress_events_dropped_total",
		Help:      "Progress events dropped for slow subscribers",
	}, func() float64 { return float64(fn()) }))
}
