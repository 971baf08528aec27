package metrics

import (
	"testing"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

func TestCollector_Workflows(t *testing.T) {
	c, _ := newTestCollector(t)

	c.WorkflowSubmitted()
	c.WorkflowSubmitted()
	c.WorkflowRejected("capacity")
	c.WorkflowFinished(pipeline.StatusCompleted, 12)
	c.SetActive(3, 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsRejected.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsFinished.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workflowsRunning))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.workflowsQueued))
}

func TestCollector_Observer(t *testing.T) {
	c, _ := newTestCollector(t)
	var obs pipeline.Observer = c

	obs.CacheLookup(pipeline.KindNews, true)
	obs.CacheLookup(pipeline.KindNews, false)
	obs.CacheLookup(pipeline.KindNews, false)
	obs.AgentRetry(pipeline.KindNews, pipeline.ClassTransient)
	obs.AgentFinished(pipeline.KindNews, pipeline.StatusFailed, pipeline.ClassTransient, 1.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("news")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("news")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentRetries.WithLabelValues("news", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentExecutions.WithLabelValues("news", "failed", "transient")))
}

func TestCollector_HTTPAndWebSocket(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordHTTPRequest("GET", "/api/health", 200, 5*time.Millisecond)
	c.WebSocketOpened()
	c.WebSocketOpened()
	c.WebSocketClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.wsConnections))
	assert.Greater(t, testutil.CollectAndCount(c.httpRequestDuration), 0)
}

func TestCollector_WatchDropped(t *testing.T) {
	c, reg := newTestCollector(t)
	var dropped int64 = 4
	c.WatchDropped(func() int64 { return dropped })

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "test_progress_events_dropped_total" {
			found = true
			assert.Equal(t, 4.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "dropped counter not exported")
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors on distinct registries must not collide.
	assert.NotPanics(t, func() {
		newTestCollector(t)
		newTestCollector(t)
	})
}
