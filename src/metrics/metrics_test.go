package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

const unreachable = "http://localhost:1"

func TestNoMetrics(t *testing.T) {
	m := initMetrics(unreachable, time.Second)
	assert.False(t, m.pushMetrics(), "Shouldn't push when there aren't metrics")
	assert.Equal(t, 0, m.pushes)
}

func TestFailedPushIsRetried(t *testing.T) {
	m := initMetrics(unreachable, time.Second)
	m.recordBuild(true, time.Second)
	assert.False(t, m.pushMetrics())
	assert.True(t, m.newMetrics, "Metrics should still be pending after a failed push")
}

func TestPush(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := initMetrics(srv.URL, 5*time.Second)
	m.recordSync("full", true, 3*time.Second)
	m.recordSync("delta", false, time.Second)
	m.recordCacheUpdate(3, 2, 1, 1024, time.Millisecond)
	assert.True(t, m.pushMetrics())
	assert.EqualValues(t, 1, atomic.LoadInt32(&requests))
	assert.False(t, m.pushMetrics(), "Nothing new to push")
	assert.Equal(t, 1, m.pushes)
}

func TestCounters(t *testing.T) {
	m := initMetrics(unreachable, time.Second)
	m.recordSync("full", true, time.Second)
	m.recordSync("full", true, time.Second)
	m.recordSync("delta", false, time.Second)
	m.recordBuild(false, time.Second)
	m.recordCacheUpdate(3, 2, 1, 1024, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncCounter.WithLabelValues("full", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncCounter.WithLabelValues("delta", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.buildCounter.WithLabelValues("false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheCounter.WithLabelValues("updated")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.cacheBytes))
}

func TestGlobalFunctionsAreSafeWithoutInit(t *testing.T) {
	RecordSync("full", true, time.Second)
	RecordBuild(true, time.Second)
	RecordCacheUpdate(1, 0, 0, 1, time.Second)
	Stop()
}
