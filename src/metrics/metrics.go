// Package metrics contains support for reporting metrics to an external server,
// currently a Prometheus pushgateway. Because qsync runs as a transient process
// we can't wait around for Prometheus to call us, we've got to push to them.
package metrics

import (
	"fmt"
	"os/user"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/core"
)

var log = logging.MustGetLogger("metrics")

type metrics struct {
	url        string
	timeout    time.Duration
	registry   *prometheus.Registry
	newMetrics bool
	pushes     int
	mutex      sync.Mutex

	syncCounter, buildCounter, cacheCounter       *prometheus.CounterVec
	syncHistogram, buildHistogram, cacheHistogram *prometheus.HistogramVec
	cacheBytes                                    prometheus.Counter
}

// m is the singleton metrics instance.
var m *metrics

// InitFromConfig sets up the initial metrics from the configuration.
// Nothing is recorded unless a pushgateway is configured.
func InitFromConfig(config *core.Configuration) {
	if config.Metrics.PushGatewayURL != "" {
		m = initMetrics(config.Metrics.PushGatewayURL.String(), time.Duration(config.Metrics.PushTimeout))
	}
}

// initMetrics initialises a new metrics instance.
func initMetrics(url string, timeout time.Duration) *metrics {
	u, err := user.Current()
	if err != nil {
		log.Warning("Can't determine current user name for metrics")
		u = &user.User{Username: "unknown"}
	}
	constLabels := prometheus.Labels{
		"user": u.Username,
		"arch": runtime.GOOS + "_" + runtime.GOARCH,
	}
	m := &metrics{
		url:      url,
		timeout:  timeout,
		registry: prometheus.NewRegistry(),
	}
	m.syncCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "qsync_syncs",
		Help:        "Count of project syncs, by kind and outcome",
		ConstLabels: constLabels,
	}, []string{"kind", "success"})
	m.buildCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "qsync_dependency_builds",
		Help:        "Count of dependency builds, by outcome",
		ConstLabels: constLabels,
	}, []string{"success"})
	m.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "qsync_cache_artifacts",
		Help:        "Count of artifacts offered to the cache, by what happened to them",
		ConstLabels: constLabels,
	}, []string{"result"})
	m.syncHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "qsync_sync_durations_histogram",
		Help:        "Durations of project syncs",
		Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
		ConstLabels: constLabels,
	}, []string{"kind"})
	m.buildHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "qsync_build_durations_histogram",
		Help:        "Durations of dependency builds",
		Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
		ConstLabels: constLabels,
	}, []string{})
	m.cacheHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "qsync_cache_update_durations_histogram",
		Help:        "Durations of artifact cache updates",
		Buckets:     prometheus.LinearBuckets(0, 0.1, 100),
		ConstLabels: constLabels,
	}, []string{})
	m.cacheBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "qsync_cache_bytes_written",
		Help:        "Total bytes written into the artifact cache",
		ConstLabels: constLabels,
	})
	m.registry.MustRegister(m.syncCounter, m.buildCounter, m.cacheCounter,
		m.syncHistogram, m.buildHistogram, m.cacheHistogram, m.cacheBytes)
	return m
}

// Stop ensures the final metrics are sent before returning.
func Stop() {
	if m != nil {
		m.pushMetrics()
	}
}

// RecordSync records the outcome of a full or incremental sync.
func RecordSync(kind string, success bool, duration time.Duration) {
	if m != nil {
		m.recordSync(kind, success, duration)
	}
}

func (m *metrics) recordSync(kind string, success bool, duration time.Duration) {
	m.syncCounter.WithLabelValues(kind, b(success)).Inc()
	if success {
		m.syncHistogram.WithLabelValues(kind).Observe(duration.Seconds())
	}
	m.touch()
}

// RecordBuild records the outcome of a dependency build.
func RecordBuild(success bool, duration time.Duration) {
	if m != nil {
		m.recordBuild(success, duration)
	}
}

func (m *metrics) recordBuild(success bool, duration time.Duration) {
	m.buildCounter.WithLabelValues(b(success)).Inc()
	if success {
		m.buildHistogram.WithLabelValues().Observe(duration.Seconds())
	}
	m.touch()
}

// RecordCacheUpdate records the result of ingesting one build's outputs into the cache.
func RecordCacheUpdate(updated, unchanged, failed int, bytes uint64, duration time.Duration) {
	if m != nil {
		m.recordCacheUpdate(updated, unchanged, failed, bytes, duration)
	}
}

func (m *metrics) recordCacheUpdate(updated, unchanged, failed int, bytes uint64, duration time.Duration) {
	m.cacheCounter.WithLabelValues("updated").Add(float64(updated))
	m.cacheCounter.WithLabelValues("unchanged").Add(float64(unchanged))
	m.cacheCounter.WithLabelValues("failed").Add(float64(failed))
	m.cacheBytes.Add(float64(bytes))
	m.cacheHistogram.WithLabelValues().Observe(duration.Seconds())
	m.touch()
}

func (m *metrics) touch() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.newMetrics = true
}

func b(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

// deadline applies a deadline to an arbitrary function and returns when either the function
// completes or the deadline expires.
func deadline(f func() error, timeout time.Duration) error {
	c := make(chan error, 1)
	go func() {
		c <- f()
	}()
	select {
	case err := <-c:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("metrics push timed out")
	}
}

// pushMetrics attempts to send any new metrics to the server. It returns true if it pushed.
func (m *metrics) pushMetrics() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.newMetrics {
		return false
	}
	start := time.Now()
	if err := deadline(func() error {
		return push.New(m.url, "qsync").Gatherer(m.registry).Grouping("instance", hostname()).Add()
	}, m.timeout); err != nil {
		log.Warning("Could not push metrics to the repository: %s", err)
		return false
	}
	m.newMetrics = false
	m.pushes++
	log.Debug("Push #%d of metrics in %0.3fs", m.pushes, time.Since(start).Seconds())
	return true
}
