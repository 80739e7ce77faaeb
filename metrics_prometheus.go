package pario

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver forwards every Observe* call into a small set of
// Prometheus collectors, so a consumer embedding a Reader can register
// go-pario's metrics alongside their own registry instead of polling
// Metrics.Snapshot().
type PrometheusObserver struct {
	requestsTotal *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	bytesRead     prometheus.Counter
	requestLatency *prometheus.HistogramVec
	stageWait     prometheus.Histogram
	stageTimeouts prometheus.Counter
	queueDepth    prometheus.Gauge
}

// NewPrometheusObserver creates an Observer whose collectors are
// registered with reg. Passing prometheus.NewRegistry() (rather than the
// global DefaultRegisterer) keeps multiple Readers in one process from
// colliding on metric names.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	o := &PrometheusObserver{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of Op requests dispatched to workers, by op kind.",
		}, []string{"op"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of Op requests that failed, by op kind.",
		}, []string{"op"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Total result bytes workers wrote into stages.",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Time a worker spent executing each Op, by op kind.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"op"}),
		stageWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_wait_seconds",
			Help:      "Time spent blocked in StagePool.Acquire.",
			Buckets:   prometheus.DefBuckets,
		}),
		stageTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_wait_timeouts_total",
			Help:      "Number of StagePool.Acquire calls that timed out.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Most recently observed ring-queue occupancy.",
		}),
	}
	reg.MustRegister(o.requestsTotal, o.requestErrors, o.bytesRead, o.requestLatency,
		o.stageWait, o.stageTimeouts, o.queueDepth)
	return o
}

func (o *PrometheusObserver) ObserveRequest(opKind string, bytes uint64, latency time.Duration, success bool) {
	o.requestsTotal.WithLabelValues(opKind).Inc()
	if !success {
		o.requestErrors.WithLabelValues(opKind).Inc()
	}
	o.bytesRead.Add(float64(bytes))
	o.requestLatency.WithLabelValues(opKind).Observe(latency.Seconds())
}

func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.queueDepth.Set(float64(depth))
}

func (o *PrometheusObserver) ObserveStageWait(latency time.Duration, timedOut bool) {
	o.stageWait.Observe(latency.Seconds())
	if timedOut {
		o.stageTimeouts.Inc()
	}
}

var _ Observer = (*PrometheusObserver)(nil)
