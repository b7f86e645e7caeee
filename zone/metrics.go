package zone

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/wasm-zones/task"
)

// Operation label values.
const (
	opExecute   = "execute"
	opBroadcast = "broadcast"
	opEval      = "eval"
)

var (
	zonesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wasmzones_zones_live",
			Help: "Number of zones constructed and not yet reclaimed.",
		},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wasmzones_calls_total",
			Help: "Completed zone operations by operation and result code.",
		},
		[]string{"op", "code"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wasmzones_call_duration_seconds",
			Help:    "Time from dispatch to callback, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wasmzones_bootstrap_duration_seconds",
			Help:    "Time to evaluate the standard library on every worker of a zone, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(zonesLive)
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(bootstrapDuration)
}

// observed wraps cb so the operation is counted when it completes.
func observed(op string, start time.Time, cb task.Callback) task.Callback {
	return func(r task.Result) {
		callsTotal.WithLabelValues(op, r.Code.String()).Inc()
		callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if cb != nil {
			cb(r)
		}
	}
}
