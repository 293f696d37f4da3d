package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "envoy_geoip"

	OK       = "OK"
	ERROR    = "ERROR"
	CONFLICT = "CONFLICT"
)

// Fetch results recorded by the refresh coordinator.
const (
	FetchPublished     = "published"
	FetchUnchanged     = "unchanged"
	FetchInvalidURL    = "invalid_url"
	FetchDispatchError = "dispatch_error"
	FetchCallError     = "call_error"
	FetchBadStatus     = "bad_status"
	FetchEmptyBody     = "empty_body"
	FetchStoreError    = "store_error"
)

// Poll results recorded by worker caches.
const (
	PollAbsent    = "absent"
	PollUnchanged = "unchanged"
	PollUpdated   = "updated"
	PollRejected  = "rejected"
	PollSkipped   = "skipped"
	PollError     = "error"
)

// Instrumentation publishes Prometheus metrics for the replication flow.
type Instrumentation struct {
	fetchTotals     *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	storeWrites     *prometheus.CounterVec
	pollTotals      *prometheus.CounterVec
	decodeDuration  *prometheus.HistogramVec
	cacheReady      prometheus.Gauge
	databaseVersion prometheus.Gauge
	databaseBuilt   prometheus.Gauge
	lookupTotals    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
}

// NewInstrumentation registers all metric vectors.
func NewInstrumentation(reg prometheus.Registerer) *Instrumentation {
	inst := &Instrumentation{
		fetchTotals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "fetches_total",
			Help:      "Database fetch attempts by upstream and result",
		}, []string{"upstream", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "fetch_duration_seconds",
			Help:      "Time between dispatching a fetch and receiving its response",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"upstream", "result"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Shared store writes by backend and result",
		}, []string{"store", "result"}),
		pollTotals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "polls_total",
			Help:      "Shared store polls by backend and result",
		}, []string{"store", "result"}),
		decodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "decode_duration_seconds",
			Help:      "Time spent decoding database blobs",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"result"}),
		cacheReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cache_ready",
			Help:      "1 when the worker serves a decoded database, 0 while pending",
		}),
		databaseVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "database_version",
			Help:      "Shared store version of the database currently served",
		}),
		databaseBuilt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "database_build_timestamp_seconds",
			Help:      "Build time of the database currently served",
		}),
		lookupTotals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Per-request lookup outcomes",
		}, []string{"authority", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end check latency",
			Buckets:   []float64{.00005, .0001, .0005, .001, .002, .005, .01, .025, .05, .1},
		}, []string{"authority", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Active check requests",
		}, []string{"authority"}),
	}

	reg.MustRegister(
		inst.fetchTotals,
		inst.fetchDuration,
		inst.storeWrites,
		inst.pollTotals,
		inst.decodeDuration,
		inst.cacheReady,
		inst.databaseVersion,
		inst.databaseBuilt,
		inst.lookupTotals,
		inst.requestDuration,
		inst.inFlight,
	)
	return inst
}

// InFlight increments or decrements the in-flight gauge.
func (i *Instrumentation) InFlight(authority string, delta float64) {
	if i == nil {
		return
	}

	if delta == 0 {
		return
	}
	if delta > 0 {
		i.inFlight.WithLabelValues(authority).Add(delta)
		return
	}
	i.inFlight.WithLabelValues(authority).Sub(-delta)
}

// ObserveFetch counts a fetch attempt. A zero duration means the call never
// went out and no latency is recorded.
func (i *Instrumentation) ObserveFetch(upstream, result string, duration time.Duration) {
	if i == nil {
		return
	}
	i.fetchTotals.WithLabelValues(upstream, result).Inc()
	if duration > 0 {
		i.fetchDuration.WithLabelValues(upstream, result).Observe(duration.Seconds())
	}
}

// ObserveStoreWrite counts a shared store write.
func (i *Instrumentation) ObserveStoreWrite(store, result string) {
	if i == nil {
		return
	}
	i.storeWrites.WithLabelValues(store, result).Inc()
}

// ObservePoll counts a worker poll of the shared store.
func (i *Instrumentation) ObservePoll(store, result string) {
	if i == nil {
		return
	}
	i.pollTotals.WithLabelValues(store, result).Inc()
}

// ObserveDecode records how long decoding a blob took.
func (i *Instrumentation) ObserveDecode(success bool, duration time.Duration) {
	if i == nil {
		return
	}
	result := ERROR
	if success {
		result = OK
	}
	i.decodeDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveDatabase records the database a worker switched to.
func (i *Instrumentation) ObserveDatabase(version uint64, built time.Time) {
	if i == nil {
		return
	}
	i.cacheReady.Set(1)
	i.databaseVersion.Set(float64(version))
	i.databaseBuilt.Set(float64(built.Unix()))
}

// ObserveLookup counts a per-request lookup outcome and its latency.
func (i *Instrumentation) ObserveLookup(authority, outcome string, duration time.Duration) {
	if i == nil {
		return
	}
	i.lookupTotals.WithLabelValues(authority, outcome).Inc()
	i.requestDuration.WithLabelValues(authority, outcome).Observe(duration.Seconds())
}
