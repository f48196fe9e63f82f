package microthread

import "github.com/prometheus/client_golang/prometheus"

// Counter IDs, one per well-known instrumentation point in §4.G/§7.
// Named after the MT_ATTR_API call sites in original:epoll_proxy.cpp.
const (
	CounterFdLookupMiss      = "fd_lookup_miss"
	CounterKernelChannelErr  = "kernel_channel_error"
	CounterConflict          = "conflict"
	CounterTimeout           = "timeout"
	CounterHangup            = "hangup"
	CounterOOMSpawn          = "oom_spawn"
)

// Metrics wraps a CounterVec keyed by the IDs above. The core only
// increments; exporting to a monitoring backend is the embedder's job
// (§4.G), so Metrics exposes its Collector for registration.
type Metrics struct {
	counters *prometheus.CounterVec
}

// NewMetrics builds a fresh counter vector registered against reg. A
// nil registry is valid: the counters still work, they're simply not
// exposed via any /metrics endpoint. Each Scheduler gets its own
// Metrics rather than sharing prometheus.DefaultRegisterer, so that
// constructing more than one Scheduler in a process (or in a test
// binary) never panics on duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "microthread_events_total",
		Help: "Count of well-known micro-thread runtime events, by reason.",
	}, []string{"reason"})

	if reg != nil {
		reg.MustRegister(cv)
	}

	return &Metrics{counters: cv}
}

// Inc increments the named counter by one.
func (m *Metrics) Inc(reason string) {
	if m == nil {
		return
	}
	m.counters.WithLabelValues(reason).Inc()
}

// Collector exposes the underlying prometheus.Collector for embedding
// into an application-owned registry.
func (m *Metrics) Collector() prometheus.Collector { return m.counters }
