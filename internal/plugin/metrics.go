package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the kernel's Prometheus collectors on a private registry,
// so independent kernels never fight over collector registration. A nil
// *Metrics is legal everywhere; the record helpers are no-ops on nil.
type Metrics struct {
	registry *prometheus.Registry

	loads           *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	sandboxFailures prometheus.Counter
	ceilingBreaches prometheus.Counter
	pluginsLoaded   prometheus.Gauge
}

// NewMetrics creates the kernel collectors on a fresh private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantflow_plugin_loads_total",
			Help: "Plugin load attempts by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantflow_plugin_transitions_total",
			Help: "Lifecycle transitions by target state.",
		}, []string{"state"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_resolver_cache_hits_total",
			Help: "Resolver cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_resolver_cache_misses_total",
			Help: "Resolver cache misses.",
		}),
		sandboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_sandbox_failures_total",
			Help: "Sandboxed hook executions that returned an error or panicked.",
		}),
		ceilingBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantflow_resource_ceiling_breaches_total",
			Help: "Observed samples above a plugin's declared resource ceiling.",
		}),
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantflow_plugins_loaded",
			Help: "Plugins currently in a loaded state.",
		}),
	}
	m.registry.MustRegister(
		m.loads, m.transitions, m.cacheHits, m.cacheMisses,
		m.sandboxFailures, m.ceilingBreaches, m.pluginsLoaded,
	)
	return m
}

// Registry exposes the private registry for a metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) recordLoad(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.loads.WithLabelValues(result).Inc()
}

func (m *Metrics) recordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// OnCacheHit and OnCacheMiss satisfy resolver.Observer so a resolver can
// feed these counters directly.
func (m *Metrics) OnCacheHit()  { m.recordCache(true) }
func (m *Metrics) OnCacheMiss() { m.recordCache(false) }

func (m *Metrics) recordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) recordSandboxFailure() {
	if m == nil {
		return
	}
	m.sandboxFailures.Inc()
}

func (m *Metrics) recordCeilingBreach() {
	if m == nil {
		return
	}
	m.ceilingBreaches.Inc()
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.pluginsLoaded.Set(float64(n))
}
