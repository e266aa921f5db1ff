// Package metrics tracks the in-process counters an operator running the
// orchestrator as a long-lived daemon needs: violations by kind, proxy
// connections by verdict, and initialize/reset cycle counts. The counters
// are plain atomics for the one-shot CLI path; for daemon use, a
// Prometheus registry mirrors the same counters, grounded on
// jkaninda-akili's github.com/prometheus/client_golang wiring — the one
// repo in the retrieval pack with first-class Prometheus instrumentation.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the process's counters. The zero value is usable; use
// New to also obtain a populated *prometheus.Registry for daemon mode.
type Registry struct {
	violationsMu     sync.Mutex
	violationsByKind map[string]*atomic.Int64
	connectionsAllow atomic.Int64
	connectionsDeny  atomic.Int64
	initCycles       atomic.Int64
	resetCycles      atomic.Int64

	promViolations   *prometheus.CounterVec
	promConnections  *prometheus.CounterVec
	promInitCycles   prometheus.Counter
	promResetCycles  prometheus.Counter
	promReg          *prometheus.Registry
}

// New creates a Registry and its backing Prometheus collectors.
func New() *Registry {
	r := &Registry{
		violationsByKind: make(map[string]*atomic.Int64),
	}

	r.promViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandbox",
		Name:      "violations_total",
		Help:      "Violations recorded by the violation store, by kind.",
	}, []string{"kind"})

	r.promConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandbox",
		Name:      "proxy_connections_total",
		Help:      "Proxy connections handled, by verdict.",
	}, []string{"verdict"})

	r.promInitCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sandbox",
		Name:      "initialize_total",
		Help:      "Orchestrator Initialize calls that changed state.",
	})
	r.promResetCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sandbox",
		Name:      "reset_total",
		Help:      "Orchestrator Reset calls.",
	})

	r.promReg = prometheus.NewRegistry()
	r.promReg.MustRegister(r.promViolations, r.promConnections, r.promInitCycles, r.promResetCycles)

	return r
}

// PrometheusRegistry exposes the backing registry for an HTTP /metrics
// handler in daemon mode.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promReg
}

// RecordViolation increments the counter for a violation kind.
func (r *Registry) RecordViolation(kind string) {
	r.violationsMu.Lock()
	if r.violationsByKind == nil {
		r.violationsByKind = make(map[string]*atomic.Int64)
	}
	c, ok := r.violationsByKind[kind]
	if !ok {
		c = &atomic.Int64{}
		r.violationsByKind[kind] = c
	}
	r.violationsMu.Unlock()
	c.Add(1)
	if r.promViolations != nil {
		r.promViolations.WithLabelValues(kind).Inc()
	}
}

// RecordConnection increments the proxy connection counter for a verdict
// ("allow" or "deny").
func (r *Registry) RecordConnection(verdict string) {
	if verdict == "allow" {
		r.connectionsAllow.Add(1)
	} else {
		r.connectionsDeny.Add(1)
	}
	if r.promConnections != nil {
		r.promConnections.WithLabelValues(verdict).Inc()
	}
}

// RecordInitialize records an Initialize call that changed state.
func (r *Registry) RecordInitialize() {
	r.initCycles.Add(1)
	if r.promInitCycles != nil {
		r.promInitCycles.Inc()
	}
}

// RecordReset records a Reset call.
func (r *Registry) RecordReset() {
	r.resetCycles.Add(1)
	if r.promResetCycles != nil {
		r.promResetCycles.Inc()
	}
}

// Snapshot is a point-in-time read of the counters, for tests and
// non-Prometheus status output.
type Snapshot struct {
	ViolationsByKind    map[string]int64
	ConnectionsAllowed  int64
	ConnectionsDenied   int64
	InitializeCycles    int64
	ResetCycles         int64
}

// Snapshot returns the current counter values.
func (r *Registry) Snapshot() Snapshot {
	r.violationsMu.Lock()
	byKind := make(map[string]int64, len(r.violationsByKind))
	for k, c := range r.violationsByKind {
		byKind[k] = c.Load()
	}
	r.violationsMu.Unlock()
	return Snapshot{
		ViolationsByKind:   byKind,
		ConnectionsAllowed: r.connectionsAllow.Load(),
		ConnectionsDenied:  r.connectionsDeny.Load(),
		InitializeCycles:   r.initCycles.Load(),
		ResetCycles:        r.resetCycles.Load(),
	}
}
