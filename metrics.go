package wayfinder

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the module's prometheus collectors
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge

	selections        *prometheus.CounterVec
	fetchFailures     *prometheus.CounterVec
	consensusFailures prometheus.Counter
	verifyDuration    prometheus.Histogram

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge
	cacheEntries   prometheus.Gauge

	poolGateways prometheus.Gauge
	poolFallback prometheus.Gauge
}

// NewMetrics creates the collector set
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "requests_total",
			Help:      "Total requests by classification and outcome",
		}, []string{"kind", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration by serve mode",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "in_flight_requests",
			Help:      "Requests currently being served",
		}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "gateway_selections_total",
			Help:      "Gateway selections by candidate tier",
		}, []string{"tier"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "fetch_failures_total",
			Help:      "Failed fetch attempts by fault class",
		}, []string{"fault"}),
		consensusFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "consensus_failures_total",
			Help:      "ArNS resolutions that failed to reach consensus",
		}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "verification_duration_seconds",
			Help:      "Duration of content verification",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "cache_hits_total",
			Help:      "Content cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "cache_misses_total",
			Help:      "Content cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "cache_evictions_total",
			Help:      "Content cache evictions",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "cache_size_bytes",
			Help:      "Bytes currently held by the content cache",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "cache_entries",
			Help:      "Entries currently held by the content cache",
		}),
		poolGateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "pool_gateways",
			Help:      "Gateways in the routing pool",
		}),
		poolFallback: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "caddy",
			Subsystem: "wayfinder",
			Name:      "pool_fallback",
			Help:      "1 while the pool is serving the static fallback list",
		}),
	}
}

var (
	globalMetrics           *Metrics
	globalMetricsMu         sync.Mutex
	globalMetricsRefs       int
	globalMetricsRegisterer prometheus.Registerer
)

// acquireGlobalMetrics returns a process-wide Metrics instance registered
// with the given registry. Each caller must pair it with
// releaseGlobalMetrics during cleanup.
func acquireGlobalMetrics(reg prometheus.Registerer) (*Metrics, error) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if globalMetrics == nil || globalMetricsRegisterer != reg {
		metrics := NewMetrics()
		if err := metrics.registerWith(reg); err != nil {
			return nil, err
		}
		globalMetrics = metrics
		globalMetricsRegisterer = reg
	}

	globalMetricsRefs++
	return globalMetrics, nil
}

// releaseGlobalMetrics decrements the reference count and forgets the
// shared instance when no module instances remain.
func releaseGlobalMetrics() {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()

	if globalMetricsRefs > 0 {
		globalMetricsRefs--
	}
	if globalMetricsRefs == 0 {
		globalMetrics = nil
		globalMetricsRegisterer = nil
	}
}

// registerWith registers all collectors, adopting any that a previous
// instance already registered.
func (m *Metrics) registerWith(reg prometheus.Registerer) error {
	var err error
	if m.requests, err = registerCounterVec(reg, m.requests); err != nil {
		return err
	}
	if m.requestDuration, err = registerHistogramVec(reg, m.requestDuration); err != nil {
		return err
	}
	if m.inFlight, err = registerGauge(reg, m.inFlight); err != nil {
		return err
	}
	if m.selections, err = registerCounterVec(reg, m.selections); err != nil {
		return err
	}
	if m.fetchFailures, err = registerCounterVec(reg, m.fetchFailures); err != nil {
		return err
	}
	if m.consensusFailures, err = registerCounter(reg, m.consensusFailures); err != nil {
		return err
	}
	if m.verifyDuration, err = registerHistogram(reg, m.verifyDuration); err != nil {
		return err
	}
	if m.cacheHits, err = registerCounter(reg, m.cacheHits); err != nil {
		return err
	}
	if m.cacheMisses, err = registerCounter(reg, m.cacheMisses); err != nil {
		return err
	}
	if m.cacheEvictions, err = registerCounter(reg, m.cacheEvictions); err != nil {
		return err
	}
	if m.cacheSize, err = registerGauge(reg, m.cacheSize); err != nil {
		return err
	}
	if m.cacheEntries, err = registerGauge(reg, m.cacheEntries); err != nil {
		return err
	}
	if m.poolGateways, err = registerGauge(reg, m.poolGateways); err != nil {
		return err
	}
	if m.poolFallback, err = registerGauge(reg, m.poolFallback); err != nil {
		return err
	}
	return nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(prometheus.Counter)
			if !ok {
				return nil, fmt.Errorf("expected counter, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(prometheus.Gauge)
			if !ok {
				return nil, fmt.Errorf("expected gauge, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(prometheus.Histogram)
			if !ok {
				return nil, fmt.Errorf("expected histogram, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return hist, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("expected counter vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				return nil, fmt.Errorf("expected histogram vec, got %T", are.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return vec, nil
}
