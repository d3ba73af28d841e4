package wayfinder

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Verification failures weigh heavier than availability failures: a bad
// digest may mean a misbehaving gateway, not a transiently unreachable one.
const verificationFailureWeight = 3

// NewHealthRegistry creates a bounded per-gateway health registry
func NewHealthRegistry(maxEntries, threshold int, healthTTL, resetAfter time.Duration, logger *zap.Logger) *HealthRegistry {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &HealthRegistry{
		entries:    make(map[string]*healthRecord),
		maxEntries: maxEntries,
		threshold:  threshold,
		healthTTL:  healthTTL,
		resetAfter: resetAfter,
		logger:     logger,
	}
}

// IsHealthy reports whether a gateway should be offered for selection.
// Unknown gateways and gateways whose record has aged out are healthy by
// default. A gateway with an open circuit is unhealthy until the open
// interval elapses; after that it is half-open and reported healthy until
// the next recorded outcome closes or re-opens the circuit.
func (r *HealthRegistry) IsHealthy(origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[origin]
	if !ok {
		return true
	}
	if r.expired(rec) {
		delete(r.entries, origin)
		return true
	}
	if rec.circuitOpen {
		// Half-open once the interval elapses: allow a trial request.
		return time.Now().After(rec.circuitOpenUntil)
	}
	return rec.healthy
}

// FilterHealthy returns the subset of gateways currently considered healthy
func (r *HealthRegistry) FilterHealthy(gateways []GatewayInfo) []GatewayInfo {
	out := make([]GatewayInfo, 0, len(gateways))
	for _, gw := range gateways {
		if r.IsHealthy(gw.Origin) {
			out = append(out, gw)
		}
	}
	return out
}

// MarkHealthy records a successful interaction and resets the record
func (r *HealthRegistry) MarkHealthy(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(origin)
	rec.healthy = true
	rec.failures = 0
	rec.circuitOpen = false
	rec.circuitOpenUntil = time.Time{}
	rec.lastChecked = time.Now()
	r.pruneLocked()
}

// RecordFailure adds weight failures to a gateway and opens the circuit
// once the threshold is crossed. A failure while half-open re-opens the
// circuit immediately.
func (r *HealthRegistry) RecordFailure(origin string, weight int) {
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(origin)
	now := time.Now()
	halfOpen := rec.circuitOpen && now.After(rec.circuitOpenUntil)

	rec.failures += weight
	rec.lastChecked = now

	if halfOpen || rec.failures >= r.threshold {
		rec.healthy = false
		rec.circuitOpen = true
		rec.circuitOpenUntil = now.Add(r.resetAfter)
		r.logger.Debug("circuit opened",
			zap.String("gateway", origin),
			zap.Int("failures", rec.failures),
			zap.Time("open_until", rec.circuitOpenUntil))
	}
	r.pruneLocked()
}

// RecordVerificationFailure applies the weighted verification penalty
func (r *HealthRegistry) RecordVerificationFailure(origin string) {
	r.RecordFailure(origin, verificationFailureWeight)
}

// MarkUnhealthy force-opens the circuit for the given duration
func (r *HealthRegistry) MarkUnhealthy(origin string, d time.Duration) {
	if d <= 0 {
		d = r.resetAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.record(origin)
	rec.healthy = false
	rec.circuitOpen = true
	rec.circuitOpenUntil = time.Now().Add(d)
	rec.lastChecked = time.Now()
	r.pruneLocked()
}

// Snapshot returns a copy of one gateway's record
func (r *HealthRegistry) Snapshot(origin string) (GatewayHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[origin]
	if !ok || r.expired(rec) {
		return GatewayHealth{}, false
	}
	return GatewayHealth{
		Healthy:          rec.healthy,
		LastChecked:      rec.lastChecked,
		Failures:         rec.failures,
		CircuitOpen:      rec.circuitOpen,
		CircuitOpenUntil: rec.circuitOpenUntil,
	}, true
}

// Len returns the number of tracked gateways
func (r *HealthRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops every record
func (r *HealthRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*healthRecord)
}

func (r *HealthRegistry) record(origin string) *healthRecord {
	rec, ok := r.entries[origin]
	if !ok {
		rec = &healthRecord{healthy: true, lastChecked: time.Now()}
		r.entries[origin] = rec
	}
	return rec
}

func (r *HealthRegistry) expired(rec *healthRecord) bool {
	return r.healthTTL > 0 && time.Since(rec.lastChecked) > r.healthTTL
}

// keepPriority ranks records for pruning; higher values are kept longer
func (r *HealthRegistry) keepPriority(rec *healthRecord, now time.Time) int {
	switch {
	case rec.circuitOpen && now.Before(rec.circuitOpenUntil):
		return 3
	case !rec.healthy:
		return 2
	case rec.failures > 0:
		return 1
	default:
		return 0
	}
}

// pruneLocked runs at most once per healthTTL, and on every write while
// the registry is over its cap. First pass drops records older than twice
// the TTL; if the registry is still over the cap the lowest-priority
// records go, oldest first within a priority.
func (r *HealthRegistry) pruneLocked() {
	now := time.Now()
	if r.healthTTL > 0 && now.Sub(r.lastPrune) < r.healthTTL && len(r.entries) <= r.maxEntries {
		return
	}
	r.lastPrune = now

	if r.healthTTL > 0 {
		for origin, rec := range r.entries {
			if now.Sub(rec.lastChecked) > 2*r.healthTTL {
				delete(r.entries, origin)
			}
		}
	}

	over := len(r.entries) - r.maxEntries
	if over <= 0 {
		return
	}

	type candidate struct {
		origin   string
		priority int
		checked  time.Time
	}
	candidates := make([]candidate, 0, len(r.entries))
	for origin, rec := range r.entries {
		candidates = append(candidates, candidate{origin, r.keepPriority(rec, now), rec.lastChecked})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].checked.Before(candidates[j].checked)
	})
	for i := 0; i < over; i++ {
		delete(r.entries, candidates[i].origin)
	}
	r.logger.Debug("pruned health registry",
		zap.Int("removed", over),
		zap.Int("remaining", len(r.entries)))
}
