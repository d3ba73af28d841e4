package wayfinder

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RoutingStrategy picks one gateway from a non-empty candidate pool. A
// strategy must behave as a pure function of (pool, path, subdomain);
// stateful strategies keep their state internally.
type RoutingStrategy interface {
	Pick(ctx context.Context, pool []GatewayInfo, path, subdomain string) (GatewayInfo, error)
}

// GatewaySelector filters the pool by health, honors the engine's
// exclusion list, and delegates the final pick to the routing strategy.
type GatewaySelector struct {
	pool     *GatewayPool
	health   *HealthRegistry
	temps    *TemperatureStore
	strategy RoutingStrategy

	retryAttempts int
	retryDelay    time.Duration
	metrics       *Metrics
	logger        *zap.Logger
}

// NewGatewaySelector wires the selection substrate together
func NewGatewaySelector(pool *GatewayPool, health *HealthRegistry, temps *TemperatureStore, strategy RoutingStrategy, retryAttempts int, retryDelay time.Duration, metrics *Metrics, logger *zap.Logger) *GatewaySelector {
	return &GatewaySelector{
		pool:          pool,
		health:        health,
		temps:         temps,
		strategy:      strategy,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
		metrics:       metrics,
		logger:        logger,
	}
}

// Select picks a gateway outside the exclusion set. Healthy gateways are
// preferred; when exclusions empty that set the unhealthy remainder is
// tried, then the full pool. Attempts back off linearly.
func (s *GatewaySelector) Select(ctx context.Context, path, subdomain string, exclude map[string]bool) (GatewayInfo, error) {
	pool, err := s.pool.AllGateways(ctx)
	if err != nil {
		return GatewayInfo{}, err
	}
	if len(pool) == 0 {
		return GatewayInfo{}, &NoHealthyGatewaysError{}
	}

	var lastErr error
	for attempt := 0; attempt <= s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return GatewayInfo{}, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt+1)):
			}
		}

		candidates, widened := s.candidates(pool, exclude)
		if len(candidates) == 0 {
			lastErr = &NoHealthyGatewaysError{PoolSize: len(pool), Excluded: len(exclude)}
			continue
		}

		gw, err := s.strategy.Pick(ctx, candidates, path, subdomain)
		if err != nil {
			lastErr = err
			continue
		}
		if s.metrics != nil {
			s.metrics.selections.WithLabelValues(widened).Inc()
		}
		return gw, nil
	}

	if lastErr == nil {
		lastErr = &NoHealthyGatewaysError{PoolSize: len(pool), Excluded: len(exclude)}
	}
	return GatewayInfo{}, lastErr
}

// candidates applies health filtering and exclusion, widening in steps:
// healthy minus excluded, then unhealthy minus excluded, then the full pool.
func (s *GatewaySelector) candidates(pool []GatewayInfo, exclude map[string]bool) ([]GatewayInfo, string) {
	healthy := s.health.FilterHealthy(pool)
	if out := minusExcluded(healthy, exclude); len(out) > 0 {
		return out, "healthy"
	}
	if out := minusExcluded(pool, exclude); len(out) > 0 {
		s.logger.Debug("no healthy gateways left, widening to unhealthy pool",
			zap.Int("pool", len(pool)),
			zap.Int("excluded", len(exclude)))
		return out, "unhealthy"
	}
	s.logger.Warn("every gateway excluded, widening to full pool",
		zap.Int("pool", len(pool)))
	return pool, "full_pool"
}

// PoolSize returns the size of the current routing pool
func (s *GatewaySelector) PoolSize(ctx context.Context) int {
	pool, err := s.pool.AllGateways(ctx)
	if err != nil {
		return 0
	}
	return len(pool)
}

// ReportSuccess records a successful interaction with a gateway
func (s *GatewaySelector) ReportSuccess(origin string, latency time.Duration) {
	s.health.MarkHealthy(origin)
	s.temps.RecordSuccess(origin, latency)
}

// ReportFailure records a failed interaction; verification faults take
// the heavier health penalty, while temperature records one failed sample
// either way.
func (s *GatewaySelector) ReportFailure(origin string, verification bool) {
	if verification {
		s.health.RecordVerificationFailure(origin)
	} else {
		s.health.RecordFailure(origin, 1)
	}
	s.temps.RecordFailure(origin)
}

func minusExcluded(pool []GatewayInfo, exclude map[string]bool) []GatewayInfo {
	if len(exclude) == 0 {
		return pool
	}
	out := make([]GatewayInfo, 0, len(pool))
	for _, gw := range pool {
		if !exclude[gw.Origin] {
			out = append(out, gw)
		}
	}
	return out
}

// newRoutingStrategy builds the configured strategy
func newRoutingStrategy(name RoutingStrategyName, temps *TemperatureStore, registry *registryClient, logger *zap.Logger) RoutingStrategy {
	switch name {
	case StrategyFastest:
		return &fastestStrategy{registry: registry, concurrency: 10, timeout: time.Second, logger: logger}
	case StrategyRandom:
		return randomStrategy{}
	case StrategyRoundRobin:
		return &roundRobinStrategy{}
	default:
		return &temperatureStrategy{temps: temps}
	}
}

// temperatureStrategy draws by temperature score, uniform when untracked
type temperatureStrategy struct {
	temps *TemperatureStore
}

func (s *temperatureStrategy) Pick(_ context.Context, pool []GatewayInfo, _, _ string) (GatewayInfo, error) {
	gw, ok := s.temps.SelectWeighted(pool)
	if !ok {
		return GatewayInfo{}, &NoHealthyGatewaysError{}
	}
	return gw, nil
}

// randomStrategy picks uniformly
type randomStrategy struct{}

func (randomStrategy) Pick(_ context.Context, pool []GatewayInfo, _, _ string) (GatewayInfo, error) {
	return pool[rand.Intn(len(pool))], nil
}

// roundRobinStrategy cycles through the pool with an internal counter
type roundRobinStrategy struct {
	counter atomic.Uint64
}

func (s *roundRobinStrategy) Pick(_ context.Context, pool []GatewayInfo, _, _ string) (GatewayInfo, error) {
	n := s.counter.Add(1) - 1
	return pool[n%uint64(len(pool))], nil
}

// fastestStrategy races concurrent HEAD probes; first responder wins
type fastestStrategy struct {
	registry    *registryClient
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

func (s *fastestStrategy) Pick(ctx context.Context, pool []GatewayInfo, _, _ string) (GatewayInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	probes := pool
	if len(probes) > s.concurrency {
		probes = probes[:s.concurrency]
	}

	winner := make(chan GatewayInfo, 1)
	var wg sync.WaitGroup
	for _, gw := range probes {
		wg.Add(1)
		go func(gw GatewayInfo) {
			defer wg.Done()
			if _, err := s.registry.Ping(probeCtx, gw.Origin, s.timeout); err != nil {
				s.logger.Debug("gateway ping failed",
					zap.String("gateway", gw.Origin),
					zap.Error(err))
				return
			}
			select {
			case winner <- gw:
				cancel()
			default:
			}
		}(gw)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case gw := <-winner:
		return gw, nil
	case <-done:
		// Nobody answered in time; fall back to the first candidate so a
		// fully timed-out probe round still yields a pick.
		select {
		case gw := <-winner:
			return gw, nil
		default:
		}
		return pool[0], nil
	case <-ctx.Done():
		return GatewayInfo{}, ctx.Err()
	}
}
