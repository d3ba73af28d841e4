package wayfinder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NameResolver maps ArNS names to txIds by asking the top-staked trust
// anchors concurrently and requiring a quorum to agree.
type NameResolver struct {
	pool     *GatewayPool
	registry *registryClient

	gatewayCount int
	threshold    int
	timeout      time.Duration
	defaultTTL   time.Duration

	mu      sync.RWMutex
	cache   map[string]*ResolvedName
	expires map[string]time.Time

	metrics *Metrics
	logger  *zap.Logger
}

// NewNameResolver builds the consensus resolver
func NewNameResolver(pool *GatewayPool, registry *registryClient, gatewayCount, threshold int, timeout, defaultTTL time.Duration, metrics *Metrics, logger *zap.Logger) *NameResolver {
	if gatewayCount < threshold {
		gatewayCount = threshold
	}
	return &NameResolver{
		pool:         pool,
		registry:     registry,
		gatewayCount: gatewayCount,
		threshold:    threshold,
		timeout:      timeout,
		defaultTTL:   defaultTTL,
		cache:        make(map[string]*ResolvedName),
		expires:      make(map[string]time.Time),
		metrics:      metrics,
		logger:       logger,
	}
}

// Resolve returns the consensus txId for a name, serving from cache while
// the gateway-supplied ttl holds.
func (r *NameResolver) Resolve(ctx context.Context, name string) (*ResolvedName, error) {
	if cached := r.cached(name); cached != nil {
		return cached, nil
	}

	anchors, err := r.pool.TopStaked(ctx, r.gatewayCount)
	if err != nil {
		return nil, err
	}

	resolved, err := r.resolveWithConsensus(ctx, name, anchors)
	if err != nil {
		if r.metrics != nil {
			if _, ok := err.(*ConsensusError); ok {
				r.metrics.consensusFailures.Inc()
			}
		}
		return nil, err
	}

	ttl := resolved.TTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	r.mu.Lock()
	r.cache[name] = resolved
	r.expires[name] = time.Now().Add(ttl)
	r.mu.Unlock()

	return resolved, nil
}

// Invalidate drops a cached name, e.g. after a moderation event
func (r *NameResolver) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
	delete(r.expires, name)
}

func (r *NameResolver) cached(name string) *ResolvedName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolved, ok := r.cache[name]
	if !ok || time.Now().After(r.expires[name]) {
		return nil
	}
	return resolved
}

type anchorAnswer struct {
	origin string
	txID   string
	ttl    time.Duration
	err    error
}

// resolveWithConsensus queries every anchor concurrently and accepts the
// name as soon as threshold anchors agree on a txId. Disagreement across
// the full response set is a ConsensusError; too few responses inside the
// budget is a ResolutionTimeout.
func (r *NameResolver) resolveWithConsensus(ctx context.Context, name string, anchors []GatewayInfo) (*ResolvedName, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	answers := make(chan anchorAnswer, len(anchors))
	for _, anchor := range anchors {
		go func(origin string) {
			txID, ttl, err := r.registry.ResolveName(ctx, origin, name)
			answers <- anchorAnswer{origin: origin, txID: txID, ttl: ttl, err: err}
		}(anchor.Origin)
	}

	votes := make(map[string][]string)  // txId -> agreeing origins
	observed := make(map[string]string) // origin -> txId
	var ttl time.Duration
	responses := 0

	for i := 0; i < len(anchors); i++ {
		select {
		case <-ctx.Done():
			return nil, &ResolutionTimeout{Name: name, Responses: responses, Required: r.threshold}
		case a := <-answers:
			if a.err != nil {
				r.logger.Debug("anchor resolution failed",
					zap.String("name", name),
					zap.String("anchor", a.origin),
					zap.Error(a.err))
				continue
			}
			responses++
			observed[a.origin] = a.txID
			votes[a.txID] = append(votes[a.txID], a.origin)
			if a.ttl > 0 && (ttl == 0 || a.ttl < ttl) {
				ttl = a.ttl
			}
			if len(votes[a.txID]) >= r.threshold {
				return &ResolvedName{
					Name:       name,
					TxID:       a.txID,
					TTL:        ttl,
					ResolvedBy: votes[a.txID],
					ResolvedAt: time.Now(),
				}, nil
			}
		}
	}

	if responses < r.threshold {
		return nil, &ResolutionTimeout{Name: name, Responses: responses, Required: r.threshold}
	}
	return nil, &ConsensusError{Name: name, Observed: observed}
}
