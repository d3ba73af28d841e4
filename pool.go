package wayfinder

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	sourceNetwork     = "network"
	sourceStatic      = "static"
	sourceTrustedArIO = "trusted-ario"
	sourceTrusted     = "trusted-peers"
)

// NewGatewayPool creates the pool manager. Static sources serve the
// configured list directly; the network source discovers gateways through
// the registry and falls back to the static list when discovery fails cold.
func NewGatewayPool(registry *registryClient, source string, refreshInterval time.Duration, minGateways int, fallbackURLs []string, logger *zap.Logger) *GatewayPool {
	return &GatewayPool{
		registry:        registry,
		source:          source,
		refreshInterval: refreshInterval,
		minGateways:     minGateways,
		staticGateways:  staticGatewayList(fallbackURLs),
		logger:          logger,
	}
}

// AllGateways returns the routing view: the full stake-ordered pool
func (p *GatewayPool) AllGateways(ctx context.Context) ([]GatewayInfo, error) {
	return p.current(ctx)
}

// TopStaked returns the verification view: the n highest-staked gateways
func (p *GatewayPool) TopStaked(ctx context.Context, n int) ([]GatewayInfo, error) {
	gateways, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 && n < len(gateways) {
		gateways = gateways[:n]
	}
	out := make([]GatewayInfo, len(gateways))
	copy(out, gateways)
	return out, nil
}

// IsFallback reports whether the pool is serving the static fallback list
func (p *GatewayPool) IsFallback() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fallback
}

// Ready reports whether any list (static, discovered, or fallback) is loaded
func (p *GatewayPool) Ready() bool {
	if p.source != sourceNetwork {
		return len(p.staticGateways) > 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.gateways) > 0
}

// RefreshDue reports whether the cached list is close enough to expiry
// that the periodic task should refresh it. Fires slightly ahead of
// expiry so readers never observe a stale list.
func (p *GatewayPool) RefreshDue() bool {
	if p.source != sourceNetwork {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.gateways) == 0 || p.fallback {
		return true
	}
	return time.Since(p.fetchedAt) > p.refreshInterval-p.refreshInterval/20
}

// Refresh fetches the registry, coalescing concurrent callers onto a
// single in-flight fetch. All readers after a successful refresh see the
// new list atomically.
func (p *GatewayPool) Refresh(ctx context.Context) error {
	if p.source != sourceNetwork {
		return nil
	}
	_, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *GatewayPool) current(ctx context.Context) ([]GatewayInfo, error) {
	if p.source != sourceNetwork {
		if len(p.staticGateways) == 0 {
			return nil, fmt.Errorf("gateway source %q has no configured gateways", p.source)
		}
		return p.staticGateways, nil
	}

	p.mu.RLock()
	gateways, fetchedAt := p.gateways, p.fetchedAt
	p.mu.RUnlock()

	if len(gateways) > 0 && time.Since(fetchedAt) < p.refreshInterval {
		return gateways, nil
	}

	if err := p.Refresh(ctx); err != nil {
		// Stale-on-failure: keep serving the previous list if there is one.
		if len(gateways) > 0 {
			p.logger.Warn("gateway refresh failed, serving stale list",
				zap.Int("gateways", len(gateways)),
				zap.Duration("age", time.Since(fetchedAt)),
				zap.Error(err))
			return gateways, nil
		}
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gateways, nil
}

func (p *GatewayPool) refresh(ctx context.Context) error {
	fetched, err := p.registry.FetchGateways(ctx)
	if err == nil && len(fetched) < p.minGateways {
		err = fmt.Errorf("registry returned %d gateways, need at least %d", len(fetched), p.minGateways)
	}
	if err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.gateways) > 0 {
			return err
		}
		if len(p.staticGateways) == 0 {
			return fmt.Errorf("gateway discovery failed with no fallback configured: %w", err)
		}
		p.logger.Warn("gateway discovery failed, using fallback list",
			zap.Int("fallback_gateways", len(p.staticGateways)),
			zap.Error(err))
		p.gateways = p.staticGateways
		p.fetchedAt = time.Now()
		p.fallback = true
		return nil
	}

	sortByStake(fetched)

	p.mu.Lock()
	p.gateways = fetched
	p.fetchedAt = time.Now()
	p.fallback = false
	p.mu.Unlock()

	p.logger.Info("gateway pool refreshed",
		zap.Int("gateways", len(fetched)),
		zap.String("top", fetched[0].Origin))
	return nil
}

// sortByStake orders descending by total stake; stable under equal stake
func sortByStake(gateways []GatewayInfo) {
	sort.SliceStable(gateways, func(i, j int) bool {
		return gateways[i].TotalStake > gateways[j].TotalStake
	})
}

// staticGatewayList turns configured URLs into a synthetic pool. Order in
// the config is the stake order, so earlier entries rank higher.
func staticGatewayList(urls []string) []GatewayInfo {
	gateways := make([]GatewayInfo, 0, len(urls))
	for i, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			continue
		}
		gateways = append(gateways, GatewayInfo{
			Origin:     u.Scheme + "://" + u.Host,
			Hostname:   u.Hostname(),
			TotalStake: int64(len(urls) - i),
		})
	}
	return gateways
}
