package wayfinder

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// parseCaddyfile parses the wayfinder handler block
func (wf *Wayfinder) parseCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "base_domain":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Server.BaseDomain = d.Val()

			case "root_host_content":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Server.RootHostContent = d.Val()

			case "restrict_to_root_host":
				if !d.NextArg() {
					return d.ArgErr()
				}
				v, err := strconv.ParseBool(d.Val())
				if err != nil {
					return d.Errf("invalid restrict_to_root_host: %v", err)
				}
				wf.Server.RestrictToRootHost = v

			case "graphql_proxy_url":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Server.GraphQLProxyURL = d.Val()

			case "mode":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Mode.Default = d.Val()

			case "allow_mode_override":
				if !d.NextArg() {
					return d.ArgErr()
				}
				v, err := strconv.ParseBool(d.Val())
				if err != nil {
					return d.Errf("invalid allow_mode_override: %v", err)
				}
				wf.Mode.AllowOverride = v

			case "routing_strategy":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Routing.Strategy = d.Val()

			case "gateway_source":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Routing.GatewaySource = d.Val()

			case "retry_attempts":
				if !d.NextArg() {
					return d.ArgErr()
				}
				attempts, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid retry_attempts: %v", err)
				}
				wf.Routing.RetryAttempts = attempts

			case "retry_delay":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Routing.RetryDelay = d.Val()

			case "temperature_window":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Routing.TemperatureWindow = d.Val()

			case "temperature_max_samples":
				if !d.NextArg() {
					return d.ArgErr()
				}
				samples, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid temperature_max_samples: %v", err)
				}
				wf.Routing.TemperatureMaxSamples = samples

			case "verification":
				if !d.NextArg() {
					return d.ArgErr()
				}
				v, err := strconv.ParseBool(d.Val())
				if err != nil {
					return d.Errf("invalid verification: %v", err)
				}
				wf.Verification.Enabled = &v

			case "verification_gateway_source":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Verification.GatewaySource = d.Val()

			case "verification_gateway_count":
				if !d.NextArg() {
					return d.ArgErr()
				}
				count, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid verification_gateway_count: %v", err)
				}
				wf.Verification.GatewayCount = count

			case "consensus_threshold":
				if !d.NextArg() {
					return d.ArgErr()
				}
				threshold, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid consensus_threshold: %v", err)
				}
				wf.Verification.ConsensusThreshold = threshold

			case "verification_retry_attempts":
				if !d.NextArg() {
					return d.ArgErr()
				}
				attempts, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid verification_retry_attempts: %v", err)
				}
				wf.Verification.RetryAttempts = attempts

			case "registry_url":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Network.RegistryURL = d.Val()

			case "refresh_interval":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Network.RefreshInterval = d.Val()

			case "min_gateways":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid min_gateways: %v", err)
				}
				wf.Network.MinGateways = n

			case "fallback_gateways":
				gateways := []string{}
				for d.NextArg() {
					gateways = append(gateways, d.Val())
				}
				wf.Network.FallbackGateways = gateways

			case "cache":
				if !d.NextArg() {
					return d.ArgErr()
				}
				v, err := strconv.ParseBool(d.Val())
				if err != nil {
					return d.Errf("invalid cache: %v", err)
				}
				wf.Cache.ContentEnabled = &v

			case "cache_max_size":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Cache.ContentMaxSize = d.Val()

			case "cache_max_item_size":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Cache.ContentMaxItemSize = d.Val()

			case "cache_path":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Cache.ContentPath = d.Val()

			case "arns_ttl":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Cache.ArNSTTL = d.Val()

			case "gateway_health_ttl":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Resilience.GatewayHealthTTL = d.Val()

			case "circuit_breaker_threshold":
				if !d.NextArg() {
					return d.ArgErr()
				}
				threshold, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid circuit_breaker_threshold: %v", err)
				}
				wf.Resilience.CircuitBreakerThreshold = threshold

			case "circuit_breaker_reset":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Resilience.CircuitBreakerReset = d.Val()

			case "gateway_health_max_entries":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid gateway_health_max_entries: %v", err)
				}
				wf.Resilience.GatewayHealthMaxEntries = n

			case "stream_timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Resilience.StreamTimeout = d.Val()

			case "connections_per_host":
				if !d.NextArg() {
					return d.ArgErr()
				}
				n, err := strconv.Atoi(d.Val())
				if err != nil {
					return d.Errf("invalid connections_per_host: %v", err)
				}
				wf.HTTP.ConnectionsPerHost = n

			case "connect_timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.HTTP.ConnectTimeout = d.Val()

			case "request_timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.HTTP.RequestTimeout = d.Val()

			case "keep_alive_timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.HTTP.KeepAliveTimeout = d.Val()

			case "drain_timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Shutdown.DrainTimeout = d.Val()

			case "shutdown_timeout":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Shutdown.ShutdownTimeout = d.Val()

			case "moderation":
				if !d.NextArg() {
					return d.ArgErr()
				}
				v, err := strconv.ParseBool(d.Val())
				if err != nil {
					return d.Errf("invalid moderation: %v", err)
				}
				wf.Moderation.Enabled = v

			case "blocklist_path":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Moderation.BlocklistPath = d.Val()

			case "admin_token":
				if !d.NextArg() {
					return d.ArgErr()
				}
				wf.Moderation.AdminToken = d.Val()

			default:
				return d.Errf("unknown directive: %s", d.Val())
			}
		}
	}

	return nil
}

// setDefaults fills unset configuration fields
func (wf *Wayfinder) setDefaults() {
	if wf.Mode.Default == "" {
		wf.Mode.Default = string(ModeProxy)
	}
	if wf.Routing.Strategy == "" {
		wf.Routing.Strategy = string(StrategyTemperature)
	}
	if wf.Routing.GatewaySource == "" {
		wf.Routing.GatewaySource = sourceNetwork
	}
	if wf.Routing.RetryAttempts == 0 {
		wf.Routing.RetryAttempts = 2
	}
	if wf.Routing.RetryDelay == "" {
		wf.Routing.RetryDelay = "250ms"
	}
	if wf.Routing.TemperatureWindow == "" {
		wf.Routing.TemperatureWindow = "10m"
	}
	if wf.Routing.TemperatureMaxSamples == 0 {
		wf.Routing.TemperatureMaxSamples = 100
	}
	if wf.Verification.Enabled == nil {
		enabled := true
		wf.Verification.Enabled = &enabled
	}
	if wf.Verification.GatewaySource == "" {
		wf.Verification.GatewaySource = "top-staked"
	}
	if wf.Verification.GatewayCount == 0 {
		wf.Verification.GatewayCount = 5
	}
	if wf.Verification.ConsensusThreshold == 0 {
		wf.Verification.ConsensusThreshold = 2
	}
	if wf.Verification.RetryAttempts == 0 {
		wf.Verification.RetryAttempts = 3
	}
	if wf.Network.RegistryURL == "" {
		wf.Network.RegistryURL = "https://arweave.net"
	}
	if wf.Network.RefreshInterval == "" {
		wf.Network.RefreshInterval = "24h"
	}
	if wf.Network.MinGateways == 0 {
		wf.Network.MinGateways = 3
	}
	if len(wf.Network.FallbackGateways) == 0 {
		wf.Network.FallbackGateways = []string{
			"https://arweave.net",
			"https://permagate.io",
			"https://ar-io.dev",
		}
	}
	if wf.Cache.ContentEnabled == nil {
		enabled := true
		wf.Cache.ContentEnabled = &enabled
	}
	if wf.Cache.ContentMaxSize == "" {
		wf.Cache.ContentMaxSize = "512MB"
	}
	if wf.Cache.ContentMaxItemSize == "" {
		wf.Cache.ContentMaxItemSize = "64MB"
	}
	if wf.Cache.ArNSTTL == "" {
		wf.Cache.ArNSTTL = "5m"
	}
	if wf.Resilience.GatewayHealthTTL == "" {
		wf.Resilience.GatewayHealthTTL = "10m"
	}
	if wf.Resilience.CircuitBreakerThreshold == 0 {
		wf.Resilience.CircuitBreakerThreshold = 3
	}
	if wf.Resilience.CircuitBreakerReset == "" {
		wf.Resilience.CircuitBreakerReset = "60s"
	}
	if wf.Resilience.GatewayHealthMaxEntries == 0 {
		wf.Resilience.GatewayHealthMaxEntries = 1000
	}
	if wf.Resilience.StreamTimeout == "" {
		wf.Resilience.StreamTimeout = "120s"
	}
	if wf.HTTP.ConnectionsPerHost == 0 {
		wf.HTTP.ConnectionsPerHost = 32
	}
	if wf.HTTP.ConnectTimeout == "" {
		wf.HTTP.ConnectTimeout = "30s"
	}
	if wf.HTTP.RequestTimeout == "" {
		wf.HTTP.RequestTimeout = "30s"
	}
	if wf.HTTP.KeepAliveTimeout == "" {
		wf.HTTP.KeepAliveTimeout = "90s"
	}
	if wf.Shutdown.DrainTimeout == "" {
		wf.Shutdown.DrainTimeout = "30s"
	}
	if wf.Shutdown.ShutdownTimeout == "" {
		wf.Shutdown.ShutdownTimeout = "10s"
	}
}

// validate ensures the configuration is coherent
func (wf *Wayfinder) validate() error {
	if wf.Server.BaseDomain == "" {
		return fmt.Errorf("base_domain is required")
	}
	if mode := wf.Mode.Default; mode != "" && mode != string(ModeProxy) && mode != string(ModeRoute) {
		return fmt.Errorf("invalid mode %q (must be 'proxy' or 'route')", mode)
	}
	switch RoutingStrategyName(wf.Routing.Strategy) {
	case "", StrategyTemperature, StrategyFastest, StrategyRandom, StrategyRoundRobin:
	default:
		return fmt.Errorf("invalid routing_strategy %q", wf.Routing.Strategy)
	}
	switch wf.Routing.GatewaySource {
	case "", sourceNetwork, sourceStatic, sourceTrusted, sourceTrustedArIO:
	default:
		return fmt.Errorf("invalid gateway_source %q", wf.Routing.GatewaySource)
	}
	if wf.Verification.ConsensusThreshold != 0 && wf.Verification.ConsensusThreshold < 2 {
		return fmt.Errorf("consensus_threshold must be at least 2")
	}
	if wf.Verification.GatewayCount != 0 && wf.Verification.ConsensusThreshold > wf.Verification.GatewayCount {
		return fmt.Errorf("consensus_threshold %d exceeds verification_gateway_count %d",
			wf.Verification.ConsensusThreshold, wf.Verification.GatewayCount)
	}
	if wf.Moderation.Enabled && wf.Moderation.AdminToken == "" {
		return fmt.Errorf("moderation requires admin_token")
	}
	for _, raw := range wf.Network.FallbackGateways {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid fallback gateway %q", raw)
		}
	}
	if wf.Server.GraphQLProxyURL != "" {
		if _, err := url.Parse(wf.Server.GraphQLProxyURL); err != nil {
			return fmt.Errorf("invalid graphql_proxy_url: %w", err)
		}
	}

	for name, value := range map[string]string{
		"retry_delay":           wf.Routing.RetryDelay,
		"temperature_window":    wf.Routing.TemperatureWindow,
		"refresh_interval":      wf.Network.RefreshInterval,
		"arns_ttl":              wf.Cache.ArNSTTL,
		"gateway_health_ttl":    wf.Resilience.GatewayHealthTTL,
		"circuit_breaker_reset": wf.Resilience.CircuitBreakerReset,
		"stream_timeout":        wf.Resilience.StreamTimeout,
		"connect_timeout":       wf.HTTP.ConnectTimeout,
		"request_timeout":       wf.HTTP.RequestTimeout,
		"keep_alive_timeout":    wf.HTTP.KeepAliveTimeout,
		"drain_timeout":         wf.Shutdown.DrainTimeout,
		"shutdown_timeout":      wf.Shutdown.ShutdownTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	for name, value := range map[string]string{
		"cache_max_size":      wf.Cache.ContentMaxSize,
		"cache_max_item_size": wf.Cache.ContentMaxItemSize,
	} {
		if value == "" {
			continue
		}
		if _, err := humanize.ParseBytes(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// provision wires the engine after configuration parsing
func (wf *Wayfinder) provision(ctx caddy.Context) error {
	wf.logger = ctx.Logger()
	wf.setDefaults()
	if err := wf.validate(); err != nil {
		return err
	}

	wf.config = &Config{
		Server:       wf.Server,
		Mode:         wf.Mode,
		Routing:      wf.Routing,
		Verification: wf.Verification,
		Network:      wf.Network,
		Cache:        wf.Cache,
		Resilience:   wf.Resilience,
		HTTP:         wf.HTTP,
		Shutdown:     wf.Shutdown,
		Moderation:   wf.Moderation,
	}

	wf.defaultMode = ServeMode(wf.Mode.Default)
	wf.allowOverride = wf.Mode.AllowOverride
	wf.verificationEnabled = *wf.Verification.Enabled
	wf.cacheEnabled = *wf.Cache.ContentEnabled
	wf.moderationEnabled = wf.Moderation.Enabled
	wf.adminToken = wf.Moderation.AdminToken
	wf.drainTimeout = mustDuration(wf.Shutdown.DrainTimeout)
	wf.shutdownTimeout = mustDuration(wf.Shutdown.ShutdownTimeout)

	var err error
	wf.promRegistry = ctx.GetMetricsRegistry()
	if wf.metrics, err = acquireGlobalMetrics(wf.promRegistry); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	if wf.moderationEnabled {
		if wf.blocklist, err = NewBlocklist(wf.Moderation.BlocklistPath, wf.logger); err != nil {
			return fmt.Errorf("loading blocklist: %w", err)
		}
	}
	wf.classifier = NewClassifier(wf.Server.BaseDomain, wf.Server.RestrictToRootHost, wf.blocklist)

	wf.registry = newRegistryClient(
		wf.Network.RegistryURL,
		wf.HTTP.ConnectionsPerHost,
		mustDuration(wf.HTTP.ConnectTimeout),
		mustDuration(wf.HTTP.RequestTimeout),
		mustDuration(wf.HTTP.KeepAliveTimeout),
		wf.logger,
	)
	wf.pool = NewGatewayPool(
		wf.registry,
		wf.Routing.GatewaySource,
		mustDuration(wf.Network.RefreshInterval),
		wf.Network.MinGateways,
		wf.Network.FallbackGateways,
		wf.logger,
	)
	wf.health = NewHealthRegistry(
		wf.Resilience.GatewayHealthMaxEntries,
		wf.Resilience.CircuitBreakerThreshold,
		mustDuration(wf.Resilience.GatewayHealthTTL),
		mustDuration(wf.Resilience.CircuitBreakerReset),
		wf.logger,
	)
	wf.temps = NewTemperatureStore(
		mustDuration(wf.Routing.TemperatureWindow),
		wf.Routing.TemperatureMaxSamples,
	)
	strategy := newRoutingStrategy(RoutingStrategyName(wf.Routing.Strategy), wf.temps, wf.registry, wf.logger)
	wf.selector = NewGatewaySelector(
		wf.pool, wf.health, wf.temps, strategy,
		wf.Routing.RetryAttempts,
		mustDuration(wf.Routing.RetryDelay),
		wf.metrics, wf.logger,
	)
	wf.resolver = NewNameResolver(
		wf.pool, wf.registry,
		wf.Verification.GatewayCount,
		wf.Verification.ConsensusThreshold,
		mustDuration(wf.HTTP.RequestTimeout),
		mustDuration(wf.Cache.ArNSTTL),
		wf.metrics, wf.logger,
	)
	quorum := newDigestQuorum(wf.pool, wf.registry, wf.Verification.GatewayCount, wf.Verification.ConsensusThreshold, wf.logger)
	wf.verifier = NewVerifier(quorum, wf.logger)
	wf.manifests = NewManifestResolver(wf.pool, wf.registry, wf.verifier, wf.Verification.GatewayCount, wf.logger)

	maxSize, _ := humanize.ParseBytes(wf.Cache.ContentMaxSize)
	maxItemSize, _ := humanize.ParseBytes(wf.Cache.ContentMaxItemSize)
	if wf.content, err = NewContentCache(int64(maxSize), int64(maxItemSize), wf.Cache.ContentPath, wf.metrics, wf.logger); err != nil {
		return fmt.Errorf("initializing content cache: %w", err)
	}

	wf.engine = NewFetchEngine(
		wf.selector, wf.verifier, wf.manifests, wf.content, wf.registry,
		wf.verificationEnabled, wf.cacheEnabled,
		wf.Verification.RetryAttempts,
		mustDuration(wf.Resilience.StreamTimeout),
		wf.metrics, wf.logger,
	)

	if wf.blocklist != nil {
		wf.blocklist.SetPurgeHooks(
			func(txID string) {
				wf.content.InvalidateTx(txID)
				wf.manifests.Invalidate(txID)
			},
			func(name string) { wf.resolver.Invalidate(name) },
		)
	}

	wf.telemetry = NewTelemetryStore(wf.logger)
	wf.apiCache = newAPIResponseCache()
	wf.tracker = newRequestTracker()
	wf.tasks = newTaskGroup(wf.logger)

	// Warm the pool off the request path, then keep it fresh.
	wf.tasks.Go(func(ctx context.Context) {
		if err := wf.pool.Refresh(ctx); err != nil {
			wf.logger.Warn("initial gateway discovery failed", zap.Error(err))
		}
		wf.updatePoolGauges(ctx)
	})
	wf.tasks.Every("pool-refresh", time.Minute, func(ctx context.Context) {
		if wf.pool.RefreshDue() {
			if err := wf.pool.Refresh(ctx); err != nil {
				wf.logger.Warn("gateway refresh failed", zap.Error(err))
			}
		}
		wf.updatePoolGauges(ctx)
	})
	wf.tasks.Every("telemetry-prune", time.Hour, wf.telemetryPrune)

	wf.logger.Info("wayfinder provisioned",
		zap.String("base_domain", wf.Server.BaseDomain),
		zap.String("mode", wf.Mode.Default),
		zap.String("strategy", wf.Routing.Strategy),
		zap.Bool("verification", wf.verificationEnabled),
		zap.Bool("cache", wf.cacheEnabled))
	return nil
}

// cleanup drains in-flight requests and stops background tasks
func (wf *Wayfinder) cleanup() error {
	if wf.tracker != nil {
		if !wf.tracker.Drain(wf.drainTimeout) {
			wf.logger.Warn("drain timeout elapsed with requests in flight",
				zap.Int("in_flight", wf.tracker.InFlight()))
		}
	}
	if wf.tasks != nil {
		if !wf.tasks.Stop(wf.shutdownTimeout) {
			wf.logger.Warn("background tasks did not stop in time")
		}
	}
	releaseGlobalMetrics()
	wf.logger.Info("wayfinder cleaned up")
	return nil
}

// updatePoolGauges reflects the pool's current shape into metrics
func (wf *Wayfinder) updatePoolGauges(ctx context.Context) {
	gateways, err := wf.pool.AllGateways(ctx)
	if err != nil {
		return
	}
	wf.metrics.poolGateways.Set(float64(len(gateways)))
	if wf.pool.IsFallback() {
		wf.metrics.poolFallback.Set(1)
	} else {
		wf.metrics.poolFallback.Set(0)
	}
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
