package wayfinder

import (
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Wayfinder{})
	httpcaddyfile.RegisterHandlerDirective("wayfinder", parseCaddyfileHandler)
}

// Wayfinder is a verifying reverse proxy for the ar.io gateway network.
// It classifies requests into names and content identifiers, resolves
// names by trust-anchor consensus, fetches objects from a dynamically
// discovered gateway pool, verifies them against a digest quorum, caches
// the verified bytes, and serves them with provenance headers.
type Wayfinder struct {
	Server       ServerConfig       `json:"server,omitempty"`
	Mode         ModeConfig         `json:"mode,omitempty"`
	Routing      RoutingConfig      `json:"routing,omitempty"`
	Verification VerificationConfig `json:"verification,omitempty"`
	Network      NetworkConfig      `json:"network,omitempty"`
	Cache        CacheConfig        `json:"cache,omitempty"`
	Resilience   ResilienceConfig   `json:"resilience,omitempty"`
	HTTP         HTTPConfig         `json:"http,omitempty"`
	Shutdown     ShutdownConfig     `json:"shutdown,omitempty"`
	Moderation   ModerationConfig   `json:"moderation,omitempty"`

	// Runtime components
	config     *Config
	classifier *Classifier
	registry   *registryClient
	pool       *GatewayPool
	health     *HealthRegistry
	temps      *TemperatureStore
	selector   *GatewaySelector
	resolver   *NameResolver
	verifier   *Verifier
	manifests  *ManifestResolver
	content    *ContentCache
	engine     *FetchEngine
	blocklist  *Blocklist
	telemetry  *TelemetryStore
	apiCache   *apiResponseCache
	tracker    *requestTracker
	tasks      *taskGroup
	metrics      *Metrics
	promRegistry *prometheus.Registry
	logger       *zap.Logger

	// Resolved settings
	defaultMode         ServeMode
	allowOverride       bool
	verificationEnabled bool
	cacheEnabled        bool
	moderationEnabled   bool
	adminToken          string
	drainTimeout        time.Duration
	shutdownTimeout     time.Duration
}

// CaddyModule returns the Caddy module information.
func (Wayfinder) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.wayfinder",
		New: func() caddy.Module { return new(Wayfinder) },
	}
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
func (wf *Wayfinder) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	return wf.parseCaddyfile(d)
}

// Provision implements caddy.Provisioner.
func (wf *Wayfinder) Provision(ctx caddy.Context) error {
	return wf.provision(ctx)
}

// Validate implements caddy.Validator.
func (wf *Wayfinder) Validate() error {
	return wf.validate()
}

// Cleanup implements caddy.CleanerUpper.
func (wf *Wayfinder) Cleanup() error {
	return wf.cleanup()
}

func parseCaddyfileHandler(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	wf := new(Wayfinder)
	if err := wf.parseCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return wf, nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Wayfinder)(nil)
	_ caddy.Validator             = (*Wayfinder)(nil)
	_ caddy.CleanerUpper          = (*Wayfinder)(nil)
	_ caddyfile.Unmarshaler       = (*Wayfinder)(nil)
	_ caddyhttp.MiddlewareHandler = (*Wayfinder)(nil)
)
