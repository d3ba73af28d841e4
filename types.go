package wayfinder

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RoutingStrategyName identifies a gateway routing strategy
type RoutingStrategyName string

const (
	StrategyTemperature RoutingStrategyName = "temperature"
	StrategyFastest     RoutingStrategyName = "fastest"
	StrategyRandom      RoutingStrategyName = "random"
	StrategyRoundRobin  RoutingStrategyName = "round-robin"
)

// ServeMode selects how verified content is delivered to the client
type ServeMode string

const (
	ModeProxy ServeMode = "proxy"
	ModeRoute ServeMode = "route"
)

// ServerConfig holds request-surface configuration
type ServerConfig struct {
	BaseDomain         string `json:"base_domain"`
	RootHostContent    string `json:"root_host_content,omitempty"`
	RestrictToRootHost bool   `json:"restrict_to_root_host,omitempty"`
	GraphQLProxyURL    string `json:"graphql_proxy_url,omitempty"`
}

// ModeConfig holds serve mode configuration
type ModeConfig struct {
	Default       string `json:"default,omitempty"`
	AllowOverride bool   `json:"allow_override,omitempty"`
}

// RoutingConfig holds gateway selection configuration
type RoutingConfig struct {
	Strategy              string `json:"strategy,omitempty"`
	GatewaySource         string `json:"gateway_source,omitempty"`
	RetryAttempts         int    `json:"retry_attempts,omitempty"`
	RetryDelay            string `json:"retry_delay,omitempty"`
	TemperatureWindow     string `json:"temperature_window,omitempty"`
	TemperatureMaxSamples int    `json:"temperature_max_samples,omitempty"`
}

// VerificationConfig holds trust-anchor verification configuration
type VerificationConfig struct {
	Enabled            *bool  `json:"enabled,omitempty"`
	GatewaySource      string `json:"gateway_source,omitempty"`
	GatewayCount       int    `json:"gateway_count,omitempty"`
	ConsensusThreshold int    `json:"consensus_threshold,omitempty"`
	RetryAttempts      int    `json:"retry_attempts,omitempty"`
}

// NetworkConfig holds gateway discovery configuration
type NetworkConfig struct {
	RegistryURL      string   `json:"registry_url,omitempty"`
	RefreshInterval  string   `json:"refresh_interval,omitempty"`
	MinGateways      int      `json:"min_gateways,omitempty"`
	FallbackGateways []string `json:"fallback_gateways,omitempty"`
}

// CacheConfig holds verified-content cache configuration
type CacheConfig struct {
	ContentEnabled     *bool  `json:"content_enabled,omitempty"`
	ContentMaxSize     string `json:"content_max_size,omitempty"`
	ContentMaxItemSize string `json:"content_max_item_size,omitempty"`
	ContentPath        string `json:"content_path,omitempty"`
	ArNSTTL            string `json:"arns_ttl,omitempty"`
}

// ResilienceConfig holds health tracking and circuit breaker configuration
type ResilienceConfig struct {
	GatewayHealthTTL        string `json:"gateway_health_ttl,omitempty"`
	CircuitBreakerThreshold int    `json:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerReset     string `json:"circuit_breaker_reset,omitempty"`
	GatewayHealthMaxEntries int    `json:"gateway_health_max_entries,omitempty"`
	StreamTimeout           string `json:"stream_timeout,omitempty"`
}

// HTTPConfig holds upstream HTTP client configuration
type HTTPConfig struct {
	ConnectionsPerHost int    `json:"connections_per_host,omitempty"`
	ConnectTimeout     string `json:"connect_timeout,omitempty"`
	RequestTimeout     string `json:"request_timeout,omitempty"`
	KeepAliveTimeout   string `json:"keep_alive_timeout,omitempty"`
}

// ShutdownConfig holds graceful shutdown configuration
type ShutdownConfig struct {
	DrainTimeout    string `json:"drain_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// ModerationConfig holds blocklist configuration
type ModerationConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	BlocklistPath string `json:"blocklist_path,omitempty"`
	AdminToken    string `json:"admin_token,omitempty"`
}

// Config represents the complete module configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Mode         ModeConfig         `json:"mode"`
	Routing      RoutingConfig      `json:"routing"`
	Verification VerificationConfig `json:"verification"`
	Network      NetworkConfig      `json:"network"`
	Cache        CacheConfig        `json:"cache"`
	Resilience   ResilienceConfig   `json:"resilience"`
	HTTP         HTTPConfig         `json:"http"`
	Shutdown     ShutdownConfig     `json:"shutdown"`
	Moderation   ModerationConfig   `json:"moderation"`
}

// GatewayInfo describes one gateway from the network registry. Pools are
// kept sorted by TotalStake descending; the sort is stable under equal stake.
type GatewayInfo struct {
	Origin         string `json:"origin"`
	Hostname       string `json:"hostname"`
	OperatorStake  int64  `json:"operator_stake"`
	DelegatedStake int64  `json:"delegated_stake"`
	TotalStake     int64  `json:"total_stake"`
}

// GatewayHealth is a snapshot of one gateway's health record
type GatewayHealth struct {
	Healthy          bool      `json:"healthy"`
	LastChecked      time.Time `json:"last_checked"`
	Failures         int       `json:"failures"`
	CircuitOpen      bool      `json:"circuit_open"`
	CircuitOpenUntil time.Time `json:"circuit_open_until,omitempty"`
}

// HealthRegistry tracks per-gateway health with a circuit breaker per entry.
// Entries are bounded; stale records age out and unknown gateways are
// treated as healthy so new gateways get tried.
type HealthRegistry struct {
	mu         sync.Mutex
	entries    map[string]*healthRecord
	maxEntries int
	threshold  int
	healthTTL  time.Duration
	resetAfter time.Duration
	lastPrune  time.Time
	logger     *zap.Logger
}

type healthRecord struct {
	healthy          bool
	lastChecked      time.Time
	failures         int
	circuitOpen      bool
	circuitOpenUntil time.Time
}

// TemperatureStore keeps a rolling sample window of latency and success per
// gateway and derives a selection weight from it.
type TemperatureStore struct {
	mu         sync.RWMutex
	windows    map[string]*sampleWindow
	window     time.Duration
	maxSamples int
	minSamples int
}

type tempSample struct {
	at      time.Time
	latency time.Duration
	success bool
}

type sampleWindow struct {
	mu      sync.Mutex
	samples []tempSample
}

// GatewayPool discovers and caches the live gateway set, ordered by stake
type GatewayPool struct {
	registry  *registryClient
	mu        sync.RWMutex
	gateways  []GatewayInfo
	fetchedAt time.Time
	fallback  bool

	source          string
	refreshInterval time.Duration
	minGateways     int
	staticGateways  []GatewayInfo

	group  singleflight.Group
	logger *zap.Logger
}

// ResolvedName is the consensus result for one ArNS name
type ResolvedName struct {
	Name       string        `json:"name"`
	TxID       string        `json:"tx_id"`
	TTL        time.Duration `json:"ttl"`
	ResolvedBy []string      `json:"resolved_by"`
	ResolvedAt time.Time     `json:"resolved_at"`
}

// VerificationResult reports a successful content verification
type VerificationResult struct {
	Duration   time.Duration `json:"duration"`
	Hash       string        `json:"hash"`
	VerifiedBy []string      `json:"verified_by"`
}

// CachedContent is one verified object in the content cache. In disk-backed
// mode Data stays empty on the index entry and the bytes live in the blob file.
type CachedContent struct {
	Data          []byte            `json:"-"`
	ContentType   string            `json:"content_type"`
	ContentLength int64             `json:"content_length"`
	Headers       map[string]string `json:"headers,omitempty"`
	VerifiedAt    time.Time         `json:"verified_at"`
	TxID          string            `json:"tx_id"`
	Hash          string            `json:"hash,omitempty"`
	AccessCount   int64             `json:"access_count"`
	LastAccessed  time.Time         `json:"last_accessed"`
}

// ManifestEntry points a manifest path at a content object
type ManifestEntry struct {
	ID string `json:"id"`
}

// ManifestIndex names the path served for the manifest root
type ManifestIndex struct {
	Path string `json:"path"`
}

// PathManifest is the parsed manifest document
type PathManifest struct {
	Manifest string                   `json:"manifest"`
	Version  string                   `json:"version"`
	Index    *ManifestIndex           `json:"index,omitempty"`
	Fallback *ManifestEntry           `json:"fallback,omitempty"`
	Paths    map[string]ManifestEntry `json:"paths"`
}

// VerifiedManifest is a manifest that passed trust-anchor verification
type VerifiedManifest struct {
	TxID       string       `json:"tx_id"`
	Manifest   PathManifest `json:"manifest"`
	VerifiedAt time.Time    `json:"verified_at"`
	SizeBytes  int64        `json:"size_bytes"`
}

// ManifestTarget is the object a manifest maps a subpath to
type ManifestTarget struct {
	TxID    string `json:"tx_id"`
	IsIndex bool   `json:"is_index"`
}

// RequestKind classifies an incoming request
type RequestKind int

const (
	RequestArNS RequestKind = iota
	RequestTxID
	RequestAPI
	RequestReserved
	RequestBlocked
	RequestRedirect
	RequestPassthrough
)

// RequestInfo is the classifier's verdict for one request
type RequestInfo struct {
	Kind        RequestKind
	ArNSName    string
	TxID        string
	Path        string
	Sandbox     string
	APICategory string
	BlockReason string
	RedirectTo  string
}

// BlocklistEntry is one moderation decision
type BlocklistEntry struct {
	Type         string    `json:"type"`
	Value        string    `json:"value"`
	Reason       string    `json:"reason,omitempty"`
	BlockedAt    time.Time `json:"blocked_at"`
	BlockedBy    string    `json:"blocked_by,omitempty"`
	ResolvedTxID string    `json:"resolved_tx_id,omitempty"`
}

// blocklistFile is the persisted blocklist shape
type blocklistFile struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Entries   []BlocklistEntry `json:"entries"`
}

// ContentRequest is the fetch engine's input
type ContentRequest struct {
	TxID     string
	ArNSName string
	Path     string
}

// FetchResult is a fully verified (or passthrough) upstream response
type FetchResult struct {
	Data         []byte
	ContentType  string
	Headers      http.Header
	TxID         string
	ManifestTxID string
	Gateway      string
	Verification *VerificationResult
	Cached       bool
	CacheAge     time.Duration
}
